package commands

import (
	"time"

	"metabigor/internal/browser"
	"metabigor/internal/sources"
	"metabigor/internal/transport"
	"metabigor/lib/telemetry"
)

type BrowserSettings struct {
	Enabled        bool    `json:"enabled"`
	RemoteURL      string  `json:"remote_url"`
	Bin            string  `json:"bin"`
	WaitSeconds    float64 `json:"wait_seconds"`
	TimeoutSeconds float64 `json:"timeout_seconds"`
}

// Settings is the content of metabigor.json5, flags given on the command
// line win over it.
type Settings struct {
	OutDir      string `json:"outdir"`
	RawDir      string `json:"raw"`
	Credentials string `json:"credentials"`
	Proxy       string `json:"proxy"`
	UserAgent   string `json:"user_agent"`
	// VerifyTLS turns certificate verification on, it is off by default.
	VerifyTLS bool `json:"verify_tls"`

	TimeoutSeconds      float64 `json:"timeout_seconds"`
	Attempts            int     `json:"attempts"`
	RetryWaitMinSeconds float64 `json:"retry_wait_min_seconds"`
	RetryWaitMaxSeconds float64 `json:"retry_wait_max_seconds"`
	MaxPages            int     `json:"max_pages"`

	Browser          BrowserSettings              `json:"browser"`
	Endpoints        map[string]sources.Endpoints `json:"endpoints"`
	ExploitEndpoints map[string]string            `json:"exploit_endpoints"`
	Telemetry        telemetry.Config             `json:"telemetry"`
}

var defaultSettings = Settings{
	OutDir:              ".",
	RawDir:              "raw",
	Credentials:         "config.conf",
	TimeoutSeconds:      30,
	Attempts:            3,
	RetryWaitMinSeconds: 3,
	RetryWaitMaxSeconds: 6,
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func (s Settings) transport(renderer transport.Renderer) transport.Options {
	return transport.Options{
		Proxy:        s.Proxy,
		Timeout:      seconds(s.TimeoutSeconds),
		Attempts:     s.Attempts,
		RetryWaitMin: seconds(s.RetryWaitMinSeconds),
		RetryWaitMax: seconds(s.RetryWaitMaxSeconds),
		UserAgent:    s.UserAgent,
		Insecure:     !s.VerifyTLS,
		Renderer:     renderer,
	}
}

func (s Settings) browser() browser.Config {
	return browser.Config{
		RemoteURL: s.Browser.RemoteURL,
		Bin:       s.Browser.Bin,
		Wait:      seconds(s.Browser.WaitSeconds),
		Timeout:   seconds(s.Browser.TimeoutSeconds),
		Proxy:     s.Proxy,
	}
}

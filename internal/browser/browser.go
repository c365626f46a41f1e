// Package browser renders pages with a headless Chrome, for the few cases
// where a source refuses plain HTTP clients.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"metabigor/lib/telemetry"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/stealth"
)

const report_renderer_render = "renderer.render"

var ErrUnavailable = errors.New("browser: chrome is not available")

type Config struct {
	// RemoteURL is the websocket url of an already running Chrome, empty
	// launches a local one.
	RemoteURL string
	// Bin overrides the Chrome binary the launcher looks for.
	Bin string
	// Wait is how long to let scripts settle after the load event.
	Wait    time.Duration
	Timeout time.Duration
	Proxy   string
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Wait < 0 {
		c.Wait = 0
	}
}

// Renderer lazily starts Chrome on the first Render call and keeps it for
// the rest of the run.
type Renderer struct {
	cfg Config
	tel telemetry.API

	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	failed  error
}

func NewRenderer(cfg Config, tel telemetry.API) *Renderer {
	cfg.defaults()
	return &Renderer{cfg: cfg, tel: telemetry.NewScopedAPI("browser", tel)}
}

func (r *Renderer) connect() (*rod.Browser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.browser != nil {
		return r.browser, nil
	}
	// a launch failure is not retried for every page of the run
	if r.failed != nil {
		return nil, r.failed
	}

	wsURL := r.cfg.RemoteURL
	if wsURL == "" {
		l := launcher.New().
			Headless(true).
			NoSandbox(true).
			Set("ignore-certificate-errors").
			Set("disable-blink-features", "AutomationControlled")
		if r.cfg.Bin != "" {
			l = l.Bin(r.cfg.Bin)
		}
		if r.cfg.Proxy != "" {
			l = l.Proxy(r.cfg.Proxy)
		}
		u, err := l.Launch()
		if err != nil {
			r.failed = fmt.Errorf("%w: %v", ErrUnavailable, err)
			return nil, r.failed
		}
		r.lnch = l
		wsURL = u
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		r.failed = fmt.Errorf("%w: connect: %v", ErrUnavailable, err)
		return nil, r.failed
	}
	r.browser = b
	return b, nil
}

// Render navigates a fresh stealth tab to link and returns the document's
// outer HTML once it has loaded.
func (r *Renderer) Render(ctx context.Context, link string) (string, error) {
	b, err := r.connect()
	if err != nil {
		r.tel.ReportWarning(report_renderer_render, err)
		return "", err
	}

	page, err := stealth.Page(b)
	if err != nil {
		r.tel.ReportBroken(report_renderer_render, fmt.Errorf("create tab: %w", err))
		return "", err
	}
	defer page.Close()

	navCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	err = page.Context(navCtx).Navigate(link)
	if err != nil {
		return "", fmt.Errorf("browser: navigate %s: %w", link, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		r.tel.ReportWarning(report_renderer_render, fmt.Errorf("wait load: %w", err), link)
	}
	if r.cfg.Wait > 0 {
		select {
		case <-time.After(r.cfg.Wait):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	html, err := page.Context(navCtx).HTML()
	if err != nil {
		return "", fmt.Errorf("browser: read document: %w", err)
	}
	r.tel.ReportDebug("rendered", link, len(html))
	return html, nil
}

// Close shuts Chrome down, it is safe to call when nothing was started.
func (r *Renderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var err error
	if r.browser != nil {
		err = r.browser.Close()
		r.browser = nil
	}
	if r.lnch != nil {
		r.lnch.Cleanup()
		r.lnch = nil
	}
	return err
}

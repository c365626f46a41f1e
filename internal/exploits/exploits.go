// Package exploits looks a product and version up in exploit and
// vulnerability databases. Unlike the host sources these need no session,
// rows go straight to a CSV file.
package exploits

import (
	"context"
	"errors"
	"fmt"
	"html"
	"regexp"
	"strconv"
	"strings"

	"metabigor/internal/pager"
	"metabigor/internal/record"
	"metabigor/internal/sink"
	"metabigor/internal/transport"
	"metabigor/lib/telemetry"

	jsoniter "github.com/json-iterator/go"
	"github.com/microcosm-cc/bluemonday"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	Sploitus   = "sploitus"
	Vulners    = "vulners"
	CVEDetails = "cvedetails"
	Writeups   = "writeups"
)

func Names() []string {
	return []string{Sploitus, Vulners, CVEDetails, Writeups}
}

var ErrVersionRequired = errors.New("exploits: lookup needs a version")

var cvePattern = regexp.MustCompile(`CVE-\d{4}-\d{4,7}`)

// Target is what is being looked up. Relative drops the title-only match
// so that the version is matched anywhere in the entry.
type Target struct {
	Product  string
	Version  string
	Relative bool
}

// ParseTarget reads the "product|version" form of the command line. A
// relative target keeps only the major part of a dotted version, "1.2.3"
// becomes "1.".
func ParseTarget(text string, relative bool) Target {
	product, version, _ := strings.Cut(text, "|")
	version = strings.TrimSpace(version)
	if relative {
		if major, _, ok := strings.Cut(version, "."); ok {
			version = major + "."
		}
	}
	return Target{
		Product:  strings.TrimSpace(product),
		Version:  version,
		Relative: relative,
	}
}

func (t Target) Query() string {
	return strings.TrimSpace(t.Product + " " + t.Version)
}

// Slug names the output files of the target.
func (t Target) Slug() string {
	return strings.ReplaceAll(t.Query(), " ", "_")
}

type Lookup interface {
	Name() string
	Lookup(ctx context.Context, target Target) ([]record.Finding, error)
}

type Options struct {
	// Base overrides the public endpoint.
	Base    string
	Capture *sink.Capture
	Delay   pager.Delay
	Sleep   pager.Sleeper
	// MaxPages caps the follow-up pages, 0 leaves it to the reported total.
	MaxPages int
}

func New(name string, client *transport.Client, tel telemetry.API, opts Options) (Lookup, error) {
	if opts.Sleep == nil {
		opts.Sleep = pager.Sleep
	}
	base := lookup{
		client: client,
		tel:    telemetry.NewScopedAPI(name, tel),
		opts:   opts,
		clean:  bluemonday.StrictPolicy(),
	}
	switch name {
	case Sploitus:
		if base.opts.Base == "" {
			base.opts.Base = "https://sploitus.com"
		}
		return &sploitus{lookup: base}, nil
	case Vulners:
		if base.opts.Base == "" {
			base.opts.Base = "https://vulners.com"
		}
		return &vulners{lookup: base}, nil
	case CVEDetails:
		if base.opts.Base == "" {
			base.opts.Base = "https://www.cvedetails.com"
		}
		return &cveDetails{lookup: base}, nil
	case Writeups:
		if base.opts.Base == "" {
			base.opts.Base = "https://github.com"
		}
		return &writeups{lookup: base}, nil
	}
	return nil, fmt.Errorf("unknown exploit source %q", name)
}

type lookup struct {
	client *transport.Client
	tel    telemetry.API
	opts   Options
	clean  *bluemonday.Policy
}

func (l lookup) capture(source, link, body string) string {
	if l.opts.Capture == nil {
		return ""
	}
	path, err := l.opts.Capture.Save(source, link, body)
	if err != nil {
		l.tel.ReportWarning("exploits.capture", err)
		return ""
	}
	return path
}

// text strips markup some databases leave in titles.
func (l lookup) text(s string) string {
	return strings.TrimSpace(html.UnescapeString(l.clean.Sanitize(s)))
}

func cve(text string) string {
	if m := cvePattern.FindString(text); m != "" {
		return m
	}
	return "N/A"
}

func score(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

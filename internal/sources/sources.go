// Package sources implements the closed set of host search engines. Each
// adapter supplies its query dialect, its result extractor and its entry of
// the authentication policy table, the lifecycle around them is shared.
package sources

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"metabigor/internal/geo"
	"metabigor/internal/pager"
	"metabigor/internal/querycodec"
	"metabigor/internal/record"
	"metabigor/internal/session"
	"metabigor/internal/transport"
	"metabigor/lib/telemetry"

	"github.com/PuerkitoBio/goquery"
)

const (
	report_source_parse = "source.parse"
	report_source_login = "source.login"
)

const (
	Fofa    = "fofa"
	Shodan  = "shodan"
	Censys  = "censys"
	ZoomEye = "zoomeye"
)

// Names lists every adapter in the order a run visits them.
func Names() []string {
	return []string{Fofa, Shodan, Censys, ZoomEye}
}

type AuthPolicy int

const (
	// AuthDegraded sources still answer anonymous queries, with fewer
	// results.
	AuthDegraded AuthPolicy = iota
	// AuthRequired sources are skipped without a valid session.
	AuthRequired
	// AuthInformational sources have no login flow: the session check only
	// tells whether pagination is available.
	AuthInformational
)

func (p AuthPolicy) String() string {
	switch p {
	case AuthRequired:
		return "required"
	case AuthInformational:
		return "informational"
	default:
		return "degraded"
	}
}

type Policy struct {
	Auth AuthPolicy
	// AuthForMore restricts anonymous sessions to the first page.
	AuthForMore bool
	PageSize    int
	PageDelay   pager.Delay
	GeoDelay    pager.Delay
}

type Adapter interface {
	session.Checker
	pager.Fetcher
	geo.Discoverer
	Dialect() querycodec.Dialect
	Policy() Policy
	// Preference is the order in which record fields are tried for the
	// single line written per record.
	Preference() []record.Field
}

// Endpoints lets a run (or a test) point an adapter at another host.
type Endpoints struct {
	Base    string
	Account string
}

var defaultEndpoints = map[string]Endpoints{
	Fofa:    {Base: "https://fofa.info", Account: "https://i.nosec.org"},
	Shodan:  {Base: "https://www.shodan.io", Account: "https://account.shodan.io"},
	Censys:  {Base: "https://censys.io", Account: "https://censys.io"},
	ZoomEye: {Base: "https://www.zoomeye.org", Account: "https://www.zoomeye.org"},
}

func DefaultEndpoints(name string) Endpoints {
	return defaultEndpoints[name]
}

// New builds the adapter called name. Empty fields of ep fall back to the
// public endpoints of the source.
func New(name string, client *transport.Client, tel telemetry.API, ep Endpoints) (Adapter, error) {
	defaults, ok := defaultEndpoints[name]
	if !ok {
		return nil, fmt.Errorf("unknown source %q", name)
	}
	if ep.Base == "" {
		ep.Base = defaults.Base
	}
	if ep.Account == "" {
		ep.Account = defaults.Account
	}
	ep.Base = strings.TrimRight(ep.Base, "/")
	ep.Account = strings.TrimRight(ep.Account, "/")

	b := base{
		id:     name,
		client: client,
		tel:    telemetry.NewScopedAPI(name, tel),
		ep:     ep,
	}
	switch name {
	case Fofa:
		return &fofa{base: b}, nil
	case Shodan:
		return &shodan{base: b}, nil
	case Censys:
		return &censys{base: b}, nil
	default:
		return newZoomEye(b), nil
	}
}

type base struct {
	id     string
	client *transport.Client
	tel    telemetry.API
	ep     Endpoints
}

func (b base) SourceID() string {
	return b.id
}

func (b base) get(ctx context.Context, link string, headers, cookies map[string]string) (*transport.Response, error) {
	b.tel.ReportDebug("GET", link)
	return b.client.Get(ctx, link, headers, cookies)
}

// loginWithForm is the csrf login shared by the sources that answer a good
// POST with a redirect setting the session cookie.
func (b base) loginWithForm(ctx context.Context, loginURL, formSelector string, fields map[string]string, cookieName string) (string, error) {
	res, err := b.client.Do(ctx, transport.Request{
		Method:          http.MethodGet,
		URL:             loginURL,
		FollowRedirects: true,
	})
	if err != nil {
		return "", err
	}
	if res.Status != http.StatusOK {
		return "", fmt.Errorf("login page answered %d", res.Status)
	}
	form, err := session.FormInputs(res.Body, formSelector)
	if err != nil {
		return "", err
	}
	for k, v := range fields {
		form[k] = v
	}

	res, err = b.client.Do(ctx, transport.Request{
		Method: http.MethodPost,
		URL:    loginURL,
		Form:   form,
	})
	if err != nil {
		return "", err
	}
	if res.Status != http.StatusFound {
		return "", fmt.Errorf("%w: login answered %d", session.ErrLoginFailed, res.Status)
	}
	token := res.Cookie(cookieName)
	if token == "" {
		return "", fmt.Errorf("%w: no %s cookie in login response", session.ErrLoginFailed, cookieName)
	}
	return token, nil
}

func parseHTML(body string) (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(strings.NewReader(body))
}

// atoi reads a count that may carry thousands separators.
func atoi(text string) (int, error) {
	text = strings.TrimSpace(strings.ReplaceAll(text, ",", ""))
	return strconv.Atoi(text)
}

func queryParam(link, name string) string {
	u, err := url.Parse(link)
	if err != nil {
		return ""
	}
	return u.Query().Get(name)
}

func seconds(lo, hi float64) pager.Delay {
	return pager.Delay{
		Min: time.Duration(lo * float64(time.Second)),
		Max: time.Duration(hi * float64(time.Second)),
	}
}

// Package transport issues the HTTP requests every source adapter makes: it
// owns headers, cookies, the upstream proxy, bounded retry on server errors
// and the optional headless browser fallback.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync/atomic"
	"time"

	"metabigor/lib/restyutil"
	"metabigor/lib/telemetry"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/go-resty/resty/v2"
	"golang.org/x/net/publicsuffix"
)

const (
	report_client_do     = "client.do"
	report_client_render = "client.render"
)

const DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36"

// Renderer loads a page in a real browser. It is only consulted when plain
// HTTP could not retrieve the page.
type Renderer interface {
	Render(ctx context.Context, url string) (string, error)
}

type Options struct {
	// Proxy is an upstream proxy url (http, https or socks5).
	Proxy   string
	Timeout time.Duration
	// Attempts is the total number of tries for a request answered with a
	// server error, 0 means 3.
	Attempts     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	UserAgent    string
	// Insecure skips certificate verification, many scraped hosts serve
	// self-signed or expired certificates.
	Insecure bool
	Renderer Renderer
	// Dump receives every exchange in full when set.
	Dump restyutil.Output
}

func (o *Options) defaults() {
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.Attempts <= 0 {
		o.Attempts = 3
	}
	if o.RetryWaitMin <= 0 {
		o.RetryWaitMin = 3 * time.Second
	}
	if o.RetryWaitMax < o.RetryWaitMin {
		o.RetryWaitMax = 2 * o.RetryWaitMin
	}
	if o.UserAgent == "" {
		o.UserAgent = DefaultUserAgent
	}
}

type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Cookies map[string]string
	Form    map[string]string
	// JSON is marshalled as the request body when set.
	JSON            any
	FollowRedirects bool
}

type Response struct {
	Status  int
	Body    string
	Header  http.Header
	Cookies []*http.Cookie
	// Rendered is set when the body came from the browser fallback.
	Rendered bool
}

// Cookie returns the value of the cookie the response set, or "".
func (r *Response) Cookie(name string) string {
	for _, c := range r.Cookies {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

func (r *Response) Redirect() bool {
	return r.Status >= 300 && r.Status < 400
}

func (r *Response) Location() string {
	return r.Header.Get("Location")
}

type Client struct {
	follow   *resty.Client
	noFollow *resty.Client
	jar      http.CookieJar
	renderer Renderer
	tel      telemetry.API
}

func New(opts Options, tel telemetry.API) (*Client, error) {
	opts.defaults()
	tel = telemetry.NewScopedAPI("transport", tel)

	base := &http.Transport{
		Proxy:           http.ProxyFromEnvironment,
		TLSClientConfig: &tls.Config{InsecureSkipVerify: opts.Insecure},
	}
	if opts.Proxy != "" {
		proxyUrl, err := url.Parse(opts.Proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy: %w", err)
		}
		if proxyUrl.Scheme == "" || proxyUrl.Host == "" {
			return nil, fmt.Errorf("parse proxy: %q is not an absolute url", opts.Proxy)
		}
		base.Proxy = http.ProxyURL(proxyUrl)
	}
	roundTripper := cloudflarebp.AddCloudFlareByPass(base)
	// the bypass swaps in its own tls config
	if base.TLSClientConfig != nil {
		base.TLSClientConfig.InsecureSkipVerify = opts.Insecure
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}

	var dumped atomic.Uint64
	newResty := func() *resty.Client {
		client := resty.NewWithClient(&http.Client{
			Transport: roundTripper,
			Jar:       jar,
		})
		client.SetTimeout(opts.Timeout)
		client.SetHeader("User-Agent", opts.UserAgent)
		client.SetHeader("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		client.SetHeader("Accept-Language", "en-US,en;q=0.5")
		client.SetRetryCount(opts.Attempts - 1)
		client.SetRetryWaitTime(opts.RetryWaitMin)
		client.SetRetryMaxWaitTime(opts.RetryWaitMax)
		client.AddRetryCondition(func(res *resty.Response, err error) bool {
			return err != nil || res.StatusCode() >= http.StatusInternalServerError
		})
		telemetry.InstrumentResty(client, tel)
		restyutil.Dump(client, opts.Dump, &dumped)
		return client
	}

	follow := newResty()
	noFollow := newResty()
	noFollow.SetRedirectPolicy(resty.RedirectPolicyFunc(func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}))

	return &Client{
		follow:   follow,
		noFollow: noFollow,
		jar:      jar,
		renderer: opts.Renderer,
		tel:      tel,
	}, nil
}

// Do sends the request. Server errors are retried up to the configured
// number of attempts, after which the last response is returned as-is.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	client := c.noFollow
	if req.FollowRedirects {
		client = c.follow
	}

	r := client.R().SetContext(ctx)
	r.SetHeaders(req.Headers)
	for name, value := range req.Cookies {
		if value == "" {
			continue
		}
		r.SetCookie(&http.Cookie{Name: name, Value: value})
	}
	if req.Form != nil {
		r.SetFormData(req.Form)
	}
	if req.JSON != nil {
		r.SetHeader("Content-Type", "application/json")
		r.SetBody(req.JSON)
	}

	res, err := r.Execute(req.Method, req.URL)
	var out *Response
	if res != nil && res.RawResponse != nil {
		out = &Response{
			Status:  res.StatusCode(),
			Body:    res.String(),
			Header:  res.Header(),
			Cookies: res.Cookies(),
		}
	}
	if err != nil {
		c.tel.ReportWarning(report_client_do, fmt.Errorf("%s %s: %w", req.Method, req.URL, err))
	}

	if req.Method == http.MethodGet && c.renderer != nil && (err != nil || out.Status >= http.StatusInternalServerError) {
		rendered, renderErr := c.render(ctx, req.URL)
		if renderErr == nil {
			return rendered, nil
		}
	}

	if err != nil && out == nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) render(ctx context.Context, link string) (*Response, error) {
	c.tel.ReportInfo("plain http failed, rendering with a headless browser", link)
	body, err := c.renderer.Render(ctx, link)
	if err != nil {
		c.tel.ReportBroken(report_client_render, err, link)
		return nil, err
	}
	return &Response{
		Status:   http.StatusOK,
		Body:     body,
		Header:   http.Header{},
		Rendered: true,
	}, nil
}

func (c *Client) Get(ctx context.Context, link string, headers, cookies map[string]string) (*Response, error) {
	return c.Do(ctx, Request{
		Method:  http.MethodGet,
		URL:     link,
		Headers: headers,
		Cookies: cookies,
	})
}

// Cookie returns the value the cookie jar holds for link, which includes
// cookies set by intermediate redirects.
func (c *Client) Cookie(link, name string) string {
	u, err := url.Parse(link)
	if err != nil {
		return ""
	}
	for _, cookie := range c.jar.Cookies(u) {
		if cookie.Name == name {
			return cookie.Value
		}
	}
	return ""
}

// Package pager drives the fetch and parse cycle across the result pages of
// one query.
package pager

import (
	"context"
	"iter"
	"math/rand/v2"
	"time"

	"metabigor/internal/querycodec"
	"metabigor/internal/record"
	"metabigor/internal/session"
	"metabigor/internal/sink"
	"metabigor/lib/telemetry"
)

const (
	report_pager_fetch    = "pager.fetch"
	report_pager_estimate = "pager.estimate"
	report_pager_limit    = "pager.limit"
	report_pager_capture  = "pager.capture"
)

// Result is what a source makes of one response.
type Result struct {
	URL     string
	Body    string
	Records []record.Host
	// TotalPages is the page count the response advertises, 0 when it
	// does not.
	TotalPages int
	// LimitReached is set when the source refuses to serve the page.
	LimitReached bool
}

type Fetcher interface {
	// FetchPage fetches the page at index, which is always >= 1.
	FetchPage(ctx context.Context, sess session.Session, q querycodec.Query, index int) (Result, error)
}

// Estimator is implemented by fetchers that learn the page count from a
// separate summary endpoint instead of the first page.
type Estimator interface {
	EstimatePages(ctx context.Context, sess session.Session, q querycodec.Query) (int, error)
}

type Page struct {
	Index   int
	URL     string
	Records []record.Host
	// Capture is the path of the archived body, if archiving is on.
	Capture string
}

type Delay struct {
	Min time.Duration
	Max time.Duration
}

// Next returns Min when the range is empty, a uniform pick in [Min, Max]
// otherwise.
func (d Delay) Next() time.Duration {
	if d.Max <= d.Min {
		return d.Min
	}
	return d.Min + rand.N(d.Max-d.Min+1)
}

type Policy struct {
	DisablePagination bool
	// AuthForMore restricts unauthenticated sessions to the first page.
	AuthForMore bool
	// MaxPages caps the estimate, 0 leaves it alone.
	MaxPages int
	Delay    Delay
}

// EstimatePages is the number of pages needed for total results at size
// per page.
func EstimatePages(total, size int) int {
	if total <= 0 || size <= 0 {
		return 0
	}
	return (total + size - 1) / size
}

type Sleeper func(ctx context.Context, d time.Duration) error

func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type Pager struct {
	tel     telemetry.API
	capture *sink.Capture
	source  string
	sleep   Sleeper
}

type Option func(p *Pager)

// WithCapture archives every fetched body under the source's directory.
func WithCapture(capture *sink.Capture) Option {
	return func(p *Pager) {
		p.capture = capture
	}
}

func WithSleeper(sleep Sleeper) Option {
	return func(p *Pager) {
		p.sleep = sleep
	}
}

func New(source string, tel telemetry.API, opts ...Option) *Pager {
	p := &Pager{
		tel:    telemetry.NewScopedAPI(source, tel),
		source: source,
		sleep:  Sleep,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Pages fetches page 1 and then, as the sequence is consumed, pages 2..N.
// N comes from the fetcher and is only an estimate: the first page
// carrying the limit marker ends the sequence. A fetch error is yielded
// with the index it happened at and the walk continues with the next page.
// The sequence is not restartable.
func (p *Pager) Pages(ctx context.Context, f Fetcher, sess session.Session, q querycodec.Query, policy Policy) iter.Seq2[Page, error] {
	return func(yield func(Page, error) bool) {
		first, err := f.FetchPage(ctx, sess, q, 1)
		if err != nil {
			p.tel.ReportWarning(report_pager_fetch, err, 1)
			yield(Page{Index: 1}, err)
			return
		}
		if first.LimitReached {
			p.tel.ReportWarning(report_pager_limit, "limit reached on the first page")
			return
		}
		if !yield(p.page(1, first), nil) {
			return
		}

		if policy.DisablePagination {
			return
		}
		if policy.AuthForMore && !sess.Authenticated() {
			p.tel.ReportWarning(report_pager_limit, "more pages need an authenticated session, only page 1 was fetched")
			return
		}

		total := first.TotalPages
		if estimator, ok := f.(Estimator); ok {
			n, err := estimator.EstimatePages(ctx, sess, q)
			if err != nil {
				p.tel.ReportWarning(report_pager_estimate, err)
			} else {
				total = n
			}
		}
		if policy.MaxPages > 0 && total > policy.MaxPages {
			total = policy.MaxPages
		}
		if total > 1 {
			p.tel.ReportGood("detected pages", total)
		}

		for index := 2; index <= total; index++ {
			if err := p.sleep(ctx, policy.Delay.Next()); err != nil {
				yield(Page{Index: index}, err)
				return
			}

			res, err := f.FetchPage(ctx, sess, q, index)
			if err != nil {
				p.tel.ReportWarning(report_pager_fetch, err, index)
				if !yield(Page{Index: index}, err) || ctx.Err() != nil {
					return
				}
				continue
			}
			if res.LimitReached {
				p.tel.ReportWarning(report_pager_limit, "reached the page limit", index)
				return
			}
			if !yield(p.page(index, res), nil) {
				return
			}
		}
	}
}

func (p *Pager) page(index int, res Result) Page {
	page := Page{Index: index, URL: res.URL, Records: res.Records}
	p.tel.ReportDebug("page fetched", index, len(res.Records))
	if p.capture == nil || res.Body == "" {
		return page
	}
	path, err := p.capture.Save(p.source, res.URL, res.Body)
	if err != nil {
		p.tel.ReportWarning(report_pager_capture, err)
		return page
	}
	page.Capture = path
	return page
}

// Package runner wires the session manager, the pager, the geo expander
// and the output sink into one search run per (source, query).
package runner

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"metabigor/internal/geo"
	"metabigor/internal/pager"
	"metabigor/internal/querycodec"
	"metabigor/internal/record"
	"metabigor/internal/session"
	"metabigor/internal/sink"
	"metabigor/internal/sources"
	"metabigor/internal/store"
	"metabigor/internal/transport"
	"metabigor/lib/telemetry"
)

const (
	report_runner_source = "runner.source"
	report_runner_write  = "runner.write"
	report_runner_index  = "runner.index"
	report_runner_skip   = "runner.skip"
)

// Options is resolved once from settings and flags, nothing changes it
// during a run.
type Options struct {
	OutDir string
	// Output is the base name of the output files, the query itself is
	// used when empty.
	Output string
	RawDir string
	// StoreRaw archives every fetched body under RawDir.
	StoreRaw          bool
	Brute             bool
	DisablePagination bool
	DisableGeo        bool
	MaxPages          int
	Endpoints         map[string]sources.Endpoints
	ExploitEndpoints  map[string]string
}

// Summary is one row of the end of run table.
type Summary struct {
	Source      string
	Query       string
	Session     session.Validity
	Pages       int
	Refinements int
	Lines       int
	Output      string
	Skipped     bool
	Err         error
}

type Runner struct {
	opts     Options
	client   *transport.Client
	sessions *session.Manager
	tel      telemetry.API
	index    *store.Index
	sleep    pager.Sleeper
	capture  *sink.Capture
	adapter  func(name string) (sources.Adapter, error)
}

type Option func(r *Runner)

// WithIndex records every emitted line in a SQLite index as well.
func WithIndex(index *store.Index) Option {
	return func(r *Runner) {
		r.index = index
	}
}

func WithSleeper(sleep pager.Sleeper) Option {
	return func(r *Runner) {
		r.sleep = sleep
	}
}

func New(opts Options, client *transport.Client, creds session.Store, tel telemetry.API, extra ...Option) *Runner {
	if opts.OutDir == "" {
		opts.OutDir = "."
	}
	if opts.RawDir == "" {
		opts.RawDir = "raw"
	}
	r := &Runner{
		opts:     opts,
		client:   client,
		sessions: session.NewManager(creds, tel),
		tel:      tel,
		sleep:    pager.Sleep,
	}
	if opts.StoreRaw {
		r.capture = sink.NewCapture(opts.RawDir)
	}
	r.adapter = func(name string) (sources.Adapter, error) {
		return sources.New(name, r.client, r.tel, r.opts.Endpoints[name])
	}
	for _, opt := range extra {
		opt(r)
	}
	return r
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// fileName turns a query into something usable as a file name.
func fileName(query string) string {
	name := strings.Trim(unsafeName.ReplaceAllString(query, "_"), "_.")
	if len(name) > 80 {
		name = name[:80]
	}
	if name == "" {
		return "query"
	}
	return name
}

func (r *Runner) outputPath(name, source, ext string) string {
	return filepath.Join(r.opts.OutDir, fmt.Sprintf("%s-%s.%s", name, source, ext))
}

// run is the state of one (source, query) search.
type run struct {
	adapter sources.Adapter
	sess    session.Session
	pager   *pager.Pager
	policy  pager.Policy
	lines   *sink.Lines
	indexID int64
	tel     telemetry.API
	summary *Summary
}

// Search runs query against source and writes the lines it finds to
// <outdir>/<output>-<source>.txt. Failures are logged and reported in the
// summary, they never stop the caller from moving on to the next search.
func (r *Runner) Search(ctx context.Context, source, query string) Summary {
	name := r.opts.Output
	if name == "" {
		name = fileName(query)
	}
	return r.search(ctx, source, query, name)
}

func (r *Runner) search(ctx context.Context, source, query, name string) Summary {
	tel := telemetry.NewScopedAPI(source, r.tel)
	summary := Summary{Source: source, Query: query, Session: session.Unknown}

	adapter, err := r.adapter(source)
	if err != nil {
		r.tel.ReportBroken(report_runner_source, err)
		summary.Err = err
		return summary
	}
	tel.ReportInfo("query", query)

	sess, err := r.sessions.Ensure(ctx, adapter)
	summary.Session = sess.Validity
	policy := adapter.Policy()
	switch {
	case err == nil:
	case errors.Is(err, session.ErrLoginUnsupported):
		tel.ReportDebug("no login flow, continuing without a session")
	default:
		tel.ReportWarning(report_runner_source, err)
	}
	if policy.Auth == sources.AuthRequired && !sess.Authenticated() {
		tel.ReportWarning(report_runner_skip, "a valid session is required, skipping")
		summary.Skipped = true
		summary.Err = err
		return summary
	}
	if ctx.Err() != nil {
		summary.Err = ctx.Err()
		return summary
	}

	opts := []pager.Option{pager.WithSleeper(r.sleep)}
	if r.capture != nil {
		opts = append(opts, pager.WithCapture(r.capture))
	}
	cur := &run{
		adapter: adapter,
		sess:    sess,
		pager:   pager.New(source, r.tel, opts...),
		policy: pager.Policy{
			DisablePagination: r.opts.DisablePagination,
			AuthForMore:       policy.AuthForMore,
			MaxPages:          r.opts.MaxPages,
			Delay:             policy.PageDelay,
		},
		lines:   sink.NewLines(r.outputPath(name, source, "txt")),
		tel:     tel,
		summary: &summary,
	}
	summary.Output = cur.lines.Path()

	if r.index != nil {
		id, err := r.index.StartRun(ctx, source, query)
		if err != nil {
			tel.ReportBroken(report_runner_index, err)
		} else {
			cur.indexID = id
		}
	}

	q := querycodec.Query{Raw: query}
	if code, err := adapter.Dialect().CountryCode(query); err == nil {
		q.Country = code
	}
	r.paginate(ctx, cur, q, "")

	if r.opts.Brute {
		tel.ReportInfo("brute forcing the query with every country code")
		for refinement := range geo.Brute(q, adapter.Dialect()) {
			if !r.refine(ctx, cur, policy.GeoDelay, refinement) {
				break
			}
		}
	}
	if !r.opts.DisableGeo {
		expander := geo.New(tel, policy.GeoDelay, r.sleep)
		for refinement := range expander.Expand(ctx, adapter, sess, q) {
			if !r.refine(ctx, cur, policy.GeoDelay, refinement) {
				break
			}
		}
	}

	// an interrupted run keeps what it appended, without the cleanup pass
	if ctx.Err() != nil {
		summary.Err = ctx.Err()
		return summary
	}
	n, err := sink.Cleanup(cur.lines.Path())
	if err != nil {
		tel.ReportBroken(report_runner_write, err)
		summary.Err = err
		return summary
	}
	summary.Lines = n
	tel.ReportGood("unique results", n, cur.lines.Path())
	return summary
}

// refine paginates one refinement after the expansion delay, it reports
// false once the run should stop.
func (r *Runner) refine(ctx context.Context, cur *run, delay pager.Delay, refinement geo.Refinement) bool {
	if err := r.sleep(ctx, delay.Next()); err != nil {
		return false
	}
	cur.tel.ReportInfo("getting more results with", refinement.Label)
	cur.summary.Refinements++
	r.paginate(ctx, cur, refinement.Query, refinement.Label)
	return ctx.Err() == nil
}

func (r *Runner) paginate(ctx context.Context, cur *run, q querycodec.Query, label string) {
	preference := cur.adapter.Preference()
	for page, err := range cur.pager.Pages(ctx, cur.adapter, cur.sess, q, cur.policy) {
		if err != nil {
			continue
		}
		cur.summary.Pages++

		lines := representatives(page.Records, preference)
		if err := cur.lines.Append(lines); err != nil {
			cur.tel.ReportBroken(report_runner_write, err, cur.lines.Path())
		}
		if r.index != nil && cur.indexID != 0 {
			_, err := r.index.AddHosts(ctx, cur.indexID, label, page.Index, page.Records, preference)
			if err != nil {
				cur.tel.ReportBroken(report_runner_index, err)
			}
		}
	}
}

func representatives(hosts []record.Host, preference []record.Field) []string {
	lines := make([]string, 0, len(hosts))
	for _, h := range hosts {
		if line := h.Representative(preference); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

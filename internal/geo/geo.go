// Package geo fans a query out by country and city to get past the per
// query result caps of the sources.
package geo

import (
	"context"
	"iter"

	"metabigor/internal/pager"
	"metabigor/internal/querycodec"
	"metabigor/internal/session"
	"metabigor/lib/telemetry"
)

const report_geo_discover = "geo.discover"

type Refinement struct {
	Label string
	Query querycodec.Query
	// Drill asks for the refinement to be broken down once more, a country
	// into its cities.
	Drill bool
}

// Discoverer reads a source's aggregate endpoint for the breakdown of a
// query's results.
type Discoverer interface {
	Discover(ctx context.Context, sess session.Session, q querycodec.Query) ([]Refinement, error)
}

type Expander struct {
	tel   telemetry.API
	delay pager.Delay
	sleep pager.Sleeper
}

func New(tel telemetry.API, delay pager.Delay, sleep pager.Sleeper) *Expander {
	if sleep == nil {
		sleep = pager.Sleep
	}
	return &Expander{tel: tel, delay: delay, sleep: sleep}
}

// Expand yields the refinements the source reports for q. A refinement
// marked Drill is replaced by its own breakdown, or yielded as is when that
// breakdown is empty or fails.
func (e *Expander) Expand(ctx context.Context, d Discoverer, sess session.Session, q querycodec.Query) iter.Seq[Refinement] {
	return func(yield func(Refinement) bool) {
		refinements, err := d.Discover(ctx, sess, q)
		if err != nil {
			e.tel.ReportWarning(report_geo_discover, err)
			return
		}
		e.tel.ReportDebug("discovered refinements", len(refinements))

		for _, r := range refinements {
			if !r.Drill {
				if !yield(r) {
					return
				}
				continue
			}

			if err := e.sleep(ctx, e.delay.Next()); err != nil {
				return
			}
			sub, err := d.Discover(ctx, sess, r.Query)
			if err != nil {
				e.tel.ReportWarning(report_geo_discover, err, r.Label)
			}
			if len(sub) == 0 {
				r.Drill = false
				if !yield(r) {
					return
				}
				continue
			}
			for _, s := range sub {
				s.Drill = false
				if !yield(s) {
					return
				}
			}
		}
	}
}

// Brute strips the geography of q and yields one refinement per entry of
// the country table, whether or not the source has results there.
func Brute(q querycodec.Query, d querycodec.Dialect) iter.Seq[Refinement] {
	template := d.Template(q.Raw)
	return func(yield func(Refinement) bool) {
		for _, code := range querycodec.CountryCodes {
			r := Refinement{
				Label: code,
				Query: querycodec.Query{Raw: querycodec.Fill(template, code), Country: code},
			}
			if !yield(r) {
				return
			}
		}
	}
}

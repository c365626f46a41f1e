package runner

import (
	"context"
	"fmt"
	"time"

	"metabigor/internal/exploits"
	"metabigor/internal/pager"
	"metabigor/internal/record"
	"metabigor/internal/session"
	"metabigor/internal/sink"
)

var exploitDelay = pager.Delay{Min: time.Second, Max: 2 * time.Second}

// Exploit looks the target up in every exploit database and writes one
// CSV per database to <outdir>/<product_version>-<database>.csv.
func (r *Runner) Exploit(ctx context.Context, target exploits.Target) []Summary {
	summaries := []Summary{}
	for _, name := range exploits.Names() {
		if ctx.Err() != nil {
			break
		}
		summaries = append(summaries, r.exploit(ctx, name, target))
	}
	return summaries
}

// ExploitList runs Exploit for every "product|version" line of the file at
// path.
func (r *Runner) ExploitList(ctx context.Context, path string, relative bool) ([]Summary, error) {
	targets, err := readLines(path)
	if err != nil {
		return nil, fmt.Errorf("read target list: %w", err)
	}
	summaries := []Summary{}
	for _, line := range targets {
		if ctx.Err() != nil {
			return summaries, ctx.Err()
		}
		summaries = append(summaries, r.Exploit(ctx, exploits.ParseTarget(line, relative))...)
	}
	return summaries, nil
}

func (r *Runner) exploit(ctx context.Context, name string, target exploits.Target) Summary {
	summary := Summary{Source: name, Query: target.Query(), Session: session.Unknown}

	lookup, err := exploits.New(name, r.client, r.tel, exploits.Options{
		Base:     r.opts.ExploitEndpoints[name],
		Capture:  r.capture,
		Delay:    exploitDelay,
		Sleep:    r.sleep,
		MaxPages: r.opts.MaxPages,
	})
	if err != nil {
		r.tel.ReportBroken(report_runner_source, err)
		summary.Err = err
		return summary
	}

	findings, err := lookup.Lookup(ctx, target)
	if err != nil {
		r.tel.ReportWarning(report_runner_source, name, err)
		summary.Err = err
		if len(findings) == 0 {
			return summary
		}
	}

	out, err := sink.NewCSV(r.outputPath(fileName(target.Slug()), name, "csv"), record.Finding{}.Columns())
	if err != nil {
		r.tel.ReportBroken(report_runner_write, err)
		summary.Err = err
		return summary
	}
	summary.Output = out.Path()

	rows := make([][]string, 0, len(findings))
	for _, f := range findings {
		rows = append(rows, f.Values())
	}
	if err := out.Write(rows...); err != nil {
		r.tel.ReportBroken(report_runner_write, err, out.Path())
		summary.Err = err
		return summary
	}

	if r.index != nil {
		id, err := r.index.StartRun(ctx, name, target.Query())
		if err == nil {
			err = r.index.AddFindings(ctx, id, findings)
		}
		if err != nil {
			r.tel.ReportBroken(report_runner_index, err)
		}
	}

	n, err := sink.CleanupCSV(out.Path())
	if err != nil {
		r.tel.ReportBroken(report_runner_write, err, out.Path())
		summary.Err = err
		return summary
	}
	summary.Lines = n
	r.tel.ReportGood("findings", name, n, out.Path())
	return summary
}

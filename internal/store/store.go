// Package store keeps an optional SQLite index of every record a run
// emitted, next to the plain output files.
package store

import (
	"context"
	"database/sql"
	"time"

	"metabigor/internal/record"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite"
)

var tracer = otel.Tracer("internal/store")

type Index struct {
	db  *sql.DB
	qry *Queries
}

// Open opens (or creates) the index at path, ":memory:" works for tests.
func Open(ctx context.Context, path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// every connection to :memory: is its own database
	db.SetMaxOpenConns(1)
	_, err = db.ExecContext(ctx, Schema)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Index{db: db, qry: New(db)}, nil
}

func (i *Index) Close() error {
	return i.db.Close()
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func (i *Index) StartRun(ctx context.Context, source, query string) (int64, error) {
	ctx, span := tracer.Start(ctx, "StartRun")
	defer span.End()
	span.SetAttributes(attribute.String("source", source))

	id, err := i.qry.CreateRun(ctx, CreateRunParams{
		Source:    source,
		Query:     query,
		StartedAt: time.Now().Unix(),
	})
	if err != nil {
		return 0, fail(span, err)
	}
	return id, nil
}

// AddHosts indexes the hosts of one page and returns how many were new to
// the run.
func (i *Index) AddHosts(ctx context.Context, run int64, refinement string, page int, hosts []record.Host, order []record.Field) (int, error) {
	ctx, span := tracer.Start(ctx, "AddHosts")
	defer span.End()
	span.SetAttributes(attribute.Int("page", page), attribute.Int("hosts", len(hosts)))

	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fail(span, err)
	}
	defer tx.Rollback()
	txqry := i.qry.WithTx(tx)

	added := 0
	for _, h := range hosts {
		value := h.Representative(order)
		if value == "" {
			continue
		}
		n, err := txqry.CreateHost(ctx, CreateHostParams{
			RunID:      run,
			Refinement: refinement,
			Page:       int64(page),
			Value:      value,
			Ip:         h.IP,
			Port:       int64(h.Port),
			Hostname:   h.Hostname,
			Title:      h.Title,
			Url:        h.URL,
		})
		if err != nil {
			return 0, fail(span, err)
		}
		added += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fail(span, err)
	}
	return added, nil
}

func (i *Index) AddFindings(ctx context.Context, run int64, findings []record.Finding) error {
	ctx, span := tracer.Start(ctx, "AddFindings")
	defer span.End()

	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return fail(span, err)
	}
	defer tx.Rollback()
	txqry := i.qry.WithTx(tx)

	for _, f := range findings {
		err := txqry.CreateFinding(ctx, CreateFindingParams{
			RunID:       run,
			FindingID:   f.ID,
			Title:       f.Title,
			Score:       f.Score,
			ExternalUrl: f.ExternalURL,
			Cve:         f.CVE,
			Published:   f.Published,
			SourceUrl:   f.Source,
			Warning:     f.Warning,
			Raw:         f.Raw,
		})
		if err != nil {
			return fail(span, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fail(span, err)
	}
	return nil
}

// Values returns the distinct lines recorded for a run, sorted.
func (i *Index) Values(ctx context.Context, run int64) ([]string, error) {
	return i.qry.GetRunValues(ctx, run)
}

func (i *Index) FindingCount(ctx context.Context, run int64) (int64, error) {
	return i.qry.CountFindings(ctx, run)
}

package store

import (
	"context"
)

const createRun = `-- name: CreateRun :one
insert into run(source, query, started_at) values (?, ?, ?)
returning id
`

type CreateRunParams struct {
	Source    string
	Query     string
	StartedAt int64
}

func (q *Queries) CreateRun(ctx context.Context, arg CreateRunParams) (int64, error) {
	row := q.db.QueryRowContext(ctx, createRun, arg.Source, arg.Query, arg.StartedAt)
	var id int64
	err := row.Scan(&id)
	return id, err
}

const createHost = `-- name: CreateHost :execrows
insert or ignore into host(run_id, refinement, page, value, ip, port, hostname, title, url)
values (?, ?, ?, ?, ?, ?, ?, ?, ?)
`

type CreateHostParams struct {
	RunID      int64
	Refinement string
	Page       int64
	Value      string
	Ip         string
	Port       int64
	Hostname   string
	Title      string
	Url        string
}

func (q *Queries) CreateHost(ctx context.Context, arg CreateHostParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, createHost,
		arg.RunID,
		arg.Refinement,
		arg.Page,
		arg.Value,
		arg.Ip,
		arg.Port,
		arg.Hostname,
		arg.Title,
		arg.Url,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const createFinding = `-- name: CreateFinding :exec
insert or ignore into finding(run_id, finding_id, title, score, external_url, cve, published, source_url, warning, raw)
values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

type CreateFindingParams struct {
	RunID       int64
	FindingID   string
	Title       string
	Score       string
	ExternalUrl string
	Cve         string
	Published   string
	SourceUrl   string
	Warning     string
	Raw         string
}

func (q *Queries) CreateFinding(ctx context.Context, arg CreateFindingParams) error {
	_, err := q.db.ExecContext(ctx, createFinding,
		arg.RunID,
		arg.FindingID,
		arg.Title,
		arg.Score,
		arg.ExternalUrl,
		arg.Cve,
		arg.Published,
		arg.SourceUrl,
		arg.Warning,
		arg.Raw,
	)
	return err
}

const getRunValues = `-- name: GetRunValues :many
select value from host where run_id = ?
order by value
`

func (q *Queries) GetRunValues(ctx context.Context, runID int64) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, getRunValues, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []string
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, err
		}
		items = append(items, value)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const countFindings = `-- name: CountFindings :one
select count(*) from finding where run_id = ?
`

func (q *Queries) CountFindings(ctx context.Context, runID int64) (int64, error) {
	row := q.db.QueryRowContext(ctx, countFindings, runID)
	var count int64
	err := row.Scan(&count)
	return count, err
}

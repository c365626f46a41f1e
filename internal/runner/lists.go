package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/titanous/json5"
	"gopkg.in/yaml.v3"
)

var ErrMalformedSourceList = errors.New("runner: source list must map each source to one query")

// Source resolves the names accepted on the command line, "zoom" included.
func Source(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "zoom" {
		return "zoomeye"
	}
	return name
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	lines := []string{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}

// SearchList runs every query of the file at path, one per line, against
// each of srcs. With an explicit output name the queries are told apart by
// their position in the list.
func (r *Runner) SearchList(ctx context.Context, srcs []string, path string) ([]Summary, error) {
	queries, err := readLines(path)
	if err != nil {
		return nil, fmt.Errorf("read query list: %w", err)
	}
	summaries := []Summary{}
	for i, query := range queries {
		name := fileName(query)
		if r.opts.Output != "" {
			name = fmt.Sprintf("%s-%d", r.opts.Output, i+1)
		}
		for _, source := range srcs {
			if ctx.Err() != nil {
				return summaries, ctx.Err()
			}
			summaries = append(summaries, r.search(ctx, Source(source), query, name))
		}
	}
	return summaries, nil
}

// ParseSourceList reads a {"source": "query"} object, in JSON5 or, for
// .yml and .yaml files, in YAML.
func ParseSourceList(path string, data []byte) (map[string]string, error) {
	var parsed any
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		err = yaml.Unmarshal(data, &parsed)
	default:
		err = json5.Unmarshal(data, &parsed)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedSourceList, err)
	}

	object, ok := parsed.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: got %T", ErrMalformedSourceList, parsed)
	}
	out := make(map[string]string, len(object))
	for source, value := range object {
		query, ok := value.(string)
		if !ok || strings.TrimSpace(query) == "" {
			return nil, fmt.Errorf("%w: query for %q is not a string", ErrMalformedSourceList, source)
		}
		out[Source(source)] = query
	}
	return out, nil
}

// SearchSources runs the query given for each source of the list file at
// path, sources in name order.
func (r *Runner) SearchSources(ctx context.Context, path string) ([]Summary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read source list: %w", err)
	}
	bySource, err := ParseSourceList(path, data)
	if err != nil {
		r.tel.ReportBroken(report_runner_source, err, path)
		return nil, err
	}

	summaries := []Summary{}
	for _, source := range slices.Sorted(maps.Keys(bySource)) {
		if ctx.Err() != nil {
			return summaries, ctx.Err()
		}
		summaries = append(summaries, r.Search(ctx, source, bySource[source]))
	}
	return summaries, nil
}

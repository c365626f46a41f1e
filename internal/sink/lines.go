// Package sink writes results to disk: append-only line files, the final
// de-duplication pass, CSV files for exploit lookups and raw page captures.
package sink

import (
	"bufio"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// Lines appends to one output file. Every Append opens and closes the file
// so whatever was written survives a later crash.
type Lines struct {
	path string
}

func NewLines(path string) *Lines {
	return &Lines{path: path}
}

func (l *Lines) Path() string {
	return l.path
}

func (l *Lines) Append(lines []string) error {
	if len(lines) == 0 {
		return nil
	}
	return appendLines(l.path, lines)
}

func appendLines(path string, lines []string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, line := range lines {
		w.WriteString(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Cleanup rewrites the file at path with its blank lines dropped and the
// rest de-duplicated and sorted. It returns the number of lines kept, a
// missing file counts as empty.
func Cleanup(path string) (int, error) {
	return cleanup(path, 0)
}

// CleanupCSV is Cleanup that leaves the header row in place.
func CleanupCSV(path string) (int, error) {
	return cleanup(path, 1)
}

func cleanup(path string, header int) (int, error) {
	content, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	head := []string{}
	seen := map[string]struct{}{}
	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if len(head) < header {
			head = append(head, line)
			continue
		}
		seen[line] = struct{}{}
	}

	body := make([]string, 0, len(seen))
	for line := range seen {
		body = append(body, line)
	}
	slices.Sort(body)

	var out strings.Builder
	for _, line := range append(head, body...) {
		out.WriteString(line)
		out.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(out.String()), 0o644); err != nil {
		return 0, err
	}
	return len(body), nil
}

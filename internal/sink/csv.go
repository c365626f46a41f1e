package sink

import (
	"errors"
	"io/fs"
	"os"
	"strings"
)

var csvEscaper = strings.NewReplacer(
	",", "%2C",
	"\r\n", "%0a%0d",
	"\n", "%0a%0d",
	"\r", "%0d",
)

// Escape makes a field safe to put between commas: no quoting is used, so
// delimiters are percent-encoded instead.
func Escape(field string) string {
	return csvEscaper.Replace(field)
}

// CSV appends rows to a comma separated file, writing the header first when
// the file is new.
type CSV struct {
	path    string
	columns int
}

func NewCSV(path string, columns []string) (*CSV, error) {
	info, err := os.Stat(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	if err != nil || info.Size() == 0 {
		if err := appendLines(path, []string{row(columns)}); err != nil {
			return nil, err
		}
	}
	return &CSV{path: path, columns: len(columns)}, nil
}

func (c *CSV) Path() string {
	return c.path
}

func (c *CSV) Write(rows ...[]string) error {
	lines := make([]string, 0, len(rows))
	for _, values := range rows {
		if len(values) != c.columns {
			return errors.New("sink: row does not match the csv header")
		}
		lines = append(lines, row(values))
	}
	if len(lines) == 0 {
		return nil
	}
	return appendLines(c.path, lines)
}

func row(values []string) string {
	escaped := make([]string, len(values))
	for i, v := range values {
		escaped[i] = Escape(v)
	}
	return strings.Join(escaped, ",")
}

package sink

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mazen160/go-random"
)

const maxSlug = 120

// Capture archives raw response bodies under <dir>/<source>/.
type Capture struct {
	dir string
	now func() time.Time
}

func NewCapture(dir string) *Capture {
	return &Capture{dir: dir, now: time.Now}
}

// Slug turns a request url into a file name fragment: the scheme and host
// are dropped and the rest is escaped with slashes flattened.
func Slug(link string) string {
	rest := link
	if u, err := url.Parse(link); err == nil && u.Host != "" {
		rest = u.RequestURI()
	}
	slug := strings.ReplaceAll(url.QueryEscape(rest), "%2F", "_")
	slug = strings.ReplaceAll(slug, "/", "_")
	if len(slug) > maxSlug {
		slug = slug[:maxSlug]
	}
	return slug
}

// Save writes body and returns the path it was written to.
func (c *Capture) Save(source, link, body string) (string, error) {
	dir := filepath.Join(c.dir, source)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	suffix, err := random.String(6)
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s_%d_%s", Slug(link), c.now().Unix(), suffix)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

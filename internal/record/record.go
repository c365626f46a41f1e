// Package record defines the normalized results the sources emit.
package record

import (
	"net"
	"strconv"
)

type Field int

const (
	FieldURL Field = iota
	FieldTitle
	FieldHostPort
	FieldIP
	FieldHostname
)

// Host is one hit of a host search engine. Fields a page did not carry are
// left empty.
type Host struct {
	Source   string
	IP       string
	Port     int
	Hostname string
	Title    string
	URL      string
}

func (h Host) field(f Field) string {
	switch f {
	case FieldURL:
		return h.URL
	case FieldTitle:
		return h.Title
	case FieldHostPort:
		if h.IP == "" || h.Port <= 0 {
			return ""
		}
		return net.JoinHostPort(h.IP, strconv.Itoa(h.Port))
	case FieldIP:
		return h.IP
	case FieldHostname:
		return h.Hostname
	}
	return ""
}

// Representative returns the first non-empty field in order, the single
// line written to the output file for this host.
func (h Host) Representative(order []Field) string {
	for _, f := range order {
		if v := h.field(f); v != "" {
			return v
		}
	}
	return ""
}

// Finding is one hit of an exploit or vulnerability database.
type Finding struct {
	Query       string
	Title       string
	Score       string
	ExternalURL string
	CVE         string
	ID          string
	Published   string
	Source      string
	Warning     string
	Raw         string
}

var findingColumns = []string{
	"Query", "Title", "Score", "External_url", "CVE", "ID", "Published", "Source", "Warning", "Raw",
}

func (Finding) Columns() []string {
	return append([]string{}, findingColumns...)
}

// Values lines up with Columns.
func (f Finding) Values() []string {
	return []string{
		f.Query, f.Title, f.Score, f.ExternalURL, f.CVE, f.ID, f.Published, f.Source, f.Warning, f.Raw,
	}
}

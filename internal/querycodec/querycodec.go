// Package querycodec holds the query syntax of every source: how a query is
// put on the wire and how its geography filters are found, stripped and
// injected.
package querycodec

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var ErrNoCountry = errors.New("querycodec: query has no country filter")

// Placeholder marks the filter slot of a template.
const Placeholder = "[replace]"

type Encoding int

const (
	// EncodingURL is plain query escaping.
	EncodingURL Encoding = iota
	// EncodingBase64URL is the query escaped after standard base64.
	EncodingBase64URL
)

// Query is one request's worth of search text. Country and City label the
// geography refinement already folded into Raw, if any.
type Query struct {
	Raw     string
	Country string
	City    string
}

func (q Query) Label() string {
	switch {
	case q.City != "" && q.Country != "":
		return q.Country + "/" + q.City
	case q.City != "":
		return q.City
	default:
		return q.Country
	}
}

// Dialect describes one source's filter syntax.
type Dialect struct {
	Name     string
	Encoding Encoding
	// CountryField is rendered for country codes. CountryNameField, when
	// set, is rendered for country names.
	CountryField     string
	CountryNameField string
	CityField        string
	// Assign sits between a field and its quoted value, ":" or "=".
	Assign string
	// Prefix is put in front of every rendered filter ("+" for required
	// terms).
	Prefix string
	// Connective joins a filter to the rest of the query, spaces included.
	Connective string

	geo      *regexp.Regexp
	country  *regexp.Regexp
	leftover *regexp.Regexp
}

// connective matches a boolean operator joining two filters.
const connective = `(?:&&|\|\||\band\b|\bor\b)`

func newDialect(d Dialect) Dialect {
	fields := []string{}
	countryFields := []string{}
	for _, f := range []string{d.CountryField, d.CountryNameField} {
		if f != "" {
			countryFields = append(countryFields, regexp.QuoteMeta(f))
		}
	}
	fields = append(fields, countryFields...)
	if d.CityField != "" {
		fields = append(fields, regexp.QuoteMeta(d.CityField))
	}

	value := `\s*[:=]\s*(?:"[^"]*"|[^\s"&|()]+)`
	capture := `\s*[:=]\s*(?:"([^"]*)"|([^\s"&|()]+))`
	filter := `\+?(?:` + strings.Join(fields, "|") + `)` + value
	// a filter must start the query, follow a connective or whitespace,
	// or open a group, in which case the paren is kept and the connective
	// after the filter goes with it
	lead := `(?:\s*` + connective + `\s*|\s+|^)`
	grouped := `(\()\s*` + filter + `(?:\s*` + connective + `)?\s*`
	d.country = regexp.MustCompile(`(?i)(?:^|[\s(])\+?(?:` + strings.Join(countryFields, "|") + `)` + capture)
	d.geo = regexp.MustCompile(`(?i)` + grouped + `|` + lead + filter)
	d.leftover = regexp.MustCompile(`(?i)^(?:\s*` + connective + `\s*)+|(?:\s*(?:&&|\|\|)|\s+(?:and|or))+\s*$`)
	return d
}

var (
	Fofa = newDialect(Dialect{
		Name:         "fofa",
		Encoding:     EncodingBase64URL,
		CountryField: "country",
		CityField:    "city",
		Assign:       "=",
		Connective:   " && ",
	})
	Shodan = newDialect(Dialect{
		Name:         "shodan",
		Encoding:     EncodingURL,
		CountryField: "country",
		CityField:    "city",
		Assign:       ":",
		Connective:   " ",
	})
	Censys = newDialect(Dialect{
		Name:             "censys",
		Encoding:         EncodingURL,
		CountryField:     "location.country_code",
		CountryNameField: "location.country",
		CityField:        "location.city",
		Assign:           ":",
		Connective:       " and ",
	})
	ZoomEye = newDialect(Dialect{
		Name:         "zoomeye",
		Encoding:     EncodingURL,
		CountryField: "country",
		CityField:    "subdivisions",
		Assign:       ":",
		Prefix:       "+",
		Connective:   " ",
	})
)

func (d Dialect) Encode(raw string) string {
	if d.Encoding == EncodingBase64URL {
		raw = base64.StdEncoding.EncodeToString([]byte(raw))
	}
	return url.QueryEscape(raw)
}

func (d Dialect) Decode(encoded string) (string, error) {
	raw, err := url.QueryUnescape(encoded)
	if err != nil {
		return "", fmt.Errorf("querycodec: %s: %w", d.Name, err)
	}
	if d.Encoding != EncodingBase64URL {
		return raw, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return "", fmt.Errorf("querycodec: %s: %w", d.Name, err)
	}
	return string(decoded), nil
}

// CountryCode returns the value of the first country filter in raw.
func (d Dialect) CountryCode(raw string) (string, error) {
	m := d.country.FindStringSubmatch(raw)
	if m == nil {
		return "", ErrNoCountry
	}
	if m[1] != "" {
		return m[1], nil
	}
	return m[2], nil
}

// StripCountry removes every country and city filter from raw together
// with the connective that joined it to the rest of the query.
func (d Dialect) StripCountry(raw string) string {
	stripped := d.geo.ReplaceAllString(raw, "$1")
	stripped = d.leftover.ReplaceAllString(strings.TrimSpace(stripped), "")
	return strings.TrimSpace(stripped)
}

func (d Dialect) render(field, value string) string {
	return fmt.Sprintf(`%s%s%s"%s"`, d.Prefix, field, d.Assign, value)
}

func (d Dialect) join(raw string, filters ...string) string {
	parts := []string{}
	if raw != "" {
		parts = append(parts, raw)
	}
	parts = append(parts, filters...)
	return strings.Join(parts, d.Connective)
}

// WithCountry replaces any geography filter of raw with a single country
// filter, so applying it twice yields the same query.
func (d Dialect) WithCountry(raw, code string) string {
	return d.join(d.StripCountry(raw), d.render(d.CountryField, code))
}

// WithCountryName is WithCountry for sources that break results down by
// country name rather than code.
func (d Dialect) WithCountryName(raw, name string) string {
	field := d.CountryNameField
	if field == "" {
		field = d.CountryField
	}
	return d.join(d.StripCountry(raw), d.render(field, name))
}

// WithCity narrows raw to a city, country may be empty when the source
// reports cities on their own.
func (d Dialect) WithCity(raw, country, city string) string {
	filters := []string{}
	if country != "" {
		filters = append(filters, d.render(d.CountryField, country))
	}
	filters = append(filters, d.render(d.CityField, city))
	return d.join(d.StripCountry(raw), filters...)
}

// Template is raw stripped of its geography with one country slot left as
// Placeholder.
func (d Dialect) Template(raw string) string {
	return d.WithCountry(raw, Placeholder)
}

func Fill(template, code string) string {
	return strings.Replace(template, Placeholder, code, 1)
}

// ByName returns the dialect of a source.
func ByName(name string) (Dialect, bool) {
	switch strings.ToLower(name) {
	case Fofa.Name:
		return Fofa, true
	case Shodan.Name:
		return Shodan, true
	case Censys.Name:
		return Censys, true
	case ZoomEye.Name:
		return ZoomEye, true
	}
	return Dialect{}, false
}

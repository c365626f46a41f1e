package session

import (
	"fmt"
	"net/http"
	"strings"

	"metabigor/internal/transport"

	"github.com/PuerkitoBio/goquery"
)

// Markers describes how a source's account page tells a live session from
// a dead one.
type Markers struct {
	// Invalid substrings mean the page asks for a login.
	Invalid []string
	// Valid substrings, when given, must appear for the session to count as
	// valid. Without them any 200 is valid.
	Valid []string
}

func Classify(res *transport.Response, m Markers) Validity {
	if res == nil || res.Redirect() {
		return Invalid
	}
	for _, marker := range m.Invalid {
		if strings.Contains(res.Body, marker) {
			return Invalid
		}
	}
	if len(m.Valid) > 0 {
		for _, marker := range m.Valid {
			if strings.Contains(res.Body, marker) {
				return Valid
			}
		}
		return Invalid
	}
	if res.Status == http.StatusOK {
		return Valid
	}
	return Unknown
}

// FormInputs collects the name/value pairs of the inputs of the first form
// matching selector, which is where login pages hide their anti-forgery
// token.
func FormInputs(body, selector string) (map[string]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	form := doc.Find(selector).First()
	if form.Length() == 0 {
		return nil, fmt.Errorf("no form matching %q", selector)
	}
	inputs := map[string]string{}
	form.Find("input").Each(func(_ int, input *goquery.Selection) {
		name, ok := input.Attr("name")
		if !ok || name == "" {
			return
		}
		inputs[name] = input.AttrOr("value", "")
	})
	return inputs, nil
}

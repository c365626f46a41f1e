package exploits

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"metabigor/internal/record"
	"metabigor/lib/htmlutil"

	"github.com/PuerkitoBio/goquery"
)

// writeupLists are bug bounty reference pages whose links are matched
// against the product name.
var writeupLists = []string{
	"/ngalongc/bug-bounty-reference",
	"/pentesterland/pentesterland.github.io/blob/master/_pages/list-of-bug-bounty-writeups.md",
}

type writeups struct {
	lookup
}

func (w *writeups) Name() string {
	return Writeups
}

func (w *writeups) list(ctx context.Context, product, link string) ([]record.Finding, error) {
	res, err := w.client.Get(ctx, link, nil, nil)
	if err != nil {
		return nil, err
	}
	if res.Status != http.StatusOK {
		return nil, fmt.Errorf("%s answered %d", link, res.Status)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(res.Body))
	if err != nil {
		return nil, err
	}

	needle := strings.ToLower(product)
	raw := ""
	findings := []record.Finding{}
	for _, a := range htmlutil.GetAnchors(doc.Find("article.markdown-body").First().Find("a")) {
		if !strings.Contains(strings.ToLower(a.Name), needle) {
			continue
		}
		if raw == "" {
			raw = w.capture(Writeups, link, res.Body)
		}
		findings = append(findings, record.Finding{
			Query:       product,
			Title:       w.text(a.Name),
			Score:       "N/A",
			ExternalURL: a.Href,
			CVE:         cve(a.Name),
			ID:          "N/A",
			Published:   "N/A",
			Source:      link,
			Warning:     "Write-Up",
			Raw:         raw,
		})
	}
	return findings, nil
}

// Lookup matches the product name against the links of every write-up
// list. A list that cannot be read is reported and skipped.
func (w *writeups) Lookup(ctx context.Context, target Target) ([]record.Finding, error) {
	findings := []record.Finding{}
	var failed error
	for i, path := range writeupLists {
		if i > 0 {
			if err := w.opts.Sleep(ctx, w.opts.Delay.Next()); err != nil {
				return findings, err
			}
		}
		found, err := w.list(ctx, target.Product, w.opts.Base+path)
		if err != nil {
			w.tel.ReportWarning("exploits.page", err)
			failed = err
			continue
		}
		findings = append(findings, found...)
	}
	if len(findings) == 0 && failed != nil {
		return nil, failed
	}
	if len(findings) == 0 {
		w.tel.ReportInfo("no write-up found", target.Product)
	}
	return findings, nil
}

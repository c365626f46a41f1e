package exploits

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"metabigor/internal/record"
	"metabigor/lib/htmlutil"

	"github.com/PuerkitoBio/goquery"
)

const cveDetailsNotFound = `class="errormsg"`

type cveDetails struct {
	lookup
}

func (c *cveDetails) Name() string {
	return CVEDetails
}

func (c *cveDetails) fetch(ctx context.Context, link string) (*goquery.Document, string, error) {
	res, err := c.client.Get(ctx, link, nil, nil)
	if err != nil {
		return nil, "", err
	}
	if res.Status != http.StatusOK {
		return nil, "", fmt.Errorf("%s answered %d", link, res.Status)
	}
	if strings.Contains(res.Body, cveDetailsNotFound) {
		return nil, res.Body, nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(res.Body))
	if err != nil {
		return nil, "", err
	}
	return doc, res.Body, nil
}

// products returns the "all vulnerabilities" link of every product the
// search matched.
func (c *cveDetails) products(ctx context.Context, product string) ([]string, error) {
	link := c.opts.Base + "/product-search.php?vendor_id=0&search=" + url.QueryEscape(product)
	doc, _, err := c.fetch(ctx, link)
	if err != nil || doc == nil {
		return nil, err
	}

	links := []string{}
	doc.Find("table.listtable").First().Find("tr").Each(func(i int, tr *goquery.Selection) {
		if i == 0 {
			return
		}
		tr.Find("td a").Each(func(_ int, a *goquery.Selection) {
			title, _ := a.Attr("title")
			href, ok := a.Attr("href")
			if ok && strings.Contains(title, "See all vulnerabilities") {
				links = append(links, href)
			}
		})
	})
	return links, nil
}

func (c *cveDetails) rows(doc *goquery.Document, product, source, raw string) []record.Finding {
	table := doc.Find("#vulnslisttable")
	summaries := table.Find("td.cvesummarylong")

	findings := []record.Finding{}
	table.Find("tr.srrowns").Each(func(i int, tr *goquery.Selection) {
		cells := tr.Children()
		if cells.Length() < 10 {
			c.tel.ReportDebug("skipping short vulnerability row", cells.Length())
			return
		}
		anchor := cells.Eq(1).Find("a").First()
		id := htmlutil.Clean(anchor.Text())
		if id == "" {
			return
		}
		href, _ := anchor.Attr("href")
		description := "N/A"
		if i < summaries.Length() {
			description = htmlutil.Clean(summaries.Eq(i).Text())
		}
		kind := htmlutil.Clean(cells.Eq(4).Text())
		if kind == "" {
			kind = "Info"
		}
		findings = append(findings, record.Finding{
			Query:       product,
			Title:       c.text(description),
			Score:       htmlutil.Clean(cells.Eq(7).Text()),
			ExternalURL: c.opts.Base + href,
			CVE:         cve(id),
			ID:          id,
			Published:   htmlutil.Clean(cells.Eq(5).Text()),
			Source:      source,
			Warning:     kind + " / " + htmlutil.Clean(cells.Eq(9).Text()),
			Raw:         raw,
		})
	})
	return findings
}

// otherPages lists the other result pages of a product from the paging
// block under the table.
func otherPages(doc *goquery.Document) []string {
	links := []string{}
	doc.Find("div.paging").Last().Find("a").Each(func(_ int, a *goquery.Selection) {
		href, ok := a.Attr("href")
		if ok && !strings.Contains(a.Text(), "(This Page)") {
			links = append(links, href)
		}
	})
	return links
}

func (c *cveDetails) product(ctx context.Context, product, path string) ([]record.Finding, error) {
	link := c.opts.Base + path
	doc, body, err := c.fetch(ctx, link)
	if err != nil || doc == nil {
		return nil, err
	}
	findings := c.rows(doc, product, link, c.capture(CVEDetails, link, body))
	if len(findings) == 0 {
		return nil, nil
	}

	more := otherPages(doc)
	if c.opts.MaxPages > 0 && len(more) > c.opts.MaxPages-1 {
		more = more[:max(c.opts.MaxPages-1, 0)]
	}
	if len(more) > 0 {
		c.tel.ReportInfo("detected more pages", len(more)+1)
	}
	for _, next := range more {
		if err := c.opts.Sleep(ctx, c.opts.Delay.Next()); err != nil {
			return findings, err
		}
		link := c.opts.Base + next
		doc, body, err := c.fetch(ctx, link)
		if err != nil {
			c.tel.ReportWarning("exploits.page", err)
			break
		}
		if doc == nil {
			break
		}
		findings = append(findings, c.rows(doc, product, link, c.capture(CVEDetails, link, body))...)
	}
	return findings, nil
}

// Lookup searches the product name, then walks the vulnerability list of
// every product that matched. The version is not part of the search.
func (c *cveDetails) Lookup(ctx context.Context, target Target) ([]record.Finding, error) {
	products, err := c.products(ctx, target.Product)
	if err != nil {
		return nil, err
	}
	if len(products) == 0 {
		c.tel.ReportInfo("no entry found", target.Product)
		return nil, nil
	}

	findings := []record.Finding{}
	for i, path := range products {
		if i > 0 {
			if err := c.opts.Sleep(ctx, c.opts.Delay.Next()); err != nil {
				return findings, err
			}
		}
		found, err := c.product(ctx, target.Product, path)
		findings = append(findings, found...)
		if err != nil {
			return findings, err
		}
	}
	return findings, nil
}

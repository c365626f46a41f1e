package sources

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"metabigor/internal/geo"
	"metabigor/internal/pager"
	"metabigor/internal/querycodec"
	"metabigor/internal/record"
	"metabigor/internal/session"
	"metabigor/lib/htmlutil"

	"github.com/PuerkitoBio/goquery"
)

const (
	censysCookie      = "auth_tkt"
	censysLimitMarker = `class="alert alert-danger"`
	censysPageSize    = 25
)

var censysPages = regexp.MustCompile(`Page:\s*\d+\s*/\s*([\d,]+)`)

type censys struct {
	base
}

func (c *censys) Dialect() querycodec.Dialect {
	return querycodec.Censys
}

func (c *censys) Policy() Policy {
	return Policy{
		Auth:        AuthDegraded,
		AuthForMore: true,
		PageSize:    censysPageSize,
		PageDelay:   seconds(1, 2),
		GeoDelay:    seconds(1, 2),
	}
}

func (c *censys) Preference() []record.Field {
	return []record.Field{record.FieldIP, record.FieldTitle}
}

func (c *censys) cookies(token string) map[string]string {
	return map[string]string{censysCookie: token}
}

func (c *censys) Check(ctx context.Context, token string) (session.Validity, error) {
	res, err := c.get(ctx, c.ep.Account+"/account", nil, c.cookies(token))
	if err != nil {
		return session.Invalid, err
	}
	return session.Classify(res, session.Markers{Invalid: []string{"/login"}}), nil
}

func (c *censys) Login(ctx context.Context, creds session.Credentials) (string, error) {
	return c.loginWithForm(ctx, c.ep.Account+"/login", "form", map[string]string{
		"came_from":                  "/",
		"from_censys_owned_external": "False",
		"login":                      creds.Username,
		"password":                   creds.Password,
	}, censysCookie)
}

func (c *censys) FetchPage(ctx context.Context, sess session.Session, q querycodec.Query, index int) (pager.Result, error) {
	link := fmt.Sprintf("%s/ipv4/_search?q=%s&page=%d", c.ep.Base, querycodec.Censys.Encode(q.Raw), index)
	res, err := c.get(ctx, link, nil, c.cookies(sess.Token))
	if err != nil {
		return pager.Result{}, err
	}

	out := pager.Result{URL: link, Body: res.Body}
	if strings.Contains(res.Body, censysLimitMarker) {
		out.LimitReached = true
		return out, nil
	}

	doc, err := parseHTML(res.Body)
	if err != nil {
		return out, err
	}
	doc.Find(".SearchResult.result").Each(func(_ int, div *goquery.Selection) {
		title := div.Find("a.SearchResult__title-text").First()
		href, ok := title.Attr("href")
		if !ok || !strings.HasPrefix(href, "/ipv4/") {
			c.tel.ReportDebug("skipping a result without an ipv4 link")
			return
		}
		out.Records = append(out.Records, record.Host{
			Source: Censys,
			IP:     strings.TrimPrefix(href, "/ipv4/"),
			Title:  strings.Trim(htmlutil.Clean(title.Find("span").First().Text()), "()"),
		})
	})

	doc.Find("span.SearchResultSectionHeader__statistic").EachWithBreak(func(_ int, span *goquery.Selection) bool {
		m := censysPages.FindStringSubmatch(span.Text())
		if m == nil {
			return true
		}
		pages, err := atoi(m[1])
		if err != nil {
			c.tel.ReportWarning(report_source_parse, err)
			return false
		}
		out.TotalPages = pages
		return false
	})
	return out, nil
}

// Discover reads the country breakdown table of the metadata page.
func (c *censys) Discover(ctx context.Context, sess session.Session, q querycodec.Query) ([]geo.Refinement, error) {
	stripped := querycodec.Censys.StripCountry(q.Raw)
	link := fmt.Sprintf("%s/ipv4/metadata?q=%s", c.ep.Base, querycodec.Censys.Encode(stripped))
	res, err := c.get(ctx, link, nil, c.cookies(sess.Token))
	if err != nil {
		return nil, err
	}
	if res.Status != http.StatusOK {
		return nil, fmt.Errorf("metadata answered %d", res.Status)
	}
	doc, err := parseHTML(res.Body)
	if err != nil {
		return nil, err
	}

	refinements := []geo.Refinement{}
	doc.Find("div.left-table").Each(func(_ int, table *goquery.Selection) {
		if !strings.Contains(table.Find("h6").First().Text(), "Country Breakdown") {
			return
		}
		table.Find("tr td a").Each(func(_ int, a *goquery.Selection) {
			name := htmlutil.Clean(a.Text())
			if name == "" {
				return
			}
			refined := querycodec.Query{Raw: querycodec.Censys.WithCountryName(stripped, name), Country: name}
			refinements = append(refinements, geo.Refinement{Label: refined.Label(), Query: refined})
		})
	})
	return refinements, nil
}

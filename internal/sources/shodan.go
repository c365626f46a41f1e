package sources

import (
	"context"
	"errors"
	"fmt"
	"net/http"
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
	shodanCookie      = "polito"
	shodanLimitMarker = `class="alert alert-error text-center"`
	shodanPageSize    = 10
)

type shodan struct {
	base
}

func (s *shodan) Dialect() querycodec.Dialect {
	return querycodec.Shodan
}

func (s *shodan) Policy() Policy {
	return Policy{
		Auth:      AuthRequired,
		PageSize:  shodanPageSize,
		PageDelay: seconds(3, 6),
		GeoDelay:  seconds(1, 2),
	}
}

func (s *shodan) Preference() []record.Field {
	return []record.Field{record.FieldURL, record.FieldTitle, record.FieldIP}
}

func (s *shodan) cookies(token string) map[string]string {
	return map[string]string{shodanCookie: token}
}

func (s *shodan) Check(ctx context.Context, token string) (session.Validity, error) {
	res, err := s.get(ctx, s.ep.Account+"/", nil, s.cookies(token))
	if err != nil {
		return session.Invalid, err
	}
	return session.Classify(res, session.Markers{Invalid: []string{"/login"}}), nil
}

func (s *shodan) Login(ctx context.Context, creds session.Credentials) (string, error) {
	return s.loginWithForm(ctx, s.ep.Account+"/login", "form", map[string]string{
		"username":     creds.Username,
		"password":     creds.Password,
		"grant_type":   "password",
		"continue":     s.ep.Base + "/",
		"login_submit": "Login",
	}, shodanCookie)
}

func (s *shodan) FetchPage(ctx context.Context, sess session.Session, q querycodec.Query, index int) (pager.Result, error) {
	link := fmt.Sprintf("%s/search?query=%s&page=%d", s.ep.Base, querycodec.Shodan.Encode(q.Raw), index)
	res, err := s.get(ctx, link, nil, s.cookies(sess.Token))
	if err != nil {
		return pager.Result{}, err
	}

	out := pager.Result{URL: link, Body: res.Body}
	if strings.Contains(res.Body, shodanLimitMarker) {
		out.LimitReached = true
		return out, nil
	}

	doc, err := parseHTML(res.Body)
	if err != nil {
		return out, err
	}
	doc.Find("div.search-result").Each(func(_ int, div *goquery.Selection) {
		host := record.Host{Source: Shodan}
		host.IP = htmlutil.Clean(div.Find("div.search-result-summary span").First().Text())
		for _, a := range htmlutil.GetAnchors(div.Find("div.ip a")) {
			if strings.Contains(a.Href, "/host/") {
				host.Title = a.Name
			}
			if a.HasClass("fa-external-link") {
				host.URL = a.Href
			}
		}
		if host.Representative(s.Preference()) == "" {
			s.tel.ReportDebug("skipping a result without ip, title or link")
			return
		}
		out.Records = append(out.Records, host)
	})
	return out, nil
}

func (s *shodan) summary(ctx context.Context, sess session.Session, raw string) (*goquery.Document, error) {
	link := fmt.Sprintf("%s/search/_summary?query=%s", s.ep.Base, querycodec.Shodan.Encode(raw))
	res, err := s.get(ctx, link, nil, s.cookies(sess.Token))
	if err != nil {
		return nil, err
	}
	if res.Status != http.StatusOK {
		return nil, fmt.Errorf("summary answered %d", res.Status)
	}
	return parseHTML(res.Body)
}

// EstimatePages reads the result count of the summary endpoint, result
// pages do not carry one.
func (s *shodan) EstimatePages(ctx context.Context, sess session.Session, q querycodec.Query) (int, error) {
	doc, err := s.summary(ctx, sess, q.Raw)
	if err != nil {
		return 0, err
	}
	text := doc.Find(".bignumber").First().Text()
	if strings.TrimSpace(text) == "" {
		return 0, errors.New("summary has no result count")
	}
	total, err := atoi(text)
	if err != nil {
		return 0, fmt.Errorf("parse result count: %w", err)
	}
	s.tel.ReportGood("detected results", total)
	return pager.EstimatePages(total, shodanPageSize), nil
}

// Discover breaks a query down by country, each country to be drilled
// into cities, or by city directly when the query is already bound to a
// country.
func (s *shodan) Discover(ctx context.Context, sess session.Session, q querycodec.Query) ([]geo.Refinement, error) {
	doc, err := s.summary(ctx, sess, q.Raw)
	if err != nil {
		return nil, err
	}

	country, err := querycodec.Shodan.CountryCode(q.Raw)
	bound := err == nil

	refinements := []geo.Refinement{}
	seen := map[string]bool{}
	for _, a := range htmlutil.GetAnchors(doc.Find("a")) {
		linked := queryParam(a.Href, "query")
		if a.Name == "" || linked == "" {
			continue
		}

		if bound {
			if !strings.Contains(a.Href, "city") {
				continue
			}
			refined := querycodec.Query{
				Raw:     querycodec.Shodan.WithCity(q.Raw, country, a.Name),
				Country: country,
				City:    a.Name,
			}
			if seen[refined.Raw] {
				continue
			}
			seen[refined.Raw] = true
			refinements = append(refinements, geo.Refinement{Label: refined.Label(), Query: refined})
			continue
		}

		if !strings.Contains(a.Href, "country") {
			continue
		}
		code, err := querycodec.Shodan.CountryCode(linked)
		if err != nil || seen[code] {
			continue
		}
		seen[code] = true
		refined := querycodec.Query{Raw: querycodec.Shodan.WithCountry(q.Raw, code), Country: code}
		refinements = append(refinements, geo.Refinement{Label: refined.Label(), Query: refined, Drill: true})
	}
	return refinements, nil
}

package sources

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"metabigor/internal/geo"
	"metabigor/internal/pager"
	"metabigor/internal/querycodec"
	"metabigor/internal/record"
	"metabigor/internal/session"
	"metabigor/internal/transport"
	"metabigor/lib/htmlutil"

	"github.com/PuerkitoBio/goquery"
)

const (
	fofaCookie      = "_fofapro_ars_session"
	fofaLimitMarker = `class="error"`
	fofaPageSize    = 10
)

var fofaTotal = regexp.MustCompile(`Total results:\s*([\d,]+)`)

type fofa struct {
	base
}

func (f *fofa) Dialect() querycodec.Dialect {
	return querycodec.Fofa
}

func (f *fofa) Policy() Policy {
	return Policy{
		Auth:        AuthDegraded,
		AuthForMore: true,
		PageSize:    fofaPageSize,
		PageDelay:   seconds(1, 2),
		GeoDelay:    seconds(1, 1),
	}
}

func (f *fofa) Preference() []record.Field {
	return []record.Field{record.FieldURL, record.FieldHostPort, record.FieldIP}
}

func (f *fofa) cookies(token string) map[string]string {
	return map[string]string{fofaCookie: token}
}

func (f *fofa) Check(ctx context.Context, token string) (session.Validity, error) {
	res, err := f.get(ctx, f.ep.Base+"/user/users/info", nil, f.cookies(token))
	if err != nil {
		return session.Invalid, err
	}
	return session.Classify(res, session.Markers{Invalid: []string{"/login"}}), nil
}

// Login goes through the nosec CAS server, which hands the session cookie
// to fofa somewhere along its redirect chain.
func (f *fofa) Login(ctx context.Context, creds session.Credentials) (string, error) {
	service := f.ep.Base + "/users/service"
	loginURL := f.ep.Account + "/login?service=" + url.QueryEscape(service)

	res, err := f.client.Do(ctx, transport.Request{
		Method:          http.MethodGet,
		URL:             loginURL,
		FollowRedirects: true,
	})
	if err != nil {
		return "", err
	}
	form, err := session.FormInputs(res.Body, "#login-form")
	if err != nil {
		return "", err
	}
	if form["authenticity_token"] == "" || form["lt"] == "" {
		f.tel.ReportWarning(report_source_login, "login form is missing authenticity_token or lt")
	}
	form["service"] = service
	form["username"] = creds.Username
	form["password"] = creds.Password
	form["rememberMe"] = "1"
	form["button"] = ""

	res, err = f.client.Do(ctx, transport.Request{
		Method:          http.MethodPost,
		URL:             f.ep.Account + "/login",
		Form:            form,
		FollowRedirects: true,
	})
	if err != nil {
		return "", err
	}
	token := res.Cookie(fofaCookie)
	if token == "" {
		token = f.client.Cookie(f.ep.Base, fofaCookie)
	}
	if token == "" {
		return "", fmt.Errorf("%w: no %s cookie after login (status %d)", session.ErrLoginFailed, fofaCookie, res.Status)
	}
	return token, nil
}

func (f *fofa) FetchPage(ctx context.Context, sess session.Session, q querycodec.Query, index int) (pager.Result, error) {
	link := fmt.Sprintf("%s/result?page=%d&qbase64=%s", f.ep.Base, index, querycodec.Fofa.Encode(q.Raw))
	res, err := f.get(ctx, link, nil, f.cookies(sess.Token))
	if err != nil {
		return pager.Result{}, err
	}

	out := pager.Result{URL: link, Body: res.Body}
	if strings.Contains(res.Body, fofaLimitMarker) {
		out.LimitReached = true
		return out, nil
	}

	doc, err := parseHTML(res.Body)
	if err != nil {
		return out, err
	}
	doc.Find("div.list_mod_t").Each(func(_ int, div *goquery.Selection) {
		anchors := htmlutil.GetAnchors(div.Find("a").First())
		if len(anchors) == 0 {
			f.tel.ReportDebug("result without a link")
			return
		}
		href := anchors[0].Href
		// pivot links back into the search, not hosts
		if strings.Contains(href, "/result?qbase64=") {
			return
		}
		out.Records = append(out.Records, record.Host{Source: Fofa, URL: href})
	})

	if m := fofaTotal.FindStringSubmatch(doc.Find("div.list_jg").First().Text()); m != nil {
		total, err := atoi(m[1])
		if err != nil {
			f.tel.ReportWarning(report_source_parse, err)
		} else {
			out.TotalPages = pager.EstimatePages(total, fofaPageSize)
		}
	}
	return out, nil
}

var fofaStatsEscapes = strings.NewReplacer(`\/`, "/", `\"`, `"`, `\'`, "'")

// Discover reads the city breakdown of the stats endpoint, every city link
// carries the refined query in its qbase64 parameter.
func (f *fofa) Discover(ctx context.Context, sess session.Session, q querycodec.Query) ([]geo.Refinement, error) {
	link := fmt.Sprintf("%s/search/result_stats?qbase64=%s", f.ep.Base, querycodec.Fofa.Encode(q.Raw))
	res, err := f.get(ctx, link, map[string]string{"X-Requested-With": "XMLHttpRequest"}, f.cookies(sess.Token))
	if err != nil {
		return nil, err
	}
	if res.Status != http.StatusOK {
		return nil, fmt.Errorf("stats answered %d", res.Status)
	}

	doc, err := parseHTML(fofaStatsEscapes.Replace(res.Body))
	if err != nil {
		return nil, err
	}
	refinements := []geo.Refinement{}
	for _, a := range htmlutil.GetAnchors(doc.Find("div.class_sf a")) {
		if a.Name == "" {
			continue
		}
		raw := querycodec.Fofa.WithCity(q.Raw, "", a.Name)
		if encoded := queryParam(a.Href, "qbase64"); encoded != "" {
			// an unescaped + in the href reads back as a space
			encoded = strings.ReplaceAll(encoded, " ", "+")
			decoded, err := querycodec.Fofa.Decode(url.QueryEscape(encoded))
			if err == nil {
				raw = strings.TrimSpace(decoded)
			}
		}
		refined := querycodec.Query{Raw: raw, Country: q.Country, City: a.Name}
		refinements = append(refinements, geo.Refinement{Label: refined.Label(), Query: refined})
	}
	return refinements, nil
}

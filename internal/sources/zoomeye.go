package sources

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"metabigor/internal/geo"
	"metabigor/internal/pager"
	"metabigor/internal/querycodec"
	"metabigor/internal/record"
	"metabigor/internal/session"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	zoomeyeHeader      = "Cube-Authorization"
	zoomeyeLimitMarker = `"msg": "forbidden"`
)

type zoomeyeSearch struct {
	Total    int    `json:"total"`
	PageSize int    `json:"pageSize"`
	Aggs     string `json:"aggs"`
	Msg      string `json:"msg"`
	Matches  []struct {
		IP       string `json:"ip"`
		PortInfo *struct {
			Service string `json:"service"`
			Port    int    `json:"port"`
		} `json:"portinfo"`
	} `json:"matches"`
}

type zoomeyeAggs struct {
	Country []struct {
		Name         string `json:"name"`
		Subdivisions []struct {
			Name string `json:"name"`
		} `json:"subdivisions"`
	} `json:"country"`
}

type zoomeye struct {
	base

	// aggs maps a raw query to the aggregation id its first page returned.
	aggs map[string]string
}

func newZoomEye(b base) *zoomeye {
	return &zoomeye{base: b, aggs: map[string]string{}}
}

func (z *zoomeye) Dialect() querycodec.Dialect {
	return querycodec.ZoomEye
}

func (z *zoomeye) Policy() Policy {
	return Policy{
		Auth:        AuthInformational,
		AuthForMore: true,
		PageSize:    20,
		PageDelay:   seconds(1, 2),
		GeoDelay:    seconds(1, 2),
	}
}

func (z *zoomeye) Preference() []record.Field {
	return []record.Field{record.FieldURL, record.FieldHostPort, record.FieldIP}
}

func (z *zoomeye) headers(token string) map[string]string {
	headers := map[string]string{"Accept": "application/json"}
	if token != "" {
		headers[zoomeyeHeader] = token
	}
	return headers
}

func (z *zoomeye) Check(ctx context.Context, token string) (session.Validity, error) {
	res, err := z.get(ctx, z.ep.Account+"/user", z.headers(token), nil)
	if err != nil {
		return session.Invalid, err
	}
	return session.Classify(res, session.Markers{
		Invalid: []string{"login required"},
		Valid:   []string{"uuid", "nickname"},
	}), nil
}

func (z *zoomeye) FetchPage(ctx context.Context, sess session.Session, q querycodec.Query, index int) (pager.Result, error) {
	link := fmt.Sprintf("%s/search?q=%s&t=host&p=%d", z.ep.Base, querycodec.ZoomEye.Encode(q.Raw), index)
	res, err := z.get(ctx, link, z.headers(sess.Token), nil)
	if err != nil {
		return pager.Result{}, err
	}

	out := pager.Result{URL: link, Body: res.Body}
	if strings.Contains(res.Body, zoomeyeLimitMarker) {
		out.LimitReached = true
		return out, nil
	}

	var page zoomeyeSearch
	if err := json.UnmarshalFromString(res.Body, &page); err != nil {
		return out, fmt.Errorf("decode search page: %w", err)
	}
	if page.Msg == "forbidden" {
		out.LimitReached = true
		return out, nil
	}

	for _, m := range page.Matches {
		if m.IP == "" {
			z.tel.ReportDebug("skipping a match without an ip")
			continue
		}
		host := record.Host{Source: ZoomEye, IP: m.IP}
		if m.PortInfo != nil {
			host.Port = m.PortInfo.Port
			if m.PortInfo.Service != "" && m.PortInfo.Port > 0 {
				host.URL = fmt.Sprintf("%s://%s", m.PortInfo.Service, host.Representative([]record.Field{record.FieldHostPort}))
			}
		}
		out.Records = append(out.Records, host)
	}
	out.TotalPages = pager.EstimatePages(page.Total, page.PageSize)

	if page.Aggs != "" && index == 1 {
		z.aggs[q.Raw] = page.Aggs
	}
	return out, nil
}

func (z *zoomeye) aggsID(ctx context.Context, sess session.Session, q querycodec.Query) (string, error) {
	if id, ok := z.aggs[q.Raw]; ok {
		return id, nil
	}
	if _, err := z.FetchPage(ctx, sess, q, 1); err != nil {
		return "", err
	}
	return z.aggs[q.Raw], nil
}

// Discover reads the aggregation the search page pointed at, which breaks
// results down by country and subdivision.
func (z *zoomeye) Discover(ctx context.Context, sess session.Session, q querycodec.Query) ([]geo.Refinement, error) {
	id, err := z.aggsID(ctx, sess, q)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, fmt.Errorf("no aggregation for %q", q.Raw)
	}

	res, err := z.get(ctx, fmt.Sprintf("%s/aggs/%s", z.ep.Base, id), z.headers(sess.Token), nil)
	if err != nil {
		return nil, err
	}
	if res.Status != http.StatusOK {
		return nil, fmt.Errorf("aggs answered %d", res.Status)
	}
	var aggs zoomeyeAggs
	if err := json.UnmarshalFromString(res.Body, &aggs); err != nil {
		return nil, fmt.Errorf("decode aggs: %w", err)
	}

	stripped := querycodec.ZoomEye.StripCountry(q.Raw)
	refinements := []geo.Refinement{}
	for _, country := range aggs.Country {
		if country.Name == "" {
			continue
		}
		if len(country.Subdivisions) == 0 {
			refined := querycodec.Query{Raw: querycodec.ZoomEye.WithCountry(stripped, country.Name), Country: country.Name}
			refinements = append(refinements, geo.Refinement{Label: refined.Label(), Query: refined})
			continue
		}
		for _, sub := range country.Subdivisions {
			if sub.Name == "" {
				continue
			}
			refined := querycodec.Query{
				Raw:     querycodec.ZoomEye.WithCity(stripped, country.Name, sub.Name),
				Country: country.Name,
				City:    sub.Name,
			}
			refinements = append(refinements, geo.Refinement{Label: refined.Label(), Query: refined})
		}
	}
	return refinements, nil
}

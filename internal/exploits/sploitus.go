package exploits

import (
	"context"
	"fmt"
	"net/http"

	"metabigor/internal/pager"
	"metabigor/internal/record"
	"metabigor/internal/transport"
)

const sploitusPageSize = 10

type sploitusRequest struct {
	Type   string `json:"type"`
	Sort   string `json:"sort"`
	Query  string `json:"query"`
	Title  bool   `json:"title"`
	Offset int    `json:"offset"`
}

type sploitusResponse struct {
	ExploitsTotal int `json:"exploits_total"`
	Exploits      []struct {
		ID        string  `json:"id"`
		Title     string  `json:"title"`
		Score     float64 `json:"score"`
		Href      string  `json:"href"`
		Published string  `json:"published"`
		Source    string  `json:"source"`
	} `json:"exploits"`
}

type sploitus struct {
	lookup
}

func (s *sploitus) Name() string {
	return Sploitus
}

func (s *sploitus) page(ctx context.Context, target Target, offset int) ([]record.Finding, int, error) {
	link := s.opts.Base + "/search"
	res, err := s.client.Do(ctx, transport.Request{
		Method: http.MethodPost,
		URL:    link,
		Headers: map[string]string{
			"Accept": "application/json",
		},
		JSON: sploitusRequest{
			Type:   "exploits",
			Sort:   "default",
			Query:  target.Query(),
			Title:  !target.Relative,
			Offset: offset,
		},
	})
	if err != nil {
		return nil, 0, err
	}
	if res.Status != http.StatusOK {
		return nil, 0, fmt.Errorf("search answered %d", res.Status)
	}

	var body sploitusResponse
	if err := json.UnmarshalFromString(res.Body, &body); err != nil {
		return nil, 0, fmt.Errorf("decode search: %w", err)
	}
	raw := ""
	if len(body.Exploits) > 0 {
		raw = s.capture(Sploitus, fmt.Sprintf("%s?offset=%d&q=%s", link, offset, target.Slug()), res.Body)
	}

	findings := make([]record.Finding, 0, len(body.Exploits))
	for _, e := range body.Exploits {
		if e.ID == "" {
			continue
		}
		findings = append(findings, record.Finding{
			Query:       target.Query(),
			Title:       s.text(e.Title),
			Score:       score(e.Score),
			ExternalURL: e.Href,
			CVE:         cve(e.Source),
			ID:          e.ID,
			Published:   e.Published,
			Source:      s.opts.Base + "/exploit?id=" + e.ID,
			Warning:     "High",
			Raw:         raw,
		})
	}
	return findings, body.ExploitsTotal, nil
}

// Lookup walks the result offsets ten at a time until the reported total is
// covered or a page comes back empty.
func (s *sploitus) Lookup(ctx context.Context, target Target) ([]record.Finding, error) {
	findings, total, err := s.page(ctx, target, 0)
	if err != nil {
		return nil, err
	}
	if len(findings) == 0 {
		s.tel.ReportInfo("no exploit found", target.Query())
		return nil, nil
	}

	pages := pager.EstimatePages(total, sploitusPageSize)
	if s.opts.MaxPages > 0 && pages > s.opts.MaxPages {
		pages = s.opts.MaxPages
	}
	for i := 1; i < pages; i++ {
		if err := s.opts.Sleep(ctx, s.opts.Delay.Next()); err != nil {
			return findings, err
		}
		s.tel.ReportInfo("fetching more results", i+1)
		more, _, err := s.page(ctx, target, i*sploitusPageSize)
		if err != nil {
			s.tel.ReportWarning("exploits.page", err)
			break
		}
		if len(more) == 0 {
			break
		}
		findings = append(findings, more...)
	}
	return findings, nil
}

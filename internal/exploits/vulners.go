package exploits

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"metabigor/internal/record"
	"metabigor/internal/transport"
)

type vulnersRequest struct {
	Software string `json:"software"`
	Version  string `json:"version"`
	Type     string `json:"type"`
}

type vulnersResponse struct {
	Result string `json:"result"`
	Data   struct {
		Error  string `json:"error"`
		Search []struct {
			ID     string `json:"_id"`
			Source struct {
				ID        string `json:"id"`
				Title     string `json:"title"`
				Href      string `json:"href"`
				Published string `json:"published"`
				CVSS      struct {
					Score float64 `json:"score"`
				} `json:"cvss"`
			} `json:"_source"`
		} `json:"search"`
	} `json:"data"`
}

type vulners struct {
	lookup
}

func (v *vulners) Name() string {
	return Vulners
}

// Lookup asks for the vulnerabilities of the cpe:/a:<product>:<product>
// software at the target's version.
func (v *vulners) Lookup(ctx context.Context, target Target) ([]record.Finding, error) {
	if target.Version == "" {
		return nil, ErrVersionRequired
	}
	product := strings.ToLower(target.Product)
	link := v.opts.Base + "/api/v3/burp/software/"
	res, err := v.client.Do(ctx, transport.Request{
		Method:  http.MethodPost,
		URL:     link,
		Headers: map[string]string{"Accept": "application/json"},
		JSON: vulnersRequest{
			Software: fmt.Sprintf("cpe:/a:%s:%s", product, product),
			Version:  strings.ToLower(target.Version),
			Type:     "cpe",
		},
	})
	if err != nil {
		return nil, err
	}
	if res.Status != http.StatusOK {
		return nil, fmt.Errorf("software api answered %d", res.Status)
	}

	var body vulnersResponse
	if err := json.UnmarshalFromString(res.Body, &body); err != nil {
		return nil, fmt.Errorf("decode software api: %w", err)
	}
	if body.Result != "OK" {
		return nil, fmt.Errorf("software api: %s %s", body.Result, body.Data.Error)
	}
	if len(body.Data.Search) == 0 {
		v.tel.ReportInfo("no exploit found", target.Query())
		return nil, nil
	}

	raw := v.capture(Vulners, link+"?q="+target.Slug(), res.Body)
	findings := make([]record.Finding, 0, len(body.Data.Search))
	for _, hit := range body.Data.Search {
		if hit.ID == "" {
			continue
		}
		findings = append(findings, record.Finding{
			Query:       target.Query(),
			Title:       v.text(hit.Source.Title),
			Score:       score(hit.Source.CVSS.Score),
			ExternalURL: hit.Source.Href,
			CVE:         hit.Source.ID,
			ID:          hit.ID,
			Published:   hit.Source.Published,
			Source:      v.opts.Base + "/cve/" + hit.ID,
			Warning:     "Info",
			Raw:         raw,
		})
	}
	return findings, nil
}

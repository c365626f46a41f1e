// Package restyutil dumps the full request and response of every exchange
// made through a resty client, for debugging extractors against what a
// source really answered.
package restyutil

import (
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/go-resty/resty/v2"
)

type Output interface {
	Write(id string, contents string)
}

// Dump hooks client so that every response is written to out, named
// <sequence>_<host>. Several clients can share one counter so that their
// messages interleave in request order.
func Dump(client *resty.Client, out Output, counter *atomic.Uint64) {
	if out == nil {
		return
	}
	client.OnAfterResponse(func(_ *resty.Client, res *resty.Response) error {
		if res.Request.RawRequest == nil || res.RawResponse == nil {
			return nil
		}
		out.Write(messageID(counter.Add(1), res.Request.URL), formatHttpMessage(res))
		return nil
	})
}

func messageID(seq uint64, link string) string {
	host := "unknown"
	if u, err := url.Parse(link); err == nil && u.Host != "" {
		host = strings.ReplaceAll(u.Host, ":", "_")
	}
	return fmt.Sprintf("%04d_%s", seq, host)
}

package sources

import (
	"context"
	"io"
	"net/http"
	"testing"

	"metabigor/internal/querycodec"
	"metabigor/internal/session"

	"github.com/stretchr/testify/require"
)

const censysPage = `<html><body>
<span class="SearchResultSectionHeader__statistic">Results: 61</span>
<span class="SearchResultSectionHeader__statistic">Page: 1/3</span>
<div class="SearchResult result"><a class="SearchResult__title-text" href="/ipv4/1.1.1.1"><span>(one.example)</span></a></div>
<div class="SearchResult result"><a class="SearchResult__title-text" href="/ipv4/2.2.2.2"></a></div>
<div class="SearchResult result"><a class="SearchResult__title-text" href="/certificates/abc">cert</a></div>
</body></html>`

func TestCensysLogin(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			io.WriteString(w, `<form><input name="csrf_token" value="c"><input name="came_from" value="/x"></form>`)
			return
		}
		r.ParseForm()
		if r.PostForm.Get("csrf_token") != "c" || r.PostForm.Get("login") != "alice" || r.PostForm.Get("came_from") != "/" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: censysCookie, Value: "fresh"})
		http.Redirect(w, r, "/", http.StatusFound)
	})
	a, _ := newAdapter(t, Censys, mux)

	token, err := a.(session.Loginer).Login(context.Background(), session.Credentials{Username: "alice", Password: "pw"})
	require.NoError(t, err)
	require.Equal(t, "fresh", token)
}

func TestCensysFetchPage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ipv4/_search", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			io.WriteString(w, `<div class="alert alert-danger">rate limited</div>`)
			return
		}
		io.WriteString(w, censysPage)
	})
	a, _ := newAdapter(t, Censys, mux)
	q := querycodec.Query{Raw: "80.http.get.title:test"}

	res, err := a.FetchPage(context.Background(), anon, q, 1)
	require.NoError(t, err)
	require.Equal(t, 3, res.TotalPages)
	require.Len(t, res.Records, 2)
	require.Equal(t, "one.example", res.Records[0].Title)
	require.Equal(t, []string{"1.1.1.1", "2.2.2.2"}, representatives(a, res.Records))

	res, err = a.FetchPage(context.Background(), anon, q, 2)
	require.NoError(t, err)
	require.True(t, res.LimitReached)
}

func TestCensysDiscover(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ipv4/metadata", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "x", r.URL.Query().Get("q"))
		io.WriteString(w, `<div class="left-table"><h6>Protocol Breakdown</h6><table><tr><td><a href="/p">443/https</a></td></tr></table></div>
<div class="left-table"><h6>Country Breakdown</h6><table>
<tr><td><a href="/ipv4/_search?q=x">United States</a></td><td>10</td></tr>
<tr><td><a href="/ipv4/_search?q=y">Germany</a></td><td>4</td></tr>
</table></div>`)
	})
	a, _ := newAdapter(t, Censys, mux)

	refinements, err := a.Discover(context.Background(), anon, querycodec.Query{Raw: `x and location.country_code:"FR"`})
	require.NoError(t, err)
	require.Len(t, refinements, 2)
	require.Equal(t, `x and location.country:"United States"`, refinements[0].Query.Raw)
	require.Equal(t, "Germany", refinements[1].Label)
}

package runner

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"metabigor/internal/credstore"
	"metabigor/internal/exploits"
	"metabigor/internal/querycodec"
	"metabigor/internal/record"
	"metabigor/internal/session"
	"metabigor/internal/sources"
	"metabigor/internal/store"
	"metabigor/internal/transport"
	"metabigor/lib/telemetry"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func noSleep(context.Context, time.Duration) error { return nil }

// events is the shared order of what the fake source saw and what the
// store persisted.
type events struct {
	mu  sync.Mutex
	log []string
}

func (e *events) add(event string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log = append(e.log, event)
}

func (e *events) all() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string{}, e.log...)
}

func (e *events) count(prefix string) int {
	n := 0
	for _, event := range e.all() {
		if strings.HasPrefix(event, prefix) {
			n++
		}
	}
	return n
}

type recordingStore struct {
	*credstore.Store
	events *events
}

func (s recordingStore) SaveToken(source, token string) error {
	s.events.add("save " + source)
	return s.Store.SaveToken(source, token)
}

func shodanResult(ip string) string {
	return fmt.Sprintf(`<div class="search-result"><div class="search-result-summary"><span>%s</span></div></div>`, ip)
}

// fakeShodan serves total results at ten per page, each page also repeating
// the first result. Results of a query mentioning Hanoi are 10.9.9.x.
func fakeShodan(t *testing.T, ev *events, total int, summary string) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("polito"); err != nil || c.Value != "fresh" {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		io.WriteString(w, "<div>account</div>")
	})
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			io.WriteString(w, `<form><input type="hidden" name="csrf_token" value="t"></form>`)
			return
		}
		ev.add("login")
		http.SetCookie(w, &http.Cookie{Name: "polito", Value: "fresh", Path: "/"})
		http.Redirect(w, r, "/", http.StatusFound)
	})
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query().Get("query")
		page := r.URL.Query().Get("page")
		ev.add("fetch " + page + " " + query)

		prefix := "10.0.0."
		if strings.Contains(query, "Hanoi") {
			prefix = "10.9.9."
		}
		var index int
		fmt.Sscanf(page, "%d", &index)
		body := shodanResult(prefix + "1")
		for i := (index-1)*10 + 1; i <= index*10 && i <= total; i++ {
			body += shodanResult(fmt.Sprintf("%s%d", prefix, i))
		}
		io.WriteString(w, body)
	})
	mux.HandleFunc("/search/_summary", func(w http.ResponseWriter, r *http.Request) {
		ev.add("summary " + r.URL.Query().Get("query"))
		fmt.Fprintf(w, `<div class="bignumber">%d</div>%s`, total, summary)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type fixture struct {
	runner *Runner
	events *events
	creds  *credstore.Store
	out    string
	tel    *telemetry.Recorder
}

func setup(t *testing.T, srv *httptest.Server, ev *events, opts Options, extra ...Option) fixture {
	t.Helper()
	dir := t.TempDir()

	creds, err := credstore.Open(filepath.Join(dir, "config.conf"))
	require.NoError(t, err)
	require.NoError(t, creds.SaveCredentials(sources.Shodan, session.Credentials{Username: "alice", Password: "pw"}))

	client, err := transport.New(transport.Options{
		Timeout:      5 * time.Second,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: 2 * time.Millisecond,
	}, &telemetry.Recorder{})
	require.NoError(t, err)

	opts.OutDir = filepath.Join(dir, "out")
	if srv != nil {
		opts.Endpoints = map[string]sources.Endpoints{
			sources.Shodan: {Base: srv.URL, Account: srv.URL},
		}
	}
	tel := &telemetry.Recorder{}
	extra = append([]Option{WithSleeper(noSleep)}, extra...)
	r := New(opts, client, recordingStore{Store: creds, events: ev}, tel, extra...)
	return fixture{runner: r, events: ev, creds: creds, out: opts.OutDir, tel: tel}
}

func readOutput(t *testing.T, path string) []string {
	t.Helper()
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(content)), "\n")
}

func TestSearchEndToEnd(t *testing.T) {
	ev := &events{}
	srv := fakeShodan(t, ev, 25, "")
	f := setup(t, srv, ev, Options{DisableGeo: true})

	summary := f.runner.Search(context.Background(), sources.Shodan, `title="test"`)
	require.NoError(t, summary.Err)
	require.False(t, summary.Skipped)
	require.Equal(t, session.Valid, summary.Session)
	require.Equal(t, 3, summary.Pages)
	require.Equal(t, 25, summary.Lines)
	require.Equal(t, filepath.Join(f.out, "title_test-shodan.txt"), summary.Output)

	log := ev.all()
	require.Equal(t, "login", log[0])
	require.Equal(t, "save shodan", log[1])
	require.Equal(t, 3, ev.count("fetch "))
	require.Equal(t, "fresh", f.creds.Token(sources.Shodan))

	lines := readOutput(t, summary.Output)
	require.Len(t, lines, 25)
	seen := map[string]bool{}
	for _, line := range lines {
		require.False(t, seen[line], line)
		seen[line] = true
	}
	require.True(t, seen["10.0.0.25"])
}

func TestSearchReusesValidSession(t *testing.T) {
	ev := &events{}
	srv := fakeShodan(t, ev, 5, "")
	f := setup(t, srv, ev, Options{DisableGeo: true})
	require.NoError(t, f.creds.SaveToken(sources.Shodan, "fresh"))

	summary := f.runner.Search(context.Background(), sources.Shodan, "apache")
	require.NoError(t, summary.Err)
	require.Equal(t, 0, ev.count("login"))
	require.Equal(t, 0, ev.count("save"))
	require.Equal(t, 1, ev.count("fetch "))
	require.Equal(t, 5, summary.Lines)
}

func TestSearchSkipsWithoutSession(t *testing.T) {
	ev := &events{}
	srv := fakeShodan(t, ev, 5, "")
	f := setup(t, srv, ev, Options{})
	empty, err := credstore.Open(filepath.Join(t.TempDir(), "empty.conf"))
	require.NoError(t, err)
	f.runner.sessions = session.NewManager(empty, f.tel)

	summary := f.runner.Search(context.Background(), sources.Shodan, "apache")
	require.True(t, summary.Skipped)
	require.ErrorIs(t, summary.Err, session.ErrLoginFailed)
	require.Equal(t, 0, ev.count("fetch "))
	require.Equal(t, 1, f.tel.Count("warning", report_runner_skip))
	_, err = os.Stat(filepath.Join(f.out, "apache-shodan.txt"))
	require.True(t, os.IsNotExist(err))
}

func TestSearchExpandsGeography(t *testing.T) {
	ev := &events{}
	summaryLinks := `<a href="/search?query=apache+country%3A%22VN%22">Vietnam</a>` +
		`<a href="/search?query=apache+city%3A%22Hanoi%22">Hanoi</a>`
	srv := fakeShodan(t, ev, 3, summaryLinks)
	f := setup(t, srv, ev, Options{Output: "run"})
	require.NoError(t, f.creds.SaveToken(sources.Shodan, "fresh"))

	summary := f.runner.Search(context.Background(), sources.Shodan, "apache")
	require.NoError(t, summary.Err)
	require.Equal(t, 1, summary.Refinements)
	require.Equal(t, filepath.Join(f.out, "run-shodan.txt"), summary.Output)

	lines := readOutput(t, summary.Output)
	want := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.9.9.1", "10.9.9.2", "10.9.9.3"}
	if diff := cmp.Diff(want, lines); diff != "" {
		t.Fatal(diff)
	}
}

func TestSearchBrute(t *testing.T) {
	ev := &events{}
	srv := fakeShodan(t, ev, 1, "")
	f := setup(t, srv, ev, Options{Brute: true, DisableGeo: true, DisablePagination: true})
	require.NoError(t, f.creds.SaveToken(sources.Shodan, "fresh"))

	summary := f.runner.Search(context.Background(), sources.Shodan, `apache country:"US"`)
	require.NoError(t, summary.Err)
	require.Equal(t, len(querycodec.CountryCodes), summary.Refinements)

	codes := map[string]bool{}
	for _, event := range ev.all() {
		if !strings.HasPrefix(event, "fetch ") {
			continue
		}
		code, err := querycodec.Shodan.CountryCode(strings.TrimPrefix(event, "fetch 1 "))
		require.NoError(t, err)
		codes[code] = true
	}
	require.Equal(t, len(querycodec.CountryCodes)+1, ev.count("fetch "))
	require.Len(t, codes, len(querycodec.CountryCodes))
}

func TestSearchCancelledSkipsCleanup(t *testing.T) {
	ev := &events{}
	srv := fakeShodan(t, ev, 25, "")
	f := setup(t, srv, ev, Options{DisableGeo: true})
	require.NoError(t, f.creds.SaveToken(sources.Shodan, "fresh"))

	ctx, cancel := context.WithCancel(context.Background())
	f.runner.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}
	summary := f.runner.Search(ctx, sources.Shodan, "apache")
	require.ErrorIs(t, summary.Err, context.Canceled)
	require.Equal(t, 1, ev.count("fetch "))

	// page 1 repeats its first result and nothing deduplicated it
	lines := readOutput(t, filepath.Join(f.out, "apache-shodan.txt"))
	require.Len(t, lines, 11)
}

func TestSearchUnknownSource(t *testing.T) {
	f := setup(t, nil, &events{}, Options{})
	summary := f.runner.Search(context.Background(), "bing", "apache")
	require.Error(t, summary.Err)
	require.Equal(t, 1, f.tel.Count("broken", report_runner_source))
}

func TestSearchIndexesLines(t *testing.T) {
	ev := &events{}
	srv := fakeShodan(t, ev, 12, "")
	index, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	defer index.Close()

	f := setup(t, srv, ev, Options{DisableGeo: true}, WithIndex(index))
	require.NoError(t, f.creds.SaveToken(sources.Shodan, "fresh"))

	summary := f.runner.Search(context.Background(), sources.Shodan, "apache")
	require.NoError(t, summary.Err)

	values, err := index.Values(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, values, 12)
	require.Equal(t, readOutput(t, summary.Output), values)
}

func TestSearchList(t *testing.T) {
	ev := &events{}
	srv := fakeShodan(t, ev, 2, "")
	f := setup(t, srv, ev, Options{DisableGeo: true, Output: "batch"})
	require.NoError(t, f.creds.SaveToken(sources.Shodan, "fresh"))

	list := filepath.Join(t.TempDir(), "queries.txt")
	require.NoError(t, os.WriteFile(list, []byte("apache\n\n  nginx  \n"), 0o644))

	summaries, err := f.runner.SearchList(context.Background(), []string{"Shodan"}, list)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	require.Equal(t, "nginx", summaries[1].Query)
	require.Equal(t, filepath.Join(f.out, "batch-1-shodan.txt"), summaries[0].Output)
	require.Equal(t, filepath.Join(f.out, "batch-2-shodan.txt"), summaries[1].Output)

	_, err = f.runner.SearchList(context.Background(), []string{"shodan"}, filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}

func TestParseSourceList(t *testing.T) {
	got, err := ParseSourceList("list.json", []byte(`{shodan: 'apache', "zoom": "app:\"tomcat\"", // trailing
	}`))
	require.NoError(t, err)
	require.Equal(t, map[string]string{"shodan": "apache", "zoomeye": `app:"tomcat"`}, got)

	got, err = ParseSourceList("list.yaml", []byte("fofa: title=\"x\"\ncensys: nginx\n"))
	require.NoError(t, err)
	require.Equal(t, map[string]string{"fofa": `title="x"`, "censys": "nginx"}, got)

	for name, data := range map[string]string{
		"list.json": `["shodan", "apache"]`,
		"bad.json":  `{"shodan": 3}`,
		"bad.yml":   "- shodan\n",
		"junk.json": `{shodan`,
	} {
		_, err := ParseSourceList(name, []byte(data))
		require.ErrorIs(t, err, ErrMalformedSourceList, name)
	}
}

func TestSearchSources(t *testing.T) {
	ev := &events{}
	srv := fakeShodan(t, ev, 2, "")
	f := setup(t, srv, ev, Options{DisableGeo: true})
	require.NoError(t, f.creds.SaveToken(sources.Shodan, "fresh"))

	dir := t.TempDir()
	good := filepath.Join(dir, "sources.json")
	require.NoError(t, os.WriteFile(good, []byte(`{"shodan": "apache"}`), 0o644))
	summaries, err := f.runner.SearchSources(context.Background(), good)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	require.Equal(t, 2, summaries[0].Lines)

	bad := filepath.Join(dir, "sources2.json")
	require.NoError(t, os.WriteFile(bad, []byte(`"apache"`), 0o644))
	_, err = f.runner.SearchSources(context.Background(), bad)
	require.ErrorIs(t, err, ErrMalformedSourceList)
	require.Equal(t, 1, f.tel.Count("broken", report_runner_source))
}

func TestFileName(t *testing.T) {
	require.Equal(t, "title_test", fileName(`title="test"`))
	require.Equal(t, "query", fileName(`"&&"`))
	require.Len(t, fileName(strings.Repeat("a", 200)), 80)
}

func TestSource(t *testing.T) {
	require.Equal(t, sources.ZoomEye, Source(" Zoom "))
	require.Equal(t, sources.Fofa, Source("FOFA"))
}

func TestExploit(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"exploits_total": 2, "exploits": [
			{"id": "B", "title": "second, with comma", "score": 1, "source": "x"},
			{"id": "A", "title": "first\nline", "score": 2, "source": "CVE-2019-0001"}
		]}`)
	})
	mux.HandleFunc("/api/v3/burp/software/", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"result": "error", "data": {"error": "Nothing found"}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := setup(t, nil, &events{}, Options{ExploitEndpoints: map[string]string{
		exploits.Sploitus:   srv.URL,
		exploits.Vulners:    srv.URL,
		exploits.CVEDetails: srv.URL,
		exploits.Writeups:   srv.URL,
	}})
	summaries := f.runner.Exploit(context.Background(), exploits.ParseTarget("nginx|1.2", false))
	require.Len(t, summaries, 4)

	require.NoError(t, summaries[0].Err)
	require.Equal(t, 2, summaries[0].Lines)
	lines := readOutput(t, filepath.Join(f.out, "nginx_1.2-sploitus.csv"))
	require.Len(t, lines, 3)
	require.Equal(t, strings.Join(record.Finding{}.Columns(), ","), lines[0])
	require.Contains(t, lines[1], "first%0a%0dline")
	require.Contains(t, lines[2], "second%2C with comma")

	require.ErrorContains(t, summaries[1].Err, "Nothing found")
	require.Empty(t, summaries[1].Output)

	for _, s := range summaries[2:] {
		require.ErrorContains(t, s.Err, "answered 404", s.Source)
		require.Empty(t, s.Output)
	}
}

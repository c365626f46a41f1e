package pager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"metabigor/internal/querycodec"
	"metabigor/internal/record"
	"metabigor/internal/session"
	"metabigor/internal/sink"
	"metabigor/lib/telemetry"

	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	total     int
	limitAt   int
	failAt    int
	perPage   int
	requested []int
}

func (f *fakeFetcher) FetchPage(_ context.Context, _ session.Session, q querycodec.Query, index int) (Result, error) {
	f.requested = append(f.requested, index)
	if index == f.failAt {
		return Result{}, errors.New("connection reset")
	}
	res := Result{
		URL:        fmt.Sprintf("https://example.com/search?q=%s&page=%d", q.Raw, index),
		Body:       fmt.Sprintf("<html>%d</html>", index),
		TotalPages: f.total,
	}
	if index == f.limitAt {
		res.LimitReached = true
		return res, nil
	}
	for i := 0; i < f.perPage; i++ {
		res.Records = append(res.Records, record.Host{IP: fmt.Sprintf("10.0.%d.%d", index, i)})
	}
	return res, nil
}

type estimatingFetcher struct {
	fakeFetcher
	estimate int
	err      error
}

func (f *estimatingFetcher) EstimatePages(context.Context, session.Session, querycodec.Query) (int, error) {
	return f.estimate, f.err
}

var (
	authed = session.Session{SourceID: "fake", Token: "t", Validity: session.Valid}
	anon   = session.Session{SourceID: "fake", Validity: session.Invalid}
	query  = querycodec.Query{Raw: "test"}
)

func noSleep(context.Context, time.Duration) error { return nil }

func collect(t *testing.T, p *Pager, f Fetcher, sess session.Session, policy Policy) ([]Page, []error) {
	t.Helper()
	pages := []Page{}
	errs := []error{}
	for page, err := range p.Pages(context.Background(), f, sess, query, policy) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		pages = append(pages, page)
	}
	return pages, errs
}

func TestPagesWalksEstimate(t *testing.T) {
	f := &fakeFetcher{total: EstimatePages(25, 10), perPage: 10}
	pages, errs := collect(t, New("fake", &telemetry.Recorder{}, WithSleeper(noSleep)), f, authed, Policy{})

	require.Empty(t, errs)
	require.Equal(t, []int{1, 2, 3}, f.requested)
	require.Len(t, pages, 3)
	require.Equal(t, 3, pages[2].Index)
}

func TestPagesStopsAtLimitMarker(t *testing.T) {
	rec := &telemetry.Recorder{}
	f := &fakeFetcher{total: 10, limitAt: 4, perPage: 1}
	pages, _ := collect(t, New("fake", rec, WithSleeper(noSleep)), f, authed, Policy{})

	require.Equal(t, []int{1, 2, 3, 4}, f.requested)
	require.Len(t, pages, 3)
	require.Equal(t, 1, rec.Count("warning", "pager.limit"))
}

func TestPagesLimitOnFirstPage(t *testing.T) {
	f := &fakeFetcher{total: 5, limitAt: 1}
	pages, errs := collect(t, New("fake", &telemetry.Recorder{}, WithSleeper(noSleep)), f, authed, Policy{})

	require.Empty(t, pages)
	require.Empty(t, errs)
	require.Equal(t, []int{1}, f.requested)
}

func TestPagesNeverRequestsNonPositiveIndex(t *testing.T) {
	for _, total := range []int{-3, 0, 1} {
		f := &fakeFetcher{total: total}
		collect(t, New("fake", &telemetry.Recorder{}, WithSleeper(noSleep)), f, authed, Policy{})
		require.Equal(t, []int{1}, f.requested, total)
	}
}

func TestPagesPolicy(t *testing.T) {
	f := &fakeFetcher{total: 5}
	collect(t, New("fake", &telemetry.Recorder{}, WithSleeper(noSleep)), f, authed, Policy{DisablePagination: true})
	require.Equal(t, []int{1}, f.requested)

	rec := &telemetry.Recorder{}
	f = &fakeFetcher{total: 5}
	collect(t, New("fake", rec, WithSleeper(noSleep)), f, anon, Policy{AuthForMore: true})
	require.Equal(t, []int{1}, f.requested)
	require.Equal(t, 1, rec.Count("warning", "pager.limit"))

	f = &fakeFetcher{total: 5}
	collect(t, New("fake", &telemetry.Recorder{}, WithSleeper(noSleep)), f, anon, Policy{})
	require.Equal(t, []int{1, 2, 3, 4, 5}, f.requested)

	f = &fakeFetcher{total: 50}
	collect(t, New("fake", &telemetry.Recorder{}, WithSleeper(noSleep)), f, authed, Policy{MaxPages: 2})
	require.Equal(t, []int{1, 2}, f.requested)
}

func TestPagesEstimator(t *testing.T) {
	f := &estimatingFetcher{fakeFetcher: fakeFetcher{total: 9}, estimate: 2}
	collect(t, New("fake", &telemetry.Recorder{}, WithSleeper(noSleep)), f, authed, Policy{})
	require.Equal(t, []int{1, 2}, f.requested)

	rec := &telemetry.Recorder{}
	f = &estimatingFetcher{fakeFetcher: fakeFetcher{total: 3}, err: errors.New("no summary")}
	collect(t, New("fake", rec, WithSleeper(noSleep)), f, authed, Policy{})
	require.Equal(t, []int{1, 2, 3}, f.requested)
	require.Equal(t, 1, rec.Count("warning", "pager.estimate"))
}

func TestPagesFetchErrors(t *testing.T) {
	f := &fakeFetcher{total: 3, failAt: 2}
	pages, errs := collect(t, New("fake", &telemetry.Recorder{}, WithSleeper(noSleep)), f, authed, Policy{})
	require.Equal(t, []int{1, 2, 3}, f.requested)
	require.Len(t, pages, 2)
	require.Len(t, errs, 1)

	f = &fakeFetcher{total: 3, failAt: 1}
	pages, errs = collect(t, New("fake", &telemetry.Recorder{}, WithSleeper(noSleep)), f, authed, Policy{})
	require.Equal(t, []int{1}, f.requested)
	require.Empty(t, pages)
	require.Len(t, errs, 1)
}

func TestPagesDelayAndCancel(t *testing.T) {
	delays := []time.Duration{}
	sleeper := func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		if len(delays) == 2 {
			return context.Canceled
		}
		return nil
	}
	f := &fakeFetcher{total: 5}
	pages, errs := collect(t, New("fake", &telemetry.Recorder{}, WithSleeper(sleeper)), f, authed, Policy{
		Delay: Delay{Min: time.Second, Max: time.Second},
	})

	require.Equal(t, []int{1, 2}, f.requested)
	require.Len(t, pages, 2)
	require.Equal(t, []error{context.Canceled}, errs)
	require.Equal(t, []time.Duration{time.Second, time.Second}, delays)
}

func TestPagesConsumerBreak(t *testing.T) {
	f := &fakeFetcher{total: 5}
	p := New("fake", &telemetry.Recorder{}, WithSleeper(noSleep))
	for page := range p.Pages(context.Background(), f, authed, query, Policy{}) {
		if page.Index == 2 {
			break
		}
	}
	require.Equal(t, []int{1, 2}, f.requested)
}

func TestPagesCapture(t *testing.T) {
	dir := t.TempDir()
	f := &fakeFetcher{total: 2}
	pages, _ := collect(t, New("fake", &telemetry.Recorder{}, WithSleeper(noSleep), WithCapture(sink.NewCapture(dir))), f, authed, Policy{})

	require.Len(t, pages, 2)
	for _, page := range pages {
		require.NotEmpty(t, page.Capture)
		content, err := os.ReadFile(page.Capture)
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("<html>%d</html>", page.Index), string(content))
	}
}

func TestDelayNext(t *testing.T) {
	require.Equal(t, 2*time.Second, Delay{Min: 2 * time.Second}.Next())
	d := Delay{Min: 3 * time.Second, Max: 6 * time.Second}
	for range 50 {
		n := d.Next()
		require.GreaterOrEqual(t, n, d.Min)
		require.LessOrEqual(t, n, d.Max)
	}
}

func TestEstimatePages(t *testing.T) {
	require.Equal(t, 3, EstimatePages(25, 10))
	require.Equal(t, 2, EstimatePages(20, 10))
	require.Equal(t, 1, EstimatePages(1, 10))
	require.Equal(t, 0, EstimatePages(0, 10))
	require.Equal(t, 0, EstimatePages(10, 0))
}

func TestSleepHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	require.NoError(t, Sleep(context.Background(), 0))
}

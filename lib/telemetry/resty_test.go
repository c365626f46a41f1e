package telemetry

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func flakyServer(t *testing.T, failures int32) *httptest.Server {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= failures {
			conn, _, err := w.(http.Hijacker).Hijack()
			require.NoError(t, err)
			conn.Close()
			return
		}
		io.WriteString(w, "ok")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func instrumented(spans *tracetest.SpanRecorder, tel API) *resty.Client {
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	var idcounter uint64
	i := instrumentResty{tel: tel, tracer: provider.Tracer("test"), idcounter: &idcounter}

	client := resty.New().
		SetRetryCount(2).
		SetRetryWaitTime(time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Millisecond)
	client.OnBeforeRequest(i.onBeforeRequest)
	client.OnAfterResponse(i.onAfterResponse)
	client.OnError(i.onError)
	return client
}

func attempt(span sdktrace.ReadOnlySpan) int64 {
	for _, kv := range span.Attributes() {
		if kv.Key == attribute.Key("http.attempt") {
			return kv.Value.AsInt64()
		}
	}
	return 0
}

func TestRestySpanPerAttempt(t *testing.T) {
	srv := flakyServer(t, 2)
	spans := tracetest.NewSpanRecorder()
	client := instrumented(spans, &Recorder{})

	res, err := client.R().Get(srv.URL)
	require.NoError(t, err)
	require.Equal(t, "ok", res.String())

	require.Len(t, spans.Started(), 3)
	ended := spans.Ended()
	require.Len(t, ended, 3)
	for n, span := range ended {
		require.EqualValues(t, n+1, attempt(span))
		require.False(t, span.Parent().IsValid(), "attempt %d is nested", n+1)
	}
	require.Equal(t, codes.Unset, ended[2].Status().Code)
}

func TestRestySpansEndWhenRetriesFail(t *testing.T) {
	srv := flakyServer(t, 10)
	spans := tracetest.NewSpanRecorder()
	rec := &Recorder{}
	client := instrumented(spans, rec)

	_, err := client.R().Get(srv.URL)
	require.Error(t, err)

	require.Len(t, spans.Started(), 3)
	ended := spans.Ended()
	require.Len(t, ended, 3)
	require.Equal(t, codes.Error, ended[2].Status().Code)
	require.Equal(t, 1, rec.Count("warning", report_resty_response))
	require.Equal(t, 3, rec.Count("debug", report_resty_request))
}

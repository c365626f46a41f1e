package telemetry

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	report_resty_request  = "resty.request"
	report_resty_response = "resty.response"
)

type instrumentResty struct {
	tel       API
	tracer    trace.Tracer
	idcounter *uint64
}

// InstrumentResty reports every request made through the client at debug
// level and wraps it in a span.
func InstrumentResty(client *resty.Client, tel API) {
	var idcounter uint64
	i := instrumentResty{
		tel:       tel,
		tracer:    otel.Tracer("metabigor/resty"),
		idcounter: &idcounter,
	}

	client.OnBeforeRequest(i.onBeforeRequest)
	client.OnAfterResponse(i.onAfterResponse)
	client.OnError(i.onError)
}

type reqCtxKeyType int

var reqCtxKey reqCtxKeyType

type reqCtx struct {
	id        uint64
	attempt   int
	startTime time.Time
	// parent is the context the request was made with, retries start
	// their span from it.
	parent context.Context
}

// onBeforeRequest runs once per attempt. A retry ends the span of the
// attempt before it, which no other hook ends when it failed in transport.
func (i instrumentResty) onBeforeRequest(_ *resty.Client, req *resty.Request) error {
	parent := req.Context()
	info := reqCtx{attempt: 1, startTime: time.Now()}
	if prev, ok := parent.Value(reqCtxKey).(reqCtx); ok {
		trace.SpanFromContext(parent).End()
		parent = prev.parent
		info.id = prev.id
		info.attempt = prev.attempt + 1
		info.startTime = prev.startTime
	} else {
		info.id = atomic.AddUint64(i.idcounter, 1)
	}
	info.parent = parent

	ctx, _ := i.tracer.Start(parent, fmt.Sprintf("http %s", req.Method),
		trace.WithAttributes(attribute.Int("http.attempt", info.attempt)),
	)
	ctx = context.WithValue(ctx, reqCtxKey, info)
	i.tel.ReportDebug(report_resty_request, info.id, req.Method, req.URL, info.attempt)

	req.SetContext(ctx)
	return nil
}

func (i instrumentResty) onAfterResponse(_ *resty.Client, res *resty.Response) error {
	ctx := res.Request.Context()
	span := trace.SpanFromContext(ctx)
	defer span.End()

	span.SetAttributes(
		attribute.String("http.method", res.Request.Method),
		attribute.String("http.url", res.Request.URL),
		attribute.Int("http.status_code", res.StatusCode()),
	)

	info, ok := ctx.Value(reqCtxKey).(reqCtx)
	if !ok {
		return nil
	}
	i.tel.ReportDebug(
		report_resty_response,
		info.id,
		time.Since(info.startTime).String(),
		res.Status(),
	)
	return nil
}

func (i instrumentResty) onError(req *resty.Request, err error) {
	ctx := req.Context()
	span := trace.SpanFromContext(ctx)
	defer span.End()
	span.RecordError(err)
	span.SetStatus(codes.Error, "request failed")

	var duration time.Duration
	if info, ok := ctx.Value(reqCtxKey).(reqCtx); ok {
		duration = time.Since(info.startTime)
	}
	i.tel.ReportWarning(
		report_resty_response,
		err,
		req.Method,
		req.URL,
		duration,
	)
}

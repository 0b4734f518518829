package rdma

import (
	"fmt"

	"go.uber.org/zap"
)

// TraceAttribute is a key/value pair attached to spans and span events.
type TraceAttribute struct {
	Key   string
	Value any
}

// Tracer starts spans around handshakes and top-level requests.
type Tracer interface {
	StartSpan(name string, attrs ...TraceAttribute) Span
}

// Span records a request or handshake lifecycle.
type Span interface {
	End(err error)
	AddEvent(name string, attrs ...TraceAttribute)
	RecordError(err error)
}

// MetricHook receives engine events. Implementations must be safe for
// concurrent use.
type MetricHook interface {
	CommOpened(attrs map[string]string)
	CommClosed(attrs map[string]string)
	RequestCompleted(attrs map[string]string)
	RequestFailed(err error, attrs map[string]string)
	StripesPosted(count int, attrs map[string]string)
	CQError(err error, attrs map[string]string)
	RxBufferReposted(attrs map[string]string)
}

const (
	labelDevice = "device"
	labelRole   = "role"
	labelKind   = "kind"
	labelRail   = "rail"
	labelStatus = "status"
)

type noopSpan struct{}

func (noopSpan) End(error)                          {}
func (noopSpan) AddEvent(string, ...TraceAttribute) {}
func (noopSpan) RecordError(error)                  {}

// observer bundles the logging, tracing and metric hooks of one device.
type observer struct {
	device  string
	log     *zap.Logger
	tracer  Tracer
	metrics MetricHook
}

func newObserver(cfg *Config) *observer {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &observer{
		device:  cfg.Name,
		log:     log.With(zap.String(labelDevice, cfg.Name)),
		tracer:  cfg.Tracer,
		metrics: cfg.Metrics,
	}
}

func (o *observer) startSpan(name string, attrs ...TraceAttribute) Span {
	if o.tracer == nil {
		return noopSpan{}
	}
	if span := o.tracer.StartSpan(name, attrs...); span != nil {
		return span
	}
	return noopSpan{}
}

func (o *observer) attrs(kv ...string) map[string]string {
	attrs := make(map[string]string, len(kv)/2+1)
	attrs[labelDevice] = o.device
	for i := 0; i+1 < len(kv); i += 2 {
		attrs[kv[i]] = kv[i+1]
	}
	return attrs
}

func (o *observer) commOpened(role string) {
	if o.metrics != nil {
		o.metrics.CommOpened(o.attrs(labelRole, role))
	}
}

func (o *observer) commClosed(role string) {
	if o.metrics != nil {
		o.metrics.CommClosed(o.attrs(labelRole, role))
	}
}

func (o *observer) requestDone(kind RequestKind, err error) {
	if o.metrics == nil {
		return
	}
	if err != nil {
		o.metrics.RequestFailed(err, o.attrs(labelKind, kind.String(), labelStatus, "error"))
		return
	}
	o.metrics.RequestCompleted(o.attrs(labelKind, kind.String(), labelStatus, "ok"))
}

func (o *observer) stripesPosted(kind RequestKind, n int) {
	if o.metrics != nil {
		o.metrics.StripesPosted(n, o.attrs(labelKind, kind.String()))
	}
}

func (o *observer) cqError(rail *rail, err error) {
	o.log.Debug("completion error", zap.Stringer("rail_kind", rail.kind), zap.Int("rail", rail.index), zap.Error(err))
	if o.metrics != nil {
		o.metrics.CQError(err, o.attrs(labelRail, railLabel(rail)))
	}
}

func (o *observer) rxReposted(rail *rail) {
	if o.metrics != nil {
		o.metrics.RxBufferReposted(o.attrs(labelRail, railLabel(rail)))
	}
}

func railLabel(r *rail) string {
	return fmt.Sprintf("%s%d", r.kind, r.index)
}

package rdma

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetricsOptions configures NewOTelMetrics.
type OTelMetricsOptions struct {
	MeterProvider          metric.MeterProvider
	Meter                  metric.Meter
	InstrumentationName    string
	InstrumentationVersion string
}

var _ MetricHook = (*OTelMetrics)(nil)

// OTelMetrics implements MetricHook using OpenTelemetry counters.
type OTelMetrics struct {
	meter            metric.Meter
	commOpened       metric.Int64Counter
	commClosed       metric.Int64Counter
	requestCompleted metric.Int64Counter
	requestFailed    metric.Int64Counter
	stripesPosted    metric.Int64Counter
	cqErrors         metric.Int64Counter
	rxReposted       metric.Int64Counter
}

// NewOTelMetrics constructs a MetricHook that emits OpenTelemetry counter measurements.
func NewOTelMetrics(opts OTelMetricsOptions) (*OTelMetrics, error) {
	meter := opts.Meter
	if meter == nil {
		provider := opts.MeterProvider
		if provider == nil {
			provider = otel.GetMeterProvider()
		}
		name := opts.InstrumentationName
		if name == "" {
			name = "github.com/rocketbitz/multirail/rdma"
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	o := &OTelMetrics{meter: meter}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&o.commOpened, "multirail.rdma.comm.opened", "Communicators that completed the handshake"},
		{&o.commClosed, "multirail.rdma.comm.closed", "Connected communicators released"},
		{&o.requestCompleted, "multirail.rdma.request.completed", "Top-level requests completed"},
		{&o.requestFailed, "multirail.rdma.request.failed", "Top-level requests failed"},
		{&o.stripesPosted, "multirail.rdma.stripes.posted", "Rail operations posted for top-level requests"},
		{&o.cqErrors, "multirail.rdma.cq_errors", "Completion errors and protocol violations"},
		{&o.rxReposted, "multirail.rdma.rx.reposted", "Rx buffers reposted after consumption"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}
	return o, nil
}

// CommOpened counts a connected communicator.
func (o *OTelMetrics) CommOpened(attrs map[string]string) {
	o.commOpened.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs, labelRole)...))
}

// CommClosed counts a released communicator.
func (o *OTelMetrics) CommClosed(attrs map[string]string) {
	o.commClosed.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs, labelRole)...))
}

// RequestCompleted counts a successful top-level request.
func (o *OTelMetrics) RequestCompleted(attrs map[string]string) {
	o.requestCompleted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs, labelKind, labelStatus)...))
}

// RequestFailed counts a failed top-level request.
func (o *OTelMetrics) RequestFailed(_ error, attrs map[string]string) {
	o.requestFailed.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs, labelKind, labelStatus)...))
}

func (o *OTelMetrics) StripesPosted(count int, attrs map[string]string) {
	o.stripesPosted.Add(context.Background(), int64(count), metric.WithAttributes(otelAttrs(attrs, labelKind)...))
}

func (o *OTelMetrics) CQError(_ error, attrs map[string]string) {
	o.cqErrors.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs, labelRail, labelKind)...))
}

func (o *OTelMetrics) RxBufferReposted(attrs map[string]string) {
	o.rxReposted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs, labelRail)...))
}

func otelAttrs(attrs map[string]string, keys ...string) []attribute.KeyValue {
	kvs := []attribute.KeyValue{attribute.String(labelDevice, attrs[labelDevice])}
	for _, key := range keys {
		if v := attrs[key]; v != "" {
			kvs = append(kvs, attribute.String(key, v))
		}
	}
	return kvs
}

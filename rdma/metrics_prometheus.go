package rdma

import "github.com/prometheus/client_golang/prometheus"

// PrometheusMetricsOptions configures NewPrometheusMetrics.
type PrometheusMetricsOptions struct {
	Registerer  prometheus.Registerer
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
}

var _ MetricHook = (*PrometheusMetrics)(nil)

// PrometheusMetrics implements MetricHook using Prometheus counters.
type PrometheusMetrics struct {
	commOpened       *prometheus.CounterVec
	commClosed       *prometheus.CounterVec
	requestCompleted *prometheus.CounterVec
	requestFailed    *prometheus.CounterVec
	stripesPosted    *prometheus.CounterVec
	cqErrors         *prometheus.CounterVec
	rxReposted       *prometheus.CounterVec
}

var (
	commLabelKeys    = []string{labelDevice, labelRole}
	requestLabelKeys = []string{labelDevice, labelKind, labelStatus}
	stripeLabelKeys  = []string{labelDevice, labelKind}
	railLabelKeys    = []string{labelDevice, labelRail}
	cqErrorLabelKeys = []string{labelDevice, labelRail, labelKind}
)

// NewPrometheusMetrics constructs a MetricHook backed by Prometheus counters.
// Counters already registered on the registerer are reused.
func NewPrometheusMetrics(opts PrometheusMetricsOptions) (*PrometheusMetrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string, keys []string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: opts.ConstLabels,
		}, keys)
	}

	p := &PrometheusMetrics{
		commOpened:       counter("multirail_rdma_comm_opened_total", "Number of communicators that completed the handshake", commLabelKeys),
		commClosed:       counter("multirail_rdma_comm_closed_total", "Number of connected communicators released", commLabelKeys),
		requestCompleted: counter("multirail_rdma_request_completed_total", "Number of top-level requests completed", requestLabelKeys),
		requestFailed:    counter("multirail_rdma_request_failed_total", "Number of top-level requests failed", requestLabelKeys),
		stripesPosted:    counter("multirail_rdma_stripes_posted_total", "Number of rail operations posted for top-level requests", stripeLabelKeys),
		cqErrors:         counter("multirail_rdma_cq_errors_total", "Number of completion errors and protocol violations", cqErrorLabelKeys),
		rxReposted:       counter("multirail_rdma_rx_reposted_total", "Number of rx buffers reposted after consumption", railLabelKeys),
	}

	var err error
	for _, vec := range []**prometheus.CounterVec{
		&p.commOpened, &p.commClosed, &p.requestCompleted, &p.requestFailed,
		&p.stripesPosted, &p.cqErrors, &p.rxReposted,
	} {
		if *vec, err = registerCounterVec(reg, *vec); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *PrometheusMetrics) CommOpened(attrs map[string]string) {
	p.commOpened.With(labels(attrs, commLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) CommClosed(attrs map[string]string) {
	p.commClosed.With(labels(attrs, commLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) RequestCompleted(attrs map[string]string) {
	p.requestCompleted.With(labels(attrs, requestLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) RequestFailed(_ error, attrs map[string]string) {
	p.requestFailed.With(labels(attrs, requestLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) StripesPosted(count int, attrs map[string]string) {
	p.stripesPosted.With(labels(attrs, stripeLabelKeys...)).Add(float64(count))
}

func (p *PrometheusMetrics) CQError(_ error, attrs map[string]string) {
	labs := labels(attrs, cqErrorLabelKeys...)
	if labs[labelKind] == "" {
		labs[labelKind] = "completion"
	}
	p.cqErrors.With(labs).Inc()
}

func (p *PrometheusMetrics) RxBufferReposted(attrs map[string]string) {
	p.rxReposted.With(labels(attrs, railLabelKeys...)).Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

func labels(attrs map[string]string, keys ...string) prometheus.Labels {
	labs := make(prometheus.Labels, len(keys))
	for _, key := range keys {
		labs[key] = attrs[key]
	}
	return labs
}

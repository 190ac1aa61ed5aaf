// Package metrics exports prometheus metrics for client connection
// negotiation
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bbockelm/tabletrpc/security"
)

// Label values
const (
	ResultSuccess = "success"
	MechanismNone = "none"
	TLSNone       = "none"
	TLSAuthOnly   = "auth_only"
	TLSWrapped    = "wrapped"
)

// Collector records the outcome of every negotiation it observes
type Collector struct {
	negotiations *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	tlsRounds    prometheus.Histogram
}

// New creates an unregistered collector
func New() *Collector {
	return &Collector{
		negotiations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tabletrpc_negotiations_total",
				Help: "client connection negotiations by mechanism, TLS mode and result",
			},
			[]string{"mechanism", "tls", "result"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tabletrpc_negotiation_duration_seconds",
				Help:    "time spent negotiating client connections",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
			},
			[]string{"result"},
		),
		tlsRounds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tabletrpc_tls_handshake_rounds",
			Help:    "TLS handshake round trips of successful negotiations",
			Buckets: prometheus.LinearBuckets(1, 1, 5),
		}),
	}
}

// Register adds the collector's metrics to reg. Metrics already registered
// by another collector are not an error.
func (c *Collector) Register(reg prometheus.Registerer) error {
	for _, m := range []prometheus.Collector{c.negotiations, c.duration, c.tlsRounds} {
		err := reg.Register(m)
		are := prometheus.AlreadyRegisteredError{}
		if errors.As(err, &are) {
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// NegotiationFinished implements security.Observer
func (c *Collector) NegotiationFinished(outcome security.Outcome) {
	result := resultLabel(outcome.Err)

	mech := outcome.Mechanism.String()
	if outcome.Mechanism == security.MechanismInvalid {
		mech = MechanismNone
	}

	c.negotiations.WithLabelValues(mech, tlsLabel(outcome), result).Inc()
	c.duration.WithLabelValues(result).Observe(outcome.Duration.Seconds())
	if outcome.Err == nil && outcome.TLS {
		c.tlsRounds.Observe(float64(outcome.TLSRounds))
	}
}

func tlsLabel(outcome security.Outcome) string {
	switch {
	case !outcome.TLS:
		return TLSNone
	case outcome.AuthOnly:
		return TLSAuthOnly
	}
	return TLSWrapped
}

// resultLabel names the error kind, e.g. "not_authorized"
func resultLabel(err error) string {
	switch security.KindOf(err) {
	case security.KindNotAuthorized:
		return "not_authorized"
	case security.KindInvalidConfiguration:
		return "invalid_configuration"
	case security.KindTimedOut:
		return "timed_out"
	case security.KindRuntimeFailure:
		return "runtime_failure"
	}
	if err != nil {
		return "error"
	}
	return ResultSuccess
}

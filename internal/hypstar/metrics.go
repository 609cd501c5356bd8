package hypstar

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/shaunagostinho/hypstar-go/internal/protocol"
)

// Metrics collects link and acquisition statistics. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	Exchanges          *prometheus.CounterVec
	Retries            *prometheus.CounterVec
	NAKs               *prometheus.CounterVec
	BytesSent          prometheus.Counter
	BytesReceived      prometheus.Counter
	CaptureDuration    *prometheus.HistogramVec
	DatasetCRCFailures *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hypstar",
			Subsystem: "link",
			Name:      "exchanges_total",
			Help:      "Command exchanges by command and outcome.",
		}, []string{"command", "outcome"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hypstar",
			Subsystem: "link",
			Name:      "retries_total",
			Help:      "Exchange attempts repeated, by cause.",
		}, []string{"command", "cause"}),
		NAKs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hypstar",
			Subsystem: "link",
			Name:      "naks_total",
			Help:      "NAK frames received, by error code.",
		}, []string{"code"}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hypstar",
			Subsystem: "link",
			Name:      "sent_bytes_total",
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hypstar",
			Subsystem: "link",
			Name:      "received_bytes_total",
		}),
		CaptureDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hypstar",
			Subsystem: "capture",
			Name:      "duration_seconds",
			Help:      "Time from CAPTURE_SPEC to DONE.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"radiometer", "mode"}),
		DatasetCRCFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hypstar",
			Subsystem: "link",
			Name:      "dataset_crc_failures_total",
		}, []string{"command"}),
	}
	if reg != nil {
		reg.MustRegister(m.Exchanges, m.Retries, m.NAKs, m.BytesSent, m.BytesReceived,
			m.CaptureDuration, m.DatasetCRCFailures)
	}
	return m
}

func (m *Metrics) exchange(cmd protocol.Command, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if k := protocol.KindOf(err); k != 0 {
			outcome = k.String()
		}
	}
	m.Exchanges.WithLabelValues(cmd.String(), outcome).Inc()
}

func (m *Metrics) retry(cmd protocol.Command, cause error) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(cmd.String(), protocol.KindOf(cause).String()).Inc()
}

func (m *Metrics) nak(code protocol.Code) {
	if m == nil {
		return
	}
	m.NAKs.WithLabelValues(code.String()).Inc()
}

func (m *Metrics) sent(n int) {
	if m == nil {
		return
	}
	m.BytesSent.Add(float64(n))
}

func (m *Metrics) received(n int) {
	if m == nil {
		return
	}
	m.BytesReceived.Add(float64(n))
}

func (m *Metrics) capture(r protocol.Radiometer, fixed bool, d time.Duration) {
	if m == nil {
		return
	}
	mode := "auto"
	if fixed {
		mode = "fixed"
	}
	m.CaptureDuration.WithLabelValues(r.String(), mode).Observe(d.Seconds())
}

func (m *Metrics) datasetCRC(cmd protocol.Command) {
	if m == nil {
		return
	}
	m.DatasetCRCFailures.WithLabelValues(cmd.String()).Inc()
}

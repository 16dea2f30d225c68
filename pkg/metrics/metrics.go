package metrics

import (
	"github.com/IpsoVeritas/aquiles"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "aquiles"

// Recorder collects connection registry metrics. A nil *Recorder records nothing.
type Recorder struct {
	events         *prometheus.CounterVec
	actionFailures *prometheus.CounterVec
	status         *prometheus.GaugeVec
}

func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	r := &Recorder{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "events_total",
			Help:      "Connection events received from the client.",
		}, []string{"event"}),
		actionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "action_failures_total",
			Help:      "Registered actions that failed while handling an event.",
		}, []string{"event"}),
		status: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "status",
			Help:      "1 for the current connection status, 0 otherwise.",
		}, []string{"status"}),
	}

	for _, c := range []prometheus.Collector{r.events, r.actionFailures, r.status} {
		if err := reg.Register(c); err != nil {
			return nil, errors.Wrap(err, "failed to register registry metrics")
		}
	}
	r.SetStatus(aquiles.StatusNone)

	return r, nil
}

func (r *Recorder) ObserveEvent(event aquiles.Event) {
	if r == nil {
		return
	}
	r.events.WithLabelValues(event.String()).Inc()
}

func (r *Recorder) ObserveActionFailure(event aquiles.Event) {
	if r == nil {
		return
	}
	r.actionFailures.WithLabelValues(event.String()).Inc()
}

func (r *Recorder) SetStatus(status aquiles.Status) {
	if r == nil {
		return
	}
	for _, s := range []aquiles.Status{aquiles.StatusNone, aquiles.StatusConnected, aquiles.StatusSuspended, aquiles.StatusFailed} {
		value := 0.0
		if s == status {
			value = 1
		}
		r.status.WithLabelValues(s.String()).Set(value)
	}
}

// ServerRecorder collects sensor service metrics. A nil *ServerRecorder records nothing.
type ServerRecorder struct {
	sessions         prometheus.Gauge
	rejectedConnects *prometheus.CounterVec
	dataPoints       *prometheus.CounterVec
	listeners        prometheus.Gauge
}

func NewServerRecorder(reg prometheus.Registerer) (*ServerRecorder, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	r := &ServerRecorder{
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "sessions",
			Help:      "Connected client sessions.",
		}),
		rejectedConnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "rejected_connects_total",
			Help:      "Connect attempts refused by the service.",
		}, []string{"reason"}),
		dataPoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "data_points_total",
			Help:      "Data points delivered to listeners.",
		}, []string{"data_type"}),
		listeners: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "listeners",
			Help:      "Active sensor listeners.",
		}),
	}

	for _, c := range []prometheus.Collector{r.sessions, r.rejectedConnects, r.dataPoints, r.listeners} {
		if err := reg.Register(c); err != nil {
			return nil, errors.Wrap(err, "failed to register server metrics")
		}
	}

	return r, nil
}

func (r *ServerRecorder) SessionOpened() {
	if r == nil {
		return
	}
	r.sessions.Inc()
}

func (r *ServerRecorder) SessionClosed() {
	if r == nil {
		return
	}
	r.sessions.Dec()
}

func (r *ServerRecorder) ConnectRejected(reason string) {
	if r == nil {
		return
	}
	r.rejectedConnects.WithLabelValues(reason).Inc()
}

func (r *ServerRecorder) DataPointSent(dataType aquiles.DataType) {
	if r == nil {
		return
	}
	r.dataPoints.WithLabelValues(string(dataType)).Inc()
}

func (r *ServerRecorder) ListenerAdded() {
	if r == nil {
		return
	}
	r.listeners.Inc()
}

func (r *ServerRecorder) ListenerRemoved() {
	if r == nil {
		return
	}
	r.listeners.Dec()
}

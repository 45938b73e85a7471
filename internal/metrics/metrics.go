// Package metrics exposes engine counters to Prometheus. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds the collectors of one session.
type Metrics struct {
	registry *prometheus.Registry

	messagesSent   prometheus.Counter
	messagesFailed prometheus.Counter
	inboundEvents  *prometheus.CounterVec
	calls          *prometheus.CounterVec
	relayConnected prometheus.Gauge
	busDrops       prometheus.Counter
}

// New creates a Metrics with its own registry, labelled with the session name.
func New(session string) *Metrics {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"session": session}
	m := &Metrics{
		registry: reg,
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rtchat", Name: "messages_sent_total",
			Help: "Messages confirmed by the store.", ConstLabels: labels,
		}),
		messagesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rtchat", Name: "messages_failed_total",
			Help: "Optimistic sends rolled back.", ConstLabels: labels,
		}),
		inboundEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtchat", Name: "relay_events_total",
			Help: "Relay envelopes processed, by topic.", ConstLabels: labels,
		}, []string{"topic"}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtchat", Name: "calls_total",
			Help: "Calls by outcome.", ConstLabels: labels,
		}, []string{"outcome"}),
		relayConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rtchat", Name: "relay_connected",
			Help: "1 while the relay connection is up.", ConstLabels: labels,
		}),
		busDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rtchat", Name: "bus_dropped_events_total",
			Help: "Bus events dropped because a subscriber was full.", ConstLabels: labels,
		}),
	}
	reg.MustRegister(m.messagesSent, m.messagesFailed, m.inboundEvents, m.calls, m.relayConnected, m.busDrops,
		collectors.NewGoCollector())
	return m
}

// Registry returns the registry holding every collector.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) MessageSent() {
	if m != nil {
		m.messagesSent.Inc()
	}
}

func (m *Metrics) MessageFailed() {
	if m != nil {
		m.messagesFailed.Inc()
	}
}

func (m *Metrics) RelayEvent(topic string) {
	if m != nil {
		m.inboundEvents.WithLabelValues(topic).Inc()
	}
}

// Call records a call outcome: started, incoming, connected, ended, failed,
// rejected or busy.
func (m *Metrics) Call(outcome string) {
	if m != nil {
		m.calls.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) RelayConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.relayConnected.Set(1)
	} else {
		m.relayConnected.Set(0)
	}
}

func (m *Metrics) BusDrop() {
	if m != nil {
		m.busDrops.Inc()
	}
}

// Server serves /metrics over HTTP.
type Server struct {
	srv    *http.Server
	ln     net.Listener
	logger *zap.Logger
}

// Listen binds addr and prepares the /metrics handler.
func Listen(addr string, m *Metrics, logger *zap.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	return &Server{
		srv:    &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		ln:     ln,
		logger: logger,
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Serve blocks until the server is shut down.
func (s *Server) Serve() {
	if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("metrics server failed", zap.Error(err))
	}
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

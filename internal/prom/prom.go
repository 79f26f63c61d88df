// Package prom exports gateway metrics to Prometheus, fed from the event
// bus so the hot forwarding path never touches a collector directly.
package prom

import (
	"context"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tunnelgate/tunnelgate/internal/bus"
	"github.com/tunnelgate/tunnelgate/internal/inspect"
	"github.com/tunnelgate/tunnelgate/internal/tunnel"
)

// NewRegistry returns a fresh Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler returns a Prometheus HTTP handler bound to the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// GatewayObserver exports tunnel lifecycle and traffic metrics.
type GatewayObserver struct {
	tunnelGauge    prometheus.Gauge
	tunnelTotal    prometheus.Counter
	tunnelCloses   *prometheus.CounterVec
	tunnelDuration prometheus.Histogram
	requestsTotal  *prometheus.CounterVec
	latency        prometheus.Histogram
	bytesIn        prometheus.Counter
	bytesOut       prometheus.Counter
}

// NewGatewayObserver registers gateway metrics on the registry.
func NewGatewayObserver(reg *prometheus.Registry) *GatewayObserver {
	o := &GatewayObserver{
		tunnelGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tunnelgate_tunnels_active",
			Help: "Current registered tunnel count.",
		}),
		tunnelTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tunnelgate_tunnels_registered_total",
			Help: "Tunnels registered since start.",
		}),
		tunnelCloses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tunnelgate_tunnel_closes_total",
			Help: "Tunnel close reasons.",
		}, []string{"reason"}),
		tunnelDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tunnelgate_tunnel_duration_seconds",
			Help:    "Tunnel lifetime from register to close.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tunnelgate_requests_total",
			Help: "Forwarded requests by method and status class.",
		}, []string{"method", "class"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tunnelgate_request_duration_seconds",
			Help:    "End to end forwarding latency.",
			Buckets: prometheus.DefBuckets,
		}),
		bytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tunnelgate_bytes_in_total",
			Help: "Request body bytes forwarded to agents.",
		}),
		bytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tunnelgate_bytes_out_total",
			Help: "Response body bytes returned to clients.",
		}),
	}
	reg.MustRegister(
		o.tunnelGauge,
		o.tunnelTotal,
		o.tunnelCloses,
		o.tunnelDuration,
		o.requestsTotal,
		o.latency,
		o.bytesIn,
		o.bytesOut,
	)
	return o
}

func (o *GatewayObserver) TunnelOpened() {
	o.tunnelGauge.Inc()
	o.tunnelTotal.Inc()
}

func (o *GatewayObserver) TunnelClosed(reason string, durationMS int64) {
	o.tunnelGauge.Dec()
	o.tunnelCloses.WithLabelValues(reason).Inc()
	o.tunnelDuration.Observe(float64(durationMS) / 1000)
}

func (o *GatewayObserver) Request(method string, bodyBytes int) {
	o.bytesIn.Add(float64(bodyBytes))
	// The counter is incremented on the response so method and status class
	// land in one series; requests that never resolve still count bytes.
	_ = method
}

func (o *GatewayObserver) Response(method string, status int, responseTimeMS int64, bodyBytes int) {
	o.requestsTotal.WithLabelValues(method, statusClass(status)).Inc()
	o.latency.Observe(float64(responseTimeMS) / 1000)
	o.bytesOut.Add(float64(bodyBytes))
}

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "other"
	}
	return strconv.Itoa(status/100) + "xx"
}

// Exporter bridges bus events into the observer. Responses need the request
// method, so the pending ids seen on traffic:request are remembered until
// their response arrives.
type Exporter struct {
	bus      *bus.Bus
	observer *GatewayObserver
	methods  map[string]string
}

func NewExporter(b *bus.Bus, observer *GatewayObserver) *Exporter {
	return &Exporter{bus: b, observer: observer, methods: make(map[string]string)}
}

// Run consumes lifecycle and traffic topics until ctx is done. It is the
// only goroutine touching e.methods.
func (e *Exporter) Run(ctx context.Context) {
	created := e.bus.Subscribe(bus.TopicTunnelCreated, 64, nil)
	closed := e.bus.Subscribe(bus.TopicTunnelClosed, 64, nil)
	requests := e.bus.Subscribe(bus.TopicTrafficRequest, 256, nil)
	responses := e.bus.Subscribe(bus.TopicTrafficResponse, 256, nil)
	defer created.Unsubscribe()
	defer closed.Unsubscribe()
	defer requests.Unsubscribe()
	defer responses.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case <-created.C:
			e.observer.TunnelOpened()
		case ev := <-closed.C:
			if tev, ok := ev.Data.(tunnel.Event); ok {
				e.observer.TunnelClosed(tev.Reason, tev.DurationMS)
			}
		case ev := <-requests.C:
			if rev, ok := ev.Data.(inspect.RequestEvent); ok {
				e.observer.Request(rev.Method, len(rev.Body))
				// Responses dropped by the bus would leak entries; reset
				// rather than grow without bound.
				if len(e.methods) > 10_000 {
					e.methods = make(map[string]string)
				}
				e.methods[rev.RequestID] = rev.Method
			}
		case ev := <-responses.C:
			if rev, ok := ev.Data.(inspect.ResponseEvent); ok {
				method := e.methods[rev.RequestID]
				delete(e.methods, rev.RequestID)
				e.observer.Response(method, rev.Status, rev.ResponseTimeMS, len(rev.Body))
			}
		}
	}
}

package inspect

import (
	"context"
	"log"
	"time"

	"github.com/tunnelgate/tunnelgate/internal/bus"
)

// Inspector taps the traffic topics on the event bus, feeds the capture store
// and metrics state, and periodically publishes a derived metrics snapshot.
type Inspector struct {
	store   *Store
	metrics *metricsState
	bus     *bus.Bus

	metricsInterval time.Duration
	cleanupInterval time.Duration
}

// Options bounds the inspector's store and tickers.
type Options struct {
	MaxStored       int
	Retention       time.Duration
	MetricsInterval time.Duration
	CleanupInterval time.Duration
}

// New creates an inspector. Run must be called to start ingesting.
func New(b *bus.Bus, opts Options) *Inspector {
	if opts.MetricsInterval <= 0 {
		opts.MetricsInterval = 5 * time.Second
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = 60 * time.Second
	}
	return &Inspector{
		store:           NewStore(opts.MaxStored, opts.Retention),
		metrics:         newMetricsState(),
		bus:             b,
		metricsInterval: opts.MetricsInterval,
		cleanupInterval: opts.CleanupInterval,
	}
}

// Store exposes the capture store to the management API and replay engine.
func (in *Inspector) Store() *Store { return in.store }

// Record ingests one traffic event directly. Exposed for tests and for
// callers that bypass the bus.
func (in *Inspector) Record(data any) {
	switch ev := data.(type) {
	case RequestEvent:
		in.store.AddRequest(ev)
		in.metrics.recordRequest(ev)
	case ResponseEvent:
		if e := in.store.AddResponse(ev); e != nil {
			in.metrics.recordResponse(ev)
		}
	default:
		log.Printf("inspector: ignoring unexpected event %T", data)
	}
}

// Metrics computes the derived snapshot from the current windows.
func (in *Inspector) Metrics() Snapshot {
	return in.metrics.snapshot(in.store.Len())
}

// Run consumes the traffic topics and drives the cleanup and metrics tickers
// until the context is cancelled.
func (in *Inspector) Run(ctx context.Context) {
	reqSub := in.bus.Subscribe(bus.TopicTrafficRequest, 256, nil)
	respSub := in.bus.Subscribe(bus.TopicTrafficResponse, 256, nil)
	defer reqSub.Unsubscribe()
	defer respSub.Unsubscribe()

	metricsTicker := time.NewTicker(in.metricsInterval)
	defer metricsTicker.Stop()
	cleanupTicker := time.NewTicker(in.cleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-reqSub.C:
			in.Record(ev.Data)
		case ev := <-respSub.C:
			in.Record(ev.Data)
		case <-metricsTicker.C:
			in.bus.Publish(bus.TopicMetricsUpdate, in.Metrics())
		case now := <-cleanupTicker.C:
			if n := in.store.EvictExpired(now); n > 0 {
				log.Printf("inspector: evicted %d expired captures", n)
			}
		}
	}
}

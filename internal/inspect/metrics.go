package inspect

import (
	"math"
	"sort"
	"sync"
	"time"
)

const (
	countWindow      = 60 * time.Second
	latencyWindow    = 300 * time.Second
	bucketWidth      = 5 * time.Second
	maxBuckets       = 60
	topPathsDefaultK = 10
)

// LatencyStats summarises the 300s latency window in milliseconds.
type LatencyStats struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// PathCount is one entry of the top-paths ranking.
type PathCount struct {
	Path  string `json:"path"`
	Count int64  `json:"count"`
}

// TimeBucket is one 5-second slice of the append-only series.
type TimeBucket struct {
	Start    time.Time `json:"start"`
	Requests int64     `json:"requests"`
	Errors   int64     `json:"errors"`
	BytesIn  int64     `json:"bytes_in"`
	BytesOut int64     `json:"bytes_out"`
}

// Snapshot is the full derived metrics view, computed on demand.
type Snapshot struct {
	RequestsPerSec  float64          `json:"requests_per_sec"`
	BytesInPerSec   float64          `json:"bytes_in_per_sec"`
	BytesOutPerSec  float64          `json:"bytes_out_per_sec"`
	Latency         LatencyStats     `json:"latency"`
	ErrorRate       float64          `json:"error_rate"`
	ErrorBreakdown  map[string]int64 `json:"error_breakdown"`
	StatusCodes     map[int]int64    `json:"status_codes"`
	Methods         map[string]int64 `json:"methods"`
	TopPaths        []PathCount      `json:"top_paths"`
	TimeSeries      []TimeBucket     `json:"time_series"`
	TotalCaptured   int              `json:"total_captured"`
	TotalRequests   int64            `json:"total_requests"`
	TotalResponses  int64            `json:"total_responses"`
	GeneratedAt     time.Time        `json:"generated_at"`
}

// metricsState accumulates counters fed from the live traffic stream.
type metricsState struct {
	requests *RollingWindow // 60s, one sample per request
	bytesIn  *RollingWindow // 60s, request body bytes
	bytesOut *RollingWindow // 60s, response body bytes
	latency  *RollingWindow // 300s, response_time_ms samples

	mu             sync.Mutex
	methodCounts   map[string]int64
	pathCounts     map[string]int64
	statusCounts   map[int]int64
	totalRequests  int64
	totalResponses int64
	buckets        []TimeBucket
}

func newMetricsState() *metricsState {
	return &metricsState{
		requests:     NewRollingWindow(countWindow),
		bytesIn:      NewRollingWindow(countWindow),
		bytesOut:     NewRollingWindow(countWindow),
		latency:      NewRollingWindow(latencyWindow),
		methodCounts: make(map[string]int64),
		pathCounts:   make(map[string]int64),
		statusCounts: make(map[int]int64),
	}
}

func (m *metricsState) recordRequest(ev RequestEvent) {
	m.requests.AddAt(1, ev.Timestamp)
	m.bytesIn.AddAt(float64(len(ev.Body)), ev.Timestamp)

	m.mu.Lock()
	m.methodCounts[ev.Method]++
	m.pathCounts[ev.Path]++
	m.totalRequests++
	b := m.bucketFor(ev.Timestamp)
	b.Requests++
	b.BytesIn += int64(len(ev.Body))
	m.mu.Unlock()
}

func (m *metricsState) recordResponse(ev ResponseEvent) {
	m.bytesOut.AddAt(float64(len(ev.Body)), ev.Timestamp)
	m.latency.AddAt(float64(ev.ResponseTimeMS), ev.Timestamp)

	m.mu.Lock()
	m.statusCounts[ev.Status]++
	m.totalResponses++
	b := m.bucketFor(ev.Timestamp)
	b.BytesOut += int64(len(ev.Body))
	if ev.Status >= 400 {
		b.Errors++
	}
	m.mu.Unlock()
}

// bucketFor returns the 5s-aligned bucket for t, appending as needed and
// capping the series at maxBuckets. Caller holds the mutex.
func (m *metricsState) bucketFor(t time.Time) *TimeBucket {
	start := t.Truncate(bucketWidth)
	if n := len(m.buckets); n > 0 && m.buckets[n-1].Start.Equal(start) {
		return &m.buckets[n-1]
	}
	m.buckets = append(m.buckets, TimeBucket{Start: start})
	if len(m.buckets) > maxBuckets {
		m.buckets = m.buckets[len(m.buckets)-maxBuckets:]
	}
	return &m.buckets[len(m.buckets)-1]
}

// nearestRank returns sorted[ceil(p/100*n)-1], clamped to index 0.
func nearestRank(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

func (m *metricsState) snapshot(totalCaptured int) Snapshot {
	snap := Snapshot{
		RequestsPerSec: m.requests.Sum() / countWindow.Seconds(),
		BytesInPerSec:  m.bytesIn.Sum() / countWindow.Seconds(),
		BytesOutPerSec: m.bytesOut.Sum() / countWindow.Seconds(),
		ErrorBreakdown: map[string]int64{"2xx": 0, "3xx": 0, "4xx": 0, "5xx": 0, "other": 0},
		StatusCodes:    make(map[int]int64),
		Methods:        make(map[string]int64),
		TotalCaptured:  totalCaptured,
		GeneratedAt:    time.Now(),
	}

	lat := m.latency.Values()
	if len(lat) > 0 {
		sort.Float64s(lat)
		var sum float64
		for _, v := range lat {
			sum += v
		}
		snap.Latency = LatencyStats{
			Min: lat[0],
			Max: lat[len(lat)-1],
			Avg: sum / float64(len(lat)),
			P50: nearestRank(lat, 50),
			P95: nearestRank(lat, 95),
			P99: nearestRank(lat, 99),
		}
	}

	m.mu.Lock()
	var errored int64
	for code, count := range m.statusCounts {
		snap.StatusCodes[code] = count
		switch {
		case code >= 200 && code < 300:
			snap.ErrorBreakdown["2xx"] += count
		case code >= 300 && code < 400:
			snap.ErrorBreakdown["3xx"] += count
		case code >= 400 && code < 500:
			snap.ErrorBreakdown["4xx"] += count
			errored += count
		case code >= 500 && code < 600:
			snap.ErrorBreakdown["5xx"] += count
			errored += count
		default:
			snap.ErrorBreakdown["other"] += count
		}
	}
	if m.totalResponses > 0 {
		snap.ErrorRate = float64(errored) / float64(m.totalResponses) * 100
	}
	for method, count := range m.methodCounts {
		snap.Methods[method] = count
	}
	snap.TopPaths = topK(m.pathCounts, topPathsDefaultK)
	snap.TimeSeries = append([]TimeBucket(nil), m.buckets...)
	snap.TotalRequests = m.totalRequests
	snap.TotalResponses = m.totalResponses
	m.mu.Unlock()

	return snap
}

func topK(counts map[string]int64, k int) []PathCount {
	out := make([]PathCount, 0, len(counts))
	for path, count := range counts {
		out = append(out, PathCount{Path: path, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Path < out[j].Path
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}

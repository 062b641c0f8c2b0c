// Package rmetrics counts election, heartbeat, and replication activity
// using armon/go-metrics, the library the broader raft corpus reaches for
// this exact concern (see DESIGN.md).
package rmetrics

import (
	"time"

	"github.com/armon/go-metrics"
)

// Recorder wraps a per-node metrics.Metrics instance backed by an in-memory
// sink, so a snapshot can be read back out for diagnostics without standing
// up a separate metrics backend.
type Recorder struct {
	m    *metrics.Metrics
	sink *metrics.InmemSink
}

// New builds a Recorder tagged with the node's service name (its server id).
func New(serviceName string) *Recorder {
	sink := metrics.NewInmemSink(10*time.Second, time.Minute)
	cfg := metrics.DefaultConfig(serviceName)
	cfg.EnableHostname = false
	cfg.EnableRuntimeMetrics = false

	m, err := metrics.New(cfg, sink)
	if err != nil {
		// metrics.New only errors on a nil sink; New always supplies one.
		panic(err)
	}
	return &Recorder{m: m, sink: sink}
}

func (r *Recorder) ElectionStarted() { r.m.IncrCounter([]string{"election", "started"}, 1) }
func (r *Recorder) ElectionWon()     { r.m.IncrCounter([]string{"election", "won"}, 1) }
func (r *Recorder) VoteGranted()     { r.m.IncrCounter([]string{"vote", "granted"}, 1) }
func (r *Recorder) VoteDenied()      { r.m.IncrCounter([]string{"vote", "denied"}, 1) }

func (r *Recorder) HeartbeatRPC(peer string, start time.Time) {
	r.m.MeasureSince([]string{"heartbeat", "rpc", peer}, start)
}

func (r *Recorder) CASAccepted() { r.m.IncrCounter([]string{"cas", "accepted"}, 1) }
func (r *Recorder) CASRejected(reason string) {
	r.m.IncrCounter([]string{"cas", "rejected", reason}, 1)
}

// Snapshot flattens one interval's counters into a JSON-friendly map of
// counter name -> sum over that interval, for embedding in /status. It reads
// the most recent completed interval, or the still-accumulating one while no
// interval has completed yet.
func (r *Recorder) Snapshot() map[string]float64 {
	intervals := r.sink.Data()
	if len(intervals) == 0 {
		return map[string]float64{}
	}
	// The last interval is still accumulating; the one before it (if any)
	// is complete. Prefer the complete one when available.
	idx := len(intervals) - 1
	if idx > 0 {
		idx--
	}

	out := make(map[string]float64)
	for name, v := range intervals[idx].Counters {
		out[name] = v.Sum
	}
	return out
}

package metrics

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

var (
	pollsTotal          atomic.Uint64
	pollStopsTotal      atomic.Uint64
	artifactDownloads   atomic.Uint64
	artifactFailures    atomic.Uint64
	artifactReleases    atomic.Uint64
	staleCommitsDropped atomic.Uint64

	mutationsMu sync.Mutex
	mutations   = map[string]uint64{}

	requestDuration = newHistogram([]float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000})
)

// IncPoll counts one scheduled re-fetch.
func IncPoll() { pollsTotal.Add(1) }

// IncPollStop counts a subscription that stopped polling.
func IncPollStop() { pollStopsTotal.Add(1) }

// IncArtifactDownload counts a successful artifact fetch.
func IncArtifactDownload() { artifactDownloads.Add(1) }

// IncArtifactFailure counts a failed artifact fetch.
func IncArtifactFailure() { artifactFailures.Add(1) }

// IncArtifactRelease counts a released artifact handle.
func IncArtifactRelease() { artifactReleases.Add(1) }

// IncStaleCommitDropped counts read responses discarded because the entity was removed.
func IncStaleCommitDropped() { staleCommitsDropped.Add(1) }

// IncMutation counts a mutation by kind and outcome, e.g. ("cancel", "ok").
func IncMutation(kind, outcome string) {
	mutationsMu.Lock()
	defer mutationsMu.Unlock()
	mutations[kind+"|"+outcome]++
}

// ObserveRequestDurationMs records a registry request duration in milliseconds.
func ObserveRequestDurationMs(value float64) {
	if value < 0 {
		value = 0
	}
	requestDuration.Observe(value)
}

// Render renders metrics in Prometheus text format.
func Render() string {
	var buf bytes.Buffer
	writeCounter(&buf, "analysis_polls_total", "Total scheduled analysis re-fetches", pollsTotal.Load())
	writeCounter(&buf, "analysis_poll_stops_total", "Total subscriptions that stopped polling", pollStopsTotal.Load())
	writeCounter(&buf, "artifact_downloads_total", "Total artifact downloads", artifactDownloads.Load())
	writeCounter(&buf, "artifact_failures_total", "Total failed artifact downloads", artifactFailures.Load())
	writeCounter(&buf, "artifact_releases_total", "Total released artifact handles", artifactReleases.Load())
	writeCounter(&buf, "cache_stale_commits_dropped_total", "Read responses dropped for removed entities", staleCommitsDropped.Load())
	writeMutations(&buf)
	writeHistogram(&buf, "registry_request_duration_ms", "Registry request duration in milliseconds", requestDuration.Snapshot())
	return buf.String()
}

type histogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type histogramSnapshot struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) Observe(value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += value
	for i, bound := range h.buckets {
		if value <= bound {
			h.counts[i]++
			break
		}
	}
}

func (h *histogram) Snapshot() histogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return histogramSnapshot{
		buckets: append([]float64(nil), h.buckets...),
		counts:  append([]uint64(nil), h.counts...),
		sum:     h.sum,
		count:   h.count,
	}
}

func writeCounter(buf *bytes.Buffer, name, help string, value uint64) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s counter\n", name)
	fmt.Fprintf(buf, "%s %d\n", name, value)
}

func writeMutations(buf *bytes.Buffer) {
	mutationsMu.Lock()
	keys := make([]string, 0, len(mutations))
	for k := range mutations {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	values := make([]uint64, len(keys))
	for i, k := range keys {
		values[i] = mutations[k]
	}
	mutationsMu.Unlock()

	fmt.Fprintf(buf, "# HELP analysis_mutations_total Analysis mutations by kind and outcome\n")
	fmt.Fprintf(buf, "# TYPE analysis_mutations_total counter\n")
	for i, k := range keys {
		kind, outcome, _ := strings.Cut(k, "|")
		fmt.Fprintf(buf, "analysis_mutations_total{kind=%q,outcome=%q} %d\n", kind, outcome, values[i])
	}
}

func writeHistogram(buf *bytes.Buffer, name, help string, snap histogramSnapshot) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s histogram\n", name)
	var cumulative uint64
	for i, bound := range snap.buckets {
		cumulative += snap.counts[i]
		fmt.Fprintf(buf, "%s_bucket{le=\"%s\"} %d\n", name, formatFloat(bound), cumulative)
	}
	fmt.Fprintf(buf, "%s_bucket{le=\"+Inf\"} %d\n", name, snap.count)
	fmt.Fprintf(buf, "%s_sum %s\n", name, formatFloat(snap.sum))
	fmt.Fprintf(buf, "%s_count %d\n", name, snap.count)
}

func formatFloat(value float64) string {
	if value == float64(int64(value)) {
		return strconv.FormatInt(int64(value), 10)
	}
	return strconv.FormatFloat(value, 'f', -1, 64)
}

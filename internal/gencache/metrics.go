package gencache

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gencache_requests_total",
			Help: "Intercepted requests by category and response source",
		},
		[]string{"category", "source"},
	)

	storeErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gencache_store_errors_total",
			Help: "Store reads and writes that failed and were treated as misses",
		},
		[]string{"op"},
	)

	primingFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gencache_priming_failures_total",
			Help: "Manifest entries that failed to prime at install time",
		},
	)

	activationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gencache_activations_total",
			Help: "Completed generation activations",
		},
	)

	generationsDeletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gencache_generations_deleted_total",
			Help: "Stale generation deletions by result",
		},
		[]string{"result"},
	)
)

// statsCollector tracks served body sizes for the periodic stats log line.
type statsCollector struct {
	totalResponses atomic.Uint64
	cacheResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(src Source, respBytes int) {
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)

	s.totalResponses.Add(1)
	if src == SourceCache {
		s.cacheResponses.Add(1)
	}
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur || s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur || s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	TotalResponses uint64
	CacheResponses uint64
	MinRespBytes   uint64
	MaxRespBytes   uint64
	AvgRespBytes   uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	count := s.totalResponses.Load()
	if count == 0 {
		return statsSnapshot{}
	}
	minv := s.minRespBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	return statsSnapshot{
		TotalResponses: count,
		CacheResponses: s.cacheResponses.Load(),
		MinRespBytes:   minv,
		MaxRespBytes:   s.maxRespBytes.Load(),
		AvgRespBytes:   s.totalRespBytes.Load() / count,
	}
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case b < kb:
		return fmt.Sprintf("%db", b)
	case b < mb:
		return trimFloat(float64(b)/kb) + "kb"
	case b < gb:
		return trimFloat(float64(b)/mb) + "mb"
	}
	return trimFloat(float64(b)/gb) + "gb"
}

func trimFloat(f float64) string {
	return strings.TrimSuffix(fmt.Sprintf("%.1f", f), ".0")
}

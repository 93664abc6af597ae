package swgate

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"
)

// statsCollector counts served responses by source and tracks response sizes.
type statsCollector struct {
	hits         atomic.Uint64
	misses       atomic.Uint64
	fallbacks    atomic.Uint64
	offline      atomic.Uint64
	totalBytes   atomic.Uint64
	served       atomic.Uint64
	minRespBytes atomic.Uint64
	maxRespBytes atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(source string, respBytes int) {
	switch source {
	case SourceHit:
		s.hits.Add(1)
	case SourceMiss:
		s.misses.Add(1)
	case SourceFallback, SourcePlaceholder:
		s.fallbacks.Add(1)
	case SourceOffline:
		s.offline.Add(1)
		return
	default:
		return
	}
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)
	s.served.Add(1)
	s.totalBytes.Add(n)

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
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Fallbacks uint64 `json:"fallbacks"`
	Offline   uint64 `json:"offline"`
	MinBytes  uint64 `json:"minBytes"`
	MaxBytes  uint64 `json:"maxBytes"`
	AvgBytes  uint64 `json:"avgBytes"`
}

func (s *statsCollector) Snapshot() statsSnapshot {
	out := statsSnapshot{
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Fallbacks: s.fallbacks.Load(),
		Offline:   s.offline.Load(),
	}
	served := s.served.Load()
	if served == 0 {
		return out
	}
	out.MinBytes = s.minRespBytes.Load()
	out.MaxBytes = s.maxRespBytes.Load()
	out.AvgBytes = s.totalBytes.Load() / served
	return out
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
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/kb)) + "kb"
	case b < gb:
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/mb)) + "mb"
	}
	return trimFloat(fmt.Sprintf("%.1f", float64(b)/gb)) + "gb"
}

func trimFloat(s string) string {
	return strings.TrimSuffix(strings.TrimSpace(s), ".0")
}

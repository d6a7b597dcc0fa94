package offline

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// statsCollector tracks sizes of response bodies served to the host.
type statsCollector struct {
	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(respBytes int64) {
	if s == nil {
		return
	}
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)

	s.totalResponses.Add(1)
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
	TotalRespBytes uint64
	MinRespBytes   uint64
	MaxRespBytes   uint64
	AvgRespBytes   uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	count := s.totalResponses.Load()
	if count == 0 {
		return statsSnapshot{}
	}
	total := s.totalRespBytes.Load()
	minv := s.minRespBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	return statsSnapshot{
		TotalResponses: count,
		TotalRespBytes: total,
		MinRespBytes:   minv,
		MaxRespBytes:   s.maxRespBytes.Load(),
		AvgRespBytes:   total / count,
	}
}

// statsLoop logs one usage line per tick until stop is closed.
func statsLoop(log *logrus.Entry, store *LevelStore, stats *statsCollector, every time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			ss := stats.Snapshot()
			gens, _ := store.Generations()
			fields := logrus.Fields{
				"action":      "stats",
				"generations": len(gens),
				"entries":     store.EntryCount(),
				"ram":         formatBytes(uint64(store.RAMSize())),
				"disk":        formatBytes(uint64(store.TotalSize())),
				"served":      ss.TotalResponses,
				"resp":        fmt.Sprintf("%s/%s/%s", formatBytes(ss.MinRespBytes), formatBytes(ss.AvgRespBytes), formatBytes(ss.MaxRespBytes)),
			}
			if rss, ok := processRSSBytes(); ok {
				fields["rss"] = formatBytes(rss)
			}
			log.WithFields(fields).Info("cache usage")
		}
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
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/kb)) + "kb"
	case b < gb:
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/mb)) + "mb"
	}
	return trimFloat(fmt.Sprintf("%.1f", float64(b)/gb)) + "gb"
}

func trimFloat(s string) string {
	return strings.TrimSuffix(strings.TrimSpace(s), ".0")
}

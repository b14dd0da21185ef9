package manager

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/KaiEkkrin/pinglingle/internal/storage/types"
)

// =============================================================================
// Target Statistics
// =============================================================================

// TargetStats tracks probe outcomes for one target since startup.
//
// Counters use atomic operations; response time statistics are protected
// by a mutex.
type TargetStats struct {
	TargetID int64

	ProbesTotal   atomic.Int64
	ProbesSuccess atomic.Int64
	ProbesFailed  atomic.Int64
	ProbesTimeout atomic.Int64

	mu         sync.RWMutex
	rttSum     int64
	rttMin     int32 // -1 means not set
	rttMax     int32
	rttCount   int64
	lastSample time.Time
	lastStatus types.Status
}

// NewTargetStats creates empty statistics for a target.
func NewTargetStats(targetID int64) *TargetStats {
	return &TargetStats{TargetID: targetID, rttMin: -1}
}

// Record folds one sample into the statistics.
func (s *TargetStats) Record(sample types.Sample) {
	s.ProbesTotal.Add(1)
	if sample.Succeeded() {
		s.ProbesSuccess.Add(1)
	} else {
		s.ProbesFailed.Add(1)
		if sample.Status == types.StatusTimedOut {
			s.ProbesTimeout.Add(1)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sample.Date.After(s.lastSample) {
		s.lastSample = sample.Date
		s.lastStatus = sample.Status
	}
	if sample.ResponseTimeMillis == nil {
		return
	}
	ms := *sample.ResponseTimeMillis
	s.rttSum += int64(ms)
	s.rttCount++
	if s.rttMin < 0 || ms < s.rttMin {
		s.rttMin = ms
	}
	if ms > s.rttMax {
		s.rttMax = ms
	}
}

// Summary is a point-in-time copy of TargetStats.
type Summary struct {
	TargetID   int64
	Total      int64
	Success    int64
	Failed     int64
	Timeout    int64
	AvgMs      float64
	MinMs      int32
	MaxMs      int32
	LastSample time.Time
	LastStatus types.Status
}

// Summary returns the current statistics.
func (s *TargetStats) Summary() Summary {
	sum := Summary{
		TargetID: s.TargetID,
		Total:    s.ProbesTotal.Load(),
		Success:  s.ProbesSuccess.Load(),
		Failed:   s.ProbesFailed.Load(),
		Timeout:  s.ProbesTimeout.Load(),
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.rttCount > 0 {
		sum.AvgMs = float64(s.rttSum) / float64(s.rttCount)
		sum.MinMs = s.rttMin
	}
	sum.MaxMs = s.rttMax
	sum.LastSample = s.lastSample
	sum.LastStatus = s.lastStatus
	return sum
}

// =============================================================================
// Stats Manager
// =============================================================================

// StatsManager holds statistics for every target that has been probed.
//
// StatsManager is safe for concurrent use.
type StatsManager struct {
	mu    sync.RWMutex
	stats map[int64]*TargetStats
}

// NewStatsManager creates an empty stats manager.
func NewStatsManager() *StatsManager {
	return &StatsManager{stats: make(map[int64]*TargetStats)}
}

// Get returns statistics for a target, creating them if needed.
func (m *StatsManager) Get(targetID int64) *TargetStats {
	// Fast path: read lock
	m.mu.RLock()
	s, ok := m.stats[targetID]
	m.mu.RUnlock()
	if ok {
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.stats[targetID]; ok {
		return s
	}
	s = NewTargetStats(targetID)
	m.stats[targetID] = s
	return s
}

// Lookup returns the summary for a target if it has been probed.
func (m *StatsManager) Lookup(targetID int64) (Summary, bool) {
	m.mu.RLock()
	s, ok := m.stats[targetID]
	m.mu.RUnlock()
	if !ok {
		return Summary{}, false
	}
	return s.Summary(), true
}

// Remove drops statistics for a deleted target.
func (m *StatsManager) Remove(targetID int64) {
	m.mu.Lock()
	delete(m.stats, targetID)
	m.mu.Unlock()
}

// Count returns the number of tracked targets.
func (m *StatsManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.stats)
}

// NotifySample records sample against its target.
func (m *StatsManager) NotifySample(target types.Target, sample types.Sample) {
	m.Get(target.ID).Record(sample)
}

// Aggregate returns totals across all targets.
func (m *StatsManager) Aggregate() (total, success, failed, timeout int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.stats {
		total += s.ProbesTotal.Load()
		success += s.ProbesSuccess.Load()
		failed += s.ProbesFailed.Load()
		timeout += s.ProbesTimeout.Load()
	}
	return
}

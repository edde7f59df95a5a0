package sched

import (
	"sort"
	"sync"
	"time"
)

// stats holds a Scheduler's running counters. Mutated only by the owning
// scheduler's execution loop; reads snapshot under the lock.
type stats struct {
	mu sync.Mutex

	runCount   uint64
	errorCount uint64

	totalDuration time.Duration
	maxDuration   time.Duration

	lastRunAt       time.Time
	lastRunDuration time.Duration
	lastRunSuccess  bool

	// Bounded rolling window of duration samples used for p95 estimates.
	samples []time.Duration
	next    int
	window  int
}

func (st *stats) init(window int) {
	st.window = window
	st.samples = make([]time.Duration, 0, window)
}

func (st *stats) beginRun() uint64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.runCount++
	return st.runCount
}

func (st *stats) noteError() {
	st.mu.Lock()
	st.errorCount++
	st.mu.Unlock()
}

func (st *stats) record(dur time.Duration, success bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.lastRunAt = time.Now()
	st.lastRunDuration = dur
	st.lastRunSuccess = success
	st.totalDuration += dur
	if dur > st.maxDuration {
		st.maxDuration = dur
	}

	if len(st.samples) < st.window {
		st.samples = append(st.samples, dur)
		return
	}
	// Window full: overwrite oldest.
	st.samples[st.next] = dur
	st.next = (st.next + 1) % st.window
}

func (st *stats) counts() (runs, errs uint64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.runCount, st.errorCount
}

func (st *stats) fill(info *Info) {
	st.mu.Lock()
	defer st.mu.Unlock()
	info.LastRunAt = st.lastRunAt
	info.LastRunDuration = st.lastRunDuration
	info.LastRunSuccess = st.lastRunSuccess
	info.RunCount = st.runCount
	info.ErrorCount = st.errorCount
}

func (st *stats) summary(name string) Summary {
	st.mu.Lock()
	defer st.mu.Unlock()

	sum := Summary{
		Name:        name,
		RunCount:    st.runCount,
		ErrorCount:  st.errorCount,
		MaxDuration: st.maxDuration,
	}
	if st.runCount > 0 {
		sum.AvgDuration = st.totalDuration / time.Duration(st.runCount)
	}
	sum.P95Duration = p95Locked(st.samples)
	return sum
}

func p95Locked(samples []time.Duration) time.Duration {
	n := len(samples)
	if n == 0 {
		return 0
	}
	cp := make([]time.Duration, n)
	copy(cp, samples)
	sort.Slice(cp, func(i, j int) bool { return cp[i] < cp[j] })
	idx := (n * 95) / 100
	if idx >= n {
		idx = n - 1
	}
	return cp[idx]
}

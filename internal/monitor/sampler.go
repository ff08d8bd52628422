package monitor

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"secure-code-sandbox/internal/engine"
)

// AlertSeverity classifies a resource alert.
type AlertSeverity string

const (
	AlertWarning  AlertSeverity = "warning"
	AlertCritical AlertSeverity = "critical"
)

// Alert records a threshold crossing observed while sampling.
type Alert struct {
	Severity  AlertSeverity `json:"severity"`
	Message   string        `json:"message"`
	SampledAt time.Time     `json:"sampled_at"`
}

// Usage is a point-in-time resource snapshot for a guest process.
// Memory and CPU track the peak observed across samples, not the last
// reading, so a short spike is never lost between ticks.
type Usage struct {
	MemoryMB            float64 `json:"memory_mb"`
	CPUPercentEstimate  float64 `json:"cpu_percent_estimate"`
	ExecutionTimeMs     int64   `json:"execution_time_ms"`
	NetworkRequestCount int     `json:"network_request_count"`
	DomMutationCount    int     `json:"dom_mutation_count"`
	Alerts              []Alert `json:"alerts,omitempty"`
}

// warnFraction is the share of a hard limit at which a warning fires.
const warnFraction = 0.8

// USER_HZ on every platform we run on.
const clockTicks = 100

const defaultInterval = 100 * time.Millisecond

// Sampler polls /proc for guest process usage at a fixed interval and
// fans samples out to subscribers. One Sampler serves the whole process;
// each execution gets its own Session via Watch.
type Sampler struct {
	interval time.Duration

	mu      sync.Mutex
	subs    map[int]func(Usage)
	nextSub int
}

// NewSampler creates a Sampler. Intervals below 10ms are clamped; zero
// selects the default.
func NewSampler(interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = defaultInterval
	}
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	return &Sampler{
		interval: interval,
		subs:     make(map[int]func(Usage)),
	}
}

// Interval reports the configured sampling interval.
func (s *Sampler) Interval() time.Duration { return s.interval }

// Subscribe registers fn to receive every sample from every session.
// The returned function removes the subscription.
func (s *Sampler) Subscribe(fn func(Usage)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Sampler) publish(u Usage) {
	s.mu.Lock()
	fns := make([]func(Usage), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(u)
	}
}

// SampleOnce reads a single snapshot for pid with no history, so the
// CPU estimate is zero. Useful for health probes.
func (s *Sampler) SampleOnce(pid int) Usage {
	rssKB, _, err := readProcUsage(pid)
	if err != nil {
		return Usage{}
	}
	return Usage{MemoryMB: float64(rssKB) / 1024}
}

// Watch starts an interval sampling loop for pid that runs until ctx is
// canceled or the process disappears. onCritical, if set, is invoked
// synchronously for each critical alert before the sample is published,
// so a caller canceling the execution context sees the alert first.
func (s *Sampler) Watch(ctx context.Context, pid int, limits engine.Limits, onCritical func(Alert)) *Session {
	w := &Session{
		sampler:    s,
		pid:        pid,
		limits:     limits,
		onCritical: onCritical,
		started:    time.Now(),
		alerted:    make(map[string]bool),
		done:       make(chan struct{}),
	}
	go w.loop(ctx)
	return w
}

// Session tracks one guest process for the lifetime of its execution.
type Session struct {
	sampler    *Sampler
	pid        int
	limits     engine.Limits
	onCritical func(Alert)
	started    time.Time

	mu        sync.Mutex
	usage     Usage
	lastTicks uint64
	lastAt    time.Time
	alerted   map[string]bool

	done chan struct{}
}

func (w *Session) loop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.sampler.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !w.sample() {
				return
			}
		}
	}
}

// sample reads /proc once and folds the reading into the retained
// usage. Returns false when the process is gone.
func (w *Session) sample() bool {
	rssKB, ticks, err := readProcUsage(w.pid)
	if err != nil {
		return false
	}
	now := time.Now()

	w.mu.Lock()
	memMB := float64(rssKB) / 1024
	if memMB > w.usage.MemoryMB {
		w.usage.MemoryMB = memMB
	}
	if !w.lastAt.IsZero() {
		elapsed := now.Sub(w.lastAt).Seconds()
		if elapsed > 0 && ticks >= w.lastTicks {
			pct := float64(ticks-w.lastTicks) / clockTicks / elapsed * 100
			if pct > w.usage.CPUPercentEstimate {
				w.usage.CPUPercentEstimate = pct
			}
		}
	}
	w.lastTicks = ticks
	w.lastAt = now
	w.usage.ExecutionTimeMs = now.Sub(w.started).Milliseconds()

	w.checkThresholdsLocked(memMB, now)
	snapshot := w.snapshotLocked()
	w.mu.Unlock()

	w.sampler.publish(snapshot)
	return true
}

func (w *Session) checkThresholdsLocked(memMB float64, at time.Time) {
	memLimit := float64(w.limits.MaxMemoryMB)
	if memLimit > 0 {
		switch {
		case memMB >= memLimit:
			w.alertLocked("mem_critical", AlertCritical,
				fmt.Sprintf("memory usage %.1f MB reached limit %d MB", memMB, w.limits.MaxMemoryMB), at)
		case memMB >= memLimit*warnFraction:
			w.alertLocked("mem_warning", AlertWarning,
				fmt.Sprintf("memory usage %.1f MB above %.0f%% of %d MB limit", memMB, warnFraction*100, w.limits.MaxMemoryMB), at)
		}
	}

	wallLimit := float64(w.limits.MaxWallClockMs)
	if wallLimit > 0 {
		elapsed := float64(w.usage.ExecutionTimeMs)
		switch {
		case elapsed >= wallLimit:
			w.alertLocked("wall_critical", AlertCritical,
				fmt.Sprintf("execution time %.0f ms reached limit %d ms", elapsed, w.limits.MaxWallClockMs), at)
		case elapsed >= wallLimit*warnFraction:
			w.alertLocked("wall_warning", AlertWarning,
				fmt.Sprintf("execution time %.0f ms above %.0f%% of %d ms limit", elapsed, warnFraction*100, w.limits.MaxWallClockMs), at)
		}
	}
}

// alertLocked records an alert at most once per kind per session.
// Critical alerts reach onCritical before anyone else sees the sample.
func (w *Session) alertLocked(kind string, sev AlertSeverity, msg string, at time.Time) {
	if w.alerted[kind] {
		return
	}
	w.alerted[kind] = true

	a := Alert{Severity: sev, Message: msg, SampledAt: at}
	w.usage.Alerts = append(w.usage.Alerts, a)

	log.Warn().
		Int("pid", w.pid).
		Str("severity", string(sev)).
		Msg(msg)

	if sev == AlertCritical && w.onCritical != nil {
		w.onCritical(a)
	}
}

func (w *Session) snapshotLocked() Usage {
	u := w.usage
	u.Alerts = append([]Alert(nil), w.usage.Alerts...)
	return u
}

// Usage returns a copy of the retained usage so far.
func (w *Session) Usage() Usage {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshotLocked()
}

// Finalize waits for the sampling loop to stop, merges the guest-side
// counters reported by the engine, and returns the terminal usage.
// durationMs overrides the sampled elapsed time with the engine's
// authoritative measurement.
func (w *Session) Finalize(stats engine.GuestStats, durationMs int64) Usage {
	<-w.done

	w.mu.Lock()
	defer w.mu.Unlock()

	w.usage.NetworkRequestCount = stats.NetworkRequests
	w.usage.DomMutationCount = stats.DomMutations
	if durationMs > 0 {
		w.usage.ExecutionTimeMs = durationMs
	}

	now := time.Now()
	if w.limits.MaxNetworkRequests > 0 && stats.NetworkRequests > w.limits.MaxNetworkRequests {
		w.alertLocked("net_warning", AlertWarning,
			fmt.Sprintf("%d network attempts exceeded limit %d (all were blocked)", stats.NetworkRequests, w.limits.MaxNetworkRequests), now)
	}
	if w.limits.MaxDomMutations > 0 && stats.DomMutations > w.limits.MaxDomMutations {
		w.alertLocked("dom_warning", AlertWarning,
			fmt.Sprintf("%d DOM mutations exceeded limit %d", stats.DomMutations, w.limits.MaxDomMutations), now)
	}

	return w.snapshotLocked()
}

// readProcUsage returns resident memory in KB and cumulative CPU ticks
// (utime+stime) for pid from procfs.
func readProcUsage(pid int) (rssKB uint64, cpuTicks uint64, err error) {
	status, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return 0, 0, err
	}
	for _, line := range strings.Split(string(status), "\n") {
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) >= 2 {
			rssKB, _ = strconv.ParseUint(fields[1], 10, 64)
		}
		break
	}

	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, 0, err
	}
	// comm may contain spaces; fields are stable after the closing paren.
	raw := string(stat)
	idx := strings.LastIndexByte(raw, ')')
	if idx < 0 || idx+2 > len(raw) {
		return rssKB, 0, fmt.Errorf("malformed stat for pid %d", pid)
	}
	fields := strings.Fields(raw[idx+2:])
	// utime and stime are fields 14 and 15 of the full line; after
	// stripping pid and comm they land at offsets 11 and 12.
	if len(fields) < 13 {
		return rssKB, 0, fmt.Errorf("short stat for pid %d", pid)
	}
	ut, _ := strconv.ParseUint(fields[11], 10, 64)
	st, _ := strconv.ParseUint(fields[12], 10, 64)
	return rssKB, ut + st, nil
}

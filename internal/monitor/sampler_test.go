package monitor

import (
	"context"
	"os"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"secure-code-sandbox/internal/engine"
)

func requireProcfs(t *testing.T) {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("procfs sampling requires linux")
	}
	if _, err := os.Stat("/proc/self/status"); err != nil {
		t.Skip("procfs not mounted")
	}
}

func TestSampleOnce(t *testing.T) {
	requireProcfs(t)

	s := NewSampler(0)
	u := s.SampleOnce(os.Getpid())
	if u.MemoryMB <= 0 {
		t.Errorf("MemoryMB = %f, want > 0 for a live process", u.MemoryMB)
	}

	if got := s.SampleOnce(-1); got.MemoryMB != 0 {
		t.Errorf("SampleOnce(-1) = %+v, want zero usage", got)
	}
}

func TestNewSampler_IntervalClamping(t *testing.T) {
	if got := NewSampler(0).Interval(); got != defaultInterval {
		t.Errorf("zero interval = %v, want default", got)
	}
	if got := NewSampler(time.Millisecond).Interval(); got != 10*time.Millisecond {
		t.Errorf("tiny interval = %v, want clamped to 10ms", got)
	}
	if got := NewSampler(time.Second).Interval(); got != time.Second {
		t.Errorf("interval = %v, want 1s", got)
	}
}

func TestWatch_SamplesAndSubscribers(t *testing.T) {
	requireProcfs(t)

	s := NewSampler(15 * time.Millisecond)

	var samples atomic.Int32
	unsub := s.Subscribe(func(Usage) { samples.Add(1) })
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	w := s.Watch(ctx, os.Getpid(), engine.DefaultLimits(), nil)

	time.Sleep(80 * time.Millisecond)
	cancel()

	u := w.Finalize(engine.GuestStats{}, 0)
	if samples.Load() == 0 {
		t.Error("subscriber never received a sample")
	}
	if u.MemoryMB <= 0 {
		t.Errorf("peak MemoryMB = %f, want > 0", u.MemoryMB)
	}
	if u.ExecutionTimeMs <= 0 {
		t.Errorf("ExecutionTimeMs = %d, want > 0", u.ExecutionTimeMs)
	}

	unsub()
	after := samples.Load()
	time.Sleep(30 * time.Millisecond)
	if samples.Load() != after {
		t.Error("unsubscribed function still receiving samples")
	}
}

func TestWatch_DeadProcessStopsLoop(t *testing.T) {
	requireProcfs(t)

	s := NewSampler(10 * time.Millisecond)
	w := s.Watch(context.Background(), 1<<22+7, engine.DefaultLimits(), nil)

	done := make(chan Usage, 1)
	go func() { done <- w.Finalize(engine.GuestStats{}, 0) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sampling loop did not stop for a nonexistent pid")
	}
}

func TestSession_CriticalAlertBeforePublish(t *testing.T) {
	requireProcfs(t)

	// Pin enough touched memory that our resident size is comfortably
	// measurable, then set the limit below it so the first sample is a
	// guaranteed memory-critical.
	ballast := make([]byte, 32<<20)
	for i := 0; i < len(ballast); i += 4096 {
		ballast[i] = 1
	}
	rssKB, _, err := readProcUsage(os.Getpid())
	if err != nil {
		t.Fatalf("readProcUsage = %v", err)
	}
	limits := engine.DefaultLimits()
	limits.MaxMemoryMB = int64(rssKB/1024) / 2
	if limits.MaxMemoryMB < 1 {
		limits.MaxMemoryMB = 1
	}

	s := NewSampler(10 * time.Millisecond)

	var criticalAt atomic.Int32
	var published atomic.Int32
	unsub := s.Subscribe(func(u Usage) {
		published.Add(1)
		if len(u.Alerts) > 0 && criticalAt.Load() == 0 {
			t.Error("sample published before onCritical ran")
		}
	})
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := s.Watch(ctx, os.Getpid(), limits, func(a Alert) {
		criticalAt.Add(1)
		if a.Severity != AlertCritical {
			t.Errorf("Severity = %s, want critical", a.Severity)
		}
		if !strings.Contains(a.Message, "memory") {
			t.Errorf("Message = %q, want memory alert", a.Message)
		}
	})

	time.Sleep(60 * time.Millisecond)
	cancel()
	u := w.Finalize(engine.GuestStats{}, 0)
	runtime.KeepAlive(ballast)

	if criticalAt.Load() != 1 {
		t.Errorf("onCritical ran %d times, want exactly 1", criticalAt.Load())
	}
	found := false
	for _, a := range u.Alerts {
		if a.Severity == AlertCritical {
			found = true
		}
	}
	if !found {
		t.Error("critical alert missing from retained usage")
	}
}

func TestFinalize_MergesGuestCounters(t *testing.T) {
	requireProcfs(t)

	limits := engine.DefaultLimits()
	limits.MaxNetworkRequests = 2
	limits.MaxDomMutations = 1

	s := NewSampler(10 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	w := s.Watch(ctx, os.Getpid(), limits, nil)

	time.Sleep(25 * time.Millisecond)
	cancel()

	u := w.Finalize(engine.GuestStats{NetworkRequests: 5, DomMutations: 3}, 1234)
	if u.NetworkRequestCount != 5 {
		t.Errorf("NetworkRequestCount = %d, want 5", u.NetworkRequestCount)
	}
	if u.DomMutationCount != 3 {
		t.Errorf("DomMutationCount = %d, want 3", u.DomMutationCount)
	}
	if u.ExecutionTimeMs != 1234 {
		t.Errorf("ExecutionTimeMs = %d, want engine-reported 1234", u.ExecutionTimeMs)
	}

	var netWarn, domWarn bool
	for _, a := range u.Alerts {
		if a.Severity != AlertWarning {
			continue
		}
		if strings.Contains(a.Message, "network") {
			netWarn = true
		}
		if strings.Contains(a.Message, "DOM") {
			domWarn = true
		}
	}
	if !netWarn {
		t.Error("missing network warning for exceeded attempt count")
	}
	if !domWarn {
		t.Error("missing DOM warning for exceeded mutation count")
	}
}

func TestReadProcUsage(t *testing.T) {
	requireProcfs(t)

	rssKB, ticks, err := readProcUsage(os.Getpid())
	if err != nil {
		t.Fatalf("readProcUsage = %v", err)
	}
	if rssKB == 0 {
		t.Error("rssKB = 0, want > 0")
	}
	_ = ticks // cumulative, may legitimately be 0 early in process life

	if _, _, err := readProcUsage(1 << 30); err == nil {
		t.Error("want error for nonexistent pid")
	}
}

func TestMetrics_Registration(t *testing.T) {
	m := NewMetrics()

	m.RecordExecution("python", "success", 0.25)
	m.RecordError("timeout")
	m.RecordValidation("javascript", "blocked", 55)
	m.RecordAlert("critical")
	m.RecordCache("hit")
	m.CodeSizeBytes.Observe(512)
	m.OutputSizeBytes.Observe(64)

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather = %v", err)
	}
	want := map[string]bool{
		"sandbox_executions_total":           false,
		"sandbox_validations_total":          false,
		"sandbox_validation_risk_score":      false,
		"sandbox_resource_alerts_total":      false,
		"sandbox_result_cache_requests_total": false,
	}
	for _, f := range families {
		if _, ok := want[f.GetName()]; ok {
			want[f.GetName()] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("metric %s not gathered", name)
		}
	}
}

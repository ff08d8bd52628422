package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// base carries the shared subprocess mechanics for all engines: lazy
// interpreter discovery, workdir setup, the wall-clock watchdog, output
// capping and fault normalization.
type base struct {
	name     string
	ext      string
	binNames []string // interpreter candidates, first match wins
	baseArgs []string // hardening flags placed before the code path
	init     lazyInit
	binPath  string
	binMu    sync.Mutex
}

func (b *base) Name() string { return b.name }

func (b *base) Ready() bool { return b.init.ready() }

func (b *base) Status() Status {
	b.binMu.Lock()
	defer b.binMu.Unlock()
	return Status{Name: b.name, Ready: b.init.ready(), Interpreter: b.binPath}
}

// discover locates the interpreter binary. Runs once, asynchronously, on
// first Execute.
func (b *base) discover() error {
	for _, name := range b.binNames {
		path, err := exec.LookPath(name)
		if err == nil {
			b.binMu.Lock()
			b.binPath = path
			b.binMu.Unlock()
			log.Info().Str("engine", b.name).Str("interpreter", path).Msg("engine initialized")
			return nil
		}
	}
	return fmt.Errorf("%w: none of %v found in PATH", ErrNotAvailable, b.binNames)
}

// extraArgs lets an engine derive per-request interpreter flags from the
// limits (e.g. heap ceilings).
type wrapFunc func(req Request, telemetryPath string) (wrapped string, extraArgs []string, err error)

func (b *base) run(ctx context.Context, req Request, wrap wrapFunc) (*Result, error) {
	execID := uuid.New().String()

	b.init.start(b.discover)
	if err := b.init.wait(ctx); err != nil {
		return nil, &ExecError{ExecID: execID, Op: "init", Err: err}
	}

	if err := req.Limits.Validate(); err != nil {
		return nil, &ExecError{ExecID: execID, Op: "validate_limits", Err: err}
	}

	workdir, err := os.MkdirTemp("", "sandbox-"+b.name+"-*")
	if err != nil {
		return nil, &ExecError{ExecID: execID, Op: "create_workdir", Err: err}
	}
	defer os.RemoveAll(workdir)

	telemetryPath := filepath.Join(workdir, "telemetry.json")
	wrapped, extraArgs, err := wrap(req, telemetryPath)
	if err != nil {
		return nil, &ExecError{ExecID: execID, Op: "wrap_code", Err: err}
	}

	codePath := filepath.Join(workdir, "main"+b.ext)
	if err := os.WriteFile(codePath, []byte(wrapped), 0o600); err != nil {
		return nil, &ExecError{ExecID: execID, Op: "write_code", Err: err}
	}

	execCtx, cancel := context.WithTimeout(ctx, req.Limits.WallClock())
	defer cancel()

	args := append(append([]string{}, b.baseArgs...), extraArgs...)
	args = append(args, codePath)

	b.binMu.Lock()
	bin := b.binPath
	b.binMu.Unlock()

	cmd := exec.CommandContext(execCtx, bin, args...)
	cmd.Dir = workdir
	cmd.Env = []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + workdir,
		"LANG=C.UTF-8",
		"SANDBOX=true",
	}
	// If the guest ignores SIGKILL'd pipes, don't let Wait hang past the
	// watchdog.
	cmd.WaitDelay = 2 * time.Second

	stdout := newCappedBuffer(req.Limits.MaxOutputBytes)
	stderr := newCappedBuffer(req.Limits.MaxOutputBytes / 4)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	logger := log.With().
		Str("exec_id", execID).
		Str("engine", b.name).
		Logger()

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &ExecError{ExecID: execID, Op: "start", Err: err}
	}
	if req.OnStart != nil {
		req.OnStart(cmd.Process.Pid)
	}

	waitErr := cmd.Wait()
	duration := time.Since(start)

	res := &Result{
		Output:     stdout.String(),
		Stderr:     stderr.String(),
		ExitCode:   cmd.ProcessState.ExitCode(),
		DurationMs: duration.Milliseconds(),
		Truncated:  stdout.Truncated() || stderr.Truncated(),
		Stats:      b.readTelemetry(telemetryPath, req.FilterPrefixes),
	}

	if execCtx.Err() == context.DeadlineExceeded {
		logger.Warn().Dur("duration", duration).Msg("execution timed out, guest killed")
		res.Error = msgTimeout
		return res, ErrTimeout
	}
	if ctx.Err() != nil {
		// Aborted from outside (critical resource alert or caller cancel).
		res.Error = msgTimeout
		return res, context.Cause(ctx)
	}

	if fault, sentinel := classifyFault(res.Stderr, waitErr); sentinel != nil {
		logger.Warn().Str("fault", fault).Msg("resource fault")
		res.Error = fault
		return res, sentinel
	}

	if waitErr != nil || res.ExitCode != 0 {
		// Guest runtime fault: normalize, never propagate.
		res.Error = lastLine(res.Stderr)
		if res.Error == "" {
			res.Error = fmt.Sprintf("guest exited with code %d", res.ExitCode)
		}
		logger.Info().Int("exit_code", res.ExitCode).Msg("guest fault normalized")
		return res, nil
	}

	res.Success = true
	logger.Info().
		Dur("duration", duration).
		Int("output_bytes", len(res.Output)).
		Msg("execution completed")
	return res, nil
}

// classifyFault maps interpreter crash signatures to resource sentinels.
func classifyFault(stderr string, waitErr error) (string, error) {
	if strings.Contains(stderr, "RecursionError") ||
		strings.Contains(stderr, "maximum recursion depth") ||
		strings.Contains(stderr, "Maximum call stack size exceeded") {
		return msgRecursion, ErrRecursionLimit
	}
	if strings.Contains(stderr, "MemoryError") ||
		strings.Contains(stderr, "heap out of memory") ||
		strings.Contains(stderr, "Allocation failed") {
		return msgMemory, ErrMemoryLimit
	}
	// RLIMIT_CPU delivers SIGXCPU/SIGKILL with no stderr trace.
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) && exitErr.ExitCode() == -1 {
		s := waitErr.Error()
		if strings.Contains(s, "killed") || strings.Contains(s, "CPU time limit") {
			return msgCPU, ErrCPULimit
		}
	}
	return "", nil
}

// readTelemetry parses the guest's sidecar JSON and filters the reported
// global bindings.
func (b *base) readTelemetry(path string, filterPrefixes []string) GuestStats {
	var stats GuestStats
	data, err := os.ReadFile(path)
	if err != nil {
		return stats
	}
	if err := json.Unmarshal(data, &stats); err != nil {
		log.Debug().Err(err).Str("engine", b.name).Msg("unparseable guest telemetry")
		return GuestStats{}
	}
	stats.Globals = filterGlobals(stats.Globals, filterPrefixes)
	return stats
}

// filterGlobals drops internal names and converts composite values to their
// string form; primitives pass through.
func filterGlobals(globals map[string]any, extraPrefixes []string) map[string]any {
	if len(globals) == 0 {
		return nil
	}
	out := make(map[string]any, len(globals))
next:
	for name, value := range globals {
		if strings.HasPrefix(name, "_") {
			continue
		}
		for _, p := range extraPrefixes {
			if p != "" && strings.HasPrefix(name, p) {
				continue next
			}
		}
		switch value.(type) {
		case nil, bool, float64, string:
			out[name] = value
		default:
			out[name] = fmt.Sprintf("%v", value)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if t := strings.TrimSpace(lines[i]); t != "" {
			return t
		}
	}
	return ""
}

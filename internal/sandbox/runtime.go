// Package sandbox runs short model-authored scripts in an isolated goja
// interpreter with metered re-entry into host tool functions.
//
// The interpreter sees a console surface, one async function per host tool,
// and the __result__ / __executionError__ sentinels. It sees nothing else:
// no network, filesystem, environment, or dynamic code loading.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
)

// Limits applied before and during a run.
const (
	MaxScriptLength     = 100_000
	DefaultTimeout      = 30 * time.Second
	DefaultMaxReentries = 10
	reentryWarnFraction = 0.8
)

// HostFunc is a host tool function callable from inside the script.
// Arguments arrive as decoded JSON values.
type HostFunc func(ctx context.Context, args []any) (any, error)

// Options bounds one run.
type Options struct {
	Timeout      time.Duration
	MaxReentries int
}

// LogEntry is one captured console call.
type LogEntry struct {
	Level     string `json:"level"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp_ms"`
}

// Result holds the outcome of a run. On failure the error return carries the
// cause while Result still holds partial logs, duration, and the re-entry
// count reached.
type Result struct {
	Value     any
	Logs      []LogEntry
	Duration  time.Duration
	Reentries int
}

// Runtime evaluates scripts. A Runtime is stateless; each Run builds a fresh
// interpreter.
type Runtime struct {
	logger *slog.Logger
}

// NewRuntime creates a sandbox runtime.
func NewRuntime(logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{logger: logger.With("component", "sandbox")}
}

var hostFuncNamePattern = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

// pendingCall is one queued host invocation awaiting execution. The script
// side hands arguments over as their JSON dump.
type pendingCall struct {
	id       int64
	name     string
	argsJSON string
}

// outcome is the host-side result of one pending call, JSON-encoded for
// injection-safe delivery back into the interpreter.
type outcome struct {
	id          int64
	payloadJSON string
	isError     bool
}

// prologue installs the console surface, the host-call queue, and the
// promise settlement path. Values crossing host->script travel as JSON text
// parsed inside the interpreter; nothing is spliced into source code.
const prologue = `
var __result__ = undefined;
var __executionError__ = undefined;
(function() {
	var nextID = 1;
	var settlers = {};
	globalThis.__register = function(name) {
		globalThis[name] = function() {
			var args = Array.prototype.slice.call(arguments);
			var id = nextID++;
			return new Promise(function(resolve, reject) {
				settlers[id] = { resolve: resolve, reject: reject };
				__enqueue(id, name, JSON.stringify(args));
			});
		};
	};
	globalThis.__settle = function(id, payload, isError) {
		var s = settlers[id];
		if (!s) { return; }
		delete settlers[id];
		var value = (payload === null || payload === undefined) ? undefined : JSON.parse(payload);
		if (isError) {
			s.reject(new Error(value));
		} else {
			s.resolve(value);
		}
	};
	function render(args) {
		var parts = [];
		for (var i = 0; i < args.length; i++) {
			var a = args[i];
			if (typeof a === "string") {
				parts.push(a);
			} else {
				try { parts.push(JSON.stringify(a)); } catch (e) { parts.push(String(a)); }
			}
		}
		return parts.join(" ");
	}
	function level(name) {
		return function() { __emitLog(name, render(Array.prototype.slice.call(arguments))); };
	}
	globalThis.console = {
		log: level("log"),
		info: level("info"),
		warn: level("warn"),
		error: level("error")
	};
})();
`

// Run evaluates the script with the given host functions and limits.
func (r *Runtime) Run(ctx context.Context, script string, hostFuncs map[string]HostFunc, opts Options) (*Result, error) {
	if strings.TrimSpace(script) == "" {
		return &Result{}, ErrEmptyScript
	}
	if len(script) > MaxScriptLength {
		return &Result{}, ErrScriptTooLarge
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxReentries <= 0 {
		opts.MaxReentries = DefaultMaxReentries
	}

	run := &scriptRun{
		runtime: r,
		vm:      goja.New(),
		hostFns: hostFuncs,
		opts:    opts,
		start:   time.Now(),
	}
	return run.execute(ctx, script)
}

type scriptRun struct {
	runtime *Runtime
	vm      *goja.Runtime
	hostFns map[string]HostFunc
	opts    Options
	start   time.Time

	pending   []pendingCall
	logs      []LogEntry
	reentries int
	warned    bool
}

func (s *scriptRun) result(value any) *Result {
	return &Result{
		Value:     value,
		Logs:      s.logs,
		Duration:  time.Since(s.start),
		Reentries: s.reentries,
	}
}

func (s *scriptRun) execute(ctx context.Context, script string) (*Result, error) {
	// Wall-clock interrupt. goja polls the flag at a bounded instruction
	// cadence, so overshoot stays small without per-step overhead.
	timeoutErr := &TimeoutError{Timeout: s.opts.Timeout}
	watchdog := time.AfterFunc(s.opts.Timeout, func() {
		s.vm.Interrupt(timeoutErr)
	})
	defer watchdog.Stop()
	defer s.vm.ClearInterrupt()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.vm.Interrupt(ctx.Err())
		case <-stop:
		}
	}()

	s.vm.Set("__enqueue", func(id int64, name, argsJSON string) {
		s.pending = append(s.pending, pendingCall{id: id, name: name, argsJSON: argsJSON})
	})
	s.vm.Set("__emitLog", func(level, message string) {
		s.logs = append(s.logs, LogEntry{Level: level, Message: message, Timestamp: time.Now().UnixMilli()})
	})

	if _, err := s.vm.RunString(prologue); err != nil {
		return s.result(nil), &ExecutionError{Message: fmt.Sprintf("sandbox init: %v", err)}
	}

	register, _ := goja.AssertFunction(s.vm.Get("__register"))
	for name := range s.hostFns {
		if !hostFuncNamePattern.MatchString(name) || strings.HasPrefix(name, "__") || name == "console" {
			s.runtime.logger.Warn("skipping host function with unsafe name", "name", name)
			continue
		}
		if _, err := register(goja.Undefined(), s.vm.ToValue(name)); err != nil {
			return s.result(nil), &ExecutionError{Message: fmt.Sprintf("register %s: %v", name, err)}
		}
	}

	// The async wrapper routes any unhandled rejection into the
	// __executionError__ sentinel.
	wrapped := "(async () => {\n" + script + "\n})().catch(function(e) {" +
		" __executionError__ = (e && e.message !== undefined) ? String(e.message) : String(e); });"

	if _, err := s.vm.RunString(wrapped); err != nil {
		return s.result(nil), s.classify(err, timeoutErr)
	}

	// Drive the scheduler: drain queued host calls in batches, run each
	// batch in parallel, settle the promises, and let the interpreter run
	// its continuations until nothing is outstanding.
	settle, _ := goja.AssertFunction(s.vm.Get("__settle"))
	for len(s.pending) > 0 {
		batch := s.pending
		s.pending = nil

		if s.reentries+len(batch) > s.opts.MaxReentries {
			return s.result(nil), &CallLimitError{Made: s.reentries, Limit: s.opts.MaxReentries}
		}

		outcomes := s.runBatch(ctx, batch)
		s.maybeWarnReentries()

		for _, oc := range outcomes {
			var payload goja.Value = goja.Null()
			if oc.payloadJSON != "" {
				payload = s.vm.ToValue(oc.payloadJSON)
			}
			if _, err := settle(goja.Undefined(), s.vm.ToValue(oc.id), payload, s.vm.ToValue(oc.isError)); err != nil {
				return s.result(nil), s.classify(err, timeoutErr)
			}
		}
	}

	if v := s.vm.Get("__executionError__"); v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
		return s.result(nil), &ExecutionError{Message: v.String()}
	}

	var value any
	if v := s.vm.Get("__result__"); v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
		value = v.Export()
	}
	return s.result(value), nil
}

// runBatch executes one drained batch of host calls in parallel. Outcomes
// come back in batch order; each call counts against the re-entry cap.
func (s *scriptRun) runBatch(ctx context.Context, batch []pendingCall) []outcome {
	outcomes := make([]outcome, len(batch))
	var wg sync.WaitGroup
	for i, call := range batch {
		s.reentries++
		wg.Add(1)
		go func(idx int, pc pendingCall) {
			defer wg.Done()
			outcomes[idx] = s.invokeHost(ctx, pc)
		}(i, call)
	}
	wg.Wait()
	return outcomes
}

func (s *scriptRun) invokeHost(ctx context.Context, pc pendingCall) outcome {
	fail := func(msg string) outcome {
		encoded, _ := json.Marshal(msg)
		return outcome{id: pc.id, payloadJSON: string(encoded), isError: true}
	}

	fn, ok := s.hostFns[pc.name]
	if !ok {
		return fail(fmt.Sprintf("unknown host function %q", pc.name))
	}
	var args []any
	if pc.argsJSON != "" {
		if err := json.Unmarshal([]byte(pc.argsJSON), &args); err != nil {
			return fail(fmt.Sprintf("decode arguments: %v", err))
		}
	}

	value, err := fn(ctx, args)
	if err != nil {
		return fail(err.Error())
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return fail(fmt.Sprintf("encode result: %v", err))
	}
	return outcome{id: pc.id, payloadJSON: string(encoded)}
}

func (s *scriptRun) maybeWarnReentries() {
	if s.warned {
		return
	}
	if float64(s.reentries) >= reentryWarnFraction*float64(s.opts.MaxReentries) {
		s.warned = true
		s.runtime.logger.Warn("approaching tool call limit",
			"calls_made", s.reentries,
			"remaining", s.opts.MaxReentries-s.reentries)
	}
}

// classify maps an interpreter error to the sandbox taxonomy.
func (s *scriptRun) classify(err error, timeoutErr *TimeoutError) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if te, ok := interrupted.Value().(*TimeoutError); ok {
			return te
		}
		if cause, ok := interrupted.Value().(error); ok {
			return cause
		}
		return timeoutErr
	}
	var exception *goja.Exception
	if errors.As(err, &exception) {
		return &ExecutionError{Message: exception.Value().String()}
	}
	return &ExecutionError{Message: err.Error()}
}

// Package evaluator runs submitted code in a replaceable worker goroutine.
// Each worker owns one goja runtime for its whole life, so bindings and the
// last-result variable `_` survive between evaluations and are lost on
// respawn. The coordinator supervises the worker through its termination
// channel.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"

	"github.com/doma-engineering/goo-1.14/internal/arbiter"
	"github.com/doma-engineering/goo-1.14/internal/console"
)

// Status reports how an evaluation ended.
type Status int

const (
	StatusSuccess Status = iota
	StatusFailure
)

// Evaluated answers one eval request, delivered to the requesting mailbox.
type Evaluated struct {
	WorkerID string
	Status   Status
}

// RespawnRequest asks the coordinator to replace the worker and bump the
// expression counter. Posted by the respawn() builtin.
type RespawnRequest struct {
	WorkerID string
}

// Reason discriminates worker terminations.
type Reason int

const (
	ReasonNormal Reason = iota
	ReasonAbnormal
)

// Termination is emitted exactly once when the worker goroutine ends.
type Termination struct {
	WorkerID string
	Reason   Reason
	Err      error
}

type request struct {
	from    chan<- any
	code    string
	counter int
}

// Worker is the handle to one evaluator goroutine.
type Worker struct {
	id        string
	cons      *console.Console
	arb       *arbiter.Arbiter
	sessionID string
	opts      Options

	vm       *goja.Runtime
	requests chan request
	quit     chan struct{}
	quitOnce sync.Once
	done     chan Termination
	exited   chan struct{}
	demon    atomic.Bool

	// ctx ends with the worker so a blocked pry() cannot outlive it.
	ctx    context.Context
	cancel context.CancelFunc

	counter      int
	respawnAsked bool
}

// Start spawns a worker. The console is the session's I/O owner; counter
// seeds the worker's numbering so it matches the session's. The arbiter and
// session ID let evaluated code raise a takeover via the pry() builtin.
func Start(counter int, cons *console.Console, sessionID string, arb *arbiter.Arbiter, opts Options) *Worker {
	w := &Worker{
		id:        uuid.New().String(),
		cons:      cons,
		arb:       arb,
		sessionID: sessionID,
		opts:      opts,
		vm:        goja.New(),
		requests:  make(chan request, 1),
		quit:      make(chan struct{}),
		done:      make(chan Termination, 1),
		exited:    make(chan struct{}),
		counter:   counter,
	}
	w.ctx, w.cancel = context.WithCancel(context.Background())
	go w.loop()
	return w
}

// ID returns the worker identity.
func (w *Worker) ID() string { return w.id }

// Done delivers the worker's termination notification.
func (w *Worker) Done() <-chan Termination { return w.done }

// Exited is closed once the worker goroutine has fully stopped.
func (w *Worker) Exited() <-chan struct{} { return w.exited }

// Demonitor marks the supervision registration as removed; the forwarder
// watching Done should drop the notification.
func (w *Worker) Demonitor() { w.demon.Store(true) }

// Monitored reports whether termination should still be forwarded.
func (w *Worker) Monitored() bool { return !w.demon.Load() }

// Eval submits one chunk. The reply arrives in from as Evaluated, possibly
// followed by a RespawnRequest if the code asked for one.
func (w *Worker) Eval(from chan<- any, code string, counter int) {
	w.requests <- request{from: from, code: code, counter: counter}
}

// Stop requests graceful termination after any in-flight evaluation.
func (w *Worker) Stop() {
	w.quitOnce.Do(func() {
		w.cancel()
		close(w.quit)
	})
}

// Kill aborts the in-flight evaluation and terminates the worker.
func (w *Worker) Kill() {
	w.vm.Interrupt("killed")
	w.Stop()
}

func (w *Worker) loop() {
	defer close(w.exited)
	defer w.cancel()
	defer func() {
		if r := recover(); r != nil {
			err, ok := r.(error)
			if !ok {
				err = fmt.Errorf("%v", r)
			}
			w.done <- Termination{WorkerID: w.id, Reason: ReasonAbnormal, Err: err}
		}
	}()

	if err := w.setup(); err != nil {
		w.done <- Termination{WorkerID: w.id, Reason: ReasonAbnormal, Err: err}
		return
	}

	for {
		select {
		case req := <-w.requests:
			w.counter = req.counter
			w.respawnAsked = false
			status := w.run(req.code)
			req.from <- Evaluated{WorkerID: w.id, Status: status}
			if w.respawnAsked {
				req.from <- RespawnRequest{WorkerID: w.id}
			}
		case <-w.quit:
			w.done <- Termination{WorkerID: w.id, Reason: ReasonNormal}
			return
		}
	}
}

func (w *Worker) run(code string) Status {
	w.vm.ClearInterrupt()

	if w.opts.TimeoutSeconds > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(w.opts.TimeoutSeconds)*time.Second)
		defer cancel()
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-ctx.Done():
				w.vm.Interrupt("execution timeout")
			case <-stop:
			}
		}()
	}

	val, err := w.vm.RunString(code)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			w.cons.PrintError(fmt.Sprintf("execution interrupted: %v", interrupted.Value()))
		} else {
			w.cons.PrintError(err.Error())
		}
		return StatusFailure
	}

	if val != nil && !goja.IsUndefined(val) && !goja.IsNull(val) {
		w.vm.Set("_", val)
		w.cons.PrintResult(w.formatValue(val))
	}
	return StatusSuccess
}

// setup installs the builtins and configured globals, then runs the init
// script if one was given. Script errors are reported, not fatal.
func (w *Worker) setup() error {
	printFunc := func(call goja.FunctionCall) goja.Value {
		args := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			args[i] = arg.String()
		}
		fmt.Fprintln(w.cons, strings.Join(args, " "))
		return goja.Undefined()
	}
	if err := w.vm.Set("print", printFunc); err != nil {
		return fmt.Errorf("failed to set print: %w", err)
	}
	consoleObj := w.vm.NewObject()
	if err := consoleObj.Set("log", printFunc); err != nil {
		return fmt.Errorf("failed to set console.log: %w", err)
	}
	if err := w.vm.Set("console", consoleObj); err != nil {
		return fmt.Errorf("failed to set console: %w", err)
	}

	if err := w.vm.Set("_", goja.Undefined()); err != nil {
		return fmt.Errorf("failed to set last result: %w", err)
	}

	respawnFunc := func(call goja.FunctionCall) goja.Value {
		w.respawnAsked = true
		return goja.Undefined()
	}
	if err := w.vm.Set("respawn", respawnFunc); err != nil {
		return fmt.Errorf("failed to set respawn: %w", err)
	}

	crashFunc := func(call goja.FunctionCall) goja.Value {
		msg := "crash() called"
		if len(call.Arguments) > 0 {
			msg = call.Arguments[0].String()
		}
		panic(errors.New(msg))
	}
	if err := w.vm.Set("crash", crashFunc); err != nil {
		return fmt.Errorf("failed to set crash: %w", err)
	}

	if err := w.vm.Set("pry", w.pry); err != nil {
		return fmt.Errorf("failed to set pry: %w", err)
	}

	for name, value := range w.opts.Globals {
		if err := w.vm.Set(name, value); err != nil {
			return fmt.Errorf("failed to set global %s: %w", name, err)
		}
	}

	if w.opts.ScriptPath != "" {
		data, err := os.ReadFile(w.opts.ScriptPath)
		if err != nil {
			w.cons.PrintError(fmt.Sprintf("init script: %v", err))
		} else if _, err := w.vm.RunString(string(data)); err != nil {
			w.cons.PrintError(fmt.Sprintf("init script: %v", err))
		}
	}
	return nil
}

// pry asks the arbiter for control of the owning session, naming this
// worker as the target. It blocks the evaluation until the operator answers
// the confirmation prompt.
func (w *Worker) pry(call goja.FunctionCall) goja.Value {
	if w.arb == nil || w.sessionID == "" {
		return w.vm.ToValue(false)
	}
	location := "pry"
	if len(call.Arguments) > 0 {
		location = call.Arguments[0].String()
	}
	granted, _, err := w.arb.RequestTakeover(w.ctx, w.sessionID, arbiter.Takeover{
		RequesterID: w.id,
		Ref:         uuid.New(),
		Location:    location,
		Context:     fmt.Sprintf("expression %d", w.counter),
		Opts:        arbiter.Options{TargetWorker: w.id, Counter: w.counter},
	})
	return w.vm.ToValue(err == nil && granted)
}

// formatValue renders an evaluated value for echoing, truncating oversized
// output.
func (w *Worker) formatValue(val goja.Value) string {
	var s string
	switch v := val.Export().(type) {
	case string:
		s = fmt.Sprintf("%q", v)
	case []any:
		items := make([]string, len(v))
		for i, item := range v {
			items[i] = fmt.Sprintf("%v", item)
		}
		s = "[" + strings.Join(items, ", ") + "]"
	default:
		s = fmt.Sprintf("%v", v)
	}
	if w.opts.MaxOutputChars > 0 && len(s) > w.opts.MaxOutputChars {
		s = s[:w.opts.MaxOutputChars] + fmt.Sprintf("... (truncated, total %d chars)", len(s))
	}
	return s
}

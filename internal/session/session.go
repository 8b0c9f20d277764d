// Package session implements the coordinator that owns one interactive
// shell session: it drives the console with tagged read requests, folds
// input through the parser continuation, dispatches complete forms to the
// evaluator worker, and arbitrates takeover, interrupt and crash events
// without losing session continuity.
package session

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/doma-engineering/goo-1.14/internal/arbiter"
	"github.com/doma-engineering/goo-1.14/internal/console"
	"github.com/doma-engineering/goo-1.14/internal/evaluator"
	"github.com/doma-engineering/goo-1.14/internal/parse"
)

// EOFPolicy decides what end of input does.
type EOFPolicy int

const (
	// EOFStop ends the session and returns from Run.
	EOFStop EOFPolicy = iota
	// EOFHalt terminates the whole process with status 0.
	EOFHalt
)

// Options configure a session at start.
type Options struct {
	// Prefix labels the prompt (default: "session")
	Prefix string

	// OnEOF is the end-of-input policy (default: EOFStop)
	OnEOF EOFPolicy

	// WorkerOptions is the immutable template every spawned worker gets
	WorkerOptions evaluator.Options

	// CompletionHook is handed to the console for interactive completion
	CompletionHook console.CompleteFunc
}

// Internal control messages.
type interruptMsg struct{}
type respawnMsg struct{}

// Server coordinates one session. All state below is owned by the Run
// goroutine; other goroutines talk to it through the mailbox only.
type Server struct {
	id   string
	opts Options
	cons *console.Console
	arb  *arbiter.Arbiter

	mailbox chan any

	counter int
	buffer  parse.Buffer
	worker  *evaluator.Worker

	// exit implements the HaltProcess policy; overridable in tests.
	exit func(code int)
}

// New creates a session coordinator. Zero-valued worker options fall back
// to the evaluator defaults.
func New(cons *console.Console, arb *arbiter.Arbiter, opts Options) *Server {
	if opts.Prefix == "" {
		opts.Prefix = "session"
	}
	opts.WorkerOptions = evaluator.DefaultOptions().Merge(opts.WorkerOptions)
	if opts.CompletionHook != nil {
		cons.SetCompletion(opts.CompletionHook)
	}
	return &Server{
		id:      uuid.New().String(),
		opts:    opts,
		cons:    cons,
		arb:     arb,
		mailbox: make(chan any, 64),
		counter: 1,
		exit:    os.Exit,
	}
}

// ID returns the session identity used for arbiter registration.
func (s *Server) ID() string { return s.id }

// Interrupt cancels the in-flight evaluation, replaces the worker and keeps
// the counter. Safe to call from any goroutine (typically a SIGINT handler).
func (s *Server) Interrupt() {
	select {
	case s.mailbox <- interruptMsg{}:
	default:
	}
}

// Respawn replaces the worker and bumps the counter (engineering hook).
func (s *Server) Respawn() {
	select {
	case s.mailbox <- respawnMsg{}:
	default:
	}
}

// ctl is the resume action the shared control dispatcher hands back to
// whichever wait state observed the event.
type ctl int

const (
	ctlResume      ctl = iota // original wait untouched
	ctlRestartRead            // pending operation superseded, restart from Reading
	ctlFatal                  // session over, propagate the error
)

type readOutcome int

const (
	roDispatch readOutcome = iota
	roStop
	roFatal
)

// Run drives the session until end of input, context cancellation, or a
// fatal device loss. The returned error is nil for a clean stop.
func (s *Server) Run(ctx context.Context) error {
	s.arb.Register(s.id, s.mailbox)
	defer s.arb.Unregister(s.id)
	s.cons.Watch(s.mailbox)
	s.worker = s.startWorker(s.opts.WorkerOptions)

	for {
		code, out, err := s.readStep(ctx)
		switch out {
		case roStop:
			return err
		case roFatal:
			return err
		}

		done, err := s.evalStep(ctx, code)
		if done {
			return err
		}
	}
}

// readStep waits in the Reading state: it issues a read, folds replies
// through the parser continuation, and keeps re-reading on incomplete or
// failed parses until a complete form is ready to dispatch.
func (s *Server) readStep(ctx context.Context) (string, readOutcome, error) {
	token := s.issueRead()
	for {
		select {
		case <-ctx.Done():
			s.cons.Cancel(token)
			s.stopWorker()
			return "", roStop, ctx.Err()

		case msg := <-s.mailbox:
			reply, ok := msg.(console.ReadReply)
			if !ok || reply.Token != token {
				c, err := s.handleControl(msg)
				switch c {
				case ctlRestartRead:
					// If the cancel lost the race, a line reply tagged with
					// the old token is in flight; keep waiting for it so the
					// input is not dropped.
					if s.cons.Cancel(token) {
						token = s.issueRead()
					}
				case ctlFatal:
					s.cons.Cancel(token)
					return "", roFatal, err
				}
				continue
			}

			switch reply.Kind {
			case console.ReadEOF:
				s.stopWorker()
				if s.opts.OnEOF == EOFHalt {
					s.exit(0)
				}
				return "", roStop, nil

			case console.ReadFailure:
				s.cons.PrintError(fmt.Sprintf("input error: %v", reply.Err))
				s.buffer = s.buffer.Clear()
				token = s.issueRead()

			case console.ReadInterrupted:
				s.buffer = s.buffer.Clear()
				token = s.issueRead()

			default:
				s.cons.PrintError(fmt.Sprintf("unexpected input reply (kind %d)", reply.Kind))
				s.buffer = s.buffer.Clear()
				token = s.issueRead()

			case console.ReadLine:
				res := parse.Fold(s.buffer, reply.Line)
				s.buffer = res.Buffer
				switch res.Status {
				case parse.Incomplete:
					token = s.issueRead()
				case parse.Fatal:
					s.cons.PrintError(res.Err.Error())
					token = s.issueRead()
				case parse.Complete:
					if strings.TrimSpace(res.Forms) == "" {
						token = s.issueRead()
						continue
					}
					return res.Forms, roDispatch, nil
				}
			}
		}
	}
}

// evalStep waits in the Evaluating state after dispatching code. done is
// true when the session should end.
func (s *Server) evalStep(ctx context.Context, code string) (done bool, err error) {
	workerID := s.worker.ID()
	s.worker.Eval(s.mailbox, code, s.counter)

	for {
		select {
		case <-ctx.Done():
			s.stopWorker()
			return true, ctx.Err()

		case msg := <-s.mailbox:
			if ev, ok := msg.(evaluator.Evaluated); ok && ev.WorkerID == workerID {
				if ev.Status == evaluator.StatusSuccess {
					s.counter++
				}
				s.buffer = s.buffer.Clear()
				return false, nil
			}

			c, cerr := s.handleControl(msg)
			switch c {
			case ctlRestartRead:
				// The in-flight evaluation belongs to a worker that no
				// longer exists; its late reply will not match.
				return false, nil
			case ctlFatal:
				return true, cerr
			}
		}
	}
}

// handleControl is the single dispatcher for every event that does not
// match the current wait, shared by both wait states. It never touches a
// pending read or eval except through the returned action.
func (s *Server) handleControl(msg any) (ctl, error) {
	switch m := msg.(type) {
	case arbiter.Takeover:
		return s.handleTakeover(m), nil

	case interruptMsg:
		s.cons.PrintInterrupt()
		s.worker.Demonitor()
		s.worker.Kill()
		<-s.worker.Exited()
		s.buffer = parse.Buffer{}
		s.worker = s.startWorker(s.opts.WorkerOptions)
		return ctlRestartRead, nil

	case respawnMsg:
		s.counter++
		s.stopWorker()
		s.buffer = parse.Buffer{}
		s.worker = s.startWorker(s.opts.WorkerOptions)
		return ctlRestartRead, nil

	case evaluator.RespawnRequest:
		if m.WorkerID != s.worker.ID() {
			return ctlResume, nil
		}
		s.counter++
		s.stopWorker()
		s.buffer = parse.Buffer{}
		s.worker = s.startWorker(s.opts.WorkerOptions)
		return ctlRestartRead, nil

	case evaluator.Termination:
		if m.WorkerID != s.worker.ID() {
			return ctlResume, nil
		}
		if m.Reason == evaluator.ReasonAbnormal {
			s.reportCrash(m)
		}
		s.buffer = parse.Buffer{}
		s.worker = s.startWorker(s.opts.WorkerOptions)
		return ctlRestartRead, nil

	case console.Down:
		s.stopWorker()
		return ctlFatal, fmt.Errorf("input device lost: %w", m.Err)

	default:
		// Unrecognized or stale message: no state change.
		return ctlResume, nil
	}
}

// handleTakeover resolves one takeover request through the arbiter. A
// request naming the current worker asks the operator; any other request is
// admitted when the requester's counter is at least the session's.
func (s *Server) handleTakeover(m arbiter.Takeover) ctl {
	if m.Opts.TargetWorker != "" && m.Opts.TargetWorker == s.worker.ID() {
		s.cons.PrintBreak(m.Location, m.Context)
		question := fmt.Sprintf("Allow %q to take over %s(%d)? [y/n]", m.Location, s.opts.Prefix, s.counter)
		accepted := s.cons.Confirm(question)
		switch s.arb.Respond(m.RequesterID, m.Ref, s.counter, accepted) {
		case arbiter.OK:
			if accepted {
				s.counter++
				s.buffer = parse.Buffer{}
			}
		case arbiter.AlreadyAccepted:
			s.cons.PrintNotice("request already accepted elsewhere")
		}
		return ctlResume
	}

	if m.Opts.Counter != 0 && m.Opts.Counter < s.counter {
		s.arb.Respond(m.RequesterID, m.Ref, s.counter, false)
		return ctlResume
	}

	switch s.arb.Respond(m.RequesterID, m.Ref, s.counter, true) {
	case arbiter.AlreadyAccepted:
		s.cons.PrintNotice("request already accepted elsewhere")
		return ctlResume
	case arbiter.Refused:
		return ctlResume
	}

	// Granted: replace the worker with one built from the requester's
	// options. The merge is per-call only; the session template survives.
	s.stopWorker()
	s.counter++
	s.buffer = parse.Buffer{}
	wopts := s.opts.WorkerOptions
	if o, ok := m.Opts.WorkerOptions.(evaluator.Options); ok {
		wopts = wopts.Merge(o)
	}
	s.worker = s.startWorker(wopts)
	return ctlRestartRead
}

// startWorker spawns a worker and a forwarder that turns its termination
// notification into a mailbox event, unless supervision was removed first.
func (s *Server) startWorker(opts evaluator.Options) *evaluator.Worker {
	w := evaluator.Start(s.counter, s.cons, s.id, s.arb, opts)
	go func() {
		t := <-w.Done()
		if w.Monitored() {
			s.mailbox <- t
		}
	}()
	return w
}

// stopWorker terminates the current worker gracefully and waits for it so a
// replacement is never started before the old one is gone.
func (s *Server) stopWorker() {
	w := s.worker
	if w == nil {
		return
	}
	w.Demonitor()
	w.Stop()
	<-w.Exited()
}

// reportCrash is best effort: a failure while formatting the report is
// caught and replaced with a generic line.
func (s *Server) reportCrash(t evaluator.Termination) {
	defer func() {
		if r := recover(); r != nil {
			s.cons.PrintError("evaluator crashed (report formatting failed)")
		}
	}()
	s.cons.PrintError(fmt.Sprintf("evaluator %s crashed: %v", shortID(t.WorkerID), t.Err))
}

func (s *Server) issueRead() uuid.UUID {
	token := uuid.New()
	s.cons.Read(s.mailbox, token, s.prompt())
	return token
}

func (s *Server) prompt() string {
	if !s.buffer.Empty() {
		return fmt.Sprintf("...(%d)> ", s.counter)
	}
	return fmt.Sprintf("%s(%d)> ", s.opts.Prefix, s.counter)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

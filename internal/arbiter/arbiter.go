// Package arbiter is the process-wide authority that admits or refuses
// requests to take over a running session. Sessions register their mailbox;
// requesters block until the session resolves their request. A request is
// resolved exactly once, which is what protects two competing requesters
// from both being granted.
package arbiter

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Outcome of resolving a takeover request.
type Outcome int

const (
	// OK means this response resolved the request.
	OK Outcome = iota
	// Refused means the request is unknown or the requester does not match.
	Refused
	// AlreadyAccepted means a competing response won the race.
	AlreadyAccepted
)

// Options qualify a takeover request. TargetWorker may name a specific
// evaluator worker; Counter is the requester's minimum session counter.
// WorkerOptions, when set, configure the replacement worker and are
// interpreted by the session (typically evaluator.Options).
type Options struct {
	TargetWorker  string
	Counter       int
	WorkerOptions any
}

// Takeover is the request a session observes in its mailbox. It is
// ephemeral: nothing about it survives past resolution.
type Takeover struct {
	RequesterID string
	Ref         uuid.UUID
	Location    string
	Context     string
	Opts        Options
}

type response struct {
	accepted bool
	counter  int
}

type pending struct {
	requesterID string
	reply       chan response
	resolved    bool
	accepted    bool
}

// maxResolved bounds how many resolved requests are retained for the benefit
// of late responders. Beyond it the oldest resolutions are evicted, and a
// very late responder sees Refused instead of AlreadyAccepted.
const maxResolved = 128

// Arbiter is a shared registry of sessions open to takeover.
type Arbiter struct {
	mu       sync.Mutex
	sessions map[string]chan<- any
	requests map[uuid.UUID]*pending
	resolved []uuid.UUID
}

// New creates an empty arbiter.
func New() *Arbiter {
	return &Arbiter{
		sessions: make(map[string]chan<- any),
		requests: make(map[uuid.UUID]*pending),
	}
}

// Register makes a session reachable for takeover requests.
func (a *Arbiter) Register(sessionID string, mailbox chan<- any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessions[sessionID] = mailbox
}

// Unregister removes a session from the registry.
func (a *Arbiter) Unregister(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.sessions, sessionID)
}

// RequestTakeover posts req to the named session and blocks until the
// session responds or ctx ends. It reports whether control was granted and,
// when granted, the session counter the new worker should continue from.
func (a *Arbiter) RequestTakeover(ctx context.Context, sessionID string, req Takeover) (bool, int, error) {
	a.mu.Lock()
	mailbox, ok := a.sessions[sessionID]
	if !ok {
		a.mu.Unlock()
		return false, 0, fmt.Errorf("no session registered as %q", sessionID)
	}
	p := &pending{requesterID: req.RequesterID, reply: make(chan response, 1)}
	a.requests[req.Ref] = p
	a.mu.Unlock()

	select {
	case mailbox <- req:
	case <-ctx.Done():
		a.drop(req.Ref)
		return false, 0, ctx.Err()
	}

	select {
	case resp := <-p.reply:
		// The resolved entry is kept so a losing responder can still be
		// told the request was already accepted.
		return resp.accepted, resp.counter, nil
	case <-ctx.Done():
		a.drop(req.Ref)
		return false, 0, ctx.Err()
	}
}

// Respond resolves a takeover request. The counter is the responding
// session's current expression counter, recorded for the requester's
// benefit. The first response wins; later accepts see AlreadyAccepted.
func (a *Arbiter) Respond(requesterID string, ref uuid.UUID, counter int, accepted bool) Outcome {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.requests[ref]
	if !ok || p.requesterID != requesterID {
		return Refused
	}
	if p.resolved {
		if p.accepted {
			return AlreadyAccepted
		}
		return Refused
	}
	p.resolved = true
	p.accepted = accepted
	a.resolved = append(a.resolved, ref)
	if len(a.resolved) > maxResolved {
		delete(a.requests, a.resolved[0])
		a.resolved = a.resolved[1:]
	}
	p.reply <- response{accepted: accepted, counter: counter}
	return OK
}

func (a *Arbiter) drop(ref uuid.UUID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.requests, ref)
}

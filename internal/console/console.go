// Package console owns the session's input/output device. Read requests are
// asynchronous and tagged with a correlation token; replies land in the
// requester's mailbox. All device access funnels through one goroutine so
// prompts, replies and confirmation questions never interleave.
package console

import (
	"bufio"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/term"
)

// errEncoding marks input that could not be decoded. It is recoverable: the
// session reports it and keeps prompting.
var errEncoding = errors.New("input is not valid UTF-8")

// ReadKind discriminates read replies.
type ReadKind int

const (
	// ReadLine carries one raw input line, newline included.
	ReadLine ReadKind = iota
	// ReadEOF signals end of the input stream.
	ReadEOF
	// ReadFailure is a recoverable input decode failure.
	ReadFailure
	// ReadInterrupted means the read was abandoned by the device.
	ReadInterrupted
)

// ReadReply answers one read request. Token matches the request; replies
// with a stale token must be ignored by the receiver.
type ReadReply struct {
	Token uuid.UUID
	Kind  ReadKind
	Line  string
	Err   error
}

// Down reports that the device is gone for good. Watchers receiving it
// should terminate with the same reason.
type Down struct {
	Err error
}

// CompleteFunc produces completion candidates for an input prefix.
type CompleteFunc func(prefix string) []string

type lineEvent struct {
	text string
	err  error
}

type readReq struct {
	from   chan<- any
	token  uuid.UUID
	prompt string
}

type confirmReq struct {
	question string
	reply    chan bool
}

type cancelReq struct {
	token uuid.UUID
	reply chan bool
}

// Console serializes access to one input/output device.
type Console struct {
	out io.Writer
	mu  sync.Mutex

	requests chan any
	lines    chan lineEvent

	interactive bool
	complete    CompleteFunc

	watchMu  sync.Mutex
	watchers []chan<- any
}

// New starts a console over the given device. When in is a terminal,
// prompts are echoed; for piped input they are suppressed.
func New(in io.Reader, out io.Writer) *Console {
	c := &Console{
		out:      out,
		requests: make(chan any, 16),
		lines:    make(chan lineEvent, 16),
	}
	if f, ok := in.(*os.File); ok {
		c.interactive = term.IsTerminal(int(f.Fd()))
	}
	go c.readLines(in)
	go c.serve()
	return c
}

// SetInteractive overrides terminal detection (used by tests and by callers
// that force prompt echo on non-tty devices). Call before the first read.
func (c *Console) SetInteractive(v bool) { c.interactive = v }

// SetCompletion installs the completion hook, triggered by a line submitted
// with a trailing tab. Call before the first read.
func (c *Console) SetCompletion(fn CompleteFunc) { c.complete = fn }

// Watch registers a mailbox to receive Down when the device dies.
func (c *Console) Watch(mailbox chan<- any) {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	c.watchers = append(c.watchers, mailbox)
}

// Read queues an asynchronous read. The reply is delivered to from, tagged
// with token. At most one read per session should be outstanding.
func (c *Console) Read(from chan<- any, token uuid.UUID, prompt string) {
	c.requests <- readReq{from: from, token: token, prompt: prompt}
}

// Cancel drops a queued read that was superseded before it produced a line.
// It reports whether the read was still queued; false means a reply is
// already on its way to the requester, who must keep waiting for that token
// so the input line is not lost.
func (c *Console) Cancel(token uuid.UUID) bool {
	reply := make(chan bool, 1)
	c.requests <- cancelReq{token: token, reply: reply}
	return <-reply
}

// Confirm synchronously asks the operator a yes/no question. The next typed
// line answers it, even while a read request is pending; the pending read
// stays queued untouched.
func (c *Console) Confirm(question string) bool {
	reply := make(chan bool, 1)
	c.requests <- confirmReq{question: question, reply: reply}
	return <-reply
}

// Write emits raw output, serialized with all other console writes.
func (c *Console) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.Write(p)
}

func (c *Console) writeLine(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	io.WriteString(c.out, s+"\n")
}

func (c *Console) printPrompt(prompt string) {
	if !c.interactive || prompt == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	io.WriteString(c.out, promptStyle.Render(prompt))
}

// readLines pumps the device into the line channel. It exits on the first
// read error; EOF and fatal errors are told apart by the serve loop.
func (c *Console) readLines(in io.Reader) {
	br := bufio.NewReader(in)
	for {
		text, err := br.ReadString('\n')
		if text != "" {
			if utf8.ValidString(text) {
				c.lines <- lineEvent{text: text}
			} else {
				c.lines <- lineEvent{err: errEncoding}
			}
		}
		if err != nil {
			c.lines <- lineEvent{err: err}
			return
		}
	}
}

// serve is the device owner loop: requests are served in order, except that
// a confirmation question steals the next line ahead of any queued read.
func (c *Console) serve() {
	var queue []readReq
	eof := false
	dead := false

	for {
		var lineCh chan lineEvent
		if len(queue) > 0 && !eof && !dead {
			lineCh = c.lines
		}

		select {
		case m := <-c.requests:
			switch q := m.(type) {
			case readReq:
				switch {
				case dead:
					// Session is being torn down by Down; drop the request.
				case eof:
					q.from <- ReadReply{Token: q.token, Kind: ReadEOF}
				default:
					queue = append(queue, q)
					if len(queue) == 1 {
						c.printPrompt(q.prompt)
					}
				}
			case confirmReq:
				if eof || dead {
					q.reply <- false
					continue
				}
				c.printPrompt(q.question + " ")
				ev := <-c.lines
				if ev.err != nil {
					eof, dead = c.lineError(ev.err, eof, dead)
					q.reply <- false
					continue
				}
				ans := strings.ToLower(strings.TrimSpace(ev.text))
				q.reply <- ans == "y" || ans == "yes"
			case cancelReq:
				found := false
				for i, r := range queue {
					if r.token == q.token {
						queue = append(queue[:i], queue[i+1:]...)
						found = true
						break
					}
				}
				q.reply <- found
			}

		case ev := <-lineCh:
			head := queue[0]
			if ev.err == nil && c.complete != nil {
				if base, ok := strings.CutSuffix(strings.TrimSuffix(ev.text, "\n"), "\t"); ok {
					c.showCompletions(base)
					c.printPrompt(head.prompt)
					continue
				}
			}
			queue = queue[1:]
			switch {
			case ev.err == nil:
				head.from <- ReadReply{Token: head.token, Kind: ReadLine, Line: ev.text}
			case errors.Is(ev.err, errEncoding):
				head.from <- ReadReply{Token: head.token, Kind: ReadFailure, Err: ev.err}
			case errors.Is(ev.err, io.EOF):
				eof = true
				head.from <- ReadReply{Token: head.token, Kind: ReadEOF}
			default:
				dead = true
				c.notifyDown(ev.err)
			}
			if len(queue) > 0 {
				if eof {
					for _, r := range queue {
						r.from <- ReadReply{Token: r.token, Kind: ReadEOF}
					}
					queue = nil
				} else if dead {
					queue = nil
				} else {
					c.printPrompt(queue[0].prompt)
				}
			}
		}
	}
}

func (c *Console) lineError(err error, eof, dead bool) (bool, bool) {
	switch {
	case errors.Is(err, errEncoding):
		// A garbled confirmation answer counts as "no"; keep serving.
	case errors.Is(err, io.EOF):
		eof = true
	default:
		dead = true
		c.notifyDown(err)
	}
	return eof, dead
}

// showCompletions lists candidates for a line submitted with a trailing tab.
// The line is not consumed by any read; the caller re-prompts.
func (c *Console) showCompletions(base string) {
	candidates := c.complete(base)
	if len(candidates) == 0 {
		return
	}
	c.writeLine(dimStyle.Render(strings.Join(candidates, "  ")))
}

func (c *Console) notifyDown(err error) {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	for _, w := range c.watchers {
		w <- Down{Err: err}
	}
}

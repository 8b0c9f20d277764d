package console

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// lockedBuffer is a goroutine-safe output sink for assertions.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func recvReply(t *testing.T, mailbox chan any) ReadReply {
	t.Helper()
	select {
	case msg := <-mailbox:
		reply, ok := msg.(ReadReply)
		if !ok {
			t.Fatalf("expected ReadReply, got %T", msg)
		}
		return reply
	case <-time.After(2 * time.Second):
		t.Fatal("no reply")
		return ReadReply{}
	}
}

func TestRead_DeliversTaggedLine(t *testing.T) {
	c := New(strings.NewReader("hello\n"), &lockedBuffer{})
	mailbox := make(chan any, 4)

	token := uuid.New()
	c.Read(mailbox, token, "> ")

	reply := recvReply(t, mailbox)
	if reply.Token != token {
		t.Error("reply token does not match request")
	}
	if reply.Kind != ReadLine || reply.Line != "hello\n" {
		t.Errorf("unexpected reply: %+v", reply)
	}
}

func TestRead_EOF(t *testing.T) {
	c := New(strings.NewReader("only\n"), &lockedBuffer{})
	mailbox := make(chan any, 4)

	c.Read(mailbox, uuid.New(), "> ")
	if reply := recvReply(t, mailbox); reply.Kind != ReadLine {
		t.Fatalf("expected line first, got %+v", reply)
	}

	c.Read(mailbox, uuid.New(), "> ")
	if reply := recvReply(t, mailbox); reply.Kind != ReadEOF {
		t.Errorf("expected EOF, got %+v", reply)
	}

	// The stream stays at EOF for later requests too.
	c.Read(mailbox, uuid.New(), "> ")
	if reply := recvReply(t, mailbox); reply.Kind != ReadEOF {
		t.Errorf("expected EOF again, got %+v", reply)
	}
}

func TestRead_PromptOnlyWhenInteractive(t *testing.T) {
	out := &lockedBuffer{}
	c := New(strings.NewReader("x\n"), out)
	c.SetInteractive(true)
	mailbox := make(chan any, 4)

	c.Read(mailbox, uuid.New(), "goo(1)> ")
	recvReply(t, mailbox)
	if !strings.Contains(out.String(), "goo(1)> ") {
		t.Errorf("expected prompt in output, got %q", out.String())
	}

	out2 := &lockedBuffer{}
	c2 := New(strings.NewReader("x\n"), out2)
	mailbox2 := make(chan any, 4)
	c2.Read(mailbox2, uuid.New(), "goo(1)> ")
	recvReply(t, mailbox2)
	if strings.Contains(out2.String(), "goo(1)>") {
		t.Errorf("expected no prompt for piped input, got %q", out2.String())
	}
}

func TestConfirm_StealsNextLineAheadOfPendingRead(t *testing.T) {
	pr, pw := io.Pipe()
	c := New(pr, &lockedBuffer{})
	mailbox := make(chan any, 4)

	token := uuid.New()
	c.Read(mailbox, token, "> ")

	go func() {
		time.Sleep(50 * time.Millisecond)
		io.WriteString(pw, "yes\n")
		io.WriteString(pw, "rest\n")
		pw.Close()
	}()

	if !c.Confirm("Allow takeover? [y/n]") {
		t.Error("expected confirmation to read the yes line")
	}

	reply := recvReply(t, mailbox)
	if reply.Kind != ReadLine || reply.Line != "rest\n" {
		t.Errorf("pending read should get the following line, got %+v", reply)
	}
}

func TestConfirm_Answers(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{"yes", "yes\n", true},
		{"y", "y\n", true},
		{"uppercase", "Y\n", true},
		{"no", "n\n", false},
		{"anything else", "maybe\n", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(strings.NewReader(tt.input), &lockedBuffer{})
			if got := c.Confirm("ok?"); got != tt.want {
				t.Errorf("Confirm() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConfirm_FalseAtEOF(t *testing.T) {
	c := New(strings.NewReader(""), &lockedBuffer{})
	mailbox := make(chan any, 4)
	c.Read(mailbox, uuid.New(), "> ")
	recvReply(t, mailbox) // consume the EOF
	if c.Confirm("ok?") {
		t.Error("expected false once the stream is done")
	}
}

func TestCancel_DropsQueuedRead(t *testing.T) {
	pr, pw := io.Pipe()
	c := New(pr, &lockedBuffer{})
	mailbox := make(chan any, 4)

	stale := uuid.New()
	c.Read(mailbox, stale, "> ")
	if !c.Cancel(stale) {
		t.Error("cancel should win while no line has arrived")
	}

	fresh := uuid.New()
	c.Read(mailbox, fresh, "> ")
	go func() {
		time.Sleep(50 * time.Millisecond)
		io.WriteString(pw, "line\n")
		pw.Close()
	}()

	reply := recvReply(t, mailbox)
	if reply.Token != fresh {
		t.Error("line delivered to a cancelled read")
	}
	if reply.Line != "line\n" {
		t.Errorf("unexpected line: %q", reply.Line)
	}
}

func TestCancel_ReportsLostRace(t *testing.T) {
	c := New(strings.NewReader("line\n"), &lockedBuffer{})
	mailbox := make(chan any, 4)

	token := uuid.New()
	c.Read(mailbox, token, "> ")
	recvReply(t, mailbox)

	if c.Cancel(token) {
		t.Error("cancel must report false once the read was answered")
	}
}

func TestCompletion_TabListsCandidatesWithoutConsumingRead(t *testing.T) {
	out := &lockedBuffer{}
	c := New(strings.NewReader("pr\t\n1 + 1\n"), out)
	c.SetCompletion(func(prefix string) []string {
		if prefix == "pr" {
			return []string{"print", "pry"}
		}
		return nil
	})
	mailbox := make(chan any, 4)

	token := uuid.New()
	c.Read(mailbox, token, "> ")

	reply := recvReply(t, mailbox)
	if reply.Token != token || reply.Kind != ReadLine || reply.Line != "1 + 1\n" {
		t.Errorf("the read should get the line after the tab request, got %+v", reply)
	}
	if !strings.Contains(out.String(), "print") || !strings.Contains(out.String(), "pry") {
		t.Errorf("expected candidates listed, got %q", out.String())
	}
}

func TestInvalidEncoding_RecoverableFailure(t *testing.T) {
	in := io.MultiReader(bytes.NewReader([]byte{0xff, 0xfe, '\n'}), strings.NewReader("good\n"))
	c := New(in, &lockedBuffer{})
	mailbox := make(chan any, 4)

	c.Read(mailbox, uuid.New(), "> ")
	reply := recvReply(t, mailbox)
	if reply.Kind != ReadFailure || reply.Err == nil {
		t.Fatalf("expected recoverable failure, got %+v", reply)
	}

	c.Read(mailbox, uuid.New(), "> ")
	if reply := recvReply(t, mailbox); reply.Kind != ReadLine || reply.Line != "good\n" {
		t.Errorf("expected session to keep reading, got %+v", reply)
	}
}

type brokenReader struct{ err error }

func (r *brokenReader) Read([]byte) (int, error) { return 0, r.err }

func TestDeviceError_NotifiesWatchers(t *testing.T) {
	devErr := errors.New("device yanked")
	c := New(&brokenReader{err: devErr}, &lockedBuffer{})
	watcher := make(chan any, 4)
	c.Watch(watcher)

	mailbox := make(chan any, 4)
	c.Read(mailbox, uuid.New(), "> ")

	select {
	case msg := <-watcher:
		down, ok := msg.(Down)
		if !ok {
			t.Fatalf("expected Down, got %T", msg)
		}
		if !errors.Is(down.Err, devErr) {
			t.Errorf("unexpected error: %v", down.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no Down notification")
	}

	select {
	case msg := <-mailbox:
		t.Fatalf("dead device must not answer reads, got %v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

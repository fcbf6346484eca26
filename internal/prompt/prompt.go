package prompt

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
)

// Confirmer asks the operator a yes/no question.
type Confirmer interface {
	Confirm(ctx context.Context, question string) (bool, error)
}

// Terminal reads answers line by line. A single background goroutine owns the
// reader from construction on. A line only answers a question that was open
// when it arrived; anything typed in between is thrown away.
type Terminal struct {
	out io.Writer

	mu     sync.Mutex
	waiter chan string

	eof     chan struct{}
	err     error // set before eof is closed
	dropped atomic.Int64
}

func NewTerminal(in io.Reader, out io.Writer) *Terminal {
	t := &Terminal{out: out, eof: make(chan struct{})}
	go t.readLoop(in)
	return t
}

func (t *Terminal) readLoop(in io.Reader) {
	r := bufio.NewReader(in)
	for {
		line, err := r.ReadString('\n')
		if line != "" {
			t.deliver(line)
		}
		if err != nil {
			t.err = err
			close(t.eof)
			return
		}
	}
}

func (t *Terminal) deliver(line string) {
	t.mu.Lock()
	w := t.waiter
	t.waiter = nil
	t.mu.Unlock()

	if w == nil {
		t.dropped.Add(1)
		return
	}
	w <- line
}

func (t *Terminal) asking() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.waiter != nil
}

// Confirm prints the question and waits for an answer or for ctx to end.
// Only "y" and "yes" count as yes.
func (t *Terminal) Confirm(ctx context.Context, question string) (bool, error) {
	answer := make(chan string, 1)
	t.mu.Lock()
	t.waiter = answer
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		if t.waiter == answer {
			t.waiter = nil
		}
		t.mu.Unlock()
	}()

	fmt.Fprintf(t.out, "%s [y/N]: ", question)
	select {
	case <-ctx.Done():
		fmt.Fprintln(t.out)
		return false, ctx.Err()
	case line := <-answer:
		return isYes(line), nil
	case <-t.eof:
		// The last line may have arrived together with EOF.
		select {
		case line := <-answer:
			return isYes(line), nil
		default:
		}
		if t.err == io.EOF {
			return false, nil
		}
		return false, t.err
	}
}

func isYes(line string) bool {
	res := strings.TrimSpace(strings.ToLower(line))
	return res == "y" || res == "yes"
}

// Auto answers every question the same way. It backs --yes.
type Auto struct {
	Answer bool
}

func (a Auto) Confirm(ctx context.Context, _ string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return a.Answer, nil
}

package sync

import (
	"context"
	"errors"
)

var ErrMailboxClosed = errors.New("mailbox closed")

// Mailbox serializes work onto a single goroutine. Everything submitted with
// Call runs inside Serve, in submission order, so the state it touches is
// owned by one goroutine.
type Mailbox struct {
	reqs chan func()
	done chan struct{}
}

func NewMailbox() *Mailbox {
	return &Mailbox{
		reqs: make(chan func()),
		done: make(chan struct{}),
	}
}

// Serve runs submitted functions until ctx is done. It must only be called once.
func (m *Mailbox) Serve(ctx context.Context) error {
	defer close(m.done)

	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-m.reqs:
			f()
		}
	}
}

// Call runs f on the serving goroutine and waits for it to return.
func (m *Mailbox) Call(ctx context.Context, f func()) error {
	finished := make(chan struct{})
	req := func() {
		defer close(finished)
		f()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrMailboxClosed
	case m.reqs <- req:
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Package loopback delivers replication messages between a server and
// clients living in the same process.
package loopback

import (
	"errors"
	"fmt"
	"sync"
)

var ErrUnknownClient = errors.New("unknown client")

// Handler consumes one encoded message.
type Handler func(data []byte) error

// Link routes Send calls to attached handlers synchronously.
type Link struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	failures map[string]error

	messages int
	bytes    int
}

func New() *Link {
	return &Link{
		handlers: make(map[string]Handler),
		failures: make(map[string]error),
	}
}

func (l *Link) Attach(id string, h Handler) {
	l.mu.Lock()
	l.handlers[id] = h
	l.mu.Unlock()
}

func (l *Link) Detach(id string) {
	l.mu.Lock()
	delete(l.handlers, id)
	delete(l.failures, id)
	l.mu.Unlock()
}

// FailNext makes the next Send to id return err without delivering.
func (l *Link) FailNext(id string, err error) {
	l.mu.Lock()
	l.failures[id] = err
	l.mu.Unlock()
}

func (l *Link) Send(id string, data []byte) error {
	l.mu.Lock()
	if err, ok := l.failures[id]; ok {
		delete(l.failures, id)
		l.mu.Unlock()
		return err
	}
	h, ok := l.handlers[id]
	if ok {
		l.messages++
		l.bytes += len(data)
	}
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownClient, id)
	}
	return h(data)
}

// Close detaches every handler.
func (l *Link) Close() error {
	l.mu.Lock()
	l.handlers = make(map[string]Handler)
	l.failures = make(map[string]error)
	l.mu.Unlock()
	return nil
}

// Stats returns delivered message and byte counts.
func (l *Link) Stats() (messages, bytes int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.messages, l.bytes
}

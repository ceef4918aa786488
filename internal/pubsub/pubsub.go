// Package pubsub fans chat events out between server instances.
package pubsub

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("pubsub: closed")

type Message struct {
	Channel string
	Payload []byte
}

// Subscription delivers messages for the channels it was opened with until
// Close is called.
type Subscription interface {
	C() <-chan Message
	Close() error
}

type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)
	Close() error
}

// bufferSize bounds each subscriber's queue. A full queue drops messages
// rather than stall publishers.
const bufferSize = 64

// Local is an in-process Broker for single instance deployments and tests.
type Local struct {
	mu     sync.RWMutex
	subs   map[string]map[*localSub]struct{}
	closed bool
}

func NewLocal() *Local {
	return &Local{subs: map[string]map[*localSub]struct{}{}}
}

type localSub struct {
	broker   *Local
	channels []string
	ch       chan Message
	once     sync.Once
}

func (s *localSub) C() <-chan Message { return s.ch }

func (s *localSub) Close() error {
	s.once.Do(func() {
		s.broker.mu.Lock()
		for _, c := range s.channels {
			delete(s.broker.subs[c], s)
			if len(s.broker.subs[c]) == 0 {
				delete(s.broker.subs, c)
			}
		}
		s.broker.mu.Unlock()
		close(s.ch)
	})
	return nil
}

func (b *Local) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for s := range b.subs[channel] {
		select {
		case s.ch <- Message{Channel: channel, Payload: payload}:
		default:
		}
	}
	return nil
}

func (b *Local) Subscribe(_ context.Context, channels ...string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	s := &localSub{broker: b, channels: channels, ch: make(chan Message, bufferSize)}
	for _, c := range channels {
		if b.subs[c] == nil {
			b.subs[c] = map[*localSub]struct{}{}
		}
		b.subs[c][s] = struct{}{}
	}
	return s, nil
}

func (b *Local) Close() error {
	b.mu.Lock()
	var all []*localSub
	for _, set := range b.subs {
		for s := range set {
			all = append(all, s)
		}
	}
	b.closed = true
	b.mu.Unlock()
	for _, s := range all {
		_ = s.Close()
	}
	return nil
}

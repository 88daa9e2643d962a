// Package events implements the node-wide event bus: Publisher/Subscriber
// pair pattern used by every component that needs to tell the rest of the
// node something happened (an unhandled offer, an accepted contract, a
// published capacity advert, a tunnel becoming available).
//
// node.go/omni_manager.go/connector.go call events.NewSubscription without
// shipping the package body alongside them, so this implementation follows
// the shape those call sites imply: a buffered channel pair, a Closed()
// check before publishing, and Next()/Close() on the read side.
package events

import (
	"sync"

	"github.com/pkg/errors"
)

// bufferSize is the per-subscriber channel depth. Publish never blocks:
// once a subscriber's buffer is full, the event is dropped for that
// subscriber and Publish returns an error. Generous enough that a slow
// subscriber doesn't lose events under normal operation.
const bufferSize = 64

// Event is anything that can flow through the event bus. Kind identifies
// the event for logging/filtering without a type switch at every call
// site.
type Event interface {
	Kind() string
}

// Publisher is the write side of a subscription.
type Publisher interface {
	Publish(Event) error
	Closed() bool
	Close() error
}

// Subscriber is the read side of a subscription.
type Subscriber interface {
	Next() (Event, error)
	Close() error
}

type subscription struct {
	ch chan Event

	mu     sync.Mutex
	closed bool
}

// NewSubscription creates a connected Publisher/Subscriber pair.
func NewSubscription() (Publisher, Subscriber) {
	s := &subscription{ch: make(chan Event, bufferSize)}
	return s, s
}

func (s *subscription) Publish(evt Event) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return errors.New("publishing to closed subscription")
	}

	select {
	case s.ch <- evt:
		return nil
	default:
		return errors.New("event subscriber is not keeping up")
	}
}

func (s *subscription) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *subscription) Next() (Event, error) {
	evt, ok := <-s.ch
	if !ok {
		return nil, errors.New("subscription closed")
	}
	return evt, nil
}

func (s *subscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.ch)
	return nil
}

// Hub fans a single logical event stream out to many subscribers, matching
// the node.publishEvent loop over n.eventPublishers.
type Hub struct {
	mu         sync.RWMutex
	publishers []Publisher
}

// Subscribe registers a new subscriber and returns its read side.
func (h *Hub) Subscribe() Subscriber {
	pub, sub := NewSubscription()
	h.mu.Lock()
	h.publishers = append(h.publishers, pub)
	h.mu.Unlock()
	return sub
}

// Publish fans evt out to every live subscriber, skipping closed ones, the
// same resilience the publishEvent shows (a failing/closed
// publisher doesn't stop delivery to the rest).
func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, pub := range h.publishers {
		if pub.Closed() {
			continue
		}
		_ = pub.Publish(evt)
	}
}

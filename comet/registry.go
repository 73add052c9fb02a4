// Package comet fans events out to the handlers subscribed to a topic.
package comet

import (
	"iter"
	"sort"
	"sync"
	"sync/atomic"
)

type EventType int

const (
	Initialize EventType = iota
	Notify
	Interrupt
	Terminate
)

func (that EventType) String() string {
	switch that {
	case Initialize:
		return "initialize"
	case Notify:
		return "notify"
	case Interrupt:
		return "interrupt"
	}
	return "terminate"
}

type Event struct {
	Type       EventType
	Topic      string
	Attachment interface{}
}

type Handler interface {
	OnEvent(ev Event) error
}

type HandlerFunc func(ev Event) error

func (that HandlerFunc) OnEvent(ev Event) error { return that(ev) }

// Subscription is one handler registered under one topic.
type Subscription struct {
	id      uint64
	topic   string
	handler Handler
	active  atomic.Bool
}

func (that *Subscription) ID() uint64 { return that.id }

func (that *Subscription) Topic() string { return that.topic }

func (that *Subscription) Handler() Handler { return that.handler }

// Active is false once the subscription was removed.
func (that *Subscription) Active() bool { return that.active.Load() }

type Registry struct {
	mu     sync.RWMutex
	nextID uint64
	topics map[string][]*Subscription
}

func NewRegistry() *Registry {
	return &Registry{topics: map[string][]*Subscription{}}
}

// Subscribe adds h under topic. The same handler may be subscribed more than once.
func (that *Registry) Subscribe(topic string, h Handler) *Subscription {
	that.mu.Lock()
	defer that.mu.Unlock()
	that.nextID++
	s := &Subscription{id: that.nextID, topic: topic, handler: h}
	s.active.Store(true)
	that.topics[topic] = append(that.topics[topic], s)
	return s
}

// Unsubscribe removes s; it reports false if s was not registered.
func (that *Registry) Unsubscribe(s *Subscription) bool {
	if s == nil {
		return false
	}
	that.mu.Lock()
	defer that.mu.Unlock()
	subs := that.topics[s.topic]
	for i, v := range subs {
		if v != s {
			continue
		}
		s.active.Store(false)
		subs = append(subs[:i:i], subs[i+1:]...)
		if len(subs) == 0 {
			delete(that.topics, s.topic)
		} else {
			that.topics[s.topic] = subs
		}
		return true
	}
	return false
}

// Subscriptions iterates over a snapshot of the subscriptions of topic, in subscription
// order. Subscriptions removed meanwhile are skipped.
func (that *Registry) Subscriptions(topic string) iter.Seq[*Subscription] {
	that.mu.RLock()
	snapshot := append([]*Subscription(nil), that.topics[topic]...)
	that.mu.RUnlock()
	return func(yield func(*Subscription) bool) {
		for _, s := range snapshot {
			if !s.Active() {
				continue
			}
			if !yield(s) {
				return
			}
		}
	}
}

func (that *Registry) Len(topic string) int {
	that.mu.RLock()
	defer that.mu.RUnlock()
	return len(that.topics[topic])
}

func (that *Registry) Topics() []string {
	that.mu.RLock()
	defer that.mu.RUnlock()
	topics := make([]string, 0, len(that.topics))
	for t := range that.topics {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

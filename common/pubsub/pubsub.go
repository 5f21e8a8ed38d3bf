// Package pubsub implements a simple broadcast broker.
//
// Rebuilt from the call-site contract exercised by this project's own
// predecessor (pubsub.NewBroker, Broker.Broadcast, Broker.Subscribe,
// Broker.SubscribeEx, Subscription.Unwrap/Close) — the package that
// shipped that contract was not itself part of the retrieval pack, only
// its import and usage were. The broker fans values out to any number of
// subscribers without the broadcaster depending on them directly.
package pubsub

import (
	"reflect"
	"sync"

	"github.com/eapache/channels"
)

// Broker fans out Broadcast values to every current Subscription.
type Broker struct {
	mu            sync.Mutex
	subscriptions map[*Subscription]struct{}
	replayLatest  bool
	latest        interface{}
	haveLatest    bool
}

// NewBroker constructs a Broker. If replayLatest is true, new
// subscriptions immediately receive the most recently broadcast value
// (if any) before observing subsequent ones.
func NewBroker(replayLatest bool) *Broker {
	return &Broker{
		subscriptions: make(map[*Subscription]struct{}),
		replayLatest:  replayLatest,
	}
}

// Broadcast delivers v to every current subscription's channel.
func (b *Broker) Broadcast(v interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.replayLatest {
		b.latest = v
		b.haveLatest = true
	}
	for sub := range b.subscriptions {
		sub.ch.In() <- v
	}
}

// Subscribe returns a new Subscription receiving every subsequent
// Broadcast (and the latest one already broadcast, if replayLatest).
func (b *Broker) Subscribe() *Subscription {
	return b.SubscribeEx(nil)
}

// SubscribeEx is like Subscribe, but calls init (if non-nil) with the
// subscription's underlying channel before it starts receiving broadcast
// values, so the caller can seed it (e.g. replay extra history beyond
// the single latest value a plain Broker keeps).
func (b *Broker) SubscribeEx(init func(*channels.InfiniteChannel)) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		broker: b,
		ch:     channels.NewInfiniteChannel(),
	}
	if init != nil {
		init(sub.ch)
	}
	if b.replayLatest && b.haveLatest {
		sub.ch.In() <- b.latest
	}
	b.subscriptions[sub] = struct{}{}
	return sub
}

func (b *Broker) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscriptions, sub)
}

// Subscription is a single subscriber's view of a Broker.
type Subscription struct {
	broker *Broker
	ch     *channels.InfiniteChannel
}

// Unwrap starts a goroutine copying every value from the subscription
// into dst, until the subscription is closed. dst must be a channel of
// the concrete type the broker broadcasts (send or bidirectional).
func (s *Subscription) Unwrap(dst interface{}) {
	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Chan {
		panic("pubsub: Unwrap requires a channel")
	}
	go func() {
		for v := range s.ch.Out() {
			rv.Send(reflect.ValueOf(v))
		}
		rv.Close()
	}()
}

// Close unsubscribes s from its broker and releases its internal channel.
func (s *Subscription) Close() {
	s.broker.unsubscribe(s)
	s.ch.Close()
}

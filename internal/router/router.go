// Package router implements the fan-out from stream ids to the clients
// currently subscribed to them. Dispatch never blocks on a slow client: a
// subscriber whose bounded channel is full simply misses the packet
// (drop-new backpressure policy), exactly as the spec requires.
package router

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/nishisan-dev/kairos-edge/internal/buffers"
	"github.com/nishisan-dev/kairos-edge/internal/ids"
)

// Subscriber is a bounded per-client, per-stream receive channel. limiter
// caps the admission rate of dispatch into Ch independently of its queue
// depth, so a client that keeps draining its channel but pathologically
// slowly still cannot monopolize Dispatch's per-packet work.
type Subscriber struct {
	ClientId ids.ClientId
	Ch       chan []byte
	limiter  *rate.Limiter
}

// Router fans packets out from their stream id to every subscribed client.
type Router struct {
	mu   sync.RWMutex
	subs map[ids.StreamId]map[ids.ClientId]*Subscriber

	mu2     sync.Mutex
	dropped map[ids.ClientId]uint64

	admissionRate  rate.Limit
	admissionBurst int
}

// New returns an empty Router with no admission-rate cap (only the bounded
// channel's drop-new policy applies). Use SetAdmissionLimit to cap it.
func New() *Router {
	return &Router{
		subs:           make(map[ids.StreamId]map[ids.ClientId]*Subscriber),
		dropped:        make(map[ids.ClientId]uint64),
		admissionRate:  rate.Inf,
		admissionBurst: 0,
	}
}

// SetAdmissionLimit caps how many packets per second Dispatch will admit
// toward any single subscriber, on top of the bounded-channel drop-new
// policy. Packets beyond the limit are treated as dropped, the same as a
// full channel. Applies to subscriptions created after the call.
func (r *Router) SetAdmissionLimit(packetsPerSecond float64, burst int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.admissionRate = rate.Limit(packetsPerSecond)
	r.admissionBurst = burst
}

// Subscribe registers client on streamId with a channel buffered to
// bufferCount entries, returning the channel the client should drain.
// Subscriptions are de-duplicated per (client, stream): a second Subscribe
// for the same pair returns the existing channel with added=false, leaving
// the first subscription (and whoever is draining it) untouched.
func (r *Router) Subscribe(streamId ids.StreamId, client ids.ClientId, bufferCount int) (ch <-chan []byte, added bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.subs[streamId]
	if !ok {
		m = make(map[ids.ClientId]*Subscriber)
		r.subs[streamId] = m
	}
	if existing, ok := m[client]; ok {
		return existing.Ch, false
	}
	sub := &Subscriber{
		ClientId: client,
		Ch:       make(chan []byte, bufferCount),
		limiter:  rate.NewLimiter(r.admissionRate, r.admissionBurst),
	}
	m[client] = sub
	return sub.Ch, true
}

// Unsubscribe removes client from streamId, closing its channel.
func (r *Router) Unsubscribe(streamId ids.StreamId, client ids.ClientId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.subs[streamId]
	if !ok {
		return
	}
	if sub, ok := m[client]; ok {
		close(sub.Ch)
		delete(m, client)
	}
	if len(m) == 0 {
		delete(r.subs, streamId)
	}
}

// UnsubscribeAll removes client from every stream it was subscribed to,
// used when a client connection closes.
func (r *Router) UnsubscribeAll(client ids.ClientId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for streamId, m := range r.subs {
		if sub, ok := m[client]; ok {
			close(sub.Ch)
			delete(m, client)
		}
		if len(m) == 0 {
			delete(r.subs, streamId)
		}
	}
}

// Dispatch fans data out to every current subscriber of streamId. Each
// subscriber gets its own copy, backed by a buffer from pool: when the pool
// is exhausted (every pooled buffer is already in flight toward some
// client), or the subscriber's channel is full, the packet is dropped for
// that subscriber and its drop counter incremented — so the pool's size is
// what bounds the total bytes buffered toward clients, irrespective of how
// many are connected or how slow they are. A buffer sent on a channel is
// owned by the receiving stream task, which returns it to the pool after
// writing it out (or while draining after unsubscribe); a buffer that could
// not be sent goes straight back. Dispatch never blocks, and sends happen
// under the read lock: Unsubscribe closes channels under the write lock, so
// a channel can never be closed while a send to it is in flight.
func (r *Router) Dispatch(streamId ids.StreamId, data []byte, pool *buffers.Stack) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, sub := range r.subs[streamId] {
		if !sub.limiter.Allow() {
			r.countDrop(sub.ClientId)
			continue
		}
		buf, ok := pool.TryPop()
		if !ok {
			r.countDrop(sub.ClientId)
			continue
		}
		buf = append(buf, data...)
		select {
		case sub.Ch <- buf:
		default:
			pool.Push(buf[:0])
			r.countDrop(sub.ClientId)
		}
	}
}

func (r *Router) countDrop(client ids.ClientId) {
	r.mu2.Lock()
	r.dropped[client]++
	r.mu2.Unlock()
}

// SubscriberCount reports how many clients are currently subscribed to
// streamId, used by the observability endpoints.
func (r *Router) SubscriberCount(streamId ids.StreamId) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[streamId])
}

// DroppedCount reports how many packets have been dropped for client
// across all streams, whether by the admission rate limit, an exhausted
// buffer pool or a full channel.
func (r *Router) DroppedCount(client ids.ClientId) uint64 {
	r.mu2.Lock()
	defer r.mu2.Unlock()
	return r.dropped[client]
}

// Package stream carries byte chunks from agent StreamChunk frames to HTTP
// response bodies through a bounded per-stream channel. The channel's
// capacity is the whole backpressure story: when the consumer stalls, the
// hub's delivery blocks and the agent stops being read.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/manlab/manlab/internal/common/constants"
)

var (
	// ErrStreamNotFound means chunks arrived for a stream that was never
	// opened or has already been torn down. The hub drops such chunks.
	ErrStreamNotFound = errors.New("stream not found")
	// ErrChunkTimeout means the agent stalled past the read deadline.
	ErrChunkTimeout = errors.New("timed out waiting for stream data")
	// ErrStreamCancelled is observed by a consumer after cancellation.
	ErrStreamCancelled = errors.New("stream cancelled")
)

// Chunk is one delivery from the agent.
type Chunk struct {
	Seq  int64
	Data []byte
}

// Session is one live byte pipeline, single-producer (hub) single-consumer
// (HTTP handler).
type Session struct {
	ID string

	ch     chan Chunk
	ctx    context.Context
	cancel context.CancelFunc

	endOnce sync.Once
	endCh   chan struct{}
	endErr  error
}

// Registry tracks live streaming sessions by id.
type Registry struct {
	mu       sync.Mutex
	streams  map[string]*Session
	capacity int
}

// NewRegistry creates a stream registry whose sessions buffer up to
// capacity chunks. capacity × chunkSize bounds in-flight bytes per stream.
func NewRegistry(capacity int) *Registry {
	if capacity <= 0 {
		capacity = 32
	}
	return &Registry{
		streams:  make(map[string]*Session),
		capacity: capacity,
	}
}

// Open allocates a session for id. The session dies with the parent context
// or an explicit Close.
func (r *Registry) Open(parent context.Context, id string) (*Session, error) {
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		ID:     id,
		ch:     make(chan Chunk, r.capacity),
		ctx:    ctx,
		cancel: cancel,
		endCh:  make(chan struct{}),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.streams[id]; exists {
		cancel()
		return nil, fmt.Errorf("stream %s already open", id)
	}
	r.streams[id] = s
	return s, nil
}

// Get returns a live session.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[id]
	return s, ok
}

// Deliver hands an agent chunk to its stream. The call blocks while the
// channel is full — this is the backpressure path, stalling the hub's read
// loop for this connection. Chunks for dead or unknown streams are dropped.
func (r *Registry) Deliver(id string, seq int64, data []byte) error {
	s, ok := r.Get(id)
	if !ok {
		return ErrStreamNotFound
	}
	select {
	case s.ch <- Chunk{Seq: seq, Data: data}:
		return nil
	case <-s.ctx.Done():
		return ErrStreamCancelled
	case <-s.endCh:
		return ErrStreamCancelled
	}
}

// End records the agent-side end of stream, clean or failed. Buffered
// chunks stay readable; the consumer observes the end after draining.
func (r *Registry) End(id string, agentErr string) error {
	s, ok := r.Get(id)
	if !ok {
		return ErrStreamNotFound
	}
	s.end(agentErr)
	return nil
}

// Close cancels and forgets a session. Idempotent.
func (r *Registry) Close(id string) {
	r.mu.Lock()
	s, ok := r.streams[id]
	delete(r.streams, id)
	r.mu.Unlock()
	if ok {
		s.cancel()
	}
}

// Count returns the number of live streams.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

func (s *Session) end(agentErr string) {
	s.endOnce.Do(func() {
		if agentErr != "" {
			s.endErr = fmt.Errorf("agent stream error: %s", agentErr)
		}
		close(s.endCh)
	})
}

// Cancel trips the session's cancellation scope.
func (s *Session) Cancel() {
	s.cancel()
}

// Done exposes the cancellation scope.
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Next returns the next chunk. io.EOF signals a clean end after all
// buffered chunks are drained; an agent-reported error surfaces after the
// drain too. The timeout bounds each wait — callers pass the first-chunk
// deadline for the initial read and a looser one after.
func (s *Session) Next(ctx context.Context, timeout time.Duration) (Chunk, error) {
	// Drain buffered chunks before honoring an end-of-stream.
	select {
	case c := <-s.ch:
		return c, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c := <-s.ch:
		return c, nil
	case <-s.endCh:
		// A chunk may have landed between the drain check and the end.
		select {
		case c := <-s.ch:
			return c, nil
		default:
		}
		if s.endErr != nil {
			return Chunk{}, s.endErr
		}
		return Chunk{}, io.EOF
	case <-s.ctx.Done():
		return Chunk{}, ErrStreamCancelled
	case <-ctx.Done():
		return Chunk{}, ctx.Err()
	case <-timer.C:
		return Chunk{}, ErrChunkTimeout
	}
}

// FirstChunkTimeout is the default deadline for the initial read.
func FirstChunkTimeout() time.Duration {
	return constants.FirstChunkTimeout
}

package stream

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeliverAndNextInOrder(t *testing.T) {
	reg := NewRegistry(4)
	s, err := reg.Open(context.Background(), "d1")
	require.NoError(t, err)
	defer reg.Close("d1")

	require.NoError(t, reg.Deliver("d1", 0, []byte("aaa")))
	require.NoError(t, reg.Deliver("d1", 1, []byte("bbb")))
	require.NoError(t, reg.End("d1", ""))

	c, err := s.Next(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(0), c.Seq)
	assert.Equal(t, []byte("aaa"), c.Data)

	c, err = s.Next(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.Seq)

	_, err = s.Next(context.Background(), time.Second)
	assert.ErrorIs(t, err, io.EOF)
}

func TestAgentErrorSurfacesAfterDrain(t *testing.T) {
	reg := NewRegistry(4)
	s, err := reg.Open(context.Background(), "d1")
	require.NoError(t, err)
	defer reg.Close("d1")

	require.NoError(t, reg.Deliver("d1", 0, []byte("partial")))
	require.NoError(t, reg.End("d1", "disk vanished"))

	_, err = s.Next(context.Background(), time.Second)
	require.NoError(t, err)

	_, err = s.Next(context.Background(), time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk vanished")
}

func TestDuplicateOpenRejected(t *testing.T) {
	reg := NewRegistry(4)
	_, err := reg.Open(context.Background(), "d1")
	require.NoError(t, err)
	_, err = reg.Open(context.Background(), "d1")
	assert.Error(t, err)
}

func TestDeliverToUnknownStreamDropped(t *testing.T) {
	reg := NewRegistry(4)
	err := reg.Deliver("ghost", 0, []byte("x"))
	assert.ErrorIs(t, err, ErrStreamNotFound)
}

func TestBackpressureBlocksProducerUntilConsumed(t *testing.T) {
	reg := NewRegistry(1)
	s, err := reg.Open(context.Background(), "d1")
	require.NoError(t, err)
	defer reg.Close("d1")

	require.NoError(t, reg.Deliver("d1", 0, []byte("first")))

	delivered := make(chan error, 1)
	go func() {
		delivered <- reg.Deliver("d1", 1, []byte("second"))
	}()

	// Channel is full; the producer must be blocked.
	select {
	case <-delivered:
		t.Fatal("producer was not blocked by a full channel")
	case <-time.After(50 * time.Millisecond):
	}

	_, err = s.Next(context.Background(), time.Second)
	require.NoError(t, err)

	select {
	case err := <-delivered:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("producer stayed blocked after a chunk was consumed")
	}
}

func TestCancellationUnblocksBothSides(t *testing.T) {
	reg := NewRegistry(1)
	s, err := reg.Open(context.Background(), "d1")
	require.NoError(t, err)

	require.NoError(t, reg.Deliver("d1", 0, []byte("x")))
	delivered := make(chan error, 1)
	go func() {
		delivered <- reg.Deliver("d1", 1, []byte("y"))
	}()

	s.Cancel()

	select {
	case err := <-delivered:
		assert.ErrorIs(t, err, ErrStreamCancelled)
	case <-time.After(time.Second):
		t.Fatal("blocked producer did not observe cancellation")
	}

	// Consumer sees cancellation once the buffer is drained.
	_, err = s.Next(context.Background(), time.Second)
	require.NoError(t, err)
	_, err = s.Next(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrStreamCancelled)

	reg.Close("d1")
	assert.Equal(t, 0, reg.Count())
}

func TestNextTimesOutOnSilentAgent(t *testing.T) {
	reg := NewRegistry(4)
	s, err := reg.Open(context.Background(), "d1")
	require.NoError(t, err)
	defer reg.Close("d1")

	_, err = s.Next(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrChunkTimeout)
}

package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cmdmodels "github.com/manlab/manlab/internal/command/models"
	"github.com/manlab/manlab/internal/common/constants"
	"github.com/manlab/manlab/internal/common/logger"
	"github.com/manlab/manlab/internal/session/models"
	"github.com/manlab/manlab/pkg/agentwire"
)

func TestClampTTL(t *testing.T) {
	assert.Equal(t, constants.SessionTTLMin, ClampTTL(0))
	assert.Equal(t, constants.SessionTTLMin, ClampTTL(-5*time.Second))
	assert.Equal(t, constants.SessionTTLMin, ClampTTL(500*time.Millisecond))
	assert.Equal(t, 10*time.Minute, ClampTTL(10*time.Minute))
	assert.Equal(t, constants.SessionTTLMax, ClampTTL(2*time.Hour))
}

func TestCreateAppliesClampedTTL(t *testing.T) {
	m := NewManager(models.KindFileBrowser)
	s := m.Create("node-1", "policy-1", "/srv", "admin", 0, 2*time.Hour)

	effective := s.ExpiresAt.Sub(s.CreatedAt)
	assert.Equal(t, constants.SessionTTLMax, effective)
	assert.Equal(t, models.StateOpen, s.State)
}

func TestTryGetRefusesExpired(t *testing.T) {
	m := NewManager(models.KindLogViewer)
	s := m.Create("node-1", "", "/var/log", "", 0, time.Second)

	got, ok := m.TryGet(s.ID)
	require.True(t, ok)
	assert.Equal(t, s.ID, got.ID)

	// Force expiry; TryGet must not revive it.
	s.ExpiresAt = time.Now().UTC().Add(-time.Second)
	_, ok = m.TryGet(s.ID)
	assert.False(t, ok)
}

func TestCloseIsIdempotent(t *testing.T) {
	m := NewManager(models.KindTerminal)
	s := m.Create("node-1", "", "/", "", 0, time.Minute)

	m.Close(s.ID)
	m.Close(s.ID)

	_, ok := m.TryGet(s.ID)
	assert.False(t, ok)
	assert.Equal(t, 0, m.Count())
}

type captureEnqueuer struct {
	mu    sync.Mutex
	calls []struct {
		nodeID string
		typ    string
	}
}

func (c *captureEnqueuer) Enqueue(_ context.Context, nodeID, commandType string, _ json.RawMessage) (*cmdmodels.Command, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, struct {
		nodeID string
		typ    string
	}{nodeID, commandType})
	return &cmdmodels.Command{ID: "cmd", NodeID: nodeID, Type: commandType}, nil
}

func TestCleanupReapsAndClosesTerminals(t *testing.T) {
	terminals := NewManager(models.KindTerminal)
	browsers := NewManager(models.KindFileBrowser)

	term := terminals.Create("node-1", "", "/", "", 0, time.Second)
	browse := browsers.Create("node-1", "p1", "/srv", "", 0, time.Second)
	live := browsers.Create("node-2", "p2", "/srv", "", 0, time.Hour)

	term.ExpiresAt = time.Now().UTC().Add(-time.Second)
	browse.ExpiresAt = time.Now().UTC().Add(-time.Second)

	enq := &captureEnqueuer{}
	worker := NewCleanupWorker(enq, logger.Default(), terminals, browsers)
	worker.ReapOnce(context.Background())

	_, ok := terminals.TryGet(term.ID)
	assert.False(t, ok)
	_, ok = browsers.TryGet(browse.ID)
	assert.False(t, ok)
	_, ok = browsers.TryGet(live.ID)
	assert.True(t, ok)

	// Only the terminal session triggers a remote close.
	require.Len(t, enq.calls, 1)
	assert.Equal(t, "node-1", enq.calls[0].nodeID)
	assert.Equal(t, agentwire.CommandTerminalClose, enq.calls[0].typ)
}

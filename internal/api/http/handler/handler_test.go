package handler

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/musterhq/muster/internal/blob"
	"github.com/musterhq/muster/internal/catalog"
	"github.com/musterhq/muster/internal/hub"
	"github.com/musterhq/muster/internal/session"
	"github.com/musterhq/muster/internal/store/memory"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeTransport struct {
	mu   sync.Mutex
	sent []catalog.Kind
}

func (f *fakeTransport) Send(kind catalog.Kind, _ json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, kind)
	return nil
}

func (f *fakeTransport) Close() error { return nil }

func newTestHub(t *testing.T) *hub.Hub {
	t.Helper()

	blobs, err := blob.NewStore(t.TempDir())
	require.NoError(t, err)

	h := hub.New(hub.Config{Store: memory.New(), Blobs: blobs})
	t.Cleanup(func() { h.Shutdown(context.Background()) })
	return h
}

// connect brings the agent online; disconnect it through the returned session
// to leave an offline record behind.
func connect(t *testing.T, h *hub.Hub, agentID string) *session.Session {
	t.Helper()
	sess, err := h.Connect(context.Background(), agentID, nil, &fakeTransport{})
	require.NoError(t, err)
	return sess
}

func enroll(t *testing.T, h *hub.Hub, agentID string) {
	t.Helper()
	sess := connect(t, h, agentID)
	h.Disconnect(context.Background(), agentID, sess.SID, "client closed")
}

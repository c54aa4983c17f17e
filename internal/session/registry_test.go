package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/musterhq/muster/internal/agents"
	"github.com/musterhq/muster/internal/catalog"
	"github.com/musterhq/muster/internal/store"
	"github.com/musterhq/muster/internal/store/memory"
)

// MockTransport is a mock implementation of Transport
type MockTransport struct {
	mock.Mock
}

func (m *MockTransport) Send(kind catalog.Kind, payload json.RawMessage) error {
	args := m.Called(kind, payload)
	return args.Error(0)
}

func (m *MockTransport) Close() error {
	args := m.Called()
	return args.Error(0)
}

func newClosableTransport() *MockTransport {
	mt := new(MockTransport)
	mt.On("Close").Return(nil)
	return mt
}

func newTestRegistry() (*Registry, store.Store, *testclock.FakeClock) {
	st := memory.New()
	clk := testclock.NewFakeClock(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	return NewRegistry(st, clk), st, clk
}

func TestNewRegistry(t *testing.T) {
	r, _, _ := newTestRegistry()
	assert.NotNil(t, r)
	assert.NotNil(t, r.sessions)
	assert.Equal(t, 0, r.Count())
}

func TestRegistry_Connect_CreatesAgentRecord(t *testing.T) {
	r, st, clk := newTestRegistry()
	ctx := context.Background()

	meta := map[string]string{"model": "Pixel 6", "release": "14"}
	sess, err := r.Connect(ctx, "agent-1", meta, newClosableTransport())
	require.NoError(t, err)
	require.NotNil(t, sess)

	assert.Equal(t, "agent-1", sess.AgentID)
	assert.NotEmpty(t, sess.SID)
	assert.Equal(t, StateConnecting, sess.State())
	assert.Equal(t, clk.Now(), sess.ConnectedAt)

	agent, err := st.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.True(t, agent.Online)
	assert.Equal(t, clk.Now(), agent.FirstSeen)
	assert.Equal(t, clk.Now(), agent.LastSeen)
	assert.Equal(t, "Pixel 6", agent.Metadata["model"])
}

func TestRegistry_Connect_KeepsFirstSeenOnReconnect(t *testing.T) {
	r, st, clk := newTestRegistry()
	ctx := context.Background()
	enrolled := clk.Now()

	sess, err := r.Connect(ctx, "agent-1", nil, newClosableTransport())
	require.NoError(t, err)
	require.NoError(t, r.Disconnect(ctx, "agent-1", sess.SID, "client closed"))

	clk.Step(time.Hour)
	_, err = r.Connect(ctx, "agent-1", nil, newClosableTransport())
	require.NoError(t, err)

	agent, err := st.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, enrolled, agent.FirstSeen)
	assert.Equal(t, enrolled.Add(time.Hour), agent.LastSeen)
}

func TestRegistry_Connect_ReplaceExisting(t *testing.T) {
	r, _, _ := newTestRegistry()
	ctx := context.Background()

	t1 := newClosableTransport()
	s1, err := r.Connect(ctx, "agent-1", nil, t1)
	require.NoError(t, err)

	t2 := new(MockTransport)
	s2, err := r.Connect(ctx, "agent-1", nil, t2)
	require.NoError(t, err)

	assert.NotEqual(t, s1.SID, s2.SID)
	assert.Equal(t, 1, r.Count())
	assert.Equal(t, StateDisconnected, s1.State())

	cur, ok := r.Get("agent-1")
	require.True(t, ok)
	assert.Equal(t, s2.SID, cur.SID)

	// The superseded transport was closed; the new one was not touched.
	t1.AssertCalled(t, "Close")
	t2.AssertNotCalled(t, "Close")
}

func TestRegistry_Connect_MergesMetadata(t *testing.T) {
	r, st, _ := newTestRegistry()
	ctx := context.Background()

	_, err := r.Connect(ctx, "agent-1",
		map[string]string{"model": "Pixel 6", "release": "13"}, newClosableTransport())
	require.NoError(t, err)

	_, err = r.Connect(ctx, "agent-1",
		map[string]string{"release": "14"}, newClosableTransport())
	require.NoError(t, err)

	agent, err := st.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "Pixel 6", agent.Metadata["model"])
	assert.Equal(t, "14", agent.Metadata["release"])
}

func TestRegistry_Disconnect_StampsOffline(t *testing.T) {
	r, st, clk := newTestRegistry()
	ctx := context.Background()

	sess, err := r.Connect(ctx, "agent-1", nil, newClosableTransport())
	require.NoError(t, err)

	clk.Step(5 * time.Minute)
	require.NoError(t, r.Disconnect(ctx, "agent-1", sess.SID, "client closed"))

	assert.False(t, r.IsOnline("agent-1"))
	assert.Equal(t, StateDisconnected, sess.State())

	agent, err := st.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.False(t, agent.Online)
	assert.Equal(t, sess.ConnectedAt.Add(5*time.Minute), agent.LastSeen)
}

func TestRegistry_ConnectionHistory(t *testing.T) {
	r, st, clk := newTestRegistry()
	ctx := context.Background()

	meta := map[string]string{agents.MetaRemoteAddr: "203.0.113.7"}
	sess, err := r.Connect(ctx, "agent-1", meta, newClosableTransport())
	require.NoError(t, err)

	logs, err := st.ConnectionLogs(ctx, "agent-1", 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, sess.SID, logs[0].SID)
	assert.Equal(t, "203.0.113.7", logs[0].RemoteAddr)
	assert.Nil(t, logs[0].DisconnectedAt)

	clk.Step(90 * time.Second)
	require.NoError(t, r.Disconnect(ctx, "agent-1", sess.SID, "client closed"))

	logs, err = st.ConnectionLogs(ctx, "agent-1", 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.NotNil(t, logs[0].DisconnectedAt)
	assert.Equal(t, "client closed", logs[0].DisconnectReason)
	assert.Equal(t, int64(90), logs[0].DurationSeconds)
}

func TestRegistry_ConnectionHistory_Supersede(t *testing.T) {
	r, st, _ := newTestRegistry()
	ctx := context.Background()

	s1, err := r.Connect(ctx, "agent-1", nil, newClosableTransport())
	require.NoError(t, err)
	s2, err := r.Connect(ctx, "agent-1", nil, newClosableTransport())
	require.NoError(t, err)

	// Newest first: the live replacement, then the superseded entry.
	logs, err := st.ConnectionLogs(ctx, "agent-1", 0)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, s2.SID, logs[0].SID)
	assert.Nil(t, logs[0].DisconnectedAt)
	assert.Equal(t, s1.SID, logs[1].SID)
	require.NotNil(t, logs[1].DisconnectedAt)
	assert.Equal(t, "superseded", logs[1].DisconnectReason)

	// The old connection's late teardown must not restamp the entry the
	// supersede already closed.
	require.NoError(t, r.Disconnect(ctx, "agent-1", s1.SID, "connection error"))
	logs, err = st.ConnectionLogs(ctx, "agent-1", 0)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "superseded", logs[1].DisconnectReason)
}

func TestRegistry_Disconnect_StaleSIDIgnored(t *testing.T) {
	r, st, _ := newTestRegistry()
	ctx := context.Background()

	// Reconnect races the teardown of the first connection: the new session
	// registers first, then the old one's disconnect arrives late.
	s1, err := r.Connect(ctx, "agent-1", nil, newClosableTransport())
	require.NoError(t, err)
	s2, err := r.Connect(ctx, "agent-1", nil, newClosableTransport())
	require.NoError(t, err)

	require.NoError(t, r.Disconnect(ctx, "agent-1", s1.SID, "connection error"))

	// The late disconnect must not displace the live session.
	assert.True(t, r.IsOnline("agent-1"))
	cur, ok := r.Get("agent-1")
	require.True(t, ok)
	assert.Equal(t, s2.SID, cur.SID)

	agent, err := st.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.True(t, agent.Online)

	// The current session's disconnect still works.
	require.NoError(t, r.Disconnect(ctx, "agent-1", s2.SID, "client closed"))
	assert.False(t, r.IsOnline("agent-1"))
}

func TestRegistry_Disconnect_NonExistent(t *testing.T) {
	r, _, _ := newTestRegistry()

	// Should not error or panic
	assert.NoError(t, r.Disconnect(context.Background(), "never-seen", "sid-x", "client closed"))
}

func TestRegistry_Disconnect_AfterAgentDeleted(t *testing.T) {
	r, st, _ := newTestRegistry()
	ctx := context.Background()

	sess, err := r.Connect(ctx, "agent-1", nil, newClosableTransport())
	require.NoError(t, err)

	require.NoError(t, st.DeleteAgent(ctx, "agent-1"))
	assert.NoError(t, r.Disconnect(ctx, "agent-1", sess.SID, "client closed"))
	assert.False(t, r.IsOnline("agent-1"))
}

func TestRegistry_Activate(t *testing.T) {
	r, _, _ := newTestRegistry()
	ctx := context.Background()

	s1, err := r.Connect(ctx, "agent-1", nil, newClosableTransport())
	require.NoError(t, err)

	assert.True(t, r.Activate("agent-1", s1.SID))
	assert.Equal(t, StateActive, s1.State())

	// A superseded sid can no longer activate anything.
	s2, err := r.Connect(ctx, "agent-1", nil, newClosableTransport())
	require.NoError(t, err)
	assert.False(t, r.Activate("agent-1", s1.SID))
	assert.True(t, r.Activate("agent-1", s2.SID))
}

func TestRegistry_Drop(t *testing.T) {
	r, st, _ := newTestRegistry()
	ctx := context.Background()

	tr := newClosableTransport()
	sess, err := r.Connect(ctx, "agent-1", nil, tr)
	require.NoError(t, err)

	assert.True(t, r.Drop("agent-1"))
	assert.False(t, r.IsOnline("agent-1"))
	tr.AssertCalled(t, "Close")

	// Drop skips the store on purpose: the caller is deleting the agent.
	agent, err := st.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.True(t, agent.Online)

	// The read loop's own disconnect then finds nothing.
	assert.NoError(t, r.Disconnect(ctx, "agent-1", sess.SID, "client closed"))
	assert.False(t, r.Drop("agent-1"))
}

func TestRegistry_ListOnline(t *testing.T) {
	r, _, _ := newTestRegistry()
	ctx := context.Background()

	assert.Empty(t, r.ListOnline())

	for _, id := range []string{"agent-1", "agent-2", "agent-3"} {
		_, err := r.Connect(ctx, id, nil, newClosableTransport())
		require.NoError(t, err)
	}

	online := r.ListOnline()
	assert.Len(t, online, 3)
	assert.Contains(t, online, "agent-1")
	assert.Contains(t, online, "agent-2")
	assert.Contains(t, online, "agent-3")
	assert.Equal(t, 3, r.Count())
}

func TestRegistry_Shutdown(t *testing.T) {
	r, st, _ := newTestRegistry()
	ctx := context.Background()

	t1 := newClosableTransport()
	t2 := newClosableTransport()
	_, err := r.Connect(ctx, "agent-1", nil, t1)
	require.NoError(t, err)
	_, err = r.Connect(ctx, "agent-2", nil, t2)
	require.NoError(t, err)

	r.Shutdown(ctx)

	assert.Equal(t, 0, r.Count())
	t1.AssertCalled(t, "Close")
	t2.AssertCalled(t, "Close")

	for _, id := range []string{"agent-1", "agent-2"} {
		agent, err := st.GetAgent(ctx, id)
		require.NoError(t, err)
		assert.False(t, agent.Online, "agent %s", id)

		logs, err := st.ConnectionLogs(ctx, id, 0)
		require.NoError(t, err)
		require.Len(t, logs, 1)
		assert.Equal(t, "server shutdown", logs[0].DisconnectReason)
	}
}

func TestRegistry_ConcurrentConnects(t *testing.T) {
	r, _, _ := newTestRegistry()
	ctx := context.Background()

	done := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		go func(id int) {
			agentID := "agent-" + string(rune('0'+id))
			_, err := r.Connect(ctx, agentID, nil, newClosableTransport())
			assert.NoError(t, err)
			done <- true
		}(i)
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	assert.Equal(t, 10, r.Count())
}

package session

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wfunc/partyserver/network"
)

// MockConnection records sent frames. When block is set, Send waits on it.
type MockConnection struct {
	mu      sync.Mutex
	sent    []uint16
	started chan uint16
	block   chan struct{}
	closed  bool
}

func newMockConnection() *MockConnection {
	return &MockConnection{started: make(chan uint16, 16)}
}

func (m *MockConnection) Send(msgID uint16, data []byte) error {
	m.started <- msgID
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msgID)
	return nil
}

func (m *MockConnection) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MockConnection) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MockConnection) RemoteAddr() net.Addr                 { return &net.TCPAddr{} }
func (m *MockConnection) SetHeartbeat(interval time.Duration)  {}
func (m *MockConnection) ReadPacket() (*network.Packet, error) { return nil, nil }

func TestManager_Add_Get_Remove(t *testing.T) {
	manager := NewManager()
	sess := NewSession("test_session_1", newMockConnection(), Options{})
	defer sess.Close()

	manager.Add(sess)
	assert.Equal(t, 1, manager.Count())

	got, exists := manager.Get("test_session_1")
	require.True(t, exists)
	assert.Same(t, sess, got)

	manager.Remove("test_session_1")
	_, exists = manager.Get("test_session_1")
	assert.False(t, exists)
	assert.Zero(t, manager.Count())
}

func TestManager_InRoom(t *testing.T) {
	manager := NewManager()
	s1 := NewSession("s1", newMockConnection(), Options{})
	s2 := NewSession("s2", newMockConnection(), Options{})
	s3 := NewSession("s3", newMockConnection(), Options{})
	for _, s := range []*Session{s1, s2, s3} {
		manager.Add(s)
		defer s.Close()
	}

	s1.Bind("ABCD", "p1", "u1", false)
	s2.Bind("ABCD", "", "", true)
	s3.Bind("WXYZ", "p3", "u1", false)

	assert.ElementsMatch(t, []*Session{s1, s2}, manager.InRoom("ABCD"))
	assert.Len(t, manager.All(), 3)
	assert.Equal(t, "u1", s3.UserID())
	assert.Empty(t, manager.InRoom(""))
	assert.True(t, s2.IsHost())

	s1.Unbind()
	assert.Equal(t, []*Session{s2}, manager.InRoom("ABCD"))
	assert.Empty(t, s1.PlayerID())
}

func TestSession_SendDeliversInOrder(t *testing.T) {
	conn := newMockConnection()
	sess := NewSession("s", conn, Options{QueueSize: 8})
	defer sess.Close()

	for _, id := range []uint16{network.MsgTypeRoundStart, network.MsgTypeUpdate, network.MsgTypeRoundEnd} {
		require.NoError(t, sess.Send(id, nil))
	}
	for i := 0; i < 3; i++ {
		<-conn.started
	}
	assert.Eventually(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return len(conn.sent) == 3
	}, time.Second, 5*time.Millisecond)
	conn.mu.Lock()
	assert.Equal(t, []uint16{network.MsgTypeRoundStart, network.MsgTypeUpdate, network.MsgTypeRoundEnd}, conn.sent)
	conn.mu.Unlock()
}

func TestSession_SlowConsumerIsDropped(t *testing.T) {
	conn := newMockConnection()
	conn.block = make(chan struct{})
	sess := NewSession("s", conn, Options{QueueSize: 1})

	require.NoError(t, sess.Send(1, nil))
	<-conn.started // the writer holds the first frame
	require.NoError(t, sess.Send(2, nil))

	assert.ErrorIs(t, sess.Send(3, nil), ErrSlowConsumer)
	assert.True(t, conn.isClosed())
	assert.ErrorIs(t, sess.Send(4, nil), ErrSessionClosed)

	select {
	case <-sess.Done():
	default:
		t.Fatal("session should be closed")
	}
	close(conn.block)
}

func TestSession_FlushWaitsForQueuedFrames(t *testing.T) {
	conn := newMockConnection()
	conn.block = make(chan struct{})
	sess := NewSession("s", conn, Options{QueueSize: 4})
	defer sess.Close()

	require.NoError(t, sess.Send(network.MsgTypeError, nil))
	<-conn.started

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, sess.Flush(short), context.DeadlineExceeded, "the writer is still blocked")

	close(conn.block)
	require.NoError(t, sess.Flush(context.Background()))
	conn.mu.Lock()
	assert.Equal(t, []uint16{network.MsgTypeError}, conn.sent)
	conn.mu.Unlock()

	require.NoError(t, sess.Close())
	assert.ErrorIs(t, sess.Flush(context.Background()), ErrSessionClosed)
}

func TestSession_RateLimit(t *testing.T) {
	sess := NewSession("s", newMockConnection(), Options{ActionRate: 0.001, ActionBurst: 2})
	defer sess.Close()

	assert.True(t, sess.Allow())
	assert.True(t, sess.Allow())
	assert.False(t, sess.Allow())

	unlimited := NewSession("u", newMockConnection(), Options{})
	defer unlimited.Close()
	for i := 0; i < 100; i++ {
		require.True(t, unlimited.Allow())
	}
}

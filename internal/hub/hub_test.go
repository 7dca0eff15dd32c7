package hub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	h := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(cancel)
	return h, cancel
}

func receive(t *testing.T, c *Connection) []byte {
	t.Helper()
	select {
	case data, ok := <-c.Send:
		require.True(t, ok, "send channel closed")
		return data
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestBroadcastReachesOnlyExecutionSubscribers(t *testing.T) {
	h, _ := startHub(t)

	a := h.NewConnection(nil, "exec-1")
	b := h.NewConnection(nil, "exec-1")
	other := h.NewConnection(nil, "exec-2")
	h.Register(a)
	h.Register(b)
	h.Register(other)

	require.NoError(t, h.BroadcastJSON("exec-1", map[string]string{"type": "view"}))

	assert.JSONEq(t, `{"type":"view"}`, string(receive(t, a)))
	assert.JSONEq(t, `{"type":"view"}`, string(receive(t, b)))
	select {
	case <-other.Send:
		t.Fatal("unexpected message for another execution")
	case <-time.After(50 * time.Millisecond):
	}

	assert.True(t, h.HasSubscribers("exec-1"))
	assert.Equal(t, 3, h.GetConnectionCount())
}

func TestUnregisterClosesSendChannel(t *testing.T) {
	h, _ := startHub(t)

	c := h.NewConnection(nil, "exec-1")
	h.Register(c)
	h.Unregister(c)

	select {
	case _, ok := <-c.Send:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("send channel not closed")
	}
	assert.Eventually(t, func() bool { return !h.HasSubscribers("exec-1") }, time.Second, 10*time.Millisecond)

	// A second unregister is a no-op.
	h.Unregister(c)
}

func TestRunExitClosesConnections(t *testing.T) {
	h, cancel := startHub(t)

	c := h.NewConnection(nil, "exec-1")
	h.Register(c)
	cancel()

	select {
	case _, ok := <-c.Send:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("send channel not closed on shutdown")
	}

	// Calls after shutdown do not block.
	h.Broadcast("exec-1", []byte("x"))
	h.Unregister(c)
}

func TestSendToConnectionBufferFull(t *testing.T) {
	h := NewHub(nil)
	c := h.NewConnection(nil, "exec-1")
	for i := 0; i < cap(c.Send); i++ {
		require.NoError(t, h.SendToConnection(c, []byte("x")))
	}
	assert.ErrorIs(t, h.SendToConnection(c, []byte("x")), ErrBufferFull)
}

func TestSendAfterShutdownReturnsClosed(t *testing.T) {
	h, cancel := startHub(t)

	c := h.NewConnection(nil, "exec-1")
	h.Register(c)
	cancel()

	// Drain until Run has closed the channel.
	select {
	case _, ok := <-c.Send:
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("send channel not closed on shutdown")
	}

	assert.NotPanics(t, func() {
		assert.ErrorIs(t, h.SendJSONToConnection(c, map[string]string{"type": "view"}), ErrConnectionClosed)
	})
}

func TestSendAfterUnregisterReturnsClosed(t *testing.T) {
	h, _ := startHub(t)

	c := h.NewConnection(nil, "exec-1")
	h.Register(c)
	h.Unregister(c)
	assert.Eventually(t, func() bool { return !h.HasSubscribers("exec-1") }, time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, h.SendToConnection(c, []byte("x")), ErrConnectionClosed)
}

func TestRegisterOnStoppedHubClosesConnection(t *testing.T) {
	h, cancel := startHub(t)
	cancel()
	require.Eventually(t, func() bool {
		select {
		case <-h.done:
			return true
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)

	c := h.NewConnection(nil, "exec-1")
	h.Register(c)

	_, ok := <-c.Send
	assert.False(t, ok)
	assert.ErrorIs(t, h.SendToConnection(c, []byte("x")), ErrConnectionClosed)
}

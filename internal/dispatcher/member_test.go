package dispatcher

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/studyhub/groupchannel/internal/protocol"
)

const frameTimeout = 2 * time.Second

// fakeMember records what a dispatcher sends to it
type fakeMember struct {
	runID  string
	frames chan []byte

	closeOnce sync.Once
	closed    chan struct{}
	mu        sync.Mutex
	reason    string
	rebound   chan *Dispatcher
}

func newFakeMember(runID string, capacity int) *fakeMember {
	return &fakeMember{
		runID:   runID,
		frames:  make(chan []byte, capacity),
		closed:  make(chan struct{}),
		rebound: make(chan *Dispatcher, 1),
	}
}

func (m *fakeMember) RunID() string {
	return m.runID
}

func (m *fakeMember) Deliver(frame []byte) bool {
	select {
	case <-m.closed:
		return false
	default:
	}
	select {
	case m.frames <- frame:
		return true
	default:
		return false
	}
}

func (m *fakeMember) ForceClose(reason string) {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.reason = reason
		m.mu.Unlock()
		close(m.closed)
	})
}

func (m *fakeMember) Rebind(target *Dispatcher) {
	m.rebound <- target
	go target.Join(m)
}

func (m *fakeMember) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

// next returns the next frame sent to the member
func (m *fakeMember) next(t *testing.T) []byte {
	t.Helper()
	select {
	case frame := <-m.frames:
		return frame
	case <-time.After(frameTimeout):
		t.Fatalf("run %s: no frame received", m.runID)
		return nil
	}
}

// nextAction decodes the next frame as an action frame and checks its action
func (m *fakeMember) nextAction(t *testing.T, action protocol.Action) protocol.ActionMessage {
	t.Helper()
	var msg protocol.ActionMessage
	require.NoError(t, json.Unmarshal(m.next(t), &msg))
	require.Equal(t, action, msg.Action, "run %s", m.runID)
	return msg
}

// expectNothing checks no frame is queued. Callers make sure the dispatcher is idle first.
func (m *fakeMember) expectNothing(t *testing.T) {
	t.Helper()
	select {
	case frame := <-m.frames:
		t.Fatalf("run %s: unexpected frame %s", m.runID, frame)
	default:
	}
}

func (m *fakeMember) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-m.closed:
	case <-time.After(frameTimeout):
		t.Fatalf("run %s: channel was not closed", m.runID)
	}
}

// startDispatcher runs a dispatcher for the duration of the test
func startDispatcher(t *testing.T, groupID string, opts ...Option) *Dispatcher {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	d := New(groupID, opts...)
	go d.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-d.Done()
	})
	return d
}

// barrier waits until the dispatcher handled everything queued before
func barrier(t *testing.T, d *Dispatcher) GroupInfo {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), frameTimeout)
	defer cancel()
	info, err := d.Snapshot(ctx)
	require.NoError(t, err)
	return info
}

// joinAndDrain joins m and consumes the frames the join sends it
func joinAndDrain(t *testing.T, d *Dispatcher, m *fakeMember) protocol.ActionMessage {
	t.Helper()
	require.True(t, d.Join(m))
	return m.nextAction(t, protocol.ActionOpened)
}

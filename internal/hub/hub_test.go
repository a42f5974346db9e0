package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is an in-memory transport. Written frames land on wrote;
// ReadMessage blocks until the test feeds a frame or closes the conn.
type fakeConn struct {
	wrote   chan []byte
	inbound chan []byte
	failMu  sync.Mutex
	fail    bool
	closed  chan struct{}
	once    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		wrote:   make(chan []byte, 64),
		inbound: make(chan []byte, 8),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.failMu.Lock()
	fail := c.fail
	c.failMu.Unlock()
	if fail {
		return errors.New("write failed")
	}
	c.wrote <- append([]byte(nil), data...)
	return nil
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.inbound:
		return TextMessage, data, nil
	case <-c.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) setFail(fail bool) {
	c.failMu.Lock()
	c.fail = fail
	c.failMu.Unlock()
}

func nextMessage(t *testing.T, c *fakeConn) Message {
	t.Helper()
	select {
	case data := <-c.wrote:
		var msg Message
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func expectNoMessage(t *testing.T, c *fakeConn) {
	t.Helper()
	select {
	case data := <-c.wrote:
		t.Fatalf("unexpected message: %s", data)
	case <-time.After(100 * time.Millisecond):
	}
}

func connect(t *testing.T, h *Hub) (*Session, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	s := h.Connect(conn, "")
	msg := nextMessage(t, conn)
	require.Equal(t, TypeConnectionEstablished, msg.Type)
	return s, conn
}

func waitForStats(t *testing.T, h *Hub, pred func(Stats) bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if pred(h.ConnectionStats()) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("stats condition not reached: %+v", h.ConnectionStats())
}

func TestConnectDisconnectCleansIndexes(t *testing.T) {
	h := New()
	s, _ := connect(t, h)

	h.HandleClientMessage(s.ID, []byte(`{"type":"subscribe_train","train_id":7}`))
	h.HandleClientMessage(s.ID, []byte(`{"type":"subscribe_section","section_id":100}`))
	h.HandleClientMessage(s.ID, []byte(`{"type":"subscribe_all"}`))
	h.HandleClientMessage(s.ID, []byte(`{"type":"subscribe_ai"}`))

	h.Disconnect(s.ID)
	h.Disconnect(s.ID) // idempotent

	st := h.ConnectionStats()
	assert.Zero(t, st.Sessions)
	assert.Zero(t, st.TrainSubscriptions)
	assert.Zero(t, st.SectionSubscriptions)
	assert.Zero(t, st.AllSubscribers)
	assert.Zero(t, st.AISubscribers)
}

func TestSubscribeTrainDeliversOnce(t *testing.T) {
	h := New()
	s, conn := connect(t, h)

	h.HandleClientMessage(s.ID, []byte(`{"type":"subscribe_train","train_id":7}`))
	msg := nextMessage(t, conn)
	require.Equal(t, TypeSubscriptionConfirmed, msg.Type)

	// subscribed to the train AND to all: still exactly one delivery
	h.HandleClientMessage(s.ID, []byte(`{"type":"subscribe_all"}`))
	nextMessage(t, conn) // confirmation

	h.BroadcastPositionUpdate(PositionUpdate{
		TrainID: 7, TrainNumber: "EX-7", TrainType: "express",
		Position: PositionPayload{SectionID: 100, SpeedKmh: 120, Timestamp: time.Now()},
	})

	msg = nextMessage(t, conn)
	assert.Equal(t, TypePositionUpdate, msg.Type)
	expectNoMessage(t, conn)
}

func TestPositionUpdateFiltering(t *testing.T) {
	h := New()
	trainSub, trainConn := connect(t, h)
	sectionSub, sectionConn := connect(t, h)
	_, idleConn := connect(t, h)

	h.HandleClientMessage(trainSub.ID, []byte(`{"type":"subscribe_train","train_id":7}`))
	nextMessage(t, trainConn)
	h.HandleClientMessage(sectionSub.ID, []byte(`{"type":"subscribe_section","section_id":100}`))
	nextMessage(t, sectionConn)

	h.BroadcastPositionUpdate(PositionUpdate{
		TrainID:  7,
		Position: PositionPayload{SectionID: 100, Timestamp: time.Now()},
	})

	assert.Equal(t, TypePositionUpdate, nextMessage(t, trainConn).Type)
	assert.Equal(t, TypePositionUpdate, nextMessage(t, sectionConn).Type)
	expectNoMessage(t, idleConn)
}

func TestSessionMessageOrdering(t *testing.T) {
	h := New()
	s, conn := connect(t, h)
	h.HandleClientMessage(s.ID, []byte(`{"type":"subscribe_all"}`))
	nextMessage(t, conn)

	for i := 0; i < 10; i++ {
		h.BroadcastSystemStatus(map[string]int{"seq": i})
	}
	for i := 0; i < 10; i++ {
		msg := nextMessage(t, conn)
		require.Equal(t, TypeSystemStatus, msg.Type)
		data := msg.Data.(map[string]any)
		assert.Equal(t, float64(i), data["seq"])
	}
}

func TestFailingSendDoesNotAffectOthers(t *testing.T) {
	h := New()
	bad, badConn := connect(t, h)
	good, goodConn := connect(t, h)

	h.HandleClientMessage(bad.ID, []byte(`{"type":"subscribe_all"}`))
	nextMessage(t, badConn)
	h.HandleClientMessage(good.ID, []byte(`{"type":"subscribe_all"}`))
	nextMessage(t, goodConn)

	badConn.setFail(true)
	h.BroadcastConflictAlert(ConflictAlert{ConflictID: 1, Type: "spatial_collision", Severity: 9})

	assert.Equal(t, TypeConflictAlert, nextMessage(t, goodConn).Type)
	// the failed session is eventually removed
	waitForStats(t, h, func(st Stats) bool { return st.Sessions == 1 })
}

func TestPingPong(t *testing.T) {
	h := New()
	s, conn := connect(t, h)

	h.HandleClientMessage(s.ID, []byte(`{"type":"ping"}`))
	msg := nextMessage(t, conn)
	assert.Equal(t, TypePong, msg.Type)
}

func TestInvalidMessagesReplyWithoutDisconnect(t *testing.T) {
	h := New()
	s, conn := connect(t, h)

	h.HandleClientMessage(s.ID, []byte(`{not json`))
	assert.Equal(t, TypeError, nextMessage(t, conn).Type)

	h.HandleClientMessage(s.ID, []byte(`{"type":"warp_drive"}`))
	assert.Equal(t, TypeError, nextMessage(t, conn).Type)

	h.HandleClientMessage(s.ID, []byte(`{"type":"subscribe_train"}`))
	assert.Equal(t, TypeError, nextMessage(t, conn).Type)

	assert.Equal(t, 1, h.ConnectionStats().Sessions)
}

func TestUnsubscribeTrain(t *testing.T) {
	h := New()
	s, conn := connect(t, h)

	h.HandleClientMessage(s.ID, []byte(`{"type":"subscribe_train","train_id":7}`))
	nextMessage(t, conn)
	h.HandleClientMessage(s.ID, []byte(`{"type":"unsubscribe_train","train_id":7}`))
	assert.Equal(t, TypeUnsubscriptionConfirmed, nextMessage(t, conn).Type)

	h.BroadcastPositionUpdate(PositionUpdate{TrainID: 7, Position: PositionPayload{SectionID: 1}})
	expectNoMessage(t, conn)
}

func TestAIUpdateRouting(t *testing.T) {
	h := New()
	aiSub, aiConn := connect(t, h)
	_, idleConn := connect(t, h)

	h.HandleClientMessage(aiSub.ID, []byte(`{"type":"subscribe_ai"}`))
	nextMessage(t, aiConn)

	trainID := int64(3)
	h.BroadcastAIUpdate(AIUpdate{TrainID: &trainID, Event: "solution_ranked"})

	assert.Equal(t, TypeAIUpdate, nextMessage(t, aiConn).Type)
	expectNoMessage(t, idleConn)
}

func TestUnsubscribeAITraining(t *testing.T) {
	h := New()
	s, conn := connect(t, h)

	h.HandleClientMessage(s.ID, []byte(`{"type":"subscribe_ai_training"}`))
	assert.Equal(t, TypeSubscriptionConfirmed, nextMessage(t, conn).Type)
	assert.Equal(t, 1, h.ConnectionStats().AITrainingSubs)

	h.HandleClientMessage(s.ID, []byte(`{"type":"unsubscribe_ai_training"}`))
	assert.Equal(t, TypeUnsubscriptionConfirmed, nextMessage(t, conn).Type)
	assert.Zero(t, h.ConnectionStats().AITrainingSubs)

	h.BroadcastAITrainingUpdate(map[string]any{"epoch": 3})
	expectNoMessage(t, conn)
}

func TestReadLoopDispatchesAndCleansUp(t *testing.T) {
	h := New()
	s, conn := connect(t, h)

	go h.ReadLoop(s)

	conn.inbound <- []byte(`{"type":"ping"}`)
	assert.Equal(t, TypePong, nextMessage(t, conn).Type)

	conn.Close()
	waitForStats(t, h, func(st Stats) bool { return st.Sessions == 0 })
}

func TestConnectionStats(t *testing.T) {
	h := New()
	for i := 0; i < 3; i++ {
		s, conn := connect(t, h)
		h.HandleClientMessage(s.ID, []byte(fmt.Sprintf(`{"type":"subscribe_train","train_id":%d}`, i)))
		nextMessage(t, conn)
	}
	st := h.ConnectionStats()
	assert.Equal(t, 3, st.Sessions)
	assert.Equal(t, 3, st.TrainSubscriptions)
	assert.NotZero(t, st.MessagesSent)
}

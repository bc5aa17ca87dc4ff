package chat

import (
	"context"
	"fmt"
	"testing"
	"time"

	"parley/cmd/internal/shutdown"
)

func startBroker(t *testing.T, store MessageStore) (*Handle, shutdown.Token) {
	t.Helper()
	tok := testShutdown(t)
	b, h := NewBroker(testLogger(), store, testMetrics(), tok, BrokerConfig{
		HistoryCapacity: 100,
		FlushMaxCount:   80,
		FlushMaxAge:     time.Hour,
	})
	tok.Go("broker", testLogger(), b.Run)
	return h, tok
}

func recvMsg(t *testing.T, out <-chan Message) Message {
	t.Helper()
	select {
	case msg, ok := <-out:
		if !ok {
			t.Fatalf("outbound queue closed while waiting for a message")
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a message")
		return nil
	}
}

func expectNoMsg(t *testing.T, out <-chan Message) {
	t.Helper()
	select {
	case msg := <-out:
		t.Fatalf("unexpected message %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

// register connects a user and consumes the InitialState frame.
func register(t *testing.T, h *Handle, user string) (ConnID, chan Message, InitialState) {
	t.Helper()
	out := make(chan Message, 64)
	conn, err := h.Register(out, testSession(user))
	if err != nil {
		t.Fatalf("Register(%s): %v", user, err)
	}
	state, ok := recvMsg(t, out).(InitialState)
	if !ok {
		t.Fatalf("Register(%s): first frame was not InitialState", user)
	}
	return conn, out, state
}

func presenceCount(state InitialState, user User) (uint8, bool) {
	for _, e := range state.ConnectedUsers {
		if e.User == user {
			return e.Count, true
		}
	}
	return 0, false
}

func TestBroker_FirstJoinSeesOnlyItself(t *testing.T) {
	t.Parallel()

	h, _ := startBroker(t, NewMemoryStore())

	conn, out, state := register(t, h, "alice")
	if !conn.valid() {
		t.Fatalf("Register returned an invalid ConnID")
	}
	if len(state.ConnectedUsers) != 1 {
		t.Fatalf("presence=%+v want exactly alice", state.ConnectedUsers)
	}
	if n, ok := presenceCount(state, "alice"); !ok || n != 1 {
		t.Fatalf("alice presence=%d ok=%v want 1", n, ok)
	}
	if len(state.History.IMs) != 0 {
		t.Fatalf("history=%+v want empty", state.History.IMs)
	}

	// The joiner must not receive its own UserJoined.
	expectNoMsg(t, out)
}

func TestBroker_JoinAnnouncedToOthers(t *testing.T) {
	t.Parallel()

	h, _ := startBroker(t, NewMemoryStore())

	_, aliceOut, _ := register(t, h, "alice")
	_, _, bobState := register(t, h, "bob")

	joined, ok := recvMsg(t, aliceOut).(UserJoined)
	if !ok || joined.User != "bob" {
		t.Fatalf("alice got %+v want UserJoined{bob}", joined)
	}

	if n, _ := presenceCount(bobState, "alice"); n != 1 {
		t.Fatalf("bob's view of alice=%d want 1", n)
	}
	if n, _ := presenceCount(bobState, "bob"); n != 1 {
		t.Fatalf("bob's view of bob=%d want 1", n)
	}
}

func TestBroker_BroadcastReachesEveryoneInOrder(t *testing.T) {
	t.Parallel()

	h, _ := startBroker(t, NewMemoryStore())

	_, aliceOut, _ := register(t, h, "alice")
	_, bobOut, _ := register(t, h, "bob")
	recvMsg(t, aliceOut) // bob's UserJoined

	for i := 1; i <= 3; i++ {
		im := IM{Author: "alice", Timestamp: Timestamp(i), Content: fmt.Sprintf("m%d", i)}
		if err := h.Broadcast(im, ConnID{}); err != nil {
			t.Fatalf("Broadcast %d: %v", i, err)
		}
	}

	for _, out := range []chan Message{aliceOut, bobOut} {
		for i := 1; i <= 3; i++ {
			im, ok := recvMsg(t, out).(IM)
			if !ok || im.Timestamp != Timestamp(i) {
				t.Fatalf("got %+v want IM with timestamp %d", im, i)
			}
		}
	}
}

func TestBroker_BroadcastSkipsSender(t *testing.T) {
	t.Parallel()

	h, _ := startBroker(t, NewMemoryStore())

	aliceConn, aliceOut, _ := register(t, h, "alice")
	_, bobOut, _ := register(t, h, "bob")
	recvMsg(t, aliceOut) // bob's UserJoined

	if err := h.Broadcast(UserJoined{User: "ghost"}, aliceConn); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	if msg, ok := recvMsg(t, bobOut).(UserJoined); !ok || msg.User != "ghost" {
		t.Fatalf("bob got %+v want UserJoined{ghost}", msg)
	}
	expectNoMsg(t, aliceOut)
}

func TestBroker_HistoryVisibleToLateJoiner(t *testing.T) {
	t.Parallel()

	h, _ := startBroker(t, NewMemoryStore())

	_, aliceOut, _ := register(t, h, "alice")
	for i := 1; i <= 3; i++ {
		im := IM{Author: "alice", Timestamp: Timestamp(i), Content: fmt.Sprintf("m%d", i)}
		if err := h.Broadcast(im, ConnID{}); err != nil {
			t.Fatalf("Broadcast: %v", err)
		}
		recvMsg(t, aliceOut)
	}

	_, _, bobState := register(t, h, "bob")
	if len(bobState.History.IMs) != 3 {
		t.Fatalf("history len=%d want=3", len(bobState.History.IMs))
	}
	for i, im := range bobState.History.IMs {
		if im.Timestamp != Timestamp(i+1) {
			t.Fatalf("history[%d].Timestamp=%d want=%d (oldest first)", i, im.Timestamp, i+1)
		}
	}
}

func TestBroker_DepartureAnnouncedOnlyWhenLastConnectionCloses(t *testing.T) {
	t.Parallel()

	h, _ := startBroker(t, NewMemoryStore())

	conn1, out1, _ := register(t, h, "alice")
	conn2, out2, state2 := register(t, h, "alice")
	recvMsg(t, out1) // second tab's UserJoined

	if n, _ := presenceCount(state2, "alice"); n != 2 {
		t.Fatalf("alice presence=%d want 2", n)
	}

	_, bobOut, _ := register(t, h, "bob")
	recvMsg(t, out1)
	recvMsg(t, out2)

	// First tab closes: alice is still present, nobody is told.
	h.Unregister(conn1)
	waitFor(t, 2*time.Second, func() bool {
		_, open := <-out1
		return !open
	}, "first tab's queue to close")
	expectNoMsg(t, bobOut)

	// Last tab closes: now the departure goes out.
	h.Unregister(conn2)
	if left, ok := recvMsg(t, bobOut).(UserLeft); !ok || left.User != "alice" {
		t.Fatalf("bob got %+v want UserLeft{alice}", left)
	}
}

func TestBroker_PresenceSaturates(t *testing.T) {
	t.Parallel()

	h, _ := startBroker(t, NewMemoryStore())

	for i := 0; i < saturateAt+5; i++ {
		out := make(chan Message, 2)
		if _, err := h.Register(out, testSession("alice")); err != nil {
			t.Fatalf("Register %d: %v", i, err)
		}
	}

	_, _, state := register(t, h, "bob")
	if n, _ := presenceCount(state, "alice"); n != saturateAt {
		t.Fatalf("alice presence=%d want saturated at %d", n, saturateAt)
	}
}

func TestBroker_UnknownDisconnectIsHarmless(t *testing.T) {
	t.Parallel()

	h, _ := startBroker(t, NewMemoryStore())

	h.Unregister(ConnID{id: "01NOSUCHCONN", session: testSession("ghost")})

	// The broker must still serve registrations afterwards.
	_, _, state := register(t, h, "alice")
	if n, _ := presenceCount(state, "alice"); n != 1 {
		t.Fatalf("alice presence=%d want 1", n)
	}
}

func TestBroker_RequestHistoryAnswersRequesterOnly(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	seed := []IM{
		{Author: "old", Timestamp: 10, Content: "ten"},
		{Author: "old", Timestamp: 20, Content: "twenty"},
		{Author: "old", Timestamp: 30, Content: "thirty"},
		{Author: "old", Timestamp: 40, Content: "forty"},
	}
	if err := store.SaveBatch(context.Background(), seed); err != nil {
		t.Fatalf("seeding store: %v", err)
	}

	h, _ := startBroker(t, store)

	aliceConn, aliceOut, _ := register(t, h, "alice")
	_, bobOut, _ := register(t, h, "bob")
	recvMsg(t, aliceOut) // bob's UserJoined

	if err := h.RequestHistory(aliceConn, ReqHistory{Qty: 2, LatestTimestamp: 30}); err != nil {
		t.Fatalf("RequestHistory: %v", err)
	}

	resp, ok := recvMsg(t, aliceOut).(RespHistory)
	if !ok {
		t.Fatalf("alice got %T want RespHistory", resp)
	}
	// Two newest at or before 30, delivered oldest first.
	if len(resp.IMs) != 2 || resp.IMs[0].Timestamp != 20 || resp.IMs[1].Timestamp != 30 {
		t.Fatalf("history window=%+v want timestamps [20 30]", resp.IMs)
	}
	expectNoMsg(t, bobOut)
}

func TestBroker_ReconnectSeesExactHistoryOnce(t *testing.T) {
	t.Parallel()

	h, _ := startBroker(t, NewMemoryStore())

	conn, out, _ := register(t, h, "alice")
	for i := 1; i <= 9; i++ {
		im := IM{Author: "alice", Timestamp: Timestamp(i), Content: fmt.Sprintf("m%d", i)}
		if err := h.Broadcast(im, ConnID{}); err != nil {
			t.Fatalf("Broadcast: %v", err)
		}
		recvMsg(t, out)
	}

	h.Unregister(conn)
	waitFor(t, 2*time.Second, func() bool {
		_, open := <-out
		return !open
	}, "queue to close after unregister")

	// The reconnect sees all nine messages exactly once, oldest first, even
	// though the ring has room for far more.
	_, _, state := register(t, h, "alice")
	if len(state.History.IMs) != 9 {
		t.Fatalf("history len=%d want=9", len(state.History.IMs))
	}
	for i, im := range state.History.IMs {
		if im.Timestamp != Timestamp(i+1) {
			t.Fatalf("history[%d]=%+v want timestamp %d", i, im, i+1)
		}
	}
}

func TestBroker_ShutdownClosesClientQueues(t *testing.T) {
	t.Parallel()

	tok, tracker := shutdown.New(context.Background())
	b, h := NewBroker(testLogger(), NewMemoryStore(), testMetrics(), tok, BrokerConfig{
		HistoryCapacity: 100,
		FlushMaxCount:   80,
		FlushMaxAge:     time.Hour,
	})
	tok.Go("broker", testLogger(), b.Run)

	_, out, _ := register(t, h, "alice")

	tracker.Cancel()
	if !tracker.Wait(5 * time.Second) {
		t.Fatalf("broker did not stop")
	}

	waitFor(t, 2*time.Second, func() bool {
		select {
		case _, open := <-out:
			return !open
		default:
			return false
		}
	}, "outbound queue to close")

	if _, err := h.Register(make(chan Message, 1), testSession("bob")); err != ErrBrokerClosed {
		t.Fatalf("Register after shutdown: err=%v want=ErrBrokerClosed", err)
	}
}

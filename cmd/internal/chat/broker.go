package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"parley/cmd/internal/metrics"
	"parley/cmd/internal/shutdown"
	"parley/cmd/internal/wsauth"
)

// cmdQueueSize bounds the broker's command channel. Callers block briefly
// under bursts; ordering is what matters, not queue depth.
const cmdQueueSize = 16

// historyQueryTimeout bounds one durable history lookup.
const historyQueryTimeout = 5 * time.Second

// saturateAt is the presence-count ceiling per identity.
const saturateAt = 255

// ErrBrokerClosed is returned by Handle operations after the broker loop
// has exited.
var ErrBrokerClosed = errors.New("chat: broker closed")

type command interface{ isCommand() }

type connectCmd struct {
	out     chan Message
	session *wsauth.SessionInfo
	reply   chan connectReply
}

type connectReply struct {
	conn ConnID
	err  error
}

type disconnectCmd struct {
	conn ConnID
}

type forClientsCmd struct {
	msg   Message
	skip  ConnID // zero value means no skip
	reply chan struct{}
}

type historyReqCmd struct {
	conn  ConnID
	req   ReqHistory
	reply chan struct{}
}

func (connectCmd) isCommand()    {}
func (disconnectCmd) isCommand() {}
func (forClientsCmd) isCommand() {}
func (historyReqCmd) isCommand() {}

// Broker is the single owner of the live-connection registry. All mutation
// of the registry and the recent-history ring goes through its command
// loop, one command at a time, in arrival order. No locks: exactly one
// goroutine touches the state.
type Broker struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	cmds    chan command
	conns   map[string]brokerConn // keyed by ConnID.id
	history *History
	store   MessageStore
}

type brokerConn struct {
	out     chan Message
	session *wsauth.SessionInfo
}

// Handle is the client side of the broker's command channel. Methods block
// until the broker has processed the command, giving linearizable semantics
// for registration, fan-out, and history queries.
type Handle struct {
	cmds chan<- command
	tok  shutdown.Token
}

// BrokerConfig carries the history-store tuning knobs.
type BrokerConfig struct {
	HistoryCapacity int
	FlushMaxCount   int
	FlushMaxAge     time.Duration
}

// NewBroker builds the broker and starts its persistence writer under tok.
// The broker loop itself is started separately via Run (normally through
// tok.Go in the app).
func NewBroker(log *slog.Logger, store MessageStore, m *metrics.Metrics, tok shutdown.Token, cfg BrokerConfig) (*Broker, *Handle) {
	b := &Broker{
		log:     log,
		metrics: m,
		cmds:    make(chan command, cmdQueueSize),
		conns:   make(map[string]brokerConn),
		history: NewHistory(log, store, m, tok, cfg.HistoryCapacity, cfg.FlushMaxCount, cfg.FlushMaxAge),
		store:   store,
	}
	return b, &Handle{cmds: b.cmds, tok: tok}
}

// Run processes commands until cancellation. Any processing error is fatal:
// a broker that cannot guarantee registration or delivery correctness must
// not keep running, so the error propagates and takes the server down.
func (b *Broker) Run(tok shutdown.Token) error {
	defer b.closeAll()

	for {
		select {
		case <-tok.Done():
			b.log.Info("broker.stop", "reason", "cancellation")
			return nil
		case cmd := <-b.cmds:
			if err := b.process(tok, cmd); err != nil {
				return fmt.Errorf("fatal broker error: %w", err)
			}
		}
	}
}

func (b *Broker) process(tok shutdown.Token, cmd command) error {
	switch c := cmd.(type) {
	case connectCmd:
		conn, err := b.registerConnection(c.out, c.session)
		c.reply <- connectReply{conn: conn, err: err}
		return err

	case disconnectCmd:
		return b.unregisterConnection(c.conn)

	case forClientsCmd:
		err := b.sendToClients(c.msg, c.skip)
		close(c.reply)
		return err

	case historyReqCmd:
		b.sendHistory(tok, c.conn, c.req)
		close(c.reply)
		return nil

	default:
		return fmt.Errorf("unknown broker command %T", cmd)
	}
}

// sendToClients appends IMs to history before fan-out, so no client can
// observe a message that later fails to be recorded. Per-recipient send
// failures are warnings; a history failure is fatal.
func (b *Broker) sendToClients(msg Message, skip ConnID) error {
	if im, ok := msg.(IM); ok {
		if err := b.history.Push(im); err != nil {
			return fmt.Errorf("recording IM in history: %w", err)
		}
	}

	for id, conn := range b.conns {
		if skip.valid() && id == skip.id {
			continue
		}
		select {
		case conn.out <- msg:
		default:
			// Peer is disconnecting or hopelessly behind; fan-out continues.
			b.log.Warn("broker.fanout.drop", "conn_id", id)
			b.metrics.FanoutDropped.Inc()
		}
	}
	b.metrics.MessagesBroadcast.Inc()
	return nil
}

func (b *Broker) registerConnection(out chan Message, session *wsauth.SessionInfo) (ConnID, error) {
	// Announce before inserting: the joiner learns of itself via the
	// presence counts in InitialState, not via its own UserJoined.
	if err := b.sendToClients(UserJoined{User: User(session.Username)}, ConnID{}); err != nil {
		return ConnID{}, err
	}

	conn, err := newConnID(session)
	if err != nil {
		return ConnID{}, fmt.Errorf("minting connection id: %w", err)
	}
	b.conns[conn.id] = brokerConn{out: out, session: session}

	state := InitialState{
		ConnectedUsers: b.connectedUsers(),
		History:        RespHistory{IMs: b.history.Recent()},
	}
	b.sendToClient(conn, state)

	b.metrics.ConnectionsActive.Inc()
	b.metrics.ConnectionsTotal.Inc()
	b.log.Info("broker.connect", "conn_id", conn.id, "user", session.Username)
	return conn, nil
}

func (b *Broker) unregisterConnection(conn ConnID) error {
	if _, ok := b.conns[conn.id]; !ok {
		// Disconnect without a prior successful connect: a session-loop
		// discipline violation, but not worth dying over.
		b.log.Warn("broker.disconnect.unknown", "conn_id", conn.id)
		return nil
	}
	out := b.conns[conn.id].out
	delete(b.conns, conn.id)
	close(out)
	b.metrics.ConnectionsActive.Dec()
	b.log.Info("broker.disconnect", "conn_id", conn.id, "user", string(conn.User()))

	// Presence saturates per identity: other tabs may still be open, and no
	// departure is announced until the last one is gone.
	for _, c := range b.conns {
		if User(c.session.Username) == conn.User() {
			return nil
		}
	}
	return b.sendToClients(UserLeft{User: conn.User()}, ConnID{})
}

// connectedUsers derives presence from the connection map so the two can
// never drift apart.
func (b *Broker) connectedUsers() []PresenceEntry {
	counts := make(map[User]uint8)
	for _, conn := range b.conns {
		u := User(conn.session.Username)
		if counts[u] < saturateAt {
			counts[u]++
		}
	}

	out := make([]PresenceEntry, 0, len(counts))
	for u, n := range counts {
		out = append(out, PresenceEntry{User: u, Count: n})
	}
	return out
}

// sendHistory queries durable storage and replies to the requester only.
// Store errors are logged, not fatal: one failed lookup should not take the
// broker down.
func (b *Broker) sendHistory(tok shutdown.Token, conn ConnID, req ReqHistory) {
	ctx, cancel := context.WithTimeout(tok.Context(), historyQueryTimeout)
	defer cancel()

	ims, err := b.store.RecentBefore(ctx, req.LatestTimestamp, int(req.Qty))
	if err != nil {
		b.log.Error("broker.history.query_fail", "conn_id", conn.id, "err", err)
		return
	}

	// The query returns newest-first so LIMIT keeps the right rows; clients
	// want oldest-first.
	for i, j := 0, len(ims)-1; i < j; i, j = i+1, j-1 {
		ims[i], ims[j] = ims[j], ims[i]
	}

	b.metrics.HistoryRequests.Inc()
	b.sendToClient(conn, RespHistory{IMs: ims})
}

// sendToClient delivers to a single connection. A missing id means the
// registry invariant was violated somewhere; logged as an error.
func (b *Broker) sendToClient(conn ConnID, msg Message) {
	entry, ok := b.conns[conn.id]
	if !ok {
		b.log.Error("broker.send.unknown_conn", "conn_id", conn.id)
		return
	}
	select {
	case entry.out <- msg:
	default:
		b.log.Error("broker.send.queue_full", "conn_id", conn.id)
	}
}

// closeAll closes every outbound channel so session loops observe that the
// broker is gone and close their sockets with an "away" reason.
func (b *Broker) closeAll() {
	for id, conn := range b.conns {
		close(conn.out)
		delete(b.conns, id)
	}
	b.metrics.ConnectionsActive.Set(0)
}

// ---- Handle ----

// Register hands the broker an outbound queue and blocks until the
// connection is registered and its InitialState queued.
func (h *Handle) Register(out chan Message, session *wsauth.SessionInfo) (ConnID, error) {
	reply := make(chan connectReply, 1)
	select {
	case h.cmds <- connectCmd{out: out, session: session, reply: reply}:
	case <-h.tok.Done():
		return ConnID{}, ErrBrokerClosed
	}

	select {
	case r := <-reply:
		return r.conn, r.err
	case <-h.tok.Done():
		return ConnID{}, ErrBrokerClosed
	}
}

// Unregister removes the connection and lets the broker announce the
// departure. Fire-and-forget: the session loop is tearing down and has no
// use for a reply.
func (h *Handle) Unregister(conn ConnID) {
	select {
	case h.cmds <- disconnectCmd{conn: conn}:
	case <-h.tok.Done():
	}
}

// Broadcast fans msg out to every registered connection except skip (pass
// the zero ConnID for none). It returns once the broker has processed the
// command, so two Broadcast calls are observed in the same order by every
// client.
func (h *Handle) Broadcast(msg Message, skip ConnID) error {
	reply := make(chan struct{})
	select {
	case h.cmds <- forClientsCmd{msg: msg, skip: skip, reply: reply}:
	case <-h.tok.Done():
		return ErrBrokerClosed
	}

	select {
	case <-reply:
		return nil
	case <-h.tok.Done():
		return ErrBrokerClosed
	}
}

// RequestHistory asks the broker to answer req on conn's outbound queue.
func (h *Handle) RequestHistory(conn ConnID, req ReqHistory) error {
	reply := make(chan struct{})
	select {
	case h.cmds <- historyReqCmd{conn: conn, req: req, reply: reply}:
	case <-h.tok.Done():
		return ErrBrokerClosed
	}

	select {
	case <-reply:
		return nil
	case <-h.tok.Done():
		return ErrBrokerClosed
	}
}

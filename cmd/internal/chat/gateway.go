package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"parley/cmd/internal/metrics"
	"parley/cmd/internal/shutdown"
	"parley/cmd/internal/wsauth"
)

// GatewayConfig tunes the per-connection protocol loop.
type GatewayConfig struct {
	HeartbeatInterval   time.Duration
	PingTimeout         time.Duration
	MissedPingAllowance int
	WriteTimeout        time.Duration
	SendQueueSize       int
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = defaultPingTimeout
	}
	if c.MissedPingAllowance <= 0 {
		c.MissedPingAllowance = defaultMissedAllowance
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = defaultSendQueueSize
	}
	return c
}

// Gateway is the WebSocket entrypoint for chat. It runs the token-gated
// admission handshake and then the steady-state session loop, one instance
// of the loop per accepted connection.
type Gateway struct {
	log     *slog.Logger
	handle  *Handle
	tokens  *wsauth.TokenManager
	metrics *metrics.Metrics
	cfg     GatewayConfig
	tok     shutdown.Token
}

// NewGateway wires the gateway against a broker handle and token manager.
func NewGateway(log *slog.Logger, handle *Handle, tokens *wsauth.TokenManager, m *metrics.Metrics, cfg GatewayConfig, tok shutdown.Token) *Gateway {
	return &Gateway{
		log:     log,
		handle:  handle,
		tokens:  tokens,
		metrics: m,
		cfg:     cfg.withDefaults(),
		tok:     tok,
	}
}

// ServeHTTP adapter so the gateway mounts as an http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS runs the admission state machine (pre-screen, upgrade, token
// validation) and, on success, registers with the broker and enters the
// session loop.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	host := wsauth.ClientHost(r)

	// Pre-screen before allocating a socket: hosts with no outstanding token
	// do not get an upgrade at all.
	if err := g.tokens.PreScreen(host, wsauth.ChatService); err != nil {
		g.log.Info("ws.reject.host", "host", string(host), "err", err)
		g.metrics.TokensRejected.Inc()
		http.Error(w, "unexpected client", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Admission is token-gated; desktop clients send no Origin header,
		// so browser-style origin checks are not part of the contract.
		InsecureSkipVerify: true,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "host", string(host), "err", err)
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	session, err := g.tokens.AwaitToken(r.Context(), conn, host, wsauth.ChatService)
	if err != nil {
		// Reaching the socket layer with a bad token means the contract
		// between the issuing and consuming endpoints is broken; log loudly,
		// reject cleanly.
		g.log.Error("ws.reject.token", "host", string(host), "err", err)
		g.metrics.TokensRejected.Inc()
		_ = conn.Close(websocket.StatusPolicyViolation, "invalid token")
		return
	}

	out := make(chan Message, g.cfg.SendQueueSize)
	connID, err := g.handle.Register(out, session)
	if err != nil {
		g.log.Warn("ws.register.fail", "host", string(host), "err", err)
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}

	g.log.Info("ws.connected", "conn_id", connID.String(), "user", session.Username)
	g.runSession(r.Context(), conn, connID, out)
}

type inboundFrame struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

type closeOutcome struct {
	status websocket.StatusCode
	reason string

	// The shutdown signal and a vanished broker both mean the whole server
	// is going down; individual unregistration is pointless then.
	skipUnregister bool
}

// runSession multiplexes the four event sources of a live connection:
// shutdown, heartbeat, broker-originated messages, and inbound frames.
func (g *Gateway) runSession(parent context.Context, conn *websocket.Conn, connID ConnID, out <-chan Message) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	frames := make(chan inboundFrame)
	go readPump(ctx, conn, frames)

	ticker := time.NewTicker(g.cfg.HeartbeatInterval)
	defer ticker.Stop()

	missed := 0
	var outcome closeOutcome

loop:
	for {
		select {
		case <-g.tok.Done():
			outcome = closeOutcome{websocket.StatusGoingAway, "server shutting down", true}
			break loop

		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, g.cfg.PingTimeout)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				missed++
				g.log.Info("ws.ping.fail", "conn_id", connID.String(), "missed", missed, "err", err)
				if missed >= g.cfg.MissedPingAllowance {
					outcome = closeOutcome{websocket.StatusPolicyViolation, "failed to respond to ping", false}
					break loop
				}
				continue
			}
			missed = 0

		case msg, ok := <-out:
			if !ok {
				// Broker has shut down and closed our queue.
				outcome = closeOutcome{websocket.StatusGoingAway, "server shutting down", true}
				break loop
			}
			if err := g.writeMessage(ctx, conn, msg); err != nil {
				g.log.Info("ws.write.fail", "conn_id", connID.String(), "err", err)
				outcome = closeOutcome{websocket.StatusAbnormalClosure, "write failed", false}
				break loop
			}

		case f := <-frames:
			done, oc := g.handleFrame(connID, f)
			if done {
				outcome = oc
				break loop
			}
		}
	}

	cancel()
	if !outcome.skipUnregister {
		g.handle.Unregister(connID)
	}

	g.log.Info("ws.closed", "conn_id", connID.String(), "status", int(outcome.status), "reason", outcome.reason)
	_ = conn.Close(outcome.status, outcome.reason)
}

// handleFrame processes one inbound frame. It returns done=true with the
// close outcome when the session must end.
func (g *Gateway) handleFrame(connID ConnID, f inboundFrame) (bool, closeOutcome) {
	if f.err != nil {
		switch classifyReadErr(f.err) {
		case readErrClose:
			return true, closeOutcome{websocket.StatusNormalClosure, "peer closed", false}
		case readErrCtxDone, readErrConnClosed:
			return true, closeOutcome{websocket.StatusNormalClosure, "stream ended", false}
		default:
			g.log.Info("ws.read.fail", "conn_id", connID.String(), "err", f.err)
			return true, closeOutcome{websocket.StatusAbnormalClosure, "read failed", false}
		}
	}

	if f.typ != websocket.MessageText {
		return true, closeOutcome{websocket.StatusUnsupportedData, "binary frames not supported", false}
	}

	msg, err := Decode(f.data)
	if err != nil {
		// Clients share this codebase's wire contract; malformed traffic
		// indicates a protocol bug, not routine misuse.
		g.log.Error("ws.decode.fail", "conn_id", connID.String(), "err", err)
		return true, closeOutcome{websocket.StatusProtocolError, "malformed message", false}
	}

	switch m := msg.(type) {
	case IM:
		return g.handleClientIM(connID, m)

	case ReqHistory:
		if err := g.handle.RequestHistory(connID, m); err != nil {
			return true, closeOutcome{websocket.StatusGoingAway, "server shutting down", true}
		}
		return false, closeOutcome{}

	case UserJoined, UserLeft, InitialState, RespHistory:
		g.log.Error("ws.protocol.server_only_variant", "conn_id", connID.String())
		return true, closeOutcome{websocket.StatusProtocolError, "unexpected message type", false}

	default:
		g.log.Error("ws.protocol.unhandled_variant", "conn_id", connID.String())
		return true, closeOutcome{websocket.StatusProtocolError, "unexpected message type", false}
	}
}

// handleClientIM enforces message integrity before the IM reaches the
// broker: server clock wins, authenticated identity wins, content bounds
// re-checked.
func (g *Gateway) handleClientIM(connID ConnID, im IM) (bool, closeOutcome) {
	content, err := CleanContent(im.Content)
	if err != nil {
		g.log.Error("ws.im.invalid_content", "conn_id", connID.String(), "err", err)
		return true, closeOutcome{websocket.StatusProtocolError, "invalid message content", false}
	}
	im.Content = content

	if im.Author != connID.User() {
		// The client cannot speak for anyone else; reset and note the bug.
		g.log.Error("ws.im.author_mismatch",
			"conn_id", connID.String(), "claimed", string(im.Author), "actual", string(connID.User()))
		im.Author = connID.User()
	}
	im.Timestamp = Now()

	// No skip: the author receives the server-timestamped copy too.
	if err := g.handle.Broadcast(im, ConnID{}); err != nil {
		return true, closeOutcome{websocket.StatusGoingAway, "server shutting down", true}
	}
	return false, closeOutcome{}
}

func (g *Gateway) writeMessage(ctx context.Context, conn *websocket.Conn, msg Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, g.cfg.WriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

// readPump feeds inbound frames into a channel so the session loop can
// select over them alongside its other event sources.
func readPump(ctx context.Context, conn *websocket.Conn, frames chan<- inboundFrame) {
	for {
		typ, data, err := conn.Read(ctx)
		select {
		case frames <- inboundFrame{typ: typ, data: data, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

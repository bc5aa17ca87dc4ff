// Package main provides a CI-friendly WebSocket smoke test for the Parley
// chat server.
//
// It validates:
//   - token issuance via POST on the chat endpoint
//   - token-gated upgrade + InitialState delivery
//   - join announcement fanout to the other client
//   - IM send -> broadcast to both clients with server-assigned authorship
//   - history request/response ordering
//   - departure announcement once the last connection closes
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 16 // matches the server's frame limit

type smokeClient struct {
	name string
	user string
	conn *websocket.Conn

	inbox chan wireFrame
	errCh chan error
}

// wireFrame is one decoded single-key protocol object.
type wireFrame struct {
	variant string
	payload json.RawMessage
}

type imPayload struct {
	Author    string `json:"author"`
	Timestamp int64  `json:"timestamp"`
	Content   string `json:"content"`
}

type initialStatePayload struct {
	ConnectedUsers []json.RawMessage `json:"connected_users"`
	History        respHistory       `json:"history"`
}

type respHistory struct {
	IMs []imPayload `json:"ims"`
}

func main() {
	var (
		baseURL = flag.String("url", "http://127.0.0.1:8080", "Server base URL")
		path    = flag.String("path", "/ws/chat", "Chat endpoint path")
		text    = flag.String("text", "hello parley", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateBaseURL(*baseURL); err != nil {
		fatalf("invalid -url: %v", err)
	}

	root := context.Background()

	a := mustConnect(root, "A", "smoke-alice", *baseURL, *path, *timeout)
	defer closeWS(a.conn)

	stateA := a.mustInitialState(root, *timeout)
	if *verbose {
		fmt.Printf("connected: A users=%d history=%d\n", len(stateA.ConnectedUsers), len(stateA.History.IMs))
	}

	b := mustConnect(root, "B", "smoke-bob", *baseURL, *path, *timeout)
	defer closeWS(b.conn)

	stateB := b.mustInitialState(root, *timeout)
	if len(stateB.ConnectedUsers) < 2 {
		fatalf("B's initial state lists %d users, want at least 2", len(stateB.ConnectedUsers))
	}

	a.mustUserEvent(root, "UserJoined", "smoke-bob", *timeout)

	sentAt := time.Now().Unix()
	a.mustSendIM(root, *text, *timeout)

	for _, c := range []*smokeClient{a, b} {
		im := c.mustIM(root, *timeout)
		if im.Author != "smoke-alice" {
			fatalf("broadcast author mismatch (%s): got=%q want=smoke-alice", c.name, im.Author)
		}
		if im.Content != *text {
			fatalf("broadcast content mismatch (%s): got=%q want=%q", c.name, im.Content, *text)
		}
		if im.Timestamp < sentAt {
			fatalf("broadcast timestamp not server-assigned (%s): %d < %d", c.name, im.Timestamp, sentAt)
		}
	}

	b.mustRequestHistory(root, 9, time.Now().Unix(), *timeout)
	hist := b.mustHistory(root, *timeout)
	for i := 1; i < len(hist.IMs); i++ {
		if hist.IMs[i-1].Timestamp > hist.IMs[i].Timestamp {
			fatalf("history out of order (B): %+v", hist.IMs)
		}
	}

	closeWS(a.conn)
	b.mustUserEvent(root, "UserLeft", "smoke-alice", *timeout)

	fmt.Printf("OK: users=%d history=%d\n", len(stateB.ConnectedUsers), len(hist.IMs))
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func wsURL(base, path string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + path
	default:
		return "ws://" + strings.TrimPrefix(base, "http://") + path
	}
}

// fetchToken performs the POST half of the admission handshake.
func fetchToken(parent context.Context, base, path, user string, stepTimeout time.Duration) string {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, nil)
	if err != nil {
		fatalf("building token request: %v", err)
	}
	req.Header.Set("X-Parley-User", user)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("token request (%s): %v", user, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		fatalf("reading token response (%s): %v", user, err)
	}
	if resp.StatusCode != http.StatusOK {
		fatalf("token request (%s): status=%d body=%q", user, resp.StatusCode, body)
	}

	var token string
	if err := json.Unmarshal(body, &token); err != nil {
		fatalf("decoding token (%s): %v", user, err)
	}
	if strings.TrimSpace(token) == "" {
		fatalf("empty token (%s)", user)
	}
	return token
}

func mustConnect(parent context.Context, name, user, base, path string, stepTimeout time.Duration) *smokeClient {
	token := fetchToken(parent, base, path, user, stepTimeout)

	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(ctx, wsURL(base, path), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	conn.SetReadLimit(maxReadBytes)

	if err := conn.Write(ctx, websocket.MessageText, []byte(token)); err != nil {
		fatalf("sending token (%s): %v", name, err)
	}

	c := &smokeClient{
		name:  name,
		user:  user,
		conn:  conn,
		inbox: make(chan wireFrame, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}
			if mt != websocket.MessageText {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var obj map[string]json.RawMessage
			if err := json.Unmarshal(data, &obj); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if len(obj) != 1 {
				select {
				case c.errCh <- fmt.Errorf("expected one variant key, got %d", len(obj)):
				default:
				}
				return
			}

			for variant, payload := range obj {
				select {
				case c.inbox <- wireFrame{variant: variant, payload: payload}:
				default:
					select {
					case c.errCh <- errors.New("inbox overflow: consumer too slow"):
					default:
					}
					return
				}
			}
		}
	}()
}

func (c *smokeClient) mustInitialState(parent context.Context, stepTimeout time.Duration) initialStatePayload {
	frame := c.mustReadVariant(parent, "InitialState", stepTimeout)

	var p initialStatePayload
	if err := json.Unmarshal(frame.payload, &p); err != nil {
		fatalf("unmarshal InitialState (%s): %v", c.name, err)
	}
	if len(p.ConnectedUsers) == 0 {
		fatalf("InitialState lists no users (%s)", c.name)
	}
	return p
}

func (c *smokeClient) mustSendIM(parent context.Context, text string, stepTimeout time.Duration) {
	c.mustWrite(parent, map[string]any{
		"IM": imPayload{Author: c.user, Content: text},
	}, stepTimeout)
}

func (c *smokeClient) mustRequestHistory(parent context.Context, qty uint8, latest int64, stepTimeout time.Duration) {
	c.mustWrite(parent, map[string]any{
		"ReqHistory": map[string]any{"qty": qty, "latest_timestamp": latest},
	}, stepTimeout)
}

func (c *smokeClient) mustIM(parent context.Context, stepTimeout time.Duration) imPayload {
	frame := c.mustReadVariant(parent, "IM", stepTimeout)

	var p imPayload
	if err := json.Unmarshal(frame.payload, &p); err != nil {
		fatalf("unmarshal IM (%s): %v", c.name, err)
	}
	return p
}

func (c *smokeClient) mustHistory(parent context.Context, stepTimeout time.Duration) respHistory {
	frame := c.mustReadVariant(parent, "RespHistory", stepTimeout)

	var p respHistory
	if err := json.Unmarshal(frame.payload, &p); err != nil {
		fatalf("unmarshal RespHistory (%s): %v", c.name, err)
	}
	return p
}

func (c *smokeClient) mustUserEvent(parent context.Context, variant, wantUser string, stepTimeout time.Duration) {
	frame := c.mustReadVariant(parent, variant, stepTimeout)

	var user string
	if err := json.Unmarshal(frame.payload, &user); err != nil {
		fatalf("unmarshal %s (%s): %v", variant, c.name, err)
	}
	if user != wantUser {
		fatalf("%s mismatch (%s): got=%q want=%q", variant, c.name, user, wantUser)
	}
}

func (c *smokeClient) mustReadVariant(parent context.Context, want string, stepTimeout time.Duration) wireFrame {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", want, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q (%s): %v", want, c.name, err)
		case frame, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", want, c.name)
			}
			if frame.variant == want {
				return frame
			}
			// Presence churn from other smoke runs is tolerated.
			if frame.variant == "UserJoined" || frame.variant == "UserLeft" {
				continue
			}
			fatalf("unexpected variant (%s): got=%q want=%q", c.name, frame.variant, want)
		}
	}
}

func (c *smokeClient) mustWrite(parent context.Context, frame map[string]any, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(frame); err != nil {
		fatalf("marshal frame: %v", err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, bytes.TrimSpace(buf.Bytes())); err != nil {
		fatalf("write failed (%s): %v", c.name, err)
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}

// Package chat contains the Parley broker core: wire message types, the
// connection registry actor, the recent-history cache with its batched
// persistence writer, and the WebSocket gateway.
package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// User is an authenticated chat identity. It is opaque to the broker; the
// admission layer guarantees it cannot be forged.
type User string

// Timestamp is integer Unix seconds. Server clocks assign it; client-supplied
// values are never trusted.
type Timestamp int64

// Now returns the current server timestamp.
func Now() Timestamp { return Timestamp(time.Now().Unix()) }

// MaxContentBytes bounds IM content length after cleaning.
const MaxContentBytes = 255

// Message is the closed set of frames exchanged between server and client.
// Every consumption point switches exhaustively over the six variants.
type Message interface {
	isMessage()
}

// IM is one chat line. Author and Timestamp are server-assigned on receipt.
type IM struct {
	Author    User      `json:"author"`
	Timestamp Timestamp `json:"timestamp"`
	Content   string    `json:"content"`
}

// UserJoined announces a new presence. Server-originated only.
type UserJoined struct {
	User User
}

// UserLeft announces a departed presence. Server-originated only.
type UserLeft struct {
	User User
}

// PresenceEntry is one (user, connection count) pair. The count saturates at
// 255 and is derived from the live connection map, never tracked separately.
type PresenceEntry struct {
	User  User
	Count uint8
}

// InitialState is sent once to each newly registered connection.
type InitialState struct {
	ConnectedUsers []PresenceEntry `json:"connected_users"`
	History        RespHistory     `json:"history"`
}

// ReqHistory asks for up to Qty messages at or before LatestTimestamp.
// Client-originated only.
type ReqHistory struct {
	Qty             uint8     `json:"qty"`
	LatestTimestamp Timestamp `json:"latest_timestamp"`
}

// RespHistory answers a ReqHistory and carries InitialState's history tail.
type RespHistory struct {
	IMs []IM `json:"ims"`
}

func (IM) isMessage()           {}
func (UserJoined) isMessage()   {}
func (UserLeft) isMessage()     {}
func (InitialState) isMessage() {}
func (ReqHistory) isMessage()   {}
func (RespHistory) isMessage()  {}

// Wire variant keys. One single-key JSON object per text frame.
const (
	keyUserJoined   = "UserJoined"
	keyUserLeft     = "UserLeft"
	keyIM           = "IM"
	keyInitialState = "InitialState"
	keyReqHistory   = "ReqHistory"
	keyRespHistory  = "RespHistory"
)

// MarshalJSON encodes presence entries as [name, count] pairs.
func (p PresenceEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{p.User, p.Count})
}

// UnmarshalJSON decodes the [name, count] pair form.
func (p *PresenceEntry) UnmarshalJSON(data []byte) error {
	var pair [2]json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if err := json.Unmarshal(pair[0], &p.User); err != nil {
		return err
	}
	return json.Unmarshal(pair[1], &p.Count)
}

// Encode renders msg as its single-key wire object.
func Encode(msg Message) ([]byte, error) {
	var key string
	var payload any

	switch m := msg.(type) {
	case UserJoined:
		key, payload = keyUserJoined, m.User
	case UserLeft:
		key, payload = keyUserLeft, m.User
	case IM:
		key, payload = keyIM, m
	case InitialState:
		key, payload = keyInitialState, m
	case ReqHistory:
		key, payload = keyReqHistory, m
	case RespHistory:
		key, payload = keyRespHistory, m
	default:
		return nil, fmt.Errorf("chat: cannot encode message of type %T", msg)
	}

	return json.Marshal(map[string]any{key: payload})
}

// Decode parses one wire object. Exactly one variant key must be present.
func Decode(data []byte) (Message, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("chat: malformed message: %w", err)
	}
	if len(obj) != 1 {
		return nil, fmt.Errorf("chat: expected one variant key, got %d", len(obj))
	}

	for key, raw := range obj {
		switch key {
		case keyUserJoined:
			var u User
			if err := json.Unmarshal(raw, &u); err != nil {
				return nil, fmt.Errorf("chat: bad %s payload: %w", key, err)
			}
			return UserJoined{User: u}, nil
		case keyUserLeft:
			var u User
			if err := json.Unmarshal(raw, &u); err != nil {
				return nil, fmt.Errorf("chat: bad %s payload: %w", key, err)
			}
			return UserLeft{User: u}, nil
		case keyIM:
			var m IM
			if err := json.Unmarshal(raw, &m); err != nil {
				return nil, fmt.Errorf("chat: bad %s payload: %w", key, err)
			}
			return m, nil
		case keyInitialState:
			var m InitialState
			if err := json.Unmarshal(raw, &m); err != nil {
				return nil, fmt.Errorf("chat: bad %s payload: %w", key, err)
			}
			return m, nil
		case keyReqHistory:
			var m ReqHistory
			if err := json.Unmarshal(raw, &m); err != nil {
				return nil, fmt.Errorf("chat: bad %s payload: %w", key, err)
			}
			return m, nil
		case keyRespHistory:
			var m RespHistory
			if err := json.Unmarshal(raw, &m); err != nil {
				return nil, fmt.Errorf("chat: bad %s payload: %w", key, err)
			}
			return m, nil
		default:
			return nil, fmt.Errorf("chat: unknown message variant %q", key)
		}
	}
	return nil, errors.New("chat: empty message object")
}

// CleanContent normalizes IM content: strips leading/trailing whitespace and
// NUL bytes, then enforces the length bound. An empty result is rejected
// because clients never send empty messages.
func CleanContent(s string) (string, error) {
	s = strings.Trim(s, "\x00")
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\x00", "")

	if s == "" {
		return "", errors.New("chat: empty content")
	}
	if len(s) > MaxContentBytes {
		return "", fmt.Errorf("chat: content exceeds %d bytes (got %d)", MaxContentBytes, len(s))
	}
	return s, nil
}

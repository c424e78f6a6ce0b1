// Package requesterclient implements the requester side described in
// spec.md §4.4: a scoped session opened for the lifetime of a single
// logical request (or a small batch), closed on every exit path including
// error.
package requesterclient

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"iprpc/internal/wire"
)

// Session is one WebSocket connection opened against the broker with a
// fixed (bot_id, identifier) identity for its lifetime.
type Session struct {
	ws        *websocket.Conn
	retryWait time.Duration

	mu sync.Mutex
}

// Open dials the broker declaring the requester role (Endpoints:
// create_request) with the given identity. identifier may be
// wire.IdentifierAll to select fan-out.
func Open(brokerURL, secretKey, botID, identifier string, retryWait time.Duration) (*Session, error) {
	if retryWait == 0 {
		retryWait = 3 * time.Second
	}
	headers := http.Header{}
	headers.Set(wire.HeaderSecretKey, secretKey)
	headers.Set(wire.HeaderBotID, botID)
	headers.Set(wire.HeaderIdentifier, identifier)
	headers.Set(wire.HeaderEndpoints, wire.EndpointsCreateRequest)

	ws, _, err := websocket.DefaultDialer.Dial(brokerURL, headers)
	if err != nil {
		return nil, fmt.Errorf("requesterclient: connection failed, the server is unreachable: %w", err)
	}
	return &Session{ws: ws, retryWait: retryWait}, nil
}

// Close releases the underlying connection. Guaranteed to be called on
// every exit path by callers using WithSession.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ws == nil {
		return nil
	}
	err := s.ws.Close()
	s.ws = nil
	return err
}

// WithSession opens a Session, runs fn, and guarantees Close() on every
// exit path — the scoped-acquisition pattern spec.md §4.4 requires.
func WithSession(brokerURL, secretKey, botID, identifier string, retryWait time.Duration, fn func(*Session) (map[string]any, error)) (map[string]any, error) {
	session, err := Open(brokerURL, secretKey, botID, identifier, retryWait)
	if err != nil {
		return nil, err
	}
	defer session.Close()
	return fn(session)
}

// IsAlive sends a liveness probe and returns false if the connection is
// closed (spec.md §4.4).
func (s *Session) IsAlive() bool {
	s.mu.Lock()
	ws := s.ws
	s.mu.Unlock()
	if ws == nil {
		return false
	}

	data, _ := json.Marshal(wire.ConnectionTestFrame{ConnectionTest: true})
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return false
	}
	_, _, err := ws.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return false
		}
		return false
	}
	return true
}

// Request sends a create_request frame and awaits exactly one reply,
// retrying once after a fixed backoff if the initial send fails because the
// transport is closed (spec.md §4.4, §7 TransportClosed).
func (s *Session) Request(endpoint string, kwargs map[string]any, waitFinish bool) (map[string]any, error) {
	payload := wire.CreateRequestFrame{
		EndpointChoosen: wire.EndpointCreateRequest,
		Response: wire.CreateRequestPayload{
			Endpoint:       endpoint,
			Kwargs:         kwargs,
			WaitFinishFlag: &waitFinish,
		},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	ws := s.ws
	s.mu.Unlock()
	if ws == nil {
		return internalErrorReply(), nil
	}

	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		time.Sleep(s.retryWait)
		s.mu.Lock()
		ws = s.ws
		s.mu.Unlock()
		if ws == nil {
			return internalErrorReply(), nil
		}
		if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
			return internalErrorReply(), nil
		}
	}

	_, raw, err := ws.ReadMessage()
	if err != nil {
		return internalErrorReply(), nil
	}

	var reply map[string]any
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("requesterclient: malformed reply: %w", err)
	}
	return reply, nil
}

func internalErrorReply() map[string]any {
	return map[string]any{"error": "Could not reach the broker.", "code": wire.CodeInternalError}
}

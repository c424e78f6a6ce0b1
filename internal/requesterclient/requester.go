package requesterclient

import (
	"time"

	"iprpc/internal/wire"
)

// Requester is the convenience entry point web front-ends use: it opens a
// fresh scoped Session per call and tears it down on return, so callers
// never have to manage connection lifetime themselves.
type Requester struct {
	BrokerURL string
	SecretKey string
	RetryWait time.Duration
}

// New creates a Requester bound to a broker.
func New(brokerURL, secretKey string, retryWait time.Duration) *Requester {
	return &Requester{BrokerURL: brokerURL, SecretKey: secretKey, RetryWait: retryWait}
}

// IsAlive opens a session against (botID, identifier) and probes it.
func (r *Requester) IsAlive(botID, identifier string) bool {
	session, err := Open(r.BrokerURL, r.SecretKey, botID, identifier, r.RetryWait)
	if err != nil {
		return false
	}
	defer session.Close()
	return session.IsAlive()
}

// Request performs a single unicast request to (botID, shardID).
func (r *Requester) Request(botID, shardID, endpoint string, kwargs map[string]any) (map[string]any, error) {
	return WithSession(r.BrokerURL, r.SecretKey, botID, shardID, r.RetryWait, func(s *Session) (map[string]any, error) {
		return s.Request(endpoint, kwargs, true)
	})
}

// RequestAll fans a request out across every shard of botID. When
// waitResponse is true the call blocks for the aggregated reply; otherwise
// it returns as soon as the broker acknowledges dispatch.
func (r *Requester) RequestAll(botID, endpoint string, waitResponse bool, kwargs map[string]any) (map[string]any, error) {
	return WithSession(r.BrokerURL, r.SecretKey, botID, wire.IdentifierAll, r.RetryWait, func(s *Session) (map[string]any, error) {
		return s.Request(endpoint, kwargs, waitResponse)
	})
}

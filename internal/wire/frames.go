// Package wire defines the JSON frame catalog exchanged over the broker's
// WebSocket connections, and the small set of header names that classify a
// connection's role at handshake time. There is no length prefix: framing is
// provided by the underlying WebSocket message boundaries (spec.md §4.5).
package wire

// Connection headers, read once when a connection is accepted or dialed.
const (
	HeaderSecretKey  = "Secret-Key"
	HeaderBotID      = "Bot-ID"
	HeaderIdentifier = "Identifier"
	HeaderEndpoints  = "Endpoints"

	// EndpointsCreateRequest is the Endpoints header value that marks a
	// connection as a requester session rather than a worker.
	EndpointsCreateRequest = "create_request"

	// IdentifierAll is the reserved Identifier value selecting fan-out
	// across every registered shard of a bot.
	IdentifierAll = "all"
)

// endpoint_choosen discriminator values.
const (
	EndpointInitializeShard = "initialize_shard"
	EndpointReturnResponse  = "return_response"
	EndpointDisconnectShard = "disconnect_shard"
	EndpointCreateRequest   = "create_request"
)

// Response codes, always present on broker-originated control replies and on
// handler responses (the worker inserts 200 when a handler omits it).
const (
	CodeOK                 = 200
	CodeForbidden          = 403
	CodeNotFound           = 404
	CodeInternalError      = 500
)

// InitializeShardPayload is the Worker → Broker `response` object of an
// initialize_shard frame.
type InitializeShardPayload struct {
	Endpoints []string `json:"endpoints" validate:"required"`
	ClientID  int64    `json:"client_id"`
}

// InitializeShardFrame is sent by a worker immediately after connecting.
type InitializeShardFrame struct {
	EndpointChoosen string                 `json:"endpoint_choosen" validate:"eq=initialize_shard"`
	Response        InitializeShardPayload `json:"response" validate:"required"`
}

// ReturnResponseFrame is sent by a worker once a handler has finished.
// Identifier echoes the identifier of the dispatch being answered (the
// shard_id the broker addressed it to). The broker does not read it: it
// correlates replies by UUID alone.
type ReturnResponseFrame struct {
	EndpointChoosen string         `json:"endpoint_choosen" validate:"eq=return_response"`
	UUID            string         `json:"uuid" validate:"required"`
	Response        map[string]any `json:"response"`
	Identifier      string         `json:"identifier,omitempty"`
}

// DisconnectShardFrame is sent by a worker that wishes to deregister
// cleanly before closing its connection.
type DisconnectShardFrame struct {
	EndpointChoosen string `json:"endpoint_choosen" validate:"eq=disconnect_shard"`
}

// DispatchFrame is sent by the broker to a worker to invoke one endpoint.
type DispatchFrame struct {
	Endpoint   string         `json:"endpoint"`
	Data       map[string]any `json:"data"`
	UUID       string         `json:"uuid"`
	Identifier string         `json:"identifier"`
}

// ConnectionTestFrame is the Requester → Broker liveness probe.
type ConnectionTestFrame struct {
	ConnectionTest bool `json:"connection_test"`
}

// CreateRequestPayload is the Requester → Broker `response` object of a
// create_request frame.
type CreateRequestPayload struct {
	Endpoint       string         `json:"endpoint" validate:"required"`
	Kwargs         map[string]any `json:"kwargs"`
	WaitFinishFlag *bool          `json:"wait_finish,omitempty"`
}

// CreateRequestFrame is sent by a requester to invoke an endpoint.
type CreateRequestFrame struct {
	EndpointChoosen string               `json:"endpoint_choosen" validate:"eq=create_request"`
	Response        CreateRequestPayload `json:"response" validate:"required"`
}

// WaitFinish returns the effective wait_finish value, defaulting to true to
// match the reference client's default (spec.md §4.4).
func (p CreateRequestPayload) WaitFinish() bool {
	if p.WaitFinishFlag == nil {
		return true
	}
	return *p.WaitFinishFlag
}

// ControlReply is a broker-originated control frame: an acknowledgement,
// error, or fan-out completion notice. Data carries the aggregated fan-out
// map when present.
type ControlReply struct {
	Code    int            `json:"code"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Discriminator peeks at the endpoint_choosen / connection_test fields of a
// raw frame without fully decoding it, so the per-connection loop can decide
// which concrete struct to unmarshal into.
type Discriminator struct {
	EndpointChoosen string `json:"endpoint_choosen"`
	ConnectionTest  bool   `json:"connection_test"`
}

package broker

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"

	"iprpc/internal/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  2048,
	WriteBufferSize: 2048,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

var validate = validator.New()

// Router builds the chi router serving the broker's WebSocket endpoint and
// its ambient operational HTTP endpoints (spec.md §10).
func Router(b *Broker, corsOrigins []string, corsMaxAge int) *chi.Mux {
	r := chi.NewRouter()
	r.Use(cors.New(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET"},
		AllowCredentials: true,
		MaxAge:           corsMaxAge,
	}).Handler)
	r.Use(chimiddleware.Logger, chimiddleware.Recoverer)

	r.Get("/", b.serveWS)
	r.Get("/healthz", handleHealthz)
	r.Get("/status", b.handleStatus)
	r.Get("/debug/shards", b.handleDebugShards)

	return r
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (b *Broker) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, b.Status())
}

func (b *Broker) handleDebugShards(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, b.ShardSnapshots())
}

func respondJSON(w http.ResponseWriter, code int, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	w.Write(data)
}

// serveWS performs the connection handshake described in spec.md §4.1 and,
// on success, starts the per-connection read/write pumps.
func (b *Broker) serveWS(w http.ResponseWriter, r *http.Request) {
	secret := r.Header.Get(wire.HeaderSecretKey)
	botID := r.Header.Get(wire.HeaderBotID)
	identifier := r.Header.Get(wire.HeaderIdentifier)
	endpointsHeader := r.Header.Get(wire.HeaderEndpoints)

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[BROKER] websocket upgrade failed: %v", err)
		return
	}

	if !b.CheckSecret(secret) {
		writeHandshakeError(ws, wire.CodeForbidden, "Invalid secret key!")
		ws.Close()
		return
	}
	if botID == "" {
		writeHandshakeError(ws, wire.CodeInternalError, "Missing Bot-ID!")
		ws.Close()
		return
	}
	if identifier == "" {
		writeHandshakeError(ws, wire.CodeInternalError, "Missing Identifier!")
		ws.Close()
		return
	}

	r2 := roleWorker
	if endpointsHeader == wire.EndpointsCreateRequest {
		r2 = roleRequester
	}

	c := newConn(b.newHandle(), ws, r2, botID, identifier)
	b.adopt(c)

	go c.writePump()
	b.readPump(c)
}

// writeHandshakeError sends a control reply directly, before the conn's
// writePump has started — there is no send-channel consumer yet.
func writeHandshakeError(ws *websocket.Conn, code int, message string) {
	data, _ := json.Marshal(wire.ControlReply{Code: code, Message: message})
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	ws.WriteMessage(websocket.TextMessage, data)
}

// readPump owns c's websocket.Conn for reading and processes frames strictly
// in arrival order (spec.md §5), dispatching each to the Broker before
// reading the next — per-connection ordering with no cross-connection
// ordering guarantee.
func (b *Broker) readPump(c *conn) {
	defer b.drop(c)

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if c.role == roleWorker {
			b.dispatchWorkerFrame(c, raw)
		} else {
			b.dispatchRequesterFrame(c, raw)
		}
	}
}

func (b *Broker) dispatchWorkerFrame(c *conn, raw []byte) {
	var disc wire.Discriminator
	if err := json.Unmarshal(raw, &disc); err != nil {
		log.Printf("[BROKER] malformed frame from worker conn %d: %v", c.id, err)
		return
	}

	switch disc.EndpointChoosen {
	case wire.EndpointInitializeShard:
		var frame wire.InitializeShardFrame
		if err := json.Unmarshal(raw, &frame); err != nil || validate.Struct(frame) != nil {
			c.writeJSON(wire.ControlReply{Code: wire.CodeInternalError, Message: "Malformed initialize_shard frame!"})
			c.close()
			return
		}
		b.InitializeShard(c, c.botID, frame.Response)

	case wire.EndpointReturnResponse:
		var frame wire.ReturnResponseFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			log.Printf("[BROKER] malformed return_response frame from conn %d: %v", c.id, err)
			return
		}
		if err := validate.Struct(frame); err != nil {
			log.Printf("[BROKER] invalid return_response frame from conn %d: %v", c.id, err)
			return
		}
		b.ReturnResponse(frame)

	case wire.EndpointDisconnectShard:
		b.DisconnectShard(c, c.botID)

	default:
		log.Printf("[BROKER] unknown worker discriminator %q from conn %d", disc.EndpointChoosen, c.id)
	}
}

func (b *Broker) dispatchRequesterFrame(c *conn, raw []byte) {
	var disc wire.Discriminator
	if err := json.Unmarshal(raw, &disc); err != nil {
		log.Printf("[BROKER] malformed frame from requester conn %d: %v", c.id, err)
		return
	}

	if disc.ConnectionTest {
		b.ConnectionTest(c)
		return
	}

	switch disc.EndpointChoosen {
	case wire.EndpointCreateRequest:
		var frame wire.CreateRequestFrame
		if err := json.Unmarshal(raw, &frame); err != nil || validate.Struct(frame) != nil {
			c.writeJSON(wire.ControlReply{Code: wire.CodeInternalError, Message: "Malformed create_request frame!"})
			c.close()
			return
		}
		b.CreateRequest(c, c.botID, frame.Response)

	default:
		c.writeJSON(wire.ControlReply{Code: wire.CodeInternalError, Message: "Endpoint unknown"})
		c.close()
	}
}

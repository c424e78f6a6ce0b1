// Package broker implements the central routing process described in
// spec.md §4.1: it accepts WebSocket connections from workers and
// requesters, classifies them by header, multiplexes frames over each, and
// correlates worker responses back to the requester that asked for them.
//
// The Broker is a single object created at startup and destroyed at
// shutdown — there are no package-level mutable singletons (spec.md §9).
// Each table it owns (connections, shard registry, waiters, fan-out jobs)
// is guarded by its own lock, held only for the duration of a map
// operation; long work like catalog disk I/O happens outside any lock.
package broker

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"iprpc/internal/brokerevents"
	"iprpc/internal/catalog"
	"iprpc/internal/wire"
)

// Broker owns all shared mutable routing state.
type Broker struct {
	secretKey string
	catalog   *catalog.Store
	events    brokerevents.Publisher

	connsMu sync.RWMutex
	conns   map[handle]*conn
	nextID  atomic.Uint64

	shards  *shardRegistry
	waiters *waiterTable
	fanouts *fanoutTable
}

// New creates a Broker. secretKey may be empty, matching spec.md §4.1
// ("absent secret on the broker means only connections with an absent or
// empty header are accepted").
func New(secretKey string, catalogStore *catalog.Store, events brokerevents.Publisher) *Broker {
	if events == nil {
		events = brokerevents.NewNoop()
	}
	return &Broker{
		secretKey: secretKey,
		catalog:   catalogStore,
		events:    events,
		conns:     make(map[handle]*conn),
		shards:    newShardRegistry(),
		waiters:   newWaiterTable(),
		fanouts:   newFanoutTable(),
	}
}

// CheckSecret implements the Secret-Key handshake rule from spec.md §4.1.
func (b *Broker) CheckSecret(provided string) bool {
	return provided == b.secretKey
}

// adopt registers a freshly accepted connection under its handle.
func (b *Broker) adopt(c *conn) {
	b.connsMu.Lock()
	b.conns[c.id] = c
	b.connsMu.Unlock()
}

func (b *Broker) newHandle() handle {
	return handle(b.nextID.Add(1))
}

// drop unwinds every table a connection participated in. This is the single
// place the indirection design note (spec.md §9) pays off: every table
// stores handles, so cleanup is a handle-keyed removal in each table, never
// a socket comparison.
func (b *Broker) drop(c *conn) {
	b.connsMu.Lock()
	delete(b.conns, c.id)
	b.connsMu.Unlock()

	if botID, shardID, removed := b.shards.removeByConn(c.id); removed {
		log.Printf("[BROKER] shard %s/%s disconnected, registration removed", botID, shardID)
		b.events.Publish(brokerevents.Event{Kind: brokerevents.KindShardDropped, BotID: botID, ShardID: shardID})
	}
	if n := b.waiters.removeAllFor(c.id); n > 0 {
		log.Printf("[BROKER] orphaned %d pending waiter(s) for disconnected conn %d", n, c.id)
	}
	if jobs := b.fanouts.removeByRequester(c.id); len(jobs) > 0 {
		log.Printf("[BROKER] discarded %d in-flight fanout job(s) for disconnected requester conn %d", len(jobs), c.id)
	}
	c.close()
}

// --- Worker frames ---

// InitializeShard handles spec.md §4.1's initialize_shard frame.
func (b *Broker) InitializeShard(c *conn, botID string, payload wire.InitializeShardPayload) {
	endpoints := payload.Endpoints
	if len(endpoints) == 0 {
		loaded, err := b.catalog.Load(botID, c.identity)
		if err != nil {
			c.writeJSON(wire.ControlReply{Code: wire.CodeInternalError, Message: fmt.Sprintf("No previously known endpoints for shard %q!", c.identity)})
			c.close()
			return
		}
		endpoints = loaded
	} else if err := b.catalog.Save(botID, c.identity, endpoints); err != nil {
		log.Printf("[BROKER] failed to persist catalog for %s/%s: %v", botID, c.identity, err)
	}

	if !b.shards.register(botID, c.identity, c.id, endpoints) {
		c.writeJSON(wire.ControlReply{Code: wire.CodeInternalError, Message: fmt.Sprintf("Shard with ID %q already exists!", c.identity)})
		c.close()
		return
	}

	c.writeJSON(wire.ControlReply{Code: wire.CodeOK, Message: "Successfuly connected to the cluster!"})
	log.Printf("[BROKER] shard %s/%s registered with %d endpoint(s)", botID, c.identity, len(endpoints))
	b.events.Publish(brokerevents.Event{Kind: brokerevents.KindShardRegistered, BotID: botID, ShardID: c.identity})
}

// ReturnResponse handles spec.md §4.1's return_response frame: it correlates
// the UUID to either a fan-out member waiter or a unicast waiter, and drops
// silently (with a log) if neither matches (OrphanResponse, spec.md §7).
func (b *Broker) ReturnResponse(frame wire.ReturnResponseFrame) {
	if w, ok := b.waiters.takeAndRemove(frame.UUID); ok {
		switch w.mode {
		case waiterFanoutMember:
			b.settleFanoutMember(w, frame)
		default:
			b.deliverUnicast(w, frame)
		}
		return
	}
	log.Printf("[BROKER] response for unknown uuid %q dropped", frame.UUID)
	b.events.Publish(brokerevents.Event{Kind: brokerevents.KindOrphanResponse, UUID: frame.UUID})
}

func (b *Broker) deliverUnicast(w pendingWaiter, frame wire.ReturnResponseFrame) {
	b.connsMu.RLock()
	requester, ok := b.conns[w.requester]
	b.connsMu.RUnlock()
	if !ok {
		return // requester already gone; nothing to deliver to.
	}
	requester.writeJSON(frame.Response)
	b.events.Publish(brokerevents.Event{Kind: brokerevents.KindDelivered, UUID: frame.UUID})
}

func (b *Broker) settleFanoutMember(w pendingWaiter, frame wire.ReturnResponseFrame) {
	job, ok := b.fanouts.get(w.fanoutID)
	if !ok {
		return
	}
	if !job.waitFinish {
		return // fire-and-forget: the reply was already sent at dispatch time.
	}

	b.fanouts.mu.Lock()
	job.recordResult(w.shardID, frame.Response)
	shouldFinish := job.settled() && job.tryFinish()
	b.fanouts.mu.Unlock()

	if shouldFinish {
		b.finishFanout(w.fanoutID, job)
	}
}

func (b *Broker) finishFanout(fanoutID string, job *fanoutJob) {
	b.fanouts.remove(fanoutID)

	b.connsMu.RLock()
	requester, ok := b.conns[job.requester]
	b.connsMu.RUnlock()
	if !ok {
		return
	}

	data := make(map[string]any, len(job.results))
	for _, shardID := range job.shardIDs {
		resp, got := job.results[shardID]
		if !got {
			resp = map[string]any{}
		}
		data[shardID] = map[string]any{"response": resp}
	}
	requester.writeJSON(wire.ControlReply{Code: wire.CodeOK, Message: "The requests have been made.", Data: data})
	b.events.Publish(brokerevents.Event{Kind: brokerevents.KindFanoutSettled, BotID: job.botID, UUID: fanoutID})
}

// DisconnectShard handles spec.md §4.1's disconnect_shard frame: removes the
// registration (if still owned by c), deletes the persisted snapshot, and
// closes the connection.
func (b *Broker) DisconnectShard(c *conn, botID string) {
	if b.shards.removeExplicit(botID, c.identity, c.id) {
		b.catalog.Delete(botID, c.identity)
		b.events.Publish(brokerevents.Event{Kind: brokerevents.KindShardDropped, BotID: botID, ShardID: c.identity})
	}
	c.close()
}

// --- Requester frames ---

// ConnectionTest handles the {connection_test:true} liveness probe.
func (b *Broker) ConnectionTest(c *conn) {
	c.writeJSON(wire.ControlReply{Code: wire.CodeOK, Message: "Successful connection"})
}

// CreateRequest handles spec.md §4.1's create_request frame, dispatching to
// a single shard or fanning out across every shard of a bot depending on
// whether c.identity is the literal string "all".
func (b *Broker) CreateRequest(c *conn, botID string, payload wire.CreateRequestPayload) {
	if c.identity == wire.IdentifierAll {
		b.createRequestFanout(c, botID, payload)
		return
	}
	b.createRequestUnicast(c, botID, payload)
}

func (b *Broker) createRequestUnicast(c *conn, botID string, payload wire.CreateRequestPayload) {
	shard, ok := b.shards.lookup(botID, c.identity)
	if !ok {
		c.writeJSON(wire.ControlReply{Code: wire.CodeNotFound, Message: fmt.Sprintf("Shard with ID %q doesn't exists!", c.identity)})
		c.close()
		return
	}
	if _, served := shard.endpoints[payload.Endpoint]; !served {
		c.writeJSON(wire.ControlReply{Code: wire.CodeNotFound, Message: "Unknown endpoint!"})
		c.close()
		return
	}

	b.connsMu.RLock()
	worker, ok := b.conns[shard.conn]
	b.connsMu.RUnlock()
	if !ok {
		c.writeJSON(wire.ControlReply{Code: wire.CodeNotFound, Message: fmt.Sprintf("Shard with ID %q doesn't exists!", c.identity)})
		c.close()
		return
	}

	id := uuid.NewString()
	b.waiters.put(id, pendingWaiter{requester: c.id, mode: waiterUnicast})
	worker.writeJSON(wire.DispatchFrame{Endpoint: payload.Endpoint, Data: payload.Kwargs, UUID: id, Identifier: c.identity})
	b.events.Publish(brokerevents.Event{Kind: brokerevents.KindDispatched, BotID: botID, ShardID: c.identity, UUID: id, Endpoint: payload.Endpoint})
}

func (b *Broker) createRequestFanout(c *conn, botID string, payload wire.CreateRequestPayload) {
	shardIDs := b.shards.shardsOf(botID) // membership frozen here, at dispatch time.
	waitFinish := payload.WaitFinish()

	if len(shardIDs) > 0 {
		// Per spec.md §9 Open Question: validation only checks one arbitrary
		// shard's endpoint set, kept intentionally rather than silently
		// promoted to a union-of-all-shards check.
		endpointSet, _ := b.shards.anyEndpointSet(botID)
		if _, served := endpointSet[payload.Endpoint]; !served {
			c.writeJSON(wire.ControlReply{Code: wire.CodeNotFound, Message: "Unknown endpoint!"})
			c.close()
			return
		}
	} else {
		// Zero registered shards for this bot: nothing to validate the
		// endpoint against, so the fan-out trivially settles empty
		// (spec.md §8 boundary behavior).
		if waitFinish {
			c.writeJSON(wire.ControlReply{Code: wire.CodeOK, Message: "The requests have been made.", Data: map[string]any{}})
		} else {
			c.writeJSON(wire.ControlReply{Code: wire.CodeOK, Message: "The requests were sent."})
		}
		return
	}

	fanoutID := uuid.NewString()

	job := &fanoutJob{
		botID:      botID,
		requester:  c.id,
		waitFinish: waitFinish,
		shardIDs:   shardIDs,
		results:    make(map[string]map[string]any),
	}
	if waitFinish {
		b.fanouts.create(fanoutID, job)
	}

	for _, shardID := range shardIDs {
		// A shard that disconnected between shardsOf() and here has no entry
		// or no live conn; either way its dispatch fails at send time.
		var worker *conn
		entry, ok := b.shards.lookup(botID, shardID)
		if ok {
			b.connsMu.RLock()
			worker, ok = b.conns[entry.conn]
			b.connsMu.RUnlock()
		}

		memberUUID := uuid.NewString()
		if waitFinish {
			b.waiters.put(memberUUID, pendingWaiter{requester: c.id, mode: waiterFanoutMember, fanoutID: fanoutID, shardID: shardID})
		}
		if !ok {
			// Dispatch failed at send time: record an empty response so a
			// waiting fan-out still completes (spec.md §9 Open Question).
			if waitFinish {
				b.fanouts.mu.Lock()
				job.recordResult(shardID, map[string]any{})
				b.fanouts.mu.Unlock()
			}
			continue
		}
		worker.writeJSON(wire.DispatchFrame{Endpoint: payload.Endpoint, Data: payload.Kwargs, UUID: memberUUID, Identifier: shardID})
		b.events.Publish(brokerevents.Event{Kind: brokerevents.KindDispatched, BotID: botID, ShardID: shardID, UUID: memberUUID, Endpoint: payload.Endpoint})
	}

	if !waitFinish {
		c.writeJSON(wire.ControlReply{Code: wire.CodeOK, Message: "The requests were sent."})
		return
	}

	b.fanouts.mu.Lock()
	shouldFinish := job.settled() && job.tryFinish()
	b.fanouts.mu.Unlock()
	if shouldFinish {
		b.finishFanout(fanoutID, job)
	}
	// Otherwise the job completes asynchronously as return_response frames
	// arrive; see settleFanoutMember -> finishFanout.
}

// Status summarizes current broker state for the /status HTTP endpoint.
type Status struct {
	Shards          int `json:"shards"`
	Connections     int `json:"connections"`
	PendingWaiters  int `json:"pending_waiters"`
	PendingFanouts  int `json:"pending_fanouts"`
}

func (b *Broker) Status() Status {
	b.connsMu.RLock()
	n := len(b.conns)
	b.connsMu.RUnlock()
	return Status{
		Shards:         b.shards.count(),
		Connections:    n,
		PendingWaiters: b.waiters.count(),
		PendingFanouts: b.fanouts.count(),
	}
}

// ShardSnapshots returns a point-in-time dump for /debug/shards.
func (b *Broker) ShardSnapshots() []ShardSnapshot {
	return b.shards.snapshot()
}

// Close releases resources owned by the Broker, such as the audit sink.
func (b *Broker) Close() {
	b.events.Close()
}

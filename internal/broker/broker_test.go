package broker

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iprpc/internal/brokerevents"
	"iprpc/internal/catalog"
	"iprpc/internal/wire"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	store := catalog.New(t.TempDir(), nil)
	return New("", store, brokerevents.NewNoop())
}

func newTestConn(b *Broker, r role, botID, identity string) *conn {
	c := newConn(b.newHandle(), nil, r, botID, identity)
	b.adopt(c)
	return c
}

func recvControlReply(t *testing.T, c *conn) wire.ControlReply {
	t.Helper()
	select {
	case data := <-c.send:
		var reply wire.ControlReply
		require.NoError(t, json.Unmarshal(data, &reply))
		return reply
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a frame on conn.send")
		return wire.ControlReply{}
	}
}

func recvDispatch(t *testing.T, c *conn) wire.DispatchFrame {
	t.Helper()
	select {
	case data := <-c.send:
		var frame wire.DispatchFrame
		require.NoError(t, json.Unmarshal(data, &frame))
		return frame
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a dispatch frame")
		return wire.DispatchFrame{}
	}
}

// Scenario: a single registered shard serves a single unicast request, and
// the worker's return_response is routed back to exactly the requester that
// asked for it.
func TestBroker_SingleShardSingleRequest(t *testing.T) {
	b := newTestBroker(t)

	worker := newTestConn(b, roleWorker, "42", "0")
	b.InitializeShard(worker, "42", wire.InitializeShardPayload{Endpoints: []string{"ping"}})
	ack := recvControlReply(t, worker)
	assert.Equal(t, wire.CodeOK, ack.Code)

	requester := newTestConn(b, roleRequester, "42", "0")
	waitFinish := true
	b.CreateRequest(requester, "42", wire.CreateRequestPayload{Endpoint: "ping", WaitFinishFlag: &waitFinish})

	dispatch := recvDispatch(t, worker)
	assert.Equal(t, "ping", dispatch.Endpoint)
	assert.NotEmpty(t, dispatch.UUID)

	b.ReturnResponse(wire.ReturnResponseFrame{
		EndpointChoosen: wire.EndpointReturnResponse,
		UUID:            dispatch.UUID,
		Response:        map[string]any{"pong": true},
	})

	select {
	case data := <-requester.send:
		var reply map[string]any
		require.NoError(t, json.Unmarshal(data, &reply))
		assert.Equal(t, true, reply["pong"])
	case <-time.After(time.Second):
		t.Fatal("requester never received the worker's reply")
	}
}

// Scenario: requesting an endpoint the shard never registered returns 404
// and closes the requester connection.
func TestBroker_UnknownEndpointReturnsNotFound(t *testing.T) {
	b := newTestBroker(t)

	worker := newTestConn(b, roleWorker, "42", "0")
	b.InitializeShard(worker, "42", wire.InitializeShardPayload{Endpoints: []string{"ping"}})
	recvControlReply(t, worker)

	requester := newTestConn(b, roleRequester, "42", "0")
	b.CreateRequest(requester, "42", wire.CreateRequestPayload{Endpoint: "nonexistent"})

	reply := recvControlReply(t, requester)
	assert.Equal(t, wire.CodeNotFound, reply.Code)
	assert.True(t, requester.closed)
}

// Scenario: a second initialize_shard for an identity already registered is
// rejected, and the first registration is left untouched.
func TestBroker_DuplicateRegistrationRejected(t *testing.T) {
	b := newTestBroker(t)

	first := newTestConn(b, roleWorker, "42", "0")
	b.InitializeShard(first, "42", wire.InitializeShardPayload{Endpoints: []string{"ping"}})
	recvControlReply(t, first)

	second := newTestConn(b, roleWorker, "42", "0")
	b.InitializeShard(second, "42", wire.InitializeShardPayload{Endpoints: []string{"echo"}})
	reply := recvControlReply(t, second)
	assert.Equal(t, wire.CodeInternalError, reply.Code)
	assert.True(t, second.closed)

	entry, ok := b.shards.lookup("42", "0")
	require.True(t, ok)
	assert.Equal(t, first.id, entry.conn)
}

// Scenario: a waiting fan-out across every shard of a bot aggregates every
// member's reply before answering the requester.
func TestBroker_FanoutWithWaiting(t *testing.T) {
	b := newTestBroker(t)

	w0 := newTestConn(b, roleWorker, "42", "0")
	b.InitializeShard(w0, "42", wire.InitializeShardPayload{Endpoints: []string{"ping"}})
	recvControlReply(t, w0)

	w1 := newTestConn(b, roleWorker, "42", "1")
	b.InitializeShard(w1, "42", wire.InitializeShardPayload{Endpoints: []string{"ping"}})
	recvControlReply(t, w1)

	requester := newTestConn(b, roleRequester, "42", wire.IdentifierAll)
	waitFinish := true
	b.CreateRequest(requester, "42", wire.CreateRequestPayload{Endpoint: "ping", WaitFinishFlag: &waitFinish})

	d0 := recvDispatch(t, w0)
	d1 := recvDispatch(t, w1)

	b.ReturnResponse(wire.ReturnResponseFrame{EndpointChoosen: wire.EndpointReturnResponse, UUID: d0.UUID, Response: map[string]any{"shard": "0"}, Identifier: "0"})

	select {
	case <-requester.send:
		t.Fatal("requester must not see a reply before every shard has answered")
	case <-time.After(50 * time.Millisecond):
	}

	b.ReturnResponse(wire.ReturnResponseFrame{EndpointChoosen: wire.EndpointReturnResponse, UUID: d1.UUID, Response: map[string]any{"shard": "1"}, Identifier: "1"})

	reply := recvControlReply(t, requester)
	assert.Equal(t, wire.CodeOK, reply.Code)
	assert.Len(t, reply.Data, 2)
	assert.Contains(t, reply.Data, "0")
	assert.Contains(t, reply.Data, "1")
}

// Scenario: a fire-and-forget fan-out (wait_finish=false) acknowledges
// immediately without waiting on any member reply.
func TestBroker_FireAndForgetFanout(t *testing.T) {
	b := newTestBroker(t)

	w0 := newTestConn(b, roleWorker, "42", "0")
	b.InitializeShard(w0, "42", wire.InitializeShardPayload{Endpoints: []string{"ping"}})
	recvControlReply(t, w0)

	requester := newTestConn(b, roleRequester, "42", wire.IdentifierAll)
	waitFinish := false
	b.CreateRequest(requester, "42", wire.CreateRequestPayload{Endpoint: "ping", WaitFinishFlag: &waitFinish})

	reply := recvControlReply(t, requester)
	assert.Equal(t, wire.CodeOK, reply.Code)
	assert.Nil(t, reply.Data)
	assert.Equal(t, 0, b.fanouts.count(), "fire-and-forget must not keep a fanout job alive")

	recvDispatch(t, w0) // the member dispatch still goes out
}

// A waiting fan-out must emit exactly one reply to the requester even when
// every member's return_response races in concurrently (spec.md §8: "A
// fan-out with wait_finish=true emits exactly one reply to the requester").
func TestBroker_FanoutSettlesExactlyOnceUnderConcurrentReplies(t *testing.T) {
	b := newTestBroker(t)

	const shardCount = 8
	workers := make([]*conn, shardCount)
	for i := 0; i < shardCount; i++ {
		shardID := string(rune('0' + i))
		w := newTestConn(b, roleWorker, "42", shardID)
		b.InitializeShard(w, "42", wire.InitializeShardPayload{Endpoints: []string{"ping"}})
		recvControlReply(t, w)
		workers[i] = w
	}

	requester := newTestConn(b, roleRequester, "42", wire.IdentifierAll)
	waitFinish := true
	b.CreateRequest(requester, "42", wire.CreateRequestPayload{Endpoint: "ping", WaitFinishFlag: &waitFinish})

	dispatches := make([]wire.DispatchFrame, shardCount)
	for i, w := range workers {
		dispatches[i] = recvDispatch(t, w)
	}

	var start sync.WaitGroup
	var ready sync.WaitGroup
	start.Add(1)
	ready.Add(shardCount)
	var wg sync.WaitGroup
	for i := 0; i < shardCount; i++ {
		wg.Add(1)
		go func(d wire.DispatchFrame) {
			defer wg.Done()
			ready.Done()
			start.Wait()
			b.ReturnResponse(wire.ReturnResponseFrame{
				EndpointChoosen: wire.EndpointReturnResponse,
				UUID:            d.UUID,
				Response:        map[string]any{"ok": true},
			})
		}(dispatches[i])
	}
	ready.Wait()
	start.Done()
	wg.Wait()

	assert.Equal(t, 1, len(requester.send), "the requester must receive exactly one aggregated reply")
	reply := recvControlReply(t, requester)
	assert.Equal(t, wire.CodeOK, reply.Code)
	assert.Len(t, reply.Data, shardCount)
}

// Scenario: a requester that disconnects mid-fanout must not leave its
// fanoutJob behind forever, since no future return_response can reach it
// once its waiters are gone.
func TestBroker_DropRequesterDiscardsItsInFlightFanouts(t *testing.T) {
	b := newTestBroker(t)

	w0 := newTestConn(b, roleWorker, "42", "0")
	b.InitializeShard(w0, "42", wire.InitializeShardPayload{Endpoints: []string{"ping"}})
	recvControlReply(t, w0)
	w1 := newTestConn(b, roleWorker, "42", "1")
	b.InitializeShard(w1, "42", wire.InitializeShardPayload{Endpoints: []string{"ping"}})
	recvControlReply(t, w1)

	requester := newTestConn(b, roleRequester, "42", wire.IdentifierAll)
	waitFinish := true
	b.CreateRequest(requester, "42", wire.CreateRequestPayload{Endpoint: "ping", WaitFinishFlag: &waitFinish})
	recvDispatch(t, w0)
	recvDispatch(t, w1)

	require.Equal(t, 1, b.fanouts.count())
	b.drop(requester)
	assert.Equal(t, 0, b.fanouts.count(), "a disconnected requester's in-flight fanout job must not leak forever")
}

// Scenario: a shard that reconnects with an empty endpoint list recovers its
// previously persisted catalog entry instead of failing to register.
func TestBroker_RecoveryAfterRestartLoadsPersistedCatalog(t *testing.T) {
	b := newTestBroker(t)

	first := newTestConn(b, roleWorker, "42", "0")
	b.InitializeShard(first, "42", wire.InitializeShardPayload{Endpoints: []string{"ping", "stats"}})
	recvControlReply(t, first)
	b.drop(first)

	second := newTestConn(b, roleWorker, "42", "0")
	b.InitializeShard(second, "42", wire.InitializeShardPayload{Endpoints: nil})
	reply := recvControlReply(t, second)
	assert.Equal(t, wire.CodeOK, reply.Code)

	entry, ok := b.shards.lookup("42", "0")
	require.True(t, ok)
	_, served := entry.endpoints["stats"]
	assert.True(t, served, "recovered registration must carry the endpoints persisted before restart")
}

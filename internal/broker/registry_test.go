package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShardRegistry_RegisterRejectsDuplicate(t *testing.T) {
	r := newShardRegistry()

	assert.True(t, r.register("42", "0", handle(1), []string{"ping"}))
	assert.False(t, r.register("42", "0", handle(2), []string{"echo"}))

	entry, ok := r.lookup("42", "0")
	assert.True(t, ok)
	assert.Equal(t, handle(1), entry.conn)
}

func TestShardRegistry_ShardsOfReflectsOnlyThatBot(t *testing.T) {
	r := newShardRegistry()
	r.register("42", "0", handle(1), nil)
	r.register("42", "1", handle(2), nil)
	r.register("7", "0", handle(3), nil)

	shards := r.shardsOf("42")
	assert.ElementsMatch(t, []string{"0", "1"}, shards)
	assert.Empty(t, r.shardsOf("unknown-bot"))
}

func TestShardRegistry_RemoveByConn(t *testing.T) {
	r := newShardRegistry()
	r.register("42", "0", handle(1), nil)

	botID, shardID, removed := r.removeByConn(handle(1))
	assert.True(t, removed)
	assert.Equal(t, "42", botID)
	assert.Equal(t, "0", shardID)

	_, ok := r.lookup("42", "0")
	assert.False(t, ok)

	_, _, removedAgain := r.removeByConn(handle(1))
	assert.False(t, removedAgain)
}

func TestShardRegistry_RemoveExplicitRefusesWrongOwner(t *testing.T) {
	r := newShardRegistry()
	r.register("42", "0", handle(1), nil)

	assert.False(t, r.removeExplicit("42", "0", handle(2)))
	_, ok := r.lookup("42", "0")
	assert.True(t, ok, "registration must survive a removal attempt from a non-owning connection")

	assert.True(t, r.removeExplicit("42", "0", handle(1)))
	_, ok = r.lookup("42", "0")
	assert.False(t, ok)
}

func TestShardRegistry_AnyEndpointSet(t *testing.T) {
	r := newShardRegistry()
	_, ok := r.anyEndpointSet("42")
	assert.False(t, ok)

	r.register("42", "0", handle(1), []string{"ping", "stats"})
	set, ok := r.anyEndpointSet("42")
	assert.True(t, ok)
	_, served := set["ping"]
	assert.True(t, served)
}

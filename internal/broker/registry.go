package broker

import "sync"

// shardKey identifies a ShardRegistration (spec.md §3).
type shardKey struct {
	botID   string
	shardID string
}

// shardEntry is a ShardRegistration: a connection handle plus the set of
// endpoint names that shard currently serves.
type shardEntry struct {
	conn      handle
	endpoints map[string]struct{}
}

// shardRegistry maintains at most one ShardRegistration per (bot_id,
// shard_id), and an index of registered shard ids per bot for fan-out.
type shardRegistry struct {
	mu       sync.RWMutex
	entries  map[shardKey]*shardEntry
	byBot    map[string]map[string]struct{} // bot_id -> set of shard_id
}

func newShardRegistry() *shardRegistry {
	return &shardRegistry{
		entries: make(map[shardKey]*shardEntry),
		byBot:   make(map[string]map[string]struct{}),
	}
}

// register adds a new ShardRegistration. It returns false if the identity is
// already registered — the caller must reject the new connection, per the
// "at most one ShardRegistration exists at any instant" invariant.
func (r *shardRegistry) register(botID, shardID string, c handle, endpoints []string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := shardKey{botID, shardID}
	if _, exists := r.entries[key]; exists {
		return false
	}

	set := make(map[string]struct{}, len(endpoints))
	for _, e := range endpoints {
		set[e] = struct{}{}
	}
	r.entries[key] = &shardEntry{conn: c, endpoints: set}

	if r.byBot[botID] == nil {
		r.byBot[botID] = make(map[string]struct{})
	}
	r.byBot[botID][shardID] = struct{}{}
	return true
}

// lookup returns the ShardRegistration for (botID, shardID), if any.
func (r *shardRegistry) lookup(botID, shardID string) (*shardEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[shardKey{botID, shardID}]
	return e, ok
}

// shardsOf returns the shard ids currently registered for botID, frozen as
// a snapshot slice (used to freeze fan-out membership at dispatch time).
func (r *shardRegistry) shardsOf(botID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	shards := r.byBot[botID]
	out := make([]string, 0, len(shards))
	for id := range shards {
		out = append(out, id)
	}
	return out
}

// anyEndpointSet returns the endpoint set of an arbitrary registered shard
// of botID, used by fan-out validation (spec.md §9 Open Question: the
// source only checks one shard's set, and the spec keeps that behavior).
func (r *shardRegistry) anyEndpointSet(botID string) (map[string]struct{}, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for shardID := range r.byBot[botID] {
		return r.entries[shardKey{botID, shardID}].endpoints, true
	}
	return nil, false
}

// removeByConn removes whichever ShardRegistration (if any) points at c,
// e.g. on disconnect. Returns the (botID, shardID) removed, if one was.
func (r *shardRegistry) removeByConn(c handle) (botID, shardID string, removed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, entry := range r.entries {
		if entry.conn == c {
			delete(r.entries, key)
			if shards := r.byBot[key.botID]; shards != nil {
				delete(shards, key.shardID)
				if len(shards) == 0 {
					delete(r.byBot, key.botID)
				}
			}
			return key.botID, key.shardID, true
		}
	}
	return "", "", false
}

// removeExplicit removes the ShardRegistration for (botID, shardID) if it is
// still owned by c (disconnect_shard handling).
func (r *shardRegistry) removeExplicit(botID, shardID string, c handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := shardKey{botID, shardID}
	entry, ok := r.entries[key]
	if !ok || entry.conn != c {
		return false
	}
	delete(r.entries, key)
	if shards := r.byBot[botID]; shards != nil {
		delete(shards, shardID)
		if len(shards) == 0 {
			delete(r.byBot, botID)
		}
	}
	return true
}

// count returns the total number of registered shards, for /status.
func (r *shardRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// snapshot returns a point-in-time dump for the /debug/shards endpoint.
func (r *shardRegistry) snapshot() []ShardSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ShardSnapshot, 0, len(r.entries))
	for key, entry := range r.entries {
		endpoints := make([]string, 0, len(entry.endpoints))
		for e := range entry.endpoints {
			endpoints = append(endpoints, e)
		}
		out = append(out, ShardSnapshot{BotID: key.botID, ShardID: key.shardID, Endpoints: endpoints})
	}
	return out
}

// ShardSnapshot is the JSON shape returned by /debug/shards.
type ShardSnapshot struct {
	BotID     string   `json:"bot_id"`
	ShardID   string   `json:"shard_id"`
	Endpoints []string `json:"endpoints"`
}

package broker

import "sync"

// waiterMode distinguishes a unicast waiter from one member of a fan-out.
type waiterMode int

const (
	waiterUnicast waiterMode = iota
	waiterFanoutMember
)

// pendingWaiter is a PendingWaiter (spec.md §3): a correlation UUID paired
// with the requester connection awaiting the reply, or, for a fan-out
// member, the fan-out job it belongs to and the shard_id it was sent to.
type pendingWaiter struct {
	requester handle
	mode      waiterMode
	fanoutID  string // set when mode == waiterFanoutMember
	shardID   string // set when mode == waiterFanoutMember
}

// waiterTable correlates correlation UUIDs to pendingWaiters.
type waiterTable struct {
	mu    sync.Mutex
	byUUID map[string]pendingWaiter
}

func newWaiterTable() *waiterTable {
	return &waiterTable{byUUID: make(map[string]pendingWaiter)}
}

func (t *waiterTable) put(uuid string, w pendingWaiter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byUUID[uuid] = w
}

// takeAndRemove atomically looks up and removes the waiter for uuid, per the
// Pending -> Delivered state transition (spec.md §4.6).
func (t *waiterTable) takeAndRemove(uuid string) (pendingWaiter, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.byUUID[uuid]
	if ok {
		delete(t.byUUID, uuid)
	}
	return w, ok
}

// removeAllFor drops every waiter owned by a requester connection that has
// disconnected (Pending -> Orphaned), returning how many were removed.
func (t *waiterTable) removeAllFor(c handle) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for uuid, w := range t.byUUID {
		if w.requester == c {
			delete(t.byUUID, uuid)
			n++
		}
	}
	return n
}

func (t *waiterTable) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byUUID)
}

// fanoutJob is a FanoutJob (spec.md §3): the membership frozen at dispatch
// time, partial results recorded so far, and whether the requester is
// blocked awaiting completion.
type fanoutJob struct {
	botID      string
	requester  handle
	waitFinish bool
	shardIDs   []string // membership frozen at dispatch
	results    map[string]map[string]any
	finished   bool // set by tryFinish; guards against completing twice
}

// fanoutTable tracks in-flight FanoutJobs by fan-out UUID.
type fanoutTable struct {
	mu   sync.Mutex
	jobs map[string]*fanoutJob
}

func newFanoutTable() *fanoutTable {
	return &fanoutTable{jobs: make(map[string]*fanoutJob)}
}

func (t *fanoutTable) create(id string, job *fanoutJob) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.jobs[id] = job
}

func (t *fanoutTable) get(id string) (*fanoutJob, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, ok := t.jobs[id]
	return j, ok
}

func (t *fanoutTable) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.jobs, id)
}

func (t *fanoutTable) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.jobs)
}

// recordResult stores shard_id's response in job under job.mu-free access,
// since job fields besides results/finished are immutable after creation,
// and results/finished are additionally guarded by the table lock held by
// the caller (see Broker.ReturnResponse / createRequestFanout).
func (j *fanoutJob) recordResult(shardID string, response map[string]any) {
	if j.results == nil {
		j.results = make(map[string]map[string]any)
	}
	j.results[shardID] = response
}

// settled reports whether every shard dispatched to has now recorded a
// result.
func (j *fanoutJob) settled() bool {
	return len(j.results) == len(j.shardIDs)
}

// tryFinish flips finished to true and reports whether this call was the
// one to do so. Both the synchronous dispatch-failure path in
// createRequestFanout and the asynchronous settleFanoutMember path recompute
// "settled" independently, so without this one-shot gate both could race to
// call finishFanout for the same job and deliver the reply twice. Callers
// must hold fanoutTable.mu.
func (j *fanoutJob) tryFinish() bool {
	if j.finished {
		return false
	}
	j.finished = true
	return true
}

// removeByRequester removes and returns every job owned by a requester
// connection, for cleanup when that connection disconnects (spec.md §9
// handle indirection: a disconnected requester can never be delivered to,
// so its in-flight fan-out jobs must not be left behind forever).
func (t *fanoutTable) removeByRequester(c handle) []*fanoutJob {
	t.mu.Lock()
	defer t.mu.Unlock()
	var removed []*fanoutJob
	for id, job := range t.jobs {
		if job.requester == c {
			removed = append(removed, job)
			delete(t.jobs, id)
		}
	}
	return removed
}

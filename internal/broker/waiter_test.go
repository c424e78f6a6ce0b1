package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWaiterTable_TakeAndRemoveIsOneShot(t *testing.T) {
	w := newWaiterTable()
	w.put("abc", pendingWaiter{requester: handle(1), mode: waiterUnicast})

	got, ok := w.takeAndRemove("abc")
	assert.True(t, ok)
	assert.Equal(t, handle(1), got.requester)

	_, ok = w.takeAndRemove("abc")
	assert.False(t, ok, "a waiter must only be deliverable once")
}

func TestWaiterTable_RemoveAllForOrphansOnlyThatConn(t *testing.T) {
	w := newWaiterTable()
	w.put("a", pendingWaiter{requester: handle(1)})
	w.put("b", pendingWaiter{requester: handle(1)})
	w.put("c", pendingWaiter{requester: handle(2)})

	n := w.removeAllFor(handle(1))
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, w.count())

	_, ok := w.takeAndRemove("c")
	assert.True(t, ok)
}

func TestFanoutJob_RecordResultTracksCompletion(t *testing.T) {
	job := &fanoutJob{
		shardIDs: []string{"0", "1"},
		results:  make(map[string]map[string]any),
	}

	job.recordResult("0", map[string]any{"pong": true})
	assert.Len(t, job.results, 1)

	job.recordResult("1", map[string]any{})
	assert.Len(t, job.results, len(job.shardIDs))
}

func TestFanoutJob_TryFinishIsOneShot(t *testing.T) {
	job := &fanoutJob{shardIDs: []string{"0"}, results: map[string]map[string]any{"0": {}}}

	assert.True(t, job.settled())
	assert.True(t, job.tryFinish())
	assert.False(t, job.tryFinish(), "a second tryFinish on an already-finished job must report false")
	assert.False(t, job.tryFinish())
}

func TestFanoutTable_RemoveByRequester(t *testing.T) {
	table := newFanoutTable()
	table.create("a", &fanoutJob{requester: handle(1)})
	table.create("b", &fanoutJob{requester: handle(1)})
	table.create("c", &fanoutJob{requester: handle(2)})

	removed := table.removeByRequester(handle(1))
	assert.Len(t, removed, 2)
	assert.Equal(t, 1, table.count())

	_, ok := table.get("c")
	assert.True(t, ok)
}

func TestFanoutTable_CreateGetRemove(t *testing.T) {
	table := newFanoutTable()
	job := &fanoutJob{botID: "42", shardIDs: []string{"0"}}

	table.create("fanout-1", job)
	got, ok := table.get("fanout-1")
	assert.True(t, ok)
	assert.Same(t, job, got)
	assert.Equal(t, 1, table.count())

	table.remove("fanout-1")
	_, ok = table.get("fanout-1")
	assert.False(t, ok)
	assert.Equal(t, 0, table.count())
}

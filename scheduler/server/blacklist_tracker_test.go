package server

import (
	"reflect"
	"testing"
	"time"

	"github.com/stiltdev/stilt/common/clock"
	"github.com/stiltdev/stilt/common/stats"
	"github.com/stiltdev/stilt/scheduler/domain"
)

const testTimeout = 10 * time.Millisecond

func setupTestTracker() (*BlacklistTracker, *clock.ManualClock) {
	clk := clock.NewManualClock(epoch)
	tracker := NewBlacklistTracker(BlacklistConfig{
		MaxFailedTasksPerExecutor: 2,
		MaxFailedExecutorsPerNode: 2,
		Timeout:                   testTimeout,
	}, clk, stats.NilStatsReceiver())
	return tracker, clk
}

// reportFailures submits one task set's failures for a single executor.
func reportFailures(tracker *BlacklistTracker, stageId int, exec string, node string, failures map[int]time.Time) {
	record := NewExecutorFailuresInTaskSet(domain.NodeId(node))
	for taskIndex, expiry := range failures {
		record.UpdateWithFailure(taskIndex, expiry)
	}
	tracker.UpdateBlacklistForSuccessfulTaskSet(stageId, 0, map[domain.ExecutorId]*ExecutorFailuresInTaskSet{
		domain.ExecutorId(exec): record,
	})
}

func assertTrackerInvariants(t *testing.T, tracker *BlacklistTracker) {
	t.Helper()

	// blacklisted executors have no failure list
	for exec := range tracker.executorBlacklist {
		if _, ok := tracker.executorFailures[exec]; ok {
			t.Errorf("blacklisted executor %s still has a failure list", exec)
		}
	}

	// the published snapshot matches the node blacklist key set
	snapshot := tracker.NodeBlacklist()
	if len(snapshot) != len(tracker.nodeBlacklist) {
		t.Errorf("snapshot has %d nodes, blacklist has %d", len(snapshot), len(tracker.nodeBlacklist))
	}
	for node := range tracker.nodeBlacklist {
		if !snapshot[node] {
			t.Errorf("blacklisted node %s missing from snapshot", node)
		}
	}

	// nextExpiry is a lower bound on every tracked expiry
	if tracker.nextExpiry == nilTime {
		if len(tracker.executorBlacklist) != 0 {
			t.Errorf("no next expiry but %d executors are blacklisted", len(tracker.executorBlacklist))
		}
		for exec, list := range tracker.executorFailures {
			if !list.isEmpty() {
				t.Errorf("no next expiry but executor %s has pending failures %s", exec, list)
			}
		}
	} else {
		for exec, status := range tracker.executorBlacklist {
			if status.expiry.Before(tracker.nextExpiry) {
				t.Errorf("executor %s expiry %v is before next expiry %v", exec, status.expiry, tracker.nextExpiry)
			}
		}
		for node, expiry := range tracker.nodeBlacklist {
			if expiry.Before(tracker.nextExpiry) {
				t.Errorf("node %s expiry %v is before next expiry %v", node, expiry, tracker.nextExpiry)
			}
		}
		for exec, list := range tracker.executorFailures {
			if min, ok := list.minExpiry(); ok && min.Before(tracker.nextExpiry) {
				t.Errorf("executor %s failure expiry %v is before next expiry %v", exec, min, tracker.nextExpiry)
			}
		}
	}

	// failure lists stay sorted
	for exec, list := range tracker.executorFailures {
		for i := 1; i < len(list.failures); i++ {
			if list.failures[i].expiry.Before(list.failures[i-1].expiry) {
				t.Errorf("executor %s failure list out of order: %s", exec, list)
			}
		}
	}
}

// ensures a single executor blacklists below the node threshold and times out
func Test_BlacklistTracker_ExecutorBlacklistTimesOut(t *testing.T) {
	tracker, clk := setupTestTracker()

	reportFailures(tracker, 0, "execA", "nodeN", map[int]time.Time{0: ms(10)})
	assertTrackerInvariants(t, tracker)
	if tracker.IsExecutorBlacklisted("execA") {
		t.Errorf("expected one failure to stay below the executor threshold")
	}

	clk.SetTime(ms(1))
	reportFailures(tracker, 1, "execA", "nodeN", map[int]time.Time{1: ms(11)})
	assertTrackerInvariants(t, tracker)
	if !tracker.IsExecutorBlacklisted("execA") {
		t.Errorf("expected execA to be blacklisted at 2 failures")
	}
	if got := tracker.executorBlacklist["execA"].expiry; !got.Equal(ms(11)) {
		t.Errorf("expected execA blacklisted until %v, got %v", ms(11), got)
	}
	if tracker.IsNodeBlacklisted("nodeN") {
		t.Errorf("expected nodeN to stay below the node threshold with 1 failed executor")
	}
	if len(tracker.NodeBlacklist()) != 0 {
		t.Errorf("expected an empty node blacklist snapshot, got %v", tracker.NodeBlacklist())
	}

	clk.SetTime(ms(12))
	tracker.ApplyBlacklistTimeout()
	assertTrackerInvariants(t, tracker)
	if tracker.IsExecutorBlacklisted("execA") {
		t.Errorf("expected execA blacklist to expire by %v", ms(12))
	}
	if tracker.IsNodeBlacklisted("nodeN") || len(tracker.NodeBlacklist()) != 0 {
		t.Errorf("expected nodeN to stay unblacklisted")
	}
	if len(tracker.nodeToFailedExecs) != 0 {
		t.Errorf("expected node accounting to empty after expiry, got %v", tracker.nodeToFailedExecs)
	}
}

// ensures failures spread wider than the timeout never promote
func Test_BlacklistTracker_SpreadOutFailuresDontPromote(t *testing.T) {
	tracker, clk := setupTestTracker()

	reportFailures(tracker, 0, "execA", "nodeN", map[int]time.Time{0: ms(10)})
	assertTrackerInvariants(t, tracker)

	clk.SetTime(ms(15))
	tracker.ApplyBlacklistTimeout()
	assertTrackerInvariants(t, tracker)

	reportFailures(tracker, 1, "execA", "nodeN", map[int]time.Time{1: ms(25)})
	assertTrackerInvariants(t, tracker)
	if tracker.IsExecutorBlacklisted("execA") {
		t.Errorf("expected the expired failure not to count toward promotion")
	}
	if got := tracker.executorFailures["execA"].numUniqueTaskFailures(); got != 1 {
		t.Errorf("expected 1 pending failure after the sweep, got %d", got)
	}
}

// ensures two blacklisted executors promote their node
func Test_BlacklistTracker_NodePromotion(t *testing.T) {
	tracker, clk := setupTestTracker()

	clk.SetTime(ms(1))
	failuresA := NewExecutorFailuresInTaskSet(domain.NodeId("nodeN"))
	failuresA.UpdateWithFailure(0, ms(10))
	failuresA.UpdateWithFailure(1, ms(11))
	failuresB := NewExecutorFailuresInTaskSet(domain.NodeId("nodeN"))
	failuresB.UpdateWithFailure(2, ms(10))
	failuresB.UpdateWithFailure(3, ms(11))
	tracker.UpdateBlacklistForSuccessfulTaskSet(0, 0, map[domain.ExecutorId]*ExecutorFailuresInTaskSet{
		"execA": failuresA,
		"execB": failuresB,
	})
	assertTrackerInvariants(t, tracker)

	if !tracker.IsExecutorBlacklisted("execA") || !tracker.IsExecutorBlacklisted("execB") {
		t.Fatalf("expected both executors to be blacklisted")
	}
	if !tracker.IsNodeBlacklisted("nodeN") {
		t.Errorf("expected nodeN to be blacklisted at 2 failed executors")
	}
	snapshot := tracker.NodeBlacklist()
	if len(snapshot) != 1 || !snapshot["nodeN"] {
		t.Errorf("expected snapshot to contain exactly nodeN, got %v", snapshot)
	}

	clk.SetTime(ms(12))
	tracker.ApplyBlacklistTimeout()
	assertTrackerInvariants(t, tracker)
	if tracker.IsExecutorBlacklisted("execA") || tracker.IsExecutorBlacklisted("execB") || tracker.IsNodeBlacklisted("nodeN") {
		t.Errorf("expected all blacklist entries to expire by %v", ms(12))
	}
	if len(tracker.NodeBlacklist()) != 0 {
		t.Errorf("expected an empty snapshot after expiry, got %v", tracker.NodeBlacklist())
	}
}

// ensures a removed executor still counts toward its node's threshold
func Test_BlacklistTracker_RemovedExecutorKeepsNodeCounter(t *testing.T) {
	tracker, clk := setupTestTracker()

	clk.SetTime(ms(1))
	reportFailures(tracker, 0, "execA", "nodeN", map[int]time.Time{0: ms(10), 1: ms(11)})
	if !tracker.IsExecutorBlacklisted("execA") {
		t.Fatalf("expected execA to be blacklisted")
	}

	tracker.HandleRemovedExecutor("execA")
	assertTrackerInvariants(t, tracker)
	if !tracker.IsExecutorBlacklisted("execA") {
		t.Errorf("expected a removed executor's blacklist entry to expire naturally")
	}
	if !tracker.nodeToFailedExecs["nodeN"]["execA"] {
		t.Errorf("expected a removed executor to keep counting toward its node")
	}

	clk.SetTime(ms(5))
	reportFailures(tracker, 1, "execB", "nodeN", map[int]time.Time{0: ms(14), 1: ms(15)})
	assertTrackerInvariants(t, tracker)
	if !tracker.IsNodeBlacklisted("nodeN") {
		t.Errorf("expected nodeN to blacklist once execB joined execA in the accounting")
	}
}

// ensures a removed executor's pending failures are forgotten
func Test_BlacklistTracker_HandleRemovedExecutorDropsFailures(t *testing.T) {
	tracker, _ := setupTestTracker()

	reportFailures(tracker, 0, "execA", "nodeN", map[int]time.Time{0: ms(10)})
	tracker.HandleRemovedExecutor("execA")
	assertTrackerInvariants(t, tracker)
	if _, ok := tracker.executorFailures["execA"]; ok {
		t.Errorf("expected pending failures to be dropped for a removed executor")
	}

	// a later failure starts counting from scratch
	reportFailures(tracker, 1, "execA", "nodeN", map[int]time.Time{1: ms(11)})
	if tracker.IsExecutorBlacklisted("execA") {
		t.Errorf("expected a fresh failure list after removal")
	}
}

// ensures an expired node needs fresh executor blacklists to re-promote
func Test_BlacklistTracker_ExpiredNodeMustReaccumulate(t *testing.T) {
	tracker, clk := setupTestTracker()

	clk.SetTime(ms(1))
	reportFailures(tracker, 0, "execA", "nodeN", map[int]time.Time{0: ms(10), 1: ms(11)})
	reportFailures(tracker, 1, "execB", "nodeN", map[int]time.Time{0: ms(10), 1: ms(11)})
	if !tracker.IsNodeBlacklisted("nodeN") {
		t.Fatalf("expected nodeN to be blacklisted")
	}

	// a third executor joins while the node entry exists; the node expiry is unchanged
	clk.SetTime(ms(5))
	reportFailures(tracker, 2, "execC", "nodeN", map[int]time.Time{0: ms(14), 1: ms(15)})
	assertTrackerInvariants(t, tracker)
	if got := tracker.nodeBlacklist["nodeN"]; !got.Equal(ms(11)) {
		t.Errorf("expected nodeN to keep its original expiry %v, got %v", ms(11), got)
	}

	// after the node expires, execC alone is below the node threshold
	clk.SetTime(ms(12))
	tracker.ApplyBlacklistTimeout()
	assertTrackerInvariants(t, tracker)
	if tracker.IsNodeBlacklisted("nodeN") {
		t.Errorf("expected nodeN blacklist to expire at %v", ms(12))
	}
	if !tracker.IsExecutorBlacklisted("execC") {
		t.Errorf("expected execC to stay blacklisted until %v", ms(15))
	}
	if got := len(tracker.nodeToFailedExecs["nodeN"]); got != 1 {
		t.Errorf("expected only execC to keep counting toward nodeN, got %d", got)
	}
}

// ensures the sweep is idempotent at a fixed clock
func Test_BlacklistTracker_SweepIdempotence(t *testing.T) {
	tracker, clk := setupTestTracker()

	clk.SetTime(ms(1))
	reportFailures(tracker, 0, "execA", "nodeN", map[int]time.Time{0: ms(10), 1: ms(11)})
	reportFailures(tracker, 1, "execB", "nodeM", map[int]time.Time{0: ms(20)})

	clk.SetTime(ms(12))
	tracker.ApplyBlacklistTimeout()
	assertTrackerInvariants(t, tracker)

	executorBlacklist := make(map[domain.ExecutorId]blacklistedExecutor)
	for k, v := range tracker.executorBlacklist {
		executorBlacklist[k] = v
	}
	nodeBlacklist := make(map[domain.NodeId]time.Time)
	for k, v := range tracker.nodeBlacklist {
		nodeBlacklist[k] = v
	}
	pendingFailures := make(map[domain.ExecutorId]int)
	for k, v := range tracker.executorFailures {
		pendingFailures[k] = v.numUniqueTaskFailures()
	}
	nextExpiry := tracker.nextExpiry

	tracker.ApplyBlacklistTimeout()
	assertTrackerInvariants(t, tracker)
	if !reflect.DeepEqual(executorBlacklist, tracker.executorBlacklist) {
		t.Errorf("second sweep changed the executor blacklist: %v vs %v", executorBlacklist, tracker.executorBlacklist)
	}
	if !reflect.DeepEqual(nodeBlacklist, tracker.nodeBlacklist) {
		t.Errorf("second sweep changed the node blacklist: %v vs %v", nodeBlacklist, tracker.nodeBlacklist)
	}
	for k, v := range tracker.executorFailures {
		if pendingFailures[k] != v.numUniqueTaskFailures() {
			t.Errorf("second sweep changed executor %s's failure list", k)
		}
	}
	if !nextExpiry.Equal(tracker.nextExpiry) {
		t.Errorf("second sweep moved next expiry from %v to %v", nextExpiry, tracker.nextExpiry)
	}
}

// ensures entries survive sweeps that run before their expiry
func Test_BlacklistTracker_TimeoutRoundTrip(t *testing.T) {
	tracker, clk := setupTestTracker()

	reportFailures(tracker, 0, "execA", "nodeN", map[int]time.Time{0: ms(5), 1: ms(6)})
	if !tracker.IsExecutorBlacklisted("execA") {
		t.Fatalf("expected execA to be blacklisted")
	}

	clk.SetTime(ms(9))
	tracker.ApplyBlacklistTimeout()
	if !tracker.IsExecutorBlacklisted("execA") {
		t.Errorf("expected execA to stay blacklisted before its expiry")
	}

	clk.SetTime(ms(11))
	tracker.ApplyBlacklistTimeout()
	if tracker.IsExecutorBlacklisted("execA") {
		t.Errorf("expected execA blacklist to be gone after its expiry")
	}
}

// ensures published snapshots are immutable as state moves on
func Test_BlacklistTracker_SnapshotIsStable(t *testing.T) {
	tracker, clk := setupTestTracker()

	before := tracker.NodeBlacklist()
	if len(before) != 0 {
		t.Fatalf("expected an empty initial snapshot")
	}

	clk.SetTime(ms(1))
	reportFailures(tracker, 0, "execA", "nodeN", map[int]time.Time{0: ms(10), 1: ms(11)})
	reportFailures(tracker, 1, "execB", "nodeN", map[int]time.Time{0: ms(10), 1: ms(11)})

	after := tracker.NodeBlacklist()
	if len(before) != 0 {
		t.Errorf("expected the old snapshot to be untouched, got %v", before)
	}
	if len(after) != 1 || !after["nodeN"] {
		t.Errorf("expected the new snapshot to contain nodeN, got %v", after)
	}
}

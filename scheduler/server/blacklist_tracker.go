package server

import (
	"fmt"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/stiltdev/stilt/common/clock"
	"github.com/stiltdev/stilt/common/stats"
	"github.com/stiltdev/stilt/scheduler/domain"
)

const DefaultMaxFailedTasksPerExecutor = 2
const DefaultMaxFailedExecutorsPerNode = 2
const DefaultBlacklistTimeout = time.Hour

var nilTime = time.Time{}

// BlacklistConfig variables read at initialization
// MaxFailedTasksPerExecutor - the number of distinct task failures at which
//
//	an executor is blacklisted.
//
// MaxFailedExecutorsPerNode - the number of currently blacklisted executors
//
//	at which their node is blacklisted.
//
// Timeout -
//
//	how long a failure record or blacklist entry is retained.
type BlacklistConfig struct {
	MaxFailedTasksPerExecutor int
	MaxFailedExecutorsPerNode int
	Timeout                   time.Duration
}

func (c BlacklistConfig) String() string {
	return fmt.Sprintf("BlacklistConfig: MaxFailedTasksPerExecutor: %d, MaxFailedExecutorsPerNode: %d, Timeout: %s",
		c.MaxFailedTasksPerExecutor, c.MaxFailedExecutorsPerNode, c.Timeout)
}

// blacklistedExecutor is a currently blacklisted executor: the node it runs
// on and the time its entry expires.
type blacklistedExecutor struct {
	node   domain.NodeId
	expiry time.Time
}

// BlacklistTracker decides which executors and nodes are unsuitable for task
// placement. The scheduler reports the task failures seen in each
// successfully completed task set; the tracker accumulates them per executor,
// blacklists executors and nodes that cross their thresholds, and releases
// them again once their entries time out.
//
// All methods must be called while holding the scheduler's lock, with one
// exception: NodeBlacklist is safe to call from any goroutine.
type BlacklistTracker struct {
	conf  BlacklistConfig
	clock clock.Clock
	stat  stats.StatsReceiver

	executorFailures  map[domain.ExecutorId]*executorFailureList   // pending failures, disjoint from executorBlacklist
	executorBlacklist map[domain.ExecutorId]blacklistedExecutor    // currently blacklisted executors
	nodeBlacklist     map[domain.NodeId]time.Time                  // currently blacklisted nodes and their expiries
	nodeToFailedExecs map[domain.NodeId]map[domain.ExecutorId]bool // executors counting toward each node's threshold

	// Immutable snapshot of the nodeBlacklist key set, for lock-free readers.
	nodeBlacklistSnapshot atomic.Value // map[domain.NodeId]bool

	// Lower bound on every expiry tracked above; nilTime when nothing is
	// tracked. Lets the sweep return without scanning when nothing can have
	// expired yet.
	nextExpiry time.Time
}

// NewBlacklistTracker creates a tracker with the given thresholds and
// retention window; zero config fields fall back to the defaults.
func NewBlacklistTracker(conf BlacklistConfig, clk clock.Clock, stat stats.StatsReceiver) *BlacklistTracker {
	if conf.MaxFailedTasksPerExecutor == 0 {
		conf.MaxFailedTasksPerExecutor = DefaultMaxFailedTasksPerExecutor
	}
	if conf.MaxFailedExecutorsPerNode == 0 {
		conf.MaxFailedExecutorsPerNode = DefaultMaxFailedExecutorsPerNode
	}
	if conf.Timeout == 0 {
		conf.Timeout = DefaultBlacklistTimeout
	}
	t := &BlacklistTracker{
		conf:              conf,
		clock:             clk,
		stat:              stat,
		executorFailures:  make(map[domain.ExecutorId]*executorFailureList),
		executorBlacklist: make(map[domain.ExecutorId]blacklistedExecutor),
		nodeBlacklist:     make(map[domain.NodeId]time.Time),
		nodeToFailedExecs: make(map[domain.NodeId]map[domain.ExecutorId]bool),
	}
	t.nodeBlacklistSnapshot.Store(map[domain.NodeId]bool{})
	log.Infof("Created BlacklistTracker. %s", conf)
	return t
}

// UpdateBlacklistForSuccessfulTaskSet folds the failures observed during one
// successfully completed task set into the per-executor failure lists, then
// promotes executors and nodes that cross their thresholds. Failures reported
// for an executor that is already blacklisted are not recorded. Task sets that
// failed outright are the responsibility of the task-set level blacklist and
// do not flow through here.
func (t *BlacklistTracker) UpdateBlacklistForSuccessfulTaskSet(
	stageId, stageAttemptId int,
	failuresByExec map[domain.ExecutorId]*ExecutorFailuresInTaskSet,
) {
	for exec, failuresInTaskSet := range failuresByExec {
		if _, blacklisted := t.executorBlacklist[exec]; blacklisted {
			continue
		}
		list, ok := t.executorFailures[exec]
		if !ok {
			list = &executorFailureList{}
			t.executorFailures[exec] = list
		}
		list.addFailures(stageId, stageAttemptId, failuresInTaskSet)
		if min, ok := list.minExpiry(); ok {
			t.lowerNextExpiry(min)
		}

		newTotal := list.numUniqueTaskFailures()
		if newTotal < t.conf.MaxFailedTasksPerExecutor {
			continue
		}

		now := t.clock.Now()
		expiry := now.Add(t.conf.Timeout)
		node := failuresInTaskSet.Node
		t.executorBlacklist[exec] = blacklistedExecutor{node: node, expiry: expiry}
		delete(t.executorFailures, exec)
		t.lowerNextExpiry(expiry)
		t.stat.Counter(stats.SchedExecutorBlacklistCounter).Inc(1)
		log.Infof("Blacklisting executor %s on node %s after %d task failures, until %v. %s",
			exec, node, newTotal, expiry, t.status())

		execs, ok := t.nodeToFailedExecs[node]
		if !ok {
			execs = make(map[domain.ExecutorId]bool)
			t.nodeToFailedExecs[node] = execs
		}
		execs[exec] = true
		if len(execs) >= t.conf.MaxFailedExecutorsPerNode {
			if _, blacklisted := t.nodeBlacklist[node]; !blacklisted {
				t.nodeBlacklist[node] = expiry
				t.publishNodeBlacklist()
				t.stat.Counter(stats.SchedNodeBlacklistCounter).Inc(1)
				log.Infof("Blacklisting node %s with %d blacklisted executors, until %v. %s",
					node, len(execs), expiry, t.status())
			}
		}
	}
	t.updateGauges()
}

// ApplyBlacklistTimeout drops expired failure records and blacklist entries.
// The scheduler calls this periodically; it returns immediately when nothing
// can have expired yet.
func (t *BlacklistTracker) ApplyBlacklistTimeout() {
	now := t.clock.Now()
	if t.nextExpiry == nilTime || !now.After(t.nextExpiry) {
		return
	}
	defer t.stat.Latency(stats.SchedBlacklistSweepLatency_ms).Time().Stop()

	// Age out failures too old to count toward promotion. Lists that empty
	// out are left in place; they are harmless and reclaimed when the
	// executor fails again or is removed from the cluster.
	for _, list := range t.executorFailures {
		list.dropFailuresWithTimeoutBefore(now)
	}

	// Unblacklist executors whose entries have expired, and stop counting
	// them toward their node's threshold.
	for exec, status := range t.executorBlacklist {
		if status.expiry.Before(now) {
			delete(t.executorBlacklist, exec)
			t.stat.Counter(stats.SchedExecutorUnblacklistCounter).Inc(1)
			log.Infof("Executor %s blacklist expired at %v. %s", exec, status.expiry, t.status())
			execs, ok := t.nodeToFailedExecs[status.node]
			if !ok {
				// Every blacklisted executor must be counted under its node.
				log.Errorf("No failed-executor accounting for node %s while unblacklisting executor %s", status.node, exec)
				continue
			}
			delete(execs, exec)
			if len(execs) == 0 {
				delete(t.nodeToFailedExecs, status.node)
			}
		}
	}

	t.updateNextExpiry()

	// Unblacklist nodes whose entries have expired. A node that re-offends
	// must accumulate fresh executor blacklists to be promoted again.
	changed := false
	for node, expiry := range t.nodeBlacklist {
		if expiry.Before(now) {
			delete(t.nodeBlacklist, node)
			changed = true
			t.stat.Counter(stats.SchedNodeUnblacklistCounter).Inc(1)
			log.Infof("Node %s blacklist expired at %v. %s", node, expiry, t.status())
		}
	}
	if changed {
		t.publishNodeBlacklist()
	}
	t.updateGauges()
}

// IsExecutorBlacklisted returns whether the executor is currently excluded
// from task placement.
func (t *BlacklistTracker) IsExecutorBlacklisted(exec domain.ExecutorId) bool {
	_, ok := t.executorBlacklist[exec]
	return ok
}

// IsNodeBlacklisted returns whether the node is currently excluded from task
// placement.
func (t *BlacklistTracker) IsNodeBlacklisted(node domain.NodeId) bool {
	_, ok := t.nodeBlacklist[node]
	return ok
}

// NodeBlacklist returns the current node blacklist snapshot. Unlike every
// other method it is safe to call without the scheduler's lock; the resource
// negotiation path reads it from its own goroutine. The returned map is
// shared and must be treated as read-only. A reader may observe a snapshot
// older than the current state but never a torn one.
func (t *BlacklistTracker) NodeBlacklist() map[domain.NodeId]bool {
	return t.nodeBlacklistSnapshot.Load().(map[domain.NodeId]bool)
}

// HandleRemovedExecutor forgets the pending failures of an executor that left
// the cluster. Its blacklist entry, if any, is left to expire naturally so a
// replacement on the same bad node doesn't immediately look healthy, and the
// node-level accounting keeps counting it so the node threshold stays
// reachable.
func (t *BlacklistTracker) HandleRemovedExecutor(exec domain.ExecutorId) {
	if _, ok := t.executorFailures[exec]; ok {
		log.Infof("Dropping pending failures for removed executor %s. %s", exec, t.status())
		delete(t.executorFailures, exec)
		t.updateGauges()
	}
}

// lowerNextExpiry lowers the sweep short-circuit bound; it never raises it.
func (t *BlacklistTracker) lowerNextExpiry(expiry time.Time) {
	if t.nextExpiry == nilTime || expiry.Before(t.nextExpiry) {
		t.nextExpiry = expiry
	}
}

// updateNextExpiry recomputes the sweep short-circuit bound as the minimum
// expiry across blacklisted executors and pending failure lists. Node
// expiries never exceed the executor expiry they were derived from, so they
// need no term of their own.
func (t *BlacklistTracker) updateNextExpiry() {
	next := nilTime
	for _, status := range t.executorBlacklist {
		if next == nilTime || status.expiry.Before(next) {
			next = status.expiry
		}
	}
	for _, list := range t.executorFailures {
		if min, ok := list.minExpiry(); ok && (next == nilTime || min.Before(next)) {
			next = min
		}
	}
	t.nextExpiry = next
}

// publishNodeBlacklist rebuilds the immutable snapshot from the node
// blacklist key set and publishes it with a single atomic store.
func (t *BlacklistTracker) publishNodeBlacklist() {
	snapshot := make(map[domain.NodeId]bool, len(t.nodeBlacklist))
	for node := range t.nodeBlacklist {
		snapshot[node] = true
	}
	t.nodeBlacklistSnapshot.Store(snapshot)
}

func (t *BlacklistTracker) updateGauges() {
	t.stat.Gauge(stats.SchedBlacklistedExecutorsGauge).Update(int64(len(t.executorBlacklist)))
	t.stat.Gauge(stats.SchedBlacklistedNodesGauge).Update(int64(len(t.nodeBlacklist)))
	t.stat.Gauge(stats.SchedExecutorFailureListsGauge).Update(int64(len(t.executorFailures)))
}

func (t *BlacklistTracker) status() string {
	return fmt.Sprintf("now have %d blacklisted executors (%d blacklisted nodes, %d executors with pending failures)",
		len(t.executorBlacklist), len(t.nodeBlacklist), len(t.executorFailures))
}

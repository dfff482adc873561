package server

import (
	"fmt"
	"sort"
	"time"

	"github.com/davecgh/go-spew/spew"

	"github.com/stiltdev/stilt/scheduler/domain"
)

// failureCountAndExpiry is how many times one task index failed on an
// executor during a task set, and the expiry of the latest of those failures.
type failureCountAndExpiry struct {
	count  int
	expiry time.Time
}

// ExecutorFailuresInTaskSet is assembled by the scheduler while a task set is
// running: every task failure observed on one executor, keyed by task index.
// It is handed to the BlacklistTracker when the task set completes
// successfully and thrown away afterwards.
type ExecutorFailuresInTaskSet struct {
	// The node the executor runs on, fixed at construction.
	Node domain.NodeId

	taskToFailureCountAndExpiry map[int]*failureCountAndExpiry
}

func NewExecutorFailuresInTaskSet(node domain.NodeId) *ExecutorFailuresInTaskSet {
	return &ExecutorFailuresInTaskSet{
		Node:                        node,
		taskToFailureCountAndExpiry: make(map[int]*failureCountAndExpiry),
	}
}

// UpdateWithFailure records one more failure of the given task index. The
// scheduler reports failures in time order, so expiries for a task index must
// be non-decreasing; an earlier expiry means the caller's bookkeeping has
// drifted and we panic rather than track bad times.
func (s *ExecutorFailuresInTaskSet) UpdateWithFailure(taskIndex int, failureExpiry time.Time) {
	if prev, ok := s.taskToFailureCountAndExpiry[taskIndex]; ok {
		if failureExpiry.Before(prev.expiry) {
			panic(fmt.Sprintf("failure expiry for task %d moved backwards: had %v, got %v",
				taskIndex, prev.expiry, failureExpiry))
		}
		prev.count++
		prev.expiry = failureExpiry
	} else {
		s.taskToFailureCountAndExpiry[taskIndex] = &failureCountAndExpiry{count: 1, expiry: failureExpiry}
	}
}

// NumUniqueTasksWithFailures is the number of distinct task indexes that
// failed on this executor during the task set.
func (s *ExecutorFailuresInTaskSet) NumUniqueTasksWithFailures() int {
	return len(s.taskToFailureCountAndExpiry)
}

func (s *ExecutorFailuresInTaskSet) String() string {
	return fmt.Sprintf("{node:%s, numUniqueTasksWithFailures:%d, failures:%s}",
		s.Node, s.NumUniqueTasksWithFailures(), spew.Sdump(s.taskToFailureCountAndExpiry))
}

// taskFailure is a single unexpired failure attributed to an executor.
type taskFailure struct {
	task   domain.TaskId
	expiry time.Time
}

func (f taskFailure) String() string {
	return fmt.Sprintf("(%s, %v)", f.task, f.expiry)
}

// executorFailureList holds the unexpired task failures of one executor
// across successful task sets, sorted ascending by expiry time. The list
// stays small: an executor that crosses the failure threshold is blacklisted
// and its list dropped.
type executorFailureList struct {
	failures []taskFailure
}

// addFailures merges the failures from one completed task set. New failures
// may interleave with the old ones by wall-time, so the whole list is
// re-sorted; minExpiry() and dropFailuresWithTimeoutBefore() rely on the
// order. Each task set is submitted at most once, so entries are not
// deduplicated across calls.
func (l *executorFailureList) addFailures(stageId, stageAttemptId int, failuresInTaskSet *ExecutorFailuresInTaskSet) {
	for taskIndex, failure := range failuresInTaskSet.taskToFailureCountAndExpiry {
		l.failures = append(l.failures, taskFailure{
			task:   domain.TaskId{StageId: stageId, StageAttemptId: stageAttemptId, TaskIndex: taskIndex},
			expiry: failure.expiry,
		})
	}
	sort.Slice(l.failures, func(i, j int) bool {
		return l.failures[i].expiry.Before(l.failures[j].expiry)
	})
}

// minExpiry returns the earliest failure expiry, or false if the list is empty.
func (l *executorFailureList) minExpiry() (time.Time, bool) {
	if len(l.failures) == 0 {
		return time.Time{}, false
	}
	return l.failures[0].expiry, true
}

func (l *executorFailureList) numUniqueTaskFailures() int {
	return len(l.failures)
}

func (l *executorFailureList) isEmpty() bool {
	return len(l.failures) == 0
}

// dropFailuresWithTimeoutBefore drops the prefix of failures whose expiry is
// before the cutoff. No-op if the list is empty or nothing has expired.
func (l *executorFailureList) dropFailuresWithTimeoutBefore(cutoff time.Time) {
	if min, ok := l.minExpiry(); !ok || !min.Before(cutoff) {
		return
	}
	i := sort.Search(len(l.failures), func(i int) bool {
		return !l.failures[i].expiry.Before(cutoff)
	})
	l.failures = l.failures[i:]
}

func (l *executorFailureList) String() string {
	return fmt.Sprintf("%v", l.failures)
}

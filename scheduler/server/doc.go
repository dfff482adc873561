/*
package server provides the failure-accounting state the Stilt scheduler uses
to keep tasks away from bad executors and nodes.

* Concepts *
Failure list:
  Every task failure reported in a successfully completed task set is recorded
  against the executor it ran on, with an expiry of failure-time + Timeout.
  Failures older than the expiry no longer count toward promotion.

Executor blacklist:
  An executor whose distinct unexpired failures reach MaxFailedTasksPerExecutor
  is excluded from placement until its entry expires. Its failure list is
  dropped at that point; if it misbehaves again after expiry it must
  re-accumulate failures from scratch.

Node blacklist:
  A node on which MaxFailedExecutorsPerNode executors are concurrently
  blacklisted is itself excluded from placement, with the expiry of the
  executor whose promotion tipped it over. The node blacklist key set is also
  published as an immutable snapshot behind an atomic reference so the
  resource negotiation path can read it without the scheduler's lock.

Sweep:
  ApplyBlacklistTimeout ages out failure records and blacklist entries. The
  tracker keeps a running lower bound on all tracked expiries so the periodic
  sweep is a no-op until something can actually have expired.

The tracker is process-local bookkeeping: no persistence, no consensus, and
no I/O. The outer scheduler owns the lock that serializes all calls except
NodeBlacklist.
*/
package server

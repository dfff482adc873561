package stats

/*
This file defines all the metrics being collected. As new metrics are added please follow this pattern.
*/

const (
	/****************************** Scheduler Metrics ****************************************/

	/*
		the number of executors currently excluded from task placement
	*/
	SchedBlacklistedExecutorsGauge = "schedBlacklistedExecutorsGauge"

	/*
		the number of nodes currently excluded from task placement
	*/
	SchedBlacklistedNodesGauge = "schedBlacklistedNodesGauge"

	/*
		the number of executors that are not (yet) blacklisted and have a failure list; a list whose
		failures have all expired still counts until the executor fails again or is removed
	*/
	SchedExecutorFailureListsGauge = "schedExecutorFailureListsGauge"

	/*
		the number of times an executor has been blacklisted
	*/
	SchedExecutorBlacklistCounter = "executorBlacklistCounter"

	/*
		the number of times a node has been blacklisted
	*/
	SchedNodeBlacklistCounter = "nodeBlacklistCounter"

	/*
		the number of times an executor blacklist entry has expired
	*/
	SchedExecutorUnblacklistCounter = "executorUnblacklistCounter"

	/*
		the number of times a node blacklist entry has expired
	*/
	SchedNodeUnblacklistCounter = "nodeUnblacklistCounter"

	/*
		amount of time it takes to run the blacklist expiry sweep
	*/
	SchedBlacklistSweepLatency_ms = "blacklistSweepLatency_ms"
)

// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package interleave

// Metric names reported through stats.StatsClient.
const (
	MetricExecutions        = "executions_total"
	MetricExecutionErrors   = "execution_errors_total"
	MetricYields            = "lock_yields_total"
	MetricResourcesReopened = "resources_reopened_total"
	MetricReopenFailures    = "reopen_failures_total"
	MetricLockWaitDuration  = "lock_wait_duration_seconds"
	MetricExecuteDuration   = "execute_duration_seconds"
	MetricPoolWorkers       = "pool_workers"
	MetricPoolQueueDepth    = "pool_queue_depth"
)

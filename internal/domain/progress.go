package domain

// ProgressReporter receives phase-granularity progress for the task
// correlated with a running deployment. Updates are last-write-wins;
// reporting never blocks rollout execution.
type ProgressReporter interface {
	Progress(taskID string, current, total int, message string)
}

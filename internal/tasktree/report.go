package tasktree

import "uplift/api/internal/store"

// BuildReport recomputes the per-status rollup over the top level of a
// merged forest. Soft-deleted tasks are excluded from the total and
// from every status bucket.
func BuildReport(tasks []store.Task) store.TaskReport {
	report := store.TaskReport{"total": 0}
	for _, task := range tasks {
		if task.IsDeleted {
			continue
		}
		report["total"]++
		status := task.Status
		if status == "" {
			status = store.StatusNotStarted
		}
		report[status]++
	}
	return report
}

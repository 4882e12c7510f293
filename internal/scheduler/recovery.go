package scheduler

import "github.com/baeeng/batch-acquisition-engine/internal/storage"

// Recover must run exactly once at process start, before any
// BatchScheduler.Run call: a process that died mid-job leaves jobs
// RUNNING and sites QUEUED/DOWNLOADING/PROCESSING with nothing left to
// finish them. Recover puts every such job into PAUSED with an
// explanatory message and resets its sites back to PENDING so a
// subsequent Run call can pick up where it left off.
func Recover(store *storage.Storage) (int, error) {
	jobs, err := store.GetRunningJobs()
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, job := range jobs {
		if _, err := store.ResetInterruptedSites(job.ID); err != nil {
			return recovered, err
		}
		job.Status = "PAUSED"
		job.ErrorMessage = "Interrupted by app restart"
		if err := store.UpdateJob(job); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

package server

import (
	"sync"

	"github.com/google/uuid"

	"github.com/wolfeidau/reader-cache/prefetch"
)

// JobStatus is the polled view of a prefetch job.
type JobStatus struct {
	ID      uuid.UUID        `json:"id"`
	Status  prefetch.Status  `json:"status"`
	Percent int              `json:"percent"`
	Current int              `json:"current"`
	Total   int              `json:"total"`
	Done    bool             `json:"done"`
	Result  *prefetch.Result `json:"result,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// jobRegistry tracks running prefetch jobs so clients can poll them.
// Finished jobs are kept; the registry lives as long as the process and
// a reading session starts at most a handful of downloads.
type jobRegistry struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*JobStatus
}

func newJobRegistry() *jobRegistry {
	return &jobRegistry{jobs: make(map[uuid.UUID]*JobStatus)}
}

// track registers a job and follows its event stream until completion.
func (r *jobRegistry) track(job *prefetch.Job) {
	r.mu.Lock()
	r.jobs[job.ID] = &JobStatus{ID: job.ID, Status: prefetch.StatusMetadata}
	r.mu.Unlock()

	go func() {
		for ev := range job.Events() {
			r.mu.Lock()
			status := r.jobs[job.ID]
			status.Status = ev.Status
			status.Percent = ev.Percent
			status.Current = ev.Current
			status.Total = ev.Total
			r.mu.Unlock()
		}

		result, err := job.Wait()

		r.mu.Lock()
		status := r.jobs[job.ID]
		status.Done = true
		status.Result = result
		if err != nil {
			status.Error = err.Error()
		}
		r.mu.Unlock()
	}()
}

// status returns a snapshot of one job.
func (r *jobRegistry) status(id uuid.UUID) (*JobStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	status, ok := r.jobs[id]
	if !ok {
		return nil, false
	}
	snapshot := *status
	return &snapshot, true
}

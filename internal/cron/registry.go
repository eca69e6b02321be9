package cron

import "context"

// Job is a single escrow sweep the worker can run on a tick. Name feeds
// log fields and metric labels.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Registry holds the sweeps in the order the worker runs them.
type Registry struct {
	jobs []Job
}

// NewRegistry builds a registry from the given sweeps, skipping nils.
func NewRegistry(jobs ...Job) *Registry {
	r := &Registry{}
	for _, job := range jobs {
		r.Register(job)
	}
	return r
}

// Register appends a sweep to the run order.
func (r *Registry) Register(job Job) {
	if job == nil {
		return
	}
	r.jobs = append(r.jobs, job)
}

// Jobs returns the sweeps in registration order.
func (r *Registry) Jobs() []Job {
	jobs := make([]Job, len(r.jobs))
	copy(jobs, r.jobs)
	return jobs
}

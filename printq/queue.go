// Package printq schedules print jobs: a priority queue with retry and
// backoff, a printer registry with availability probing, and the connector
// that runs one job over a fresh association.
package printq

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	dicomerr "github.com/dicomtools/printnet/errors"
	"github.com/dicomtools/printnet/print"
	"github.com/dicomtools/printnet/types"
)

// JobState is the lifecycle state of a queued print job.
type JobState int

const (
	JobQueued JobState = iota
	JobProcessing
	JobCompleted
	JobFailed
	JobCancelled
)

func (s JobState) String() string {
	switch s {
	case JobQueued:
		return "Queued"
	case JobProcessing:
		return "Processing"
	case JobCompleted:
		return "Completed"
	case JobFailed:
		return "Failed"
	case JobCancelled:
		return "Cancelled"
	default:
		return fmt.Sprintf("JobState(%d)", int(s))
	}
}

// Request is a print job definition as submitted.
type Request struct {
	// PrinterName pins the job to a named printer. Empty lets the
	// registry pick one matching Requirements.
	PrinterName  string
	Requirements Requirements

	Priority uint16 // types.PriorityHigh, Medium or Low

	Session print.FilmSessionParams
	FilmBox print.FilmBoxParams
	Images  []print.Image
}

// Job is one queue entry. All fields are owned by the scheduling loop;
// callers read them through Status snapshots.
type Job struct {
	ID       int64
	Request  Request
	State    JobState
	Attempts int
	Printer  string
	LastErr  string

	EnqueuedAt time.Time
	FinishedAt time.Time

	notBefore time.Time
}

// Status is a point-in-time snapshot of a job.
type Status struct {
	ID       int64
	State    JobState
	Position int // 1-based place in the queue while Queued
	Attempts int
	Printer  string
	Err      string
}

// Runner executes one job attempt. The connector implements it over a fresh
// association per attempt.
type Runner interface {
	Run(ctx context.Context, job *Job) error
}

// Journal records finished jobs for audit. Optional.
type Journal interface {
	RecordJob(ctx context.Context, job *Job) error
}

// QueueConfig tunes retry and retention behavior.
type QueueConfig struct {
	// MaxAttempts bounds the total tries per job, including the first.
	MaxAttempts int
	// BaseBackoff is the delay before the first retry; it doubles per
	// attempt up to MaxBackoff.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// HistorySize bounds how many finished jobs remain queryable.
	HistorySize int
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.BaseBackoff == 0 {
		c.BaseBackoff = 2 * time.Second
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	if c.HistorySize == 0 {
		c.HistorySize = 256
	}
	return c
}

// Queue is a priority-ordered print work list with a single scheduling
// loop. High beats Medium beats Low; FIFO within a priority.
type Queue struct {
	runner  Runner
	journal Journal
	cfg     QueueConfig
	log     *logrus.Entry

	mu      sync.Mutex
	nextID  int64
	pending map[uint16][]*Job // priority -> FIFO
	jobs    map[int64]*Job
	history []int64

	wake chan struct{}
}

// NewQueue creates a queue. Call Run to start the scheduling loop. journal
// may be nil.
func NewQueue(runner Runner, journal Journal, cfg QueueConfig, log *logrus.Entry) *Queue {
	return &Queue{
		runner:  runner,
		journal: journal,
		cfg:     cfg.withDefaults(),
		log:     log,
		pending: make(map[uint16][]*Job),
		jobs:    make(map[int64]*Job),
		wake:    make(chan struct{}, 1),
	}
}

// priorityOrder is the scheduling precedence of the DIMSE priority values.
var priorityOrder = []uint16{types.PriorityHigh, types.PriorityMedium, types.PriorityLow}

func normalizePriority(p uint16) uint16 {
	switch p {
	case types.PriorityHigh, types.PriorityLow:
		return p
	default:
		return types.PriorityMedium
	}
}

// Enqueue submits a job and returns its ID immediately.
func (q *Queue) Enqueue(req Request) int64 {
	q.mu.Lock()
	q.nextID++
	job := &Job{
		ID:         q.nextID,
		Request:    req,
		State:      JobQueued,
		EnqueuedAt: time.Now(),
	}
	priority := normalizePriority(req.Priority)
	q.pending[priority] = append(q.pending[priority], job)
	q.jobs[job.ID] = job
	q.mu.Unlock()

	q.log.WithFields(logrus.Fields{
		"jobID":    job.ID,
		"priority": priority,
	}).Info("Print job enqueued")
	q.poke()
	return job.ID
}

func (q *Queue) poke() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Status reports a job's current state. Position counts ready and delayed
// jobs of equal or higher precedence.
func (q *Queue) Status(jobID int64) (Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok {
		return Status{}, fmt.Errorf("printq: unknown job %d", jobID)
	}
	st := Status{
		ID:       job.ID,
		State:    job.State,
		Attempts: job.Attempts,
		Printer:  job.Printer,
		Err:      job.LastErr,
	}
	if job.State == JobQueued {
		position := 0
		for _, priority := range priorityOrder {
			for _, queued := range q.pending[priority] {
				position++
				if queued.ID == jobID {
					st.Position = position
					return st, nil
				}
			}
		}
	}
	return st, nil
}

// Jobs returns snapshots of every known job, newest first.
func (q *Queue) Jobs() []Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Status, 0, len(q.jobs))
	for id := range q.jobs {
		job := q.jobs[id]
		out = append(out, Status{
			ID:       job.ID,
			State:    job.State,
			Attempts: job.Attempts,
			Printer:  job.Printer,
			Err:      job.LastErr,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

// Cancel withdraws a job. Only honored while Queued; a Processing job
// completes or fails on its own.
func (q *Queue) Cancel(jobID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok {
		return fmt.Errorf("printq: unknown job %d", jobID)
	}
	if job.State != JobQueued {
		return fmt.Errorf("printq: job %d is %s, only queued jobs can be cancelled", jobID, job.State)
	}
	priority := normalizePriority(job.Request.Priority)
	queue := q.pending[priority]
	for i, queued := range queue {
		if queued.ID == jobID {
			q.pending[priority] = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	job.State = JobCancelled
	job.FinishedAt = time.Now()
	q.retain(job)
	return nil
}

// retain keeps a finished job queryable within the bounded history. Caller
// must hold q.mu.
func (q *Queue) retain(job *Job) {
	q.history = append(q.history, job.ID)
	for len(q.history) > q.cfg.HistorySize {
		evicted := q.history[0]
		q.history = q.history[1:]
		delete(q.jobs, evicted)
	}
}

// next pops the highest-priority ready job, or returns the wait until the
// earliest delayed job becomes ready.
func (q *Queue) next(now time.Time) (*Job, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var earliest time.Time
	for _, priority := range priorityOrder {
		queue := q.pending[priority]
		for i, job := range queue {
			if job.notBefore.After(now) {
				if earliest.IsZero() || job.notBefore.Before(earliest) {
					earliest = job.notBefore
				}
				continue
			}
			q.pending[priority] = append(queue[:i], queue[i+1:]...)
			job.State = JobProcessing
			job.Attempts++
			return job, 0
		}
	}
	if earliest.IsZero() {
		return nil, 0
	}
	return nil, earliest.Sub(now)
}

// Run is the scheduling loop. It blocks until ctx is cancelled. Exactly one
// Run must be active per queue.
func (q *Queue) Run(ctx context.Context) {
	for {
		job, wait := q.next(time.Now())
		if job == nil {
			if wait == 0 {
				select {
				case <-q.wake:
					continue
				case <-ctx.Done():
					return
				}
			}
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-q.wake:
				timer.Stop()
			case <-ctx.Done():
				timer.Stop()
				return
			}
			continue
		}

		q.process(ctx, job)
		if ctx.Err() != nil {
			return
		}
	}
}

func (q *Queue) process(ctx context.Context, job *Job) {
	log := q.log.WithFields(logrus.Fields{"jobID": job.ID, "attempt": job.Attempts})
	err := q.runner.Run(ctx, job)

	q.mu.Lock()
	defer q.mu.Unlock()

	if err == nil {
		job.State = JobCompleted
		job.LastErr = ""
		job.FinishedAt = time.Now()
		q.retain(job)
		log.Info("Print job completed")
		q.record(job)
		return
	}

	job.LastErr = err.Error()
	if dicomerr.IsTransient(err) && job.Attempts < q.cfg.MaxAttempts {
		backoff := q.backoff(job.Attempts)
		job.State = JobQueued
		job.notBefore = time.Now().Add(backoff)
		priority := normalizePriority(job.Request.Priority)
		q.pending[priority] = append(q.pending[priority], job)
		log.WithError(err).WithField("backoff", backoff).Warn("Print job failed, will retry")
		q.poke()
		return
	}

	job.State = JobFailed
	job.FinishedAt = time.Now()
	q.retain(job)
	log.WithError(err).Error("Print job failed permanently")
	q.record(job)
}

func (q *Queue) backoff(attempt int) time.Duration {
	d := q.cfg.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= q.cfg.MaxBackoff {
			return q.cfg.MaxBackoff
		}
	}
	return d
}

// record hands a finished job to the journal. Caller holds q.mu; the write
// happens on a short background context so a slow journal cannot stall the
// scheduler.
func (q *Queue) record(job *Job) {
	if q.journal == nil {
		return
	}
	snapshot := *job
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := q.journal.RecordJob(ctx, &snapshot); err != nil {
			q.log.WithError(err).Warn("Failed to journal print job")
		}
	}()
}

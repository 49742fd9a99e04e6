// Package queue holds the per-source work queue: waiting, active, completed
// and failed partitions with priority ordering, retry backoff and bounded
// retention. State is authoritative in memory and written through to a Store.
package queue

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"scrape-queue/pkg/job"
)

// Store persists job records for one or more sources. Implementations key
// records by source so queues never contend on the same keys.
type Store interface {
	Save(ctx context.Context, rec *job.Record) error
	Delete(ctx context.Context, sourceID, jobID string) error
	Load(ctx context.Context, sourceID string) ([]*job.Record, error)
}

type Options struct {
	Concurrency   int
	MaxAttempts   int
	BaseDelay     time.Duration
	KeepCompleted int
	KeepFailed    int
	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

// DefaultOptions returns concurrency 1, 3 attempts, 5s base backoff.
func DefaultOptions() Options {
	return Options{
		Concurrency:   1,
		MaxAttempts:   3,
		BaseDelay:     5 * time.Second,
		KeepCompleted: 100,
		KeepFailed:    50,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Concurrency <= 0 {
		o.Concurrency = def.Concurrency
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = def.MaxAttempts
	}
	if o.BaseDelay < 0 {
		o.BaseDelay = def.BaseDelay
	}
	if o.KeepCompleted <= 0 {
		o.KeepCompleted = def.KeepCompleted
	}
	if o.KeepFailed <= 0 {
		o.KeepFailed = def.KeepFailed
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type Stats struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Delayed   int `json:"delayed"`
	Total     int `json:"total"`
}

// FailureOutcome describes what MarkFailed did with the job.
type FailureOutcome struct {
	Retrying bool
	Delay    time.Duration
	Record   *job.Record
}

type entry struct {
	rec       *job.Record
	seq       uint64
	cancelled bool
}

type Queue struct {
	source string
	opts   Options
	store  Store
	logger zerolog.Logger

	mu        sync.Mutex
	writes    writeTurns
	seq       uint64
	waiting   []*entry
	active    map[string]*entry
	completed []*entry
	failed    []*entry
	closed    bool

	wake chan struct{}
}

func New(sourceID string, store Store, opts Options, logger zerolog.Logger) *Queue {
	q := &Queue{
		source: sourceID,
		opts:   opts.withDefaults(),
		store:  store,
		logger: logger.With().Str("component", "queue").Str("source", sourceID).Logger(),
		active: make(map[string]*entry),
		wake:   make(chan struct{}, 1),
	}
	q.writes.cond = sync.NewCond(&q.writes.mu)
	return q
}

func (q *Queue) SourceID() string { return q.source }

func (q *Queue) Options() Options { return q.opts }

// Wake fires after any change that may make a job eligible for dequeue.
func (q *Queue) Wake() <-chan struct{} { return q.wake }

// Kick re-arms the wake signal. Workers call it after taking a job so that an
// idle sibling re-checks for work the coalesced signal may have hidden.
func (q *Queue) Kick() {
	q.signal()
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Enqueue persists rec and appends it to the waiting partition. The record
// is only visible once the store accepted it.
func (q *Queue) Enqueue(ctx context.Context, rec *job.Record) error {
	if rec.SourceID != q.source {
		return fmt.Errorf("enqueue %s: record belongs to source %s", q.source, rec.SourceID)
	}

	rec = rec.Clone()
	rec.Status = job.StatusPending
	if rec.MaxAttempts <= 0 {
		rec.MaxAttempts = q.opts.MaxAttempts
	}
	if rec.AvailableAt.IsZero() {
		rec.AvailableAt = rec.CreatedAt
	}

	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return job.ErrClosed
	}

	if err := q.persist(ctx, rec); err != nil {
		return &job.BackendUnavailableError{Op: "enqueue", Err: err}
	}

	q.mu.Lock()
	q.seq++
	q.waiting = append(q.waiting, &entry{rec: rec, seq: q.seq})
	q.mu.Unlock()

	q.signal()
	return nil
}

// Dequeue moves the best eligible waiting job into the active partition and
// returns a snapshot of it. When nothing can run it returns nil and, if a
// delayed job exists, the time it becomes eligible.
func (q *Queue) Dequeue(ctx context.Context) (*job.Record, time.Time) {
	now := q.opts.Now()

	q.mu.Lock()
	if q.closed || len(q.active) >= q.opts.Concurrency {
		q.mu.Unlock()
		return nil, time.Time{}
	}

	best := -1
	var next time.Time
	for i, e := range q.waiting {
		if e.rec.AvailableAt.After(now) {
			if next.IsZero() || e.rec.AvailableAt.Before(next) {
				next = e.rec.AvailableAt
			}
			continue
		}
		if best < 0 || before(e, q.waiting[best]) {
			best = i
		}
	}
	if best < 0 {
		q.mu.Unlock()
		return nil, next
	}

	e := q.waiting[best]
	q.waiting = append(q.waiting[:best], q.waiting[best+1:]...)

	e.rec.Status = job.StatusRunning
	e.rec.AttemptsMade++
	e.rec.Progress = 0
	if e.rec.ProcessedOn == nil {
		t := now
		e.rec.ProcessedOn = &t
	}
	q.active[e.rec.ID] = e
	snap := e.rec.Clone()
	done := q.unlockForWrite()
	q.persistBestEffort(ctx, snap, "dequeue")
	done()
	return snap, time.Time{}
}

// before orders by priority (higher first), then insertion order.
func before(a, b *entry) bool {
	if a.rec.Priority != b.rec.Priority {
		return a.rec.Priority > b.rec.Priority
	}
	return a.seq < b.seq
}

// UpdateProgress raises the progress of a running attempt. Values below the
// current progress are ignored, and 100 is reserved for completion.
func (q *Queue) UpdateProgress(jobID string, attempt, progress int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.active[jobID]
	if !ok || e.cancelled || e.rec.AttemptsMade != attempt {
		return false
	}
	if progress > 99 {
		progress = 99
	}
	if progress <= e.rec.Progress {
		return false
	}
	e.rec.Progress = progress
	return true
}

// MarkCompleted moves an active job to the completed partition.
func (q *Queue) MarkCompleted(ctx context.Context, jobID string, result job.Result) (*job.Record, error) {
	now := q.opts.Now()

	q.mu.Lock()
	e, ok := q.active[jobID]
	if !ok {
		q.mu.Unlock()
		return nil, job.ErrJobNotActive
	}
	delete(q.active, jobID)
	if e.cancelled {
		done := q.unlockForWrite()
		q.deleteBestEffort(ctx, jobID)
		done()
		q.signal()
		return nil, job.ErrJobCancelled
	}

	e.rec.Status = job.StatusCompleted
	e.rec.Progress = 100
	e.rec.Result = &result
	e.rec.FinishedOn = &now
	q.completed = append(q.completed, e)
	evicted := trim(&q.completed, q.opts.KeepCompleted)
	snap := e.rec.Clone()
	done := q.unlockForWrite()
	q.persistBestEffort(ctx, snap, "complete")
	for _, id := range evicted {
		q.deleteBestEffort(ctx, id)
	}
	done()

	q.signal()
	return snap, nil
}

// MarkFailed applies the retry policy to an active job: while attempts
// remain it goes back to waiting behind an exponential backoff, otherwise it
// becomes terminally FAILED with reason as its failure reason.
func (q *Queue) MarkFailed(ctx context.Context, jobID, reason string) (FailureOutcome, error) {
	now := q.opts.Now()

	q.mu.Lock()
	e, ok := q.active[jobID]
	if !ok {
		q.mu.Unlock()
		return FailureOutcome{}, job.ErrJobNotActive
	}
	delete(q.active, jobID)
	if e.cancelled {
		done := q.unlockForWrite()
		q.deleteBestEffort(ctx, jobID)
		done()
		q.signal()
		return FailureOutcome{}, job.ErrJobCancelled
	}

	e.rec.LastError = reason
	e.rec.Progress = 0

	var out FailureOutcome
	var evicted []string
	if e.rec.AttemptsMade < e.rec.MaxAttempts {
		delay := Backoff(q.opts.BaseDelay, e.rec.AttemptsMade)
		e.rec.Status = job.StatusPending
		e.rec.AvailableAt = now.Add(delay)
		q.waiting = append(q.waiting, e)
		out = FailureOutcome{Retrying: true, Delay: delay}
	} else {
		e.rec.Status = job.StatusFailed
		e.rec.FailureReason = reason
		e.rec.FinishedOn = &now
		q.failed = append(q.failed, e)
		evicted = trim(&q.failed, q.opts.KeepFailed)
	}
	out.Record = e.rec.Clone()
	done := q.unlockForWrite()
	q.persistBestEffort(ctx, out.Record, "fail")
	for _, id := range evicted {
		q.deleteBestEffort(ctx, id)
	}
	done()

	q.signal()
	return out, nil
}

// Release returns an active job to the front of its priority band without
// counting the attempt. Used when the host aborts an attempt on shutdown.
func (q *Queue) Release(ctx context.Context, jobID string) error {
	q.mu.Lock()
	e, ok := q.active[jobID]
	if !ok {
		q.mu.Unlock()
		return job.ErrJobNotActive
	}
	delete(q.active, jobID)
	if e.cancelled {
		done := q.unlockForWrite()
		q.deleteBestEffort(ctx, jobID)
		done()
		return job.ErrJobCancelled
	}
	e.rec.Status = job.StatusPending
	e.rec.Progress = 0
	if e.rec.AttemptsMade > 0 {
		e.rec.AttemptsMade--
	}
	e.rec.AvailableAt = q.opts.Now()
	q.waiting = append(q.waiting, e)
	snap := e.rec.Clone()
	done := q.unlockForWrite()
	q.persistBestEffort(ctx, snap, "release")
	done()

	q.signal()
	return nil
}

// MaxBackoff caps the retry delay.
const MaxBackoff = 24 * time.Hour

// Backoff returns base * 2^(attempt-1), capped at MaxBackoff.
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(base) * math.Pow(2, float64(attempt-1))
	if d >= float64(MaxBackoff) {
		return MaxBackoff
	}
	return time.Duration(d)
}

// trim drops the oldest entries beyond limit and returns their ids.
func trim(part *[]*entry, limit int) []string {
	over := len(*part) - limit
	if over <= 0 {
		return nil
	}
	ids := make([]string, 0, over)
	for _, e := range (*part)[:over] {
		ids = append(ids, e.rec.ID)
	}
	*part = append([]*entry(nil), (*part)[over:]...)
	return ids
}

// GetJob looks a job up across all partitions.
func (q *Queue) GetJob(jobID string) *job.Record {
	q.mu.Lock()
	defer q.mu.Unlock()

	if e := q.find(jobID); e != nil {
		return e.rec.Clone()
	}
	return nil
}

func (q *Queue) find(jobID string) *entry {
	if e, ok := q.active[jobID]; ok {
		if e.cancelled {
			return nil
		}
		return e
	}
	for _, part := range [][]*entry{q.waiting, q.completed, q.failed} {
		for _, e := range part {
			if e.rec.ID == jobID {
				return e
			}
		}
	}
	return nil
}

// Remove cancels a waiting or active job. Terminal jobs are history and are
// never removed. An active job keeps holding its slot until the runner
// reports back, at which point its outcome is discarded.
func (q *Queue) Remove(ctx context.Context, jobID string) bool {
	q.mu.Lock()
	if e, ok := q.active[jobID]; ok {
		if e.cancelled {
			q.mu.Unlock()
			return false
		}
		e.cancelled = true
		done := q.unlockForWrite()
		q.deleteBestEffort(ctx, jobID)
		done()
		return true
	}
	for i, e := range q.waiting {
		if e.rec.ID == jobID {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			done := q.unlockForWrite()
			q.deleteBestEffort(ctx, jobID)
			done()
			return true
		}
	}
	q.mu.Unlock()
	return false
}

func (q *Queue) Stats() Stats {
	now := q.opts.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{
		Waiting:   len(q.waiting),
		Active:    len(q.active),
		Completed: len(q.completed),
		Failed:    len(q.failed),
	}
	for _, e := range q.waiting {
		if e.rec.AvailableAt.After(now) {
			s.Delayed++
		}
	}
	s.Total = s.Waiting + s.Active + s.Completed + s.Failed
	return s
}

// Restore rebuilds the partitions from the store. Jobs left RUNNING by a
// crashed process are requeued with their interrupted attempt counted; an
// orphan that already used its last attempt is failed.
func (q *Queue) Restore(ctx context.Context) error {
	if q.store == nil {
		return nil
	}
	recs, err := q.store.Load(ctx, q.source)
	if err != nil {
		return &job.BackendUnavailableError{Op: "restore", Err: err}
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].CreatedAt.Before(recs[j].CreatedAt) })

	now := q.opts.Now()
	var dirty []*job.Record

	q.mu.Lock()
	for _, rec := range recs {
		if rec.SourceID != q.source || q.find(rec.ID) != nil {
			continue
		}
		q.seq++
		e := &entry{rec: rec, seq: q.seq}

		if rec.Status == job.StatusRunning {
			rec.Progress = 0
			if rec.AttemptsMade >= rec.MaxAttempts {
				rec.Status = job.StatusFailed
				rec.FailureReason = "job interrupted during final attempt"
				rec.FinishedOn = &now
			} else {
				rec.Status = job.StatusPending
				rec.AvailableAt = now
			}
			dirty = append(dirty, rec.Clone())
		}

		switch rec.Status {
		case job.StatusPending:
			q.waiting = append(q.waiting, e)
		case job.StatusCompleted:
			q.completed = append(q.completed, e)
		case job.StatusFailed:
			q.failed = append(q.failed, e)
		}
	}
	byFinish := func(part []*entry) {
		sort.SliceStable(part, func(i, j int) bool {
			return finishedAt(part[i]).Before(finishedAt(part[j]))
		})
	}
	byFinish(q.completed)
	byFinish(q.failed)
	evicted := append(trim(&q.completed, q.opts.KeepCompleted), trim(&q.failed, q.opts.KeepFailed)...)
	waiting := len(q.waiting)
	done := q.unlockForWrite()
	for _, rec := range dirty {
		q.persistBestEffort(ctx, rec, "restore")
	}
	for _, id := range evicted {
		q.deleteBestEffort(ctx, id)
	}
	done()

	q.logger.Info().
		Int("records", len(recs)).
		Int("requeued_orphans", len(dirty)).
		Int("waiting", waiting).
		Msg("Queue restored")

	q.signal()
	return nil
}

func finishedAt(e *entry) time.Time {
	if e.rec.FinishedOn != nil {
		return *e.rec.FinishedOn
	}
	return e.rec.CreatedAt
}

// Close stops the queue from accepting or handing out work.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// unlockForWrite releases q.mu and waits for this transition's turn to write
// to the store, so writes land in the order the transitions were applied in
// memory. The returned func ends the turn.
func (q *Queue) unlockForWrite() func() {
	t := q.writes.take()
	q.mu.Unlock()
	q.writes.wait(t)
	return q.writes.done
}

// writeTurns is a ticket lock over store writes. take is called under q.mu.
type writeTurns struct {
	mu   sync.Mutex
	cond *sync.Cond
	next uint64
	turn uint64
}

func (w *writeTurns) take() uint64 {
	t := w.next
	w.next++
	return t
}

func (w *writeTurns) wait(t uint64) {
	w.mu.Lock()
	for w.turn != t {
		w.cond.Wait()
	}
	w.mu.Unlock()
}

func (w *writeTurns) done() {
	w.mu.Lock()
	w.turn++
	w.cond.Broadcast()
	w.mu.Unlock()
}

func (q *Queue) persist(ctx context.Context, rec *job.Record) error {
	if q.store == nil {
		return nil
	}
	return q.store.Save(ctx, rec)
}

func (q *Queue) persistBestEffort(ctx context.Context, rec *job.Record, op string) {
	if err := q.persist(ctx, rec); err != nil {
		q.logger.Error().
			Err(err).
			Str("job_id", rec.ID).
			Str("op", op).
			Msg("Failed to persist job record")
	}
}

func (q *Queue) deleteBestEffort(ctx context.Context, jobID string) {
	if q.store == nil {
		return
	}
	if err := q.store.Delete(ctx, q.source, jobID); err != nil {
		q.logger.Error().
			Err(err).
			Str("job_id", jobID).
			Msg("Failed to delete job record")
	}
}

// Package dispatch reliably reports finished calls downstream: it writes
// outcome fields to the record store and posts an event to the workflow
// engine, each retried independently with backoff. Delivery is
// at-least-once; both targets are idempotent per call id.
package dispatch

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/tomasbenes/sara/internal/eventlog"
	"github.com/tomasbenes/sara/internal/metrics"
	"github.com/tomasbenes/sara/internal/notifications"
	"github.com/tomasbenes/sara/internal/retry"
	"github.com/tomasbenes/sara/internal/session"
	"github.com/tomasbenes/sara/internal/store"
)

// RecordWriter writes outcome fields to the external record store.
type RecordWriter interface {
	UpdateOutcome(ctx context.Context, ref, callID string, fields map[string]string) error
}

// WorkflowPoster posts outcome events to the workflow engine.
type WorkflowPoster interface {
	Post(ctx context.Context, ev WorkflowEvent) error
}

// Job is one queued outcome delivery.
type Job struct {
	ID       string
	Snapshot session.Snapshot
}

// Config tunes the worker pool and delivery policy.
type Config struct {
	Workers  int // default 4
	QueueCap int // default 64
	Retry    retry.Config
	// JobTimeout bounds one job end to end, default 2m.
	JobTimeout time.Duration
}

// Dispatcher runs a bounded worker pool over a shedding queue: a slow
// workflow endpoint can never block webhook responses, and when the queue
// fills the oldest un-started job is dropped with a backpressure warning.
type Dispatcher struct {
	cfg      Config
	records  RecordWriter
	workflow WorkflowPoster
	db       *store.Store // optional
	sessions *session.Store
	events   *eventlog.Logger
	discord  *notifications.Discord
	apns     *notifications.APNsClient
	sms      *notifications.SMSClient
	logger   *log.Logger

	// OnComplete, if set, runs after a job finishes (successfully or not),
	// once per call. Used to release the call registry slot.
	OnComplete func(callID string)

	mu       sync.Mutex
	queue    []Job
	notEmpty chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Dispatcher. db, discord, apns and sms may be nil.
func New(cfg Config, records RecordWriter, workflow WorkflowPoster, db *store.Store, sessions *session.Store, events *eventlog.Logger, discord *notifications.Discord, apns *notifications.APNsClient, sms *notifications.SMSClient, logger *log.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueCap <= 0 {
		cfg.QueueCap = 64
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 2 * time.Minute
	}
	return &Dispatcher{
		cfg:      cfg,
		records:  records,
		workflow: workflow,
		db:       db,
		sessions: sessions,
		events:   events,
		discord:  discord,
		apns:     apns,
		sms:      sms,
		logger:   logger,
		notEmpty: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the workers.
func (d *Dispatcher) Start() {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	d.logger.Printf("dispatch: started (%d workers, queue cap %d)", d.cfg.Workers, d.cfg.QueueCap)
}

// Stop drains in-flight jobs and shuts the workers down. Queued jobs that
// never started are abandoned; delivery is at-least-once, not guaranteed
// across restarts.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
	d.logger.Printf("dispatch: stopped")
}

// Enqueue queues an outcome delivery without ever blocking the caller.
// Returns false when the job displaced an older one.
func (d *Dispatcher) Enqueue(sn session.Snapshot) bool {
	job := Job{ID: uuid.NewString(), Snapshot: sn}

	d.mu.Lock()
	shed := false
	var dropped Job
	if len(d.queue) >= d.cfg.QueueCap {
		dropped = d.queue[0]
		d.queue = d.queue[1:]
		shed = true
	}
	d.queue = append(d.queue, job)
	depth := len(d.queue)
	metrics.QueueDepth.Set(float64(depth))
	d.mu.Unlock()

	if shed {
		metrics.QueueSheds.Inc()
		d.logger.Printf("dispatch: backpressure, shed oldest queued job for call %s", dropped.Snapshot.CallID)
		d.events.LogAsync(dropped.Snapshot.CallID, eventlog.EventQueueShed, nil)
		d.discord.NotifyBackpressure(context.Background(), dropped.Snapshot.CallID, depth)
		// The shed job will never process; release its session and slot.
		d.sessions.Remove(dropped.Snapshot.CallID)
		if d.OnComplete != nil {
			d.OnComplete(dropped.Snapshot.CallID)
		}
	}

	select {
	case d.notEmpty <- struct{}{}:
	default:
	}
	return !shed
}

// QueueLen returns the number of waiting jobs.
func (d *Dispatcher) QueueLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()

	for {
		job, ok := d.pop()
		if ok {
			d.process(job)
			continue
		}

		select {
		case <-d.notEmpty:
		case <-d.stopCh:
			return
		}
	}
}

func (d *Dispatcher) pop() (Job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return Job{}, false
	}
	job := d.queue[0]
	d.queue = d.queue[1:]
	metrics.QueueDepth.Set(float64(len(d.queue)))
	return job, true
}

// process delivers one outcome. The record store write and the workflow
// POST are retried independently; a permanent failure on one does not
// stop the other.
func (d *Dispatcher) process(job Job) {
	sn := job.Snapshot
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.JobTimeout)
	defer cancel()

	recordsOK := d.deliverRecords(ctx, sn)
	workflowOK := d.deliverWorkflow(ctx, sn)

	if d.db != nil {
		dbCtx, dbCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.db.RecordOutcome(dbCtx, store.OutcomeFromSnapshot(sn, NextAction(sn.Outcome))); err != nil {
			d.logger.Printf("dispatch: failed to persist outcome for call %s: %v", sn.CallID, err)
		}
		dbCancel()
	}

	d.notify(sn)

	if recordsOK && workflowOK {
		metrics.DispatchCompleted.Inc()
		d.events.LogAsync(sn.CallID, eventlog.EventDispatchDone, map[string]any{"outcome": sn.Outcome})
		d.logger.Printf("dispatch: call %s outcome %s delivered", sn.CallID, sn.Outcome)
	}

	// The session is done either way; redelivery after a permanent failure
	// would just fail again.
	d.sessions.Remove(sn.CallID)
	if d.OnComplete != nil {
		d.OnComplete(sn.CallID)
	}
}

func (d *Dispatcher) deliverRecords(ctx context.Context, sn session.Snapshot) bool {
	if sn.CustomerRef == "" {
		d.logger.Printf("dispatch: call %s has no record-store ref, skipping outcome write", sn.CallID)
		return true
	}

	err := retry.Do(ctx, d.cfg.Retry, func() error {
		opCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return d.records.UpdateOutcome(opCtx, sn.CustomerRef, sn.CallID, recordFields(sn))
	}, isRetryable, func(attempt int, err error) {
		metrics.DispatchRetries.WithLabelValues("records").Inc()
		d.logger.Printf("dispatch: records write for call %s failed (attempt %d): %v", sn.CallID, attempt, err)
	})
	if err != nil {
		d.permanentFailure(sn, "records", err)
		return false
	}
	return true
}

func (d *Dispatcher) deliverWorkflow(ctx context.Context, sn session.Snapshot) bool {
	ev := buildEvent(sn)

	err := retry.Do(ctx, d.cfg.Retry, func() error {
		opCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return d.workflow.Post(opCtx, ev)
	}, isRetryable, func(attempt int, err error) {
		metrics.DispatchRetries.WithLabelValues("workflow").Inc()
		d.logger.Printf("dispatch: workflow post for call %s failed (attempt %d): %v", sn.CallID, attempt, err)
	})
	if err != nil {
		d.permanentFailure(sn, "workflow", err)
		return false
	}
	return true
}

// permanentFailure records a delivery that will not be retried again.
func (d *Dispatcher) permanentFailure(sn session.Snapshot, target string, err error) {
	metrics.DispatchFailures.WithLabelValues(target).Inc()
	d.logger.Printf("dispatch: PERMANENT failure delivering call %s to %s: %v", sn.CallID, target, err)
	sentry.CaptureException(err)
	d.events.LogAsync(sn.CallID, eventlog.EventDispatchFailed, map[string]any{
		"target": target, "error": err.Error(),
	})
	d.discord.NotifyDispatchFailed(context.Background(), sn.CallID, target, err)
}

// notify pushes outcomes that need a human's attention to the sales rep.
// APNs is preferred; SMS covers reps without the app installed.
func (d *Dispatcher) notify(sn session.Snapshot) {
	switch sn.Outcome {
	case session.OutcomeAppointmentBooked, session.OutcomeSystemError:
	default:
		return
	}

	when := ""
	if sn.Outcome == session.OutcomeAppointmentBooked {
		when = sn.Extracted["appointmentTime"]
		d.discord.NotifyAppointmentBooked(context.Background(), sn.CallID, sn.CustomerPhone, when)
	}

	if d.apns != nil {
		d.apns.NotifyOutcome(sn.CallID, sn.CustomerPhone, sn.Outcome, when)
		return
	}
	d.sms.NotifyOutcome(context.Background(), sn.CallID, sn.CustomerPhone, sn.Outcome, when)
}

// isRetryable treats network errors and 5xx as transient; errors that
// declare themselves permanent (4xx) are surfaced immediately.
func isRetryable(err error) bool {
	var temp interface{ Temporary() bool }
	if errors.As(err, &temp) {
		return temp.Temporary()
	}
	return true
}

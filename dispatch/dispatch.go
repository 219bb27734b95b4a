// Package dispatch delivers admitted join records to the notification sink,
// exactly one message per record. A single consumer drains the queue under a
// global token-bucket rate budget; the sent marker is written only after a
// confirmed send.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"discord-join-notifier/pkg/joinwatch"
)

// Store persists record delivery state.
type Store interface {
	JoinRecord(ctx context.Context, id string) (*joinwatch.JoinRecord, error)
	Community(ctx context.Context, communityID string) (*joinwatch.Community, error)
	PendingRecords(ctx context.Context) ([]*joinwatch.JoinRecord, error)
	MarkSent(ctx context.Context, recordID string, sentAt time.Time) error
	MarkRetrying(ctx context.Context, recordID string) (int, error)
	MarkFiltered(ctx context.Context, recordID string) error
	MarkFailed(ctx context.Context, recordID string) error
}

// Sink sends one outbound message. In production this is a direct message to
// the configured notification target.
type Sink interface {
	Send(ctx context.Context, text string) error
}

// defaultBackoff is the retry schedule after failed dispatch attempts.
var defaultBackoff = []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute}

// Config holds dispatcher configuration.
type Config struct {
	Store        Store
	Sink         Sink
	Logger       *slog.Logger
	RatePerMin   int
	Burst        int
	MaxAttempts  int
	WaitDeadline time.Duration
	// RequeueInterval is how often Run reloads undelivered records from the
	// store, recovering records dropped by a full queue or a load error.
	RequeueInterval time.Duration
	Backoff         []time.Duration
	QueueSize       int
}

// Dispatcher is the single consumer of admitted records.
type Dispatcher struct {
	store        Store
	sink         Sink
	logger       *slog.Logger
	limiter      *rate.Limiter
	queue        chan string
	backoff      []time.Duration
	maxAttempts  int
	waitDeadline time.Duration
	requeueEvery time.Duration
	now          func() time.Time

	mu     sync.Mutex
	timers []*time.Timer
	queued map[string]bool
}

// New creates a dispatcher.
func New(cfg *Config) *Dispatcher {
	ratePerMin := cfg.RatePerMin
	if ratePerMin <= 0 {
		ratePerMin = 10
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 3
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	waitDeadline := cfg.WaitDeadline
	if waitDeadline <= 0 {
		waitDeadline = 30 * time.Second
	}
	requeueEvery := cfg.RequeueInterval
	if requeueEvery <= 0 {
		requeueEvery = 5 * time.Minute
	}
	backoff := cfg.Backoff
	if len(backoff) == 0 {
		backoff = defaultBackoff
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Dispatcher{
		store:        cfg.Store,
		sink:         cfg.Sink,
		logger:       cfg.Logger,
		limiter:      rate.NewLimiter(rate.Every(time.Minute/time.Duration(ratePerMin)), burst),
		queue:        make(chan string, queueSize),
		backoff:      backoff,
		maxAttempts:  maxAttempts,
		waitDeadline: waitDeadline,
		requeueEvery: requeueEvery,
		now:          time.Now,
		queued:       make(map[string]bool),
	}
}

// Enqueue queues a record for delivery. Never blocks and never double-queues:
// the record is already persisted, so a full queue only defers delivery to the
// next requeue tick.
func (d *Dispatcher) Enqueue(rec *joinwatch.JoinRecord) {
	d.enqueue(rec.ID)
}

// enqueue reserves the record ID in the queued set before pushing, so the
// periodic requeue never duplicates an in-flight or backoff-scheduled record.
func (d *Dispatcher) enqueue(recordID string) bool {
	d.mu.Lock()
	if d.queued[recordID] {
		d.mu.Unlock()
		return false
	}
	d.queued[recordID] = true
	d.mu.Unlock()

	select {
	case d.queue <- recordID:
		return true
	default:
		d.mu.Lock()
		delete(d.queued, recordID)
		d.mu.Unlock()
		d.logger.Warn("Dispatch queue full, record deferred to requeue",
			"record_id", recordID, "queue_size", cap(d.queue))
		return false
	}
}

// Requeue loads all pending and retrying records from the store and queues the
// ones not already in flight. Called at startup and on a periodic tick inside
// Run, so a record stranded by a load error or a full queue is picked up
// without a restart.
func (d *Dispatcher) Requeue(ctx context.Context) (int, error) {
	records, err := d.store.PendingRecords(ctx)
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, rec := range records {
		if d.enqueue(rec.ID) {
			queued++
		}
	}
	if queued > 0 {
		d.logger.Info("Requeued undelivered records", "count", queued)
	}
	return queued, nil
}

// QueueLen reports the current queue depth, for the status endpoint.
func (d *Dispatcher) QueueLen() int {
	return len(d.queue)
}

// Run consumes the queue until ctx is cancelled. Admitted records left in the
// queue stay pending in the store and are requeued on the next start.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("Dispatcher started",
		"max_attempts", d.maxAttempts,
		"wait_deadline", d.waitDeadline.String(),
		"requeue_interval", d.requeueEvery.String())
	requeue := time.NewTicker(d.requeueEvery)
	defer requeue.Stop()
	for {
		select {
		case <-ctx.Done():
			d.stopTimers()
			d.logger.Info("Dispatcher stopped", "queued", len(d.queue))
			return
		case <-requeue.C:
			if _, err := d.Requeue(ctx); err != nil {
				d.logger.Warn("Periodic requeue failed", "error", err)
			}
		case recordID := <-d.queue:
			d.mu.Lock()
			delete(d.queued, recordID)
			d.mu.Unlock()
			outcome := d.dispatch(ctx, recordID)
			d.logger.Info("Dispatch attempt finished",
				"record_id", recordID, "outcome", string(outcome))
		}
	}
}

// dispatch performs one delivery attempt for one record.
func (d *Dispatcher) dispatch(ctx context.Context, recordID string) joinwatch.DeliveryOutcome {
	rec, err := d.store.JoinRecord(ctx, recordID)
	if err != nil {
		// Storage trouble: leave the record alone, the next requeue tick
		// picks it up. Never mark anything on ambiguity.
		d.logger.Error("Record load failed, deferring", "record_id", recordID, "error", err)
		return joinwatch.OutcomeFailed
	}
	if rec.Status.Terminal() {
		d.logger.Debug("Record already terminal, skipping",
			"record_id", recordID, "status", string(rec.Status))
		return joinwatch.DeliveryOutcome(rec.Status)
	}

	// Synthetic or incomplete identities never reach a human as a real join.
	// Filtering happens here, not at detection, so these records still count
	// toward dedup.
	if !validSnapshot(rec) {
		if err := d.store.MarkFiltered(ctx, rec.ID); err != nil {
			d.logger.Error("Mark filtered failed", "record_id", rec.ID, "error", err)
			return joinwatch.OutcomeFailed
		}
		d.logger.Info("Record filtered: no valid member identity",
			"record_id", rec.ID,
			"subject_id", rec.SubjectID,
			"source", string(rec.Source))
		return joinwatch.OutcomeFiltered
	}

	communityName := rec.CommunityID
	if community, err := d.store.Community(ctx, rec.CommunityID); err == nil {
		communityName = community.DisplayName
	}

	waitCtx, cancel := context.WithTimeout(ctx, d.waitDeadline)
	err = d.limiter.Wait(waitCtx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			// Shutting down: leave the record pending.
			return joinwatch.OutcomeFailed
		}
		d.logger.Warn("Rate budget wait deadline elapsed",
			"record_id", rec.ID, "deadline", d.waitDeadline.String())
		return d.failed(ctx, rec, communityName)
	}

	if err := d.sink.Send(ctx, FormatJoinMessage(rec, communityName)); err != nil {
		d.logger.Warn("Notification send failed",
			"record_id", rec.ID, "attempt", rec.Attempts+1, "error", err)
		return d.failed(ctx, rec, communityName)
	}

	sentAt := d.now().UTC()
	if err := d.store.MarkSent(ctx, rec.ID, sentAt); err != nil {
		// The message went out but the marker write failed. The record stays
		// unsent rather than fabricating delivery state.
		d.logger.Error("Mark sent failed after delivery", "record_id", rec.ID, "error", err)
		return joinwatch.OutcomeFailed
	}

	d.logger.Info("Notification sent",
		"record_id", rec.ID,
		"subject_id", rec.SubjectID,
		"community_id", rec.CommunityID,
		"sent_at", sentAt.Format(time.RFC3339))
	return joinwatch.OutcomeSent
}

// failed records a failed attempt: schedule a bounded backoff retry, or mark
// the record permanently failed and surface a delivery-failure notice.
func (d *Dispatcher) failed(ctx context.Context, rec *joinwatch.JoinRecord, communityName string) joinwatch.DeliveryOutcome {
	attempts, err := d.store.MarkRetrying(ctx, rec.ID)
	if err != nil {
		d.logger.Error("Mark retrying failed", "record_id", rec.ID, "error", err)
		return joinwatch.OutcomeFailed
	}

	if attempts < d.maxAttempts {
		delay := d.backoff[min(attempts, len(d.backoff))-1]
		d.logger.Info("Scheduling retry",
			"record_id", rec.ID, "attempt", attempts, "next_in", delay.String())
		d.after(delay, rec.ID)
		return joinwatch.OutcomeFailed
	}

	if err := d.store.MarkFailed(ctx, rec.ID); err != nil {
		d.logger.Error("Mark failed failed", "record_id", rec.ID, "error", err)
		return joinwatch.OutcomeFailed
	}
	d.logger.Error("Delivery permanently failed",
		"record_id", rec.ID,
		"subject_id", rec.SubjectID,
		"community_id", rec.CommunityID,
		"attempts", attempts)

	// Operator-facing failure notice through the same sink, best effort.
	if err := d.sink.Send(ctx, FormatDeliveryFailure(rec, communityName, attempts)); err != nil {
		d.logger.Warn("Delivery-failure notice send failed", "record_id", rec.ID, "error", err)
	}
	return joinwatch.OutcomeFailed
}

// after re-enqueues a record once the backoff elapses. The ID is reserved in
// the queued set for the whole wait so the periodic requeue cannot fire the
// retry early. Timers are tracked so shutdown can stop them; the record itself
// is safe either way since it is persisted as retrying.
func (d *Dispatcher) after(delay time.Duration, recordID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.queued[recordID] {
		return
	}
	d.queued[recordID] = true
	timer := time.AfterFunc(delay, func() {
		select {
		case d.queue <- recordID:
		default:
			d.mu.Lock()
			delete(d.queued, recordID)
			d.mu.Unlock()
			d.logger.Warn("Dispatch queue full on retry, record deferred to requeue",
				"record_id", recordID)
		}
	})
	d.timers = append(d.timers, timer)
}

func (d *Dispatcher) stopTimers() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range d.timers {
		t.Stop()
	}
	d.timers = nil
}

// validSnapshot rejects placeholder identities: synthetic subject IDs, empty
// usernames, and unknown account ages.
func validSnapshot(rec *joinwatch.JoinRecord) bool {
	if joinwatch.IsSyntheticSubject(rec.SubjectID) {
		return false
	}
	if rec.Snapshot.Username == "" {
		return false
	}
	return !rec.Snapshot.AccountCreatedAt.IsZero()
}

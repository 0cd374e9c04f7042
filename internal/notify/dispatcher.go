// Package notify fans a fired reminder out to the eligible family members.
//
// The pipeline is queue + worker pool + rate limit + retry + dedup. Each
// recipient is an isolated failure domain: one expired token never aborts the
// siblings, and nothing here ever blocks the engine's reschedule step.
package notify

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"petminder/internal/eventbus"
	"petminder/internal/family"
	"petminder/internal/reminder"
	"petminder/internal/transport"
	"petminder/pkg/logx"
)

var (
	ErrDisabled  = errors.New("dispatcher disabled")
	ErrQueueFull = errors.New("dispatcher queue full")
	ErrStopped   = errors.New("dispatcher stopped")
)

// job is one delivery to one recipient.
type job struct {
	push      transport.Push
	token     string
	recipient family.UserID
	rid       reminderRef
	// dedupKey is computed at enqueue time for cheap per-worker processing.
	dedupKey string
}

type reminderRef struct {
	id      string
	firedAt time.Time
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	mu sync.Mutex

	log       logx.Logger
	pusher    transport.Pusher
	directory family.Directory
	delivered DeliveryLog // optional
	bus       eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	stopDone chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup

	// In-memory dedup cache: key -> suppress until
	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, pusher transport.Pusher, directory family.Directory, delivered DeliveryLog, log logx.Logger, bus eventbus.Bus) *Dispatcher {
	d := &Dispatcher{
		pusher:    pusher,
		directory: directory,
		delivered: delivered,
		log:       log,
		bus:       bus,
		dedup:     map[string]time.Time{},
	}
	d.applyLocked(cfg)
	return d
}

func (d *Dispatcher) Enabled() bool {
	d.mu.Lock()
	en := d.cfg.Enabled
	d.mu.Unlock()
	return en
}

func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	d.applyLocked(cfg)
	d.mu.Unlock()
}

func (d *Dispatcher) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}

	d.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.queue != nil {
		// already running
		d.mu.Unlock()
		return
	}
	if !d.cfg.Enabled {
		d.mu.Unlock()
		return
	}

	d.queue = make(chan job, d.cfg.QueueSize)
	d.accepting = true
	d.stopDone = make(chan struct{})
	d.runCtx, d.runCancel = context.WithCancel(ctx)
	workers := d.cfg.Workers
	d.mu.Unlock()

	for i := 0; i < workers; i++ {
		i := i
		d.workerWG.Add(1)
		go func() {
			defer d.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					d.log.Error("panic in dispatch worker", logx.Int("worker", i), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				}
			}()
			d.workerLoop()
		}()
	}
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (d *Dispatcher) Stop(ctx context.Context) {
	d.mu.Lock()
	q := d.queue
	done := d.stopDone
	cancel := d.runCancel
	if q == nil {
		d.mu.Unlock()
		return
	}
	// Block new dispatches.
	d.accepting = false
	d.mu.Unlock()

	// Wait for in-flight enqueues to finish, then close the queue so workers can drain.
	ch := make(chan struct{})
	go func() {
		d.sendWG.Wait()
		close(ch)
	}()
	select {
	case <-ctx.Done():
		if cancel != nil {
			cancel()
		}
		return
	case <-ch:
	}

	func() {
		defer func() { _ = recover() }()
		close(q)
	}()

	go func() {
		d.workerWG.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		if cancel != nil {
			cancel()
		}
	case <-done:
		if cancel != nil {
			cancel()
		}
	}

	d.mu.Lock()
	d.queue = nil
	d.stopDone = nil
	d.runCancel = nil
	d.runCtx = nil
	d.mu.Unlock()
}

// Dispatch resolves the recipient set and enqueues one delivery per
// recipient. It never blocks on the push transport: a full queue drops the
// delivery (logged + event), and all transport I/O happens on the workers.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	d.mu.Lock()
	if !d.cfg.Enabled {
		d.mu.Unlock()
		return ErrDisabled
	}
	if !d.accepting || d.queue == nil {
		d.mu.Unlock()
		return ErrStopped
	}
	q := d.queue
	cfg := d.cfg
	d.sendWG.Add(1)
	d.mu.Unlock()
	defer d.sendWG.Done()

	if req.RecoveredLate && cfg.SuppressRecoveredLate {
		// The schedule already advanced; we just decline to wake anyone for
		// an occurrence that is long past.
		d.log.Info("suppressing recovered-late push",
			logx.String("reminder", string(req.Reminder.ID)),
			logx.Time("fired_at", req.FiredAt))
		d.publish(eventbus.TypeReminderRecoveredLate, PushEvent{ReminderID: req.Reminder.ID, At: req.FiredAt})
		return nil
	}

	members, err := d.directory.MembersOf(ctx, req.Reminder.FamilyID)
	if err != nil {
		return fmt.Errorf("resolve recipients: %w", err)
	}

	push := buildPush(req)
	var firstErr error
	for _, m := range members {
		if !m.NotificationsEnabled || m.PushToken == "" {
			continue
		}
		if req.TriggeredBy != nil && m.UserID == *req.TriggeredBy {
			continue
		}

		key := deliveryKey(req, m.UserID)
		if cfg.DedupWindow > 0 && !d.dedupAllow(ctx, key, cfg.DedupWindow, cfg.DedupMaxEntries) {
			d.publish(eventbus.TypePushDeduped, PushEvent{ReminderID: req.Reminder.ID, Recipient: m.UserID, Key: key, At: req.FiredAt})
			continue
		}

		j := job{
			push:      push,
			token:     m.PushToken,
			recipient: m.UserID,
			rid:       reminderRef{id: string(req.Reminder.ID), firedAt: req.FiredAt},
			dedupKey:  key,
		}
		select {
		case q <- j:
		default:
			d.publish(eventbus.TypePushDropped, PushEvent{ReminderID: req.Reminder.ID, Recipient: m.UserID, Key: key, At: req.FiredAt, Error: ErrQueueFull.Error()})
			d.log.Warn("dispatch queue full; dropping delivery",
				logx.String("reminder", string(req.Reminder.ID)),
				logx.String("recipient", string(m.UserID)))
			if firstErr == nil {
				firstErr = ErrQueueFull
			}
		}
	}
	return firstErr
}

func (d *Dispatcher) Snapshot() []HistoryItem {
	d.hmu.Lock()
	out := append([]HistoryItem(nil), d.history...)
	d.hmu.Unlock()
	return out
}

func (d *Dispatcher) appendHistory(it HistoryItem) {
	d.hmu.Lock()
	d.history = append(d.history, it)
	if len(d.history) > 300 {
		d.history = d.history[len(d.history)-300:]
	}
	d.hmu.Unlock()
}

func (d *Dispatcher) workerLoop() {
	d.mu.Lock()
	q := d.queue
	runCtx := d.runCtx
	d.mu.Unlock()

	for j := range q {
		if runCtx != nil {
			select {
			case <-runCtx.Done():
				return
			default:
			}
		}
		d.sendWithRetry(runCtx, j)
	}
}

func (d *Dispatcher) sendWithRetry(runCtx context.Context, j job) {
	d.mu.Lock()
	cfg := d.cfg
	lim := d.limiter
	pusher := d.pusher
	d.mu.Unlock()

	if pusher == nil {
		return
	}
	if runCtx == nil {
		runCtx = context.Background()
	}

	// A crash between send and dedup-persist means at-least-once: the
	// persistent log is checked right before sending so a restart inside the
	// window stays quiet.
	if d.delivered != nil && j.dedupKey != "" {
		cctx, cancel := context.WithTimeout(runCtx, 2*time.Second)
		seen, err := d.delivered.SeenDelivery(cctx, j.dedupKey)
		cancel()
		if err == nil && seen {
			d.publish(eventbus.TypePushDeduped, PushEvent{ReminderID: refID(j), Recipient: j.recipient, Key: j.dedupKey, At: j.rid.firedAt})
			return
		}
	}

	maxAttempts := 1 + cfg.RetryMax

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if lim != nil {
			if err := lim.Wait(runCtx); err != nil {
				return
			}
		}

		// Bound per-send call. Keep tight to avoid hanging workers.
		callCtx, cancel := context.WithTimeout(runCtx, 10*time.Second)
		err := pusher.Send(callCtx, j.token, j.push)
		cancel()
		if err == nil {
			d.recordDelivered(runCtx, j, cfg)
			return
		}
		lastErr = err
		d.log.Debug("push send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts), logx.String("recipient", string(j.recipient)))

		if attempt >= maxAttempts {
			break
		}
		delay := retryDelay(cfg, attempt)
		if delay <= 0 {
			continue
		}
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-runCtx.Done():
			if !t.Stop() {
				<-t.C
			}
			return
		}
	}

	// Exhausted: log and move on. Sibling recipients are unaffected.
	d.log.Warn("push delivery failed",
		logx.String("reminder", j.rid.id),
		logx.String("recipient", string(j.recipient)),
		logx.Err(lastErr))
	d.appendHistory(HistoryItem{At: time.Now(), ReminderID: refID(j), Recipient: j.recipient, Error: lastErr.Error()})
	d.publish(eventbus.TypePushFailed, PushEvent{ReminderID: refID(j), Recipient: j.recipient, Key: j.dedupKey, At: j.rid.firedAt, Error: lastErr.Error()})
}

func (d *Dispatcher) recordDelivered(ctx context.Context, j job, cfg Config) {
	if d.delivered != nil && j.dedupKey != "" && cfg.DedupWindow > 0 {
		cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := d.delivered.PutDelivery(cctx, j.dedupKey, time.Now().Add(cfg.DedupWindow)); err != nil {
			d.log.Debug("delivery log write failed", logx.Err(err))
		}
		cancel()
	}
	d.appendHistory(HistoryItem{At: time.Now(), ReminderID: refID(j), Recipient: j.recipient})
	d.publish(eventbus.TypePushSent, PushEvent{ReminderID: refID(j), Recipient: j.recipient, Key: j.dedupKey, At: j.rid.firedAt})
}

func (d *Dispatcher) publish(typ string, ev PushEvent) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}

func buildPush(req Request) transport.Push {
	title := req.Reminder.Name
	if title == "" {
		title = "Pet care reminder"
	}
	return transport.Push{
		Category: "reminder",
		Title:    title,
		Body:     fmt.Sprintf("Due at %s", req.FiredAt.Format("15:04")),
		Data: map[string]string{
			"reminderId":   string(req.Reminder.ID),
			"familyId":     string(req.Reminder.FamilyID),
			"firedAt":      req.FiredAt.UTC().Format(time.RFC3339),
			"lastModified": req.Reminder.LastModified.UTC().Format(time.RFC3339),
		},
	}
}

// deliveryKey identifies one (reminder, occurrence, recipient) delivery.
func deliveryKey(req Request, to family.UserID) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(req.Reminder.ID))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(req.FiredAt.UTC().Format(time.RFC3339)))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(to))
	return fmt.Sprintf("%x", h.Sum64())
}

func refID(j job) reminder.ID { return reminder.ID(j.rid.id) }

func (d *Dispatcher) dedupAllow(ctx context.Context, key string, window time.Duration, max int) bool {
	now := time.Now()

	d.dmu.Lock()
	defer d.dmu.Unlock()
	if d.dedup == nil {
		d.dedup = map[string]time.Time{}
	}
	if until, ok := d.dedup[key]; ok && now.Before(until) {
		return false
	}
	d.dedup[key] = now.Add(window)

	// Prune expired and cap.
	for k, until := range d.dedup {
		if !now.Before(until) {
			delete(d.dedup, k)
		}
	}
	for max > 0 && len(d.dedup) > max {
		var (
			minKey string
			minT   time.Time
			set    bool
		)
		for k, t := range d.dedup {
			if !set || t.Before(minT) {
				minKey, minT, set = k, t, true
			}
		}
		if minKey == "" {
			break
		}
		delete(d.dedup, minKey)
	}
	return true
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1 (first attempt), delay is for the NEXT attempt.
	base := cfg.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := cfg.RetryMaxDelay
	if maxD <= 0 {
		maxD = 10 * time.Second
	}
	// Exponential backoff: base * 2^(attempt-1)
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	// Jitter 0.7..1.3
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	j := 0.7 + rng.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}

package batchrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/randalmurphal/batchrun/pkg/batchrun/checkpoint"
	"github.com/randalmurphal/batchrun/pkg/batchrun/observability"
	"github.com/randalmurphal/batchrun/pkg/batchrun/outcome"
)

// State is the step machine state of one instance. It is derived from the
// persisted checkpoint on every tick, so a fresh context lands in the same
// state the previous one left.
type State int

const (
	// StateIdle: no checkpoint, or the run is inactive.
	StateIdle State = iota
	// StateSubmitting: the current step is being prepared and submitted.
	StateSubmitting
	// StateAwaitingResult: a submission went out; its result is polled.
	StateAwaitingResult
	// StateRateLimited: waiting out a cooldown before resubmitting.
	StateRateLimited
	// StateAdvancing: every step of the item has a result; the outcome is
	// buffered and the next item begins.
	StateAdvancing
	// StateComplete: the slice is exhausted.
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubmitting:
		return "submitting"
	case StateAwaitingResult:
		return "awaiting_result"
	case StateRateLimited:
		return "rate_limited"
	case StateAdvancing:
		return "advancing"
	case StateComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// StateOf derives the machine state of cp at now.
func StateOf(cp *checkpoint.Checkpoint, now time.Time) State {
	if cp == nil || !cp.IsActive {
		return StateIdle
	}
	_, recorded := cp.PerItemResults[cp.CurrentStep]
	switch {
	case cp.Done():
		return StateComplete
	case cp.AwaitingResult:
		return StateAwaitingResult
	case now.Before(cp.CooldownUntil):
		return StateRateLimited
	case recorded:
		return StateAdvancing
	default:
		return StateSubmitting
	}
}

// phase tracks progress through StateSubmitting within one context.
type phase int

const (
	phaseReady     phase = iota // nothing done yet for this step
	phaseDelay                  // prepared; waiting out the submit delay
	phaseSubmitted              // submitted; watchdog armed
)

// tickResult is what one tick asks of the driver: sleep for wait, or stop
// with status.
type tickResult struct {
	wait   time.Duration
	status Status
	done   bool
}

func sleepFor(d time.Duration) tickResult { return tickResult{wait: d} }

func stop(s Status) tickResult { return tickResult{status: s, done: true} }

// machine is the per-context continuation of one instance's run. Everything
// in it is disposable: losing it loses at most the current wait.
type machine struct {
	e     *Engine
	id    int
	log   *slog.Logger
	state State

	phase        phase
	until        time.Time
	pollDeadline time.Time
}

// drive runs the step machine for cp's instance until it stops or ctx is
// destroyed. Each tick runs under e.mu; waits happen outside it.
func (e *Engine) drive(ctx context.Context, cp *checkpoint.Checkpoint) (status Status, err error) {
	defer func() {
		e.mu.Lock()
		e.driving = false
		e.mu.Unlock()
	}()

	ctx, span := e.spans.StartLoadSpan(ctx, cp.InstanceID, cp.RunID)
	defer func() {
		e.spans.AddSpanEvent(ctx, "driver.stopped", attribute.String("status", status.String()))
		e.spans.EndSpanWithError(span, err)
	}()

	m := &machine{
		e:   e,
		id:  cp.InstanceID,
		log: observability.EnrichLogger(e.logger, cp.InstanceID, cp.RunID),
	}

	for {
		if ctx.Err() != nil {
			return StatusDetached, nil
		}

		e.mu.Lock()
		res, err := m.tick(ctx)
		e.mu.Unlock()

		if err != nil {
			if ctx.Err() != nil {
				return StatusDetached, nil
			}
			return res.status, err
		}
		if res.done {
			return res.status, nil
		}
		if res.wait > 0 && !e.sleep(ctx, res.wait) {
			return StatusDetached, nil
		}
	}
}

// sleep waits for d, a control signal, or destruction of ctx. It reports
// false only for the latter.
func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	case <-e.wake:
		return true
	}
}

// tick reloads the checkpoint and performs the action of its state.
func (m *machine) tick(ctx context.Context) (tickResult, error) {
	e := m.e
	cp, err := checkpoint.Load(ctx, e.store, m.id)
	if errors.Is(err, checkpoint.ErrNotFound) {
		// Stopped from elsewhere; any pending timer is void.
		return stop(StatusIdle), nil
	}
	if err != nil {
		return stop(StatusIdle), &CheckpointError{Op: "load", InstanceID: m.id, Err: err}
	}

	now := e.now()
	if s := StateOf(cp, now); s != m.state {
		m.log.Debug("state transition",
			slog.String("from", m.state.String()),
			slog.String("to", s.String()),
			slog.Int("index", cp.CurrentIndex),
			slog.String("step", cp.CurrentStep),
		)
		m.state = s
	}

	switch m.state {
	case StateIdle:
		return stop(StatusPaused), nil
	case StateComplete:
		return m.complete(ctx, cp, now)
	case StateAdvancing:
		return m.advance(ctx, cp, now)
	case StateRateLimited:
		return sleepFor(cp.CooldownUntil.Sub(now)), nil
	case StateAwaitingResult:
		if m.phase == phaseSubmitted {
			return m.watchdog(ctx, cp, now)
		}
		return m.poll(ctx, cp, now)
	case StateSubmitting:
		return m.submit(ctx, cp, now)
	default:
		panic(fmt.Sprintf("batchrun: unhandled state %d", m.state))
	}
}

// submit prepares the form, waits out the submit delay, persists
// AwaitingResult and only then submits.
func (m *machine) submit(ctx context.Context, cp *checkpoint.Checkpoint, now time.Time) (tickResult, error) {
	e := m.e
	item, ok := cp.CurrentItem()
	if !ok {
		return stop(StatusIdle), &CheckpointError{Op: "load", InstanceID: m.id,
			Err: fmt.Errorf("%w: no item at index %d", checkpoint.ErrInvalid, cp.CurrentIndex)}
	}
	step := cp.CurrentStep

	switch m.phase {
	case phaseReady:
		stepCtx, span := e.spans.StartStepSpan(ctx, step, item)
		err := e.form.Prepare(stepCtx, item, step)
		if errors.Is(err, ErrMissingFields) {
			cause := &MissingFormElementsError{ItemID: item, Step: step}
			e.spans.EndSpanWithError(span, cause)
			cp.CurrentItemID = item
			return m.navigateAway(ctx, cp, cause)
		}
		e.spans.EndSpanWithError(span, err)
		if err != nil {
			return stop(StatusIdle), fmt.Errorf("prepare step %s of item %s: %w", step, item, err)
		}

		if cp.CurrentItemID != item {
			cp.CurrentItemID = item
			if res, ok, err := m.save(ctx, cp); !ok {
				return res, err
			}
		}
		delay := e.cfg.StepDelay(step)
		m.phase = phaseDelay
		m.until = now.Add(delay)
		return sleepFor(delay), nil

	case phaseDelay:
		if now.Before(m.until) {
			return sleepFor(m.until.Sub(now)), nil
		}
		cp.CurrentItemID = item
		cp.AwaitingResult = true
		cp.SubmittedAt = now.UTC()
		cp.CooldownUntil = time.Time{}
		if res, ok, err := m.save(ctx, cp); !ok {
			return res, err
		}

		m.phase = phaseSubmitted
		m.until = now.Add(e.cfg.WatchdogTimeout)
		observability.LogStepSubmitted(m.log, item, step)
		e.metrics.RecordSubmission(ctx, m.id, step)

		if err := e.form.Submit(ctx); err != nil {
			if ctx.Err() != nil {
				return stop(StatusDetached), nil
			}
			// Same as a click that never took; the watchdog recovers it.
			m.log.Warn("submit failed",
				slog.String("item_id", item),
				slog.String("step", step),
				slog.String("error", err.Error()),
			)
		}
		return sleepFor(e.cfg.WatchdogTimeout), nil

	default:
		// The checkpoint was reset under a submitted step; start it over.
		m.phase = phaseReady
		return sleepFor(0), nil
	}
}

// watchdog fires when a submission outlived its deadline without the
// context being destroyed.
func (m *machine) watchdog(ctx context.Context, cp *checkpoint.Checkpoint, now time.Time) (tickResult, error) {
	if now.Before(m.until) {
		return sleepFor(m.until.Sub(now)), nil
	}
	item, _ := cp.CurrentItem()
	m.e.metrics.RecordWatchdogFired(ctx, m.id, cp.CurrentStep)
	return m.navigateAway(ctx, cp, &SubmissionTimeoutError{
		ItemID:  item,
		Step:    cp.CurrentStep,
		Timeout: m.e.cfg.WatchdogTimeout,
	})
}

// navigateAway persists AwaitingResult=false and forces a hard navigation to
// the entry page so the next load retries the same step.
func (m *machine) navigateAway(ctx context.Context, cp *checkpoint.Checkpoint, cause error) (tickResult, error) {
	e := m.e
	cp.AwaitingResult = false
	if res, ok, err := m.save(ctx, cp); !ok {
		return res, err
	}
	observability.LogRecoverable(m.log, cause, "navigate to entry and retry step")
	e.spans.AddSpanEvent(ctx, "navigate",
		attribute.String("reason", cause.Error()),
		attribute.String("recovery", RecoveryFor(cause).String()),
	)
	m.phase = phaseReady

	if err := e.page.Navigate(ctx, e.cfg.EntryURL); err != nil && ctx.Err() == nil {
		return stop(StatusNavigating), fmt.Errorf("navigate to entry: %w", err)
	}
	return stop(StatusNavigating), nil
}

// poll asks the classifier for the result of the submitted step, giving up
// after ResultTimeout with an empty result.
func (m *machine) poll(ctx context.Context, cp *checkpoint.Checkpoint, now time.Time) (tickResult, error) {
	e := m.e
	item, _ := cp.CurrentItem()
	step := cp.CurrentStep
	if m.pollDeadline.IsZero() {
		m.pollDeadline = now.Add(e.cfg.ResultTimeout)
	}

	stepCtx, span := e.spans.StartStepSpan(ctx, step, item)
	res, err := e.classifier.Classify(stepCtx)
	if err != nil {
		if ctx.Err() != nil {
			e.spans.EndSpanWithError(span, nil)
			return stop(StatusDetached), nil
		}
		if !errors.Is(err, ErrResultPending) {
			m.log.Debug("classifier error treated as pending", slog.String("error", err.Error()))
		}
		if now.Before(m.pollDeadline) {
			e.spans.EndSpanWithError(span, nil)
			return sleepFor(e.cfg.PollInterval), nil
		}
		timeout := &ResultTimeoutError{ItemID: item, Step: step, Timeout: e.cfg.ResultTimeout}
		e.spans.EndSpanWithError(span, timeout)
		observability.LogRecoverable(m.log, timeout, "record empty result")
		res = outcome.Result{Kind: outcome.KindEmpty, Message: "no result before timeout"}
	} else {
		e.spans.EndSpanWithError(span, nil)
	}
	m.pollDeadline = time.Time{}

	if !res.Kind.Valid() {
		m.log.Warn("classifier returned unknown kind",
			slog.String("item_id", item),
			slog.String("step", step),
			slog.Int("kind", int(res.Kind)),
		)
		res = outcome.Result{
			Kind:    outcome.KindError,
			Message: fmt.Sprintf("unknown result kind %d: %s", int(res.Kind), res.Message),
		}
	}

	if !cp.SubmittedAt.IsZero() {
		e.metrics.RecordStepLatency(ctx, step, res.Kind.String(), now.Sub(cp.SubmittedAt))
	}
	observability.LogStepResult(m.log, item, step, res.Kind.String(), res.Message)

	if res.Kind == outcome.KindRateLimited {
		return m.rateLimited(ctx, cp, res, now)
	}
	return m.record(ctx, cp, res)
}

// rateLimited schedules a cooldown and a resubmission of the same step, or
// records the rate limit once the retry budget is spent.
func (m *machine) rateLimited(ctx context.Context, cp *checkpoint.Checkpoint, res outcome.Result, now time.Time) (tickResult, error) {
	e := m.e
	item, _ := cp.CurrentItem()
	cp.RateLimitHits++
	e.metrics.RecordRateLimit(ctx, m.id, cp.CurrentStep)

	if limit := e.cfg.MaxRateLimitRetries; limit > 0 && cp.RateLimitHits > limit {
		m.log.Warn("rate limit retries exhausted",
			slog.String("item_id", item),
			slog.String("step", cp.CurrentStep),
			slog.Int("hits", cp.RateLimitHits),
		)
		return m.record(ctx, cp, res)
	}

	cooldown := e.cfg.Backoff.Delay(cp.RateLimitHits)
	cp.AwaitingResult = false
	cp.CooldownUntil = now.Add(cooldown).UTC()
	if res, ok, err := m.save(ctx, cp); !ok {
		return res, err
	}
	observability.LogRecoverable(m.log, &RateLimitedError{
		ItemID:   item,
		Step:     cp.CurrentStep,
		Hits:     cp.RateLimitHits,
		Cooldown: cooldown,
	}, "cool down and retry step")
	return sleepFor(cooldown), nil
}

// record stores the result of the current step and moves to the next step.
// After the last step the checkpoint is left in StateAdvancing.
func (m *machine) record(ctx context.Context, cp *checkpoint.Checkpoint, res outcome.Result) (tickResult, error) {
	step := cp.CurrentStep
	cp.RecordResult(step, res)
	cp.AwaitingResult = false
	cp.RateLimitHits = 0
	cp.CooldownUntil = time.Time{}
	if next, ok := m.e.nextStep(step); ok {
		cp.CurrentStep = next
	}
	m.phase = phaseReady
	if res, ok, err := m.save(ctx, cp); !ok {
		return res, err
	}
	return sleepFor(0), nil
}

// advance buffers the finished item's outcome and moves to the next item.
// Replaying it after a crash is harmless: the buffer ignores outcomes it
// already holds.
func (m *machine) advance(ctx context.Context, cp *checkpoint.Checkpoint, now time.Time) (tickResult, error) {
	e := m.e
	item, _ := cp.CurrentItem()
	o := outcome.New(cp.CurrentIndex, item, e.cfg.Steps, cp.PerItemResults, now.UTC())

	// A stopped run was already flushed; its last item must not reach the
	// buffer of the next run.
	if res, ok, err := m.owned(ctx, cp); !ok {
		return res, err
	}
	buf, err := e.buffer(ctx, m.id)
	if err != nil {
		return stop(StatusIdle), err
	}
	accepted, err := buf.Add(ctx, o)
	if err != nil {
		return stop(StatusIdle), &CheckpointError{Op: "buffer", InstanceID: m.id, Err: err}
	}
	if accepted {
		observability.LogItemComplete(m.log, cp.CurrentIndex, item, o.Summary.String())
		e.metrics.RecordItemProcessed(ctx, m.id, o.Summary.String())
	}

	cp.AdvanceItem(e.cfg.Steps[0])
	cp.ChunkNumber = buf.ChunkNumber()
	m.phase = phaseReady
	if res, ok, err := m.save(ctx, cp); !ok {
		return res, err
	}
	return sleepFor(0), nil
}

// owned re-reads the stored checkpoint before a write. Collaborator calls
// can take long enough for an operator in another process to stop, pause or
// restart the run; the tick then ends without touching the store.
func (m *machine) owned(ctx context.Context, cp *checkpoint.Checkpoint) (tickResult, bool, error) {
	stored, err := checkpoint.Load(ctx, m.e.store, m.id)
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		m.log.Info("run stopped during step", slog.String("step", cp.CurrentStep))
		return stop(StatusIdle), false, nil
	case err != nil:
		return stop(StatusIdle), false, &CheckpointError{Op: "load", InstanceID: m.id, Err: err}
	case stored.RunID != cp.RunID:
		m.log.Info("run replaced during step", slog.String("new_run_id", stored.RunID))
		return stop(StatusIdle), false, nil
	case !stored.IsActive:
		m.log.Info("run paused during step", slog.String("step", cp.CurrentStep))
		return stop(StatusPaused), false, nil
	}
	return tickResult{}, true, nil
}

// save persists cp if the run is still owned. ok is false when the tick
// must end with res.
func (m *machine) save(ctx context.Context, cp *checkpoint.Checkpoint) (tickResult, bool, error) {
	if res, ok, err := m.owned(ctx, cp); !ok {
		return res, false, err
	}
	if err := m.e.save(ctx, cp); err != nil {
		return stop(StatusIdle), false, err
	}
	return tickResult{}, true, nil
}

// complete flushes the remaining results, deletes the checkpoint and unbinds.
func (m *machine) complete(ctx context.Context, cp *checkpoint.Checkpoint, now time.Time) (tickResult, error) {
	chunks, err := m.e.finish(ctx, m.id)
	if err != nil {
		return stop(StatusIdle), err
	}
	observability.LogRunComplete(m.log, cp.ProcessedCount, chunks, now.Sub(cp.StartedAt))
	return stop(StatusComplete), nil
}

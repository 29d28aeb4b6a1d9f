package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"reportflow/internal/channel"
	"reportflow/internal/domain"
	"reportflow/internal/notify"
	"reportflow/internal/render"
	"reportflow/internal/store"
)

const defaultTimeout = 5 * time.Minute

// Dispatcher drives one run to a terminal state: render the artifact, fan
// out to every configured channel concurrently, score the attempt, and
// retry per policy. Retries re-render and re-deliver to all channels,
// including ones that already succeeded; duplicate deliveries on retry are
// an accepted semantic, not a bug.
type Dispatcher struct {
	store    store.Store
	renderer render.Renderer
	adapters map[domain.DeliveryMethod]channel.Adapter
	notifier notify.Notifier
	sem      chan struct{}
}

func New(st store.Store, renderer render.Renderer, adapters map[domain.DeliveryMethod]channel.Adapter, notifier notify.Notifier, concurrency int) *Dispatcher {
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Dispatcher{
		store:    st,
		renderer: renderer,
		adapters: adapters,
		notifier: notifier,
		sem:      make(chan struct{}, concurrency),
	}
}

// Execute runs one claimed run to completion and returns its terminal form.
// Errors never escape: the run record is the sole reporting mechanism.
func (d *Dispatcher) Execute(ctx context.Context, run domain.ScheduledReportRun, schedule domain.ScheduleDefinition) domain.ScheduledReportRun {
	select {
	case d.sem <- struct{}{}:
		defer func() { <-d.sem }()
	case <-ctx.Done():
		return d.finish(ctx, run, schedule, domain.RunCancelled, "shutdown before dispatch")
	}

	retry := schedule.Retry
	maxAttempts := 1
	if retry.RetryOnFailure {
		maxAttempts = retry.MaxRetries + 1
	}

	for {
		ok, permanentOnly := d.attempt(ctx, &run, schedule)
		if ok {
			return d.finish(ctx, run, schedule, domain.RunSucceeded, "")
		}
		if permanentOnly || run.Attempt >= maxAttempts {
			return d.finish(ctx, run, schedule, domain.RunFailed, run.Reason)
		}

		delay := time.Duration(retry.RetryDelaySeconds) * time.Second
		log.Info().
			Str("run_id", run.ID).
			Int("attempt", run.Attempt).
			Dur("delay", delay).
			Msg("attempt failed, retrying")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return d.finish(ctx, run, schedule, domain.RunCancelled, "shutdown during retry wait")
		case <-timer.C:
		}
		run.Attempt++
	}
}

// attempt performs one render-and-deliver cycle. It returns whether every
// channel succeeded and, on failure, whether every failure was permanent
// (which makes further retries pointless).
func (d *Dispatcher) attempt(ctx context.Context, run *domain.ScheduledReportRun, schedule domain.ScheduleDefinition) (ok, permanentOnly bool) {
	timeout := defaultTimeout
	if schedule.Retry.TimeoutSeconds > 0 {
		timeout = time.Duration(schedule.Retry.TimeoutSeconds) * time.Second
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	d.transition(ctx, run, domain.RunRendering)
	artifact, err := d.renderer.Render(attemptCtx, schedule.ReportID, schedule.Delivery.Format, schedule.Delivery.Password)
	if err != nil {
		run.Reason = domain.ReasonRenderFailed
		if errors.Is(err, context.DeadlineExceeded) {
			run.Reason = domain.ReasonTimeout
		}
		log.Error().Err(err).Str("run_id", run.ID).Int("attempt", run.Attempt).Msg("render failed")
		return false, render.IsPermanent(err)
	}
	run.ArtifactRef = artifact.Ref

	d.transition(ctx, run, domain.RunDelivering)
	outcomes := d.fanOut(attemptCtx, channel.Artifact{
		Ref:         artifact.Ref,
		Filename:    artifact.Filename,
		ContentType: artifact.ContentType,
		Data:        artifact.Data,
	}, schedule.Delivery)

	run.Channels = make(map[domain.DeliveryMethod]domain.ChannelResult, len(outcomes))
	failed, permanent := 0, 0
	for method, res := range outcomes {
		run.Channels[method] = res.ChannelResult
		if res.OK {
			continue
		}
		failed++
		if res.permanent {
			permanent++
		}
		log.Warn().
			Str("run_id", run.ID).
			Str("method", string(method)).
			Str("reason", res.Reason).
			Msg("channel delivery failed")
	}
	if failed == 0 {
		run.Reason = ""
		return true, false
	}
	run.Reason = fmt.Sprintf("%d of %d channels failed", failed, len(outcomes))
	return false, failed == permanent
}

// channelOutcome augments the persisted result with the retry
// classification, which only the dispatcher needs.
type channelOutcome struct {
	domain.ChannelResult
	permanent bool
}

func (d *Dispatcher) fanOut(ctx context.Context, artifact channel.Artifact, cfg domain.DeliveryConfiguration) map[domain.DeliveryMethod]channelOutcome {
	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[domain.DeliveryMethod]channelOutcome, len(cfg.Methods))
	)
	for _, method := range cfg.Methods {
		adapter, found := d.adapters[method]
		if !found {
			results[method] = channelOutcome{
				ChannelResult: domain.ChannelResult{Reason: "no adapter configured"},
				permanent:     true,
			}
			continue
		}
		wg.Add(1)
		go func(method domain.DeliveryMethod, adapter channel.Adapter) {
			defer wg.Done()
			outcome := deliverOne(ctx, adapter, artifact, cfg)
			mu.Lock()
			results[method] = outcome
			mu.Unlock()
		}(method, adapter)
	}
	wg.Wait()
	return results
}

// deliverOne races the adapter against the attempt deadline so a stuck
// adapter cannot hold the join; an unresolved channel records a timeout.
func deliverOne(ctx context.Context, adapter channel.Adapter, artifact channel.Artifact, cfg domain.DeliveryConfiguration) channelOutcome {
	type outcome struct {
		receipt channel.Receipt
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		receipt, err := adapter.Deliver(ctx, artifact, cfg)
		done <- outcome{receipt, err}
	}()

	select {
	case <-ctx.Done():
		return channelOutcome{ChannelResult: domain.ChannelResult{Reason: domain.ReasonTimeout}}
	case o := <-done:
		if o.err != nil {
			reason := channel.Reason(o.err)
			if errors.Is(o.err, context.DeadlineExceeded) {
				reason = domain.ReasonTimeout
			}
			return channelOutcome{
				ChannelResult: domain.ChannelResult{Reason: reason},
				permanent:     channel.IsPermanent(o.err),
			}
		}
		return channelOutcome{ChannelResult: domain.ChannelResult{OK: true, Reason: o.receipt.Ref}}
	}
}

func (d *Dispatcher) transition(ctx context.Context, run *domain.ScheduledReportRun, status domain.RunStatus) {
	run.Status = status
	if err := d.store.UpdateRun(ctx, *run); err != nil {
		log.Error().Err(err).Str("run_id", run.ID).Str("status", string(status)).Msg("failed to persist run transition")
	}
}

func (d *Dispatcher) finish(ctx context.Context, run domain.ScheduledReportRun, schedule domain.ScheduleDefinition, status domain.RunStatus, reason string) domain.ScheduledReportRun {
	now := time.Now().UTC()
	run.Status = status
	if reason != "" {
		run.Reason = reason
	}
	run.CompletedAt = &now
	if err := d.store.UpdateRun(context.WithoutCancel(ctx), run); err != nil {
		log.Error().Err(err).Str("run_id", run.ID).Msg("failed to persist terminal run")
	}
	log.Info().
		Str("run_id", run.ID).
		Str("schedule_id", run.ScheduleID).
		Str("status", string(status)).
		Int("attempts", run.Attempt).
		Msg("run finished")

	if d.notifier != nil {
		// Fire and forget; notification failures are logged by the
		// notifier, never surfaced here.
		go d.notifier.Notify(run, schedule)
	}
	return run
}

// Package worker runs the single coordinating loop that drains the approved
// queue into the chain publisher, plus the slower reconciliation cadence.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"anchorline/internal/chain"
	"anchorline/internal/config"
	"anchorline/internal/domain"
	"anchorline/internal/engine"
	"anchorline/internal/reconcile"
	"anchorline/internal/repo"
)

// Loop is the sole mover of actions through running/confirmed/failed. One
// instance runs per deployment; the conditional claim in the repo keeps a
// second instance harmless anyway.
type Loop struct {
	Engine      engine.Engine
	Placeholder chain.Publisher
	Live        chain.Publisher
	Reconciler  *reconcile.Reconciler
	Log         zerolog.Logger

	cron *cron.Cron
}

func New(e engine.Engine, live chain.Publisher, rec *reconcile.Reconciler, log zerolog.Logger) *Loop {
	return &Loop{
		Engine:      e,
		Placeholder: chain.PlaceholderPublisher{},
		Live:        live,
		Reconciler:  rec,
		Log:         log,
	}
}

// Run executes cycles until the context is cancelled. The policy snapshot is
// re-read every cycle so interval and mode changes apply without a restart.
func (l *Loop) Run(ctx context.Context) error {
	l.startReconciliation()
	defer l.stopReconciliation()
	for {
		pol, err := l.Engine.Repo.GetPolicy(ctx)
		if err != nil {
			l.Log.Error().Err(err).Msg("read policy")
			pol = domain.Policy{WorkerIntervalSeconds: 30}
		}
		if pol.AutopilotEnabled {
			l.RunCycle(ctx, pol)
		}
		interval := time.Duration(pol.WorkerIntervalSeconds) * time.Second
		if interval < time.Second {
			interval = time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// RunCycle claims and executes one batch. A single action's failure never
// blocks the rest of the batch.
func (l *Loop) RunCycle(ctx context.Context, pol domain.Policy) {
	now := l.Engine.Now().UTC().Format(time.RFC3339)
	ids, err := l.Engine.Repo.ClaimableActionIDs(ctx, now, l.Engine.Config.Retry.MaxAttempts, l.Engine.Config.Worker.BatchSize)
	if err != nil {
		l.Log.Error().Err(err).Msg("list claimable actions")
		return
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		l.executeOne(ctx, pol, id)
	}
}

func (l *Loop) executeOne(ctx context.Context, pol domain.Policy, id string) {
	a, err := l.Engine.ClaimAction(ctx, id)
	if errors.Is(err, repo.ErrClaimConflict) {
		return // another worker won, or the state moved under us
	}
	if err != nil {
		l.Log.Error().Str("action_id", id).Err(err).Msg("claim action")
		return
	}

	txHash, pubErr := l.publish(ctx, pol, a)
	if pubErr != nil {
		transient := chain.IsTransient(pubErr)
		l.Log.Warn().
			Str("action_id", a.ID).
			Int("retry_count", a.RetryCount).
			Bool("transient", transient).
			Err(pubErr).
			Msg("publish failed")
		if _, err := l.Engine.FailAction(ctx, a, pubErr.Error(), transient); err != nil {
			l.Log.Error().Str("action_id", a.ID).Err(err).Msg("record failure")
		}
		return
	}
	if _, err := l.Engine.ConfirmAction(ctx, a, txHash); err != nil {
		l.Log.Error().Str("action_id", a.ID).Err(err).Msg("record confirmation")
		return
	}
	l.Log.Info().Str("action_id", a.ID).Str("tx_hash", txHash).Msg("action confirmed")
}

// publish picks the publisher for this action. Placeholder mode and actions
// with no target chain take the synthetic path. Chain-targeted actions in
// live mode must go through the live publisher: without one the action fails
// permanently rather than reporting a synthetic hash as a confirmation.
func (l *Loop) publish(ctx context.Context, pol domain.Policy, a domain.Action) (string, error) {
	var ch config.ChainConfig
	if a.ChainID != nil {
		if c, ok := l.Engine.Config.Chain(*a.ChainID); ok {
			ch = c
		}
	}
	if pol.OnchainPlaceholder || a.ChainID == nil {
		return l.Placeholder.Publish(ctx, a, ch)
	}
	if l.Live == nil {
		return "", &chain.PublishError{Kind: chain.KindSigning, Err: errors.New("live publishing requested but no signer is configured")}
	}
	return l.Live.Publish(ctx, a, ch)
}

func (l *Loop) startReconciliation() {
	if l.Reconciler == nil {
		return
	}
	schedule := l.Engine.Config.Reconcile.Schedule
	l.cron = cron.New()
	_, err := l.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		l.Reconciler.Sweep(ctx)
	})
	if err != nil {
		l.Log.Error().Str("schedule", schedule).Err(err).Msg("register reconciliation schedule")
		return
	}
	l.cron.Start()
	l.Log.Info().Str("schedule", schedule).Msg("reconciliation scheduled")
}

func (l *Loop) stopReconciliation() {
	if l.cron == nil {
		return
	}
	<-l.cron.Stop().Done()
}

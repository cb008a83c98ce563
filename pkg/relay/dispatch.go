// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/aiku/mautrix-bridgecore/pkg/network"
)

func (p *Pipeline) backoff(retryAfter *time.Duration) retry.Backoff {
	b := retry.NewExponential(p.cfg.BaseBackoff)
	if p.cfg.MaxBackoff > 0 {
		b = retry.WithCappedDuration(p.cfg.MaxBackoff, b)
	}
	if p.cfg.JitterPercent > 0 {
		b = retry.WithJitterPercent(p.cfg.JitterPercent, b)
	}
	b = retry.WithMaxRetries(uint64(p.cfg.MaxAttempts-1), b)
	return retry.BackoffFunc(func() (time.Duration, bool) {
		next, stop := b.Next()
		if stop {
			return 0, true
		}
		if *retryAfter > next {
			next = *retryAfter
		}
		*retryAfter = 0
		return next, false
	})
}

// dispatch delivers out to the target side, retrying transient failures.
// The transaction id of out is reused for every attempt.
func (p *Pipeline) dispatch(ctx context.Context, target network.Side, out *network.Outbound, prepare func(ctx context.Context) error) (string, int, error) {
	log := zerolog.Ctx(ctx)
	var retryAfter time.Duration
	var attempts int
	var targetID string
	err := retry.Do(ctx, p.backoff(&retryAfter), func(ctx context.Context) error {
		attempts++
		id, err := p.attempt(ctx, target, out, prepare)
		if err == nil {
			targetID = id
			return nil
		} else if network.IsPermanent(err) || ctx.Err() != nil {
			return err
		}
		retryAfter = network.RetryAfterOf(err)
		log.Debug().Err(err).
			Int("attempt", attempts).
			Str("txn_id", out.TxnID).
			Msg("Delivery attempt failed")
		return retry.RetryableError(err)
	})
	return targetID, attempts, err
}

// attempt runs one delivery inside the shared pool and under the attempt
// timeout.
func (p *Pipeline) attempt(ctx context.Context, target network.Side, out *network.Outbound, prepare func(ctx context.Context) error) (string, error) {
	if err := p.pool.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer p.pool.Release(1)
	attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.AttemptTimeout)
	defer cancel()

	var id string
	var err error
	if prepare != nil {
		err = prepare(attemptCtx)
	}
	if err == nil {
		switch target {
		case network.SideHome:
			id, err = p.home.SendEvent(attemptCtx, out)
		case network.SideRemote:
			id, err = p.remote.SendMessage(attemptCtx, out)
		default:
			err = fmt.Errorf("unknown target side %q", target)
		}
	}
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && !network.IsPermanent(err) {
		err = network.Transient("deliver", err)
	}
	p.reportHealth(target, err)
	return id, err
}

func (p *Pipeline) reportHealth(side network.Side, err error) {
	if p.health == nil {
		return
	} else if err == nil || network.IsPermanent(err) {
		p.health.ReportSuccess(side)
	} else if network.IsTransient(err) {
		p.health.ReportFailure(side, err)
	}
}

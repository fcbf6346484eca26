package admission

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/andresmejia3/facegate/internal/logger"
	"github.com/andresmejia3/facegate/internal/types"
)

const noFaceQuestion = "No face detected. Continue without face verification?"

// RunStill evaluates a single frame: the newest one available once warm-up
// has passed. A face that fails a stage ends the call with VerdictRetry so
// the caller can take another picture. With no face at all the operator may
// continue unverified.
func (c *Controller) RunStill(ctx context.Context, frames <-chan types.FrameSample) (Settlement, error) {
	if err := c.begin(); err != nil {
		return Settlement{}, err
	}
	defer c.end()

	frame, err := c.takeStill(ctx, frames)
	if err != nil {
		c.setState(StateIdle)
		return Settlement{}, err
	}

	captureID := uuid.NewString()
	c.count(func(s *Stats) { s.Evaluations++ })
	c.setState(StateEvaluating)
	d := c.evaluate(ctx, frame, captureID)
	if ctx.Err() != nil {
		c.setState(StateIdle)
		return Settlement{}, ctx.Err()
	}

	question := c.question()
	if d.Candidate == nil && d.DetectionErr == nil {
		question = noFaceQuestion
		d.Status = StatusNoFace
	} else if d.Verdict != VerdictReadyToAdmit {
		c.publish(d)
		c.setState(StateScanning)
		return Settlement{Verdict: VerdictRetry, Decision: d}, nil
	}
	c.publish(d)

	c.nextEpisode()
	c.setState(StateAwaitingConfirmation)
	// Going on without a face is always the operator's call.
	yes, err := c.ask(ctx, question, c.policy.AutoConfirm && d.Candidate != nil)
	if err != nil {
		c.setState(StateIdle)
		return Settlement{}, err
	}
	if !yes {
		if d.Candidate == nil {
			d.Verdict = VerdictReject
			d.Reason = RejectNoFaceDeclined
			d.Status = StatusNoFaceDeclined
			c.publish(d)
			c.setState(StateSettled)
			return Settlement{Verdict: VerdictReject, Reason: RejectNoFaceDeclined, Decision: d}, nil
		}
		c.setState(StateScanning)
		return Settlement{Verdict: VerdictRetry, Decision: d}, nil
	}

	c.setState(StateSubmitting)
	rec, err := c.stages.Submitter.Submit(ctx, submission(d, captureID, c.policy.Identity))
	if ctx.Err() != nil {
		c.setState(StateIdle)
		return Settlement{}, ctx.Err()
	}
	return c.settle(d, submitResult{record: rec, err: err}), nil
}

// takeStill discards frames until warm-up has elapsed and returns the newest
// frame seen by then, or the next one if none arrived.
func (c *Controller) takeStill(ctx context.Context, frames <-chan types.FrameSample) (types.FrameSample, error) {
	var (
		latest  types.FrameSample
		have    bool
		warmupC <-chan time.Time
	)

	c.mu.Lock()
	warmed := c.warmed
	c.mu.Unlock()

	if !warmed && c.policy.Warmup > 0 {
		c.setState(StateWarming)
		timer := time.NewTimer(c.policy.Warmup)
		defer timer.Stop()
		warmupC = timer.C
	} else {
		c.markWarmed()
		c.setState(StateScanning)
	}

	for {
		if warmupC == nil && have {
			return latest, nil
		}
		select {
		case <-ctx.Done():
			return types.FrameSample{}, ctx.Err()
		case <-warmupC:
			warmupC = nil
			c.markWarmed()
			c.setState(StateScanning)
		case f, ok := <-frames:
			if !ok {
				if !have {
					return types.FrameSample{}, ErrStreamEnded
				}
				frames = nil
				continue
			}
			c.count(func(s *Stats) { s.FramesSeen++ })
			if have {
				c.count(func(s *Stats) { s.WarmupDrops++ })
			}
			latest, have = f, true
		}
	}
}

// ask resolves one confirmation: automatically when auto is set, otherwise
// through the Confirmer or Confirm/Cancel, whichever answers first.
func (c *Controller) ask(ctx context.Context, question string, auto bool) (bool, error) {
	if auto {
		return true, nil
	}

	c.mu.Lock()
	ep := c.episode
	c.mu.Unlock()

	askCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if c.stages.Confirmer != nil {
		go func() {
			yes, err := c.stages.Confirmer.Confirm(askCtx, question)
			select {
			case c.signals <- confirmSignal{episode: ep, yes: yes, err: err}:
			case <-askCtx.Done():
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case sig := <-c.signals:
			if sig.episode != ep {
				continue
			}
			if sig.err != nil && !errors.Is(sig.err, context.Canceled) {
				logger.Warning("confirmation prompt failed", logger.LoggerOptions{Key: "error", Data: sig.err.Error()})
			}
			return sig.yes && sig.err == nil, nil
		}
	}
}

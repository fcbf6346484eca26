package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/andresmejia3/facegate/internal/config"
	"github.com/andresmejia3/facegate/internal/gateway"
	"github.com/andresmejia3/facegate/internal/liveness"
	"github.com/andresmejia3/facegate/internal/logger"
	"github.com/andresmejia3/facegate/internal/prompt"
	"github.com/andresmejia3/facegate/internal/quality"
	"github.com/andresmejia3/facegate/internal/recognition"
	"github.com/andresmejia3/facegate/internal/types"
)

var (
	ErrSessionClosed  = errors.New("admission already settled for this session")
	ErrAlreadyRunning = errors.New("controller is already running")
	ErrStreamEnded    = errors.New("frame stream ended")
)

// Detector finds faces in a frame, best candidate first.
type Detector interface {
	Detect(ctx context.Context, frame types.FrameSample) ([]types.FaceCandidate, error)
}

type QualityAssessor interface {
	Assess(c types.FaceCandidate) quality.QualityAssessment
}

type SpoofAnalyzer interface {
	Analyze(ctx context.Context, frame types.FrameSample, c types.FaceCandidate) liveness.SpoofAssessment
}

type Recognizer interface {
	Match(ctx context.Context, frame types.FrameSample, c types.FaceCandidate) (recognition.RecognitionResult, error)
}

type Submitter interface {
	Submit(ctx context.Context, s gateway.Submission) (types.AttendanceRecord, error)
}

type State int

const (
	StateIdle State = iota
	StateWarming
	StateScanning
	StateEvaluating
	StateAwaitingConfirmation
	StateSubmitting
	StateSettled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWarming:
		return "warming"
	case StateScanning:
		return "scanning"
	case StateEvaluating:
		return "evaluating"
	case StateAwaitingConfirmation:
		return "awaiting-confirmation"
	case StateSubmitting:
		return "submitting"
	case StateSettled:
		return "settled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Policy struct {
	Identity     string        // who is marking attendance
	Warmup       time.Duration // frames before this are discarded
	SampleEvery  int           // evaluate every Nth frame
	RequireMatch bool          // recognition gates admission instead of advising
	AutoConfirm  bool
	FrameBudget  time.Duration // per-evaluation deadline, 0 for none
}

func PolicyFromConfig(p config.PolicyConfig, identity string) Policy {
	return Policy{
		Identity:     identity,
		Warmup:       p.Warmup.Duration,
		SampleEvery:  p.SampleEvery,
		RequireMatch: p.RequireMatch,
		AutoConfirm:  p.AutoConfirm,
		FrameBudget:  p.FrameBudget.Duration,
	}
}

// Stages are the collaborators of one controller. Recognizer and Confirmer
// may be nil: without a recognizer faces are never verified, and without a
// confirmer only Confirm and Cancel answer the confirmation prompt.
type Stages struct {
	Detector   Detector
	Quality    QualityAssessor
	Spoof      SpoofAnalyzer
	Recognizer Recognizer
	Submitter  Submitter
	Confirmer  prompt.Confirmer
}

type Stats struct {
	FramesSeen   uint64
	WarmupDrops  uint64
	CadenceSkips uint64
	BusyDrops    uint64
	IdleDrops    uint64 // frames that arrived while confirming or submitting
	Evaluations  uint64
}

type Snapshot struct {
	State  State
	Status string
	Last   *AdmissionDecision
	Stats  Stats
}

type confirmSignal struct {
	episode uint64
	yes     bool
	err     error
}

type evalResult struct {
	decision AdmissionDecision
}

type submitResult struct {
	record types.AttendanceRecord
	err    error
}

// Controller drives one attendance session. All transitions happen on the
// goroutine running Run or RunStill; stage work runs on helper goroutines
// that report back over channels owned by that call.
type Controller struct {
	stages Stages
	policy Policy

	// OnDecision and OnState are called from the run loop and must not block.
	OnDecision func(AdmissionDecision)
	OnState    func(State)

	signals chan confirmSignal

	mu       sync.Mutex
	state    State
	status   string
	last     *AdmissionDecision
	stats    Stats
	episode  uint64
	running  bool
	warmed   bool
	admitted bool
}

func NewController(stages Stages, policy Policy) (*Controller, error) {
	if stages.Detector == nil || stages.Quality == nil || stages.Spoof == nil || stages.Submitter == nil {
		return nil, fmt.Errorf("controller needs a detector, quality assessor, spoof analyzer and submitter")
	}
	if policy.SampleEvery < 1 {
		policy.SampleEvery = 1
	}
	return &Controller{
		stages:  stages,
		policy:  policy,
		signals: make(chan confirmSignal, 8),
		status:  StatusPosition,
	}, nil
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{State: c.state, Status: c.status, Last: c.last, Stats: c.stats}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Status() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Confirm answers the pending confirmation with yes. Answers that arrive when
// nothing is pending, or after the episode was already answered, are ignored.
func (c *Controller) Confirm() { c.signal(true) }

// Cancel answers the pending confirmation with no and resumes scanning.
func (c *Controller) Cancel() { c.signal(false) }

func (c *Controller) signal(yes bool) {
	c.mu.Lock()
	ep := c.episode
	c.mu.Unlock()
	select {
	case c.signals <- confirmSignal{episode: ep, yes: yes}:
	default:
	}
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	logger.Debug("admission state", logger.LoggerOptions{Key: "state", Data: s.String()})
	if c.OnState != nil {
		c.OnState(s)
	}
}

func (c *Controller) publish(d AdmissionDecision) {
	c.mu.Lock()
	c.last = &d
	c.status = d.Status
	c.mu.Unlock()
	if c.OnDecision != nil {
		c.OnDecision(d)
	}
}

func (c *Controller) setStatus(s string) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

func (c *Controller) count(f func(*Stats)) {
	c.mu.Lock()
	f(&c.stats)
	c.mu.Unlock()
}

func (c *Controller) begin() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.admitted {
		return ErrSessionClosed
	}
	if c.running {
		return ErrAlreadyRunning
	}
	c.running = true
	return nil
}

func (c *Controller) end() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
}

func (c *Controller) nextEpisode() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.episode++
	return c.episode
}

// Run consumes frames until the attempt settles. A Reject settlement returns
// a nil error and Run may be called again, which resumes scanning without a
// second warm-up. After an Admit every call fails with ErrSessionClosed.
func (c *Controller) Run(ctx context.Context, frames <-chan types.FrameSample) (Settlement, error) {
	if err := c.begin(); err != nil {
		return Settlement{}, err
	}
	defer c.end()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	evalDone := make(chan evalResult, 1)
	submitDone := make(chan submitResult, 1)

	var (
		warmupC   <-chan time.Time
		sampled   int
		pending   AdmissionDecision
		episode   uint64
		stopAsk   context.CancelFunc = func() {}
		inFlight  bool
		captureID = uuid.NewString()
	)
	defer func() { stopAsk() }()

	c.mu.Lock()
	warmed := c.warmed
	c.mu.Unlock()

	if warmed || c.policy.Warmup <= 0 {
		c.markWarmed()
		c.setState(StateScanning)
	} else {
		c.setState(StateWarming)
		timer := time.NewTimer(c.policy.Warmup)
		defer timer.Stop()
		warmupC = timer.C
	}

	startSubmit := func() {
		c.setState(StateSubmitting)
		go func(d AdmissionDecision) {
			rec, err := c.stages.Submitter.Submit(runCtx, submission(d, captureID, c.policy.Identity))
			submitDone <- submitResult{record: rec, err: err}
		}(pending)
	}

	awaitConfirmation := func(d AdmissionDecision) {
		pending = d
		episode = c.nextEpisode()
		c.setState(StateAwaitingConfirmation)

		if c.policy.AutoConfirm {
			startSubmit()
			return
		}
		if c.stages.Confirmer == nil {
			return
		}
		askCtx, askCancel := context.WithCancel(runCtx)
		stopAsk = askCancel
		go func(ep uint64) {
			yes, err := c.stages.Confirmer.Confirm(askCtx, c.question())
			select {
			case c.signals <- confirmSignal{episode: ep, yes: yes, err: err}:
			case <-askCtx.Done():
			}
		}(episode)
	}

	for {
		select {
		case <-runCtx.Done():
			c.setState(StateIdle)
			return Settlement{}, ctx.Err()

		case <-warmupC:
			warmupC = nil
			if runCtx.Err() != nil {
				c.setState(StateIdle)
				return Settlement{}, ctx.Err()
			}
			c.markWarmed()
			c.setState(StateScanning)

		case frame, ok := <-frames:
			if !ok {
				c.setState(StateIdle)
				return Settlement{}, ErrStreamEnded
			}
			if runCtx.Err() != nil {
				c.setState(StateIdle)
				return Settlement{}, ctx.Err()
			}
			c.count(func(s *Stats) { s.FramesSeen++ })

			switch c.State() {
			case StateWarming:
				c.count(func(s *Stats) { s.WarmupDrops++ })
			case StateScanning, StateEvaluating:
				sampled++
				if sampled%c.policy.SampleEvery != 0 {
					c.count(func(s *Stats) { s.CadenceSkips++ })
					continue
				}
				if inFlight {
					c.count(func(s *Stats) { s.BusyDrops++ })
					continue
				}
				inFlight = true
				c.count(func(s *Stats) { s.Evaluations++ })
				c.setState(StateEvaluating)
				go func(f types.FrameSample) {
					evalDone <- evalResult{decision: c.evaluate(runCtx, f, captureID)}
				}(frame)
			default:
				c.count(func(s *Stats) { s.IdleDrops++ })
			}

		case res := <-evalDone:
			inFlight = false
			if runCtx.Err() != nil {
				c.setState(StateIdle)
				return Settlement{}, ctx.Err()
			}
			c.publish(res.decision)
			if res.decision.Verdict == VerdictReadyToAdmit {
				awaitConfirmation(res.decision)
			} else {
				c.setState(StateScanning)
			}

		case sig := <-c.signals:
			if runCtx.Err() != nil {
				c.setState(StateIdle)
				return Settlement{}, ctx.Err()
			}
			if sig.episode != episode || c.State() != StateAwaitingConfirmation {
				continue
			}
			stopAsk()
			if sig.err != nil || !sig.yes {
				if sig.err != nil && !errors.Is(sig.err, context.Canceled) {
					logger.Warning("confirmation prompt failed", logger.LoggerOptions{Key: "error", Data: sig.err.Error()})
				}
				c.setState(StateScanning)
				continue
			}
			startSubmit()

		case res := <-submitDone:
			if runCtx.Err() != nil {
				c.setState(StateIdle)
				return Settlement{}, ctx.Err()
			}
			return c.settle(pending, res), nil
		}
	}
}

func (c *Controller) markWarmed() {
	c.mu.Lock()
	c.warmed = true
	c.mu.Unlock()
}

func (c *Controller) question() string {
	if c.policy.Identity == "" {
		return "Mark attendance?"
	}
	return fmt.Sprintf("Mark attendance for %s?", c.policy.Identity)
}

func submission(d AdmissionDecision, captureID, identity string) gateway.Submission {
	return gateway.Submission{
		DecisionID:   d.ID,
		CaptureID:    captureID,
		Identity:     identity,
		FaceVerified: d.FaceVerified,
	}
}

func (c *Controller) settle(d AdmissionDecision, res submitResult) Settlement {
	s := Settlement{Decision: d, Err: res.err}
	switch {
	case res.err == nil:
		rec := res.record
		s.Verdict = VerdictAdmit
		s.Record = &rec
		d.Status = StatusAdmitted
		c.mu.Lock()
		c.admitted = true
		c.mu.Unlock()
	case errors.Is(res.err, gateway.ErrLocationUnavailable):
		s.Verdict = VerdictReject
		s.Reason = RejectLocationUnavailable
		d.Status = StatusNoLocation
	default:
		s.Verdict = VerdictReject
		s.Reason = RejectSubmissionFailed
		d.Status = StatusSubmitFailed
	}

	d.Verdict = s.Verdict
	d.Reason = s.Reason
	s.Decision = d
	c.publish(d)
	c.setState(StateSettled)

	logger.Info("admission settled", logger.LoggerOptions{Key: "verdict", Data: s.Verdict.String()},
		logger.LoggerOptions{Key: "reason", Data: s.Reason.String()},
		logger.LoggerOptions{Key: "decision", Data: d.ID})
	return s
}

// evaluate runs the stage chain on one frame. Stages run in order and the
// chain stops at the first stage that rules the frame out.
func (c *Controller) evaluate(ctx context.Context, frame types.FrameSample, captureID string) AdmissionDecision {
	d := AdmissionDecision{ID: uuid.NewString(), FrameSeq: frame.Seq, CreatedAt: time.Now(), Verdict: VerdictRetry}

	if c.policy.FrameBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.policy.FrameBudget)
		defer cancel()
	}

	cands, err := c.stages.Detector.Detect(ctx, frame)
	if err != nil {
		logger.Warning("face detection failed", logger.LoggerOptions{Key: "frame", Data: frame.Seq},
			logger.LoggerOptions{Key: "error", Data: err.Error()})
		d.DetectionErr = err
		d.Status = StatusDetectionFailed
		return d
	}
	if len(cands) == 0 {
		d.Status = StatusNoFace
		return d
	}
	cand := cands[0]
	d.Candidate = &cand

	q := c.stages.Quality.Assess(cand)
	d.Quality = &q
	if !q.IsGoodQuality {
		d.Status = qualityStatus(q)
		return d
	}

	s := c.stages.Spoof.Analyze(ctx, frame, cand)
	d.Spoof = &s
	if s.IsSpoofed {
		d.Status = StatusSpoof
		return d
	}

	if c.stages.Recognizer != nil {
		r, err := c.stages.Recognizer.Match(ctx, frame, cand)
		if err != nil {
			logger.Debug("recognition unavailable", logger.LoggerOptions{Key: "error", Data: err.Error()})
			d.RecognitionErr = err
		} else {
			d.Recognition = &r
		}
	}
	matched := d.Recognition != nil && d.Recognition.IsMatch

	switch {
	case !q.Centered:
		d.Status = StatusNotPositioned
	case c.policy.RequireMatch && !matched:
		d.Status = StatusMismatch
	default:
		d.Verdict = VerdictReadyToAdmit
		d.Status = StatusReady
		d.FaceVerified = matched
	}

	logger.Debug("frame evaluated", logger.LoggerOptions{Key: "frame", Data: frame.Seq},
		logger.LoggerOptions{Key: "capture", Data: captureID},
		logger.LoggerOptions{Key: "quality", Data: q.Percent},
		logger.LoggerOptions{Key: "spoof", Data: s.Score},
		logger.LoggerOptions{Key: "verdict", Data: d.Verdict.String()})
	return d
}

func qualityStatus(q quality.QualityAssessment) string {
	switch q.Hard {
	case quality.HardEyesNotVisible, quality.HardEyesClosed:
		return StatusEyesNotVisible
	}
	return poorQualityStatus(q.Percent)
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/facegate/internal/admission"
	"github.com/andresmejia3/facegate/internal/capture"
	"github.com/andresmejia3/facegate/internal/config"
	"github.com/andresmejia3/facegate/internal/gateway"
	"github.com/andresmejia3/facegate/internal/geo"
	"github.com/andresmejia3/facegate/internal/liveness"
	"github.com/andresmejia3/facegate/internal/logger"
	"github.com/andresmejia3/facegate/internal/prompt"
	"github.com/andresmejia3/facegate/internal/quality"
	"github.com/andresmejia3/facegate/internal/recognition"
	"github.com/andresmejia3/facegate/internal/store"
	"github.com/andresmejia3/facegate/internal/utils"
	"github.com/andresmejia3/facegate/internal/worker"
)

var errNotAdmitted = errors.New("attendance not marked")

var captureOpts Options

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Run a kiosk session and mark attendance for a verified live face",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runCapture(cmd.Context(), captureOpts)
	},
}

func init() {
	addAdmissionFlags(captureCmd, &captureOpts)
	captureCmd.Flags().StringVarP(&captureOpts.Mode, "mode", "m", "", "Capture mode: continuous or still (default from policy)")
	captureCmd.Flags().IntVarP(&captureOpts.SampleEvery, "sample-every", "n", 0, "Evaluate every Nth frame (default from policy)")
	captureCmd.Flags().StringVarP(&captureOpts.Warmup, "warmup", "w", "", "Discard frames for this long after the camera starts (e.g. 500ms)")
	rootCmd.AddCommand(captureCmd)
}

// addAdmissionFlags registers the flags shared by capture and snap.
func addAdmissionFlags(cmd *cobra.Command, opts *Options) {
	cmd.Flags().StringVarP(&opts.Identity, "identity", "i", "", "Enrolled identity marking attendance")
	cmd.Flags().StringVarP(&opts.Device, "device", "d", "", "Camera device node (default FACEGATE_DEVICE or /dev/video0)")
	cmd.Flags().BoolVarP(&opts.AutoConfirm, "yes", "y", false, "Submit without asking for confirmation")
	cmd.Flags().BoolVar(&opts.RequireMatch, "require-match", false, "Refuse attendance unless the face matches the enrolled identity")
	cmd.Flags().Float64VarP(&opts.MatchThreshold, "threshold", "t", 0, "Cosine similarity a face must exceed to match (default from policy)")
	cmd.Flags().Float64Var(&opts.SpoofThreshold, "spoof-threshold", 0, "Spoof score above which a face is rejected (default from policy)")
	cmd.Flags().Float64Var(&opts.QualityFloor, "quality-floor", 0, "Quality percent a face must exceed (default from policy)")
	cmd.MarkFlagRequired("identity")
}

// validateCaptureFlags applies flag overrides on top of the loaded policy and
// checks the result.
func validateCaptureFlags(opts *Options, policy *config.PolicyConfig) error {
	opts.Identity = strings.TrimSpace(opts.Identity)
	if opts.Identity == "" {
		return fmt.Errorf("--identity is required")
	}

	if opts.Mode != "" {
		policy.Mode = opts.Mode
	}
	if opts.ImagePath != "" {
		info, err := os.Stat(opts.ImagePath)
		if err != nil {
			return fmt.Errorf("image %q: %w", opts.ImagePath, err)
		}
		if info.IsDir() {
			return fmt.Errorf("image %q is a directory", opts.ImagePath)
		}
		// A file yields one frame, so only still mode makes sense.
		policy.Mode = "still"
	}

	if opts.MatchThreshold != 0 {
		policy.MatchThreshold = opts.MatchThreshold
	}
	if opts.SpoofThreshold != 0 {
		policy.SpoofThreshold = opts.SpoofThreshold
	}
	if opts.QualityFloor != 0 {
		policy.QualityFloor = opts.QualityFloor
	}
	if opts.SampleEvery != 0 {
		policy.SampleEvery = opts.SampleEvery
	}
	if opts.Warmup != "" {
		d, err := time.ParseDuration(opts.Warmup)
		if err != nil || d < 0 {
			return fmt.Errorf("invalid --warmup %q", opts.Warmup)
		}
		policy.Warmup.Duration = d
	}
	policy.AutoConfirm = policy.AutoConfirm || opts.AutoConfirm
	policy.RequireMatch = policy.RequireMatch || opts.RequireMatch

	return policy.Validate()
}

func qualityOptions(p config.PolicyConfig) quality.Options {
	return quality.Options{
		Floor:           p.QualityFloor,
		MinFaceRatio:    p.Quality.MinFaceRatio,
		MaxFaceRatio:    p.Quality.MaxFaceRatio,
		MaxYaw:          p.Quality.MaxYaw,
		MaxRoll:         p.Quality.MaxRoll,
		CenterTolerance: p.CenterTolerance,
	}
}

func engineConfig(c config.EngineConfig) worker.Config {
	return worker.Config{
		Python:             c.Python,
		Script:             c.Script,
		ReadTimeout:        c.ReadTimeout,
		DetectionThreshold: c.DetectionThreshold,
	}
}

func newSource(opts Options, cam config.CameraConfig) capture.Source {
	if opts.ImagePath != "" {
		return capture.NewImageSource(opts.ImagePath)
	}
	device := cam.Device
	if opts.Device != "" {
		device = opts.Device
	}
	return capture.NewDeviceSource(capture.Config{
		Device:      device,
		Width:       cam.Width,
		Height:      cam.Height,
		FPS:         cam.FPS,
		Facing:      cam.Facing,
		InitTimeout: cam.InitTimeout,
	})
}

// runCapture wires the admission pipeline: reference embedding, detection
// engine, quality, liveness, recognition, location and the attendance store.
func runCapture(ctx context.Context, opts Options) error {
	policy := Cfg.Policy
	if err := validateCaptureFlags(&opts, &policy); err != nil {
		utils.ShowError("Invalid capture options", err, nil)
		return err
	}

	reference, embedder, err := DB.ReferenceEmbedding(ctx, opts.Identity)
	switch {
	case errors.Is(err, store.ErrIdentityNotFound):
		if policy.RequireMatch {
			utils.ShowError("Identity is not enrolled", err, nil)
			return err
		}
		fmt.Fprintf(os.Stderr, "⚠️  %s is not enrolled. Attendance will not be face verified.\n", opts.Identity)
	case err != nil:
		utils.ShowError("Failed to load reference embedding", err, nil)
		return err
	}
	extractor := recognition.Extractor(recognition.EngineExtractor{})
	if reference != nil {
		if extractor, err = recognition.ExtractorFor(recognition.Embedder(embedder)); err != nil {
			utils.ShowError("Reference embedding is unusable", err, nil)
			return err
		}
	}

	locator, err := geo.FromConfig(Cfg.Location)
	if err != nil {
		utils.ShowError("Failed to open location source", err, nil)
		return err
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	engine, err := worker.NewPythonWorker(ctx, 0, engineConfig(Cfg.Engine))
	if err != nil {
		closeLocator(locator)
		utils.ShowError("Failed to start AI worker", err, nil)
		return err
	}

	term := prompt.NewTerminal(os.Stdin, os.Stderr)
	ctl, err := admission.NewController(admission.Stages{
		Detector:   engine,
		Quality:    quality.NewAssessor(qualityOptions(policy)),
		Spoof:      liveness.NewAnalyzer(policy.SpoofThreshold, policy.FrameBudget.Duration),
		Recognizer: recognition.NewMatcher(extractor, reference, policy.MatchThreshold),
		Submitter:  gateway.New(locator, DB, policy.LocationTimeout.Duration),
		Confirmer:  term,
	}, admission.PolicyFromConfig(policy, opts.Identity))
	if err != nil {
		engine.Close()
		closeLocator(locator)
		return err
	}

	source := newSource(opts, Cfg.Camera)
	resources := []admission.Resource{{Name: "detection engine", Close: engine.Close}}
	if c, ok := locator.(io.Closer); ok {
		resources = append(resources, admission.Resource{Name: "locator", Close: c.Close})
	}
	sess := admission.NewSession(source, ctl, resources...)
	defer sess.Close()

	fmt.Fprintln(os.Stderr, "📷 Opening camera...")
	if err := sess.Open(ctx); err != nil {
		utils.ShowError("Camera unavailable", err, cameraCommand(source))
		return err
	}

	spinner := newStatusSpinner(ctl)
	defer spinner.Stop()

	for {
		var s admission.Settlement
		if policy.Mode == "still" {
			s, err = sess.RunStill(ctx)
		} else {
			s, err = sess.Run(ctx)
		}
		spinner.Pause()

		if err != nil {
			if errors.Is(err, context.Canceled) {
				fmt.Fprintln(os.Stderr, "\n🛑 Capture cancelled.")
				return nil
			}
			utils.ShowError("Capture session failed", err, engine.Cmd)
			return err
		}

		logger.Debug("controller stats", logger.LoggerOptions{Key: "stats", Data: ctl.Stats()})
		if src, ok := source.(*capture.DeviceSource); ok {
			logger.Debug("frame source stats", logger.LoggerOptions{Key: "stats", Data: src.Stats()})
		}

		switch s.Verdict {
		case admission.VerdictAdmit:
			rec := s.Record
			verified := "face verified"
			if !rec.FaceVerified {
				verified = "not face verified"
			}
			fmt.Printf("✅ %s for %s at %.5f, %.5f (%s)\n", admission.StatusAdmitted, rec.Identity, rec.Latitude, rec.Longitude, verified)
			fmt.Printf("   Record: %s\n", rec.ID)
			return nil
		case admission.VerdictReject:
			fmt.Fprintf(os.Stderr, "❌ %s\n", s.Decision.Status)
		default:
			fmt.Fprintf(os.Stderr, "⚠️  %s\n", s.Decision.Status)
		}

		if policy.AutoConfirm || opts.ImagePath != "" {
			return errNotAdmitted
		}
		again, err := term.Confirm(ctx, "Try again?")
		if err != nil || !again {
			return errNotAdmitted
		}
		spinner.Resume()
	}
}

func closeLocator(l geo.Locator) {
	if c, ok := l.(io.Closer); ok {
		c.Close()
	}
}

func cameraCommand(src capture.Source) *utils.SafeCommand {
	if d, ok := src.(*capture.DeviceSource); ok {
		return d.Command()
	}
	return nil
}

// statusSpinner shows the latest cycle status while the controller scans.
// It goes quiet whenever the operator is being asked something.
type statusSpinner struct {
	bar    *progressbar.ProgressBar
	paused atomic.Bool
	stop   chan struct{}
	done   chan struct{}
}

func newStatusSpinner(ctl *admission.Controller) *statusSpinner {
	s := &statusSpinner{
		bar: progressbar.NewOptions(-1,
			progressbar.OptionSetDescription("📷 "+admission.StatusPosition),
			progressbar.OptionSetWriter(os.Stderr), // Write spinner to Stderr
			progressbar.OptionSpinnerType(14),
			progressbar.OptionClearOnFinish(),
		),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	ctl.OnDecision = func(d admission.AdmissionDecision) {
		s.bar.Describe("📷 " + d.Status)
	}
	ctl.OnState = func(st admission.State) {
		switch st {
		case admission.StateAwaitingConfirmation, admission.StateSettled:
			s.Pause()
		case admission.StateWarming, admission.StateScanning:
			s.Resume()
		}
	}

	go s.loop()
	return s
}

func (s *statusSpinner) loop() {
	defer close(s.done)
	ticker := time.NewTicker(120 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if !s.paused.Load() {
				s.bar.Add(1)
			}
		}
	}
}

func (s *statusSpinner) Pause() {
	if !s.paused.Swap(true) {
		s.bar.Clear()
	}
}

func (s *statusSpinner) Resume() { s.paused.Store(false) }

func (s *statusSpinner) Stop() {
	close(s.stop)
	<-s.done
	s.bar.Finish()
}

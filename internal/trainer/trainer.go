// Package trainer fine-tunes a low-rank adapter on a prompt/response dataset
// and writes the resulting artifact.
package trainer

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"loratune/internal/artifact"
	"loratune/internal/autograd"
	"loratune/internal/dataset"
	"loratune/internal/lora"
	"loratune/internal/model"
	"loratune/internal/tokenizer"
	"loratune/pkg/types"
)

// ArtifactWriter persists an artifact; artifact.Write in production.
type ArtifactWriter func(dir string, a artifact.Artifact, extras ...artifact.File) error

// Options wire a Trainer. Zero values get defaults in New.
type Options struct {
	Args       Args
	Loader     model.Loader
	Strategies []model.Strategy
	Sink       ProgressSink
	Logger     zerolog.Logger
	Metrics    *Metrics
	Dataset    dataset.Options
	Write      ArtifactWriter
	// OnTransition is called after every state change.
	OnTransition func(from, to State)
	// RunID is generated when empty.
	RunID string
}

// Job names the inputs and output root of one run.
type Job struct {
	BaseModel   string
	DatasetPath string
	OutputDir   string
}

// Result summarizes a completed run.
type Result struct {
	RunID          string
	FinalModelPath string
	GlobalStep     int
	LastLoss       float64
	Stats          dataset.Stats
	Strategy       string
}

// Trainer runs a single job. It is not reusable.
type Trainer struct {
	args       Args
	loader     model.Loader
	strategies []model.Strategy
	sink       ProgressSink
	log        zerolog.Logger
	metrics    *Metrics
	dsOpts     dataset.Options
	write      ArtifactWriter
	onTrans    func(from, to State)

	runID string
	state State
}

func New(opts Options) (*Trainer, error) {
	if err := opts.Args.Validate(); err != nil {
		return nil, err
	}
	if opts.Loader == nil {
		return nil, fmt.Errorf("trainer: nil loader")
	}
	t := &Trainer{
		args:       opts.Args,
		loader:     opts.Loader,
		strategies: opts.Strategies,
		sink:       opts.Sink,
		log:        opts.Logger,
		metrics:    opts.Metrics,
		dsOpts:     opts.Dataset,
		write:      opts.Write,
		onTrans:    opts.OnTransition,
		runID:      opts.RunID,
		state:      StateInitializing,
	}
	if t.strategies == nil {
		p, err := model.ParsePrecision(opts.Args.Precision)
		if err != nil {
			return nil, err
		}
		t.strategies = model.DefaultStrategies(opts.Args.Device, p)
	}
	if t.runID == "" {
		t.runID = uuid.NewString()
	}
	if t.sink == nil {
		t.sink = noopSink{}
	}
	if t.metrics == nil {
		t.metrics = NewMetrics()
	}
	if t.write == nil {
		t.write = artifact.Write
	}
	t.metrics.setState(t.state)
	return t, nil
}

func (t *Trainer) State() State { return t.state }

// RunID identifies the run in logs, checkpoints and the artifact.
func (t *Trainer) RunID() string { return t.runID }

func (t *Trainer) Metrics() *Metrics { return t.metrics }

// transition panics on an illegal move; callers never attempt one at runtime.
func (t *Trainer) transition(next State) {
	if !canTransition(t.state, next) {
		panic(fmt.Sprintf("trainer: illegal transition %s -> %s", t.state, next))
	}
	t.log.Debug().Str("from", string(t.state)).Str("to", string(next)).Msg("trainer state")
	prev := t.state
	t.state = next
	t.metrics.setState(next)
	if t.onTrans != nil {
		t.onTrans(prev, next)
	}
}

func (t *Trainer) fail(err error) error {
	if !t.state.Terminal() {
		t.transition(StateFailed)
	}
	t.log.Error().Err(err).Msg("training failed")
	return err
}

// run holds the mutable state of the training loop.
type run struct {
	id       string
	job      Job
	adapted  *lora.Adapted
	tok      *tokenizer.Tokenizer
	encs     []tokenizer.Encoding
	opt      *AdamW
	sched    Schedule
	rng      *rand.Rand
	blockLen int

	stepsPerEpoch int
	globalStep    int
	epochFrac     float64

	windowSum   float64
	windowSteps int
	lastLogged  float64
	logged      bool
	history     []types.ProgressEvent
}

// Run trains the adapter and writes <OutputDir>/final_model.
func (t *Trainer) Run(ctx context.Context, job Job) (Result, error) {
	if t.state != StateInitializing {
		panic("trainer: Run called twice")
	}
	runID := t.runID
	log := t.log.With().Str("run_id", runID).Logger()
	t.log = log
	res := Result{RunID: runID}

	outDir, err := filepath.Abs(job.OutputDir)
	if err != nil {
		return res, t.fail(artifact.ErrSave(job.OutputDir, err))
	}
	job.OutputDir = outDir

	examples, stats, err := dataset.Load(job.DatasetPath, t.dsOpts, log)
	res.Stats = stats
	t.metrics.examples.WithLabelValues("kept").Set(float64(stats.Kept))
	t.metrics.examples.WithLabelValues("dropped").Set(float64(stats.Dropped))
	if err != nil {
		return res, t.fail(err)
	}

	m, tok, strat, err := model.LoadWithStrategies(ctx, t.loader, job.BaseModel, t.strategies, log)
	if err != nil {
		return res, t.fail(err)
	}
	res.Strategy = strat.Name
	if err := m.To(strat.Options.Device); err != nil {
		return res, t.fail(model.ErrModelLoad(job.BaseModel, []string{strat.Name}, err))
	}
	m.Cast(strat.Options.Precision)

	if err := tok.EnsurePadToken(); err != nil {
		return res, t.fail(err)
	}
	rng := rand.New(rand.NewSource(t.args.Seed))
	adapted, err := lora.Attach(m, t.args.LoRA, rng)
	if err != nil {
		return res, t.fail(err)
	}
	log.Info().Strs("targets", adapted.Targets()).Int("trainable_params", len(adapted.TrainableParams())).Msg("adapter attached")

	encs, err := dataset.Tokenize(examples, tok, t.args.MaxLength)
	if err != nil {
		return res, t.fail(err)
	}

	r := &run{
		id:       runID,
		job:      job,
		adapted:  adapted,
		tok:      tok,
		encs:     encs,
		opt:      NewAdamW(adapted.TrainableParams(), t.args.WeightDecay),
		rng:      rng,
		blockLen: m.Config().BlockSize,
	}
	r.stepsPerEpoch = (len(encs) + t.args.BatchSize - 1) / t.args.BatchSize
	r.sched = Schedule{Base: t.args.LearningRate, Warmup: t.args.WarmupSteps, Total: r.stepsPerEpoch * t.args.Epochs}

	t.transition(StateRunning)
	log.Info().Int("examples", len(encs)).Int("epochs", t.args.Epochs).Int("steps", r.sched.Total).Msg("training started")
	adapted.Train(true)
	if err := t.loop(ctx, r); err != nil {
		return res, t.fail(err)
	}
	adapted.Train(false)
	res.GlobalStep = r.globalStep

	t.transition(StateFinalizing)
	finalPath := filepath.Join(job.OutputDir, FinalModelDir)
	loss := r.lastLogged
	if !r.logged && r.windowSteps > 0 {
		loss = r.windowSum / float64(r.windowSteps)
	}
	res.LastLoss = types.RoundLoss(loss)
	if err := t.saveArtifact(r, finalPath); err != nil {
		t.sink.Publish(types.ProgressEvent{
			Progress:     100,
			CurrentEpoch: t.args.Epochs,
			Loss:         res.LastLoss,
			Status:       fmt.Sprintf("Training completed, but failed to save model: %v", err),
		})
		return res, t.fail(err)
	}
	t.transition(StateCompleted)
	res.FinalModelPath = finalPath
	t.sink.Publish(types.ProgressEvent{
		Progress:     100,
		CurrentEpoch: t.args.Epochs,
		Loss:         res.LastLoss,
		Status:       "Training completed successfully. Model saved to " + finalPath,
	})
	t.metrics.progress.Set(100)
	log.Info().Str("path", finalPath).Int("steps", r.globalStep).Float64("loss", res.LastLoss).Msg("training completed")
	return res, nil
}

func (t *Trainer) loop(ctx context.Context, r *run) error {
	n := len(r.encs)
	for epoch := 0; epoch < t.args.Epochs; epoch++ {
		perm := r.rng.Perm(n)
		for s := 0; s < r.stepsPerEpoch; s++ {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("training interrupted at step %d: %w", r.globalStep, err)
			}
			lo := s * t.args.BatchSize
			hi := min(lo+t.args.BatchSize, n)
			start := time.Now()
			loss := t.step(r, perm[lo:hi])
			t.metrics.stepDuration.Observe(time.Since(start).Seconds())
			t.metrics.steps.Inc()

			r.windowSum += loss
			r.windowSteps++
			r.epochFrac = float64(epoch) + float64(s+1)/float64(r.stepsPerEpoch)
			t.metrics.epoch.Set(r.epochFrac)

			if r.globalStep%t.args.LoggingSteps == 0 {
				t.emitProgress(r)
			}
			if r.globalStep%t.args.SaveSteps == 0 {
				if err := t.checkpoint(r); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// step runs forward/backward over one batch and applies an optimizer update.
func (t *Trainer) step(r *run, batch []int) float64 {
	var losses []*autograd.Value
	for _, idx := range batch {
		if l := exampleLoss(r.adapted.Model(), r.encs[idx], r.blockLen); l != nil {
			losses = append(losses, l)
		}
	}
	lr := r.sched.LR(r.globalStep)
	t.metrics.learningRate.Set(lr)
	r.globalStep++
	if len(losses) == 0 {
		return 0
	}
	batchLoss := autograd.Mean(losses)
	autograd.Backward(batchLoss)
	r.opt.Step(lr)
	return batchLoss.Data
}

// exampleLoss is the mean next-token cross-entropy over attended positions,
// truncated to the model's block size. It returns nil when fewer than two
// positions are attended.
func exampleLoss(m *model.Model, enc tokenizer.Encoding, blockLen int) *autograd.Value {
	n := min(enc.Len(), blockLen)
	if n < 2 {
		return nil
	}
	cache := m.NewKVCache()
	terms := make([]*autograd.Value, 0, n-1)
	for pos := 0; pos < n-1; pos++ {
		logits := m.Forward(enc.InputIDs[pos], pos, cache)
		terms = append(terms, autograd.CrossEntropy(logits, enc.InputIDs[pos+1]))
	}
	return autograd.Mean(terms)
}

func (t *Trainer) emitProgress(r *run) {
	mean := r.windowSum / float64(r.windowSteps)
	r.windowSum, r.windowSteps = 0, 0
	r.lastLogged, r.logged = mean, true

	progress := int(math.Floor(100 * r.epochFrac / float64(t.args.Epochs)))
	if progress > 99 {
		progress = 99
	}
	epoch := int(math.Floor(r.epochFrac))
	ev := types.ProgressEvent{
		Progress:     progress,
		CurrentEpoch: epoch,
		Loss:         types.RoundLoss(mean),
		Status:       fmt.Sprintf("Epoch %d in progress...", epoch),
	}
	r.history = append(r.history, ev)
	t.metrics.loss.Set(mean)
	t.metrics.progress.Set(float64(progress))
	t.sink.Publish(ev)
	t.log.Debug().Int("step", r.globalStep).Float64("epoch", r.epochFrac).Float64("loss", ev.Loss).Msg("progress")
}

func (t *Trainer) checkpoint(r *run) error {
	t.transition(StateCheckpointing)
	dir := filepath.Join(r.job.OutputDir, checkpointName(r.globalStep))
	if err := t.saveArtifact(r, dir,
		artifact.File{Name: OptimizerFile, Value: r.opt.State()},
		artifact.File{Name: TrainerStateFile, Value: t.trainerState(r)},
	); err != nil {
		return err
	}
	t.metrics.checkpointsWritten.Inc()
	deleted, err := rotateCheckpoints(r.job.OutputDir, r.id, t.args.SaveTotalLimit, t.log)
	t.metrics.checkpointsDeleted.Add(float64(len(deleted)))
	if err != nil {
		return artifact.ErrSave(dir, err)
	}
	t.log.Info().Str("path", dir).Int("step", r.globalStep).Msg("checkpoint saved")
	t.transition(StateRunning)
	return nil
}

func (t *Trainer) trainerState(r *run) TrainerState {
	return TrainerState{
		RunID:        r.id,
		GlobalStep:   r.globalStep,
		MaxSteps:     r.sched.Total,
		Epoch:        r.epochFrac,
		NumEpochs:    t.args.Epochs,
		LoggingSteps: t.args.LoggingSteps,
		SaveSteps:    t.args.SaveSteps,
		LogHistory:   append([]types.ProgressEvent(nil), r.history...),
	}
}

func (t *Trainer) saveArtifact(r *run, dir string, extras ...artifact.File) error {
	a := artifact.Artifact{
		Config:    artifact.NewConfig(r.job.BaseModel, r.id, t.args.LoRA),
		Weights:   r.adapted.Weights(),
		Tokenizer: r.tok,
	}
	if err := t.write(dir, a, extras...); err != nil {
		if !artifact.IsSave(err) {
			err = artifact.ErrSave(dir, err)
		}
		return err
	}
	return nil
}

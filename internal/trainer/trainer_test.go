package trainer

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"loratune/internal/artifact"
	"loratune/internal/dataset"
	"loratune/internal/lora"
	"loratune/internal/model"
	"loratune/internal/tokenizer"
	"loratune/pkg/types"
)

// fakeLoader builds a tiny random model whose tokenizer covers the test
// corpus. The first failFirst calls fail.
type fakeLoader struct {
	failFirst int
	calls     int
}

func (f *fakeLoader) Load(_ context.Context, ref string, opts model.LoadOptions) (*model.Model, *tokenizer.Tokenizer, error) {
	f.calls++
	if f.calls <= f.failFirst {
		return nil, nil, errors.New("simulated load failure")
	}
	tok := tokenizer.NewChar([]string{dataset.Render("What is 2+2? Name a color.", "4 blue hello")})
	m, err := model.New(model.Config{VocabSize: tok.VocabSize(), NLayer: 1, NEmbd: 8, NHead: 2, BlockSize: 12}, rand.New(rand.NewSource(1)))
	if err != nil {
		return nil, nil, err
	}
	return m, tok, nil
}

func testArgs() Args {
	a := DefaultArgs()
	a.MaxLength = 16
	a.LearningRate = 1e-2
	a.WarmupSteps = 1
	a.LoRA.R = 2
	return a
}

func writeDataset(t *testing.T, rows string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "data.csv")
	require.NoError(t, os.WriteFile(p, []byte("prompt,response\n"+rows), 0o644))
	return p
}

const threeRows = "\"What is 2+2?\",4\nName a color.,blue\nhello,hello\n"

func newTrainer(t *testing.T, opts Options) *Trainer {
	t.Helper()
	if opts.Args.Epochs == 0 {
		opts.Args = testArgs()
	}
	if opts.Loader == nil {
		opts.Loader = &fakeLoader{}
	}
	opts.Logger = zerolog.Nop()
	tr, err := New(opts)
	require.NoError(t, err)
	return tr
}

func TestRun_ProgressAndArtifact(t *testing.T) {
	sink := NewMemorySink()
	tr := newTrainer(t, Options{Sink: sink})
	out := t.TempDir()

	res, err := tr.Run(context.Background(), Job{BaseModel: "acme/tiny", DatasetPath: writeDataset(t, threeRows), OutputDir: out})
	require.NoError(t, err)
	require.Equal(t, StateCompleted, tr.State())
	require.Equal(t, 6, res.GlobalStep)
	require.Equal(t, dataset.Stats{Total: 3, Kept: 3, Dropped: 0}, res.Stats)
	require.Equal(t, filepath.Join(out, FinalModelDir), res.FinalModelPath)

	events := sink.Events()
	require.Len(t, events, 7)
	wantProgress := []int{16, 33, 50, 66, 83, 99, 100}
	wantEpoch := []int{0, 1, 1, 2, 2, 3, 3}
	for i, ev := range events {
		require.Equal(t, wantProgress[i], ev.Progress, "event %d", i)
		require.Equal(t, wantEpoch[i], ev.CurrentEpoch, "event %d", i)
		if i < len(events)-1 {
			require.Equal(t, "Epoch "+strconv.Itoa(wantEpoch[i])+" in progress...", ev.Status)
			require.Equal(t, types.RoundLoss(ev.Loss), ev.Loss)
		}
	}
	last := events[len(events)-1]
	require.Equal(t, events[len(events)-2].Loss, last.Loss)
	require.Contains(t, last.Status, res.FinalModelPath)

	a, err := artifact.Read(res.FinalModelPath)
	require.NoError(t, err)
	require.Equal(t, "acme/tiny", a.Config.BaseModel)
	require.Equal(t, artifact.StateAdapter, a.Config.State)
	require.Equal(t, res.RunID, a.Config.RunID)
	require.Equal(t, a.Tokenizer.EOSID, a.Tokenizer.PadID)

	require.Equal(t, float64(6), testutil.ToFloat64(tr.Metrics().steps))
	require.Equal(t, float64(3), testutil.ToFloat64(tr.Metrics().examples.WithLabelValues("kept")))
	require.Equal(t, float64(1), testutil.ToFloat64(tr.Metrics().state.WithLabelValues(string(StateCompleted))))
}

func TestRun_TrainingChangesAdapter(t *testing.T) {
	tr := newTrainer(t, Options{})
	res, err := tr.Run(context.Background(), Job{BaseModel: "acme/tiny", DatasetPath: writeDataset(t, threeRows), OutputDir: t.TempDir()})
	require.NoError(t, err)
	a, err := artifact.Read(res.FinalModelPath)
	require.NoError(t, err)
	nonZero := false
	for _, mw := range a.Weights {
		for _, row := range mw.B {
			for _, v := range row {
				if v != 0 {
					nonZero = true
				}
			}
		}
	}
	require.True(t, nonZero, "lora_B should move away from zero after training")
}

func TestRun_EmptyDatasetSkipsModelLoad(t *testing.T) {
	loader := &fakeLoader{}
	sink := NewMemorySink()
	tr := newTrainer(t, Options{Loader: loader, Sink: sink})
	out := t.TempDir()
	_, err := tr.Run(context.Background(), Job{BaseModel: "x", DatasetPath: writeDataset(t, ",blank\nq,\n"), OutputDir: out})
	require.True(t, dataset.IsEmptyDataset(err), "got %v", err)
	require.Equal(t, StateFailed, tr.State())
	require.Zero(t, loader.calls)
	require.Empty(t, sink.Events())
	_, statErr := os.Stat(filepath.Join(out, FinalModelDir))
	require.True(t, os.IsNotExist(statErr))
}

func TestRun_CheckpointRetention(t *testing.T) {
	args := testArgs()
	args.SaveSteps = 1
	tr := newTrainer(t, Options{Args: args})
	out := t.TempDir()
	_, err := tr.Run(context.Background(), Job{BaseModel: "x", DatasetPath: writeDataset(t, threeRows), OutputDir: out})
	require.NoError(t, err)

	cps, err := listCheckpoints(out)
	require.NoError(t, err)
	require.Len(t, cps, 1)
	require.Equal(t, "checkpoint-6", filepath.Base(cps[0].path))
	for _, f := range []string{artifact.ConfigFile, artifact.WeightsFile, artifact.TokenizerFile, OptimizerFile, TrainerStateFile} {
		_, err := os.Stat(filepath.Join(cps[0].path, f))
		require.NoError(t, err, f)
	}
	require.Equal(t, float64(6), testutil.ToFloat64(tr.Metrics().checkpointsWritten))
	require.Equal(t, float64(5), testutil.ToFloat64(tr.Metrics().checkpointsDeleted))
}

func TestRun_CheckpointsFromEarlierRunDoNotEvictNewOnes(t *testing.T) {
	out := t.TempDir()
	stale := filepath.Join(out, "checkpoint-100")
	require.NoError(t, os.MkdirAll(stale, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(stale, TrainerStateFile), []byte(`{"run_id":"earlier","global_step":100}`), 0o644))

	args := testArgs()
	args.SaveSteps = 1
	tr := newTrainer(t, Options{Args: args})
	_, err := tr.Run(context.Background(), Job{BaseModel: "x", DatasetPath: writeDataset(t, threeRows), OutputDir: out})
	require.NoError(t, err)

	cps, err := listCheckpoints(out)
	require.NoError(t, err)
	require.Len(t, cps, 1)
	require.Equal(t, "checkpoint-6", filepath.Base(cps[0].path))
	require.Equal(t, tr.RunID(), cps[0].runID)
}

func TestRun_SaveFailure(t *testing.T) {
	sink := NewMemorySink()
	boom := errors.New("disk full")
	tr := newTrainer(t, Options{Sink: sink, Write: func(string, artifact.Artifact, ...artifact.File) error { return boom }})
	res, err := tr.Run(context.Background(), Job{BaseModel: "x", DatasetPath: writeDataset(t, threeRows), OutputDir: t.TempDir()})
	require.True(t, artifact.IsSave(err), "got %v", err)
	require.ErrorIs(t, err, boom)
	require.Equal(t, StateFailed, tr.State())
	require.Empty(t, res.FinalModelPath)
	events := sink.Events()
	last := events[len(events)-1]
	require.Equal(t, 100, last.Progress)
	require.Contains(t, last.Status, "failed to save")
}

func TestRun_LoadFallbackAndFailure(t *testing.T) {
	tr := newTrainer(t, Options{Loader: &fakeLoader{failFirst: 1}})
	res, err := tr.Run(context.Background(), Job{BaseModel: "x", DatasetPath: writeDataset(t, threeRows), OutputDir: t.TempDir()})
	require.NoError(t, err)
	require.Equal(t, "fallback", res.Strategy)

	loader := &fakeLoader{failFirst: 10}
	tr = newTrainer(t, Options{Loader: loader})
	out := t.TempDir()
	_, err = tr.Run(context.Background(), Job{BaseModel: "x", DatasetPath: writeDataset(t, threeRows), OutputDir: out})
	require.True(t, model.IsModelLoad(err), "got %v", err)
	require.Equal(t, 2, loader.calls)
	_, statErr := os.Stat(filepath.Join(out, FinalModelDir))
	require.True(t, os.IsNotExist(statErr))
}

func TestRun_AttachFailure(t *testing.T) {
	args := testArgs()
	args.LoRA.TargetModules = []string{"c_attn"}
	tr := newTrainer(t, Options{Args: args})
	_, err := tr.Run(context.Background(), Job{BaseModel: "x", DatasetPath: writeDataset(t, threeRows), OutputDir: t.TempDir()})
	require.True(t, lora.IsAdapterAttach(err), "got %v", err)
	require.Equal(t, StateFailed, tr.State())
}

type cancelSink struct {
	cancel context.CancelFunc
	n      int
}

func (c *cancelSink) Publish(types.ProgressEvent) {
	c.n++
	c.cancel()
}

func TestRun_CancelBetweenSteps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &cancelSink{cancel: cancel}
	tr := newTrainer(t, Options{Sink: sink})
	_, err := tr.Run(ctx, Job{BaseModel: "x", DatasetPath: writeDataset(t, threeRows), OutputDir: t.TempDir()})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, StateFailed, tr.State())
	require.Equal(t, 1, sink.n)
}

func TestNew_RejectsBadArgs(t *testing.T) {
	args := testArgs()
	args.BatchSize = 0
	_, err := New(Options{Args: args, Loader: &fakeLoader{}})
	require.Error(t, err)
	args = testArgs()
	args.Precision = "int4"
	_, err = New(Options{Args: args, Loader: &fakeLoader{}})
	require.Error(t, err)
}

func TestIllegalTransitionPanics(t *testing.T) {
	tr := newTrainer(t, Options{})
	defer func() {
		r := recover()
		require.NotNil(t, r)
		require.True(t, strings.Contains(r.(string), "illegal transition"))
	}()
	tr.transition(StateCompleted)
}

func TestRun_OnTransitionSeesEveryState(t *testing.T) {
	args := testArgs()
	args.Epochs = 1
	args.SaveSteps = 2
	var seen []State
	tr := newTrainer(t, Options{Args: args, OnTransition: func(from, to State) {
		if len(seen) == 0 {
			require.Equal(t, StateInitializing, from)
		} else {
			require.Equal(t, seen[len(seen)-1], from)
		}
		seen = append(seen, to)
	}})
	require.NotEmpty(t, tr.RunID())
	res, err := tr.Run(context.Background(), Job{BaseModel: "x", DatasetPath: writeDataset(t, threeRows), OutputDir: t.TempDir()})
	require.NoError(t, err)
	require.Equal(t, tr.RunID(), res.RunID)
	require.Equal(t, []State{StateRunning, StateCheckpointing, StateRunning, StateFinalizing, StateCompleted}, seen)
}

// Package inference reconstructs a runnable model from an adapter artifact
// and generates text from it.
package inference

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"loratune/internal/artifact"
	"loratune/internal/dataset"
	"loratune/internal/lora"
	"loratune/internal/model"
	"loratune/internal/tokenizer"
)

// Params capture generation and placement settings.
type Params struct {
	// MaxLength bounds prompt plus generated tokens.
	MaxLength   int
	TopK        int
	TopP        float64
	Temperature float64
	// Seed > 0 makes sampling reproducible.
	Seed int64
	// ChatTemplate wraps the prompt in the training template.
	ChatTemplate bool
	Device       string
	Precision    string
}

func DefaultParams() Params {
	return Params{MaxLength: 100, TopK: 50, TopP: 0.95, Temperature: 1.0, Device: model.DeviceAuto, Precision: string(model.Float32)}
}

// Runner loads artifacts through Loader. A single load strategy is used;
// there is no fallback tier at inference time.
type Runner struct {
	Loader model.Loader
	Log    zerolog.Logger
}

// Session is a loaded, merged model ready to generate.
type Session struct {
	Artifact artifact.Config
	model    *model.Model
	tok      *tokenizer.Tokenizer
	params   Params
	rng      *rand.Rand
}

// Result summarizes one generation.
type Result struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
	FinishReason     string
}

// Words splits the text on whitespace.
func (r Result) Words() []string { return strings.Fields(r.Text) }

func (r Runner) Load(ctx context.Context, dir string, p Params) (*Session, error) {
	a, err := artifact.Read(dir)
	if err != nil {
		return nil, err
	}
	m, err := r.materialize(ctx, a, p)
	if err != nil {
		return nil, err
	}
	tok := a.Tokenizer
	if err := tok.EnsurePadToken(); err != nil {
		return nil, ErrInference("tokenizer", err)
	}
	if tok.VocabSize() != m.Config().VocabSize {
		return nil, ErrInference("tokenizer", fmt.Errorf("artifact tokenizer has %d tokens, model expects %d", tok.VocabSize(), m.Config().VocabSize))
	}
	seed := p.Seed
	if seed <= 0 {
		seed = time.Now().UnixNano()
	}
	r.Log.Debug().Str("artifact", a.Dir).Str("state", string(a.Config.State)).Str("base", a.Config.BaseModel).Msg("inference session ready")
	return &Session{Artifact: a.Config, model: m, tok: tok, params: p, rng: rand.New(rand.NewSource(seed))}, nil
}

// materialize produces dense weights: an adapter is attached to its base,
// loaded, merged and unloaded; a merged artifact is already dense.
func (r Runner) materialize(ctx context.Context, a artifact.Artifact, p Params) (*model.Model, error) {
	prec, err := model.ParsePrecision(p.Precision)
	if err != nil {
		return nil, ErrInference("load base model", err)
	}
	opts := model.LoadOptions{Device: p.Device, Precision: prec}
	if a.Config.State == artifact.StateMerged {
		m, _, err := model.LoadDir(a.Dir)
		if err == nil {
			err = m.To(opts.Device)
		}
		if err != nil {
			return nil, ErrInference("load merged model", model.ErrModelLoad(a.Dir, nil, err))
		}
		m.Cast(prec)
		return m, nil
	}
	if r.Loader == nil {
		return nil, ErrInference("load base model", errors.New("no model loader configured"))
	}
	tiers := []model.Strategy{{Name: "inference", Options: opts}}
	m, _, _, err := model.LoadWithStrategies(ctx, r.Loader, a.Config.BaseModel, tiers, r.Log)
	if err != nil {
		return nil, ErrInference("load base model", err)
	}
	// LoadWeights overwrites the random init, so the seed does not matter.
	adapted, err := lora.Attach(m, a.Config.Config, rand.New(rand.NewSource(1)))
	if err != nil {
		return nil, ErrInference("attach adapter", err)
	}
	if err := adapted.LoadWeights(a.Weights); err != nil {
		return nil, ErrInference("attach adapter", artifact.ErrCorrupt(a.Dir, "adapter weights do not fit the base model", err))
	}
	merged, err := adapted.MergeAndUnload()
	if err != nil {
		return nil, ErrInference("merge adapter", err)
	}
	// round the folded weights so adapter and merged loads agree
	merged.Cast(prec)
	return merged, nil
}

// Generate samples a continuation and decodes the whole sequence, prompt
// included, with special tokens removed. A decode with no words is an error.
func (s *Session) Generate(ctx context.Context, prompt string) (Result, error) {
	text := prompt
	if s.params.ChatTemplate {
		text = dataset.FormatPrompt(prompt)
	}
	ids := s.tok.Encode(text)
	if len(ids) == 0 {
		return Result{}, ErrInference("encode prompt", tokenizer.ErrTokenization("prompt encodes to no tokens", nil))
	}
	seq, err := model.Generate(ctx, s.model, ids, model.GenerateOptions{
		MaxLength:   s.params.MaxLength,
		Temperature: s.params.Temperature,
		TopK:        s.params.TopK,
		TopP:        s.params.TopP,
		StopID:      s.tok.EOSID,
	}, s.rng)
	if err != nil {
		return Result{}, ErrInference("generate", err)
	}
	prompted := min(len(ids), len(seq))
	res := Result{
		Text:             s.tok.Decode(seq, true),
		PromptTokens:     prompted,
		CompletionTokens: len(seq) - prompted,
		FinishReason:     "length",
	}
	if len(seq) > 0 && seq[len(seq)-1] == s.tok.EOSID {
		res.FinishReason = "stop"
	}
	if len(res.Words()) == 0 {
		return Result{}, ErrInference("generate", fmt.Errorf("output decodes to no words (%d tokens, finish %s)", len(seq), res.FinishReason))
	}
	return res, nil
}

// WriteWords emits words separated by single spaces, flushing after every
// write, and ends with exactly one newline.
func WriteWords(w io.Writer, words []string, flush func()) error {
	if flush == nil {
		flush = func() {}
	}
	for i, word := range words {
		if i > 0 {
			word = " " + word
		}
		if _, err := io.WriteString(w, word); err != nil {
			return err
		}
		flush()
	}
	if _, err := io.WriteString(w, "\n"); err != nil {
		return err
	}
	flush()
	return nil
}

// Run loads the artifact, generates from prompt and writes the words to w.
// Nothing is written unless generation succeeds.
func (r Runner) Run(ctx context.Context, dir, prompt string, p Params, w io.Writer, flush func()) (Result, error) {
	sess, err := r.Load(ctx, dir, p)
	if err != nil {
		return Result{}, err
	}
	res, err := sess.Generate(ctx, prompt)
	if err != nil {
		return Result{}, err
	}
	r.Log.Info().Int("prompt_tokens", res.PromptTokens).Int("completion_tokens", res.CompletionTokens).Str("finish_reason", res.FinishReason).Msg("generation complete")
	return res, WriteWords(w, res.Words(), flush)
}

// Merge folds an adapter artifact into its base and saves the result as a
// base-model directory carrying merge_info.json.
func (r Runner) Merge(ctx context.Context, dir, out string, p Params) (string, error) {
	a, err := artifact.Read(dir)
	if err != nil {
		return "", err
	}
	if a.Config.State != artifact.StateAdapter {
		return "", ErrInference("merge adapter", fmt.Errorf("artifact_state is %q; only adapters can be merged", a.Config.State))
	}
	m, err := r.materialize(ctx, a, p)
	if err != nil {
		return "", err
	}
	info := artifact.MergeInfo(a.Config, a.Dir)
	if err := model.SaveDir(out, m, a.Tokenizer, map[string]any{artifact.MergeInfoFile: info}); err != nil {
		return "", artifact.ErrSave(out, err)
	}
	r.Log.Info().Str("source", a.Dir).Str("out", out).Msg("adapter merged")
	return out, nil
}

// Package dataset reads prompt/response tables and turns them into
// fixed-length training examples.
package dataset

import (
	"encoding/csv"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"loratune/internal/tokenizer"
)

// Chat template markers.
const (
	UserMarker      = "<|user|>"
	AssistantMarker = "<|assistant|>"
)

// Example is one kept row.
type Example struct {
	Prompt   string
	Response string
}

// Text renders the training text for the example.
func (e Example) Text() string { return Render(e.Prompt, e.Response) }

// Render applies the chat template.
func Render(prompt, response string) string {
	return FormatPrompt(prompt) + response
}

// FormatPrompt renders the template up to where the response begins.
func FormatPrompt(prompt string) string {
	return UserMarker + "\n" + prompt + "\n" + AssistantMarker + "\n"
}

// Stats counts rows read and dropped while cleaning.
type Stats struct {
	Total   int `json:"total"`
	Kept    int `json:"kept"`
	Dropped int `json:"dropped"`
}

// Options control parsing. A zero Delimiter picks tab for .tsv and comma
// otherwise.
type Options struct {
	Delimiter rune
}

// Load parses path and drops rows with an empty or missing prompt or
// response. It returns ErrEmptyDataset when nothing is left.
func Load(path string, opts Options, log zerolog.Logger) ([]Example, Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Stats{}, ErrDatasetFormat(path, "open", err)
	}
	defer f.Close()

	delim := opts.Delimiter
	if delim == 0 {
		delim = ','
		if strings.EqualFold(filepath.Ext(path), ".tsv") {
			delim = '\t'
		}
	}
	examples, stats, err := parse(f, delim, path)
	if err != nil {
		return nil, stats, err
	}
	log.Info().Str("path", path).Int("total", stats.Total).Int("kept", stats.Kept).Int("dropped", stats.Dropped).Msg("dataset loaded")
	if len(examples) == 0 {
		return nil, stats, ErrEmptyDataset(path, stats)
	}
	return examples, stats, nil
}

func parse(r io.Reader, delim rune, path string) ([]Example, Stats, error) {
	cr := csv.NewReader(r)
	cr.Comma = delim
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = false

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, Stats{}, ErrDatasetFormat(path, "missing header row", nil)
	}
	if err != nil {
		return nil, Stats{}, ErrDatasetFormat(path, "read header", err)
	}
	pi, ri := -1, -1
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		switch {
		case name == "prompt" && pi < 0:
			pi = i
		case name == "response" && ri < 0:
			ri = i
		}
	}
	if pi < 0 || ri < 0 {
		return nil, Stats{}, ErrDatasetFormat(path, `header must contain "prompt" and "response" columns`, nil)
	}

	var (
		out   []Example
		stats Stats
	)
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, stats, ErrDatasetFormat(path, "read row", err)
		}
		stats.Total++
		p, resp := cell(rec, pi), cell(rec, ri)
		if strings.TrimSpace(p) == "" || strings.TrimSpace(resp) == "" {
			stats.Dropped++
			continue
		}
		out = append(out, Example{Prompt: p, Response: resp})
	}
	stats.Kept = len(out)
	return out, stats, nil
}

func cell(rec []string, i int) string {
	if i < len(rec) {
		return rec[i]
	}
	return ""
}

// Tokenize renders and encodes each example to maxLen ids with eos appended
// before truncation. The tokenizer must have a pad token.
func Tokenize(examples []Example, tok *tokenizer.Tokenizer, maxLen int) ([]tokenizer.Encoding, error) {
	out := make([]tokenizer.Encoding, 0, len(examples))
	for _, ex := range examples {
		enc, err := tok.EncodeFixed(ex.Text(), maxLen, true)
		if err != nil {
			return nil, err
		}
		out = append(out, enc)
	}
	return out, nil
}

// Corpus returns the rendered text of every example.
func Corpus(examples []Example) []string {
	out := make([]string, len(examples))
	for i, ex := range examples {
		out[i] = ex.Text()
	}
	return out
}

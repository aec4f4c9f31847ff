// Package tokenizer maps text to token ids for the in-process base model.
//
// Two vocabularies are supported: "char" (one id per rune seen in a corpus)
// and "bpe" (the subset of a tiktoken encoding that a corpus uses, remapped
// to dense local ids). Special tokens are appended after the base vocabulary
// in the fixed order unk, eos, pad; a pad token equal to the eos token shares
// its id.
package tokenizer

import (
	"fmt"
	"sort"
	"strings"

	tiktoken "github.com/pkoukk/tiktoken-go"

	"loratune/internal/common/fsutil"
)

const (
	ModeChar = "char"
	ModeBPE  = "bpe"

	DefaultUnkToken = "<unk>"
	DefaultEOSToken = "<eos>"
	DefaultPadToken = "<pad>"

	DefaultBPEEncoding = "cl100k_base"

	stateVersion = 1
)

// State is the persisted form of a tokenizer (tokenizer.json).
type State struct {
	Version     int      `json:"version"`
	Mode        string   `json:"mode"`
	Vocab       []string `json:"vocab,omitempty"`
	BPEEncoding string   `json:"bpe_encoding,omitempty"`
	BPETokenIDs []int    `json:"bpe_token_ids,omitempty"`
	UnkToken    string   `json:"unk_token,omitempty"`
	EOSToken    string   `json:"eos_token,omitempty"`
	PadToken    string   `json:"pad_token,omitempty"`
}

// Tokenizer is immutable after construction except for EnsurePadToken.
type Tokenizer struct {
	state State

	charToID map[rune]int
	idToChar []rune

	bpe        *tiktoken.Tiktoken
	bpeToLocal map[int]int
	localToBPE []int

	base    int
	special map[int]string

	UnkID int
	EOSID int
	PadID int
}

// NewChar builds a char-level tokenizer over the runes of corpus.
// It has unk and eos tokens and no pad token.
func NewChar(corpus []string) *Tokenizer {
	seen := map[rune]bool{}
	for _, doc := range corpus {
		for _, r := range doc {
			seen[r] = true
		}
	}
	runes := make([]rune, 0, len(seen))
	for r := range seen {
		runes = append(runes, r)
	}
	sort.Slice(runes, func(i, j int) bool { return runes[i] < runes[j] })
	vocab := make([]string, len(runes))
	for i, r := range runes {
		vocab[i] = string(r)
	}
	t, err := FromState(State{
		Version:  stateVersion,
		Mode:     ModeChar,
		Vocab:    vocab,
		UnkToken: DefaultUnkToken,
		EOSToken: DefaultEOSToken,
	})
	if err != nil {
		// vocab is built from single runes, so FromState cannot reject it
		panic(err)
	}
	return t
}

// NewBPE builds a tokenizer over the tiktoken ids that corpus uses.
func NewBPE(encoding string, corpus []string) (*Tokenizer, error) {
	if strings.TrimSpace(encoding) == "" {
		encoding = DefaultBPEEncoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, ErrTokenization("load bpe encoding "+encoding, err)
	}
	seen := map[int]bool{}
	for _, doc := range corpus {
		for _, id := range enc.EncodeOrdinary(doc) {
			seen[id] = true
		}
	}
	ids := make([]int, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return FromState(State{
		Version:     stateVersion,
		Mode:        ModeBPE,
		BPEEncoding: encoding,
		BPETokenIDs: ids,
		UnkToken:    DefaultUnkToken,
		EOSToken:    DefaultEOSToken,
	})
}

// FromState reconstructs a tokenizer from its persisted state.
func FromState(s State) (*Tokenizer, error) {
	t := &Tokenizer{state: s, special: map[int]string{}, UnkID: -1, EOSID: -1, PadID: -1}
	switch s.Mode {
	case ModeChar:
		if len(s.Vocab) == 0 {
			return nil, ErrTokenization("char vocab is empty", nil)
		}
		t.charToID = make(map[rune]int, len(s.Vocab))
		t.idToChar = make([]rune, len(s.Vocab))
		for i, tok := range s.Vocab {
			r := []rune(tok)
			if len(r) != 1 {
				return nil, ErrTokenization(fmt.Sprintf("invalid vocab token %q: expected one rune", tok), nil)
			}
			t.charToID[r[0]] = i
			t.idToChar[i] = r[0]
		}
		t.base = len(s.Vocab)
	case ModeBPE:
		encName := strings.TrimSpace(s.BPEEncoding)
		if encName == "" {
			encName = DefaultBPEEncoding
		}
		enc, err := tiktoken.GetEncoding(encName)
		if err != nil {
			return nil, ErrTokenization("load bpe encoding "+encName, err)
		}
		t.bpe = enc
		t.state.BPEEncoding = encName
		t.localToBPE = append([]int(nil), s.BPETokenIDs...)
		t.bpeToLocal = make(map[int]int, len(t.localToBPE))
		for i, id := range t.localToBPE {
			t.bpeToLocal[id] = i
		}
		t.base = len(t.localToBPE)
	default:
		return nil, ErrTokenization(fmt.Sprintf("unsupported tokenizer mode %q", s.Mode), nil)
	}

	next := t.base
	if s.UnkToken != "" {
		t.UnkID = next
		t.special[next] = s.UnkToken
		next++
	}
	if s.EOSToken != "" {
		t.EOSID = next
		t.special[next] = s.EOSToken
		next++
	}
	switch {
	case s.PadToken == "":
	case s.PadToken == s.EOSToken:
		t.PadID = t.EOSID
	case s.PadToken == s.UnkToken:
		t.PadID = t.UnkID
	default:
		t.PadID = next
		t.special[next] = s.PadToken
	}
	return t, nil
}

// Load reads tokenizer.json.
func Load(path string) (*Tokenizer, error) {
	var s State
	if err := fsutil.ReadJSON(path, &s); err != nil {
		return nil, ErrTokenization("read "+path, err)
	}
	return FromState(s)
}

// Save writes tokenizer.json atomically.
func (t *Tokenizer) Save(path string) error {
	return fsutil.WriteJSON(path, t.State())
}

// State returns a copy of the persisted form, including a pad token set by
// EnsurePadToken.
func (t *Tokenizer) State() State {
	s := t.state
	s.Version = stateVersion
	s.Vocab = append([]string(nil), t.state.Vocab...)
	s.BPETokenIDs = append([]int(nil), t.state.BPETokenIDs...)
	return s
}

func (t *Tokenizer) Mode() string { return t.state.Mode }

// VocabSize is the base vocabulary plus distinct special tokens.
func (t *Tokenizer) VocabSize() int { return t.base + len(t.special) }

func (t *Tokenizer) HasPad() bool { return t.PadID >= 0 }

func (t *Tokenizer) IsSpecial(id int) bool {
	_, ok := t.special[id]
	return ok
}

// EnsurePadToken applies the pad fallback: a tokenizer without a pad token
// reuses its eos token. It fails when neither exists.
func (t *Tokenizer) EnsurePadToken() error {
	if t.PadID >= 0 {
		return nil
	}
	if t.EOSID < 0 {
		return ErrTokenization("tokenizer has neither a pad token nor an eos token to fall back to", nil)
	}
	t.PadID = t.EOSID
	t.state.PadToken = t.state.EOSToken
	return nil
}

// Encode maps text to ids. Unknown symbols map to unk, or are dropped when
// the tokenizer has no unk token.
func (t *Tokenizer) Encode(text string) []int {
	if t.state.Mode == ModeBPE {
		raw := t.bpe.EncodeOrdinary(text)
		out := make([]int, 0, len(raw))
		for _, id := range raw {
			if local, ok := t.bpeToLocal[id]; ok {
				out = append(out, local)
			} else if t.UnkID >= 0 {
				out = append(out, t.UnkID)
			}
		}
		return out
	}
	out := make([]int, 0, len(text))
	for _, r := range text {
		if id, ok := t.charToID[r]; ok {
			out = append(out, id)
		} else if t.UnkID >= 0 {
			out = append(out, t.UnkID)
		}
	}
	return out
}

// Decode maps ids back to text. Special tokens are dropped when
// skipSpecial is set; ids outside the vocabulary are always dropped.
func (t *Tokenizer) Decode(ids []int, skipSpecial bool) string {
	var b strings.Builder
	var pending []int
	flush := func() {
		if len(pending) > 0 {
			b.WriteString(t.bpe.Decode(pending))
			pending = pending[:0]
		}
	}
	for _, id := range ids {
		if tok, ok := t.special[id]; ok {
			flush()
			if !skipSpecial {
				b.WriteString(tok)
			}
			continue
		}
		if id < 0 || id >= t.base {
			continue
		}
		if t.state.Mode == ModeBPE {
			pending = append(pending, t.localToBPE[id])
			continue
		}
		b.WriteRune(t.idToChar[id])
	}
	flush()
	return b.String()
}

// Encoding is a fixed-length window with its attention mask.
type Encoding struct {
	InputIDs      []int
	AttentionMask []int
}

// Len is the number of attended positions.
func (e Encoding) Len() int {
	n := 0
	for _, m := range e.AttentionMask {
		n += m
	}
	return n
}

// EncodeFixed encodes text, optionally appends eos, truncates to maxLen and
// right-pads with the pad id. A pad token must already be set.
func (t *Tokenizer) EncodeFixed(text string, maxLen int, addEOS bool) (Encoding, error) {
	if maxLen <= 0 {
		return Encoding{}, ErrTokenization(fmt.Sprintf("max length must be positive, got %d", maxLen), nil)
	}
	if t.PadID < 0 {
		return Encoding{}, ErrTokenization("padding requires a pad token; set one before tokenizing", nil)
	}
	ids := t.Encode(text)
	if addEOS && t.EOSID >= 0 {
		ids = append(ids, t.EOSID)
	}
	if len(ids) > maxLen {
		ids = ids[:maxLen]
	}
	enc := Encoding{InputIDs: make([]int, maxLen), AttentionMask: make([]int, maxLen)}
	for i := range enc.InputIDs {
		if i < len(ids) {
			enc.InputIDs[i] = ids[i]
			enc.AttentionMask[i] = 1
			continue
		}
		enc.InputIDs[i] = t.PadID
	}
	return enc, nil
}

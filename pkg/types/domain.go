package types

// BaseModel is a base-model directory discovered in the model cache.
type BaseModel struct {
	// Reference accepted by `loratune train`.
	// example: acme/tiny-gpt
	ID string `json:"id"`
	// Absolute directory path.
	// example: /home/user/.cache/loratune/models/acme--tiny-gpt
	Path string `json:"path"`
	// Architecture recorded in config.json.
	// example: tiny-gpt
	Architecture string `json:"architecture,omitempty"`
	// Vocabulary size recorded in config.json.
	VocabSize int `json:"vocab_size,omitempty"`
	// True when the directory was produced by merging an adapter.
	Merged bool `json:"merged,omitempty"`
}

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.yaml", "cache_dir: /models\ntrain:\n  epochs: 5\n  batch_size: 4\nlora:\n  r: 4\n  target_modules: [attn_wq]\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.CacheDir != "/models" || cfg.Train.Epochs != 5 || cfg.Train.BatchSize != 4 || cfg.LoRA.R != 4 || len(cfg.LoRA.TargetModules) != 1 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	// untouched keys keep their defaults
	if cfg.Train.MaxLength != 512 || cfg.LoRA.Alpha != 16 || cfg.Infer.TopK != 50 {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestLoadJSON(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.json", `{"train":{"learning_rate":0.001,"save_total_limit":3},"infer":{"top_p":0.9,"seed":7}}`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Train.LearningRate != 0.001 || cfg.Train.SaveTotalLimit != 3 || cfg.Infer.TopP != 0.9 || cfg.Infer.Seed != 7 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadTOML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.toml", "metrics_file=\"/tmp/m.prom\"\n[log]\nlevel=\"debug\"\nformat=\"json\"\n[infer]\nchat_template=true\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MetricsFile != "/tmp/m.prom" || cfg.Log.Level != "debug" || cfg.Log.Format != "json" || !cfg.Infer.ChatTemplate {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error on empty path")
	}
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.txt", "not supported")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected unsupported extension error")
	}
	if _, err := Load("/definitely/not/a/real/file-12345.yaml"); err == nil {
		t.Fatalf("expected error for nonexistent file")
	}
	bad := map[string]string{
		"bad.yaml": "train: [\n",
		"bad.json": `{ "train": }`,
		"bad.toml": "train=\nx\n",
	}
	for name, body := range bad {
		if _, err := Load(writeTempFile(t, d, name, body)); err == nil {
			t.Fatalf("%s: expected unmarshal error", name)
		}
	}
}

func TestApplyEnvOverlay(t *testing.T) {
	t.Setenv("LORATUNE_TRAIN_EPOCHS", "9")
	t.Setenv("LORATUNE_LORA_TARGET_MODULES", "attn_wq,mlp_fc1")
	t.Setenv("LORATUNE_INFER_TEMPERATURE", "0.5")
	t.Setenv("LORATUNE_CACHE_DIR", "/env/cache")
	cfg := Default()
	if err := ApplyEnv(&cfg); err != nil {
		t.Fatalf("env: %v", err)
	}
	if cfg.Train.Epochs != 9 || cfg.Infer.Temperature != 0.5 || cfg.CacheDir != "/env/cache" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if len(cfg.LoRA.TargetModules) != 2 || cfg.LoRA.TargetModules[1] != "mlp_fc1" {
		t.Fatalf("target modules: %v", cfg.LoRA.TargetModules)
	}
	if cfg.Train.BatchSize != 2 {
		t.Fatalf("unset variables must keep defaults")
	}
}

func TestResolve_FileThenEnv(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.yaml", "train:\n  epochs: 5\n  seed: 1\n")
	t.Setenv("LORATUNE_TRAIN_EPOCHS", "7")
	cfg, err := Resolve(p)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.Train.Epochs != 7 || cfg.Train.Seed != 1 {
		t.Fatalf("layering wrong: %+v", cfg.Train)
	}
}

func TestResolve_Errors(t *testing.T) {
	if _, err := Resolve("/nope/cfg.yaml"); !IsConfig(err) {
		t.Fatalf("expected config error, got %v", err)
	}
	t.Setenv("LORATUNE_TRAIN_EPOCHS", "three")
	if _, err := Resolve(""); !IsConfig(err) {
		t.Fatalf("expected config error for bad env, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default invalid: %v", err)
	}
	muts := []func(*Config){
		func(c *Config) { c.Log.Format = "xml" },
		func(c *Config) { c.Log.Level = "loud" },
		func(c *Config) { c.Train.Delimiter = ";;" },
		func(c *Config) { c.Infer.TopP = 1.5 },
		func(c *Config) { c.Infer.Temperature = 0 },
		func(c *Config) { c.Infer.MaxLength = 0 },
	}
	for i, f := range muts {
		c := Default()
		f(&c)
		if err := c.Validate(); !IsConfig(err) {
			t.Fatalf("case %d: expected config error, got %v", i, err)
		}
	}
}

func TestDelimiterRune(t *testing.T) {
	c := Default()
	if c.DelimiterRune() != 0 {
		t.Fatalf("default delimiter")
	}
	c.Train.Delimiter = `\t`
	if c.DelimiterRune() != '\t' {
		t.Fatalf("tab escape")
	}
	c.Train.Delimiter = ";"
	if c.DelimiterRune() != ';' {
		t.Fatalf("semicolon")
	}
}

func TestLoadEnvFile(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, ".env", "LORATUNE_TRAIN_BATCH_SIZE=8\n")
	t.Setenv("LORATUNE_TRAIN_BATCH_SIZE", "")
	os.Unsetenv("LORATUNE_TRAIN_BATCH_SIZE")
	if err := LoadEnvFile(p); err != nil {
		t.Fatalf("env file: %v", err)
	}
	cfg := Default()
	if err := ApplyEnv(&cfg); err != nil {
		t.Fatalf("env: %v", err)
	}
	if cfg.Train.BatchSize != 8 {
		t.Fatalf("batch size: %d", cfg.Train.BatchSize)
	}
	if err := LoadEnvFile(filepath.Join(d, "missing.env")); err == nil {
		t.Fatalf("expected missing env file error")
	}
}

func TestStatusFromEnv(t *testing.T) {
	t.Setenv("LORATUNE_STATUS_ADDR", "127.0.0.1:9101")
	t.Setenv("LORATUNE_STATUS_CORS_ORIGINS", "http://a.local,http://b.local")
	cfg, err := Resolve("")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.Status.Addr != "127.0.0.1:9101" || len(cfg.Status.CORSOrigins) != 2 || cfg.Status.CORSOrigins[1] != "http://b.local" {
		t.Fatalf("unexpected status cfg: %+v", cfg.Status)
	}
}

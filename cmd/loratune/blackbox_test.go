package main_test

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"loratune/pkg/types"
)

func projectRootFromThisFile(t *testing.T) string {
	t.Helper()
	_, thisFile, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("runtime.Caller failed")
	}
	// this file: <root>/cmd/loratune/blackbox_test.go
	return filepath.Dir(filepath.Dir(filepath.Dir(thisFile)))
}

func buildBinary(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("builds the binary")
	}
	binPath := filepath.Join(t.TempDir(), "loratune")
	cmd := exec.Command("go", "build", "-o", binPath, "./cmd/loratune")
	cmd.Dir = projectRootFromThisFile(t)
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0")
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("go build failed: %v\n%s", err, string(out))
	}
	return binPath
}

type result struct {
	code   int
	stdout string
	stderr string
}

// runBin runs the binary with a private cache dir and returns exit code and streams.
func runBin(t *testing.T, bin, cache string, args ...string) result {
	t.Helper()
	cmd := exec.Command(bin, args...)
	cmd.Env = append(os.Environ(), "LORATUNE_CACHE_DIR="+cache, "LORATUNE_LOG_LEVEL=info")
	var out, errb bytes.Buffer
	cmd.Stdout, cmd.Stderr = &out, &errb
	err := cmd.Run()
	code := 0
	if ee, ok := err.(*exec.ExitError); ok {
		code = ee.ExitCode()
	} else if err != nil {
		t.Fatalf("run %v: %v", args, err)
	}
	return result{code: code, stdout: out.String(), stderr: errb.String()}
}

func writeFile(t *testing.T, path, body string) string {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestBlackbox_TrainThenInfer(t *testing.T) {
	bin := buildBinary(t)
	dir := t.TempDir()
	cache := filepath.Join(dir, "cache")
	data := writeFile(t, filepath.Join(dir, "chat.csv"), "prompt,response\n\"What is 2+2?\",4\n,blank\nSay hi,hi there\n")

	r := runBin(t, bin, cache, "base", "init", filepath.Join(cache, "acme--tiny"), "--corpus", data, "--n-embd", "8", "--n-head", "2", "--block-size", "32")
	if r.code != 0 {
		t.Fatalf("base init exit=%d stderr=%s", r.code, r.stderr)
	}

	runDir := filepath.Join(dir, "run")
	r = runBin(t, bin, cache, "train", "acme/tiny", data, runDir, "--epochs", "2", "--max-length", "16", "--lora-r", "2")
	if r.code != 0 {
		t.Fatalf("train exit=%d stderr=%s", r.code, r.stderr)
	}
	if !strings.Contains(r.stderr, "dataset loaded") {
		t.Fatalf("expected diagnostics on stderr, got %q", r.stderr)
	}

	// every stdout line is a progress event except the final path marker
	var events []types.ProgressEvent
	var final string
	sc := bufio.NewScanner(strings.NewReader(r.stdout))
	for sc.Scan() {
		line := sc.Text()
		if p, ok := types.ParseFinalModelPath(line); ok {
			final = p
			continue
		}
		if final != "" {
			t.Fatalf("output after FINAL_MODEL_PATH: %q", line)
		}
		var ev types.ProgressEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.Fatalf("stdout line %q is not a progress event: %v", line, err)
		}
		events = append(events, ev)
	}
	if final != filepath.Join(runDir, "final_model") {
		t.Fatalf("final path=%q", final)
	}
	if len(events) < 2 {
		t.Fatalf("expected progress events, got %d", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].Progress < events[i-1].Progress {
			t.Fatalf("progress decreased at %d: %+v", i, events)
		}
	}
	if last := events[len(events)-1]; last.Progress != 100 {
		t.Fatalf("terminal progress=%d", last.Progress)
	}

	r = runBin(t, bin, cache, "infer", final, "Say", "--seed", "11", "--max-length", "24")
	if r.code != 0 {
		t.Fatalf("infer exit=%d stderr=%s", r.code, r.stderr)
	}
	if !strings.HasSuffix(r.stdout, "\n") || strings.HasSuffix(r.stdout, "\n\n") {
		t.Fatalf("want exactly one trailing newline: %q", r.stdout)
	}
	body := strings.TrimSuffix(r.stdout, "\n")
	if body == "" || strings.Join(strings.Fields(body), " ") != body {
		t.Fatalf("words not single-space joined: %q", body)
	}
}

func TestBlackbox_InferMissingBaseReference(t *testing.T) {
	bin := buildBinary(t)
	dir := t.TempDir()
	art := filepath.Join(dir, "final_model")
	if err := os.MkdirAll(art, 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(art, "adapter_model.json"), `{"format_version":1,"modules":{}}`)
	writeFile(t, filepath.Join(art, "tokenizer.json"), `{"version":1,"mode":"char","vocab":["a"]}`)

	r := runBin(t, bin, filepath.Join(dir, "cache"), "infer", art, "hello")
	if r.code != 1 {
		t.Fatalf("exit=%d", r.code)
	}
	if r.stdout != "" {
		t.Fatalf("stdout must stay empty on failure, got %q", r.stdout)
	}
	if !strings.Contains(r.stderr, "corrupt") {
		t.Fatalf("stderr=%q", r.stderr)
	}
}

func TestBlackbox_EmptyDatasetFails(t *testing.T) {
	bin := buildBinary(t)
	dir := t.TempDir()
	data := writeFile(t, filepath.Join(dir, "empty.csv"), "prompt,response\n,a\nb,\n")
	r := runBin(t, bin, filepath.Join(dir, "cache"), "train", "acme/tiny", data, filepath.Join(dir, "run"))
	if r.code != 1 {
		t.Fatalf("exit=%d", r.code)
	}
	if strings.Contains(r.stdout, types.FinalModelPathPrefix) {
		t.Fatalf("unexpected final path line: %q", r.stdout)
	}
}

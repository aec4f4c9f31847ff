package trainer

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"loratune/internal/common/fsutil"
	"loratune/pkg/types"
)

func TestJSONLinesSink(t *testing.T) {
	var buf bytes.Buffer
	s := NewJSONLinesSink(&buf)
	s.Publish(types.ProgressEvent{Progress: 33, CurrentEpoch: 1, Loss: 2.5, Status: "Epoch 1 in progress..."})
	s.Publish(types.ProgressEvent{Progress: 100, CurrentEpoch: 3, Loss: 1, Status: "done"})
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines: %q", buf.String())
	}
	if lines[0] != `{"progress":33,"currentEpoch":1,"loss":2.5,"status":"Epoch 1 in progress..."}` {
		t.Fatalf("line 0: %s", lines[0])
	}
}

func TestJSONLinesSinkKeepsNonFiniteLoss(t *testing.T) {
	var buf bytes.Buffer
	NewJSONLinesSink(&buf).Publish(types.ProgressEvent{Progress: 100, CurrentEpoch: 3, Loss: math.NaN(), Status: "done"})
	if buf.String() != `{"progress":100,"currentEpoch":3,"loss":null,"status":"done"}`+"\n" {
		t.Fatalf("got %q", buf.String())
	}
}

func TestMultiSinkFansOut(t *testing.T) {
	a, b := NewMemorySink(), NewMemorySink()
	MultiSink{a, nil, b}.Publish(types.ProgressEvent{Progress: 1})
	if len(a.Events()) != 1 || len(b.Events()) != 1 {
		t.Fatalf("fan out failed")
	}
}

func TestBarSinkDoesNotPanic(t *testing.T) {
	var buf bytes.Buffer
	s := NewBarSink(&buf)
	s.Publish(types.ProgressEvent{Progress: 50, Status: "Epoch 1 in progress..."})
	s.Publish(types.ProgressEvent{Progress: 100, Status: "done"})
}

func TestRotateCheckpoints(t *testing.T) {
	root := t.TempDir()
	owner := map[string]string{
		"checkpoint-10": "run-a",
		"checkpoint-2":  "run-a",
		"checkpoint-30": "run-a",
		"checkpoint-x":  "run-a",
		"final_model":   "",
	}
	for name, runID := range owner {
		dir := filepath.Join(root, name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if runID == "" {
			continue
		}
		if err := fsutil.WriteJSON(filepath.Join(dir, TrainerStateFile), TrainerState{RunID: runID}); err != nil {
			t.Fatalf("write state: %v", err)
		}
	}
	deleted, err := rotateCheckpoints(root, "run-a", 2, zerolog.Nop())
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if len(deleted) != 1 || filepath.Base(deleted[0]) != "checkpoint-2" {
		t.Fatalf("deleted: %v", deleted)
	}
	for _, keep := range []string{"checkpoint-10", "checkpoint-30", "checkpoint-x", "final_model"} {
		if _, err := os.Stat(filepath.Join(root, keep)); err != nil {
			t.Fatalf("%s removed: %v", keep, err)
		}
	}
	if d, _ := rotateCheckpoints(root, "run-a", 0, zerolog.Nop()); d != nil {
		t.Fatalf("limit 0 must keep all")
	}
}

func TestRotateCheckpointsDropsOtherRuns(t *testing.T) {
	root := t.TempDir()
	for name, runID := range map[string]string{"checkpoint-500": "old", "checkpoint-90": "", "checkpoint-3": "new"} {
		dir := filepath.Join(root, name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if runID != "" {
			if err := fsutil.WriteJSON(filepath.Join(dir, TrainerStateFile), TrainerState{RunID: runID}); err != nil {
				t.Fatalf("write state: %v", err)
			}
		}
	}
	deleted, err := rotateCheckpoints(root, "new", 1, zerolog.Nop())
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if len(deleted) != 2 {
		t.Fatalf("deleted: %v", deleted)
	}
	cps, err := listCheckpoints(root)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(cps) != 1 || filepath.Base(cps[0].path) != "checkpoint-3" {
		t.Fatalf("remaining: %+v", cps)
	}
}

func TestMetricsTextfile(t *testing.T) {
	m := NewMetrics()
	m.steps.Add(3)
	p := filepath.Join(t.TempDir(), "train.prom")
	if err := m.WriteTextfile(p); err != nil {
		t.Fatalf("write: %v", err)
	}
	b, _ := os.ReadFile(p)
	if !strings.Contains(string(b), "loratune_train_steps_total 3") {
		t.Fatalf("textfile missing counter: %s", b)
	}
}

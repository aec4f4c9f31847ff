package trainer

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"loratune/internal/common/fsutil"
	"loratune/pkg/types"
)

const (
	checkpointPrefix = "checkpoint-"
	FinalModelDir    = "final_model"
	OptimizerFile    = "optimizer.json"
	TrainerStateFile = "trainer_state.json"
)

// TrainerState is persisted as trainer_state.json.
type TrainerState struct {
	RunID        string                `json:"run_id"`
	GlobalStep   int                   `json:"global_step"`
	MaxSteps     int                   `json:"max_steps"`
	Epoch        float64               `json:"epoch"`
	NumEpochs    int                   `json:"num_train_epochs"`
	LoggingSteps int                   `json:"logging_steps"`
	SaveSteps    int                   `json:"save_steps"`
	LogHistory   []types.ProgressEvent `json:"log_history"`
}

func checkpointName(step int) string { return checkpointPrefix + strconv.Itoa(step) }

type checkpointDir struct {
	path  string
	step  int
	runID string
}

// listCheckpoints returns checkpoint-<N> directories under root, oldest first.
// runID is empty when trainer_state.json is missing or unreadable.
func listCheckpoints(root string) ([]checkpointDir, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var out []checkpointDir
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), checkpointPrefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(e.Name(), checkpointPrefix))
		if err != nil {
			continue
		}
		cp := checkpointDir{path: filepath.Join(root, e.Name()), step: n}
		var st TrainerState
		if err := fsutil.ReadJSON(filepath.Join(cp.path, TrainerStateFile), &st); err == nil {
			cp.runID = st.RunID
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].step < out[j].step })
	return out, nil
}

// rotateCheckpoints keeps at most limit checkpoints of run runID, deleting
// the oldest first. Checkpoints left by other runs in the same directory are
// deleted too, whatever their step. A limit of 0 keeps everything.
func rotateCheckpoints(root, runID string, limit int, log zerolog.Logger) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	cps, err := listCheckpoints(root)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	var deleted []string
	remove := func(cp checkpointDir, msg string) error {
		if err := os.RemoveAll(cp.path); err != nil {
			return fmt.Errorf("delete %s: %w", cp.path, err)
		}
		log.Debug().Str("path", cp.path).Str("checkpoint_run_id", cp.runID).Msg(msg)
		deleted = append(deleted, cp.path)
		return nil
	}
	var own []checkpointDir
	for _, cp := range cps {
		if cp.runID == runID {
			own = append(own, cp)
			continue
		}
		if err := remove(cp, "deleted checkpoint from an earlier run"); err != nil {
			return deleted, err
		}
	}
	for len(own) > limit {
		victim := own[0]
		own = own[1:]
		if err := remove(victim, "deleted old checkpoint"); err != nil {
			return deleted, err
		}
	}
	return deleted, nil
}

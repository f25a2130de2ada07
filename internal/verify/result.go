package verify

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kuitang/chatverify/internal/errs"
)

// State is where a run currently stands.
type State string

const (
	StateNotNavigated      State = "not_navigated"
	StateNavigated         State = "navigated"
	StateScreenshotWritten State = "screenshot_written"
	StateAborted           State = "aborted"
)

// StepResult records one executed step.
type StepResult struct {
	Index      int       `json:"index"`
	Name       string    `json:"name"`
	DurationMS float64   `json:"dur_ms"`
	Code       errs.Code `json:"code,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Result summarises a run. Steps holds only the steps that executed.
type Result struct {
	RunID          string       `json:"run_id"`
	BaseURL        string       `json:"base_url"`
	StartedAt      time.Time    `json:"started_at"`
	FinishedAt     time.Time    `json:"finished_at"`
	State          State        `json:"state"`
	FailedStep     int          `json:"failed_step,omitempty"`
	Steps          []StepResult `json:"steps"`
	ScreenshotPath string       `json:"screenshot_path"`
	ArtifactURL    string       `json:"artifact_url,omitempty"`
	ArtifactError  string       `json:"artifact_error,omitempty"`
}

// Passed reports whether the run reached its terminal success state.
func (r *Result) Passed() bool {
	return r != nil && r.State == StateScreenshotWritten
}

// WriteJSON writes the result to path, creating parent directories.
func (r *Result) WriteJSON(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create report directory: %w", err)
		}
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

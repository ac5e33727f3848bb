package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/me/gowas/pkg/model"
)

// Files written into each job directory.
const (
	stdoutFile   = "stdout.log"
	stderrFile   = "stderr.log"
	exitCodeFile = "exit_code"
)

// LocalSubmitter runs submissions as local OS processes, one directory per
// job. The directory path is the external ID.
type LocalSubmitter struct {
	logger  *slog.Logger
	workDir string
	wg      sync.WaitGroup
}

// NewLocalSubmitter creates a LocalSubmitter rooted at workDir.
// If workDir is empty, os.TempDir() is used.
func NewLocalSubmitter(workDir string, logger *slog.Logger) *LocalSubmitter {
	if workDir == "" {
		workDir = os.TempDir()
	}
	return &LocalSubmitter{
		workDir: workDir,
		logger:  logger.With("component", "local-submitter"),
	}
}

// Submit starts the command in the background and returns at once. The exit
// code is written to the job directory when the process ends.
func (s *LocalSubmitter) Submit(_ context.Context, sub Submission) (string, error) {
	if len(sub.Command) == 0 {
		return "", fmt.Errorf("%w: Command cannot be empty", model.ErrMissingParameter)
	}
	jobDir := filepath.Join(s.workDir, sub.WorkflowID, sub.JobName)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return "", fmt.Errorf("job %s: create work dir: %w", sub.JobName, err)
	}
	_ = os.Remove(filepath.Join(jobDir, exitCodeFile))

	stdout, err := os.Create(filepath.Join(jobDir, stdoutFile))
	if err != nil {
		return "", fmt.Errorf("job %s: create stdout: %w", sub.JobName, err)
	}
	stderr, err := os.Create(filepath.Join(jobDir, stderrFile))
	if err != nil {
		stdout.Close()
		return "", fmt.Errorf("job %s: create stderr: %w", sub.JobName, err)
	}

	// The process outlives the submitting request.
	cmd := exec.Command(sub.Command[0], sub.Command[1:]...)
	cmd.Dir = jobDir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return "", fmt.Errorf("job %s: start command: %w", sub.JobName, err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer stdout.Close()
		defer stderr.Close()

		exitCode := 0
		if err := cmd.Wait(); err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				s.logger.Error("job wait failed", "job_id", sub.JobID, "error", err)
				exitCode = -1
			} else {
				exitCode = exitErr.ExitCode()
			}
		}
		if err := os.WriteFile(filepath.Join(jobDir, exitCodeFile), []byte(strconv.Itoa(exitCode)), 0o644); err != nil {
			s.logger.Error("write exit code", "job_id", sub.JobID, "error", err)
		}
		s.logger.Debug("job finished", "job_id", sub.JobID, "exit_code", exitCode)
	}()

	s.logger.Debug("job submitted", "job_id", sub.JobID, "dir", jobDir, "pid", cmd.Process.Pid)
	return jobDir, nil
}

// Status derives the job state from the recorded exit code. A job without
// one is still running.
func (s *LocalSubmitter) Status(_ context.Context, externalID string) (model.JobStatus, string, error) {
	raw, err := os.ReadFile(filepath.Join(externalID, exitCodeFile))
	if errors.Is(err, os.ErrNotExist) {
		if _, statErr := os.Stat(externalID); statErr != nil {
			return "", "", fmt.Errorf("job dir %s: %w", externalID, statErr)
		}
		return model.JobStatusRunning, "", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("read exit code: %w", err)
	}
	code, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return "", "", fmt.Errorf("parse exit code %q: %w", raw, err)
	}
	if code == 0 {
		return model.JobStatusCompleted, "", nil
	}
	return model.JobStatusFailed, s.failureDetail(externalID, code), nil
}

// Wait blocks until every started process has exited.
func (s *LocalSubmitter) Wait() {
	s.wg.Wait()
}

// failureDetail reports the exit code and the last line of stderr.
func (s *LocalSubmitter) failureDetail(dir string, code int) string {
	detail := fmt.Sprintf("exit code %d", code)
	raw, err := os.ReadFile(filepath.Join(dir, stderrFile))
	if err != nil {
		return detail
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if last := strings.TrimSpace(lines[len(lines)-1]); last != "" {
		detail += ": " + last
	}
	return detail
}

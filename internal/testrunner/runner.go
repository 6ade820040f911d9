// Package testrunner executes auto-generated acceptance tests. The engine
// hands a test over with its timeout; the runner owns process isolation and
// captures stdout/stderr for the gate report.
package testrunner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"waveforge/internal/logging"
	"waveforge/internal/types"
)

// Runner is the required acceptance-runner capability.
type Runner interface {
	Run(ctx context.Context, test types.AcceptanceTest) types.AcceptanceResult
}

// Func adapts a function to Runner.
type Func func(ctx context.Context, test types.AcceptanceTest) types.AcceptanceResult

func (f Func) Run(ctx context.Context, test types.AcceptanceTest) types.AcceptanceResult {
	return f(ctx, test)
}

// Subprocess runs tests by writing the test code to a scratch directory and
// invoking the language toolchain. Binaries must be on PATH; anything more
// isolated (containers, jails) implements Runner itself.
type Subprocess struct {
	// WorkDir is where test files are materialized. Empty means a fresh
	// temp directory per run.
	WorkDir string
}

// Run implements Runner with a per-test timeout from the test itself.
func (s *Subprocess) Run(ctx context.Context, test types.AcceptanceTest) types.AcceptanceResult {
	res := types.AcceptanceResult{TestID: test.ID, Status: types.TestError}

	dir := s.WorkDir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "waveforge-accept-*")
		if err != nil {
			res.ErrorMessage = fmt.Sprintf("scratch dir: %v", err)
			return res
		}
		defer os.RemoveAll(tmp)
		dir = tmp
	}

	file, argv, err := command(test, dir)
	if err != nil {
		res.ErrorMessage = err.Error()
		return res
	}
	if err := os.WriteFile(file, []byte(test.Code), 0o644); err != nil {
		res.ErrorMessage = fmt.Sprintf("write test file: %v", err)
		return res
	}

	timeout := time.Duration(test.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	res.DurationMS = time.Since(start).Milliseconds()
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()

	switch {
	case runErr == nil:
		res.Status = types.TestPass
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.Status = types.TestTimeout
		res.ErrorMessage = fmt.Sprintf("timed out after %s", timeout)
	default:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.Status = types.TestFail
			res.ErrorMessage = exitErr.Error()
		} else {
			res.Status = types.TestError
			res.ErrorMessage = runErr.Error()
		}
	}

	logging.Get(logging.CategoryGate).Debugw("acceptance test ran",
		"test", test.ID, "status", res.Status, "duration_ms", res.DurationMS)
	return res
}

// command maps a test language onto a file name and toolchain invocation.
func command(test types.AcceptanceTest, dir string) (file string, argv []string, err error) {
	switch test.Language {
	case types.LangPytest:
		file = filepath.Join(dir, "test_"+sanitize(test.ID)+".py")
		argv = []string{"python", "-m", "pytest", "-q", file}
	case types.LangJest:
		file = filepath.Join(dir, sanitize(test.ID)+".test.js")
		argv = []string{"npx", "jest", "--silent", file}
	case types.LangVitest:
		file = filepath.Join(dir, sanitize(test.ID)+".test.ts")
		argv = []string{"npx", "vitest", "run", file}
	default:
		err = fmt.Errorf("unsupported test language %q", test.Language)
	}
	return file, argv, err
}

func sanitize(id string) string {
	out := make([]rune, 0, len(id))
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

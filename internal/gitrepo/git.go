package gitrepo

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mergebot/mergebot/pkg/errors"
	"github.com/mergebot/mergebot/pkg/logger"
)

// gitOperationTimeout bounds any single git invocation so a stuck remote
// cannot block a work item forever.
const gitOperationTimeout = 5 * time.Minute

// gitResult carries the outcome of one git invocation
type gitResult struct {
	stdout   string
	stderr   string
	exitCode int
}

// runGit executes git in dir with the given extra environment. A non-zero
// exit status is returned as an error carrying the stderr text.
func runGit(ctx context.Context, dir string, env []string, args ...string) (*gitResult, error) {
	return runGitStdin(ctx, dir, env, "", args...)
}

func runGitStdin(ctx context.Context, dir string, env []string, stdin string, args ...string) (*gitResult, error) {
	ctx, cancel := context.WithTimeout(ctx, gitOperationTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &gitResult{
		stdout: strings.TrimRight(stdout.String(), "\n"),
		stderr: strings.TrimRight(stderr.String(), "\n"),
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.exitCode = exitErr.ExitCode()
			return res, errors.Wrap(errors.ErrCodeGitCommand,
				fmt.Sprintf("git %s failed: %s", args[0], res.stderr), err)
		}
		return res, errors.Wrap(errors.ErrCodeGitCommand, "cannot run git "+args[0], err)
	}
	return res, nil
}

// credentialEnv builds the environment for authenticated remote operations.
// The token is handed to git through a throwaway askpass script so it never
// appears in the process arguments. The returned cleanup removes the script.
func credentialEnv(token string) ([]string, func(), error) {
	if token == "" {
		return nil, func() {}, nil
	}
	pattern := "git-askpass-*.sh"
	content := "#!/bin/sh\necho \"" + token + "\"\n"
	if runtime.GOOS == "windows" {
		pattern = "git-askpass-*.bat"
		content = "@echo off\necho " + token + "\n"
	}
	tmp, err := os.CreateTemp("", pattern)
	if err != nil {
		return nil, nil, errors.Wrap(errors.ErrCodeGitCommand, "cannot create askpass helper", err)
	}
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, nil, errors.Wrap(errors.ErrCodeGitCommand, "cannot write askpass helper", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return nil, nil, errors.Wrap(errors.ErrCodeGitCommand, "cannot close askpass helper", err)
	}
	if err := os.Chmod(tmp.Name(), 0700); err != nil {
		os.Remove(tmp.Name())
		return nil, nil, errors.Wrap(errors.ErrCodeGitCommand, "cannot mark askpass helper executable", err)
	}
	cleanup := func() {
		if err := os.Remove(tmp.Name()); err != nil && !os.IsNotExist(err) {
			logger.Warn("cannot remove askpass helper", zap.Error(err))
		}
	}
	env := []string{
		"GIT_ASKPASS=" + tmp.Name(),
		"GIT_TERMINAL_PROMPT=0",
	}
	return env, cleanup, nil
}

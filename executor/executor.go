// Package executor runs code pushed by the remote peer.
//
// The connection layer only needs two operations: run a script, and install the
// requirements a script depends on. CommandExecutor implements both by shelling out to an
// interpreter and a package installer.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"
)

// ErrNotConfigured is returned when the command needed for an operation is empty.
var ErrNotConfigured = errors.New("executor: command not configured")

// Executor runs scripts and installs requirements.
type Executor interface {
	Run(ctx context.Context, source string) error
	Install(ctx context.Context, requirements []string) error
}

// CommandExecutor feeds scripts to an interpreter on stdin and passes requirements as
// arguments to an installer.
//
//	Run:     Interpreter[0] Interpreter[1:]... < source
//	Install: Installer[0] Installer[1:]... req1 req2 ...
type CommandExecutor struct {
	Interpreter []string // e.g. {"python3", "-"}
	Installer   []string // e.g. {"python3", "-m", "pip", "install"}
	Dir         string   // Working directory, empty for the current one
	Env         []string // Extra KEY=VALUE entries appended to the process environment
	Logger      zerolog.Logger
}

func (e *CommandExecutor) Run(ctx context.Context, source string) error {
	if len(e.Interpreter) == 0 {
		return fmt.Errorf("run script: %w", ErrNotConfigured)
	}
	return e.command(ctx, e.Interpreter, strings.NewReader(source))
}

func (e *CommandExecutor) Install(ctx context.Context, requirements []string) error {
	if len(requirements) == 0 {
		return nil
	}
	if len(e.Installer) == 0 {
		return fmt.Errorf("install requirements: %w", ErrNotConfigured)
	}
	args := append(append([]string(nil), e.Installer...), requirements...)
	return e.command(ctx, args, nil)
}

func (e *CommandExecutor) command(ctx context.Context, args []string, stdin *strings.Reader) error {
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = e.Dir
	if len(e.Env) > 0 {
		cmd.Env = append(os.Environ(), e.Env...)
	}
	if stdin != nil {
		cmd.Stdin = stdin
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	e.Logger.Debug().Strs("args", args).Msg("running command")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w\n%s", args[0], err, tail(out.String(), 4096))
	}
	return nil
}

// tail keeps the last n bytes of the output, which is where tracebacks end up.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

package executor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hostdeck/hostdeck/internal/config"
	internalerrors "github.com/hostdeck/hostdeck/internal/errors"
)

const maxLineLength = 1024 * 1024

// DefaultSudoCommand reads the password from stdin and prints no prompt.
var DefaultSudoCommand = []string{"sudo", "-S", "-p", ""}

// CommandRunner runs the command templates configured for an activity type.
type CommandRunner struct {
	operations  *config.Operations
	sudoCommand []string
	waitDelay   time.Duration
}

// NewCommandRunner creates a runner backed by the operations file.
func NewCommandRunner(operations *config.Operations) *CommandRunner {
	return &CommandRunner{
		operations:  operations,
		sudoCommand: DefaultSudoCommand,
		waitDelay:   5 * time.Second,
	}
}

// Run executes each configured command in order and stops at the first failure.
func (r *CommandRunner) Run(ctx context.Context, op *Operation) error {
	spec, ok := r.operations.Get(string(op.Activity.Type))
	if !ok {
		return fmt.Errorf("no commands configured for %q: %w", op.Activity.Type, internalerrors.ErrInvalidInput)
	}

	params, err := op.StringParams()
	if err != nil {
		return err
	}

	for i, cmdSpec := range spec.Commands {
		args, err := cmdSpec.Expand(params)
		if err != nil {
			return fmt.Errorf("command %d: %w", i+1, err)
		}

		var password string
		if cmdSpec.Sudo {
			password, err = op.AskSudo(ctx)
			if err != nil {
				return fmt.Errorf("obtain sudo password: %w", err)
			}
		}

		op.Outputf("$ %s", strings.Join(args, " "))
		if err := r.runCommand(ctx, op, cmdSpec, args, password); err != nil {
			name := cmdSpec.Name
			if name == "" {
				name = args[0]
			}
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func (r *CommandRunner) runCommand(ctx context.Context, op *Operation, spec config.CommandSpec, args []string, password string) error {
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	argv := args
	if spec.Sudo {
		argv = append(append(append([]string{}, r.sudoCommand...), "--"), args...)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.WaitDelay = r.waitDelay
	if len(spec.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range spec.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	if spec.Sudo {
		cmd.Stdin = strings.NewReader(password + "\n")
	}

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	scanned := make(chan struct{})
	go func() {
		defer close(scanned)
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 64*1024), maxLineLength)
		for scanner.Scan() {
			op.Output(scanner.Text())
		}
		if err := scanner.Err(); err != nil {
			log.Warn().
				Str("component", executorComponent).
				Str("activity_id", op.Activity.ID).
				Err(err).
				Msg("Failed to read command output")
			// Keep draining so the process never blocks on a full pipe.
			_, _ = io.Copy(io.Discard, pr)
		}
	}()

	started := time.Now()
	runErr := cmd.Run()
	pw.Close()
	<-scanned

	logEvent := log.Info()
	if runErr != nil {
		logEvent = log.Warn().Err(runErr)
	}
	logEvent.
		Str("component", executorComponent).
		Str("activity_id", op.Activity.ID).
		Str("program", args[0]).
		Bool("sudo", spec.Sudo).
		Dur("duration", time.Since(started)).
		Msg("Command finished")

	if runErr != nil && ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("timed out after %s: %w", spec.Timeout, runErr)
	}
	return runErr
}

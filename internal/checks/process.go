package checks

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/go-tick/caretaker/internal/job"
)

// Runner runs a program and returns its standard output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// ServiceActive checks a service with `systemctl is-active`, falling back to
// a case-insensitive search of `ps -ef` when systemctl does not say active.
type ServiceActive struct {
	Name string
	Run  Runner
}

func (c ServiceActive) Action() job.Action {
	run := c.Run
	if run == nil {
		run = execRunner
	}

	return func(ctx context.Context) job.Result {
		out, err := run(ctx, "systemctl", "is-active", c.Name)
		state := strings.TrimSpace(string(out))
		if err == nil && state == "active" {
			return job.Success(fmt.Sprintf("%s is active", c.Name))
		}

		ps, psErr := run(ctx, "ps", "-ef")
		if psErr == nil && strings.Contains(strings.ToLower(string(ps)), strings.ToLower(c.Name)) {
			return job.Success(fmt.Sprintf("%s is running", c.Name))
		}
		if ctx.Err() != nil {
			return job.TransientFailure(fmt.Sprintf("%s: %v", c.Name, ctx.Err()))
		}

		if state == "" {
			state = "not running"
		}
		return job.Failure(fmt.Sprintf("%s is %s", c.Name, state))
	}
}

// Command runs an arbitrary program; exit status zero is success. Combined
// output becomes the result detail.
type Command struct {
	Argv []string
	Dir  string
	Env  []string
}

func (c Command) Action() job.Action {
	return func(ctx context.Context) job.Result {
		if len(c.Argv) == 0 {
			return job.Failure("empty command")
		}

		cmd := exec.CommandContext(ctx, c.Argv[0], c.Argv[1:]...)
		cmd.Dir = c.Dir
		if len(c.Env) > 0 {
			cmd.Env = append(cmd.Environ(), c.Env...)
		}

		out, err := cmd.CombinedOutput()
		detail := strings.TrimSpace(string(out))
		if err == nil {
			return job.Success(detail)
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			msg := fmt.Sprintf("%s exited with status %d", c.Argv[0], exitErr.ExitCode())
			if detail != "" {
				msg += "\n" + detail
			}
			return job.Failure(msg)
		}
		return job.Failure(fmt.Sprintf("%s: %v", c.Argv[0], err))
	}
}

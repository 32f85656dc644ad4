package syscmd

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/loopholelabs/logging/types"
)

var (
	ErrCommandFailed = errors.New("command failed")
)

// Runner is the process-execution boundary for everything that shells out
// to the storage toolchain (mdadm, cryptsetup, make-bcache, mkfs, blkid).
// Tests substitute a RunnerFunc so no external binary is ever invoked.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type RunnerFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func (f RunnerFunc) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return f(ctx, name, args...)
}

type ExecRunner struct {
	log types.Logger
}

func NewExecRunner(log types.Logger) *ExecRunner {
	return &ExecRunner{log: log}
}

func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if r.log != nil {
		r.log.Debug().Str("command", name).Str("args", strings.Join(args, " ")).Msg("running command")
	}

	output, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return output, errors.Join(ErrCommandFailed, fmt.Errorf("%s %s: %s", name, strings.Join(args, " "), output), err)
	}

	return output, nil
}

package syscmd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopholelabs/strata/pkg/testutil"
)

func TestExecRunnerCapturesOutput(t *testing.T) {
	runner := NewExecRunner(nil)

	output, err := runner.Run(context.Background(), "sh", "-c", "echo hello")

	require.NoError(t, err)
	assert.Contains(t, string(output), "hello")
}

func TestExecRunnerJoinsFailureWithOutput(t *testing.T) {
	runner := NewExecRunner(nil)

	_, err := runner.Run(context.Background(), "sh", "-c", "echo oops >&2; exit 1")

	require.ErrorIs(t, err, ErrCommandFailed)
	assert.Contains(t, err.Error(), "oops")
}

// Smoke-checks the storage toolchain where it is installed; each tool is
// skipped when absent so the suite runs anywhere.
func TestExecRunnerStorageToolchain(t *testing.T) {
	runner := NewExecRunner(nil)

	if testutil.MdadmAvailable() {
		_, err := runner.Run(context.Background(), "mdadm", "--version")
		assert.NoError(t, err)
	}

	if testutil.CryptsetupAvailable() {
		_, err := runner.Run(context.Background(), "cryptsetup", "--version")
		assert.NoError(t, err)
	}
}

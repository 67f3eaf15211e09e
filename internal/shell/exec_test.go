package shell

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteSuccess(t *testing.T) {
	res := Execute(context.Background(), "echo hello", ExecOptions{})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hello\n", res.Stdout)
	assert.Empty(t, res.Stderr)
	assert.False(t, res.TimedOut)
	assert.NoError(t, res.Err)
}

func TestExecuteWorkDir(t *testing.T) {
	dir := t.TempDir()
	res := Execute(context.Background(), "pwd", ExecOptions{WorkDir: dir})
	require.True(t, res.Success, res.Error)
	assert.Contains(t, res.Stdout, dir)
}

func TestExecuteExtraEnv(t *testing.T) {
	res := Execute(context.Background(), `printf '%s' "$CLAWGATE_TEST_VALUE"`, ExecOptions{Env: []string{"CLAWGATE_TEST_VALUE=secret"}})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "secret", res.Stdout)
}

func TestExecuteTruncatesOutput(t *testing.T) {
	res := Execute(context.Background(), "head -c 6000 /dev/zero | tr '\\000' a; echo oops >&2", ExecOptions{MaxOutputBytes: 100})
	require.True(t, res.Success, res.Error)
	assert.Len(t, res.Stdout, 100)
	assert.True(t, res.StdoutTruncated)
	assert.Equal(t, "oops\n", res.Stderr)
	assert.False(t, res.StderrTruncated)
}

func TestExecuteTruncationKeepsWholeRunes(t *testing.T) {
	res := Execute(context.Background(), "yes é | head -n 100 | tr -d '\\n'", ExecOptions{MaxOutputBytes: 101})
	require.True(t, res.Success, res.Error)
	assert.True(t, res.StdoutTruncated)
	assert.True(t, utf8.ValidString(res.Stdout))
	assert.Equal(t, strings.Repeat("é", 50), res.Stdout)
}

func TestExecuteNonZeroExitKeepsOutput(t *testing.T) {
	res := Execute(context.Background(), "echo partial; echo bad >&2; exit 3", ExecOptions{})
	assert.False(t, res.Success)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "partial\n", res.Stdout)
	assert.Equal(t, "bad\n", res.Stderr)
	assert.Contains(t, res.Error, "code 3")
	assert.False(t, res.TimedOut)
}

func TestExecuteTimeout(t *testing.T) {
	start := time.Now()
	res := Execute(context.Background(), "echo started; sleep 5", ExecOptions{Timeout: 200 * time.Millisecond})
	assert.Less(t, time.Since(start), 4*time.Second)

	assert.False(t, res.Success)
	assert.True(t, res.TimedOut)
	assert.Equal(t, -1, res.ExitCode)
	assert.ErrorIs(t, res.Err, ErrTimeout)
	assert.True(t, strings.HasPrefix(res.Stdout, "started"))
	assert.Contains(t, res.Error, "timed out")
}

package fork_test

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fork "github.com/snowmerak/plughost/lib/process"
)

func lookPath(t *testing.T, name string) string {
	t.Helper()
	path, err := exec.LookPath(name)
	if err != nil {
		t.Skipf("%s not available: %v", name, err)
	}
	return path
}

func TestFork_SeparatesStdoutAndStderr(t *testing.T) {
	sh := lookPath(t, "sh")

	p, err := fork.Fork(fork.Options{
		Path: sh,
		Args: []string{"-c", "read line; echo out:$line; echo err:$WORKER_NAME 1>&2"},
		Env:  []string{"WORKER_NAME=eu-1"},
	})
	require.NoError(t, err)

	_, err = p.Stdin().Write([]byte("ping\n"))
	require.NoError(t, err)

	out, err := bufio.NewReader(p.Stdout()).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "out:ping\n", out)

	errLine, err := bufio.NewReader(p.Stderr()).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "err:eu-1\n", errLine)

	require.NoError(t, p.Wait())
	assert.Equal(t, 0, p.ExitCode())
}

func TestFork_OutputSurvivesWait(t *testing.T) {
	sh := lookPath(t, "sh")

	p, err := fork.Fork(fork.Options{
		Path: sh,
		Args: []string{"-c", "echo last-reply; echo giving-up 1>&2; exit 1"},
	})
	require.NoError(t, err)

	require.Error(t, p.Wait())
	assert.Equal(t, 1, p.ExitCode())

	out, err := io.ReadAll(p.Stdout())
	require.NoError(t, err)
	assert.Equal(t, "last-reply\n", string(out))

	errOut, err := io.ReadAll(p.Stderr())
	require.NoError(t, err)
	assert.Equal(t, "giving-up\n", string(errOut))

	assert.NoError(t, p.Stdout().Close())
	assert.NoError(t, p.Stderr().Close())
}

func TestFork_StopKillsLingeringProcess(t *testing.T) {
	sh := lookPath(t, "sh")

	p, err := fork.Fork(fork.Options{Path: sh, Args: []string{"-c", "trap '' TERM; sleep 30"}})
	require.NoError(t, err)

	go func() { _ = p.Wait() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx, 100*time.Millisecond))

	select {
	case <-p.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	assert.NotEqual(t, 0, p.ExitCode())
}

func TestFork_EmptyPath(t *testing.T) {
	_, err := fork.Fork(fork.Options{})
	assert.Error(t, err)
}

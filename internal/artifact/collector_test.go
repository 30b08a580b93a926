package artifact

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/backtest-automator/internal/driver"
	"github.com/t77yq/backtest-automator/internal/model"
	"github.com/t77yq/backtest-automator/internal/testutil"
)

type fakeLogs struct {
	stdout, stderr string
	err            error
	gotID          string
}

func (f *fakeLogs) ContainerLogs(ctx context.Context, id string, opts container.LogsOptions) (io.ReadCloser, error) {
	f.gotID = id
	if f.err != nil {
		return nil, f.err
	}
	var buf bytes.Buffer
	stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(f.stdout))
	stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(f.stderr))
	return io.NopCloser(&buf), nil
}

type boundSession struct {
	*testutil.FakeSession
	id string
}

func (b boundSession) ContainerID() string { return b.id }

func testTask() *model.Task {
	return &model.Task{ID: "task-1", RunID: "run-1", Attempts: 2}
}

func TestCapture(t *testing.T) {
	dir := t.TempDir()
	c, err := NewCollector(Config{Dir: dir}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)

	sess := testutil.NewFakeSession("https://example.com/test/1")
	paths := c.Capture(context.Background(), sess, testTask())

	require.Contains(t, paths, Screenshot)
	require.Contains(t, paths, DOM)
	assert.Equal(t, filepath.Join(dir, "run-1", "task-1-2", "screenshot.png"), paths[Screenshot])
	for _, p := range paths {
		_, err := os.Stat(p)
		assert.NoError(t, err)
	}
	assert.NotContains(t, paths, ContainerLogs)
}

func TestCaptureDisconnected(t *testing.T) {
	c, err := NewCollector(Config{Dir: t.TempDir()}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)

	sess := testutil.NewFakeSession("about:blank")
	sess.FailWith(driver.ErrDisconnected)

	paths := c.Capture(context.Background(), sess, testTask())
	assert.NotContains(t, paths, Screenshot)
	assert.NotContains(t, paths, DOM)
}

func TestCaptureContainerLogs(t *testing.T) {
	logs := &fakeLogs{stdout: "chrome started\n", stderr: "crash\n"}
	c, err := NewCollector(Config{Dir: t.TempDir()}, logs, zaptest.NewLogger(t))
	require.NoError(t, err)

	sess := boundSession{FakeSession: testutil.NewFakeSession("about:blank"), id: "abc"}
	paths := c.Capture(context.Background(), sess, testTask())

	require.Contains(t, paths, ContainerLogs)
	assert.Equal(t, "abc", logs.gotID)
	data, err := os.ReadFile(paths[ContainerLogs])
	require.NoError(t, err)
	assert.Equal(t, "== stdout ==\nchrome started\n== stderr ==\ncrash\n", string(data))
}

func TestFetchContainerLogsError(t *testing.T) {
	_, err := FetchContainerLogs(context.Background(), &fakeLogs{err: errors.New("no daemon")}, "abc")
	assert.ErrorContains(t, err, "no daemon")
}

func TestPrune(t *testing.T) {
	dir := t.TempDir()
	c, err := NewCollector(Config{Dir: dir, MaxAge: time.Hour}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)

	old := filepath.Join(dir, "old.png")
	fresh := filepath.Join(dir, "fresh.png")
	require.NoError(t, os.WriteFile(old, []byte("x"), 0644))
	require.NoError(t, os.WriteFile(fresh, []byte("x"), 0644))
	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))

	n, err := c.Prune()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = os.Stat(old)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh)
	assert.NoError(t, err)
}

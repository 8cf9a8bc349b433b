package procscan

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gotoolkits/lightrace/dispatch"
	"github.com/gotoolkits/lightrace/event"
	"github.com/gotoolkits/lightrace/filter"
	"github.com/gotoolkits/lightrace/probedir"
	"github.com/gotoolkits/lightrace/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addProc(t *testing.T, root, pid, comm, exe string) {
	t.Helper()
	dir := filepath.Join(root, pid)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "comm"), []byte(comm+"\n"), 0o644))
	if exe != "" {
		require.NoError(t, os.Symlink(exe, filepath.Join(dir, "exe")))
	}
}

type call struct {
	kind event.Kind
	pid  uint32
}

type recorder struct{ calls []call }

func (r *recorder) HandleExecve(ctx *dispatch.SyscallContext) dispatch.Outcome {
	r.calls = append(r.calls, call{event.KindProcessExec, ctx.Task.Pid()})
	return dispatch.Emitted
}

func (r *recorder) HandleExit(ctx *dispatch.SyscallContext) dispatch.Outcome {
	r.calls = append(r.calls, call{event.KindProcessExit, ctx.Task.Pid()})
	return dispatch.Emitted
}

func TestScan_Diff(t *testing.T) {
	root := t.TempDir()
	addProc(t, root, "100", "init", "")
	require.NoError(t, os.WriteFile(filepath.Join(root, "uptime"), []byte("1 1"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sys"), 0o755))

	rec := &recorder{}
	s := New(root, 0, rec)

	require.NoError(t, s.Scan())
	assert.Empty(t, rec.calls, "first scan only seeds")
	assert.Equal(t, 1, s.Len())

	addProc(t, root, "200", "sh", "/bin/sh")
	require.NoError(t, s.Scan())
	assert.Equal(t, []call{{event.KindProcessExec, 200}}, rec.calls)

	require.NoError(t, os.RemoveAll(filepath.Join(root, "100")))
	require.NoError(t, s.Scan())
	assert.Equal(t, []call{{event.KindProcessExec, 200}, {event.KindProcessExit, 100}}, rec.calls)
	assert.Equal(t, 1, s.Len())
}

func TestScan_MissingRoot(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "nope"), 0, &recorder{})
	assert.Error(t, s.Scan())
	assert.Error(t, s.Run(context.Background()))
}

func TestScan_Dispatch(t *testing.T) {
	root := t.TempDir()
	s := New(root, 0, nil)
	ring := transport.New(8)
	s.h = dispatch.New(filter.NewTable(0), probedir.New(0), ring)
	require.NoError(t, s.Scan())

	addProc(t, root, "300", "curl", "/usr/bin/curl")
	require.NoError(t, s.Scan())
	require.NoError(t, os.RemoveAll(filepath.Join(root, "300")))
	require.NoError(t, s.Scan())

	records := ring.Drain(nil)
	require.Len(t, records, 2)

	exec, err := event.Decode(records[0][:])
	require.NoError(t, err)
	assert.Equal(t, event.KindProcessExec, exec.Kind)
	assert.Equal(t, uint32(300), exec.Pid)
	assert.Equal(t, "curl", exec.Comm)
	assert.Equal(t, event.Exec{Filename: "/usr/bin/curl"}, exec.Payload)

	exit, err := event.Decode(records[1][:])
	require.NoError(t, err)
	assert.Equal(t, event.KindProcessExit, exit.Kind)
	assert.Nil(t, exit.Payload)
}

func TestExecutable_CmdlineFallback(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cmdline"), []byte("/usr/bin/python3\x00app.py\x00"), 0o644))
	assert.Equal(t, "/usr/bin/python3", executable(dir))
	assert.Equal(t, "", executable(filepath.Join(dir, "missing")))
}

func TestRun_Cancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(t.TempDir(), time.Millisecond, &recorder{}).Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

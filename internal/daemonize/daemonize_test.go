package daemonize

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

func TestWriteReadPIDFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "repmgrd.pid")

	require.NoError(t, WritePIDFile(path, 4242))

	pid, err := ReadPIDFile(path)
	require.NoError(t, err)
	require.Equal(t, 4242, pid)
}

func TestReadPIDFileMissing(t *testing.T) {
	_, err := ReadPIDFile(filepath.Join(t.TempDir(), "missing.pid"))
	require.True(t, os.IsNotExist(err))
}

func TestReadPIDFileMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.pid")
	require.NoError(t, os.WriteFile(path, []byte("not-a-pid"), 0o644))

	_, err := ReadPIDFile(path)
	require.Error(t, err)
}

func TestRemovePIDFileIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "repmgrd.pid")
	require.NoError(t, WritePIDFile(path, 1))

	require.NoError(t, RemovePIDFile(path))
	require.NoError(t, RemovePIDFile(path))
}

func TestIsAliveForCurrentProcess(t *testing.T) {
	require.True(t, IsAlive(os.Getpid()))
}

func TestIsAliveForUnlikelyPID(t *testing.T) {
	require.False(t, IsAlive(1<<30))
}

func TestCheckPIDFileAllowsStalePID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "repmgrd.pid")
	require.NoError(t, WritePIDFile(path, 1<<30))

	require.NoError(t, checkPIDFile(path))
	_, err := ReadPIDFile(path)
	require.True(t, os.IsNotExist(err), "stale pid file should be removed")
}

func TestCheckPIDFileRejectsLiveProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "repmgrd.pid")
	require.NoError(t, WritePIDFile(path, os.Getpid()))

	err := checkPIDFile(path)
	require.Error(t, err)
}

func TestSignalHandlerReloadsOnSIGHUP(t *testing.T) {
	origNotify, origStop := notify, stopNotify
	defer func() { notify, stopNotify = origNotify, origStop }()

	var sigCh chan os.Signal
	notify = func(c chan os.Signal) { sigCh = c }
	stopNotify = func(c chan os.Signal) {}

	ctx, cancel := context.WithCancel(context.Background())
	logger, _ := test.NewNullLogger()

	reloaded := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		SignalHandler(ctx, cancel, func() { reloaded <- struct{}{} }, logger)
	}()

	time.Sleep(10 * time.Millisecond)
	sigCh <- syscall.SIGHUP

	select {
	case <-reloaded:
	case <-time.After(time.Second):
		t.Fatal("reload callback was not invoked")
	}

	cancel()
	<-done
}

func TestSignalHandlerCancelsOnSIGTERM(t *testing.T) {
	origNotify, origStop := notify, stopNotify
	defer func() { notify, stopNotify = origNotify, origStop }()

	var sigCh chan os.Signal
	notify = func(c chan os.Signal) { sigCh = c }
	stopNotify = func(c chan os.Signal) {}

	ctx, cancel := context.WithCancel(context.Background())
	logger, _ := test.NewNullLogger()

	done := make(chan struct{})
	go func() {
		defer close(done)
		SignalHandler(ctx, cancel, func() {}, logger)
	}()

	time.Sleep(10 * time.Millisecond)
	sigCh <- syscall.SIGTERM

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SignalHandler did not return after SIGTERM")
	}

	require.Error(t, ctx.Err())
}

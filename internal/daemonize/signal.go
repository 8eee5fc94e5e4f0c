package daemonize

import (
	"os"
	"os/signal"
	"syscall"
)

// notify and stopNotify are indirected through package vars so tests
// can drive SignalHandler with a synthetic channel instead of sending
// real OS signals to the test process.
var (
	notify     = func(c chan os.Signal) { signal.Notify(c, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM) }
	stopNotify = func(c chan os.Signal) { signal.Stop(c) }
)

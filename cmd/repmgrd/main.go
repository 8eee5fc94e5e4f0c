// Command repmgrd monitors one PostgreSQL-style replication node and
// drives failover against its siblings through a shared metadata
// store, per spec.md. Flag handling follows the teacher's
// config/validate split in cmd/praefect/main.go; daemonization and
// signal plumbing follow cmd/gitaly-wrapper/main.go.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"

	"gitlab.com/repmgrd/repmgrd/internal/config"
	"gitlab.com/repmgrd/repmgrd/internal/daemon"
	"gitlab.com/repmgrd/repmgrd/internal/daemonize"
	"gitlab.com/repmgrd/repmgrd/internal/rlog"
)

// Exit codes, per spec.md §6.
const (
	exitSuccess    = 0
	exitBadConfig  = 1
	exitBadPIDFile = 2
	exitSysFailure = 3
)

const version = "repmgrd 1.0.0"

var (
	flagHelp      bool
	flagVersion   bool
	flagConfig    string
	flagDaemonize bool
	flagPIDFile   string
	flagLogLevel  string
	flagVerbose   bool
	flagMonHist   bool
)

func init() {
	pflag.BoolVarP(&flagHelp, "help", "?", false, "print help and exit")
	pflag.BoolVarP(&flagVersion, "version", "V", false, "print version and exit")
	pflag.StringVarP(&flagConfig, "config-file", "f", "", "path to the TOML configuration file (required)")
	pflag.BoolVarP(&flagDaemonize, "daemonize", "d", false, "fork into the background")
	pflag.StringVarP(&flagPIDFile, "pid-file", "p", "", "path to the PID file")
	pflag.StringVarP(&flagLogLevel, "log-level", "L", "", "overrides the configured log level")
	pflag.BoolVarP(&flagVerbose, "verbose", "v", false, "verbose logging")
	pflag.BoolVarP(&flagMonHist, "monitoring-history", "m", false, "enable monitoring history (legacy)")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: repmgrd [OPTIONS]\n\n")
		pflag.PrintDefaults()
	}

	// The re-exec'd daemonized child starts life inside this callback,
	// bypassing main()'s flag parsing entirely, so it must parse its
	// own argv (moby/sys/reexec preserves argv[1:] verbatim) before
	// running the same body the foreground path runs.
	daemonize.Register(func() {
		pflag.Parse()
		runForeground()
	})
}

func main() {
	daemonize.Init()

	pflag.Parse()

	if flagHelp {
		pflag.Usage()
		os.Exit(exitSuccess)
	}
	if flagVersion {
		fmt.Println(version)
		os.Exit(exitSuccess)
	}

	if os.Getuid() == 0 {
		fmt.Fprintln(os.Stderr, "repmgrd: refusing to run as root")
		os.Exit(exitBadConfig)
	}

	if flagConfig == "" {
		fmt.Fprintln(os.Stderr, "repmgrd: -f/--config-file is required")
		os.Exit(exitBadConfig)
	}

	conf, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "repmgrd: configuration error: %v\n", err)
		os.Exit(exitBadConfig)
	}

	if err := rlog.Configure(conf.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "repmgrd: log configuration error: %v\n", err)
		os.Exit(exitBadConfig)
	}
	log := rlog.Default()

	if flagDaemonize {
		if flagPIDFile == "" {
			fmt.Fprintln(os.Stderr, "repmgrd: -p/--pid-file is required with -d/--daemonize")
			os.Exit(exitBadPIDFile)
		}

		if err := os.Chdir(filepath.Dir(flagConfig)); err != nil {
			log.WithError(err).Error("repmgrd: chdir to config directory failed")
			os.Exit(exitSysFailure)
		}

		pid, err := daemonize.Daemonize(flagPIDFile)
		if err != nil {
			log.WithError(err).Error("repmgrd: daemonize failed")
			if isPIDFileErr(err) {
				os.Exit(exitBadPIDFile)
			}
			os.Exit(exitSysFailure)
		}

		log.WithField("pid", pid).Info("repmgrd: daemonized")
		os.Exit(exitSuccess)
	}

	runForeground()
}

// runForeground is the body both the direct foreground invocation and
// the re-exec'd daemonized child run. It is registered with
// daemonize.Register in init() so the child can reach it without
// re-parsing flags through main()'s early-exit paths.
func runForeground() {
	conf, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "repmgrd: configuration error: %v\n", err)
		os.Exit(exitBadConfig)
	}

	if err := rlog.Configure(conf.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "repmgrd: log configuration error: %v\n", err)
		os.Exit(exitBadConfig)
	}
	log := rlog.Default()

	if flagPIDFile != "" {
		if err := daemonize.WritePIDFile(flagPIDFile, os.Getpid()); err != nil {
			log.WithError(err).Error("repmgrd: writing pid file failed")
			os.Exit(exitBadPIDFile)
		}
		defer daemonize.RemovePIDFile(flagPIDFile)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go daemonize.SignalHandler(ctx, cancel, func() {
		if conf2, err := loadConfig(); err == nil {
			if err := rlog.Configure(conf2.Logging); err != nil {
				log.WithError(err).Warn("repmgrd: failed to apply reloaded log configuration")
			}
		} else {
			log.WithError(err).Warn("repmgrd: SIGHUP reload failed, keeping previous configuration")
		}
	}, log)

	d, err := daemon.Bootstrap(ctx, conf, log)
	if err != nil {
		log.WithError(err).Error("repmgrd: bootstrap failed")
		if errors.Is(err, daemon.ErrBadConfig) {
			os.Exit(exitBadConfig)
		}
		os.Exit(exitSysFailure)
	}
	defer d.Close()

	log.WithFields(map[string]interface{}{
		"node_id":     conf.NodeID,
		"node_name":   d.SelfNode.NodeName,
		"node_type":   d.SelfNode.Type,
		"instance_id": d.InstanceID,
	}).Info("repmgrd: starting monitor loop")

	if err := d.Run(ctx); err != nil {
		log.WithError(err).Error("repmgrd: monitor loop exited with error")
		os.Exit(exitSysFailure)
	}

	log.Info("repmgrd: shut down cleanly")
	// Returning (rather than os.Exit) lets the deferred d.Close and
	// RemovePIDFile run; the process then exits with exitSuccess.
}

func loadConfig() (config.Config, error) {
	conf, err := config.FromFile(flagConfig)
	if err != nil {
		return config.Config{}, err
	}

	if flagLogLevel != "" {
		conf.Logging.Level = flagLogLevel
	}
	if flagVerbose {
		conf.Logging.Level = "debug"
	}
	if flagMonHist {
		conf.MonitoringHistory = true
	}

	if err := conf.Validate(); err != nil {
		return config.Config{}, err
	}

	return conf, nil
}

func isPIDFileErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "pid file")
}

// Package cli implements the memfetch subcommands.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sheerbytes/memfetch/internal/config"
	"github.com/sheerbytes/memfetch/internal/connmgr"
	"github.com/sheerbytes/memfetch/internal/logging"
	"github.com/sheerbytes/memfetch/internal/network"
	"github.com/sheerbytes/memfetch/internal/progress"
	"github.com/sheerbytes/memfetch/internal/sftpxfer"
)

const appName = "memfetch"

var errNoFiles = errors.New("no files given; use -file")

// Pull runs the pull subcommand and returns the process exit code.
func Pull(args []string) int {
	if hasHelpFlag(args) {
		printPullUsage()
		return 0
	}
	cfg, err := config.ParsePullConfig(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pull: %v\n", err)
		return 2
	}
	logger, closer := logging.New(appName, cfg.LogLevel, logging.Options{File: cfg.LogFile})
	defer closer.Close()

	if err := validatePull(cfg, cfg.SSHHost != ""); err != nil {
		logger.Error("pull failed", "error", err)
		return 2
	}

	var session sftpxfer.Session
	if cfg.SSHHost != "" {
		client, err := dialSSH(cfg.CommonConfig)
		if err != nil {
			logger.Error("ssh connect failed", "host", cfg.SSHHost, "error", err)
			return 1
		}
		session = &sftpxfer.SSHSession{Client: client}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runPull(ctx, cfg, session, logger, os.Stdout); err != nil {
		logger.Error("pull failed", "error", err)
		return 1
	}
	return 0
}

func validatePull(cfg config.PullConfig, haveSession bool) error {
	if len(cfg.Files) == 0 {
		return errNoFiles
	}
	if cfg.RemoteDir != "" && !haveSession {
		return errors.New("-remote-dir requires -ssh-host")
	}
	return nil
}

// runPull fetches every configured file and waits for queued raw pulls.
// It owns session and closes it on every path.
func runPull(ctx context.Context, cfg config.PullConfig, session sftpxfer.Session, logger *slog.Logger, out io.Writer) error {
	if err := validatePull(cfg, session != nil); err != nil {
		if session != nil {
			err = errors.Join(err, session.Close())
		}
		return err
	}

	results := make(chan connmgr.Result, len(cfg.Files))
	n := network.New(session, network.Options{
		IP:             cfg.PullIP,
		Port:           cfg.PullPort,
		Dialer:         pullDialer(cfg),
		IOTimeout:      cfg.IOTimeout,
		CheckFreeSpace: cfg.CheckFreeSpace,
		Reporter:       progress.NewReporter(out),
		OnResult:       func(r connmgr.Result) { results <- r },
		Logger:         logger,
	})
	defer n.Close()

	if session != nil {
		if err := n.Open(); err != nil {
			return errors.Join(err, n.Close())
		}
	}

	var errs []error
	queued := 0
	for _, name := range cfg.Files {
		if err := n.Pull(cfg.RemoteDir, cfg.LocalDir, name); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		if cfg.RemoteDir == "" {
			queued++
		}
	}

wait:
	for i := 0; i < queued; i++ {
		select {
		case r := <-results:
			if r.Err != nil {
				errs = append(errs, r.Err)
			}
		case <-ctx.Done():
			logger.Warn("interrupted, waiting for the running pull to finish")
			errs = append(errs, ctx.Err())
			break wait
		}
	}

	if err := n.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func pullDialer(cfg config.PullConfig) connmgr.Dialer {
	if cfg.Transport == "quic" {
		return connmgr.QUICDialer{
			TLS:     connmgr.QUICClientTLS(),
			Config:  connmgr.DefaultQUICConfig(),
			Timeout: cfg.DialTimeout,
		}
	}
	return connmgr.TCPDialer{Timeout: cfg.DialTimeout}
}

func printPullUsage() {
	fmt.Fprintln(os.Stderr, "usage: memfetch pull [flags] [file...]")
	fmt.Fprintln(os.Stderr, "  over SFTP:      memfetch pull -ssh-host target -remote-dir /tmp/lime -file mem.lime")
	fmt.Fprintln(os.Stderr, "  raw pull (TCP): memfetch pull -pull-ip 10.0.0.5 -pull-port 9000 -local-dir /tmp/out -file mem.img")
	fmt.Fprintln(os.Stderr, "flags:")
	config.PrintPullDefaults(os.Stderr)
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" || arg == "-help" {
			return true
		}
	}
	return false
}

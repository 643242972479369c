package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/sheerbytes/memfetch/internal/config"
	"github.com/sheerbytes/memfetch/internal/logging"
	"github.com/sheerbytes/memfetch/internal/network"
	"github.com/sheerbytes/memfetch/internal/progress"
	"github.com/sheerbytes/memfetch/internal/sftpxfer"
)

// Put runs the put subcommand and returns the process exit code.
func Put(args []string) int {
	if hasHelpFlag(args) {
		printPutUsage()
		return 0
	}
	cfg, err := config.ParsePutConfig(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "put: %v\n", err)
		return 2
	}
	logger, closer := logging.New(appName, cfg.LogLevel, logging.Options{File: cfg.LogFile})
	defer closer.Close()

	if cfg.SSHHost == "" {
		logger.Error("put requires -ssh-host")
		return 2
	}
	if len(cfg.Files) == 0 {
		logger.Error("put failed", "error", errNoFiles)
		return 2
	}
	client, err := dialSSH(cfg.CommonConfig)
	if err != nil {
		logger.Error("ssh connect failed", "host", cfg.SSHHost, "error", err)
		return 1
	}

	if err := runPut(cfg, &sftpxfer.SSHSession{Client: client}, logger, os.Stdout); err != nil {
		logger.Error("put failed", "error", err)
		return 1
	}
	return 0
}

// runPut uploads every configured file, stopping at the first failure.
// It owns session and closes it on every path.
func runPut(cfg config.PutConfig, session sftpxfer.Session, logger *slog.Logger, out io.Writer) error {
	if len(cfg.Files) == 0 {
		if session != nil {
			return errors.Join(errNoFiles, session.Close())
		}
		return errNoFiles
	}
	n := network.New(session, network.Options{
		Reporter: progress.NewReporter(out),
		Logger:   logger,
	})
	if err := n.Open(); err != nil {
		return errors.Join(err, n.Close())
	}
	var errs []error
	for _, name := range cfg.Files {
		if err := n.Put(cfg.LocalDir, cfg.RemoteDir, name); err != nil {
			errs = append(errs, err)
			break
		}
	}
	if err := n.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func printPutUsage() {
	fmt.Fprintln(os.Stderr, "usage: memfetch put [flags] [file...]")
	fmt.Fprintln(os.Stderr, "  memfetch put -ssh-host target -local-dir ./lime -remote-dir /tmp -file lime.ko")
	fmt.Fprintln(os.Stderr, "flags:")
	config.PrintPutDefaults(os.Stderr)
}

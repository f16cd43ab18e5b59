// Package cli implements the p2pdrop command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"p2pdrop/config"
	"p2pdrop/discovery"
	"p2pdrop/storage"
)

const logFileName = "p2pdrop.log"

type rootFlags struct {
	dataDir  string
	relayURL string
	logLevel string
	logJSON  bool
	noTUI    bool
}

// app carries the state shared by every subcommand once the root has loaded
// configuration.
type app struct {
	flags   rootFlags
	cfg     *config.DeviceConfig
	cfgPath string
	dataDir string
	logger  *logrus.Entry
	out     io.Writer
	logFile *os.File
}

// Execute runs the root command until it finishes or the process is
// interrupted.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return newRootCmd().ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:          "p2pdrop",
		Short:        "Send files directly between two machines",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a.out = cmd.OutOrStdout()
			return a.load()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.flags.dataDir, "data-dir", "", "data directory (default per-user config dir, or $"+config.DataDirEnv+")")
	flags.StringVar(&a.flags.relayURL, "relay", "", "relay base URL (e.g. http://127.0.0.1:3001)")
	flags.StringVar(&a.flags.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.BoolVar(&a.flags.logJSON, "log-json", false, "emit logs as JSON")
	flags.BoolVar(&a.flags.noTUI, "no-tui", false, "print log lines instead of the progress view")

	root.AddCommand(a.relayCmd(), a.sendCmd(), a.receiveCmd(), a.roomCmd(), a.historyCmd())
	return root
}

func (a *app) load() error {
	var err error
	if a.flags.dataDir != "" {
		a.cfg, a.cfgPath, err = config.LoadOrCreateAt(a.flags.dataDir)
	} else {
		a.cfg, a.cfgPath, err = config.LoadOrCreate()
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a.dataDir = filepath.Dir(a.cfgPath)

	level := a.cfg.Level()
	if a.flags.logLevel != "" {
		level, err = logrus.ParseLevel(a.flags.logLevel)
		if err != nil {
			return fmt.Errorf("parse log level: %w", err)
		}
	}
	logrus.SetLevel(level)
	if a.flags.logJSON {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	a.logger = logrus.WithField("component", "cli")
	return nil
}

// redirectLogs moves log output into the data directory while the progress
// view owns the terminal.
func (a *app) redirectLogs() error {
	path := filepath.Join(a.dataDir, logFileName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	a.logFile = file
	logrus.SetOutput(file)
	return nil
}

func (a *app) restoreLogs() {
	if a.logFile != nil {
		logrus.SetOutput(os.Stderr)
		_ = a.logFile.Close()
		a.logFile = nil
	}
}

// resolveRelay returns the relay base URL: the --relay flag, then the
// configured relay, then the first relay advertised on the LAN.
func (a *app) resolveRelay(ctx context.Context) (string, error) {
	if url := strings.TrimSpace(a.flags.relayURL); url != "" {
		return strings.TrimRight(url, "/"), nil
	}
	if a.cfg.RelayURL != "" {
		return a.cfg.RelayURL, nil
	}

	a.logger.Info("No relay configured; browsing the local network")
	url, err := discovery.LookupRelay(ctx, discovery.Config{})
	if err != nil {
		if errors.Is(err, discovery.ErrNoRelay) {
			return "", fmt.Errorf("%w; pass --relay or set relay_url in %s", err, a.cfgPath)
		}
		return "", fmt.Errorf("lookup relay: %w", err)
	}
	a.logger.WithField("relay", url).Info("Discovered relay")
	return url, nil
}

func (a *app) openHistory() (*storage.Store, error) {
	store, err := storage.OpenPath(a.cfg.HistoryDB)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	return store, nil
}

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/diaryx/diaryx-go/internal/command"
	"github.com/diaryx/diaryx-go/internal/config"
	"github.com/diaryx/diaryx-go/internal/crdt"
	"github.com/diaryx/diaryx-go/internal/device"
	"github.com/diaryx/diaryx-go/internal/storage"
	"github.com/diaryx/diaryx-go/internal/syncer"
	"github.com/diaryx/diaryx-go/internal/vfs"
	"github.com/diaryx/diaryx-go/internal/workspace"
)

// Global persistent flags, bound in newRootCmd.
var (
	flagWorkspace string
	flagVerbose   bool
	flagDebug     bool
	flagQuiet     bool
	flagLogFile   string
)

// app bundles everything a command handler needs. Built once per
// invocation by openApp.
type app struct {
	dispatcher *command.Dispatcher
	workspace  *workspace.Workspace
	sync       *syncer.SyncManager
	store      *storage.SQLiteStore
	cfg        config.WorkspaceConfig
	appCfg     config.AppConfig
	logger     *slog.Logger
}

func (a *app) close() {
	if a.store != nil {
		a.store.Close()
	}
}

// buildLogger constructs the process logger from the verbosity flags.
// File logging rotates through lumberjack when --log-file is set.
func buildLogger() *slog.Logger {
	level := slog.LevelWarn
	switch {
	case flagDebug:
		level = slog.LevelDebug
	case flagVerbose:
		level = slog.LevelInfo
	case flagQuiet:
		level = slog.LevelError
	}
	var out io.Writer = os.Stderr
	if flagLogFile != "" {
		out = &lumberjack.Logger{Filename: flagLogFile, MaxSize: 10, MaxBackups: 3}
	}
	opts := &slog.HandlerOptions{Level: level}
	if !isatty.IsTerminal(os.Stderr.Fd()) || flagLogFile != "" {
		return slog.New(slog.NewJSONHandler(out, opts))
	}
	return slog.New(slog.NewTextHandler(out, opts))
}

// openApp resolves the workspace directory, opens the CRDT database,
// loads documents, and wires the dispatcher.
func openApp(ctx context.Context) (*app, error) {
	logger := buildLogger()

	root := flagWorkspace
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		root = wd
	}

	fs := vfs.NewOS(root)
	wsCfg, err := config.LoadWorkspaceConfig(ctx, fs)
	if err != nil {
		return nil, err
	}
	appCfgPath, err := config.DefaultAppConfigPath()
	if err != nil {
		return nil, err
	}
	appCfg, err := config.LoadAppConfig(appCfgPath, logger)
	if err != nil {
		return nil, err
	}

	dev, err := device.Identify(ctx, fs, appCfg.DeviceName)
	if err != nil {
		return nil, err
	}

	store, err := storage.NewSQLite(filepath.Join(root, ".diaryx", "crdt.db"), logger)
	if err != nil {
		return nil, err
	}

	doc, err := crdt.LoadWorkspaceDoc(store, dev)
	if err != nil {
		store.Close()
		return nil, err
	}
	bodies := crdt.NewBodyDocManager(store, dev, logger)
	handler := syncer.NewSyncHandler(fs, bodies, wsCfg.LinkFormat, logger)
	mgr := syncer.NewSyncManager(doc, bodies, handler, logger)
	ws := workspace.New(fs, doc, bodies, mgr, wsCfg.LinkFormat, logger)
	history := crdt.NewHistoryManager(store, dev, logger)
	dispatcher := command.NewDispatcher(ws, history, mgr, store, logger)

	return &app{
		dispatcher: dispatcher,
		workspace:  ws,
		sync:       mgr,
		store:      store,
		cfg:        wsCfg,
		appCfg:     appCfg,
		logger:     logger,
	}, nil
}

// resolveRoot finds the workspace root index, preferring an explicit
// argument over detection from the current directory.
func resolveRoot(ctx context.Context, a *app, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	root, err := a.workspace.DetectWorkspace(ctx, "")
	if err != nil {
		return "", err
	}
	if root == "" {
		return "", fmt.Errorf("%w: no workspace root index found (run `diaryx init` first)", workspace.ErrWorkspaceNotFound)
	}
	return root, nil
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "diaryx",
		Short:         "Diaryx markdown workspace with CRDT sync",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flagWorkspace, "workspace", "w", "", "workspace directory (default: current directory)")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "info-level logging")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "debug-level logging")
	root.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "errors only")
	root.PersistentFlags().StringVar(&flagLogFile, "log-file", "", "write logs to a rotated file")

	root.AddCommand(
		newInitCmd(),
		newTreeCmd(),
		newCatCmd(),
		newSaveCmd(),
		newNewCmd(),
		newAttachCmd(),
		newMoveCmd(),
		newRenameCmd(),
		newDeleteCmd(),
		newConvertCmd(),
		newDuplicateCmd(),
		newTodayCmd(),
		newValidateCmd(),
		newHistoryCmd(),
		newDiffCmd(),
		newRestoreCmd(),
		newCompactCmd(),
		newSyncCmd(),
	)
	return root
}

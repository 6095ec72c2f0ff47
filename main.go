// main.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"labelcore/internal/config"
	"labelcore/internal/websocket"
)

var (
	appDir   string
	addr     string
	openLast bool
	openKey  string

	rootCmd = &cobra.Command{
		Use:           "labelcore",
		Short:         "Label editing engine for cell tracking projects",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the editing engine behind a websocket",
		RunE:  runServe,
	}

	importCmd = &cobra.Command{
		Use:   "import [archive]",
		Short: "Copy a project archive into storage",
		Args:  cobra.ExactArgs(1),
		RunE:  runImport,
	}

	exportCmd = &cobra.Command{
		Use:   "export [key] [path]",
		Short: "Write a stored project archive to a local file",
		Args:  cobra.ExactArgs(2),
		RunE:  runExport,
	}

	projectsCmd = &cobra.Command{
		Use:   "projects",
		Short: "List known projects",
		RunE:  runProjects,
	}

	checkpointsCmd = &cobra.Command{
		Use:   "checkpoints",
		Short: "Inspect autosave checkpoints",
	}
	checkpointsListCmd = &cobra.Command{
		Use:   "list [project-id]",
		Short: "List the checkpoints of a project",
		Args:  cobra.ExactArgs(1),
		RunE:  runCheckpointsList,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&appDir, "home", "", "app directory (default ~/.labelcore or $LABELCORE_HOME)")
	serveCmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides server.addr")
	serveCmd.Flags().BoolVar(&openLast, "open-last", false, "reopen the last project on start")
	serveCmd.Flags().StringVar(&openKey, "open", "", "open the stored project with this key on start")

	checkpointsCmd.AddCommand(checkpointsListCmd)
	rootCmd.AddCommand(serveCmd, importCmd, exportCmd, projectsCmd, checkpointsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if appDir != "" {
		return config.LoadDir(appDir)
	}
	return config.Load()
}

func newLogger(cfg *config.Config, w io.Writer) (*slog.Logger, *slog.LevelVar) {
	level := new(slog.LevelVar)
	level.Set(cfg.SlogLevel())
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), level
	}
	return slog.New(slog.NewTextHandler(w, opts)), level
}

// openApp builds an App for one-shot commands.
func openApp(ctx context.Context) (*App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, level := newLogger(cfg, os.Stderr)
	return NewApp(ctx, cfg, Options{Logger: logger, Level: level})
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	logger, level := newLogger(cfg, os.Stderr)
	slog.SetDefault(logger)

	app, err := NewApp(ctx, cfg, Options{
		Logger:     logger,
		Level:      level,
		HTTPClient: &http.Client{},
	})
	if err != nil {
		return err
	}
	if err := app.WatchConfig(); err != nil {
		logger.Warn("config watcher not started", "error", err)
	}

	switch {
	case openKey != "":
		if _, err := app.OpenProject(openKey); err != nil {
			logger.Error("open project", "key", openKey, "error", err)
		}
	case openLast:
		if _, err := app.OpenLastProject(); err != nil {
			logger.Warn("reopen last project", "error", err)
		}
	}

	wsServer := websocket.NewServer(NewBindings(app), websocket.Config{
		Addr:    cfg.Server.Addr,
		AuthKey: cfg.Server.AuthKey,
		Logger:  logger,
	})
	app.SetBroadcaster(wsServer)

	listen, err := wsServer.Start(ctx)
	if err != nil {
		app.Shutdown(context.Background())
		return err
	}
	fmt.Printf("LABELCORE_WS_READY:addr=%s\n", listen)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wsServer.Stop(shutdownCtx); err != nil {
		logger.Warn("stop websocket server", "error", err)
	}
	app.Shutdown(shutdownCtx)
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	app, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer app.Shutdown(context.Background())

	info, err := app.ImportProject(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("%s\t%s\t%s\n", info.ID, info.Name, info.BlobKey)
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	app, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer app.Shutdown(context.Background())
	return app.ExportStored(args[0], args[1])
}

func runProjects(cmd *cobra.Command, _ []string) error {
	app, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer app.Shutdown(context.Background())

	projects, err := app.ListProjects()
	if err != nil {
		return err
	}
	for _, p := range projects {
		fmt.Printf("%s\t%s\t%s\t%dx%dx%d\t%s\n", p.ID, p.Name, p.BlobKey,
			p.Width, p.Height, p.NumFrames, time.UnixMilli(p.LastOpened).Format(time.RFC3339))
	}
	return nil
}

func runCheckpointsList(cmd *cobra.Command, args []string) error {
	app, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer app.Shutdown(context.Background())

	timeline, err := app.checkpoints.Timeline(args[0])
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(timeline)
}

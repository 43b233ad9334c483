package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dolgim/dolcanvas/internal/canvas"
	"github.com/dolgim/dolcanvas/internal/client"
	"github.com/dolgim/dolcanvas/internal/config"
	"github.com/dolgim/dolcanvas/internal/database"
	"github.com/dolgim/dolcanvas/internal/ids"
	"github.com/dolgim/dolcanvas/internal/journal"
	"github.com/dolgim/dolcanvas/internal/logging"
	"github.com/dolgim/dolcanvas/internal/raster"
	"github.com/dolgim/dolcanvas/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dolcanvas",
		Short: "Shared real-time drawing canvas",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newServeCommand(), newWatchCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")

	bindFlag(cmd.PersistentFlags().Lookup("log-level"), "log.level")
	bindFlag(cmd.PersistentFlags().Lookup("log-format"), "log.format")
}

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the drawing session server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
	defaults := config.NewViper()
	cmd.Flags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.Flags().String("journal-path", defaults.GetString("journal.path"), "SQLite journal path (empty disables the journal)")

	bindFlag(cmd.Flags().Lookup("http-address"), "http.address")
	bindFlag(cmd.Flags().Lookup("journal-path"), "journal.path")
	return cmd
}

func newWatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Join a session headlessly and mirror the canvas",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatcher(cmd.Context())
		},
	}
	defaults := config.NewViper()
	cmd.Flags().String("url", defaults.GetString("client.url"), "Server websocket URL")
	cmd.Flags().String("user-id", "", "User id to join as (generated when empty)")
	cmd.Flags().String("snapshot", "", "Write the mirrored canvas to this PNG file on exit")

	bindFlag(cmd.Flags().Lookup("url"), "client.url")
	bindFlag(cmd.Flags().Lookup("user-id"), "client.user_id")
	bindFlag(cmd.Flags().Lookup("snapshot"), "client.snapshot_path")
	return cmd
}

func bindFlag(flag *pflag.Flag, key string) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hubConfig := server.HubConfig{
		Store:  canvas.NewStore(),
		Logger: logger.Named("hub"),
	}
	deps := server.Dependencies{
		IDs: ids.NewUUIDProvider(),
		Peer: server.PeerConfig{
			SendBuffer:        appConfig.SendBuffer,
			MaxMessageBytes:   appConfig.MaxMessageBytes,
			MessagesPerSecond: appConfig.MessagesPerSecond,
			MessageBurst:      appConfig.MessageBurst,
		},
		Logger: logger,
	}

	var recorderDone chan struct{}
	if appConfig.JournalEnabled() {
		db, err := database.OpenSQLite(appConfig.JournalPath, logger)
		if err != nil {
			return err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		defer sqlDB.Close()

		recorder, err := journal.NewRecorder(journal.RecorderConfig{
			Database:   db,
			Clock:      time.Now,
			Logger:     logger.Named("journal"),
			BufferSize: appConfig.JournalBuffer,
		})
		if err != nil {
			return err
		}
		recorderDone = make(chan struct{})
		go func() {
			defer close(recorderDone)
			recorder.Run(signalCtx)
		}()
		hubConfig.Recorder = recorder
		deps.Journal = recorder
	}

	hub, err := server.NewHub(hubConfig)
	if err != nil {
		return err
	}
	go hub.Run(signalCtx)
	deps.Hub = hub

	handler, err := server.NewHTTPHandler(deps)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.Bool("journal", appConfig.JournalEnabled()))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		if recorderDone != nil {
			<-recorderDone
		}
		return err
	case err := <-errCh:
		return err
	}
}

func runWatcher(ctx context.Context) error {
	clientConfig, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(clientConfig.LogLevel, clientConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	surface, err := raster.NewCanvas(clientConfig.CanvasWidth, clientConfig.CanvasHeight)
	if err != nil {
		return err
	}

	userID := clientConfig.UserID
	if userID == "" {
		userID = ids.MustNewID(ids.NewUUIDProvider())
	}

	watcher, err := client.New(client.Config{
		URL:            clientConfig.ServerURL,
		UserID:         userID,
		Surface:        surface,
		Dialer:         client.WebsocketDialer{},
		ReconnectDelay: clientConfig.ReconnectDelay,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		watcher.Run(signalCtx)
	}()

	err = watcher.Do(signalCtx, func(engine *client.Engine, presence *client.Presence) {
		engine.Subscribe(func(change client.Change) {
			if change.Kind == client.ChangeHistory {
				logger.Debug("canvas changed", zap.Int("strokes", len(engine.History())))
			}
		})
		presence.Subscribe(func() {
			logger.Debug("presence changed", zap.Int("remote_users", len(presence.Cursors())))
		})
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, client.ErrLoopStopped) {
		return err
	}

	logger.Info("watching canvas", zap.String("url", clientConfig.ServerURL))
	<-done

	if clientConfig.SnapshotPath == "" {
		return nil
	}
	if err := surface.SavePNG(clientConfig.SnapshotPath); err != nil {
		return err
	}
	logger.Info("snapshot written", zap.String("path", clientConfig.SnapshotPath))
	return nil
}

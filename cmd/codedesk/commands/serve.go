package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/codedesk-ai/codedesk/internal/alarm"
	"github.com/codedesk-ai/codedesk/internal/channel"
	"github.com/codedesk-ai/codedesk/internal/config"
	"github.com/codedesk-ai/codedesk/internal/logging"
	"github.com/codedesk-ai/codedesk/internal/permission"
	"github.com/codedesk-ai/codedesk/internal/provider"
	"github.com/codedesk-ai/codedesk/internal/server"
	"github.com/codedesk-ai/codedesk/internal/session"
	"github.com/codedesk-ai/codedesk/internal/storage"
)

var (
	servePort     int
	serveHostname string
	serveDir      string
	serveSocket   string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the codedesk engine",
	Long: `Start the engine: the HTTP API for editors, the session directory,
and the channel daemon connection.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 7777, "Port to listen on")
	serveCmd.Flags().StringVar(&serveHostname, "hostname", "127.0.0.1", "Hostname to listen on")
	serveCmd.Flags().StringVar(&serveDir, "directory", "", "Working directory")
	serveCmd.Flags().StringVar(&serveSocket, "socket", "", "Channel daemon socket path")
}

func runServe(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(serveDir)
	if err != nil {
		return err
	}

	_ = godotenv.Load(filepath.Join(workDir, ".env"))

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return err
	}

	cfgStore, err := config.NewStore(workDir)
	if err != nil {
		return err
	}
	defer cfgStore.Close()
	cfg := cfgStore.Get()

	level := cfg.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	logging.Init(logging.Config{
		Level:  logging.ParseLevel(level),
		Pretty: prettyLog,
	})

	logging.Info().Str("version", Version).Str("dir", workDir).Msg("starting codedesk")

	if len(cfg.Provider.Command) == 0 {
		return fmt.Errorf("no provider command configured (provider.command)")
	}

	store := storage.New(filepath.Join(paths.Data, "storage"))
	arbiter := permission.NewArbiter(cfgStore)

	host := serveHostname
	if cfg.Server.Host != "" && !cmd.Flags().Changed("hostname") {
		host = cfg.Server.Host
	}
	port := servePort
	if cfg.Server.Port != 0 && !cmd.Flags().Changed("port") {
		port = cfg.Server.Port
	}
	baseURL := fmt.Sprintf("http://%s:%d", host, port)

	factory := func(key string) session.Provider {
		return session.AdaptProvider(provider.NewBridge(provider.Options{
			Command:        cfg.Provider.Command,
			Dir:            workDir,
			PermissionMode: cfg.Provider.PermissionMode,
			AllowedTools:   cfg.Permission.AllowedTools,
			Env: []string{
				"CODEDESK_SERVER=" + baseURL,
				"CODEDESK_SESSION=" + key,
			},
		}))
	}

	drain := time.Duration(cfg.Session.DrainTimeoutSecs) * time.Second
	sessions := session.NewDirectory(store, arbiter, factory, session.Options{
		DrainTimeout: drain,
	})
	defer sessions.CloseAll()

	alarms := alarm.NewRegistry(alarm.DirectoryResolver(sessions))
	defer alarms.Close()

	channels := channel.NewBridge(channel.DirectoryResolver(sessions))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	socketPath := cfg.Channel.SocketPath
	if serveSocket != "" {
		socketPath = serveSocket
	}
	if socketPath != "" {
		client := channel.NewClient(channels, socketPath, cfg.Channel.PoolPrefix)
		go client.Run(ctx)
	}

	serverConfig := server.DefaultConfig()
	serverConfig.Host = host
	serverConfig.Port = port
	srv := server.New(serverConfig, sessions, arbiter, alarms, channels)

	errs := make(chan error, 1)
	go func() {
		errs <- srv.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errs:
		return err
	case sig := <-quit:
		logging.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/lucashmsilva/quemsoueu/internal/config"
	"github.com/lucashmsilva/quemsoueu/internal/server"
)

func main() {
	cobra.CheckErr(newCmd().Execute())
}

func newCmd() *cobra.Command {
	var configPath string
	flags := struct {
		addr            string
		idleRoomTimeout time.Duration
		sweepInterval   time.Duration
		logLevel        string
	}{}

	v := viper.New()
	v.SetEnvPrefix("QUEMSOUEU")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "quemsoueu-server",
		Short:         "Room server for the Quem Sou Eu party game.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
				log.Warn().Err(err).Msg("could not load .env file")
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fs := cmd.Flags()
			if fs.Changed("addr") {
				cfg.Server.Addr = flags.addr
			}
			if fs.Changed("idle-room-timeout") {
				cfg.Server.IdleRoomTimeout = flags.idleRoomTimeout
			}
			if fs.Changed("sweep-interval") {
				cfg.Server.SweepInterval = flags.sweepInterval
			}
			if fs.Changed("log-level") {
				cfg.LogLevel = flags.logLevel
			}

			setupLogging(cfg.LogLevel)
			return run(cmd.Context(), cfg)
		},
	}

	fs := cmd.Flags()
	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})
	fs.StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	fs.StringVarP(&flags.addr, "addr", "a", ":8000", "address to listen on (env: QUEMSOUEU_ADDR)")
	fs.DurationVar(&flags.idleRoomTimeout, "idle-room-timeout", 60*time.Minute, "time before idle rooms are removed (env: QUEMSOUEU_IDLE_ROOM_TIMEOUT)")
	fs.DurationVar(&flags.sweepInterval, "sweep-interval", time.Minute, "how often idle rooms are swept (env: QUEMSOUEU_SWEEP_INTERVAL)")
	fs.StringVar(&flags.logLevel, "log-level", "info", "zerolog level (env: QUEMSOUEU_LOG_LEVEL)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	return cmd
}

func setupLogging(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

func run(ctx context.Context, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverConfig := server.DefaultConfig()
	serverConfig.PingInterval = cfg.Server.PingInterval
	serverConfig.IdleRoomTimeout = cfg.Server.IdleRoomTimeout
	serverConfig.SweepInterval = cfg.Server.SweepInterval

	clock := clockwork.NewRealClock()
	registry := server.NewRegistry(clock)
	srv := server.New(registry, serverConfig, clock)

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)

	go srv.RunSweeper(ctx)

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("room server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

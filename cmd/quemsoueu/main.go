package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/lucashmsilva/quemsoueu/internal/config"
	"github.com/lucashmsilva/quemsoueu/internal/roomsync"
	"github.com/lucashmsilva/quemsoueu/internal/session"
)

func main() {
	cobra.CheckErr(newCmd().Execute())
}

func newCmd() *cobra.Command {
	var (
		configPath string
		serverURL  string
		roomID     string
		logLevel   string
	)

	v := viper.New()
	v.SetEnvPrefix("QUEMSOUEU")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "quemsoueu",
		Short:         "Terminal client for the Quem Sou Eu party game.",
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
			if fs.Changed("server") {
				cfg.Client.ServerURL = serverURL
			}
			if fs.Changed("log-level") {
				cfg.LogLevel = logLevel
			}

			lvl, err := zerolog.ParseLevel(cfg.LogLevel)
			if err != nil {
				lvl = zerolog.InfoLevel
			}
			zerolog.SetGlobalLevel(lvl)

			return run(cmd.Context(), cfg, roomID)
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	fs.StringVarP(&serverURL, "server", "s", "ws://localhost:8000/ws", "websocket URL of the room server (env: QUEMSOUEU_SERVER_URL)")
	fs.StringVarP(&roomID, "room", "r", "", "rejoin a known room directly (cold entry)")
	fs.StringVar(&logLevel, "log-level", "warn", "zerolog level (env: QUEMSOUEU_LOG_LEVEL)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	return cmd
}

func run(ctx context.Context, cfg config.Config, roomID string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := session.NewClient(session.DefaultConfig(cfg.Client.ServerURL))

	syncConfig := roomsync.DefaultConfig()
	syncConfig.ReconcileDeadline = cfg.Client.ReconcileDeadline
	syncConfig.Clock = clockwork.NewRealClock()

	views := make(chan roomsync.View, 16)
	onView := func(v roomsync.View) {
		select {
		case views <- v:
		default:
		}
	}

	var (
		syncer *roomsync.Synchronizer
		err    error
	)
	if roomID != "" {
		syncer, err = roomsync.NewPinned(client, roomID, onView, syncConfig)
		if err != nil {
			return err
		}
	} else {
		syncer = roomsync.New(client, onView, syncConfig)
	}

	// Subscription must be wired before the first connect: lifecycle
	// transitions are not replayed.
	client.Subscribe(syncer)
	client.OnMessage(syncer.HandleMessage)

	go syncer.Run(ctx)
	go renderViews(ctx, views)

	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Disconnect()

	fmt.Println("commands: create <nickname> | join <nickname> <code> | leave | quit")
	return repl(ctx, syncer)
}

func repl(ctx context.Context, syncer *roomsync.Synchronizer) error {
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			fields := strings.Fields(line)
			if len(fields) == 0 {
				continue
			}
			var err error
			switch fields[0] {
			case "create":
				if len(fields) != 2 {
					fmt.Println("usage: create <nickname>")
					continue
				}
				err = syncer.CreateRoom(fields[1])
			case "join":
				if len(fields) != 3 {
					fmt.Println("usage: join <nickname> <code>")
					continue
				}
				err = syncer.JoinRoom(fields[1], fields[2])
			case "leave":
				err = syncer.LeaveRoom()
			case "quit":
				return nil
			default:
				fmt.Printf("unknown command %q\n", fields[0])
				continue
			}
			if err != nil {
				fmt.Println("error:", err)
			}
		}
	}
}

func renderViews(ctx context.Context, views <-chan roomsync.View) {
	for {
		select {
		case <-ctx.Done():
			return
		case v := <-views:
			render(v)
		}
	}
}

func render(v roomsync.View) {
	switch v.State {
	case roomsync.StateNoRoom:
		if v.Err != "" {
			fmt.Printf("[no room] %s\n", v.Err)
		} else {
			fmt.Println("[no room]")
		}
	case roomsync.StateAwaitingCreateOrJoin, roomsync.StateReconciling:
		fmt.Println("[loading...]")
	case roomsync.StateSynchronized:
		fmt.Printf("[room %s] status=%s\n", v.RoomID, v.Status)
		for _, p := range v.Players {
			marker := ""
			if p.ID == v.You {
				marker = " (you)"
			}
			fmt.Printf("  %s%s  %d pts\n", p.Nickname, marker, p.Score)
		}
	case roomsync.StateLeft:
		if v.Evicted {
			fmt.Printf("[evicted] %s\n", v.Err)
		} else {
			fmt.Println("[left room]")
		}
	}
}

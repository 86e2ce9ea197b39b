package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/koopa0/system-design/14-like-counter/internal/client"
	"github.com/koopa0/system-design/14-like-counter/internal/document"
	"github.com/koopa0/system-design/14-like-counter/internal/like"
	"github.com/koopa0/system-design/14-like-counter/internal/localstore"
	"github.com/koopa0/system-design/14-like-counter/pkg/logger"
	"github.com/spf13/cobra"
)

// readyTimeout 等待第一次讀取的上限
const readyTimeout = 10 * time.Second

// app 每次執行共用的依賴
type app struct {
	dataPath string
	envFile  string

	config     client.Config
	logger     *slog.Logger
	storage    *localstore.BoltStorage
	connector  *client.Connector
	controller *like.Controller
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "likes",
		Short:         "Like counter for the portfolio site",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&a.dataPath, "data", "likes.db", "local state file")
	root.PersistentFlags().StringVar(&a.envFile, "env", ".env", "dotenv file with connection settings")

	root.AddCommand(
		a.showCmd(),
		a.toggleCmd(),
		a.watchCmd(),
		a.statusCmd(),
	)
	return root
}

// open 載入設定、開啟本機狀態並建立控制器
func (a *app) open(cmd *cobra.Command, realtime bool) error {
	config, err := client.LoadConfig(a.envFile)
	if err != nil {
		return err
	}
	a.config = config

	level := "warn"
	if config.Debug {
		level = "debug"
	}
	a.logger = logger.NewWithWriter(cmd.ErrOrStderr(), logger.Options{Level: level, Format: "text"})

	storage, err := localstore.Open(a.dataPath)
	if err != nil {
		return err
	}
	a.storage = storage

	a.connector = client.NewConnector(config, a.logger)

	opts := like.DefaultOptions()
	opts.Enabled = config.Enabled
	opts.Realtime = config.Realtime && realtime
	a.controller = like.NewController(
		like.ClientConnector(a.connector, document.LikesCounterPath),
		storage,
		a.logger,
		opts,
	)
	return nil
}

func (a *app) close() {
	if a.controller != nil {
		a.controller.Close()
	}
	if a.storage != nil {
		_ = a.storage.Close()
	}
}

// start 初始化控制器並等待第一次讀取
func (a *app) start(ctx context.Context) error {
	a.controller.Initialize(ctx)

	select {
	case <-a.controller.Ready():
		return nil
	case <-time.After(readyTimeout):
		return fmt.Errorf("timed out loading likes")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *app) showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the current like count",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.open(cmd, false); err != nil {
				return err
			}
			defer a.close()

			if err := a.start(cmd.Context()); err != nil {
				return err
			}
			printView(cmd.OutOrStdout(), a.controller.View())
			return nil
		},
	}
}

func (a *app) toggleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "toggle",
		Short: "Like or unlike the site",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.open(cmd, false); err != nil {
				return err
			}
			defer a.close()

			if err := a.start(cmd.Context()); err != nil {
				return err
			}
			view, err := a.controller.Toggle(cmd.Context())
			printView(cmd.OutOrStdout(), view)
			return err
		},
	}
}

func (a *app) watchCmd() *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the like count until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.open(cmd, true); err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := a.start(ctx); err != nil {
				return err
			}

			last := a.controller.View()
			printView(cmd.OutOrStdout(), last)

			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					view := a.controller.View()
					if view.Likes != last.Likes || view.Error != last.Error || view.Phase != last.Phase {
						printView(cmd.OutOrStdout(), view)
						last = view
					}
				}
			}
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 250*time.Millisecond, "refresh interval")
	return cmd
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check configuration and backend connectivity",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.open(cmd, false); err != nil {
				return err
			}
			defer a.close()

			out := cmd.OutOrStdout()
			if missing := a.config.Missing(); len(missing) > 0 {
				fmt.Fprintf(out, "missing configuration: %v\n", missing)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), readyTimeout)
			defer cancel()
			conn, err := a.connector.Connect(ctx)

			status := a.connector.Status()
			fmt.Fprintf(out, "enabled:     %t\n", a.config.Enabled)
			fmt.Fprintf(out, "realtime:    %t\n", a.config.Realtime)
			fmt.Fprintf(out, "initialized: %t\n", status.Initialized)
			if err != nil {
				fmt.Fprintf(out, "error:       %v\n", err)
				return err
			}
			fmt.Fprintf(out, "client id:   %s\n", conn.ClientID())
			fmt.Fprintf(out, "attested:    %t\n", conn.Attested())
			return nil
		},
	}
}

func printView(w io.Writer, v like.View) {
	if !v.Visible {
		fmt.Fprintln(w, "likes are unavailable")
		return
	}

	mark := "♡"
	if v.Liked {
		mark = "♥"
	}
	fmt.Fprintf(w, "%s %d\n", mark, v.Likes)
	if v.Feedback != "" {
		fmt.Fprintln(w, v.Feedback)
	}
	if v.Error != "" {
		fmt.Fprintln(w, v.Error)
	}
}

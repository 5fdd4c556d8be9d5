package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"overseer/internal/config"
	"overseer/internal/db"
	"overseer/internal/engine"
	"overseer/internal/executor"
	"overseer/internal/migrate"
	"overseer/internal/repo"
	"overseer/internal/server"
	"overseer/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "ovs",
	Short: "Overseer CLI",
	Long: `Overseer coordinates worker terminal sessions through an external Session
Executor and keeps a per-project context log. Entries that need a human
decision (errors, approval requests, flagged notes) form the attention queue,
served over REST and pushed live to connected observers via 'ovs serve'.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("OVERSEER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().String("executor-url", "", "Session Executor base URL")
	rootCmd.PersistentFlags().String("token", "", "optional bearer token for the Session Executor")
	rootCmd.PersistentFlags().String("state-dir", "", "path for overseer context state")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("executor-url", rootCmd.PersistentFlags().Lookup("executor-url"))
	_ = viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
	_ = viper.BindPFlag("state-dir", rootCmd.PersistentFlags().Lookup("state-dir"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(assignCmd())
	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(pullCmd())
	rootCmd.AddCommand(sessionsCmd())
	rootCmd.AddCommand(serveCmd())
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(".")
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("executor-url"); v != "" {
		cfg.ExecutorBaseURL = v
	}
	if v := viper.GetString("token"); v != "" {
		cfg.Token = v
	}
	if v := viper.GetString("state-dir"); v != "" {
		cfg.StateDir = v
	}
	return cfg, cfg.Validate()
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{StateDir: cfg.StateDir})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	st, err := store.Open(cfg.StateDir)
	if err != nil {
		return err
	}
	client := executor.New(cfg.ExecutorBaseURL, cfg.Token)
	eng := engine.New(repo.Repo{DB: conn}, st, client, cfg)
	return fn(ctx, eng)
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectInitCmd())
	return prj
}

func projectInitCmd() *cobra.Command {
	var branch string
	cmd := &cobra.Command{
		Use:   "init <project_id> <name> <goal>",
		Short: "Initialize a project context",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.EnsureProject(ctx, args[0], args[1], args[2], branch)
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	cmd.Flags().StringVar(&branch, "branch", "", "initial branch hint")
	return cmd
}

func assignCmd() *cobra.Command {
	var sessionName string
	var heartbeat bool
	cmd := &cobra.Command{
		Use:   "assign <project_id> <role> <command>...",
		Short: "Create a session and dispatch one or more commands",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				interval := time.Duration(0)
				if heartbeat {
					interval = time.Duration(e.Config.HeartbeatInterval)
				}
				results, err := e.RunTask(ctx, args[0], args[1], args[2:], sessionName, interval)
				if err != nil {
					return err
				}
				for i, res := range results {
					fmt.Printf("[%d] quiesced=%t waited_ms=%d\n", i+1, res.Quiesced, res.WaitedMS)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&sessionName, "session-name", "", "optional fixed session name")
	cmd.Flags().BoolVar(&heartbeat, "heartbeat", false, "emit heartbeat context updates")
	return cmd
}

func sendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <project_id> <session_name> <command>",
		Short: "Send a command to an existing tracked session",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.DispatchCommand(ctx, args[0], args[1], args[2], true)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <project_id>",
		Short: "Show the current snapshot for a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.ProjectReport(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				printReport(report)
				return nil
			})
		},
	}
	return cmd
}

func pullCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pull <project_id> <session_name>",
		Short: "Pull the latest screen and scrollback for a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				view, err := e.PullSession(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSON(view)
			})
		},
	}
	return cmd
}

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List live sessions from the Session Executor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sessions, err := e.ListExecutorSessions(ctx)
				if err != nil {
					return err
				}
				return printJSON(sessions)
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, notify string
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the attention queue over REST and a live push socket",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Serve.Addr = addr
			}
			if interval > 0 {
				cfg.Serve.PollInterval = config.Duration(interval)
			}
			if notify != "" {
				cfg.Serve.Notify = notify
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address")
	cmd.Flags().DurationVar(&interval, "interval", 0, "queue poll interval")
	cmd.Flags().StringVar(&notify, "notify", "", "notification mode: poll or push")
	return cmd
}

func runServer(ctx context.Context, cfg *config.Config) error {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	conn, err := db.Open(db.Config{StateDir: cfg.StateDir})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	st, err := store.Open(cfg.StateDir)
	if err != nil {
		return err
	}

	hub := server.NewHub(st, log, time.Duration(cfg.Serve.PollInterval), cfg.Serve.Notify)
	handler := server.New(server.Config{Store: st, Repo: repo.Repo{DB: conn}, Hub: hub})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	hubCtx, cancelHub := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		hub.Run(hubCtx)
	}()

	srv := &http.Server{Addr: cfg.Serve.Addr, Handler: handler}
	errCh := make(chan error, 1)
	go func() {
		log.Info("overseer queue server listening",
			"addr", cfg.Serve.Addr, "notify", cfg.Serve.Notify,
			"poll_interval", cfg.Serve.PollInterval.String())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			cancelHub()
			<-hubDone
			return err
		}
	}

	cancelHub()
	<-hubDone
	hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func printReport(report engine.Report) {
	if report.Snapshot != nil {
		fmt.Printf("%s (%s)\n", report.Snapshot.Summary, report.Snapshot.Status)
		for _, blocker := range report.Snapshot.OpenBlockers {
			fmt.Println("  blocker:", blocker)
		}
		for _, highlight := range report.Snapshot.RecentHighlights {
			fmt.Println("  attention:", highlight)
		}
	}

	sessions := table.NewWriter()
	sessions.SetOutputMirror(os.Stdout)
	sessions.AppendHeader(table.Row{"Session", "Role", "State", "Last Signal", "Updated"})
	for _, s := range report.Sessions {
		sessions.AppendRow(table.Row{s.Name, s.Role, s.State, s.LastSignal, s.UpdatedAt})
	}
	sessions.Render()

	events := table.NewWriter()
	events.SetOutputMirror(os.Stdout)
	events.AppendHeader(table.Row{"TS", "Session", "Actor", "Kind", "Text"})
	for _, e := range report.RecentEvents {
		text := e.Text
		if len(text) > 80 {
			text = text[:80] + "..."
		}
		events.AppendRow(table.Row{e.TS, e.SessionName, e.Actor, string(e.Kind), text})
	}
	events.Render()
}

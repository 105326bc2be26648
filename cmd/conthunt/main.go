// Package main provides the conthunt CLI entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Synthenova/conthunt-sub001/agent"
	"github.com/Synthenova/conthunt-sub001/cli"
	"github.com/Synthenova/conthunt-sub001/config"
	"github.com/Synthenova/conthunt-sub001/quota"
)

var (
	// Global flags
	provider    string
	planner     string
	stream      bool
	verbose     bool
	metricsAddr string
)

func main() {
	// Load .env file if present (ignore "file not found" errors)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Warning: failed to load .env file: %v\n", err)
		}
	}

	rootCmd := &cobra.Command{
		Use:   "conthunt",
		Short: "Deep research over short-form video search results",
		Long: `A CLI for researching short-form videos.

Each session keeps its searches, analyses and judged results on disk:
- research: run one request ("find viral cooking hacks")
- chat: send requests interactively within one session
- progress: show the searches and criteria recorded for a session
- quota: show a user's credits for today
- sessions: list sessions or clear a session's transcript`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&provider, "provider", "p", "", "LLM provider (openai, anthropic, deepseek, gemini)")
	rootCmd.PersistentFlags().StringVar(&planner, "planner", cli.PlannerHeuristic, "Planner (heuristic, llm)")
	rootCmd.PersistentFlags().BoolVar(&stream, "stream", false, "Rewrite replies through the LLM while streaming")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Show verbose output")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	rootCmd.AddCommand(researchCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(progressCmd())
	rootCmd.AddCommand(quotaCmd())
	rootCmd.AddCommand(sessionsCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}

// withApp loads settings, wires the components and runs fn.
func withApp(ctx context.Context, fn func(app *cli.App) error) error {
	settings, err := config.New(provider)
	if err != nil {
		return err
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	opts := cli.DefaultOptions()
	opts.Planner = planner
	opts.StreamReplies = stream
	opts.Verbose = verbose
	if metricsAddr != "" {
		reg := prometheus.NewRegistry()
		opts.Registerer = reg
		srv := serveMetrics(metricsAddr, reg, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	app, err := cli.Open(ctx, settings, opts, logger)
	if err != nil {
		return err
	}
	defer app.Close()
	return fn(app)
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	return srv
}

// requestFlags are shared by research and chat.
type requestFlags struct {
	session string
	user    string
	role    string
}

func (f *requestFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.session, "session", "default", "Session ID")
	cmd.Flags().StringVar(&f.user, "user", "local", "User ID charged for analyses")
	cmd.Flags().StringVar(&f.role, "role", string(quota.RoleFree), "Billing role (free, pro, admin)")
}

func (f *requestFlags) request(message string) (agent.Request, error) {
	role, err := quota.ParseRole(f.role)
	if err != nil {
		return agent.Request{}, err
	}
	return agent.Request{SessionID: f.session, UserID: f.user, Role: role, Message: message}, nil
}

func researchCmd() *cobra.Command {
	var flags requestFlags
	var criterion string
	var searchNumber, topK int

	cmd := &cobra.Command{
		Use:   "research [message]",
		Short: "Run one research request",
		Long: `Run one research request within a session.

Examples:
  conthunt research "find viral cooking hacks"
  conthunt research "justify top-10 of search 1" --criterion "strong hooks"

An interrupted request resumes when the same message is sent again.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := flags.request(args[0])
			if err != nil {
				return err
			}
			req.Criterion = criterion
			req.SearchNumber = searchNumber
			req.TopK = topK
			return withApp(cmd.Context(), func(app *cli.App) error {
				_, err := app.Research(cmd.Context(), req, cmd.OutOrStdout(), verbose)
				return err
			})
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&criterion, "criterion", "", "Judge videos against this criterion")
	cmd.Flags().IntVar(&searchNumber, "search", 0, "Search number to rank (default: latest)")
	cmd.Flags().IntVar(&topK, "top-k", 0, "Number of videos to rank (default: AGENT_DEFAULT_TOP_K)")

	return cmd
}

func chatCmd() *cobra.Command {
	var flags requestFlags

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive research session",
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := flags.request("")
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(app *cli.App) error {
				return app.Chat(cmd.Context(), base, cmd.InOrStdin(), cmd.OutOrStdout(), verbose)
			})
		},
	}

	flags.register(cmd)
	return cmd
}

func progressCmd() *cobra.Command {
	var session string

	cmd := &cobra.Command{
		Use:   "progress",
		Short: "Show the searches and criteria of a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(app *cli.App) error {
				return app.ShowProgress(cmd.Context(), session, cmd.OutOrStdout())
			})
		},
	}

	cmd.Flags().StringVar(&session, "session", "default", "Session ID")
	return cmd
}

func quotaCmd() *cobra.Command {
	var user, role string

	cmd := &cobra.Command{
		Use:   "quota",
		Short: "Show today's credits for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := quota.ParseRole(role)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(app *cli.App) error {
				return app.ShowQuota(cmd.Context(), user, r, cmd.OutOrStdout())
			})
		},
	}

	cmd.Flags().StringVar(&user, "user", "local", "User ID")
	cmd.Flags().StringVar(&role, "role", string(quota.RoleFree), "Billing role (free, pro, admin)")
	return cmd
}

func sessionsCmd() *cobra.Command {
	var clearID string

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions or clear a session's transcript",
		Long: `List the sessions with a chat transcript, most recent first.

With --clear, forget the chat history of one session. Its searches,
analyses and recorded batches are kept.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(app *cli.App) error {
				if clearID != "" {
					return app.ClearTranscript(cmd.Context(), clearID, cmd.OutOrStdout())
				}
				return app.ListSessions(cmd.Context(), cmd.OutOrStdout())
			})
		},
	}

	cmd.Flags().StringVar(&clearID, "clear", "", "Clear the transcript of this session")
	return cmd
}

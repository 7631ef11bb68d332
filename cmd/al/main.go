package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"anchorline/internal/chain"
	"anchorline/internal/config"
	"anchorline/internal/db"
	"anchorline/internal/domain"
	"anchorline/internal/engine"
	"anchorline/internal/migrate"
	"anchorline/internal/reconcile"
	"anchorline/internal/server"
	"anchorline/internal/worker"
)

var rootCmd = &cobra.Command{
	Use:   "al",
	Short: "Anchorline CLI",
	Long: `Anchorline executes agent-proposed actions under a policy gate and anchors
attestations on chain.
- Actions: agent proposals (publish_attestation, checkin_reminder, escalation_flag,
  journal_digest) with a risk level; they flow awaiting_approval/approved ->
  running -> confirmed/failed, with dead_letter when retries run out.
- Policy: the single switchboard. Autopilot on/off, placeholder vs live
  publishing, approval requirements per risk tier, worker cadence.
- Worker: the only mover. Claims approved or retryable actions and publishes.
- Reconciliation: periodically compares backend counters with on-chain reads
  and reports drift; it never mutates the queue.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
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
	viper.SetEnvPrefix("ANCHORLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-admin", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(actionCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(monitorCmd())
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			fmt.Println("migrations OK")
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and worker loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := zerolog.New(os.Stderr).With().Timestamp().Logger()
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)

			rpcClient := chain.NewRPCClient(time.Duration(cfg.Publisher.RPCTimeoutSeconds)*time.Second, cfg.Publisher.RPCRateLimit)
			var live chain.Publisher
			if cfg.Publisher.SignerURL != "" {
				signer := &chain.HTTPSigner{URL: cfg.Publisher.SignerURL}
				confirm := time.Duration(cfg.Publisher.ConfirmTimeoutSeconds) * time.Second
				live = chain.NewRPCPublisher(rpcClient, signer, confirm, log)
			} else {
				log.Info().Msg("no signer configured, publishing in placeholder mode only")
			}

			var telemetry server.TelemetrySource
			var rec *reconcile.Reconciler
			if len(cfg.Chains) > 0 {
				rec = reconcile.New(e, &reconcile.RPCReader{Client: rpcClient}, log)
				telemetry = rec
			}

			handler, err := server.New(server.Config{Engine: e, Telemetry: telemetry, BasePath: basePath})
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if !noWorker {
				loop := worker.New(e, live, rec, log)
				go func() {
					if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
						log.Error().Err(err).Msg("worker loop stopped")
					}
				}()
			}
			server.StartWebhookDispatcher(ctx, e, log)

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelShutdown()
				srv.Shutdown(shutdownCtx)
			}()
			log.Info().Str("addr", addr).Str("base_path", basePath).Msg("serving Anchorline API")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "serve the API without the worker loop")
	return cmd
}

func actionCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "action",
		Short: "Manage actions",
	}
	a.AddCommand(actionListCmd())
	a.AddCommand(actionShowCmd())
	a.AddCommand(actionSubmitCmd())
	a.AddCommand(actionApproveCmd())
	a.AddCommand(actionRejectCmd())
	return a
}

func actionListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actions, err := e.Repo.ListActions(ctx, status, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(actions)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Risk", "Decision", "Status", "Retries", "Tx Hash"})
				for _, a := range actions {
					hash := ""
					if a.TxHash != nil {
						hash = *a.TxHash
					}
					tw.AppendRow(table.Row{a.ID, a.ActionType, a.RiskLevel, a.PolicyDecision, a.Status, a.RetryCount, hash})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func actionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Repo.GetAction(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrIndent(a)
			})
		},
	}
	return cmd
}

func actionSubmitCmd() *cobra.Command {
	var opts engine.SubmitOptions
	var chainID int64
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a proposed action",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			opts.HumanInitiated = true
			if cmd.Flags().Changed("chain-id") {
				opts.ChainID = &chainID
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.SubmitAction(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrIndent(a)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "action id (optional)")
	cmd.Flags().StringVar(&opts.ActionType, "type", "", "action type")
	cmd.Flags().StringVar(&opts.RiskLevel, "risk", "low", "risk level")
	cmd.Flags().Int64Var(&chainID, "chain-id", 0, "target chain id")
	cmd.Flags().StringVar(&opts.AttestationID, "attestation-id", "", "attestation id (publish_attestation)")
	cmd.Flags().StringVar(&opts.CounselorID, "counselor-id", "", "counselor id")
	cmd.Flags().StringVar(&opts.PayloadJSON, "payload-json", "", "payload JSON")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func actionApproveCmd() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a pending action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Approve(ctx, args[0], note, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrIndent(a)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "approval note")
	return cmd
}

func actionRejectCmd() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a pending action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Reject(ctx, args[0], note, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrIndent(a)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "rejection note (required)")
	_ = cmd.MarkFlagRequired("note")
	return cmd
}

func policyCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and change the autopilot policy",
	}
	p.AddCommand(policyShowCmd())
	p.AddCommand(policySetCmd())
	return p
}

func policyShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the current policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				pol, err := e.Repo.GetPolicy(ctx)
				if err != nil {
					return err
				}
				return printJSONOrIndent(pol)
			})
		},
	}
}

func policySetCmd() *cobra.Command {
	var enabled, placeholder, requireHigh, requireCritical bool
	var interval int
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Replace the policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cur, err := e.Repo.GetPolicy(ctx)
				if err != nil {
					return err
				}
				next := cur
				if cmd.Flags().Changed("enabled") {
					next.AutopilotEnabled = enabled
				}
				if cmd.Flags().Changed("placeholder") {
					next.OnchainPlaceholder = placeholder
				}
				if cmd.Flags().Changed("interval") {
					next.WorkerIntervalSeconds = interval
				}
				if cmd.Flags().Changed("require-approval-high") {
					next.RequireApprovalHighRisk = requireHigh
				}
				if cmd.Flags().Changed("require-approval-critical") {
					next.RequireApprovalCriticalRisk = requireCritical
				}
				updated, err := e.UpdatePolicy(ctx, next, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrIndent(updated)
			})
		},
	}
	cmd.Flags().BoolVar(&enabled, "enabled", false, "autopilot on/off")
	cmd.Flags().BoolVar(&placeholder, "placeholder", false, "placeholder vs live publishing")
	cmd.Flags().IntVar(&interval, "interval", 30, "worker interval seconds")
	cmd.Flags().BoolVar(&requireHigh, "require-approval-high", true, "high risk needs approval")
	cmd.Flags().BoolVar(&requireCritical, "require-approval-critical", true, "critical risk needs approval")
	return cmd
}

func monitorCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Show queue and record histograms",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				queue, err := e.Repo.CountActionsByStatus(ctx)
				if err != nil {
					return err
				}
				records, err := e.Repo.CountRecordsByStatus(ctx)
				if err != nil {
					return err
				}
				avgSecs, err := e.Repo.AvgConfirmationSeconds(ctx)
				if err != nil {
					return err
				}
				recent, err := e.Repo.ListActions(ctx, "", limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"queue_by_status":          queue,
						"records_by_status":        records,
						"avg_confirmation_seconds": avgSecs,
						"recent_actions":           recent,
					})
				}
				fmt.Println("Queue:")
				for _, status := range []string{
					domain.StatusAwaitingApproval, domain.StatusApproved, domain.StatusRunning,
					domain.StatusConfirmed, domain.StatusFailed, domain.StatusDeadLetter, domain.StatusRejected,
				} {
					if n := queue[status]; n > 0 {
						fmt.Printf("  %s: %d\n", status, n)
					}
				}
				fmt.Println("Records:")
				for status, n := range records {
					fmt.Printf("  %s: %d\n", status, n)
				}
				fmt.Printf("Avg confirmation: %.1fs\n", avgSecs)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Status", "Retries", "Created"})
				for _, a := range recent {
					tw.AppendRow(table.Row{a.ID, a.ActionType, a.Status, a.RetryCount, a.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "recent actions shown")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func printJSONOrIndent(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

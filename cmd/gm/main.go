package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"gigmarket/internal/app"
	"gigmarket/internal/chathub"
	"gigmarket/internal/config"
	"gigmarket/internal/db"
	"gigmarket/internal/domain"
	"gigmarket/internal/engine"
	"gigmarket/internal/engine/auth"
	"gigmarket/internal/logging"
	"gigmarket/internal/repo"
	"gigmarket/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "gm",
	Short: "Gigmarket CLI",
	Long: `Gigmarket runs a freelance marketplace: owners post projects, freelancers bid,
and money moves between wallets as a project is hired, tested and completed.
- Wallets: balance = available + pending; deposits land 80% available, 20% pending.
- Bids: one per freelancer per project, capped per day by the subscription package.
- Projects: pending -> in_progress -> testing -> completed (cancelled/rejected are exits).
- Chat: introduction, negotiation, contract and execution rooms follow the project.
- Event log: every state change is recorded, view with 'gm events'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "warning: .env:", err)
	}
	viper.SetEnvPrefix("GIGMARKET")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", "", "workspace directory (overrides database.workspace)")
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default <workspace>/gigmarket.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-admin", "actor identifier for admin commands")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(initConfigCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(walletCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(eventsCmd())
}

func loadConfig() (*config.Config, error) {
	workspace := viper.GetString("workspace")
	if workspace == "" {
		workspace = "."
	}
	cfg, err := app.LoadConfig(workspace, viper.GetString("config"))
	if err != nil {
		return nil, err
	}
	if viper.GetString("workspace") != "" || cfg.Database.Workspace == "" {
		cfg.Database.Workspace = workspace
	}
	if _, err := db.EnsureWorkspace(cfg.Database.Workspace); err != nil {
		return nil, err
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and WebSocket API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log := logging.New(cfg.Logging, os.Stderr)
			secret := viper.GetString("jwt_secret")
			if secret == "" {
				return fmt.Errorf("GIGMARKET_JWT_SECRET is required for bearer auth")
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a, err := app.Open(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			hub := chathub.New(a.Broker, log.WithField("component", "chathub"))
			if cfg.Marketplace.TypingDebounce > 0 {
				hub.TypingDebounce = cfg.Marketplace.TypingDebounce
			}
			defer hub.Close()
			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				Hub:      hub,
				BasePath: basePath,
				Auth: server.AuthConfig{
					JWTSecret: secret,
					DevLogin:  cfg.Auth.DevLogin,
					TokenTTL:  cfg.Auth.TokenTTL,
				},
				Log: log,
			})
			if err != nil {
				return err
			}
			dispatcher := server.NewWebhookDispatcher(a.Engine.Repo, cfg.Webhooks, log)
			go dispatcher.Run(ctx)

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			log.WithFields(logrus.Fields{"addr": addr, "base_path": basePath, "redis": cfg.Redis.Addr != ""}).
				Info("serving gigmarket API (OpenAPI at /openapi.json, Swagger UI at /docs)")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides server.base_path)")
	return cmd
}

func initConfigCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init-config",
		Short: "Write the default gigmarket.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if workspace == "" {
				workspace = "."
			}
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func tokenCmd() *cobra.Command {
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint a bearer token signed with GIGMARKET_JWT_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt_secret")
			if secret == "" {
				return fmt.Errorf("GIGMARKET_JWT_SECRET is required")
			}
			tok, err := server.SignToken(secret, args[0], roles, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&roles, "role", []string{auth.RoleOwner}, "role to embed (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for none)")
	return cmd
}

func walletCmd() *cobra.Command {
	w := &cobra.Command{Use: "wallet", Short: "Inspect and adjust wallets"}
	w.AddCommand(walletShowCmd())
	w.AddCommand(walletAddCmd())
	w.AddCommand(walletTransactionsCmd())
	return w
}

func walletShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <user-id>",
		Short: "Show a wallet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				wallet, err := e.GetWallet(ctx, actor(), args[0])
				if err != nil {
					return err
				}
				return printWallets(wallet)
			})
		},
	}
}

func walletAddCmd() *cobra.Command {
	var cur string
	cmd := &cobra.Command{
		Use:   "add <user-id> <amount>",
		Short: "Deposit funds, creating the wallet when missing",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := decimal.NewFromString(args[1])
			if err != nil {
				return fmt.Errorf("amount: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if _, err := e.GetWallet(ctx, actor(), args[0]); errors.Is(err, engine.ErrWalletNotFound) {
					if _, err := e.CreateWallet(ctx, actor(), args[0], cur); err != nil {
						return err
					}
				}
				wallet, err := e.AddFunds(ctx, actor(), args[0], amount, cur)
				if err != nil {
					return err
				}
				return printWallets(wallet)
			})
		},
	}
	cmd.Flags().StringVar(&cur, "currency", "", "currency (defaults to the wallet currency)")
	return cmd
}

func walletTransactionsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "transactions <user-id>",
		Short: "List ledger entries, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				txs, err := e.GetTransactions(ctx, actor(), args[0], limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(txs)
				}
				tw := newTable("ID", "Type", "Amount", "Currency", "Status", "Reference", "Created")
				for _, t := range txs {
					tw.AppendRow(table.Row{t.ID, t.Type, t.Amount.StringFixed(2), t.Currency, t.Status, deref(t.ReferenceID), t.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of entries")
	return cmd
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Inspect and administer projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectStatusCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	var f repo.ProjectFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListProjects(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Name", "Owner", "Budget", "Status", "Selected bid")
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.OwnerID, p.Budget.StringFixed(2), p.Status, deref(p.SelectedBidID)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.OwnerID, "owner-id", "", "owner filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "page size")
	return cmd
}

func projectStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-status <project-id> <status>",
		Short: "Force a project status without moving funds",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.UpdateProjectStatus(ctx, actor(), args[0], domain.ProjectStatus(args[1]))
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
}

func eventsCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Tail the event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.ListEvents(ctx, actor(), f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable("ID", "TS", "Type", "Project", "Entity", "Actor")
				for _, evt := range events {
					entity := evt.EntityKind
					if evt.EntityID != "" {
						entity += ":" + evt.EntityID
					}
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.ProjectID, entity, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&f.Limit, "n", "n", 20, "number of events")
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

// --- helpers ---

// actor is the local operator. CLI commands act with the admin role.
func actor() auth.Principal {
	return auth.System(viper.GetString("actor-id"))
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Redis.Addr = ""
	cfg.Currency.Refresh = ""
	log := logging.New(cfg.Logging, os.Stderr)
	a, err := app.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a.Engine)
}

func printWallets(ws ...domain.Wallet) error {
	if viper.GetBool("json") {
		if len(ws) == 1 {
			return printJSON(ws[0])
		}
		return printJSON(ws)
	}
	tw := newTable("Owner", "Kind", "Balance", "Available", "Pending", "Escrow", "Currency")
	for _, w := range ws {
		tw.AppendRow(table.Row{w.OwnerID, w.OwnerKind, w.Balance.StringFixed(2), w.Available.StringFixed(2), w.Pending.StringFixed(2), w.Escrow.StringFixed(2), w.Currency})
	}
	tw.Render()
	return nil
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

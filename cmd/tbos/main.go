package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tbos/internal/app"
	"tbos/internal/config"
	"tbos/internal/db"
	"tbos/internal/domain"
	"tbos/internal/engine"
	"tbos/internal/engine/auth"
	"tbos/internal/feed"
	"tbos/internal/migrate"
	"tbos/internal/obs"
	"tbos/internal/repo"
	"tbos/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "tbos",
	Short: "TBOS back office: roles, technical approval gate and edit locks",
	Long: `tbos manages quotes and orders for a ready-mix concrete plant.
- Roles resolve to a fixed capability set; unknown roles only see stock.
- Documents that need a technical review cannot be validated until a
  technical role approves them.
- Edit locks are short leases that keep two people from validating the same
  document at once; they expire on their own.
- Every change is recorded in the event log (tbos log tail).`,
	SilenceUsage: true,
}

var logger = zap.NewNop()

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		l, err := obs.NewLogger(viper.GetString("log-level"), viper.GetString("log-format"))
		if err != nil {
			return err
		}
		logger = l
		return nil
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	_ = logger.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TBOS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.String("driver", "sqlite", "store driver (sqlite, pgx)")
	flags.String("dsn", "", "store DSN (required for pgx)")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "", "acting user id")
	flags.String("actor-name", "", "acting user display name")
	flags.String("role", "", "acting user role")
	flags.String("log-level", "warn", "log level")
	flags.String("log-format", "console", "log format (json, console)")
	flags.String("jwt-secret", "", "HS256 secret for bearer tokens")
	for _, name := range []string{"workspace", "driver", "dsn", "json", "actor-id", "actor-name", "role", "log-level", "log-format", "jwt-secret"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(roleCmd())
	rootCmd.AddCommand(docCmd())
	rootCmd.AddCommand(lockCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(tokenCmd())
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, dialect, err := db.Open(storeConfig())
			if err != nil {
				return err
			}
			defer conn.Close()
			version, err := migrate.Migrate(conn, dialect)
			if err != nil {
				return err
			}
			fmt.Printf("schema at version %d (%s)\n", version, dialect)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, grpcAddr, basePath string
	var allowDevHeaders bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, gRPC health and background relays",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("TBOS_JWT_SECRET is required for bearer auth")
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				cfg := env.Config
				hub := feed.NewHub(cfg.Feed.SubscriberBuffer)
				pending := &feed.PendingCounter{Source: env.Engine.Repo, Logger: logger}
				handler, err := server.New(server.Config{
					Engine:   env.Engine,
					BasePath: basePath,
					Auth: server.AuthConfig{
						JWTSecret:       secret,
						AllowDevHeaders: allowDevHeaders,
						Logger:          logger,
					},
					Hub:            hub,
					Pending:        pending,
					RatePerSecond:  float64(cfg.Server.RateLimit.PerSecond),
					RateBurst:      cfg.Server.RateLimit.Burst,
					TrustedProxies: cfg.Server.TrustedProxies,
					Logger:         logger,
				})
				if err != nil {
					return err
				}
				httpSrv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				grpcSrv, health := server.NewGRPCServer()
				tailer := &feed.Tailer{Source: env.Engine.Repo, Hub: hub, Interval: cfg.FeedPollInterval(), Logger: logger}
				webhooks := server.NewWebhookDispatcher(env.Engine.Repo, cfg.Webhooks, logger)

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					logger.Info("http listening", zap.String("addr", addr), zap.String("base_path", basePath))
					if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				if grpcAddr != "" {
					ln, err := net.Listen("tcp", grpcAddr)
					if err != nil {
						return err
					}
					g.Go(func() error {
						logger.Info("grpc listening", zap.String("addr", grpcAddr))
						return grpcSrv.Serve(ln)
					})
				}
				g.Go(func() error {
					server.WatchHealth(gctx, health, env.Engine.Repo.Ping, 5*time.Second, logger)
					return nil
				})
				g.Go(func() error { return ignoreCanceled(tailer.Run(gctx)) })
				g.Go(func() error { return ignoreCanceled(pending.Run(gctx, hub)) })
				g.Go(func() error {
					webhooks.Run(gctx)
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					grpcSrv.GracefulStop()
					return httpSrv.Shutdown(shutdownCtx)
				})
				fmt.Printf("Serving TBOS API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "HTTP listen address")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", "127.0.0.1:9090", "gRPC health listen address (empty disables)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowDevHeaders, "allow-dev-headers", false, "DEV ONLY: trust X-Actor-* headers and enable /auth/dev/login")
	return cmd
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Workspace configuration (tbos.yml)"}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default tbos.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
	cfgCmd.AddCommand(initCmd, showCmd)
	return cfgCmd
}

func roleCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "role", Short: "Inspect the role to capability mapping"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show [role]",
		Short: "Resolve a role (defaults to --role)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := viper.GetString("role")
			if len(args) == 1 {
				raw = args[0]
			}
			role := auth.ParseRole(raw)
			caps := auth.Resolve(role)
			if viper.GetBool("json") {
				return printJSON(map[string]any{
					"role":         raw,
					"canonical":    role.Canonical(),
					"known":        role.Known(),
					"capabilities": caps,
					"can_override": role.HasOverrideAuthority(),
				})
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"Capability", "Granted"})
			for _, name := range auth.AllCapabilities {
				tw.AppendRow(table.Row{name, caps.Has(name)})
			}
			tw.AppendFooter(table.Row{"override", role.HasOverrideAuthority()})
			tw.Render()
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List canonical roles and their aliases",
		RunE: func(cmd *cobra.Command, args []string) error {
			aliases := auth.Aliases()
			rows := lo.Map(auth.CanonicalRoles(), func(r auth.Role, _ int) []string {
				names := lo.FilterMap(lo.Keys(aliases), func(a auth.Role, _ int) (string, bool) {
					return string(a), aliases[a] == r
				})
				return []string{string(r), strings.Join(names, ", "), fmt.Sprint(len(auth.Resolve(r).Names()))}
			})
			if viper.GetBool("json") {
				return printJSON(rows)
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"Role", "Aliases", "Capabilities"})
			for _, row := range rows {
				tw.AppendRow(table.Row{row[0], row[1], row[2]})
			}
			tw.Render()
			return nil
		},
	})
	return cmd
}

func docCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "doc", Short: "Quotes and orders"}
	cmd.AddCommand(docCreateCmd(), docListCmd(), docShowCmd(), docCheckCmd())
	cmd.AddCommand(
		docActionCmd("approve", "Record technical approval", func(ctx context.Context, e engine.Engine, id string, actor auth.Actor, _ []string) (domain.Document, error) {
			return e.ApproveTechnical(ctx, id, actor)
		}),
		docActionCmd("resubmit", "Send a rejected or blocked document back to review", func(ctx context.Context, e engine.Engine, id string, actor auth.Actor, _ []string) (domain.Document, error) {
			return e.ResubmitTechnical(ctx, id, actor)
		}),
		docActionCmd("validate", "Administrative validation", func(ctx context.Context, e engine.Engine, id string, actor auth.Actor, _ []string) (domain.Document, error) {
			return e.ValidateAdministrative(ctx, id, actor)
		}),
		docActionCmd("reject <id> [note]", "Reject technically", func(ctx context.Context, e engine.Engine, id string, actor auth.Actor, rest []string) (domain.Document, error) {
			return e.RejectTechnical(ctx, id, actor, strings.Join(rest, " "))
		}),
		docActionCmd("rollback <id> [reason]", "Return a document to draft (ceo, supervisor)", func(ctx context.Context, e engine.Engine, id string, actor auth.Actor, rest []string) (domain.Document, error) {
			return e.Rollback(ctx, id, actor, strings.Join(rest, " "))
		}),
		docBlockCmd(),
	)
	return cmd
}

func docCreateCmd() *cobra.Command {
	var opts engine.DocumentCreateOptions
	var kind string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a quote or order draft",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Kind = domain.DocumentKind(kind)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				doc, err := e.CreateDocument(ctx, opts, currentActor())
				if err != nil {
					return err
				}
				return printDocument(e, doc, nil)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "document id (generated when empty)")
	cmd.Flags().StringVar(&kind, "kind", "quote", "quote or order")
	cmd.Flags().StringVar(&opts.Reference, "reference", "", "business reference")
	cmd.Flags().StringVar(&opts.ClientName, "client", "", "client name")
	cmd.Flags().StringVar(&opts.Formula, "formula", "", "concrete formula")
	cmd.Flags().BoolVar(&opts.RequiresTechnicalApproval, "requires-approval", false, "route through technical review")
	return cmd
}

func docListCmd() *cobra.Command {
	var f repo.DocumentFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				docs, err := e.ListDocuments(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(docs)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Kind", "Reference", "Technical", "Admin", "Rollbacks", "Created"})
				for _, d := range docs {
					rollbacks := fmt.Sprint(d.RollbackCount)
					if e.HighRisk(d) {
						rollbacks += " !"
					}
					tw.AppendRow(table.Row{d.ID, d.Kind, d.Reference, d.TechnicalStatus, d.AdminStatus, rollbacks, d.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Kind, "kind", "", "kind filter")
	cmd.Flags().StringVar(&f.TechnicalStatus, "technical-status", "", "technical status filter")
	cmd.Flags().StringVar(&f.AdminStatus, "admin-status", "", "administrative status filter")
	cmd.Flags().BoolVar(&f.PendingOnly, "pending", false, "only documents awaiting technical review")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func docShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a document and its active lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				doc, err := e.GetDocument(ctx, args[0])
				if err != nil {
					return err
				}
				lock, err := e.GetLock(ctx, args[0])
				if err != nil {
					return err
				}
				return printDocument(e, doc, lock)
			})
		},
	}
}

func docCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <id>",
		Short: "Can the acting user validate this document now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				verdict, err := e.CheckValidation(ctx, args[0], currentActor())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(verdict)
				}
				if verdict.Eligible {
					fmt.Println("eligible")
					return nil
				}
				fmt.Printf("blocked (%s): %s\n", verdict.Code, verdict.Reason)
				return nil
			})
		},
	}
}

func docBlockCmd() *cobra.Command {
	var code string
	cmd := &cobra.Command{
		Use:   "block <id> <reason>",
		Short: "Block with a named technical reason",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				doc, err := e.BlockTechnical(ctx, args[0], currentActor(), code, strings.Join(args[1:], " "))
				if err != nil {
					return err
				}
				return printDocument(e, doc, nil)
			})
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "block code, e.g. SLUMP")
	_ = cmd.MarkFlagRequired("code")
	return cmd
}

type docAction func(ctx context.Context, e engine.Engine, id string, actor auth.Actor, rest []string) (domain.Document, error)

func docActionCmd(use, short string, fn docAction) *cobra.Command {
	if !strings.Contains(use, " ") {
		use += " <id>"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				doc, err := fn(ctx, e, args[0], currentActor(), args[1:])
				if err != nil {
					return err
				}
				return printDocument(e, doc, nil)
			})
		},
	}
}

func lockCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "lock", Short: "Edit locks"}
	var ttl time.Duration
	acquire := &cobra.Command{
		Use:   "acquire <document-id>",
		Short: "Acquire or renew the edit lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				lock, err := e.AcquireLock(ctx, args[0], currentActor(), ttl)
				if err != nil {
					return err
				}
				return printLock(&lock)
			})
		},
	}
	acquire.Flags().DurationVar(&ttl, "ttl", 0, "lease length (config default when 0)")
	release := &cobra.Command{
		Use:   "release <document-id>",
		Short: "Release the acting user's lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				released, err := e.ReleaseLock(ctx, args[0], currentActor())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]bool{"released": released})
				}
				if released {
					fmt.Println("released")
				} else {
					fmt.Println("no lock held by", currentActor().ID)
				}
				return nil
			})
		},
	}
	show := &cobra.Command{
		Use:   "show <document-id>",
		Short: "Show the active lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				lock, err := e.GetLock(ctx, args[0])
				if err != nil {
					return err
				}
				if lock == nil {
					fmt.Println("unlocked")
					return nil
				}
				return printLock(lock)
			})
		},
	}
	cmd.AddCommand(acquire, release, show)
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every document transition and lock change, newest first.",
	}
	var n int
	var f repo.EventFilters
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, 0, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Document", "Actor", "Payload"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.DocumentID, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&f.Type, "type", "", "event type filter")
	tail.Flags().StringVar(&f.DocumentID, "document", "", "document id filter")
	tail.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind filter")
	log.AddCommand(tail)
	return log
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "Bearer tokens"}
	var ttl time.Duration
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Sign a JWT for the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("TBOS_JWT_SECRET is required")
			}
			actor := currentActor()
			if actor.ID == "" {
				return fmt.Errorf("--actor-id is required")
			}
			token, err := server.SignToken(secret, actor, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	issue.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	cmd.AddCommand(issue)
	return cmd
}

// --- helpers ---

func storeConfig() db.Config {
	return db.Config{
		Workspace: viper.GetString("workspace"),
		Driver:    viper.GetString("driver"),
		DSN:       viper.GetString("dsn"),
	}
}

func currentActor() auth.Actor {
	return auth.Actor{
		ID:   strings.TrimSpace(viper.GetString("actor-id")),
		Name: strings.TrimSpace(viper.GetString("actor-name")),
		Role: auth.ParseRole(viper.GetString("role")),
	}
}

func withEnv(ctx context.Context, fn func(context.Context, *app.Env) error) error {
	sc := storeConfig()
	env, err := app.Open(ctx, app.Options{Workspace: sc.Workspace, Driver: sc.Driver, DSN: sc.DSN, Logger: logger})
	if err != nil {
		return err
	}
	defer env.Close()
	return fn(ctx, env)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withEnv(ctx, func(ctx context.Context, env *app.Env) error {
		return fn(ctx, env.Engine)
	})
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printDocument(e engine.Engine, doc domain.Document, lock *domain.EditLock) error {
	if viper.GetBool("json") {
		return printJSON(struct {
			domain.Document
			HighRisk bool             `json:"high_risk"`
			Lock     *domain.EditLock `json:"lock,omitempty"`
		}{doc, e.HighRisk(doc), lock})
	}
	tw := newTable()
	tw.AppendRows([]table.Row{
		{"ID", doc.ID},
		{"Kind", doc.Kind},
		{"Reference", doc.Reference},
		{"Client", doc.ClientName},
		{"Technical", doc.TechnicalStatus},
		{"Admin", doc.AdminStatus},
		{"Rollbacks", doc.RollbackCount},
	})
	if doc.TechnicalBlockReason != "" {
		tw.AppendRow(table.Row{"Reason", doc.TechnicalBlockReason})
	}
	if e.HighRisk(doc) {
		tw.AppendRow(table.Row{"High risk", true})
	}
	if lock != nil {
		tw.AppendRow(table.Row{"Locked by", fmt.Sprintf("%s until %s", lock.LockedByName, lock.ExpiresAt)})
	}
	tw.Render()
	return nil
}

func printLock(lock *domain.EditLock) error {
	if viper.GetBool("json") {
		return printJSON(lock)
	}
	fmt.Printf("%s locked by %s (%s) until %s\n", lock.DocumentID, lock.LockedByName, lock.LockedBy, lock.ExpiresAt)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"stockreq/internal/app"
	"stockreq/internal/config"
	"stockreq/internal/db"
	"stockreq/internal/domain"
	"stockreq/internal/engine"
	"stockreq/internal/engine/auth"
	"stockreq/internal/metrics"
	"stockreq/internal/migrate"
	"stockreq/internal/repo"
	"stockreq/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sr",
	Short: "Stock requisition CLI",
	Long: `sr tracks internal stock requisitions from request to confirmed receipt.
- Store: one stockroom with its own catalog, roles and requisition numbers.
- Requisition: a sector asks for products; each line is separated, short or cancelled by the stock team.
- Delivery hands over every separated line at once; the requester then confirms receipt.
- Adjustments correct a requested quantity without going below what was already separated, or above what was delivered.
- Event log: every change is recorded; view it with 'sr log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

var logger = log.New(os.Stderr, "", log.LstdFlags)

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("STOCKREQ")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", app.DefaultActor, "actor identifier")
	rootCmd.PersistentFlags().String("store", "", "store id (defaults to the only store)")
	for _, name := range []string{"workspace", "json", "actor-id", "store"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(storeCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(productCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(reqCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func storeCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "store", Short: "Manage stores"}
	cmd.AddCommand(storeInitCmd())
	cmd.AddCommand(storeShowCmd())
	return cmd
}

func storeInitCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a store and make the current actor its administrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			storeID := viper.GetString("store")
			if storeID == "" {
				return fmt.Errorf("--store required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				s, err := app.InitStore(ctx, r, viper.GetString("workspace"), storeID, name, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	return cmd
}

func storeShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "List stores",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				stores, err := r.ListStores(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stores)
				}
				tw := newTable(table.Row{"ID", "Name", "Created"})
				for _, s := range stores {
					tw.AppendRow(table.Row{s.ID, s.Name, s.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect store config",
		Long:  "Config lives in the database per store: roles and their capabilities, quantity precision and webhooks. Seed it from stockreq.yml or import a file explicitly.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(configGenerateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				if viper.GetBool("json") {
					return printJSON(s.Config)
				}
				out, err := yaml.Marshal(s.Config)
				if err != nil {
					return err
				}
				fmt.Print(string(out))
				return nil
			})
		},
	}
}

func configValidateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate stored config, or a YAML file with --file",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if file != "" {
				_, err = config.FromFile(file)
			} else {
				err = withSession(cmd.Context(), func(ctx context.Context, s session) error {
					return s.Config.Validate()
				})
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to YAML config")
	return cmd
}

func configImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import store config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(file)
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				if err := app.ImportConfig(ctx, s.Repo, s.StoreID, s.ActorID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func configGenerateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Write a default stockreq.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			storeID := viper.GetString("store")
			if storeID == "" {
				return fmt.Errorf("--store required")
			}
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(storeID, name)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "store display name")
	return cmd
}

func productCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "product", Short: "Manage the product catalog"}
	cmd.AddCommand(productAddCmd())
	cmd.AddCommand(productListCmd())
	return cmd
}

func productAddCmd() *cobra.Command {
	var p domain.Product
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a product",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				p.StoreID = s.StoreID
				added, err := app.AddProduct(ctx, s.Repo, s.ActorID, p)
				if err != nil {
					return err
				}
				return printJSONOrTable(added)
			})
		},
	}
	cmd.Flags().StringVar(&p.ID, "id", "", "product id (generated when empty)")
	cmd.Flags().StringVar(&p.Name, "name", "", "product name")
	cmd.Flags().StringVar(&p.Unit, "unit", "", "unit of measure")
	cmd.Flags().StringVar(&p.Category, "category", "", "category")
	cmd.Flags().StringVar(&p.Code, "code", "", "internal code")
	cmd.Flags().StringVar(&p.Barcode, "barcode", "", "barcode")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("unit")
	return cmd
}

func productListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List products",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				items, err := s.Repo.ListProducts(ctx, s.StoreID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Name", "Unit", "Category", "Code"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Unit, p.Category, p.Code})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func rbacCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rbac",
		Short: "RBAC management",
	}
	cmd.AddCommand(rbacWhoamiCmd())
	cmd.AddCommand(rbacRoleCmd("grant", "Grant role to actor"))
	cmd.AddCommand(rbacRoleCmd("revoke", "Revoke role from actor"))
	cmd.AddCommand(rbacAPIKeyCmd())
	return cmd
}

func rbacWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show current actor roles and capabilities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				roles, err := s.Repo.ActorRoles(ctx, s.StoreID, s.ActorID)
				if err != nil {
					return err
				}
				actor, err := auth.Service{Roles: s.Repo}.Resolve(ctx, s.StoreID, s.ActorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"store_id":     s.StoreID,
					"actor_id":     s.ActorID,
					"roles":        roles,
					"capabilities": actor.Capabilities.Strings(),
				})
			})
		},
	}
}

func rbacRoleCmd(use, short string) *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				opts := engine.RoleOptions{ActorID: s.ActorID, StoreID: s.StoreID, TargetActorID: target, RoleID: role}
				if use == "revoke" {
					return s.Engine.RevokeRole(ctx, opts)
				}
				return s.Engine.GrantRole(ctx, opts)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func rbacAPIKeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys"}

	var target, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the raw key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				actorID := target
				if actorID == "" {
					actorID = viper.GetString("actor-id")
				}
				raw, key, err := app.CreateAPIKey(ctx, r, actorID, name)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "key": raw})
			})
		},
	}
	create.Flags().StringVar(&target, "actor", "", "actor id (defaults to --actor-id)")
	create.Flags().StringVar(&name, "name", "", "key label")

	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys of an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}

	revoke := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}

	cmd.AddCommand(create, list, revoke)
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Audit log"}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var after int64
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events, or the events after --after in order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				var (
					evts []domain.Event
					err  error
				)
				if cmd.Flags().Changed("after") {
					evts, err = s.Repo.EventsAfter(ctx, s.StoreID, after, n)
				} else {
					evts, err = s.Repo.LatestEvents(ctx, s.StoreID, n)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := newTable(table.Row{"ID", "TS", "Type", "Entity", "Actor", "Payload"})
				for _, e := range evts {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + ":" + e.EntityID, e.ActorID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().Int64Var(&after, "after", 0, "event id to read after")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var legacyHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("STOCKREQ_JWT_SECRET is required for bearer auth")
			}
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				rec := metrics.NewRecorder()
				s.Engine.Metrics = rec
				handler, err := server.New(server.Config{
					Engine:   s.Engine,
					Repo:     s.Repo,
					Metrics:  rec,
					BasePath: basePath,
					Auth: server.AuthConfig{
						JWTSecret:              secret,
						AllowLegacyActorHeader: legacyHeader,
						EnableDevLogin:         viper.GetBool("dev-login"),
						Logger:                 logger,
					},
				})
				if err != nil {
					return err
				}
				server.StartWebhookDispatcher(ctx, s.Repo, s.Config, logger)
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving stock requisition API for store %s on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n",
					s.StoreID, addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	cmd.Flags().BoolVar(&legacyHeader, "allow-actor-header", false, "accept unauthenticated X-Actor-Id (local testing only)")
	cmd.Flags().Bool("dev-login", false, "mount POST /auth/dev/login, which mints a token for any actor (local testing only)")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	_ = viper.BindPFlag("dev-login", cmd.Flags().Lookup("dev-login"))
	return cmd
}

// --- helpers ---

// session is an opened workspace resolved to one store and actor.
type session struct {
	Engine  engine.Engine
	Repo    repo.Repo
	StoreID string
	ActorID string
	Config  *config.Config
}

func withSession(ctx context.Context, fn func(context.Context, session) error) error {
	return withRepo(ctx, func(ctx context.Context, r repo.Repo) error {
		actorID := viper.GetString("actor-id")
		storeID, cfg, err := app.ResolveStoreAndConfig(ctx, viper.GetString("workspace"), viper.GetString("store"), actorID, r)
		if err != nil {
			return err
		}
		e := engine.New(r.DB, cfg)
		e.Logger = logger
		return fn(ctx, session{Engine: e, Repo: r, StoreID: storeID, ActorID: actorID, Config: cfg})
	})
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	return tw
}

func printJSONOrTable(v any) error {
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

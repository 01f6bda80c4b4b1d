package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"helixctl/internal/api"
	"helixctl/internal/auth"
	"helixctl/internal/config"
	"helixctl/internal/controller"
	"helixctl/internal/db"
	"helixctl/internal/domain"
	"helixctl/internal/lifecycle"
	"helixctl/internal/migrate"
	"helixctl/internal/requests"
	"helixctl/internal/server"
	"helixctl/internal/tracker"
)

var rootCmd = &cobra.Command{
	Use:   "hx",
	Short: "Helix request-tracking CLI",
	Long: `Helix is a client for the request-tracking service.
End users open requests and watch them progress; administrators move
requests through their lifecycle (PENDING -> REVIEWING -> IN_PROGRESS ->
COMPLETED -> DELIVERED -> CLOSED, with REJECTED and CANCELLED as exits),
set priorities, and assign work. hx also bundles a development server
('hx serve') so the whole flow runs locally against SQLite.`,
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
	viper.SetEnvPrefix("HELIX")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(logoutCmd())
	rootCmd.AddCommand(whoamiCmd())
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default helix.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func loginCmd() *cobra.Command {
	var email, role string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in against the dev login endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			if email == "" {
				return fmt.Errorf("--email required")
			}
			workspace := viper.GetString("workspace")
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			body := map[string]string{"email": email}
			if role != "" {
				body["role"] = role
			}
			payload, _ := json.Marshal(body)
			url := strings.TrimRight(cfg.Server.BaseURL, "/") + "/auth/dev/login/"
			client := &http.Client{Timeout: cfg.Timeout()}
			resp, err := client.Post(url, "application/json", bytes.NewReader(payload))
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("login failed: %s", resp.Status)
			}
			var out struct {
				Token string `json:"token"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				return err
			}
			if err := (auth.FileSession{Workspace: workspace}).Save(out.Token); err != nil {
				return err
			}
			fmt.Printf("Signed in as %s\n", email)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "email to sign in with")
	cmd.Flags().StringVar(&role, "role", "", "requested role (USER or ADMIN)")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func logoutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Discard the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			auth.FileSession{Workspace: viper.GetString("workspace")}.Invalidate()
			fmt.Println("Signed out")
			return nil
		},
	}
	return cmd
}

func whoamiCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the authenticated profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc *requests.Service) error {
				p, err := svc.Me(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("%s (%s)\n", p.Email, p.Role)
				return nil
			})
		},
	}
	return cmd
}

func requestCmd() *cobra.Command {
	req := &cobra.Command{
		Use:   "request",
		Short: "Manage requests",
	}
	req.AddCommand(requestCreateCmd())
	req.AddCommand(requestListCmd())
	req.AddCommand(requestShowCmd())
	req.AddCommand(requestStatusCmd())
	req.AddCommand(requestPriorityCmd())
	req.AddCommand(requestAssignCmd())
	req.AddCommand(requestActivityCmd())
	return req
}

func requestCreateCmd() *cobra.Command {
	var title, description, priority string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a request",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc *requests.Service) error {
				r, err := svc.Create(ctx, title, description, lifecycle.Priority(priority))
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&priority, "priority", "", "priority (LOW, MEDIUM, HIGH, URGENT; default MEDIUM)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func requestListCmd() *cobra.Command {
	var all, watch bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(cmd.Context(), all, func(ctx context.Context, c *controller.Controller, pollInterval time.Duration) error {
				if err := c.Refresh(ctx); err != nil {
					return err
				}
				renderRequests(c.Snapshot())
				if !watch {
					return nil
				}
				c.OnChange = func() { renderRequests(c.Snapshot()) }
				watchCtx, cancel := signal.NotifyContext(ctx, os.Interrupt)
				defer cancel()
				c.Watch(watchCtx, pollInterval, func(err error) {
					fmt.Fprintln(os.Stderr, "poll:", err)
				})
				c.Detach()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "list every request (administrator)")
	cmd.Flags().BoolVar(&watch, "watch", false, "poll and re-render until interrupted")
	return cmd
}

func requestShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc *requests.Service) error {
				r, err := svc.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	return cmd
}

func requestStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <id> <target>",
		Short: "Move a request to a new status (administrator)",
		Long: `Moves a request through its lifecycle. The move is validated locally
against the transition table before any network traffic, applied
optimistically, and rolled back if the server rejects it.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, target := args[0], lifecycle.Status(strings.ToUpper(args[1]))
			if !target.Known() {
				return fmt.Errorf("unknown status %q (one of %s)", args[1], strings.Join(statusNames(), ", "))
			}
			return withController(cmd.Context(), true, func(ctx context.Context, c *controller.Controller, _ time.Duration) error {
				if err := c.Refresh(ctx); err != nil {
					return err
				}
				r, err := c.ChangeStatus(ctx, id, target)
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	return cmd
}

func requestPriorityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "priority <id> <target>",
		Short: "Change a request's priority (administrator)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, target := args[0], lifecycle.Priority(strings.ToUpper(args[1]))
			if !target.Known() {
				return fmt.Errorf("unknown priority %q (one of LOW, MEDIUM, HIGH, URGENT)", args[1])
			}
			return withController(cmd.Context(), true, func(ctx context.Context, c *controller.Controller, _ time.Duration) error {
				if err := c.Refresh(ctx); err != nil {
					return err
				}
				r, err := c.ChangePriority(ctx, id, target)
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	return cmd
}

func requestAssignCmd() *cobra.Command {
	var to string
	var clear bool
	cmd := &cobra.Command{
		Use:   "assign <id>",
		Short: "Assign or unassign a request (administrator)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if to == "" && !clear {
				return fmt.Errorf("--to or --clear required")
			}
			var assignee *string
			if !clear {
				assignee = &to
			}
			return withController(cmd.Context(), true, func(ctx context.Context, c *controller.Controller, _ time.Duration) error {
				if err := c.Refresh(ctx); err != nil {
					return err
				}
				r, err := c.Assign(ctx, args[0], assignee)
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "assignee email")
	cmd.Flags().BoolVar(&clear, "clear", false, "clear the assignee")
	return cmd
}

func requestActivityCmd() *cobra.Command {
	var admin bool
	cmd := &cobra.Command{
		Use:   "activity <id>",
		Short: "Show a request's audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc *requests.Service) error {
				items, err := svc.Activities(ctx, args[0], admin)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"When", "Action", "Detail", "Actor"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.CreatedAt, a.Action, a.Detail, a.ActorEmail})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&admin, "admin", false, "use the administrator endpoint")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath, secret string
	var adminEmails []string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the development request-tracking server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			if secret == "" {
				secret = os.Getenv("HELIX_JWT_SECRET")
			}
			if secret == "" {
				return fmt.Errorf("--secret or HELIX_JWT_SECRET is required")
			}
			trk := tracker.New(conn)
			handler, err := server.New(server.Config{
				Tracker:  trk,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: secret, AdminEmails: adminEmails},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Helix API on http://%s%s\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8000", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/api", "API base path")
	cmd.Flags().StringVar(&secret, "secret", "", "JWT signing secret")
	cmd.Flags().StringArrayVar(&adminEmails, "admin-email", []string{}, "email promoted to ADMIN (repeatable)")
	return cmd
}

// --- helpers ---

func newService(ctx context.Context) (*requests.Service, *config.Config, error) {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, nil, err
	}
	gw := api.New(cfg.Server.BaseURL, auth.FileSession{Workspace: workspace})
	gw.Timeout = cfg.Timeout()
	gw.SignedOut = func() {
		fmt.Fprintln(os.Stderr, "session expired; run hx login")
	}
	return requests.New(gw), cfg, nil
}

func withService(ctx context.Context, fn func(context.Context, *requests.Service) error) error {
	svc, _, err := newService(ctx)
	if err != nil {
		return err
	}
	return fn(ctx, svc)
}

func withController(ctx context.Context, admin bool, fn func(context.Context, *controller.Controller, time.Duration) error) error {
	svc, cfg, err := newService(ctx)
	if err != nil {
		return err
	}
	return fn(ctx, controller.New(svc, admin), cfg.PollInterval())
}

func renderRequests(items []domain.Request) {
	if viper.GetBool("json") {
		_ = printJSON(items)
		return
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Title", "Status", "Priority", "Assignee", "Updated"})
	for _, r := range items {
		assignee := ""
		if r.AssignedTo != nil {
			assignee = *r.AssignedTo
		}
		tw.AppendRow(table.Row{r.ID, r.Title, r.Status, r.Priority, assignee, r.UpdatedAt})
	}
	tw.Render()
}

func statusNames() []string {
	statuses := lifecycle.Statuses()
	names := make([]string, 0, len(statuses))
	for _, s := range statuses {
		names = append(names, string(s))
	}
	return names
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

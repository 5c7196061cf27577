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
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"eventline/internal/app"
	"eventline/internal/config"
	"eventline/internal/db"
	"eventline/internal/engine"
	"eventline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "evl",
	Short: "Eventline CLI",
	Long: `Eventline runs a small events marketplace: hosts publish capacity-limited
events, guests join them, paid events settle through the payment gateway.
- Workspace: the .eventline directory holding the database.
- Events: open -> full when the last seat goes, back to open when someone
  leaves; cancelled/completed are final.
- Free joins grant the seat immediately. Paid joins create a payment
  intent; the seat is granted when the gateway confirms the charge.
- Refunds-due: payments that settled after the event filled up or closed;
  list them with 'evl payments refunds-due' and refund in the gateway.
- Audit log: diary of changes, view with 'evl log tail'.`,
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
	viper.SetEnvPrefix("EVENTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user-id", "local-user", "acting user identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user-id", rootCmd.PersistentFlags().Lookup("user-id"))
}

func registerCommands() {
	rootCmd.AddCommand(eventCmd())
	rootCmd.AddCommand(joinCmd())
	rootCmd.AddCommand(leaveCmd())
	rootCmd.AddCommand(checkCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(paymentsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func eventCmd() *cobra.Command {
	ev := &cobra.Command{Use: "event", Short: "Manage events"}
	ev.AddCommand(eventCreateCmd())
	ev.AddCommand(eventListCmd())
	ev.AddCommand(eventShowCmd())
	ev.AddCommand(eventCancelCmd())
	ev.AddCommand(eventCompleteCmd())
	ev.AddCommand(eventParticipantsCmd())
	return ev
}

func eventCreateCmd() *cobra.Command {
	var title, desc, location, date string
	var maxParticipants int
	var price float64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Publish an event",
		RunE: func(cmd *cobra.Command, args []string) error {
			if title == "" {
				return fmt.Errorf("--title required")
			}
			if date == "" {
				date = time.Now().AddDate(0, 0, 7).UTC().Format(time.RFC3339)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ev, err := e.CreateEvent(ctx, engine.EventCreateOptions{
					HostID:          viper.GetString("user-id"),
					Title:           title,
					Description:     desc,
					Location:        location,
					Date:            date,
					MaxParticipants: maxParticipants,
					Price:           price,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(ev)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "event title")
	cmd.Flags().StringVar(&desc, "description", "", "event description")
	cmd.Flags().StringVar(&location, "location", "", "event location")
	cmd.Flags().StringVar(&date, "date", "", "event date (RFC3339, default one week out)")
	cmd.Flags().IntVar(&maxParticipants, "max-participants", 10, "seat capacity")
	cmd.Flags().Float64Var(&price, "price", 0, "price per seat (0 = free)")
	return cmd
}

func eventListCmd() *cobra.Command {
	var status, hostID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListEvents(ctx, status, hostID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Date", "Seats", "Price", "Status"})
				for _, ev := range items {
					tw.AppendRow(table.Row{ev.ID, ev.Title, ev.Date,
						fmt.Sprintf("%d/%d", ev.CurrentCount, ev.MaxParticipants), ev.Price, ev.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&hostID, "host", "", "filter by host")
	return cmd
}

func eventShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <event-id>",
		Short: "Show event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ev, err := e.GetEvent(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(ev)
			})
		},
	}
	return cmd
}

func eventCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <event-id>",
		Short: "Cancel event (host only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ev, err := e.CancelEvent(ctx, args[0], viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(ev)
			})
		},
	}
	return cmd
}

func eventCompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete <event-id>",
		Short: "Mark event completed (host only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ev, err := e.CompleteEvent(ctx, args[0], viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(ev)
			})
		},
	}
	return cmd
}

func eventParticipantsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "participants <event-id>",
		Short: "List participants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListParticipants(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"User", "Payment", "Paid", "Joined"})
				for _, p := range items {
					payment := p.PaymentStatus
					if payment == "" {
						payment = "free"
					}
					tw.AppendRow(table.Row{p.UserID, payment, p.AmountPaid, p.JoinedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func joinCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "join <event-id>",
		Short: "Join an event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.RequestJoin(ctx, args[0], viper.GetString("user-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				if out.Joined != nil {
					fmt.Printf("joined %s (%d/%d seats taken)\n", out.Event.Title,
						out.Event.CurrentCount, out.Event.MaxParticipants)
					return nil
				}
				fmt.Printf("payment required: intent %s, amount %.2f\n", out.Payment.IntentID, out.Payment.Amount)
				if out.Payment.RedirectURL != "" {
					fmt.Printf("pay at: %s\n", out.Payment.RedirectURL)
				}
				fmt.Println("the seat is granted once the gateway confirms; poll with 'evl check --wait'")
				return nil
			})
		},
	}
	return cmd
}

func leaveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "leave <event-id>",
		Short: "Leave an event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ev, err := e.RequestLeave(ctx, args[0], viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(ev)
			})
		},
	}
	return cmd
}

func checkCmd() *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "check <event-id>",
		Short: "Check participation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				userID := viper.GetString("user-id")
				attempts := 1
				interval := time.Duration(0)
				if wait {
					attempts = e.Config.PollAttempts()
					interval = e.Config.PollInterval()
				}
				var st engine.ParticipationStatus
				var err error
				for i := 0; i < attempts; i++ {
					if i > 0 {
						time.Sleep(interval)
					}
					st, err = e.CheckParticipation(ctx, args[0], userID)
					if err != nil {
						return err
					}
					if st.Participating || st.RefundDue {
						break
					}
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				switch {
				case st.Participating:
					fmt.Println("participating")
				case st.RefundDue:
					fmt.Println("not participating: payment captured but no seat, refund due")
				case st.PaymentPending:
					fmt.Println("pending: payment not confirmed yet")
				default:
					fmt.Println("not participating")
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "poll until the seat is granted or attempts run out")
	return cmd
}

func reviewCmd() *cobra.Command {
	var rating int
	var comment string
	cmd := &cobra.Command{
		Use:   "review <event-id>",
		Short: "Review a completed event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rv, err := e.AddReview(ctx, args[0], viper.GetString("user-id"), rating, comment)
				if err != nil {
					return err
				}
				return printJSONOrTable(rv)
			})
		},
	}
	cmd.Flags().IntVar(&rating, "rating", 5, "rating 1-5")
	cmd.Flags().StringVar(&comment, "comment", "", "review comment")
	return cmd
}

func paymentsCmd() *cobra.Command {
	pay := &cobra.Command{Use: "payments", Short: "Payment bookkeeping"}
	pay.AddCommand(paymentsRefundsDueCmd())
	return pay
}

func paymentsRefundsDueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refunds-due",
		Short: "List payments captured without a seat",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListRefundsDue(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Intent", "Event", "User", "Amount", "Since"})
				for _, pi := range items {
					tw.AppendRow(table.Row{pi.ID, pi.EventID, pi.UserID, pi.Amount, pi.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Audit log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail audit log entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.Repo.LatestLogEntries(ctx, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(entries)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage configuration"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default eventline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(name)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "eventline", "marketplace name")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate eventline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			e, conn, err := app.Open(workspace, os.Getenv("EVENTLINE_MIDTRANS_SERVER_KEY"))
			if err != nil {
				return err
			}
			defer conn.Close()
			authCfg := server.AuthConfig{
				JWTSecret:      os.Getenv("EVENTLINE_JWT_SECRET"),
				AllowDevHeader: e.Config.Auth.AllowDevHeader,
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowDevHeader {
				return fmt.Errorf("EVENTLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
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
			fmt.Printf("Serving Eventline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	e, conn, err := app.Open(viper.GetString("workspace"), os.Getenv("EVENTLINE_MIDTRANS_SERVER_KEY"))
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, e)
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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/billm/recbridge/pkg/client"
	"github.com/billm/recbridge/pkg/protocol"

	// Transports available to --transport
	_ "github.com/billm/recbridge/pkg/transport/grpcstream"
	_ "github.com/billm/recbridge/pkg/transport/socket"
	_ "github.com/billm/recbridge/pkg/transport/ws"
)

// demoOptions controls the scripted client session
type demoOptions struct {
	UserID   string
	Clicks   int
	Views    int
	Interval time.Duration
	Linger   time.Duration
}

func newClientCmd() *cobra.Command {
	var (
		transportName string
		address       string
		authToken     string
		demo          demoOptions
	)

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Run the demo client against a recbridge server",
		Long: `Connects over the chosen transport, sends click events, asks for
recommendations, sends view events, and prints every save_state push.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			if transportName != "" {
				cfg.Client.Transport = strings.ToLower(transportName)
			}
			if address != "" {
				cfg.Client.Address = address
			}
			if authToken != "" {
				cfg.Client.AuthToken = authToken
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			c, err := client.New(client.OptionsFromConfig(cfg, rootLog))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			c.OnSaveState(func(ctx context.Context, data protocol.StateData) error {
				b, err := json.MarshalIndent(data, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "save_state requested:\n%s\n", b)
				return nil
			})
			c.OnConnectionLost(func(err error) {
				rootLog.Warn("Connection lost", "error", err)
			})

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := c.Connect(ctx); err != nil {
				return err
			}
			defer c.Close()

			return runDemo(ctx, c, out, demo)
		},
	}

	cmd.Flags().StringVarP(&transportName, "transport", "t", "", "Transport: websocket, grpc or socket (default: from config)")
	cmd.Flags().StringVar(&address, "address", "", "Server address (default: derived from config)")
	cmd.Flags().StringVar(&authToken, "auth-token", "", "Bearer token sent to the server")
	cmd.Flags().StringVar(&demo.UserID, "user", "user_123", "User ID to request recommendations for")
	cmd.Flags().IntVar(&demo.Clicks, "clicks", 7, "Click events sent before the recommendation request")
	cmd.Flags().IntVar(&demo.Views, "views", 3, "View events sent after the recommendation request")
	cmd.Flags().DurationVar(&demo.Interval, "interval", 500*time.Millisecond, "Delay between analytic events")
	cmd.Flags().DurationVar(&demo.Linger, "linger", 2*time.Second, "Time to wait for final pushes before closing")
	return cmd
}

// runDemo replays the scripted session on an open client
func runDemo(ctx context.Context, c *client.Client, out io.Writer, opts demoOptions) error {
	for i := 0; i < opts.Clicks; i++ {
		ev := protocol.AnalyticEvent{Action: "click", Target: fmt.Sprintf("button_%d", i)}
		if err := c.SendAnalyticEvent(ctx, ev); err != nil {
			return err
		}
		fmt.Fprintf(out, "sent analytic event: %s %s\n", ev.Action, ev.Target)
		if err := sleep(ctx, opts.Interval); err != nil {
			return err
		}
	}

	recs, err := c.GetRecommendations(ctx, opts.UserID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "recommendations for %s: %s\n", opts.UserID, strings.Join(recs, ", "))

	for i := 0; i < opts.Views; i++ {
		ev := protocol.AnalyticEvent{Action: "view", Target: fmt.Sprintf("page_%d", i)}
		if err := c.SendAnalyticEvent(ctx, ev); err != nil {
			return err
		}
		fmt.Fprintf(out, "sent analytic event: %s %s\n", ev.Action, ev.Target)
		if err := sleep(ctx, opts.Interval); err != nil {
			return err
		}
	}

	return sleep(ctx, opts.Linger)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

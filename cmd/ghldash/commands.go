package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/sawpanic/ghldash/internal/application"
	"github.com/sawpanic/ghldash/internal/ghl"
	"github.com/sawpanic/ghldash/internal/infrastructure/db"
	httpserver "github.com/sawpanic/ghldash/internal/interfaces/http"
	"github.com/sawpanic/ghldash/internal/oauth"
	"github.com/sawpanic/ghldash/internal/persistence"
	"github.com/sawpanic/ghldash/internal/refresh"
	"github.com/sawpanic/ghldash/internal/snapshot"
)

var (
	okColor   = color.New(color.FgGreen, color.Bold)
	warnColor = color.New(color.FgYellow)
	failColor = color.New(color.FgRed, color.Bold)
	headColor = color.New(color.FgCyan, color.Bold)
)

// withApp builds the application for a one-shot command and closes it after fn
func withApp(cmd *cobra.Command, fn func(ctx context.Context, app *application.App) error) error {
	ctx := cmd.Context()
	app, err := application.New(ctx, cfg)
	if errors.Is(err, snapshot.ErrLocked) {
		return fmt.Errorf("%w: is 'ghldash serve' running? Pass --server with its URL", err)
	}
	if err != nil {
		return err
	}
	defer app.Close()
	return fn(ctx, app)
}

// onServerOrApp runs remote against a running server when one answers and
// local against a freshly built App otherwise
func onServerOrApp(cmd *cobra.Command,
	remote func(ctx context.Context, c *serverClient) error,
	local func(ctx context.Context, app *application.App) error,
) error {
	if c := connectServer(cmd.Context()); c != nil {
		return remote(cmd.Context(), c)
	}
	return withApp(cmd, local)
}

func newRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Collect data from the CRM and store a new dashboard snapshot",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			return onServerOrApp(cmd, func(ctx context.Context, c *serverClient) error {
				e, err := c.refresh(ctx)
				if err != nil {
					failColor.Fprintf(out, "Refresh failed: %v\n", err)
					return err
				}
				var res refresh.Result
				if e.Result != nil {
					res = *e.Result
				}
				printRefreshResult(out, e.Duration, res)
				return nil
			}, func(ctx context.Context, app *application.App) error {
				start := time.Now()
				res, err := app.Refresh.Refresh(ctx, refresh.TriggerManual)
				if err != nil {
					failColor.Fprintf(out, "Refresh failed: %v\n", err)
					return err
				}
				printRefreshResult(out, time.Since(start), res)
				return nil
			})
		},
	}
}

func newStatusCmd() *cobra.Command {
	var runs int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show authorization, schedule and recent refresh runs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			return onServerOrApp(cmd, func(ctx context.Context, c *serverClient) error {
				var tok oauth.Status
				if err := c.call(ctx, http.MethodGet, "/api/token", nil, &tok); err != nil {
					return err
				}
				var st refresh.Status
				if err := c.call(ctx, http.MethodGet, "/api/refresh/status", nil, &st); err != nil {
					return err
				}
				h, err := c.health(ctx)
				if err != nil {
					return err
				}

				headColor.Fprintln(out, "Authorization")
				printTokenStatus(out, tok)
				printRefreshStatus(out, st)
				headColor.Fprintln(out, "\nHealth")
				fmt.Fprintf(out, "  server:     %s (%s, up %s)\n", c.base, h.Status, h.Uptime)
				printHealth(out, h.Checks, h.Database)

				// the run history lives in the database, which is safe to share
				dbm, err := db.NewManager(ctx, db.ConfigFrom(cfg))
				if err != nil {
					return fmt.Errorf("database: %w", err)
				}
				defer dbm.Close()
				return printRuns(ctx, out, dbm.Repository().Runs, runs)
			}, func(ctx context.Context, app *application.App) error {
				headColor.Fprintln(out, "Authorization")
				printTokenStatus(out, app.OAuth.Status(time.Now()))
				printRefreshStatus(out, app.Refresh.Status())
				if dates, err := app.Snapshots.SummaryDates(); err == nil && len(dates) > 0 {
					fmt.Fprintf(out, "  summaries:    %d (latest %s)\n", len(dates), dates[0])
				}

				headColor.Fprintln(out, "\nHealth")
				checks, pool := app.Health(ctx)
				printHealth(out, checks, &pool)

				if stats := app.Transport.Stats(); stats.Breaker != "" || stats.Budget != nil {
					headColor.Fprintln(out, "\nAPI transport")
					fmt.Fprintf(out, "  breaker: %s\n", stats.Breaker)
					if b := stats.Budget; b != nil {
						fmt.Fprintf(out, "  budget:  %d/%d used, resets %s\n", b.Used, b.Limit, b.NextReset.Local().Format(time.RFC822))
					}
				}
				return printRuns(ctx, out, app.DB.Repository().Runs, runs)
			})
		},
	}

	cmd.Flags().IntVar(&runs, "runs", 5, "Number of recent refresh runs to show")
	return cmd
}

func newIntervalCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "interval [hourly|daily]",
		Short:     "Show or change the refresh interval",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{refresh.IntervalHourly, refresh.IntervalDaily},
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			return onServerOrApp(cmd, func(ctx context.Context, c *serverClient) error {
				var st refresh.Status
				if len(args) == 0 {
					if err := c.call(ctx, http.MethodGet, "/api/refresh/status", nil, &st); err != nil {
						return err
					}
					fmt.Fprintf(out, "Refresh interval: %s\n", st.Interval)
					return nil
				}
				req := httpserver.IntervalRequest{Interval: args[0]}
				if err := c.call(ctx, http.MethodPut, "/api/refresh/interval", req, &st); err != nil {
					return err
				}
				okColor.Fprintf(out, "Refresh interval set to %s\n", st.Interval)
				return nil
			}, func(_ context.Context, app *application.App) error {
				if len(args) == 0 {
					fmt.Fprintf(out, "Refresh interval: %s\n", app.Refresh.Interval())
					return nil
				}
				if err := app.Refresh.SetInterval(args[0]); err != nil {
					return err
				}
				okColor.Fprintf(out, "Refresh interval set to %s\n", app.Refresh.Interval())
				return nil
			})
		},
	}
}

func newAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage the CRM OAuth authorization",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "url",
		Short: "Print the authorization URL to open in a browser",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			show := func(u string) {
				fmt.Fprintln(out, "Open this URL, approve access, then run 'ghldash auth exchange' with the URL you were redirected to:")
				fmt.Fprintln(out, u)
			}
			return onServerOrApp(cmd, func(ctx context.Context, c *serverClient) error {
				u, err := c.authorizationURL(ctx)
				if err != nil {
					return err
				}
				show(u)
				return nil
			}, func(ctx context.Context, app *application.App) error {
				u, _, err := app.OAuth.AuthorizationURL(ctx)
				if err != nil {
					return err
				}
				show(u)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "exchange <callback-url>",
		Short: "Exchange the redirect URL from the authorization for a token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			return onServerOrApp(cmd, func(ctx context.Context, c *serverClient) error {
				if err := c.exchange(ctx, args[0]); err != nil {
					return err
				}
				var st oauth.Status
				if err := c.call(ctx, http.MethodGet, "/api/token", nil, &st); err != nil {
					return err
				}
				okColor.Fprintf(out, "Authorized, token expires %s\n", st.ExpiresAt.Local().Format(time.RFC1123))
				return nil
			}, func(ctx context.Context, app *application.App) error {
				tok, err := app.OAuth.ExchangeCallback(ctx, args[0])
				if err != nil {
					return err
				}
				okColor.Fprintf(out, "Authorized, token expires %s\n", tok.ExpiresAt.Local().Format(time.RFC1123))
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the stored token status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			return onServerOrApp(cmd, func(ctx context.Context, c *serverClient) error {
				var st oauth.Status
				if err := c.call(ctx, http.MethodGet, "/api/token", nil, &st); err != nil {
					return err
				}
				printTokenStatus(out, st)
				return nil
			}, func(_ context.Context, app *application.App) error {
				printTokenStatus(out, app.OAuth.Status(time.Now()))
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "revoke",
		Short: "Delete the stored token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			return onServerOrApp(cmd, func(ctx context.Context, c *serverClient) error {
				if err := c.call(ctx, http.MethodDelete, "/api/token", nil, nil); err != nil {
					return err
				}
				warnColor.Fprintln(out, "Stored token deleted; authorize again to resume refreshes")
				return nil
			}, func(ctx context.Context, app *application.App) error {
				if err := app.OAuth.Invalidate(ctx); err != nil {
					return err
				}
				warnColor.Fprintln(out, "Stored token deleted; authorize again to resume refreshes")
				return nil
			})
		},
	})

	return cmd
}

func newLocationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "locations",
		Short: "List the locations the token can access",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			return onServerOrApp(cmd, func(ctx context.Context, c *serverClient) error {
				var locs []ghl.Location
				if err := c.call(ctx, http.MethodGet, "/api/locations", nil, &locs); err != nil {
					return err
				}
				printLocations(out, locs)
				return nil
			}, func(ctx context.Context, app *application.App) error {
				locs, err := app.API.Locations(ctx)
				if err != nil {
					return err
				}
				printLocations(out, locs)
				return nil
			})
		},
	}
}

func printRefreshResult(out io.Writer, took time.Duration, res refresh.Result) {
	okColor.Fprintf(out, "Refresh completed in %s\n", took.Round(time.Millisecond))
	fmt.Fprintf(out, "  locations:     %d\n", res.Locations)
	fmt.Fprintf(out, "  opportunities: %d\n", res.Opportunities)
}

func printTokenStatus(out io.Writer, st oauth.Status) {
	switch {
	case !st.Authorized:
		failColor.Fprintln(out, "  not authorized")
		return
	case st.Expired:
		warnColor.Fprintf(out, "  access token expired %s\n", st.ExpiresAt.Local().Format(time.RFC822))
	default:
		okColor.Fprintf(out, "  authorized until %s\n", st.ExpiresAt.Local().Format(time.RFC822))
	}
	fmt.Fprintf(out, "  refresh token: %t\n", st.HasRefreshToken)
	if len(st.Scope) > 0 {
		fmt.Fprintf(out, "  scope:         %s\n", strings.Join(st.Scope, " "))
	}
}

func printRefreshStatus(out io.Writer, st refresh.Status) {
	headColor.Fprintln(out, "\nRefresh")
	fmt.Fprintf(out, "  interval:     %s\n", st.Interval)
	fmt.Fprintf(out, "  last refresh: %s\n", formatTime(st.LastRefresh))
	if st.InProgress {
		warnColor.Fprintln(out, "  a refresh is running")
	}
	if st.LastError != "" {
		failColor.Fprintf(out, "  last error:   %s\n", st.LastError)
	}
}

func printHealth(out io.Writer, checks map[string]string, pool *persistence.HealthCheck) {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		printCheck(out, name, checks[name])
	}
	if pool == nil || len(pool.ConnectionPool) == 0 {
		return
	}

	keys := make([]string, 0, len(pool.ConnectionPool))
	for k := range pool.ConnectionPool {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	stats := make([]string, 0, len(keys))
	for _, k := range keys {
		stats = append(stats, fmt.Sprintf("%s=%d", k, pool.ConnectionPool[k]))
	}
	fmt.Fprintf(out, "  %-10s %s (%dms)\n", "db pool", strings.Join(stats, " "), pool.ResponseTimeMS)
}

func printRuns(ctx context.Context, out io.Writer, repo persistence.RefreshRunRepo, n int) error {
	history, err := repo.Latest(ctx, n)
	if err != nil {
		return fmt.Errorf("failed to load refresh history: %w", err)
	}
	if len(history) == 0 {
		return nil
	}
	headColor.Fprintln(out, "\nRecent runs")
	for _, r := range history {
		line := fmt.Sprintf("  %s  %-14s %6s  locations=%d opportunities=%d",
			r.StartedAt.Local().Format("2006-01-02 15:04"), r.Trigger,
			r.Duration().Round(time.Second), r.Locations, r.Opportunities)
		if r.Success {
			okColor.Fprintln(out, line)
		} else {
			failColor.Fprintf(out, "%s error=%s\n", line, r.Error)
		}
	}
	return nil
}

func printLocations(out io.Writer, locs []ghl.Location) {
	tracked := make(map[string]bool, len(cfg.Dashboard.Locations))
	for _, name := range cfg.Dashboard.Locations {
		tracked[strings.ToLower(name)] = true
	}
	for _, l := range locs {
		line := fmt.Sprintf("%-26s %s", l.ID, l.Name)
		if tracked[strings.ToLower(l.Name)] {
			okColor.Fprintln(out, line+"  (tracked)")
		} else {
			fmt.Fprintln(out, line)
		}
	}
}

func printCheck(out io.Writer, name, result string) {
	if result == "ok" {
		okColor.Fprintf(out, "  %-10s ok\n", name)
		return
	}
	failColor.Fprintf(out, "  %-10s %s\n", name, result)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04:05 MST")
}

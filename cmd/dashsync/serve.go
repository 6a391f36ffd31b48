package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"dashsync/internal/app"
	"dashsync/internal/engine"
	"dashsync/internal/server"
	dashsyncsdk "dashsync/sdk/go"
)

func serveCmd() *cobra.Command {
	var addr string
	var noSchedule bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API, GitHub webhooks and the periodic sync schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cfg := e.Config
				if strings.TrimSpace(cfg.Server.JWTSecret) == "" {
					return errors.New("DASHSYNC_SERVER_JWT_SECRET is required to serve (run dashsync init or dashsync token)")
				}
				if addr == "" {
					addr = cfg.Server.Addr
				}
				log := e.Logger.WithField("component", "serve")
				if cfg.Server.WebhookSecret == "" {
					log.Warn("DASHSYNC_SERVER_WEBHOOK_SECRET not set; GitHub webhooks are disabled")
				}
				handler, err := server.New(server.Config{
					Engine:        e,
					BasePath:      cfg.Server.BasePath,
					Auth:          server.AuthConfig{JWTSecret: cfg.Server.JWTSecret, Logger: e.Logger},
					WebhookSecret: cfg.Server.WebhookSecret,
				})
				if err != nil {
					return err
				}

				ctx, cancel := context.WithCancel(ctx)
				defer cancel()
				if !noSchedule && cfg.Server.ScheduleInterval > 0 {
					go e.RunSchedule(ctx, cfg.Server.ScheduleInterval)
				}

				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				errCh := make(chan error, 1)
				go func() {
					log.WithField("addr", addr).Info("listening")
					errCh <- srv.ListenAndServe()
				}()
				select {
				case <-ctx.Done():
					shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
					defer stop()
					log.Info("shutting down")
					return srv.Shutdown(shutdownCtx)
				case err := <-errCh:
					if errors.Is(err, http.ErrServerClosed) {
						return nil
					}
					return err
				}
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	cmd.Flags().BoolVar(&noSchedule, "no-schedule", false, "do not run the periodic sync schedule")
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	var saveAs string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API bearer token signed with the server JWT secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := app.LoadConfig(workspace)
			if err != nil {
				return err
			}
			if cfg.Server.JWTSecret == "" {
				return errors.New("DASHSYNC_SERVER_JWT_SECRET is not set")
			}
			tok, err := server.IssueToken(cfg.Server.JWTSecret, subject, ttl, time.Now())
			if err != nil {
				return err
			}
			if saveAs != "" {
				if err := setEnvValue(filepath.Join(workspace, ".env"), saveAs, tok); err != nil {
					return err
				}
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "actor id carried in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime; 0 for no expiry")
	cmd.Flags().StringVar(&saveAs, "save-as", "", "also write the token to .env under this key (e.g. DASHSYNC_REMOTE_TOKEN)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

// remoteCmd drives a running dashsync serve instance through the Go SDK.
func remoteCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "remote", Short: "Operate a running dashsync server"}
	cmd.PersistentFlags().String("url", "http://127.0.0.1:8080", "server base URL (env DASHSYNC_REMOTE_URL)")
	cmd.PersistentFlags().String("token", "", "bearer token (env DASHSYNC_REMOTE_TOKEN)")
	_ = viper.BindPFlag("remote_url", cmd.PersistentFlags().Lookup("url"))
	_ = viper.BindPFlag("remote_token", cmd.PersistentFlags().Lookup("token"))

	var opts dashsyncsdk.RunOptions
	run := &cobra.Command{
		Use:   "run <job-type>",
		Short: "Trigger a job on the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := sdkClient().RunJob(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}
			if err := printJSONOrTable(res, func(tw table.Writer) {
				tw.AppendHeader(table.Row{"Job", "ID", "Status", "Attempts", "Duration ms", "Message"})
				tw.AppendRow(table.Row{res.JobType, res.JobID, res.Status, res.Attempts, res.ExecutionTimeMs, res.Message})
			}); err != nil {
				return err
			}
			if !res.Success {
				return errors.New(res.Message)
			}
			return nil
		},
	}
	run.Flags().StringVar(&opts.Mode, "mode", "", "full or incremental")
	run.Flags().StringSliceVar(&opts.Repositories, "repo", nil, "owner/name (repeatable)")
	run.Flags().BoolVar(&opts.Wait, "wait", false, "block until the job finishes")
	cmd.AddCommand(run)

	var jobType string
	var limit int
	jobs := &cobra.Command{
		Use:   "jobs",
		Short: "List job history on the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := sdkClient().Jobs(cmd.Context(), jobType, limit)
			if err != nil {
				return err
			}
			return printJSONOrTable(items, func(tw table.Writer) {
				tw.AppendHeader(table.Row{"ID", "Type", "Status", "Trigger", "Attempt", "Started", "Error"})
				for _, j := range items {
					tw.AppendRow(table.Row{j.ID, j.JobType, j.Status, j.TriggeredBy, fmt.Sprintf("%d/%d", j.Attempt, j.MaxAttempts), j.StartedAt.Format(time.RFC3339), truncate(j.ErrorMessage, 60)})
				}
			})
		},
	}
	jobs.Flags().StringVar(&jobType, "type", "", "filter by job type")
	jobs.Flags().IntVar(&limit, "limit", 20, "maximum records")
	cmd.AddCommand(jobs)

	var since time.Duration
	stats := &cobra.Command{
		Use:   "stats",
		Short: "Aggregate job history on the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			var from time.Time
			if since > 0 {
				from = time.Now().Add(-since)
			}
			s, err := sdkClient().Stats(cmd.Context(), from)
			if err != nil {
				return err
			}
			return printJSONOrTable(s, func(tw table.Writer) {
				tw.AppendHeader(table.Row{"Total", "Running", "Completed", "Failed", "Timeout", "Success rate"})
				tw.AppendRow(table.Row{s.Total, s.Running, s.Completed, s.Failed, s.Timeout, fmt.Sprintf("%.1f%%", s.SuccessRate*100)})
			})
		},
	}
	stats.Flags().DurationVar(&since, "since", 24*time.Hour, "window to aggregate; 0 for all time")
	cmd.AddCommand(stats)

	var source string
	var importLimit int
	imports := &cobra.Command{
		Use:   "imports",
		Short: "List import logs on the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := sdkClient().Imports(cmd.Context(), source, importLimit)
			if err != nil {
				return err
			}
			return printJSONOrTable(items, func(tw table.Writer) {
				tw.AppendHeader(table.Row{"ID", "Source", "Status", "Total", "OK", "Failed", "Timestamp"})
				for _, l := range items {
					tw.AppendRow(table.Row{l.ID, l.Source, l.Status, l.TotalItems, l.SuccessfulItems, l.FailedItems, l.Timestamp.Format(time.RFC3339)})
				}
			})
		},
	}
	imports.Flags().StringVar(&source, "source", "", "filter by source")
	imports.Flags().IntVar(&importLimit, "limit", 20, "maximum records")
	cmd.AddCommand(imports)
	return cmd
}

func sdkClient() *dashsyncsdk.Client {
	return dashsyncsdk.New(viper.GetString("remote_url"), viper.GetString("remote_token"))
}

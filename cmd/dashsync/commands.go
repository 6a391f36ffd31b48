package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"dashsync/internal/domain"
	"dashsync/internal/engine"
	"dashsync/internal/importer"
	"dashsync/internal/repo"
	"dashsync/internal/scheduler"
)

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "sync", Short: "Synchronize from GitHub now"}
	cmd.AddCommand(syncKindCmd("repositories", engine.JobSyncRepositories, "Sync repositories into projects"))
	cmd.AddCommand(syncKindCmd("issues", engine.JobSyncIssues, "Sync issues into bugs"))
	return cmd
}

func syncKindCmd(use, jobType, short string) *cobra.Command {
	var mode string
	var repos []string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			meta := map[string]any{}
			if mode != "" {
				meta["mode"] = mode
			}
			if len(repos) > 0 {
				meta["repositories"] = repos
			}
			return runJob(cmd.Context(), jobType, meta)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "full or incremental (default from sync.mode)")
	if jobType == engine.JobSyncIssues {
		cmd.Flags().StringSliceVar(&repos, "repo", nil, "owner/name to sync (repeatable)")
	}
	return cmd
}

func runJob(ctx context.Context, jobType string, meta map[string]any) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		res := e.RunJob(ctx, jobType, engine.TriggerManual, meta)
		if err := printJobResult(jobType, res); err != nil {
			return err
		}
		if !res.Success {
			return errors.New(res.Message)
		}
		return nil
	})
}

func printJobResult(jobType string, res scheduler.JobResult) error {
	return printJSONOrTable(res, func(tw table.Writer) {
		tw.AppendHeader(table.Row{"Job", "ID", "Status", "Attempts", "Duration", "Message"})
		tw.AppendRow(table.Row{jobType, res.JobID, res.Status, res.Attempts, res.ExecutionTime.Round(time.Millisecond), res.Message})
		if len(res.Result) > 0 {
			tw.AppendFooter(table.Row{"result", fmt.Sprint(res.Result["status"]), fmt.Sprintf("ok=%v", res.Result["successful_items"]), fmt.Sprintf("failed=%v", res.Result["failed_items"]), "", fmt.Sprint(res.Result["import_log_id"])})
		}
	})
}

func jobsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "jobs", Short: "Inspect and run scheduled jobs"}

	var jobType string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List job history, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				jobs, err := e.Scheduler.GetJobHistory(ctx, jobType, limit)
				if err != nil {
					return err
				}
				return printJobs(jobs)
			})
		},
	}
	list.Flags().StringVar(&jobType, "type", "", "filter by job type")
	list.Flags().IntVar(&limit, "limit", 20, "maximum records")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "running",
		Short: "List pending and running jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				jobs, err := e.Scheduler.GetRunningJobs(ctx)
				if err != nil {
					return err
				}
				return printJobs(jobs)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show one job record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				job, err := e.Repo.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(job)
			})
		},
	})

	var since time.Duration
	stats := &cobra.Command{
		Use:   "stats",
		Short: "Aggregate job history",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var from time.Time
				if since > 0 {
					from = e.Now().Add(-since)
				}
				s, err := e.Scheduler.GetJobStats(ctx, from)
				if err != nil {
					return err
				}
				return printJSONOrTable(s, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"Total", "Pending", "Running", "Completed", "Failed", "Timeout", "Success rate", "Avg ms"})
					tw.AppendRow(table.Row{s.Total, s.Pending, s.Running, s.Completed, s.Failed, s.Timeout, fmt.Sprintf("%.1f%%", s.SuccessRate*100), fmt.Sprintf("%.0f", s.AvgExecutionMs)})
				})
			})
		},
	}
	stats.Flags().DurationVar(&since, "since", 24*time.Hour, "window to aggregate; 0 for all time")
	cmd.AddCommand(stats)

	var keep int
	cleanup := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete finished job records beyond the newest --keep",
		RunE: func(cmd *cobra.Command, args []string) error {
			meta := map[string]any{}
			if cmd.Flags().Changed("keep") {
				meta["keep"] = keep
			}
			return runJob(cmd.Context(), engine.JobCleanupHistory, meta)
		},
	}
	cleanup.Flags().IntVar(&keep, "keep", 0, "records to keep (default scheduler.history_keep)")
	cmd.AddCommand(cleanup)

	var meta []string
	run := &cobra.Command{
		Use:   "run <job-type>",
		Short: "Run any registered job with key=value metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := parseMeta(meta)
			if err != nil {
				return err
			}
			return runJob(cmd.Context(), args[0], m)
		},
	}
	run.Flags().StringArrayVar(&meta, "meta", nil, "metadata key=value (repeatable)")
	cmd.AddCommand(run)

	cmd.AddCommand(&cobra.Command{
		Use:   "types",
		Short: "List registered job types",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				types := e.Scheduler.JobTypes()
				return printJSONOrTable(types, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"Job type", "Running"})
					for _, t := range types {
						tw.AppendRow(table.Row{t, e.Scheduler.IsRunning(t)})
					}
				})
			})
		},
	})
	return cmd
}

func parseMeta(pairs []string) (map[string]any, error) {
	out := map[string]any{}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid metadata %q, expected key=value", p)
		}
		if n, err := strconv.Atoi(v); err == nil {
			out[strings.TrimSpace(k)] = n
			continue
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}

func printJobs(jobs []domain.JobRecord) error {
	return printJSONOrTable(jobs, func(tw table.Writer) {
		tw.AppendHeader(table.Row{"ID", "Type", "Status", "Trigger", "Attempt", "Started", "Duration ms", "Error"})
		for _, j := range jobs {
			var dur any
			if j.ExecutionTimeMs != nil {
				dur = *j.ExecutionTimeMs
			}
			tw.AppendRow(table.Row{j.ID, j.JobType, j.Status, j.TriggeredBy, fmt.Sprintf("%d/%d", j.Attempt, j.MaxAttempts), j.StartedAt.Format(time.RFC3339), dur, truncate(j.ErrorMessage, 60)})
		}
	})
}

func importsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "imports", Short: "Inspect import logs"}
	var source string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List import logs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				logs, err := e.Repo.ListImportLogs(ctx, source, limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(logs, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "Source", "Status", "Total", "OK", "Failed", "Duration ms", "Timestamp"})
					for _, l := range logs {
						tw.AppendRow(table.Row{l.ID, l.Source, l.Status, l.TotalItems, l.SuccessfulItems, l.FailedItems, l.DurationMs, l.Timestamp.Format(time.RFC3339)})
					}
				})
			})
		},
	}
	list.Flags().StringVar(&source, "source", "", "filter by source")
	list.Flags().IntVar(&limit, "limit", 20, "maximum records")
	cmd.AddCommand(list)
	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "import", Short: "Import records from files"}
	var file string
	var skipErrors, template bool
	projects := &cobra.Command{
		Use:   "projects",
		Short: "Import projects from a CSV file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if template {
				fmt.Println(strings.Join(importer.Columns, ","))
				return nil
			}
			if file == "" {
				return errors.New("--file is required")
			}
			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ImportProjects(ctx, f, importer.Options{SkipErrors: skipErrors, ActorID: actorID()})
				if err != nil {
					return err
				}
				if err := printJSONOrTable(res, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"Imported", "Updated", "Failed", "Stopped", "Import log"})
					tw.AppendRow(table.Row{res.RecordsImported, res.RecordsUpdated, res.RecordsFailed, res.Stopped, res.ImportLogID})
					for _, ie := range res.Errors {
						tw.AppendFooter(table.Row{ie.Item, ie.Error})
					}
				}); err != nil {
					return err
				}
				if res.Stopped {
					return errors.New("import stopped at the first error (use --skip-errors to continue past bad rows)")
				}
				return nil
			})
		},
	}
	projects.Flags().StringVarP(&file, "file", "f", "", "CSV file with a header row")
	projects.Flags().BoolVar(&skipErrors, "skip-errors", false, "continue past malformed rows")
	projects.Flags().BoolVar(&template, "template", false, "print the accepted CSV header and exit")
	cmd.AddCommand(projects)
	return cmd
}

func actorID() string {
	if v := viper.GetString("actor_id"); v != "" {
		return v
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}

func projectsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "projects", Short: "Inspect synchronized projects"}
	var status string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListProjects(ctx, status, limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(items, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "Name", "Status", "Language", "Stars", "Open issues", "Health", "Tags"})
					for _, p := range items {
						tw.AppendRow(table.Row{p.ID, p.Name, p.Status, p.Language, p.Stars, p.OpenIssues, p.HealthScore, strings.Join(p.Tags, ",")})
					}
				})
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "active, on_hold or archived")
	list.Flags().IntVar(&limit, "limit", 100, "maximum records")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show one project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	})
	return cmd
}

func bugsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "bugs", Short: "Inspect synchronized bugs"}
	var f repo.BugFilter
	list := &cobra.Command{
		Use:   "list",
		Short: "List bugs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListBugs(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(items, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "#", "Title", "Severity", "Status", "Assignee", "Project"})
					for _, b := range items {
						tw.AppendRow(table.Row{b.ID, b.Number, truncate(b.Title, 50), b.Severity, b.Status, b.Assignee, b.ProjectID})
					}
				})
			})
		},
	}
	list.Flags().StringVar(&f.ProjectID, "project", "", "filter by project id")
	list.Flags().StringVar(&f.Status, "status", "", "open, in_progress or closed")
	list.Flags().StringVar(&f.Severity, "severity", "", "critical, high, medium or low")
	list.Flags().IntVar(&f.Limit, "limit", 100, "maximum records")
	cmd.AddCommand(list)
	return cmd
}

func auditCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.ListAuditEvents(ctx, limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(events, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"TS", "Type", "Entity", "Actor", "Payload"})
					for _, ev := range events {
						tw.AppendRow(table.Row{ev.TS, ev.Type, ev.EntityKind + ":" + ev.EntityID, ev.ActorID, truncate(ev.Payload, 60)})
					}
				})
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum events")
	return cmd
}

func rateLimitCmd() *cobra.Command {
	var live bool
	cmd := &cobra.Command{
		Use:   "ratelimit",
		Short: "Show the GitHub rate limit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				info, ok := e.Remote.LastRateLimit()
				if live || !ok {
					var err error
					info, err = e.Remote.RateLimit(ctx)
					if err != nil {
						return err
					}
				}
				return printJSONOrTable(info, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"Limit", "Remaining", "Used", "Reset"})
					tw.AppendRow(table.Row{info.Limit, info.Remaining, info.Used, info.Reset.Format(time.RFC3339)})
				})
			})
		},
	}
	cmd.Flags().BoolVar(&live, "live", false, "query GitHub instead of the last observed headers")
	return cmd
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

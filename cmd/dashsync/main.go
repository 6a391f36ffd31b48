package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"dashsync/internal/app"
	"dashsync/internal/config"
	"dashsync/internal/db"
	"dashsync/internal/engine"
)

var rootCmd = &cobra.Command{
	Use:   "dashsync",
	Short: "dashsync CLI",
	Long: `dashsync keeps a local store of projects and bugs in step with GitHub.
- Jobs: named units of work (sync-repositories, sync-issues, cleanup-history) run by a scheduler that never runs the same job twice at once, retries failed attempts and records every run in the job history.
- Sync: paginated GitHub fetches with backoff and rate-limit handling, reconciled idempotently into projects and bugs; every run leaves one import log.
- Modes: full re-reads everything; incremental only applies items updated since the last successful run.
- Triggers: this CLI, the HTTP API (dashsync serve), a periodic schedule and GitHub webhooks.
- Workspace: dashsync.yml plus an optional .env for secrets; the default SQLite store lives in .dashsync/.`,
	SilenceUsage: true,
}

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
	viper.SetEnvPrefix(app.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides logging.level)")
	rootCmd.PersistentFlags().String("actor-id", "", "actor recorded in audit events (default $USER)")
	_ = viper.BindPFlag("actor_id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(jobsCmd())
	rootCmd.AddCommand(importsCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(projectsCmd())
	rootCmd.AddCommand(bugsCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(rateLimitCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(remoteCmd())
	rootCmd.AddCommand(tokenCmd())
}

func initCmd() *cobra.Command {
	var owner string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create dashsync.yml, a .env with a JWT secret and the local database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(owner)), 0o644); err != nil {
				return err
			}
			envPath := filepath.Join(workspace, ".env")
			if !envHasKey(envPath, "DASHSYNC_SERVER_JWT_SECRET") {
				secret, err := randomSecret()
				if err != nil {
					return err
				}
				if err := setEnvValue(envPath, "DASHSYNC_SERVER_JWT_SECRET", secret); err != nil {
					return err
				}
			}
			if err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error { return nil }); err != nil {
				return err
			}
			fmt.Printf("Wrote %s and %s; set DASHSYNC_GITHUB_TOKEN there before syncing.\n", path, envPath)
			fmt.Printf("Default database: %s\n", db.Path(workspace))
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "GitHub organization or user to sync")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing dashsync.yml")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration (secrets omitted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := app.LoadConfig(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate dashsync.yml and the environment overlay",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := app.LoadConfig(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if c.GitHub.Owner == "" {
				fmt.Println("warning: github.owner is empty; sync-repositories will fail")
			}
			if c.GitHub.Token == "" {
				fmt.Println("warning: DASHSYNC_GITHUB_TOKEN is not set; requests are unauthenticated")
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return cfg
}

// withEngine loads the workspace config, opens the store and hands a wired
// engine to fn.
func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := app.LoadConfig(workspace)
	if err != nil {
		return err
	}
	if lvl := viper.GetString("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	log, err := app.NewLogger(cfg, os.Stderr)
	if err != nil {
		return err
	}
	e, err := engine.Open(ctx, workspace, cfg, engine.Options{Logger: log})
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(ctx, e)
}

// printJSONOrTable prints v as JSON with --json and renders the table
// otherwise.
func printJSONOrTable(v any, render func(tw table.Writer)) error {
	if viper.GetBool("json") || render == nil {
		return printJSON(v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	render(tw)
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func envHasKey(path, key string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if strings.HasPrefix(scanner.Text(), key+"=") {
			return true
		}
	}
	return false
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	return os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600)
}

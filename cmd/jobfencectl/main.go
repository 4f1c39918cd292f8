package main

import (
	"fmt"
	"os"

	"github.com/huangang/jobfence/internal/config"
	"github.com/huangang/jobfence/internal/models"
	"github.com/huangang/jobfence/internal/utils"
	"github.com/spf13/cobra"
	gormlogger "gorm.io/gorm/logger"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "jobfencectl",
		Short:         "Operator tooling for jobfence",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", os.Getenv("CONFIG_PATH"), "Path to config.yaml (env and .env are applied on top)")

	root.AddCommand(newMigrateCmd(), newTokenCmd(), newInitConfigCmd())
	return root
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the queue_locks and job_logs tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if driver, _ := cmd.Flags().GetString("driver"); driver != "" {
				cfg.Database.Driver = driver
			}
			if dsn, _ := cmd.Flags().GetString("dsn"); dsn != "" {
				cfg.Database.DSN = dsn
			}

			db, err := models.Open(&cfg.Database, gormlogger.Warn)
			if err != nil {
				return fmt.Errorf("connect %s: %w", cfg.Database.Driver, err)
			}
			if sqlDB, err := db.DB(); err == nil {
				defer sqlDB.Close()
			}

			if err := models.Migrate(db); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Migrations applied to %s database\n", cfg.Database.Driver)
			return nil
		},
	}
	cmd.Flags().String("driver", "", "Database driver: sqlite, mysql, postgres (default from config)")
	cmd.Flags().String("dsn", "", "Database connection string (default from config)")
	cmd.Flags().String("connection", "", "Alias for --dsn")
	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		if conn, _ := cmd.Flags().GetString("connection"); conn != "" && !cmd.Flags().Changed("dsn") {
			return cmd.Flags().Set("dsn", conn)
		}
		return nil
	}
	return cmd
}

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an operator token for the /api routes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			subject, _ := cmd.Flags().GetString("subject")
			role, _ := cmd.Flags().GetString("role")
			hours, _ := cmd.Flags().GetInt("hours")
			if hours <= 0 {
				hours = cfg.JWT.ExpireHour
			}

			utils.SetJWTSecret(cfg.JWT.Secret)
			token, err := utils.GenerateToken(subject, role, hours)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("subject", "", "Operator name carried in the token")
	cmd.Flags().String("role", utils.RoleViewer, "admin or viewer")
	cmd.Flags().Int("hours", 0, "Validity in hours (default from config)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func newInitConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init-config",
		Short: "Write a config.yaml with the default settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, _ := cmd.Flags().GetString("out")
			force, _ := cmd.Flags().GetBool("force")
			if _, err := os.Stat(out); err == nil && !force {
				return fmt.Errorf("%s already exists, use --force to overwrite", out)
			}

			// app.id stays empty so every instance started from this file gets its own id
			if err := config.DefaultConfig().Save(out); err != nil {
				return fmt.Errorf("write %s: %w", out, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote default config to %s\n", out)
			return nil
		},
	}
	cmd.Flags().String("out", "config.yaml", "Destination path")
	cmd.Flags().Bool("force", false, "Overwrite an existing file")
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

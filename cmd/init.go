package cmd

import (
	"errors"
	"fmt"
	"log"

	"github.com/aaronson2012/grok/grok"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and seed the default personas",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			log.Fatal("Environment variable GROK_DATABASE_TYPE not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			log.Fatal(
				"Environment variable GROK_DATABASE not set (must be a valid " +
					"database connection string or sqlite file path)",
			)
		}

		db, err := grok.CreateDB(ctx, cmd.ErrOrStderr(), cfg.DatabaseType, cfg.Database)
		if err != nil {
			return fmt.Errorf("error creating database: %w", err)
		}
		if sqlDB, e := db.DB(); e == nil {
			defer func() { _ = sqlDB.Close() }()
		}

		out := cmd.OutOrStdout()

		var runtimeConfig grok.RuntimeConfig
		rv := db.WithContext(ctx).Last(&runtimeConfig)
		switch {
		case errors.Is(rv.Error, gorm.ErrRecordNotFound):
			runtimeConfig = grok.DefaultRuntimeConfig()
			if err = db.WithContext(ctx).Create(&runtimeConfig).Error; err != nil {
				return fmt.Errorf("error creating runtime config: %w", err)
			}
			fmt.Fprintln(out, "Created default runtime config.")
		case rv.Error != nil:
			return fmt.Errorf("error retrieving runtime config: %w", rv.Error)
		default:
			fmt.Fprintln(out, "Runtime config already exists.")
		}

		var personas int64
		if err = db.WithContext(ctx).Model(&grok.Persona{}).Count(&personas).Error; err != nil {
			return fmt.Errorf("error counting personas: %w", err)
		}
		fmt.Fprintf(out, "Initialized database with %d personas.\n", personas)

		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}

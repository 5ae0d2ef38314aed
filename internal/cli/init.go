package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"loom/internal/config"
	"loom/internal/storage"
)

// NewInitCmd builds the init command.
func NewInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize loom configuration",
		Long:  "Create the loom configuration directory, a default config file, and the event store.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(force)
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite existing configuration")

	return cmd
}

func runInit(force bool) error {
	configDir, err := config.DefaultConfigDir()
	if err != nil {
		return fmt.Errorf("get config dir: %w", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")
	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("configuration already exists at %s (use --force to overwrite)", configPath)
	}

	for _, dir := range []string{configDir, filepath.Join(configDir, "hooks")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	// Snapshot the defaults so the written file documents every key.
	cfg, err := config.Load("")
	if err != nil {
		return fmt.Errorf("build default config: %w", err)
	}
	if err := config.SaveTo(cfg, configPath); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	dataPath, err := config.DefaultDataPath()
	if err != nil {
		return fmt.Errorf("get data path: %w", err)
	}

	// Opening runs the migrations, so serve starts against a ready store.
	db, err := storage.Open(dataPath)
	if err != nil {
		return fmt.Errorf("initialize event store: %w", err)
	}
	db.Close()

	fmt.Printf("Initialized loom at %s\n", configDir)
	fmt.Printf("  Config:   %s\n", configPath)
	fmt.Printf("  Database: %s\n", dataPath)
	fmt.Printf("  Hooks:    %s\n", filepath.Join(configDir, "hooks"))

	return nil
}

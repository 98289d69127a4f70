package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	tea "charm.land/bubbletea/v2"
	"github.com/spf13/cobra"

	"github.com/rezzyhealth/rezzy/internal/democli"
	"github.com/rezzyhealth/rezzy/internal/log"
)

var demoServerURL string

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Try Rezzy in the terminal: 3 free questions, no account",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDemo()
	},
}

func init() {
	demoCmd.Flags().StringVar(&demoServerURL, "server", "http://localhost:8080", "relay base URL")
	rootCmd.AddCommand(demoCmd)
}

func runDemo() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("getting user home directory: %w", err)
	}

	level := slog.LevelWarn
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	logger := log.New(log.Config{Level: level})

	model, cleanup, err := democli.New(ctx, democli.Config{
		BaseURL:     demoServerURL,
		SessionPath: filepath.Join(home, ".rezzy", "demo.db"),
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("starting demo: %w", err)
	}
	defer cleanup()

	program := tea.NewProgram(model, tea.WithContext(ctx))
	if _, err := program.Run(); err != nil {
		return fmt.Errorf("running demo: %w", err)
	}
	return nil
}

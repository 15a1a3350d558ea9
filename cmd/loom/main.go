// Command loom edits and serves loom documents.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"loom-backend/internal/config"
	"loom-backend/internal/infrastructure/di"
	"loom-backend/internal/service/document"
)

// --- Global Command Variables ---
var (
	configDir   string
	environment string
	documentID  string

	loader    *config.Loader
	container *di.Container
	cleanup   func()

	rootCmd = &cobra.Command{
		Use:   "loom",
		Short: "Branching story editor backed by a language model",
		Long: `loom keeps a tree of text nodes. Every path from the root is one
version of a story; generations add sibling continuations below a node.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			env := config.EnvironmentFromEnv()
			if environment != "" {
				env = config.Environment(environment)
			}
			loader = config.NewLoader(configDir, env)
			cfg, err := loader.Load()
			if err != nil {
				return err
			}
			container, cleanup, err = di.InitializeContainer(cmd.Context(), cfg)
			return err
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config", "config", "directory holding base.yaml and the environment files")
	rootCmd.PersistentFlags().StringVar(&environment, "env", "", "environment (defaults to LOOM_ENV, then development)")
	rootCmd.PersistentFlags().StringVar(&documentID, "doc", "", "document id (defaults to document.id from the config)")

	rootCmd.AddCommand(
		showCmd,
		ancestryCmd,
		childCmd,
		editCmd,
		splitCmd,
		mergeCmd,
		zipCmd,
		unzipCmd,
		deleteCmd,
		moveCmd,
		generateCmd,
		multiverseCmd,
		serveCmd,
	)
}

func main() {
	err := rootCmd.ExecuteContext(context.Background())
	if cleanup != nil {
		cleanup()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withDocument opens the document, runs fn against it and saves afterwards
// when save is set.
func withDocument(ctx context.Context, save bool, fn func(ctx context.Context, svc *document.Service) error) error {
	svc, err := container.OpenDocument(ctx, documentID)
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	stopped := make(chan error, 1)
	go func() { stopped <- svc.Run(runCtx) }()
	defer func() {
		cancel()
		if err := <-stopped; err != nil {
			container.Logger.Warn("Document service stopped with error", zap.Error(err))
		}
	}()

	if err := fn(ctx, svc); err != nil {
		return err
	}
	if !save {
		return nil
	}
	if err := svc.WaitIdle(ctx); err != nil {
		return err
	}
	return svc.Save(ctx)
}

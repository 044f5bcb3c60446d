package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fleet-dispatcher/internal/config"
	"fleet-dispatcher/internal/fleet"
	"fleet-dispatcher/internal/logger"
	"fleet-dispatcher/internal/source"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func createRunCommand() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the fleet until interrupted",
		RunE:  runFleet,
	}
	runCmd.Flags().Duration("shutdown-timeout", 30*time.Second, "Time allowed for in-flight tasks to finish on shutdown")
	return runCmd
}

func runFleet(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	zapLogger, err := logger.NewLogger(cfg.Logger, cfg.Tracing.ServiceName)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer zapLogger.Sync()

	zapLogger.Info("Starting fleet dispatcher", zap.String("version", version))

	f, err := fleet.New(cfg, zapLogger, fleet.Options{})
	if err != nil {
		return fmt.Errorf("failed to build fleet: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := f.Start(ctx); err != nil {
		return fmt.Errorf("failed to start fleet: %w", err)
	}

	<-ctx.Done()
	zapLogger.Info("Shutting down...")

	shutdownTimeout, _ := cmd.Flags().GetDuration("shutdown-timeout")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return f.Stop(shutdownCtx)
}

func createGenerateCommand() *cobra.Command {
	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Write a synthetic task file",
		RunE:  generateTasks,
	}
	generateCmd.Flags().Int("count", 5000, "Number of tasks to generate")
	generateCmd.Flags().String("output", "data/tasks.json", "Output file")
	generateCmd.Flags().Int64("seed", 0, "Random seed (0 uses the current time)")
	return generateCmd
}

func generateTasks(cmd *cobra.Command, args []string) error {
	count, _ := cmd.Flags().GetInt("count")
	output, _ := cmd.Flags().GetString("output")
	seed, _ := cmd.Flags().GetInt64("seed")
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	nodes := config.Default().Worker.Nodes
	if cfg, err := config.Load(configPath); err == nil {
		nodes = cfg.Worker.Nodes
	}

	fmt.Printf("Generating %d tasks...\n", count)
	if err := source.WriteFile(output, count, nodes, seed); err != nil {
		return err
	}
	fmt.Printf("Tasks saved to %s\n", output)
	return nil
}

// Command metricflow runs the metric collection server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/drblury/metricflow"
	_ "github.com/drblury/metricflow/processor/all"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "metricflow:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", os.Getenv("METRICFLOW_CONFIG"), "path to the YAML configuration file")
	envFile := flag.String("env-file", ".env", "optional dotenv file loaded before the environment overrides")
	logLevel := flag.String("log-level", "info", "debug, info, warn or error")
	logFormat := flag.String("log-format", "json", "json or text")
	listProcessors := flag.Bool("list-processors", false, "print the registered processor names and exit")
	flag.Parse()

	if *listProcessors {
		fmt.Println(strings.Join(metricflow.DefaultProcessorRegistry.Names(), "\n"))
		return nil
	}

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", *envFile, err)
	}

	logger, err := metricflow.NewLogger(metricflow.LogOptions{Level: *logLevel, Format: *logFormat})
	if err != nil {
		return err
	}

	cfg, err := metricflow.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	if err := metricflow.ApplyEnv(cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := metricflow.NewService(ctx, cfg, logger, metricflow.ServiceDependencies{})
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Metric service stopped", err, nil)
		return err
	}
	return nil
}

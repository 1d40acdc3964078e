package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/roman-kulish/flight-core/cmd/flightcore/app"
)

const configEnv = "FLIGHTCORE_CONFIG"

func main() {
	var logLevel slog.LevelVar
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: &logLevel}))

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Error(fmt.Sprintf("failed to load .env file: %s", err.Error()))
		os.Exit(1)
	}

	var configPath string
	flag.StringVar(&configPath, "c", os.Getenv(configEnv), "Path to the configuration file")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [-c config.yaml] [gains...]\n\n", os.Args[0])
		fmt.Fprintf(flag.CommandLine.Output(), "gains are %d numbers: kp ki kd offset for the altitude, forward and yaw axes\n\n", app.GainsArgs)
		flag.PrintDefaults()
	}
	flag.Parse()

	if configPath == "" {
		logger.Error("no configuration file provided")
		os.Exit(1)
	}

	config, err := app.LoadConfig(configPath)
	if err != nil {
		logger.Error(fmt.Sprintf("failed to load configuration file: %s", err.Error()), slog.String("path", configPath))
		os.Exit(1)
	}

	if err = logLevel.UnmarshalText([]byte(config.Settings.LogLevel)); err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err = app.Run(ctx, config, logger, flag.Args()); err != nil {
		logger.Error(err.Error())

		cancel()
		os.Exit(1)
	}
}

// Command switchboard runs the protocol-translating relay.
//
// Usage:
//
//	switchboard serve --config config.yaml
//	switchboard validate --config config.yaml
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/kadirpekel/switchboard/pkg/config"
	"github.com/kadirpekel/switchboard/pkg/logger"
	"github.com/kadirpekel/switchboard/pkg/observability"
	"github.com/kadirpekel/switchboard/pkg/runtime"
	"github.com/kadirpekel/switchboard/pkg/server"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the relay server."`
	Validate ValidateCmd `cmd:"" help:"Validate configuration file."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple, verbose)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("switchboard %s\n", version)
	return nil
}

// ServeCmd starts the relay server.
type ServeCmd struct {
	Port int `help:"Port to listen on (overrides config)."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	if _, err := observability.InitGlobalTracer(ctx, cfg.Observability.Tracing); err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	metrics, err := observability.InitMetrics(ctx, cfg.Observability.Metrics)
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}
	observability.SetGlobalMetrics(metrics)

	rt, err := runtime.NewWithConfig(cfg)
	if err != nil {
		return fmt.Errorf("failed to build runtime: %w", err)
	}
	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("failed to start runtime: %w", err)
	}
	defer rt.Stop(context.Background())

	srv, err := server.New(cfg, rt)
	if err != nil {
		return fmt.Errorf("failed to build server: %w", err)
	}

	fmt.Printf("\nswitchboard ready\n")
	fmt.Printf("   Messages:    http://%s:%d/v1/messages\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("   Management:  http://%s:%d/v1/management/pipelines\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("   Health:      http://%s:%d/health\n", cfg.Server.Host, cfg.Server.Port)
	if cfg.Observability.Metrics.Enabled {
		fmt.Printf("   Metrics:     http://%s:%d/metrics\n", cfg.Server.Host, cfg.Server.Port)
	}
	fmt.Printf("   Pipelines:   %d\n", len(rt.ListPipelines()))
	fmt.Println("\nPress Ctrl+C to stop")

	return srv.Start(ctx)
}

// ValidateCmd validates a configuration file.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if cli.Config == "" {
		return fmt.Errorf("--config is required for validate")
	}

	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}

	pipelines := 0
	for i := range cfg.Providers {
		pipelines += len(cfg.Providers[i].Models) * len(cfg.Providers[i].Keys())
	}

	fmt.Printf("Configuration OK: %d providers, %d pipelines, %d routes\n",
		len(cfg.Providers), pipelines, len(cfg.Router.Routes))
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return nil, fmt.Errorf("--config is required")
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	slog.Info("Loaded configuration", "path", path)
	return cfg, nil
}

func main() {
	_ = config.LoadEnvFiles()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("switchboard"),
		kong.Description("Protocol-translating relay for chat completion providers"),
		kong.UsageOnError(),
	)

	level, err := logger.ParseLevel(cli.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	output := os.Stderr
	if cli.LogFile != "" {
		file, cleanup, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
			os.Exit(1)
		}
		defer cleanup()
		output = file
	}
	logger.Init(level, output, cli.LogFormat)

	err = ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}

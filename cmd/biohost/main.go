package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/helixlab/biohost/pkg/caps"
	"github.com/helixlab/biohost/pkg/config"
	"github.com/helixlab/biohost/pkg/filestore"
	"github.com/helixlab/biohost/pkg/host"
	"github.com/helixlab/biohost/pkg/logger"
	"github.com/helixlab/biohost/pkg/providers"
	"github.com/helixlab/biohost/pkg/rpc"
)

var version = "dev"

var (
	flagConfig string
	flagDebug  bool
)

func main() {
	root := &cobra.Command{
		Use:     "biohost",
		Short:   "LLM research host for a stdio tool server",
		Version: version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				logger.SetLevel(logger.DEBUG)
			}
		},
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", defaultConfigPath(), "config file")
	root.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false, "enable debug logging")

	root.AddCommand(
		newStatusCmd(),
		newToolsCmd(),
		newClientsCmd(),
		newUploadCmd(),
		newFilesCmd(),
		newChatCmd(),
		newHealthCmd(),
		newCloseCmd(),
		newSwitchModelCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "biohost.json"
	}
	return home + "/.biohost/config.json"
}

// runtime bundles everything a command needs: the supervised tool-server
// connection, the capability registry, model clients, file store and the
// coordinator on top.
type runtime struct {
	cfg      *config.Config
	client   *rpc.Client
	registry *caps.Registry
	coord    *host.Coordinator
}

func newRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	applyLogConfig(cfg)

	if cfg.Server.Command == "" {
		return nil, fmt.Errorf("no tool server configured (server.command in %s or BIOHOST_SERVER_COMMAND)", flagConfig)
	}

	var registry *caps.Registry
	client := rpc.NewClient(rpc.ClientConfig{
		Command:        cfg.Server.Command,
		Args:           cfg.Server.Args,
		StallTimeout:   time.Duration(cfg.Server.StallTimeoutSec) * time.Second,
		MaxCrashes:     cfg.Server.MaxCrashes,
		CrashWindow:    time.Duration(cfg.Server.CrashWindowSec) * time.Second,
		ReconnectEvery: time.Duration(cfg.Server.ReconnectEverySec) * time.Second,
	}, func(ctx context.Context, conn *rpc.Conn) error {
		return registry.Initialize(ctx, conn)
	})
	registry = caps.NewRegistry(client)

	if err := client.Start(ctx); err != nil {
		return nil, err
	}

	files, err := filestore.Open(cfg.Files.DataDir)
	if err != nil {
		client.Stop()
		return nil, err
	}

	models := providers.NewManager(providers.ManagerConfig{
		AnthropicAPIKey:  cfg.Models.AnthropicAPIKey,
		AnthropicAPIBase: cfg.Models.AnthropicAPIBase,
		AnthropicModel:   cfg.Models.AnthropicModel,
		OpenAIAPIKey:     cfg.Models.OpenAIAPIKey,
		OpenAIAPIBase:    cfg.Models.OpenAIAPIBase,
		OpenAIModel:      cfg.Models.OpenAIModel,
		GoogleAPIKey:     cfg.Models.GoogleAPIKey,
		GoogleAPIBase:    cfg.Models.GoogleAPIBase,
		GoogleModel:      cfg.Models.GoogleModel,
		AliyunAPIKey:     cfg.Models.AliyunAPIKey,
		AliyunAPIBase:    cfg.Models.AliyunAPIBase,
		AliyunModel:      cfg.Models.AliyunModel,
		MaxTokens:        cfg.Models.MaxTokens,
		Temperature:      cfg.Models.Temperature,
	})

	coord := host.New(host.Deps{
		Tools:  registry,
		Models: models,
		Files:  files,
		Conn:   client,
	}, host.Config{
		MaxToolIterations: cfg.Host.MaxToolIterations,
		ToolTimeout:       time.Duration(cfg.Host.ToolTimeoutSec) * time.Second,
		SessionIdleAge:    time.Duration(cfg.Host.SessionIdleMin) * time.Minute,
	})

	return &runtime{cfg: cfg, client: client, registry: registry, coord: coord}, nil
}

func (r *runtime) stop() {
	r.coord.Stop()
	r.client.Stop()
}

func applyLogConfig(cfg *config.Config) {
	switch cfg.Log.Level {
	case "debug":
		logger.SetLevel(logger.DEBUG)
	case "warn":
		logger.SetLevel(logger.WARN)
	case "error":
		logger.SetLevel(logger.ERROR)
	}
	if cfg.Log.File != "" {
		if err := logger.EnableFileLogging(cfg.Log.File); err != nil {
			fmt.Fprintln(os.Stderr, "Warning: file logging disabled:", err)
		}
	}
}

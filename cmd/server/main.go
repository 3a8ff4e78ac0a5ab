// Command server runs the agent loop's HTTP/SSE front end: it wires the
// model gateway, the sandbox backend, the Session Registry, and the agent
// loop together, then serves the chat UI and /metrics.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arborworks/agentloop/internal/agent"
	"github.com/arborworks/agentloop/internal/agent/providers"
	"github.com/arborworks/agentloop/internal/config"
	"github.com/arborworks/agentloop/internal/observability"
	"github.com/arborworks/agentloop/internal/registry"
	"github.com/arborworks/agentloop/internal/sandbox"
	"github.com/arborworks/agentloop/internal/web"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file, merged over defaults")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "agentloop:", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "agentloop:", err)
		os.Exit(1)
	}

	obsLogger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	logger := obsLogger.Slog()

	metrics := observability.NewMetrics()

	host, fs, err := buildSandboxBackend(cfg.Sandbox)
	if err != nil {
		logger.Error("build sandbox backend", "error", err)
		os.Exit(1)
	}

	gateway := providers.New(providers.Config{
		APIKey:  cfg.Model.APIKey,
		BaseURL: cfg.Model.BaseURL,
		Model:   cfg.Model.Model,
		Metrics: metrics,
	})

	reg := registry.New(registry.Dependencies{
		Host: host,
		FS:   fs,
		Config: sandbox.Config{
			AppName:         cfg.Sandbox.AppName,
			OverallDeadline: cfg.Sandbox.OverallDeadline,
			IdleDeadline:    cfg.Sandbox.IdleDeadline,
			CPUCores:        cfg.Sandbox.CPUCores,
			MemoryMB:        cfg.Sandbox.MemoryMB,
			MaxRuntime:      cfg.Sandbox.MaxRuntime,
			PollInterval:    cfg.Sandbox.PollInterval,
			InitScript:      cfg.Sandbox.InitScript,
		},
		Logger:  logger,
		Metrics: metrics,
	}, registry.Config{
		IdleTTL:  cfg.Session.IdleTTL,
		Capacity: cfg.Session.Capacity,
	})

	runCode := agent.NewRunCodeTool(reg, metrics)
	toolSpecs := []agent.ToolSpec{agent.RunCodeToolSpec}
	loop := agent.NewLoop(gateway, []agent.Tool{runCode}, toolSpecs, agent.LoopOptions{
		SystemPrompt:    agent.BuildSystemPrompt(toolSpecs),
		ReasoningEffort: cfg.Model.ReasoningEffort,
		Logger:          logger,
		Metrics:         metrics,
	})

	handler := web.NewHandler(web.Config{
		Registry:         reg,
		Loop:             loop,
		CookieSigningKey: cfg.Server.CookieSigningKey,
		Logger:           logger,
		Metrics:          metrics,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", handler.Mount())

	logger.Info("agentloop: listening", "addr", cfg.Server.Addr)
	if err := http.ListenAndServe(cfg.Server.Addr, mux); err != nil {
		logger.Error("agentloop: server exited", "error", err)
		os.Exit(1)
	}
}

// buildSandboxBackend constructs the ProcessHost/RemoteFS pair selected by
// cfg.Backend. The local backend spawns cmd/sandboxdriver on this machine;
// the daytona backend runs one cloud sandbox per user.
func buildSandboxBackend(cfg config.SandboxConfig) (sandbox.ProcessHost, sandbox.RemoteFS, error) {
	switch cfg.Backend {
	case "", "local":
		host := sandbox.NewLocalHost(sandbox.LocalHostConfig{
			BaseDir:      cfg.Local.BaseDir,
			DriverBinary: cfg.Local.DriverBinary,
		})
		return host, host, nil
	case "daytona":
		daytonaCfg := sandbox.DaytonaConfig{}
		if cfg.Daytona != nil {
			daytonaCfg = sandbox.DaytonaConfig{
				APIKey:         cfg.Daytona.APIKey,
				OrganizationID: cfg.Daytona.OrganizationID,
				APIURL:         cfg.Daytona.APIURL,
				Target:         cfg.Daytona.Target,
				Snapshot:       cfg.Daytona.Snapshot,
				Image:          cfg.Daytona.Image,
				WorkspaceDir:   cfg.Daytona.WorkspaceDir,
			}
		}
		host, err := sandbox.NewDaytonaHost(daytonaCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("daytona backend: %w", err)
		}
		return host, host, nil
	default:
		return nil, nil, fmt.Errorf("unknown sandbox backend %q", cfg.Backend)
	}
}

// ABOUTME: Reference fabric agent: registers with discovery and echoes tasks.
// ABOUTME: Usage: fabric-agent [-config agent.yaml] [-id echo-agent] [-probe capability]

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"

	"github.com/medrex/fabric/internal/client"
	"github.com/medrex/fabric/internal/config"
	"github.com/medrex/fabric/internal/envelope"
)

func main() {
	configPath := flag.String("config", "", "path to agent config YAML (defaults apply when empty)")
	routerURL := flag.String("router", "", "router URL (overrides config)")
	agentID := flag.String("id", "", "agent id (overrides config)")
	name := flag.String("name", "", "agent display name (overrides config)")
	probe := flag.String("probe", "", "query discovery for a capability, print matches, and exit")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath, *routerURL, *agentID, *name, *probe); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, routerURL, agentID, name, probe string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if routerURL != "" {
		cfg.RouterURL = routerURL
	}
	if agentID != "" {
		cfg.AgentID = agentID
	}
	if name != "" {
		cfg.Name = name
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid agent config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	m := client.NewManager(cfg, logger)
	registerHandlers(m, cfg.AgentID, logger)

	if err := m.Connect(ctx); err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}
	defer func() { _ = m.Disconnect() }()

	if err := m.RegisterSelf(ctx); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Print("  ▶ ")
	fmt.Printf("Connected as %s to %s\n", cfg.AgentID, cfg.RouterURL)
	green.Print("  ▶ ")
	fmt.Printf("Capabilities: %s\n", strings.Join(cfg.Capabilities, ", "))

	if probe != "" {
		return runProbe(ctx, m, probe)
	}

	// Block until the connection dies or we are signaled.
	done := make(chan error, 1)
	go func() { done <- m.Wait() }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return nil
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("connection lost: %w", err)
		}
		return nil
	}
}

// loadConfig loads the agent config, falling back to echo-agent defaults when
// no file is given.
func loadConfig(path string) (*config.AgentConfig, error) {
	if path == "" {
		path = os.Getenv("FABRIC_AGENT_CONFIG")
	}
	if path != "" {
		cfg, err := config.LoadAgent(path)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		return cfg, nil
	}

	cfg := config.DefaultAgentConfig()
	cfg.AgentID = "echo-agent"
	cfg.Name = "Echo Agent"
	cfg.AgentType = "echo"
	cfg.Capabilities = []string{"chat", "echo"}
	return cfg, nil
}

// registerHandlers wires the echo behavior: every TASK_ASSIGN is answered
// with a TASK_COMPLETE carrying the text back, or a TASK_FAIL when there is
// nothing to echo.
func registerHandlers(m *client.Manager, agentID string, logger *slog.Logger) {
	m.OnMessage(envelope.TypeTaskAssign, func(ctx context.Context, env *envelope.Envelope) {
		text, _ := env.Payload["text"].(string)
		logger.Info("task received", "from", env.Header.SenderID, "text", text)

		var reply *envelope.Envelope
		if strings.TrimSpace(text) == "" {
			reply = env.Reply(agentID, envelope.TypeTaskFail, map[string]any{
				"reason": "nothing to echo",
			})
		} else {
			reply = env.Reply(agentID, envelope.TypeTaskComplete, map[string]any{
				"text": text,
			})
		}
		if err := m.Send(ctx, reply); err != nil {
			logger.Warn("failed to send task reply", "error", err)
		}
	})

	m.OnUnhandled(func(ctx context.Context, env *envelope.Envelope) {
		logger.Debug("ignoring message", "message_type", env.Header.MessageType)
	})
}

// runProbe queries discovery for one capability and prints the matches.
func runProbe(ctx context.Context, m *client.Manager, capability string) error {
	agents, err := m.QueryAgents(ctx, []string{capability})
	if err != nil {
		return err
	}

	if len(agents) == 0 {
		color.Yellow("  no agents with capability %q", capability)
		return nil
	}

	cyan := color.New(color.FgCyan)
	for _, a := range agents {
		cyan.Printf("  %s", a.AgentID)
		fmt.Printf("  %s  [%s]  %s\n", a.Name, strings.Join(a.Capabilities, ", "), a.Status)
	}
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

package main

import (
	"context"

	"github.com/m4xw311/toolhub/agent"
	"github.com/m4xw311/toolhub/config"
	"github.com/m4xw311/toolhub/errors"
	"github.com/m4xw311/toolhub/llm"
	"github.com/m4xw311/toolhub/permission"
	"github.com/m4xw311/toolhub/store"
	"github.com/m4xw311/toolhub/tools"
	"github.com/m4xw311/toolhub/tools/local"
	"github.com/m4xw311/toolhub/tools/mcp"
	"go.uber.org/zap"
)

// app is the runtime every command shares: the store, the registry with the
// built-in owners and the agent runtime on top.
type app struct {
	cfg        *config.Config
	logger     *zap.Logger
	kv         store.KV
	rt         *agent.Runtime
	mcpClients []*mcp.Client
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	kv, err := store.Open(cfg.Store)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s store", cfg.Store.Driver)
	}

	registry := tools.NewRegistry(logger.Named("tools"), tools.WithInputValidation(cfg.ValidateToolInput))
	perms := permission.NewEngine(kv, cfg.DomainAwareTools, logger.Named("permissions"))
	rt := agent.NewRuntime(registry, perms, kv, logger.Named("agent"), agent.Options{
		SystemPrompt:      cfg.SystemPrompt,
		PermissionTimeout: cfg.PermissionTimeout,
		ToolTimeout:       cfg.ToolTimeout,
		MaxTurns:          cfg.MaxTurns,
	})

	a := &app{cfg: cfg, logger: logger, kv: kv, rt: rt}
	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context) error {
	if err := a.initProvider(ctx); err != nil {
		return err
	}
	if a.cfg.AutoApprove {
		if err := a.rt.Permissions.SetAutoApprove(ctx, true); err != nil {
			return err
		}
	}

	if a.cfg.LocalTools.Enabled {
		owner := local.New(a.cfg.LocalTools, a.logger.Named("local"))
		if err := a.rt.Registry.Register(local.OwnerID, owner, owner.Descriptors()); err != nil {
			return errors.Wrapf(err, "failed to register local tools")
		}
	}

	for _, server := range a.cfg.MCPServers {
		client, err := mcp.Start(ctx, server, a.logger.Named("mcp"))
		if err != nil {
			a.logger.Warn("skipping MCP server", zap.String("server", server.Name), zap.Error(err))
			continue
		}
		a.mcpClients = append(a.mcpClients, client)

		descs, err := client.Descriptors(ctx)
		if err != nil {
			a.logger.Warn("failed to list MCP tools", zap.String("server", server.Name), zap.Error(err))
			continue
		}
		if err := a.rt.Registry.Register(client.OwnerID(), client, descs); err != nil {
			a.logger.Warn("failed to register MCP tools", zap.String("server", server.Name), zap.Error(err))
		}
	}
	return nil
}

// initProvider restores the provider stored by the last init_agent and falls
// back to the one named in the configuration.
func (a *app) initProvider(ctx context.Context) error {
	restored, err := a.rt.Restore(ctx)
	if err != nil {
		a.logger.Warn("stored provider could not be restored", zap.Error(err))
	}
	if restored || a.cfg.Provider == "" {
		return nil
	}
	return a.rt.UseProvider(ctx, llm.Config{
		Provider: a.cfg.Provider,
		Model:    a.cfg.Model,
		APIKey:   a.cfg.APIKey,
		BaseURL:  a.cfg.BaseURL,
	})
}

func (a *app) Close() {
	for _, c := range a.mcpClients {
		a.rt.Registry.Unregister(c.OwnerID())
		if err := c.Stop(); err != nil {
			a.logger.Warn("failed to stop MCP server", zap.String("server", c.Name), zap.Error(err))
		}
	}
	a.rt.StopAll()
	if err := a.kv.Close(); err != nil {
		a.logger.Warn("failed to close store", zap.Error(err))
	}
}

package agent

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/m4xw311/toolhub/errors"
	"github.com/m4xw311/toolhub/llm"
	"github.com/m4xw311/toolhub/pending"
	"github.com/m4xw311/toolhub/permission"
	"github.com/m4xw311/toolhub/session"
	"github.com/m4xw311/toolhub/store"
	"github.com/m4xw311/toolhub/tools"
	"go.uber.org/zap"
)

// DefaultSystemPrompt is sent with every model call unless configured otherwise.
const DefaultSystemPrompt = `You are a helpful assistant with access to tools provided by the user's extensions.
Use a tool whenever it helps answer the request. Tool names are namespaced, for example "nav.click".
If a tool call is denied, do not retry it; explain what you would have done instead.`

// sweepInterval is how often expired approval requests are removed.
const sweepInterval = time.Second

// Options tunes a Runtime. Zero values are replaced by defaults.
type Options struct {
	SystemPrompt      string
	PermissionTimeout time.Duration
	ToolTimeout       time.Duration
	MaxTurns          int
}

// ProviderFactory builds a provider from its configuration.
type ProviderFactory func(ctx context.Context, cfg llm.Config, logger *zap.Logger) (llm.Provider, error)

// Runtime holds the services shared by every conversation: the active model
// provider, the tool registry, the permission engine and the approval
// requests that are waiting for a surface to answer.
type Runtime struct {
	Registry    *tools.Registry
	Permissions *permission.Engine
	Approvals   *pending.Tracker[Approval]

	kv          store.KV
	logger      *zap.Logger
	opts        Options
	newProvider ProviderFactory

	mu            sync.RWMutex
	provider      llm.Provider
	providerCfg   llm.Config
	surfaces      Broadcaster
	conversations map[string]*Conversation
}

// Option configures optional Runtime collaborators.
type Option func(*Runtime)

// WithProviderFactory replaces llm.New, mostly for tests.
func WithProviderFactory(f ProviderFactory) Option {
	return func(rt *Runtime) { rt.newProvider = f }
}

// WithBroadcaster sets the surfaces that receive permission requests.
func WithBroadcaster(b Broadcaster) Option {
	return func(rt *Runtime) {
		if b == nil {
			b = noSurfaces{}
		}
		rt.surfaces = b
	}
}

func NewRuntime(registry *tools.Registry, perms *permission.Engine, kv store.KV, logger *zap.Logger, opts Options, options ...Option) *Runtime {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = DefaultSystemPrompt
	}
	if opts.PermissionTimeout <= 0 {
		opts.PermissionTimeout = 60 * time.Second
	}
	if opts.ToolTimeout <= 0 {
		opts.ToolTimeout = 5 * time.Minute
	}
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = 50
	}
	rt := &Runtime{
		Registry:      registry,
		Permissions:   perms,
		Approvals:     pending.NewTracker[Approval](logger.Named("approvals")),
		kv:            kv,
		logger:        logger,
		opts:          opts,
		newProvider:   llm.New,
		surfaces:      noSurfaces{},
		conversations: make(map[string]*Conversation),
	}
	for _, o := range options {
		o(rt)
	}
	return rt
}

// Run sweeps expired approval requests until ctx is done.
func (rt *Runtime) Run(ctx context.Context) error {
	return rt.Approvals.Run(ctx, sweepInterval)
}

// SetBroadcaster replaces the surfaces that receive permission requests.
func (rt *Runtime) SetBroadcaster(b Broadcaster) {
	if b == nil {
		b = noSurfaces{}
	}
	rt.mu.Lock()
	rt.surfaces = b
	rt.mu.Unlock()
}

func (rt *Runtime) broadcaster() Broadcaster {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.surfaces
}

// InitProvider builds the provider described by cfg, makes it the active one
// and persists cfg so Restore can bring it back.
func (rt *Runtime) InitProvider(ctx context.Context, cfg llm.Config) error {
	if err := rt.activate(ctx, cfg); err != nil {
		return err
	}
	return rt.saveProviderConfig(ctx, cfg)
}

// UseProvider activates cfg without persisting it, for providers that come
// from the configuration file.
func (rt *Runtime) UseProvider(ctx context.Context, cfg llm.Config) error {
	return rt.activate(ctx, cfg)
}

// Restore activates the provider stored by the last successful InitProvider.
// It reports false when nothing is stored.
func (rt *Runtime) Restore(ctx context.Context) (bool, error) {
	cfg, ok, err := rt.loadProviderConfig(ctx)
	if err != nil || !ok {
		return false, err
	}
	if err := rt.activate(ctx, cfg); err != nil {
		return false, err
	}
	return true, nil
}

// Provider returns the active provider, or nil before initialization.
func (rt *Runtime) Provider() llm.Provider {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.provider
}

// ProviderConfig returns the configuration of the active provider.
func (rt *Runtime) ProviderConfig() llm.Config {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.providerCfg
}

func (rt *Runtime) activate(ctx context.Context, cfg llm.Config) error {
	p, err := rt.newProvider(ctx, cfg, rt.logger)
	if err != nil {
		return errors.Wrapf(err, "failed to initialize provider %q", cfg.Provider)
	}

	rt.mu.Lock()
	old := rt.provider
	rt.provider = p
	rt.providerCfg = cfg
	rt.mu.Unlock()

	if c, ok := old.(io.Closer); ok {
		if err := c.Close(); err != nil {
			rt.logger.Warn("closing previous provider failed", zap.Error(err))
		}
	}
	rt.logger.Info("provider initialized", zap.String("provider", p.Name()), zap.String("model", cfg.Model))
	return nil
}

func (rt *Runtime) saveProviderConfig(ctx context.Context, cfg llm.Config) error {
	values := map[string]string{
		store.KeyProvider: cfg.Provider,
		store.KeyModel:    cfg.Model,
		store.KeyAPIKey:   cfg.APIKey,
		store.KeyBaseURL:  cfg.BaseURL,
	}
	for k, v := range values {
		var err error
		if v == "" {
			err = rt.kv.Delete(ctx, k)
		} else {
			err = rt.kv.Set(ctx, k, v)
		}
		if err != nil {
			return errors.Wrapf(err, "failed to persist %s", k)
		}
	}
	return nil
}

func (rt *Runtime) loadProviderConfig(ctx context.Context) (llm.Config, bool, error) {
	var cfg llm.Config
	fields := []struct {
		key string
		dst *string
	}{
		{store.KeyProvider, &cfg.Provider},
		{store.KeyModel, &cfg.Model},
		{store.KeyAPIKey, &cfg.APIKey},
		{store.KeyBaseURL, &cfg.BaseURL},
	}
	for _, f := range fields {
		v, _, err := rt.kv.Get(ctx, f.key)
		if err != nil {
			return cfg, false, errors.Wrapf(err, "failed to read %s", f.key)
		}
		*f.dst = v
	}
	return cfg, cfg.Provider != "", nil
}

// Conversation returns the conversation with id, creating an in-memory one
// on first use.
func (rt *Runtime) Conversation(id string) *Conversation {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if c, ok := rt.conversations[id]; ok {
		return c
	}
	c := rt.newConversation(id, session.New(id))
	rt.conversations[id] = c
	return c
}

// Attach registers a conversation backed by an existing session, replacing
// any conversation with the same id.
func (rt *Runtime) Attach(sess *session.Session) *Conversation {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	c := rt.newConversation(sess.Name, sess)
	rt.conversations[sess.Name] = c
	return c
}

// StopAll cancels every running prompt. It returns how many were running.
func (rt *Runtime) StopAll() int {
	rt.mu.RLock()
	convs := make([]*Conversation, 0, len(rt.conversations))
	for _, c := range rt.conversations {
		convs = append(convs, c)
	}
	rt.mu.RUnlock()

	n := 0
	for _, c := range convs {
		if c.Stop() {
			n++
		}
	}
	return n
}

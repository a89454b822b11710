// Package permission decides whether a tool call may run, must be refused or
// needs the user's confirmation, and persists remembered decisions.
//
// Decisions are stored per tool, either globally or for one hostname.
// Hostname-scoped decisions only exist for domain-aware tools and are
// consulted before global ones, so the more specific decision wins.
package permission

import (
	"context"
	"encoding/json"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/m4xw311/toolhub/errors"
	"github.com/m4xw311/toolhub/store"
	"github.com/m4xw311/toolhub/tools"
	"go.uber.org/zap"
)

const (
	keyPrefix      = "permission/"
	keyAutoApprove = "autoApprove"
)

type Engine struct {
	kv          store.KV
	domainAware []string
	logger      *zap.Logger

	// mu orders writes against reads that span more than one key.
	mu sync.RWMutex
}

// NewEngine builds an engine over kv. domainAware holds glob patterns over
// tool names; matching tools have their decisions scoped by hostname.
func NewEngine(kv store.KV, domainAware []string, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, p := range domainAware {
		if !doublestar.ValidatePattern(p) {
			logger.Warn("ignoring invalid domain-aware pattern", zap.String("pattern", p))
		}
	}
	return &Engine{kv: kv, domainAware: domainAware, logger: logger}
}

// IsDomainAware reports whether toolName acts on the current page.
func (e *Engine) IsDomainAware(toolName string) bool {
	for _, p := range e.domainAware {
		if ok, err := doublestar.Match(p, toolName); err == nil && ok {
			return true
		}
	}
	return false
}

// Domain returns the hostname decisions for toolName are scoped to in pctx,
// or "" when only global decisions apply.
func (e *Engine) Domain(toolName string, pctx tools.Context) string {
	if pctx.URL == "" || !e.IsDomainAware(toolName) {
		return ""
	}
	return ExtractDomain(pctx.URL)
}

// ExtractDomain returns the lower-cased hostname of rawURL, or "" if it has none.
func ExtractDomain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// Check looks up the stored decisions for toolName: the domain decision
// first, then the global one. A stored deny is final. Without any stored
// decision the call is allowed when auto-approve is on and needs a prompt
// otherwise.
func (e *Engine) Check(ctx context.Context, toolName string, pctx tools.Context) (Check, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	domain := e.Domain(toolName, pctx)
	res := Check{Domain: domain}

	if domain != "" {
		d, err := e.lookup(ctx, toolName, domain)
		if err != nil {
			return res, err
		}
		if d != Ask {
			res.Allowed = d == AlwaysAllow
			return res, nil
		}
	}

	d, err := e.lookup(ctx, toolName, "")
	if err != nil {
		return res, err
	}
	if d != Ask {
		res.Allowed = d == AlwaysAllow
		return res, nil
	}

	auto, err := e.autoApprove(ctx)
	if err != nil {
		return res, err
	}
	if auto {
		res.Allowed = true
		return res, nil
	}
	res.RequiresPrompt = true
	return res, nil
}

// Remember stores decision for toolName. A domain scope is only kept for
// domain-aware tools with a known hostname; everything else is stored
// globally.
func (e *Engine) Remember(ctx context.Context, toolName string, decision Decision, scope Scope, domain string) (Record, error) {
	if decision == Ask {
		return Record{}, errors.New("cannot remember an ask decision")
	}
	rec := Record{ToolName: toolName, Decision: decision}
	if scope == ScopeDomain && domain != "" && e.IsDomainAware(toolName) {
		rec.Domain = strings.ToLower(domain)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return Record{}, errors.Wrapf(err, "encode permission for %q", toolName)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.kv.Set(ctx, recordKey(toolName, rec.Domain), string(data)); err != nil {
		return Record{}, errors.Wrapf(err, "store permission for %q", toolName)
	}
	e.logger.Info("stored permission",
		zap.String("tool", toolName), zap.String("scope", string(rec.Scope())),
		zap.String("domain", rec.Domain), zap.Stringer("decision", decision))
	return rec, nil
}

// Revoke removes the decision for toolName at domain, or the global one when
// domain is empty.
func (e *Engine) Revoke(ctx context.Context, toolName, domain string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.kv.Delete(ctx, recordKey(toolName, strings.ToLower(domain))); err != nil {
		return errors.Wrapf(err, "revoke permission for %q", toolName)
	}
	return nil
}

// List returns every stored decision, global ones first, then by tool and
// domain.
func (e *Engine) List(ctx context.Context) ([]Record, error) {
	e.mu.RLock()
	entries, err := e.kv.List(ctx, keyPrefix)
	e.mu.RUnlock()
	if err != nil {
		return nil, errors.Wrapf(err, "list permissions")
	}

	out := make([]Record, 0, len(entries))
	for k, v := range entries {
		var rec Record
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			e.logger.Warn("skipping unreadable permission", zap.String("key", k), zap.Error(err))
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if (out[i].Domain == "") != (out[j].Domain == "") {
			return out[i].Domain == ""
		}
		if out[i].ToolName != out[j].ToolName {
			return out[i].ToolName < out[j].ToolName
		}
		return out[i].Domain < out[j].Domain
	})
	return out, nil
}

func (e *Engine) SetAutoApprove(ctx context.Context, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return errors.Wrapf(e.kv.Set(ctx, keyAutoApprove, strconv.FormatBool(enabled)), "store auto-approve")
}

func (e *Engine) AutoApprove(ctx context.Context) (bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.autoApprove(ctx)
}

func (e *Engine) autoApprove(ctx context.Context) (bool, error) {
	v, ok, err := e.kv.Get(ctx, keyAutoApprove)
	if err != nil {
		return false, errors.Wrapf(err, "read auto-approve")
	}
	if !ok {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.logger.Warn("unreadable auto-approve flag", zap.String("value", v))
		return false, nil
	}
	return b, nil
}

func (e *Engine) lookup(ctx context.Context, toolName, domain string) (Decision, error) {
	v, ok, err := e.kv.Get(ctx, recordKey(toolName, domain))
	if err != nil {
		return Ask, errors.Wrapf(err, "read permission for %q", toolName)
	}
	if !ok {
		return Ask, nil
	}
	var rec Record
	if err := json.Unmarshal([]byte(v), &rec); err != nil {
		e.logger.Warn("ignoring unreadable permission", zap.String("tool", toolName), zap.String("domain", domain), zap.Error(err))
		return Ask, nil
	}
	return rec.Decision, nil
}

func recordKey(toolName, domain string) string {
	if domain == "" {
		return keyPrefix + "global/" + toolName
	}
	return keyPrefix + "domain/" + domain + "/" + toolName
}

// Package keypool implements health-aware selection over provider API keys:
// error-count scoring, cooling periods, in-process RPM windows, and a
// round-robin cursor persisted in the shared store.
package keypool

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/routellm/gateway/internal/adapter/observability"
	"github.com/routellm/gateway/internal/adapter/provider"
	"github.com/routellm/gateway/internal/config"
	"github.com/routellm/gateway/internal/domain"
)

// rpmWindow tracks one key's usage inside the current fixed window.
type rpmWindow struct {
	windowStart time.Time
	count       int
}

// Pool selects, marks, and decays provider keys. RPM accounting is held
// in-process; everything else lives in the key repository and the cursor
// store.
type Pool struct {
	keys   domain.KeyRepository
	cursor domain.CursorStore
	cfg    config.Config

	mu  sync.Mutex
	rpm map[string]*rpmWindow
}

func NewPool(keys domain.KeyRepository, cursor domain.CursorStore, cfg config.Config) *Pool {
	return &Pool{
		keys:   keys,
		cursor: cursor,
		cfg:    cfg,
		rpm:    make(map[string]*rpmWindow),
	}
}

// score orders candidates: fewest recent errors first, then admin priority,
// then age. Lower wins on every component.
type score struct {
	errorCount int
	priority   int
	createdAt  int64
}

func keyScore(k domain.ProviderKey) score {
	priority := k.Priority
	if priority == 0 {
		priority = 100
	}
	return score{
		errorCount: k.ErrorCountRecent,
		priority:   priority,
		createdAt:  k.CreatedAt.Unix(),
	}
}

func (a score) less(b score) bool {
	if a.errorCount != b.errorCount {
		return a.errorCount < b.errorCount
	}
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	return a.createdAt < b.createdAt
}

// Select picks the best usable key for a provider at instant now, skipping
// excluded ids (keys already tried in this request). Candidate errors are
// decayed first so expired cooling periods do not hide keys. Returns
// domain.ErrNoKeysAvailable when nothing is usable.
func (p *Pool) Select(ctx context.Context, providerName string, now time.Time, excluded map[string]bool) (domain.ProviderKey, error) {
	keys, err := p.keys.ListSelectable(ctx, providerName)
	if err != nil {
		return domain.ProviderKey{}, fmt.Errorf("op=keypool.Select list: %w", err)
	}

	var candidates []domain.ProviderKey
	for i := range keys {
		k := keys[i]
		if changed := p.decay(&k, now); changed {
			if err := p.keys.Update(ctx, k); err != nil {
				slog.Warn("key decay persist failed", slog.String("key_id", k.ID), slog.Any("error", err))
			}
		}
		if excluded[k.ID] {
			continue
		}
		if !k.EffectivelyActive(now) {
			continue
		}
		if !p.canUseForRPM(k, now) {
			continue
		}
		candidates = append(candidates, k)
	}
	if len(candidates) == 0 {
		return domain.ProviderKey{}, fmt.Errorf("no usable keys for provider %q: %w", providerName, domain.ErrNoKeysAvailable)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return keyScore(candidates[i]).less(keyScore(candidates[j]))
	})

	// Rotate over the full sorted list via the persisted cursor. A cursor
	// fetch failure degrades to the best-scored key.
	idx := 0
	if cur, err := p.cursor.NextIndex(ctx, providerName); err == nil {
		idx = int(cur % int64(len(candidates)))
	} else {
		slog.Warn("round-robin cursor unavailable, using best-scored key",
			slog.String("provider", providerName), slog.Any("error", err))
	}

	selected := candidates[idx]
	slog.Debug("key selected",
		slog.String("provider", providerName),
		slog.String("key_id", selected.ID),
		slog.Int("candidates", len(candidates)),
		slog.Int("index", idx))
	return selected, nil
}

// canUseForRPM reports whether the key is under its per-window request cap.
// Keys without a cap always pass; unseen keys pass and get a fresh window.
func (p *Pool) canUseForRPM(k domain.ProviderKey, now time.Time) bool {
	if k.MaxRPM == nil {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.rpm[k.ID]
	if !ok {
		p.rpm[k.ID] = &rpmWindow{windowStart: now}
		return true
	}
	if now.Sub(w.windowStart) >= p.cfg.KeyRPMWindow() {
		w.windowStart = now
		w.count = 0
		return true
	}
	return w.count < *k.MaxRPM
}

// RegisterUsage counts one request against the key's current window.
func (p *Pool) RegisterUsage(keyID string, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.rpm[keyID]
	if !ok || now.Sub(w.windowStart) >= p.cfg.KeyRPMWindow() {
		p.rpm[keyID] = &rpmWindow{windowStart: now, count: 1}
		return
	}
	w.count++
}

// TouchUsed persists last_used_at.
func (p *Pool) TouchUsed(ctx context.Context, k domain.ProviderKey, now time.Time) error {
	k.LastUsedAt = &now
	if err := p.keys.Update(ctx, k); err != nil {
		return fmt.Errorf("op=keypool.TouchUsed: %w", err)
	}
	return nil
}

// MarkError records an upstream failure against the key. Authentication
// disables the key until an admin re-enables it; rate limits and transient
// failures start a cooling period. Client errors never reach here.
func (p *Pool) MarkError(ctx context.Context, k domain.ProviderKey, kind provider.Kind, now time.Time) error {
	k.ErrorCountRecent++
	k.LastErrorAt = &now

	switch kind {
	case provider.KindAuthentication:
		k.Status = domain.KeyDisabled
		k.CoolingUntil = nil
		slog.Warn("key disabled after authentication error",
			slog.String("provider", k.Provider), slog.String("key_id", k.ID))
	case provider.KindRateLimit:
		until := now.Add(p.cfg.KeyCooldownOn429())
		k.CoolingUntil = &until
		k.Status = domain.KeyCoolingDown
		slog.Info("key cooling down after rate limit",
			slog.String("provider", k.Provider), slog.String("key_id", k.ID),
			slog.Time("until", until))
	default:
		until := now.Add(p.cfg.KeyCooldownOnNetworkError())
		k.CoolingUntil = &until
		k.Status = domain.KeyCoolingDown
		slog.Info("key cooling down after transient error",
			slog.String("provider", k.Provider), slog.String("key_id", k.ID),
			slog.Time("until", until))
	}

	observability.RecordKeyError(k.Provider, string(kind))

	if err := p.keys.Update(ctx, k); err != nil {
		return fmt.Errorf("op=keypool.MarkError: %w", err)
	}
	return nil
}

// MarkSuccess clears an expired cooling state after a successful call.
func (p *Pool) MarkSuccess(ctx context.Context, k domain.ProviderKey, now time.Time) error {
	if k.Status != domain.KeyCoolingDown {
		return nil
	}
	if k.CoolingUntil != nil && k.CoolingUntil.UTC().After(now.UTC()) {
		return nil
	}
	k.Status = domain.KeyActive
	k.CoolingUntil = nil
	if err := p.keys.Update(ctx, k); err != nil {
		return fmt.Errorf("op=keypool.MarkSuccess: %w", err)
	}
	return nil
}

// decay zeroes the recent error count once the last error is old enough and
// reactivates keys whose cooling period has elapsed. Idempotent; returns
// whether the key changed.
func (p *Pool) decay(k *domain.ProviderKey, now time.Time) bool {
	changed := false
	if k.LastErrorAt != nil && k.ErrorCountRecent > 0 {
		if now.UTC().Sub(k.LastErrorAt.UTC()) >= p.cfg.KeyErrorDecay() {
			k.ErrorCountRecent = 0
			changed = true
		}
	}
	if k.Status == domain.KeyCoolingDown && k.CoolingUntil != nil {
		if !k.CoolingUntil.UTC().After(now.UTC()) {
			k.Status = domain.KeyActive
			k.CoolingUntil = nil
			changed = true
		}
	}
	return changed
}

// Decay applies error decay to a single key and persists any change.
func (p *Pool) Decay(ctx context.Context, k domain.ProviderKey, now time.Time) (domain.ProviderKey, error) {
	if changed := p.decay(&k, now); changed {
		if err := p.keys.Update(ctx, k); err != nil {
			return k, fmt.Errorf("op=keypool.Decay: %w", err)
		}
	}
	return k, nil
}

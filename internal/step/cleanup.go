package step

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/docker/go-units"
	"go.uber.org/zap"

	"github.com/pitabwire/flowrun/model"
)

// CleanupPolicy selects which items of a target are purged. An item is
// removed when it is older than MaxAge or falls outside the KeepLatest newest
// items. Zero disables a criterion; at least one must be set.
type CleanupPolicy struct {
	MaxAge     time.Duration `mapstructure:"maxAge"`
	KeepLatest int           `mapstructure:"keepLatest"`
}

// Validate rejects a policy that would purge nothing or everything.
func (p CleanupPolicy) Validate() error {
	if p.MaxAge < 0 || p.KeepLatest < 0 {
		return errors.New("cleanup policy values must not be negative")
	}
	if p.MaxAge == 0 && p.KeepLatest == 0 {
		return errors.New("cleanup policy requires maxAge or keepLatest")
	}
	return nil
}

// expired reports whether the item at rank (0 = newest) created at created
// is purged at now.
func (p CleanupPolicy) expired(rank int, created, now time.Time) bool {
	if p.KeepLatest > 0 && rank >= p.KeepLatest {
		return true
	}
	return p.MaxAge > 0 && now.Sub(created) > p.MaxAge
}

// PurgeStats reports what a purge removed.
type PurgeStats struct {
	Items int64
	Bytes int64
}

// Purger removes expired items from a named target.
type Purger interface {
	Purge(ctx context.Context, target string, policy CleanupPolicy) (PurgeStats, error)
}

type cleanupConfig struct {
	Target string        `mapstructure:"target"`
	Policy CleanupPolicy `mapstructure:"policy"`
}

// CleanupResult is the result of a cleanup step.
type CleanupResult struct {
	Cleaned      bool   `json:"cleaned"`
	Target       string `json:"target"`
	ItemsRemoved int64  `json:"itemsRemoved"`
	SpaceFreed   string `json:"spaceFreed"`
	BytesFreed   int64  `json:"bytesFreed"`
}

// CleanupHandler purges expired items through a Purger.
type CleanupHandler struct {
	purger Purger
	logger *zap.Logger
}

// NewCleanupHandler creates a cleanup step handler.
func NewCleanupHandler(purger Purger, logger *zap.Logger) *CleanupHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CleanupHandler{purger: purger, logger: logger}
}

// Type implements Handler.
func (h *CleanupHandler) Type() model.StepType { return model.StepTypeCleanup }

// Execute implements Handler.
func (h *CleanupHandler) Execute(ctx context.Context, executionID string, s model.WorkflowStep) (any, error) {
	var cfg cleanupConfig
	if err := decodeConfig(s, &cfg); err != nil {
		return nil, err
	}
	if cfg.Target == "" {
		return nil, errors.New("cleanup step requires a target")
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}

	stats, err := h.purger.Purge(ctx, cfg.Target, cfg.Policy)
	if err != nil {
		return nil, fmt.Errorf("purge %s: %w", cfg.Target, err)
	}

	h.logger.Info("cleanup completed",
		zap.String("execution_id", executionID),
		zap.String("step_id", s.ID),
		zap.String("target", cfg.Target),
		zap.Int64("items", stats.Items),
		zap.Int64("bytes", stats.Bytes),
	)
	return CleanupResult{
		Cleaned:      true,
		Target:       cfg.Target,
		ItemsRemoved: stats.Items,
		SpaceFreed:   units.HumanSize(float64(stats.Bytes)),
		BytesFreed:   stats.Bytes,
	}, nil
}

// --- MemoryPurger ---

// MemoryItem is one purgeable item held by a MemoryPurger.
type MemoryItem struct {
	Key       string
	Size      int64
	CreatedAt time.Time
}

// MemoryPurger keeps purgeable items per target in memory.
type MemoryPurger struct {
	mu      sync.Mutex
	targets map[string][]MemoryItem
	now     func() time.Time
}

// NewMemoryPurger creates an empty in-memory purger.
func NewMemoryPurger() *MemoryPurger {
	return &MemoryPurger{targets: make(map[string][]MemoryItem), now: time.Now}
}

// Add registers items under target.
func (m *MemoryPurger) Add(target string, items ...MemoryItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets[target] = append(m.targets[target], items...)
}

// Len returns the number of items held under target.
func (m *MemoryPurger) Len(target string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.targets[target])
}

// Purge implements Purger. An unknown target purges nothing.
func (m *MemoryPurger) Purge(_ context.Context, target string, policy CleanupPolicy) (PurgeStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	items := m.targets[target]
	sort.SliceStable(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })

	now := m.now()
	var stats PurgeStats
	kept := items[:0]
	for rank, it := range items {
		if policy.expired(rank, it.CreatedAt, now) {
			stats.Items++
			stats.Bytes += it.Size
			continue
		}
		kept = append(kept, it)
	}
	if len(items) > 0 {
		m.targets[target] = kept
	}
	return stats, nil
}

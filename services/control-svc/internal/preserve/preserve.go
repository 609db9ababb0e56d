// Package preserve captures gate component state around control-mode
// transitions so a failed switch can be rolled back.
//
// # Tiers
//
// A snapshot is written through every configured cache tier (fast in-memory,
// optionally shared redis), then into the durable store. When the store is
// down the snapshot lands in a filesystem fallback directory instead, so a
// transition never loses its rollback point. Restore walks the same order
// and re-warms the caches from whichever durable copy it finds.
//
// # Integrity
//
// The payload is canonical JSON and carries a BLAKE2b-256 checksum. Restore
// verifies the checksum at every tier: a corrupted cache copy is skipped
// with a warning, a corrupted durable copy is a consistency error.
package preserve

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"hydronet/pkg/apperror"
	"hydronet/pkg/cache"
	"hydronet/pkg/config"
	"hydronet/pkg/metrics"
)

// Snapshot is one preserved transition state.
type Snapshot struct {
	TransitionID string             `json:"transition_id"`
	GateID       string             `json:"gate_id"`
	FromMode     string             `json:"from_mode"`
	ToMode       string             `json:"to_mode"`
	Reason       string             `json:"reason"`
	Components   map[string]float64 `json:"components"`
	Meta         map[string]string  `json:"meta,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	ExpiresAt    time.Time          `json:"expires_at"`
	Checksum     string             `json:"checksum"` // BLAKE2b-256 от канонического тела
}

// RestoreEvent records one restore attempt for the audit trail.
type RestoreEvent struct {
	TransitionID string
	GateID       string
	Source       string // ярус, из которого удалось прочитать
	Verified     bool
	At           time.Time
}

// Store is the durable snapshot persistence consumed by the preserver.
// Snapshot returns nil, nil when the transition id is unknown.
type Store interface {
	SaveSnapshot(ctx context.Context, snap *Snapshot) error
	Snapshot(ctx context.Context, transitionID string) (*Snapshot, error)
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
	SaveRestoreEvent(ctx context.Context, ev RestoreEvent) error
}

// Tier is one cache level in front of the durable store.
type Tier struct {
	Name  string
	Cache cache.Cache
}

// Preserver writes snapshots through the tier chain.
type Preserver struct {
	store   Store
	tiers   []Tier
	cfg     config.PreserveConfig
	log     *slog.Logger
	metrics *metrics.Metrics
}

// New creates a preserver. The store, tiers and metrics are all optional;
// with no store the filesystem fallback becomes the durable level.
func New(store Store, tiers []Tier, cfg config.PreserveConfig, log *slog.Logger, m *metrics.Metrics) *Preserver {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MemoryTTL <= 0 {
		cfg.MemoryTTL = 24 * time.Hour
	}
	if cfg.DBRetention <= 0 {
		cfg.DBRetention = 7 * 24 * time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 24 * time.Hour
	}
	return &Preserver{
		store:   store,
		tiers:   tiers,
		cfg:     cfg,
		log:     log,
		metrics: m,
	}
}

// Capture preserves the component state for one transition and returns the
// transition id.
func (p *Preserver) Capture(ctx context.Context, gateID, from, to, reason string,
	components map[string]float64, meta map[string]string) (string, error) {

	if gateID == "" {
		return "", apperror.New(apperror.CodeNilInput, "snapshot gate id is empty")
	}
	if len(components) == 0 {
		return "", apperror.New(apperror.CodeNilInput,
			fmt.Sprintf("snapshot for gate %q has no components", gateID))
	}

	now := time.Now().UTC()
	snap := &Snapshot{
		TransitionID: uuid.NewString(),
		GateID:       gateID,
		FromMode:     from,
		ToMode:       to,
		Reason:       reason,
		Components:   components,
		Meta:         meta,
		CreatedAt:    now,
		ExpiresAt:    now.Add(p.cfg.DBRetention),
	}
	sum, err := checksum(snap)
	if err != nil {
		return "", err
	}
	snap.Checksum = sum

	blob, err := json.Marshal(snap)
	if err != nil {
		return "", apperror.Wrap(err, apperror.CodeInternal, "failed to encode snapshot")
	}

	for _, tier := range p.tiers {
		if err := tier.Cache.Set(ctx, cacheKey(snap.TransitionID), blob, p.cfg.MemoryTTL); err != nil {
			p.log.Warn("failed to cache snapshot",
				"tier", tier.Name, "transition_id", snap.TransitionID, "error", err)
		}
	}

	if p.store != nil {
		err := p.store.SaveSnapshot(ctx, snap)
		if err == nil {
			p.log.Info("gate state preserved",
				"gate_id", gateID, "transition_id", snap.TransitionID,
				"from", from, "to", to, "components", len(components))
			return snap.TransitionID, nil
		}
		p.log.Error("snapshot store write failed, using file fallback",
			"transition_id", snap.TransitionID, "error", err)
	}

	if err := p.writeFallback(snap.TransitionID, blob); err != nil {
		return "", err
	}
	p.log.Info("gate state preserved to fallback file",
		"gate_id", gateID, "transition_id", snap.TransitionID, "from", from, "to", to)
	return snap.TransitionID, nil
}

// Restore reads a snapshot back, verifying its checksum, and records the
// restore event.
func (p *Preserver) Restore(ctx context.Context, transitionID string) (*Snapshot, error) {
	if transitionID == "" {
		return nil, apperror.New(apperror.CodeNilInput, "transition id is empty")
	}

	for _, tier := range p.tiers {
		blob, err := tier.Cache.Get(ctx, cacheKey(transitionID))
		if err != nil {
			if !errors.Is(err, cache.ErrKeyNotFound) {
				p.log.Warn("snapshot cache read failed",
					"tier", tier.Name, "transition_id", transitionID, "error", err)
			}
			p.cacheOp(tier.Name, false)
			continue
		}
		p.cacheOp(tier.Name, true)

		snap, verr := decodeVerified(blob)
		if verr != nil {
			// Повреждённый ярус пропускаем: ниже может лежать целая копия
			p.log.Warn("cached snapshot failed verification",
				"tier", tier.Name, "transition_id", transitionID, "error", verr)
			continue
		}
		p.recordRestore(ctx, snap, tier.Name, true)
		return snap, nil
	}

	if p.store != nil {
		snap, err := p.store.Snapshot(ctx, transitionID)
		if err != nil {
			return nil, apperror.Wrap(err, apperror.CodeStoreUnavailable,
				fmt.Sprintf("failed to load snapshot %q", transitionID))
		}
		if snap != nil {
			if err := verify(snap); err != nil {
				p.recordRestore(ctx, snap, "store", false)
				return nil, err
			}
			p.rewarm(ctx, snap)
			p.recordRestore(ctx, snap, "store", true)
			return snap, nil
		}
	}

	snap, err := p.readFallback(transitionID)
	if err != nil {
		return nil, err
	}
	if err := verify(snap); err != nil {
		p.recordRestore(ctx, snap, "file", false)
		return nil, err
	}
	p.rewarm(ctx, snap)
	p.recordRestore(ctx, snap, "file", true)
	return snap, nil
}

func (p *Preserver) rewarm(ctx context.Context, snap *Snapshot) {
	blob, err := json.Marshal(snap)
	if err != nil {
		return
	}
	for _, tier := range p.tiers {
		if err := tier.Cache.Set(ctx, cacheKey(snap.TransitionID), blob, p.cfg.MemoryTTL); err != nil {
			p.log.Warn("failed to re-warm snapshot cache",
				"tier", tier.Name, "transition_id", snap.TransitionID, "error", err)
		}
	}
}

func (p *Preserver) recordRestore(ctx context.Context, snap *Snapshot, source string, verified bool) {
	if !verified {
		p.log.Error("snapshot checksum mismatch",
			"transition_id", snap.TransitionID, "gate_id", snap.GateID, "source", source)
	}
	if p.store == nil {
		return
	}
	ev := RestoreEvent{
		TransitionID: snap.TransitionID,
		GateID:       snap.GateID,
		Source:       source,
		Verified:     verified,
		At:           time.Now().UTC(),
	}
	if err := p.store.SaveRestoreEvent(ctx, ev); err != nil {
		p.log.Warn("failed to record restore event",
			"transition_id", snap.TransitionID, "error", err)
	}
}

func (p *Preserver) cacheOp(tier string, hit bool) {
	if p.metrics != nil {
		p.metrics.RecordCacheOp("preserve_"+tier, hit)
	}
}

func (p *Preserver) writeFallback(transitionID string, blob []byte) error {
	if p.cfg.FallbackDir == "" {
		return apperror.New(apperror.CodeStoreUnavailable,
			"snapshot store is down and no fallback directory is configured")
	}
	if err := os.MkdirAll(p.cfg.FallbackDir, 0o755); err != nil {
		return apperror.Wrap(err, apperror.CodeStoreUnavailable, "failed to create fallback directory")
	}
	path := p.fallbackPath(transitionID)
	if err := os.WriteFile(path, blob, 0o644); err != nil {
		return apperror.Wrap(err, apperror.CodeStoreUnavailable,
			fmt.Sprintf("failed to write fallback snapshot %q", path))
	}
	return nil
}

func (p *Preserver) readFallback(transitionID string) (*Snapshot, error) {
	if p.cfg.FallbackDir == "" {
		return nil, notFound(transitionID)
	}
	blob, err := os.ReadFile(p.fallbackPath(transitionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, notFound(transitionID)
		}
		return nil, apperror.Wrap(err, apperror.CodeStoreUnavailable, "failed to read fallback snapshot")
	}
	var snap Snapshot
	if err := json.Unmarshal(blob, &snap); err != nil {
		return nil, apperror.Wrap(err, apperror.CodeChecksumMismatch,
			fmt.Sprintf("fallback snapshot %q is corrupted", transitionID))
	}
	return &snap, nil
}

func (p *Preserver) fallbackPath(transitionID string) string {
	return filepath.Join(p.cfg.FallbackDir, transitionID+".json")
}

func notFound(transitionID string) error {
	return apperror.New(apperror.CodeNotFound,
		fmt.Sprintf("snapshot %q not found in any tier", transitionID))
}

func cacheKey(transitionID string) string {
	return "preserve:" + transitionID
}

// payload is the checksummed part of a snapshot. encoding/json sorts map
// keys, so the encoding is canonical.
type payload struct {
	TransitionID string             `json:"transition_id"`
	GateID       string             `json:"gate_id"`
	FromMode     string             `json:"from_mode"`
	ToMode       string             `json:"to_mode"`
	Reason       string             `json:"reason"`
	Components   map[string]float64 `json:"components"`
	Meta         map[string]string  `json:"meta,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
}

func checksum(snap *Snapshot) (string, error) {
	body, err := json.Marshal(payload{
		TransitionID: snap.TransitionID,
		GateID:       snap.GateID,
		FromMode:     snap.FromMode,
		ToMode:       snap.ToMode,
		Reason:       snap.Reason,
		Components:   snap.Components,
		Meta:         snap.Meta,
		CreatedAt:    snap.CreatedAt,
	})
	if err != nil {
		return "", apperror.Wrap(err, apperror.CodeInternal, "failed to encode snapshot payload")
	}
	sum := blake2b.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}

func decodeVerified(blob []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(blob, &snap); err != nil {
		return nil, apperror.Wrap(err, apperror.CodeChecksumMismatch, "snapshot blob is corrupted")
	}
	if err := verify(&snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func verify(snap *Snapshot) error {
	want, err := checksum(snap)
	if err != nil {
		return err
	}
	if want != snap.Checksum {
		return apperror.New(apperror.CodeChecksumMismatch,
			fmt.Sprintf("snapshot %q checksum mismatch", snap.TransitionID))
	}
	return nil
}

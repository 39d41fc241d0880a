package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/casorm/hooks"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	SelfHealEvery   uint64
	LockDeniedEvery uint64
	// Optional key redactor. Defaults to SHA-256 prefix.
	Redact func(string) string
	// Log cache hits and misses at debug level.
	LogLookups bool
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	selfHealCtr   atomic.Uint64
	lockDeniedCtr atomic.Uint64
}

var _ hooks.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) CacheHit(region string) {
	if h.l == nil || !h.opts.LogLookups {
		return
	}
	h.l.Debug("casorm.cache_hit", "region", region)
}

func (h *Hooks) CacheMiss(region string) {
	if h.l == nil || !h.opts.LogLookups {
		return
	}
	h.l.Debug("casorm.cache_miss", "region", region)
}

func (h *Hooks) CachePutRejected(region, reason string) {
	if h.l == nil {
		return
	}
	h.l.Debug("casorm.put_rejected",
		"region", region,
		"reason", reason)
}

func (h *Hooks) SelfHeal(region, storageKey, reason string) {
	if h.l == nil || !sample(h.opts.SelfHealEvery, &h.selfHealCtr) {
		return
	}
	h.l.Debug("casorm.self_heal",
		"region", region,
		"key", h.redact(storageKey),
		"reason", reason)
}

func (h *Hooks) LockDenied(region, storageKey string) {
	if h.l == nil || !sample(h.opts.LockDeniedEvery, &h.lockDeniedCtr) {
		return
	}
	h.l.Info("casorm.lock_denied",
		"region", region,
		"key", h.redact(storageKey))
}

func (h *Hooks) QueueFlushed(region string, evicted int, outcome string) {
	if h.l == nil || evicted == 0 {
		return
	}
	h.l.Debug("casorm.queue_flushed",
		"region", region,
		"evicted", evicted,
		"outcome", outcome)
}

func (h *Hooks) GenStoreError(op string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("casorm.genstore_error",
		"op", op,
		"err", err)
}

func (h *Hooks) FlushCommitted(inserts, updates, deletes int) {
	if h.l == nil {
		return
	}
	h.l.Debug("casorm.flush_committed",
		"inserts", inserts,
		"updates", updates,
		"deletes", deletes)
}

func (h *Hooks) FlushRolledBack(err error) {
	if h.l == nil {
		return
	}
	h.l.Error("casorm.flush_rolled_back", "err", err)
}

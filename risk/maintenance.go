package risk

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/KeyT9999/RestaurantBookingWebsite-sub002/redlock"
	"github.com/KeyT9999/RestaurantBookingWebsite-sub002/stats"
)

// ThreatReport is the operator view of one client's statistics.
type ThreatReport struct {
	Client        string      `json:"client"`
	RiskScore     int         `json:"risk_score"`
	RiskLevel     stats.Level `json:"risk_level"`
	SuccessRate   float64     `json:"success_rate"`
	FailureRate   float64     `json:"failure_rate"`
	Suspicious    bool        `json:"suspicious"`
	TotalRequests int64       `json:"total_requests"`
	BlockedCount  int64       `json:"blocked_count"`
	Blocked       bool        `json:"blocked"`
	BlockedUntil  time.Time   `json:"blocked_until,omitzero"`
	LastRequestAt time.Time   `json:"last_request_at"`
}

// ThreatIntelligence reports on client without changing anything. The
// boolean is false for clients that were never seen.
func (l *Limiter) ThreatIntelligence(ctx context.Context, client string) (ThreatReport, bool) {
	st, err := l.store.FindByClient(ctx, client)
	if err != nil {
		if !errors.Is(err, stats.ErrNotFound) {
			log.Error().Err(err).Str("limiter", limiterName).Str("client", client).Msg("failed to load statistics for threat report")
			l.storeError("find")
		}
		return ThreatReport{}, false
	}

	st.Recalculate(l.config.Policy)
	return ThreatReport{
		Client:        st.Client,
		RiskScore:     st.RiskScore,
		RiskLevel:     st.RiskLevel(),
		SuccessRate:   st.SuccessRate(),
		FailureRate:   st.FailureRate(),
		Suspicious:    st.Suspicious,
		TotalRequests: st.TotalRequests,
		BlockedCount:  st.BlockedCount,
		Blocked:       st.BlockedAt(l.now()),
		BlockedUntil:  st.BlockedUntil,
		LastRequestAt: st.LastRequestAt,
	}, true
}

// Unblock lifts an auto-block on client and clears its failure counters.
// It returns stats.ErrNotFound for unknown clients.
func (l *Limiter) Unblock(ctx context.Context, client string) error {
	defer l.clients.lock(client)()

	st, err := l.store.FindByClient(ctx, client)
	if err != nil {
		return err
	}
	st.Unblock(l.config.Policy)
	if err := l.store.Save(ctx, st); err != nil {
		return fmt.Errorf("save statistics: %w", err)
	}
	l.velocity.forget(client)
	log.Info().Str("limiter", limiterName).Str("client", client).Msg("client unblocked")
	return nil
}

// BlockPermanently blocks client until an operator unblocks it. Unknown
// clients get a fresh record.
func (l *Limiter) BlockPermanently(ctx context.Context, client, reason, blockedBy, notes string) error {
	defer l.clients.lock(client)()

	st, err := l.store.FindByClient(ctx, client)
	if errors.Is(err, stats.ErrNotFound) {
		now := l.now()
		st = stats.New(client, now)
		st.LastRequestAt = now
	} else if err != nil {
		l.storeError("find")
		return fmt.Errorf("load statistics: %w", err)
	}
	st.BlockPermanently(reason, blockedBy, notes)
	if err := l.store.Save(ctx, st); err != nil {
		l.storeError("save")
		return fmt.Errorf("save statistics: %w", err)
	}
	log.Warn().Str("limiter", limiterName).Str("client", client).Str("reason", reason).
		Str("blocked_by", blockedBy).Msg("client blocked permanently")
	return nil
}

// BlockedClient is one operator-visible permanent block.
type BlockedClient struct {
	Client        string    `json:"client"`
	Reason        string    `json:"reason"`
	BlockedBy     string    `json:"blocked_by,omitempty"`
	Notes         string    `json:"notes,omitempty"`
	BlockedCount  int64     `json:"blocked_count"`
	LastRequestAt time.Time `json:"last_request_at"`
}

// PermanentlyBlocked lists the permanently blocked clients, most recently
// active first.
func (l *Limiter) PermanentlyBlocked(ctx context.Context) ([]BlockedClient, error) {
	all, err := l.store.List(ctx)
	if err != nil {
		l.storeError("list")
		return nil, fmt.Errorf("list statistics: %w", err)
	}
	out := make([]BlockedClient, 0)
	for _, st := range all {
		if !st.PermanentlyBlocked {
			continue
		}
		out = append(out, BlockedClient{
			Client:        st.Client,
			Reason:        st.BlockReason,
			BlockedBy:     st.BlockedBy,
			Notes:         st.BlockNotes,
			BlockedCount:  st.BlockedCount,
			LastRequestAt: st.LastRequestAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastRequestAt.Equal(out[j].LastRequestAt) {
			return out[i].LastRequestAt.After(out[j].LastRequestAt)
		}
		return out[i].Client < out[j].Client
	})
	return out, nil
}

// Overview aggregates the stored statistics of every client.
type Overview struct {
	Clients            int   `json:"clients"`
	ClientsWithBlocks  int   `json:"clients_with_blocks"`
	PermanentlyBlocked int   `json:"permanently_blocked"`
	TemporarilyBlocked int   `json:"temporarily_blocked"`
	Suspicious         int   `json:"suspicious"`
	TotalRequests      int64 `json:"total_requests"`
	TotalBlocks        int64 `json:"total_blocks"`
}

// OverallStatistics sums the statistics of every stored client.
func (l *Limiter) OverallStatistics(ctx context.Context) (Overview, error) {
	all, err := l.store.List(ctx)
	if err != nil {
		l.storeError("list")
		return Overview{}, fmt.Errorf("list statistics: %w", err)
	}
	now := l.now()
	var o Overview
	for _, st := range all {
		st.Recalculate(l.config.Policy)
		o.Clients++
		o.TotalRequests += st.TotalRequests
		o.TotalBlocks += st.BlockedCount
		if st.BlockedCount > 0 {
			o.ClientsWithBlocks++
		}
		switch {
		case st.PermanentlyBlocked:
			o.PermanentlyBlocked++
		case st.BlockedAt(now):
			o.TemporarilyBlocked++
		}
		if st.Suspicious {
			o.Suspicious++
		}
	}
	return o, nil
}

// Forget drops everything known about client.
func (l *Limiter) Forget(ctx context.Context, client string) error {
	defer l.clients.lock(client)()

	l.velocity.forget(client)
	l.window.ResetClient(ctx, client)
	if err := l.store.Delete(ctx, client); err != nil {
		l.storeError("delete")
		return fmt.Errorf("delete statistics: %w", err)
	}
	return nil
}

// CleanupOldData removes statistics idle for longer than the retention
// period and prunes velocity history. With a lock configured, only the
// holder touches the store.
func (l *Limiter) CleanupOldData(ctx context.Context) (int64, error) {
	now := l.now()
	pruned := l.velocity.prune(now.Add(-time.Minute))
	swept := l.window.Sweep()

	// The lease is kept until its TTL runs out so peers skip this round.
	if l.lock != nil {
		if err := l.lock.TryLock(ctx); err != nil {
			if errors.Is(err, redlock.ErrLockNotAcquired) {
				log.Debug().Str("limiter", limiterName).Msg("cleanup running on another node")
				return 0, nil
			}
			return 0, fmt.Errorf("acquire cleanup lock: %w", err)
		}
	}

	removed, err := l.store.DeleteBefore(ctx, now.Add(-l.config.Retention))
	if err != nil {
		l.storeError("cleanup")
		if l.lock != nil {
			if uerr := l.lock.Unlock(ctx); uerr != nil {
				log.Warn().Err(uerr).Str("limiter", limiterName).Msg("failed to release cleanup lock")
			}
		}
		return removed, fmt.Errorf("delete stale statistics: %w", err)
	}
	log.Info().Str("limiter", limiterName).Int64("removed", removed).Int("velocity_pruned", pruned).
		Int("windows_swept", swept).Msg("old rate limit data cleaned up")
	return removed, nil
}

// Run calls CleanupOldData every interval until ctx is done.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := l.CleanupOldData(ctx); err != nil {
				log.Error().Err(err).Str("limiter", limiterName).Msg("cleanup failed")
			}
		}
	}
}

// Package reconciler brings the directory state for a node into agreement
// with what the capability fetcher observed upstream.
package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/oceangrid/dirsync/internal/directory"
	"github.com/oceangrid/dirsync/internal/fingerprint"
	"github.com/oceangrid/dirsync/internal/hierarchy"
	"github.com/oceangrid/dirsync/internal/models"
)

const (
	// missedPassesBeforeDelete tolerates one transient omission: an entry is
	// deleted only after two consecutive successful passes confirm the
	// capability is gone upstream.
	missedPassesBeforeDelete = 2

	DefaultEntryTTL         = 30 * time.Minute
	DefaultOfflineThreshold = 3
)

type CapabilityFetcher interface {
	Fetch(ctx context.Context, node models.Node) ([]models.Capability, error)
}

type Notifier interface {
	Notify(event models.ChangeEvent)
}

type Reconciler struct {
	hierarchy *hierarchy.Store
	fetcher   CapabilityFetcher
	repo      directory.Repository
	notifier  Notifier

	entryTTL         time.Duration
	offlineThreshold int

	log zerolog.Logger
}

func New(
	hier *hierarchy.Store,
	fetcher CapabilityFetcher,
	repo directory.Repository,
	notifier Notifier,
	entryTTL time.Duration,
	offlineThreshold int,
	logger zerolog.Logger,
) *Reconciler {
	if entryTTL == 0 {
		entryTTL = DefaultEntryTTL
	}
	if offlineThreshold == 0 {
		offlineThreshold = DefaultOfflineThreshold
	}
	return &Reconciler{
		hierarchy:        hier,
		fetcher:          fetcher,
		repo:             repo,
		notifier:         notifier,
		entryTTL:         entryTTL,
		offlineThreshold: offlineThreshold,
		log:              logger.With().Str("component", "reconciler").Logger(),
	}
}

// Result aggregates entry counters of one per-node pass.
type Result struct {
	Created int
	Updated int
	Removed int
}

// ReconcileNode runs one reconciliation pass for a single node. Descendants
// are not visited. On fetch failure existing entries are preserved as
// last-known-good and the FetchError is returned for the scheduler's retry
// policy; the scheduler records the failed pass via RecordFetchFailure once
// retries are exhausted. Directory store failures are wrapped as
// SchedulerFault.
func (r *Reconciler) ReconcileNode(ctx context.Context, nodeID models.NodeID, taskID models.TaskID) (Result, error) {
	node, err := r.hierarchy.Get(nodeID)
	if err != nil {
		return Result{}, err
	}

	caps, err := r.fetcher.Fetch(ctx, node)
	if err != nil {
		r.log.Warn().Err(err).Msgf("fetch from node %s failed, entries preserved", nodeID)
		return Result{}, err
	}

	existing, err := r.repo.ListByNode(ctx, nodeID)
	if err != nil {
		return Result{}, &models.SchedulerFault{Err: fmt.Errorf("list entries for node %s: %w", nodeID, err)}
	}

	var (
		now     = time.Now()
		result  Result
		fetched = make(map[models.CapabilityKey]models.Fingerprint, len(caps))
		known   = make(map[models.CapabilityKey]models.DirectoryEntry, len(existing))
	)
	for _, c := range caps {
		fetched[c.Key()] = fingerprint.Capability(c)
	}
	for _, e := range existing {
		known[e.Key] = e
	}

	for key, fp := range fetched {
		old, exists := known[key]
		switch {
		case !exists:
			err := r.repo.Upsert(ctx, models.DirectoryEntry{
				Key:          key,
				Fingerprint:  fp,
				LastSyncedAt: now,
				ExpiresAt:    now.Add(r.entryTTL),
				SourceTaskID: taskID,
			})
			if err != nil {
				return result, &models.SchedulerFault{Err: err}
			}
			result.Created++
			r.notifier.Notify(models.ChangeEvent{
				Type:           models.EventEntryCreated,
				Key:            key,
				NewFingerprint: fp,
				TaskID:         taskID,
				Time:           now,
			})
		case old.Fingerprint == fp:
			old.LastSyncedAt = now
			old.ExpiresAt = now.Add(r.entryTTL)
			old.SourceTaskID = taskID
			old.MissedPasses = 0
			if err := r.repo.Upsert(ctx, old); err != nil {
				return result, &models.SchedulerFault{Err: err}
			}
		default:
			updated := old
			updated.Fingerprint = fp
			updated.LastSyncedAt = now
			updated.ExpiresAt = now.Add(r.entryTTL)
			updated.SourceTaskID = taskID
			updated.MissedPasses = 0
			if err := r.repo.Upsert(ctx, updated); err != nil {
				return result, &models.SchedulerFault{Err: err}
			}
			result.Updated++
			r.notifier.Notify(models.ChangeEvent{
				Type:           models.EventEntryChanged,
				Key:            key,
				OldFingerprint: old.Fingerprint,
				NewFingerprint: fp,
				TaskID:         taskID,
				Time:           now,
			})
		}
	}

	for key, old := range known {
		if _, stillThere := fetched[key]; stillThere {
			continue
		}
		old.MissedPasses++
		if old.MissedPasses >= missedPassesBeforeDelete {
			if err := r.repo.Delete(ctx, key); err != nil {
				return result, &models.SchedulerFault{Err: err}
			}
			result.Removed++
			r.notifier.Notify(models.ChangeEvent{
				Type:           models.EventEntryRemoved,
				Key:            key,
				OldFingerprint: old.Fingerprint,
				TaskID:         taskID,
				Time:           now,
			})
			r.log.Info().Msgf("removed entry %+v: confirmed absent on %d passes", key, old.MissedPasses)
			continue
		}
		// Stale-but-present: keep last-known-good timestamps, remember the miss.
		if err := r.repo.Upsert(ctx, old); err != nil {
			return result, &models.SchedulerFault{Err: err}
		}
	}

	if node.Health != models.HealthHealthy {
		if err := r.hierarchy.SetHealth(nodeID, models.HealthHealthy); err != nil {
			return result, err
		}
	}
	if err := r.hierarchy.MarkSynced(nodeID, now); err != nil {
		return result, err
	}
	r.log.Debug().Msgf("node %s reconciled: created=%d updated=%d removed=%d",
		nodeID, result.Created, result.Updated, result.Removed)
	return result, nil
}

// RecordFetchFailure advances the consecutive-failure counter by one. Called
// by the scheduler once per failed sync pass, after its retry budget is
// exhausted, so in-pass retry attempts never count against the offline
// threshold. Past the threshold the node is flipped OFFLINE and a
// node-unreachable event is emitted. Entries are never deleted due to
// unreachability alone.
func (r *Reconciler) RecordFetchFailure(nodeID models.NodeID) {
	node, err := r.hierarchy.Get(nodeID)
	if err != nil {
		r.log.Error().Err(err).Msgf("failed to record fetch failure for node %s", nodeID)
		return
	}
	failures, err := r.hierarchy.BumpFailures(node.ID)
	if err != nil {
		r.log.Error().Err(err).Msgf("failed to bump failure counter for node %s", node.ID)
		return
	}
	r.log.Warn().Msgf("sync pass for node %s failed (%d consecutive passes)", node.ID, failures)

	if failures < r.offlineThreshold || node.Health == models.HealthOffline {
		return
	}
	if err := r.hierarchy.SetHealth(node.ID, models.HealthOffline); err != nil {
		r.log.Error().Err(err).Msgf("failed to set node %s offline", node.ID)
		return
	}
	r.notifier.Notify(models.ChangeEvent{
		Type: models.EventNodeUnreachable,
		Key:  models.CapabilityKey{NodeID: node.ID},
		Time: time.Now(),
	})
}

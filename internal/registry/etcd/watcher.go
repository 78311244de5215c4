package etcd

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/oceangrid/dirsync/internal/hierarchy"
	"github.com/oceangrid/dirsync/internal/models"
)

// Watcher mirrors registry puts and deletes into the hierarchy store so the
// engine always traverses a current view of the tree.
type Watcher struct {
	registry     *Registry
	tree         *hierarchy.Store
	lastRevision int64
	log          zerolog.Logger
}

func NewWatcher(registry *Registry, tree *hierarchy.Store, logger zerolog.Logger) *Watcher {
	return &Watcher{
		registry: registry,
		tree:     tree,
		log:      logger.With().Str("component", "registry-watcher").Logger(),
	}
}

// Sync performs the initial full load and remembers the revision to watch
// from. Call before Run.
func (w *Watcher) Sync(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	resp, err := w.registry.etcd.Get(ctx, nodesPrefix(), clientv3.WithPrefix())
	if err != nil {
		return err
	}
	nodes, err := decodeNodes(resp.Kvs)
	if err != nil {
		return err
	}
	if err := w.tree.Load(nodes); err != nil {
		return err
	}
	w.lastRevision = resp.Header.Revision + 1
	w.log.Info().Msgf("loaded %d nodes from registry at revision %d", len(nodes), resp.Header.Revision)
	return nil
}

func (w *Watcher) Run(ctx context.Context) error {
	ctx = clientv3.WithRequireLeader(ctx)
	watch := func(rev int64) clientv3.WatchChan {
		return w.registry.etcd.Watch(
			ctx,
			nodesPrefix(),
			clientv3.WithRev(rev),
			clientv3.WithPrefix(),
			clientv3.WithCreatedNotify(),
		)
	}
	watcherChan := watch(w.lastRevision)
	for {
		select {
		case event, ok := <-watcherChan:
			if !ok {
				w.log.Info().Msg("watcher channel closed")
				return nil
			}
			if event.Canceled {
				w.log.Error().Err(event.Err()).Msg("watcher failure: canceled, retry")
				watcherChan = watch(w.lastRevision)
				continue
			}
			if event.Err() != nil {
				w.log.Error().Err(event.Err()).Msg("got unexpected watch error")
				continue
			}
			w.lastRevision = event.Header.Revision
			if event.IsProgressNotify() {
				continue
			}
			w.apply(event.Events)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *Watcher) apply(events []*clientv3.Event) {
	for _, ev := range events {
		id, ok := nodeIDFromKey(string(ev.Kv.Key))
		if !ok {
			w.log.Warn().Msgf("ignoring unexpected registry key %s", ev.Kv.Key)
			continue
		}
		switch ev.Type {
		case mvccpb.DELETE:
			w.tree.Remove(id)
			w.log.Info().Msgf("node %s removed from registry", id)
		case mvccpb.PUT:
			nodes, err := decodeNodes([]*mvccpb.KeyValue{ev.Kv})
			if err != nil {
				w.log.Error().Err(err).Msgf("failed to decode node record %s, skip", ev.Kv.Key)
				continue
			}
			if err := w.tree.Upsert(nodes[0]); err != nil {
				w.log.Error().Err(err).Msgf("rejected node record %s, skip", ev.Kv.Key)
				continue
			}
			w.log.Info().Msgf("node %s updated from registry", id)
		}
	}
}

func decodeNodes(kvs []*mvccpb.KeyValue) ([]models.Node, error) {
	nodes := make([]models.Node, 0, len(kvs))
	for _, kv := range kvs {
		var n models.Node
		if err := json.Unmarshal(kv.Value, &n); err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

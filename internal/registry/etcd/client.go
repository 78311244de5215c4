// Package etcd stores the node registry: one JSON record per hierarchy node
// under a common prefix, watched for live mirroring into the in-memory tree.
package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/oceangrid/dirsync/internal/models"
)

const requestTimeout = 5 * time.Second

type Registry struct {
	etcd *clientv3.Client
}

func NewRegistry(host string) (*Registry, error) {
	clnt, err := clientv3.New(clientv3.Config{
		Endpoints: []string{host},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}
	return &Registry{etcd: clnt}, nil
}

func (r *Registry) Close() error {
	return r.etcd.Close()
}

// LoadNodes fetches every node record under the registry prefix. Records that
// fail to decode are skipped with an error only when nothing decodes at all.
func (r *Registry) LoadNodes(ctx context.Context) ([]models.Node, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	resp, err := r.etcd.Get(ctx, nodesPrefix(), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to load node registry: %w", err)
	}
	nodes := make([]models.Node, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var n models.Node
		if err := json.Unmarshal(kv.Value, &n); err != nil {
			return nil, fmt.Errorf("failed to decode node record %s: %w", kv.Key, err)
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func (r *Registry) PutNode(ctx context.Context, node models.Node) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	payload, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("failed to encode node %s: %w", node.ID, err)
	}
	if _, err := r.etcd.Put(ctx, nodeKey(node.ID), string(payload)); err != nil {
		return fmt.Errorf("failed to put node %s: %w", node.ID, err)
	}
	return nil
}

func (r *Registry) DeleteNode(ctx context.Context, id models.NodeID) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	if _, err := r.etcd.Delete(ctx, nodeKey(id)); err != nil {
		return fmt.Errorf("failed to delete node %s: %w", id, err)
	}
	return nil
}

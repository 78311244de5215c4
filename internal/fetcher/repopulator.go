package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/oceangrid/dirsync/internal/models"
)

type NodeResolver interface {
	Get(id models.NodeID) (models.Node, error)
}

// Repopulator regenerates a cached response artifact by asking the owning
// node for the product content directly. Used by the eager and scheduled
// refresh policies.
type Repopulator struct {
	client  *http.Client
	nodes   NodeResolver
	timeout time.Duration
}

func NewRepopulator(nodes NodeResolver, timeout time.Duration) *Repopulator {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Repopulator{
		client: &http.Client{
			Transport: &http.Transport{
				DisableKeepAlives: true,
			},
		},
		nodes:   nodes,
		timeout: timeout,
	}
}

// Repopulate calls GET <endpoint>/products/<product>?service=<service> on the
// capability's owning node and returns the payload verbatim.
func (r *Repopulator) Repopulate(ctx context.Context, key models.CapabilityKey) ([]byte, error) {
	node, err := r.nodes.Get(key.NodeID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	url := fmt.Sprintf("%s/products/%s?service=%s", node.Endpoint, key.ProductType, key.ServiceType)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to regenerate %s/%s from node %s: %w",
			key.ProductType, key.ServiceType, key.NodeID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("node %s answered status %d for %s/%s",
			key.NodeID, resp.StatusCode, key.ProductType, key.ServiceType)
	}
	return io.ReadAll(resp.Body)
}

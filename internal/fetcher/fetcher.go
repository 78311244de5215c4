// Package fetcher retrieves the capabilities a node currently advertises by
// calling the node's own service endpoint. It isolates network and protocol
// failures behind the FetchError taxonomy and never retries internally; retry
// policy belongs to the scheduler.
package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/oceangrid/dirsync/internal/models"
)

const DefaultTimeout = 5 * time.Second

type Fetcher struct {
	client  *http.Client
	timeout time.Duration
}

func New(timeout time.Duration) *Fetcher {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Fetcher{
		client: &http.Client{
			Transport: &http.Transport{
				DisableKeepAlives: true,
			},
		},
		timeout: timeout,
	}
}

// Fetch calls GET <endpoint>/capabilities under the configured per-call
// timeout and returns the advertised capability set.
func (f *Fetcher) Fetch(ctx context.Context, node models.Node) ([]models.Capability, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, node.Endpoint+"/capabilities", nil)
	if err != nil {
		return nil, &models.FetchError{Kind: models.FetchUnreachable, Node: node.ID, Err: err}
	}
	resp, err := f.client.Do(req)
	if err != nil {
		kind := models.FetchUnreachable
		if errors.Is(err, context.DeadlineExceeded) {
			kind = models.FetchTimeout
		}
		return nil, &models.FetchError{Kind: kind, Node: node.ID, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Debug().Msgf("fetcher: node %s answered status %d", node.ID, resp.StatusCode)
		return nil, &models.FetchError{
			Kind: models.FetchMalformed,
			Node: node.ID,
			Err:  fmt.Errorf("unexpected status code %d", resp.StatusCode),
		}
	}
	var caps []models.Capability
	if err := json.NewDecoder(resp.Body).Decode(&caps); err != nil {
		return nil, &models.FetchError{Kind: models.FetchMalformed, Node: node.ID, Err: err}
	}
	// The node reports its own id implicitly; stamp it so downstream keys are
	// always consistent with the node record we fetched for.
	for i := range caps {
		caps[i].NodeID = node.ID
	}
	return caps, nil
}

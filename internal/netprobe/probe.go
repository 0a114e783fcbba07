// Package netprobe performs lightweight reachability checks against the
// cloud backend and the local server replica.
package netprobe

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/opsante/clinicsync/internal/errors"
)

// Result is the raw outcome of one probe pass. A transport error or timeout
// means "unreachable", never a fatal failure.
type Result struct {
	CloudReachable bool
	LocalReachable bool
	Err            string
}

// Prober issues short-timeout health checks. Both targets are checked
// concurrently so a slow cloud endpoint never delays the local check.
type Prober struct {
	cloudURL string
	localURL string
	client   *http.Client
}

// New creates a Prober. localURL may be empty when the deployment has no
// on-premise replica tier.
func New(cloudURL, localURL string, timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Prober{
		cloudURL: cloudURL,
		localURL: localURL,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    4,
				IdleConnTimeout: 30 * time.Second,
			},
		},
	}
}

// LocalEndpoint returns the configured local replica endpoint.
func (p *Prober) LocalEndpoint() string {
	return p.localURL
}

// Probe checks both backends and returns their raw reachability. The call
// never blocks beyond the configured timeout.
func (p *Prober) Probe(ctx context.Context) Result {
	var (
		wg       sync.WaitGroup
		cloudOK  bool
		localOK  bool
		cloudErr error
		localErr error
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		cloudOK, cloudErr = p.check(ctx, p.cloudURL)
	}()

	if p.localURL != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			localOK, localErr = p.check(ctx, p.localURL)
		}()
	}

	wg.Wait()

	result := Result{
		CloudReachable: cloudOK,
		LocalReachable: localOK,
	}

	// Keep one diagnostic string; cloud failures are the interesting ones.
	if cloudErr != nil {
		result.Err = fmt.Sprintf("cloud: %v", cloudErr)
	} else if localErr != nil {
		result.Err = fmt.Sprintf("local: %v", localErr)
	}

	return result
}

// check issues a single GET against a health endpoint.
func (p *Prober) check(ctx context.Context, url string) (bool, error) {
	if url == "" {
		return false, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return false, errors.Wrap(errors.ErrProbeFailed, "health check failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, errors.New(errors.ErrProbeFailed,
			fmt.Sprintf("health check returned status %d", resp.StatusCode))
	}

	return true, nil
}

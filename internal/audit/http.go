package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// HTTPEmitter sends events to an HTTP endpoint, keeping a local backup.
type HTTPEmitter struct {
	endpoint    string
	client      *http.Client
	maxAttempts int
	retryDelay  time.Duration
	chain       chain
	backup      *FileBackup
}

// NewHTTPEmitter creates a new HTTP emitter.
func NewHTTPEmitter(cfg Config) (*HTTPEmitter, error) {
	heads, err := OpenHeads(cfg.Dir)
	if err != nil {
		return nil, err
	}

	backup, err := NewFileBackup(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("create file backup: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}

	return &HTTPEmitter{
		endpoint:    cfg.Endpoint,
		client:      &http.Client{Timeout: timeout},
		maxAttempts: attempts,
		retryDelay:  delay,
		chain:       chain{heads: heads, producer: cfg.Producer},
		backup:      backup,
	}, nil
}

// Emit sends an upload event to the configured endpoint.
func (e *HTTPEmitter) Emit(ctx context.Context, u Upload) (*Event, error) {
	evt, err := e.chain.next(u)
	if err != nil {
		return nil, err
	}

	log.Printf("[audit] emitting event for %s in %s", u.Name, evt.Segment.ChainKey())
	if evt.Chain.PrevEventHash == "" {
		log.Printf("[audit] prev_hash=null (first in chain)")
	}

	// Backup to local file (always, before HTTP)
	if err := e.backup.Save(evt); err != nil {
		log.Printf("[audit] warning: backup failed: %v", err)
	}

	if err := e.postWithRetry(ctx, evt); err != nil {
		return nil, fmt.Errorf("audit emit failed: %w", err)
	}

	e.chain.advance(evt)
	return evt, nil
}

// postWithRetry sends the event with exponential backoff. Client errors are
// not retried.
func (e *HTTPEmitter) postWithRetry(ctx context.Context, evt *Event) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.retryDelay
	policy.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(e.maxAttempts-1)), ctx)

	return backoff.RetryNotify(func() error {
		return e.post(ctx, evt)
	}, b, func(err error, wait time.Duration) {
		log.Printf("[audit] post failed: %v, retrying in %v", err, wait)
	})
}

// post sends a single POST request to the endpoint.
func (e *HTTPEmitter) post(ctx context.Context, evt *Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("marshal event: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		log.Printf("[audit] POST %s -> %s", e.endpoint, resp.Status)
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err = fmt.Errorf("http %d: %s", resp.StatusCode, bytes.TrimSpace(respBody))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return backoff.Permanent(err)
	}
	return err
}

// Close releases resources.
func (e *HTTPEmitter) Close() error {
	e.client.CloseIdleConnections()
	return nil
}

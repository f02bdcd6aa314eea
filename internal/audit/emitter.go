// Package audit records a tamper-evident, hash-chained event for every
// uploaded segment, to local files and optionally an HTTP endpoint.
package audit

import (
	"context"
	"log"
	"time"

	"github.com/sap-123iit/homevideorecord/internal/logging"
)

// Upload describes a confirmed upload.
type Upload struct {
	Root     string
	Name     string
	Key      string
	URI      string
	Checksum string
	ByteSize int64
	CycleID  string // publish cycle; taken from the context when empty
}

// Emitter is the interface for upload event emission.
type Emitter interface {
	EmitUpload(ctx context.Context, u Upload) error
	Close() error
}

// Config configures event emission.
type Config struct {
	Enabled     bool
	Dir         string
	Endpoint    string
	Timeout     time.Duration
	MaxAttempts int
	RetryDelay  time.Duration
	Producer    ProducerInfo
}

// NewEmitter creates an appropriate emitter based on configuration.
func NewEmitter(cfg Config) Emitter {
	if !cfg.Enabled {
		log.Println("[audit] disabled, using no-op emitter")
		return NoopEmitter{}
	}

	// If endpoint is configured, use HTTP emitter
	if cfg.Endpoint != "" {
		emitter, err := NewHTTPEmitter(cfg)
		if err != nil {
			log.Printf("[audit] failed to create HTTP emitter: %v, falling back to file-only", err)
			return createFileOnlyEmitter(cfg)
		}
		log.Printf("[audit] using HTTP emitter -> %s", cfg.Endpoint)
		return &httpEmitterWrapper{emitter: emitter}
	}

	return createFileOnlyEmitter(cfg)
}

func createFileOnlyEmitter(cfg Config) Emitter {
	emitter, err := NewFileOnlyEmitter(cfg.Dir, cfg.Producer)
	if err != nil {
		log.Printf("[audit] failed to create file emitter: %v, using no-op", err)
		return NoopEmitter{}
	}
	log.Printf("[audit] using file-only emitter -> %s", cfg.Dir)
	return &fileOnlyEmitterWrapper{emitter: emitter}
}

// httpEmitterWrapper adapts HTTPEmitter to the Emitter interface.
type httpEmitterWrapper struct {
	emitter *HTTPEmitter
}

func (w *httpEmitterWrapper) EmitUpload(ctx context.Context, u Upload) error {
	_, err := w.emitter.Emit(ctx, withCycle(ctx, u))
	return err
}

func (w *httpEmitterWrapper) Close() error {
	return w.emitter.Close()
}

// fileOnlyEmitterWrapper adapts FileOnlyEmitter to the Emitter interface.
type fileOnlyEmitterWrapper struct {
	emitter *FileOnlyEmitter
}

func (w *fileOnlyEmitterWrapper) EmitUpload(ctx context.Context, u Upload) error {
	_, err := w.emitter.Emit(withCycle(ctx, u))
	return err
}

func (w *fileOnlyEmitterWrapper) Close() error {
	return w.emitter.Close()
}

func withCycle(ctx context.Context, u Upload) Upload {
	if u.CycleID == "" {
		u.CycleID = logging.CycleID(ctx)
	}
	return u
}

// NoopEmitter discards all events.
type NoopEmitter struct{}

func (NoopEmitter) EmitUpload(_ context.Context, _ Upload) error {
	return nil
}

func (NoopEmitter) Close() error {
	return nil
}

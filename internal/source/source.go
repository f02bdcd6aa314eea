// Package source opens live video sources and reads decoded frames from them.
package source

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net/url"
)

// ErrSourceUnavailable is returned when a source cannot be opened.
var ErrSourceUnavailable = errors.New("source unavailable")

// Handle is one open video source. A handle is used by a single goroutine.
type Handle interface {
	// Index is the source position, which fixes its grid cell.
	Index() int

	// Address is the source URL as configured.
	Address() string

	// ReadFrame blocks until the next decoded frame is available.
	ReadFrame(ctx context.Context) (image.Image, error)

	// FPS is the frame rate reported by the source, or 0 when unknown.
	FPS() float64

	// Close releases the source.
	Close() error
}

// Opener opens handles for source addresses.
type Opener interface {
	Open(ctx context.Context, index int, address string) (Handle, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, index int, address string) (Handle, error)

// Open calls f.
func (f OpenerFunc) Open(ctx context.Context, index int, address string) (Handle, error) {
	return f(ctx, index, address)
}

// Stream is the observable state of one configured source.
type Stream struct {
	Index     int    `json:"index"`
	Address   string `json:"address"`
	Connected bool   `json:"connected"`
	LastError string `json:"last_error,omitempty"`
}

// OpenError identifies the source that failed to open.
type OpenError struct {
	Index   int
	Address string
	Err     error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("open source %d (%s): %v", e.Index, Redact(e.Address), e.Err)
}

func (e *OpenError) Unwrap() []error {
	return []error{ErrSourceUnavailable, e.Err}
}

// OpenAll opens every address in index order. If any open fails, the
// handles opened so far are closed and an *OpenError is returned.
func OpenAll(ctx context.Context, opener Opener, addresses []string) ([]Handle, error) {
	handles := make([]Handle, 0, len(addresses))
	for i, addr := range addresses {
		if err := ctx.Err(); err != nil {
			CloseAll(handles)
			return nil, err
		}
		h, err := opener.Open(ctx, i, addr)
		if err != nil {
			CloseAll(handles)
			return nil, &OpenError{Index: i, Address: addr, Err: err}
		}
		handles = append(handles, h)
	}
	return handles, nil
}

// CloseAll closes every handle and joins the errors.
func CloseAll(handles []Handle) error {
	var errs []error
	for _, h := range handles {
		if h == nil {
			continue
		}
		if err := h.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close source %d: %w", h.Index(), err))
		}
	}
	return errors.Join(errs...)
}

// Redact strips credentials from a source URL so it can be logged.
func Redact(address string) string {
	u, err := url.Parse(address)
	if err != nil || u.User == nil {
		return address
	}
	u.User = url.User("xxxxx")
	return u.String()
}

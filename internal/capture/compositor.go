// Package capture composes frames from several sources into one grid and
// writes them to raw segment files at a fixed cadence.
package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"github.com/disintegration/imaging"

	"github.com/sap-123iit/homevideorecord/internal/source"
)

// ErrSourceDropped is matched by every *SourceDroppedError.
var ErrSourceDropped = errors.New("source dropped")

// SourceDroppedError reports which source failed to deliver a frame.
type SourceDroppedError struct {
	Index int
	Err   error
}

func (e *SourceDroppedError) Error() string {
	return fmt.Sprintf("source %d dropped: %v", e.Index, e.Err)
}

func (e *SourceDroppedError) Unwrap() []error {
	return []error{ErrSourceDropped, e.Err}
}

// Grid is a row-major layout of equally sized tiles.
type Grid struct {
	Cols       int
	Rows       int
	TileWidth  int
	TileHeight int
}

// Size returns the composite frame dimensions.
func (g Grid) Size() (width, height int) {
	return g.Cols * g.TileWidth, g.Rows * g.TileHeight
}

// Cells returns the number of tiles.
func (g Grid) Cells() int {
	return g.Cols * g.Rows
}

// Origin returns the top-left corner of the tile for source index i.
func (g Grid) Origin(i int) image.Point {
	return image.Pt((i%g.Cols)*g.TileWidth, (i/g.Cols)*g.TileHeight)
}

// Validate checks that the grid can hold n sources.
func (g Grid) Validate(n int) error {
	if g.Cols <= 0 || g.Rows <= 0 || g.TileWidth <= 0 || g.TileHeight <= 0 {
		return fmt.Errorf("invalid grid %dx%d of %dx%d tiles", g.Cols, g.Rows, g.TileWidth, g.TileHeight)
	}
	if n > g.Cells() {
		return fmt.Errorf("grid %dx%d cannot hold %d sources", g.Cols, g.Rows, n)
	}
	return nil
}

// FrameSource is the part of a source handle the compositor needs.
type FrameSource interface {
	Index() int
	ReadFrame(ctx context.Context) (image.Image, error)
}

// Compositor reads one frame per source and tiles them into a grid.
type Compositor struct {
	sources []FrameSource
	grid    Grid
}

// NewCompositor builds a compositor over handles in index order.
func NewCompositor(handles []source.Handle, grid Grid) (*Compositor, error) {
	sources := make([]FrameSource, len(handles))
	for i, h := range handles {
		sources[i] = h
	}
	return newCompositor(sources, grid)
}

func newCompositor(sources []FrameSource, grid Grid) (*Compositor, error) {
	if len(sources) == 0 {
		return nil, errors.New("compositor needs at least one source")
	}
	if err := grid.Validate(len(sources)); err != nil {
		return nil, err
	}
	return &Compositor{sources: sources, grid: grid}, nil
}

// Grid returns the layout.
func (c *Compositor) Grid() Grid {
	return c.grid
}

// ComposeOnce reads exactly one frame from every source. If any read fails
// no frame is produced and a *SourceDroppedError names the failing source.
func (c *Compositor) ComposeOnce(ctx context.Context) (*image.NRGBA, error) {
	frames := make([]image.Image, len(c.sources))
	for i, src := range c.sources {
		frame, err := src.ReadFrame(ctx)
		if err == nil && frame == nil {
			err = errors.New("empty frame")
		}
		if err != nil {
			return nil, &SourceDroppedError{Index: i, Err: err}
		}
		frames[i] = frame
	}

	w, h := c.grid.Size()
	canvas := imaging.New(w, h, color.Black)
	for i, frame := range frames {
		tile := normalize(frame, c.grid.TileWidth, c.grid.TileHeight)
		origin := c.grid.Origin(i)
		cell := image.Rect(origin.X, origin.Y, origin.X+c.grid.TileWidth, origin.Y+c.grid.TileHeight)
		draw.Draw(canvas, cell, tile, tile.Bounds().Min, draw.Src)
	}
	return canvas, nil
}

// normalize scales a frame to exactly width x height.
func normalize(frame image.Image, width, height int) image.Image {
	b := frame.Bounds()
	if b.Dx() == width && b.Dy() == height {
		return frame
	}
	return imaging.Resize(frame, width, height, imaging.Linear)
}

package catalog

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"

	// Image format decoders for DecodeConfig.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/rwcarlsen/goexif/exif"
	_ "golang.org/x/image/webp" // WebP format support

	"mediasync/internal/state"
)

// probeWindow caps how much of a file the prober reads. Metadata for
// the supported formats sits near the start of the file; paying
// full-decode cost for dimensions is never worth it. Formats whose
// metadata lies beyond this offset degrade to "no dimensions known"
// rather than erroring.
const probeWindow = 512 * 1024

// ErrNoGeometry means the probe window did not yield usable dimensions.
// The draft is still created; the file is reported, not rejected.
var ErrNoGeometry = errors.New("no image geometry within probe window")

// Geometry is the probed image geometry. Width and Height are already
// swapped for EXIF orientations 5-8.
type Geometry struct {
	Width       int
	Height      int
	Orientation int
}

// geometryCache is the subset of the state store the prober uses.
type geometryCache interface {
	GetGeometry(windowHash string) (*state.Geometry, error)
	SetGeometry(windowHash string, g state.Geometry) error
}

// Prober extracts image geometry from a bounded prefix of a file.
// Each probe decodes in its own goroutine behind a recover barrier so
// a malformed or adversarial file cannot take the caller down or block
// it; the caller only ever sees a (Geometry, error) pair.
type Prober struct {
	cache  geometryCache
	logger *slog.Logger
}

// NewProber creates a prober. cache may be nil to disable caching.
func NewProber(cache geometryCache, logger *slog.Logger) *Prober {
	return &Prober{cache: cache, logger: logger}
}

// Probe reads up to the probe window from r and reports the image's
// geometry. Failures are per-file: the error identifies this probe
// only and never affects sibling probes.
func (p *Prober) Probe(ctx context.Context, r io.Reader) (Geometry, error) {
	if err := ctx.Err(); err != nil {
		return Geometry{}, err
	}

	window, err := io.ReadAll(io.LimitReader(r, probeWindow))
	if err != nil {
		return Geometry{}, fmt.Errorf("reading probe window: %w", err)
	}

	var windowHash string
	if p.cache != nil {
		h := sha256.Sum256(window)
		windowHash = hex.EncodeToString(h[:])

		cached, err := p.cache.GetGeometry(windowHash)
		if err != nil {
			p.logger.Warn("geometry cache lookup failed", slog.String("error", err.Error()))
		} else if cached != nil {
			if !cached.OK {
				return Geometry{}, ErrNoGeometry
			}
			return Geometry{Width: cached.Width, Height: cached.Height, Orientation: cached.Orientation}, nil
		}
	}

	g, err := p.decodeIsolated(ctx, window)

	// A cancelled probe is not a verdict on the file; it must never be
	// recorded as a decode failure.
	if p.cache != nil && ctx.Err() == nil {
		entry := state.Geometry{Width: g.Width, Height: g.Height, Orientation: g.Orientation, OK: err == nil}
		if cacheErr := p.cache.SetGeometry(windowHash, entry); cacheErr != nil {
			p.logger.Warn("geometry cache store failed", slog.String("error", cacheErr.Error()))
		}
	}

	return g, err
}

// probeOutcome crosses the isolation boundary between the decode
// goroutine and the caller.
type probeOutcome struct {
	g   Geometry
	err error
}

// decodeIsolated runs the decode in a separate goroutine with a
// recover barrier. A cancelled context abandons the goroutine; it
// holds no shared mutable state, so abandoning it is safe.
func (p *Prober) decodeIsolated(ctx context.Context, window []byte) (Geometry, error) {
	out := make(chan probeOutcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				out <- probeOutcome{err: fmt.Errorf("decoder panic: %v", r)}
			}
		}()
		g, err := decodeGeometry(window)
		out <- probeOutcome{g: g, err: err}
	}()

	select {
	case res := <-out:
		return res.g, res.err
	case <-ctx.Done():
		return Geometry{}, ctx.Err()
	}
}

// decodeGeometry extracts dimensions and EXIF orientation from the
// probe window. Orientations 5-8 (the rotate-90 family) swap width and
// height; 1-4 or absent leave dimensions unchanged.
func decodeGeometry(window []byte) (Geometry, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(window))
	if err != nil {
		return Geometry{}, fmt.Errorf("%w: %w", ErrNoGeometry, err)
	}

	g := Geometry{Width: cfg.Width, Height: cfg.Height, Orientation: 1}

	// EXIF is best effort: a missing or truncated segment leaves
	// orientation at the default.
	if x, err := exif.Decode(bytes.NewReader(window)); err == nil {
		if tag, err := x.Get(exif.Orientation); err == nil {
			if o, err := tag.Int(0); err == nil && o >= 1 && o <= 8 {
				g.Orientation = o
			}
		}
	}

	if g.Orientation >= 5 {
		g.Width, g.Height = g.Height, g.Width
	}

	return g, nil
}

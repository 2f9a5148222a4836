package segment

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/quarry-dl/quarry/engine"
	"github.com/quarry-dl/quarry/utils"
)

// SegmentError reports a segment that exhausted its retries. The partial
// artifact stays on disk so a later run resumes instead of restarting.
type SegmentError struct {
	Index    int
	Attempts int
	Err      error
}

func (e *SegmentError) Error() string {
	return fmt.Sprintf("segment %d failed after %d attempts: %v", e.Index, e.Attempts, e.Err)
}

func (e *SegmentError) Unwrap() error {
	return e.Err
}

// FetchConfig carries everything one segment worker needs.
type FetchConfig struct {
	Descriptor utils.ResourceDescriptor
	Segment    Segment
	Dir        string
	Engine     engine.RangeFetcher
	Retries    int           // additional attempts after the first
	Backoff    time.Duration // sleep backoff<<attempt between attempts
	AcceptFull bool
	OnProgress func(segmentBytes int64) // throttled, reports total bytes on disk for this segment
	Throttle   time.Duration
}

// Fetch downloads one segment with retry and resume. Every attempt re-derives
// its start offset from the artifact size on disk, so retries append after
// already-flushed bytes rather than redoing them.
func Fetch(ctx context.Context, cfg FetchConfig) (string, error) {
	log := utils.GetLogger("segment-worker").With().Int("segment", cfg.Segment.Index).Logger()
	path := PartPath(cfg.Dir, cfg.Descriptor.Filename, cfg.Segment.Index)
	expectedSize := cfg.Segment.ExpectedSize()
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	if cfg.Throttle <= 0 {
		cfg.Throttle = time.Second
	}

	attempts := cfg.Retries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			wait := cfg.Backoff << (attempt - 1)
			log.Debug().Int("attempt", attempt+1).Dur("wait", wait).Msg("Retrying segment")
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return "", &SegmentError{Index: cfg.Segment.Index, Attempts: attempt, Err: ctx.Err()}
			}
		}

		// Re-derive state from disk each attempt. A concurrent completion or
		// resumed re-entry short-circuits here.
		existingSize := int64(0)
		if info, err := os.Stat(path); err == nil {
			existingSize = info.Size()
		}
		if existingSize == expectedSize {
			log.Debug().Int64("size", existingSize).Msg("Segment already complete")
			return path, nil
		}
		if existingSize > expectedSize {
			log.Warn().Int64("size", existingSize).Int64("expected", expectedSize).Msg("Oversized segment artifact, removing and restarting range")
			if err := os.Remove(path); err != nil {
				lastErr = fmt.Errorf("error removing corrupted artifact: %v", err)
				continue
			}
			existingSize = 0
		}

		currentStart := cfg.Segment.StartByte + existingSize
		if existingSize > 0 {
			log.Debug().Int64("resumeOffset", existingSize).Int64("total", expectedSize).Msg("Resuming incomplete segment")
		}

		lastTick := time.Now()
		written, err := cfg.Engine.FetchRange(ctx, engine.RangeRequest{
			URL:        cfg.Descriptor.URL,
			Path:       path,
			Headers:    cfg.Descriptor.Headers,
			Start:      currentStart,
			End:        cfg.Segment.EndByte,
			AcceptFull: cfg.AcceptFull,
			OnChunk: func(written int64) {
				if cfg.OnProgress == nil {
					return
				}
				if now := time.Now(); now.Sub(lastTick) >= cfg.Throttle {
					cfg.OnProgress(existingSize + written)
					lastTick = now
				}
			},
		})
		if err != nil {
			lastErr = err
			log.Error().Err(err).Int("attempt", attempt+1).Msg("Error downloading segment")
			if ctx.Err() != nil {
				return "", &SegmentError{Index: cfg.Segment.Index, Attempts: attempt + 1, Err: ctx.Err()}
			}
			if errors.Is(err, engine.ErrRangeUnsupported) {
				// Retries won't make the server honor ranges; surface it so
				// the layer above can fall back to a single connection.
				return "", &SegmentError{Index: cfg.Segment.Index, Attempts: attempt + 1, Err: err}
			}
			continue
		}
		if remaining := cfg.Segment.EndByte - currentStart + 1; written != remaining {
			lastErr = fmt.Errorf("size mismatch: expected %d remaining bytes, got %d", remaining, written)
			log.Error().Int64("remaining", remaining).Int64("written", written).Msg("Short read on segment")
			continue
		}
		if cfg.OnProgress != nil {
			cfg.OnProgress(expectedSize)
		}
		log.Debug().Int64("written", written).Int64("size", expectedSize).Msg("Segment complete")
		return path, nil
	}
	return "", &SegmentError{Index: cfg.Segment.Index, Attempts: attempts, Err: lastErr}
}

// Package transfer orchestrates segmented resumable downloads: planning,
// concurrent segment workers, progress aggregation and final assembly.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/quarry-dl/quarry/engine"
	"github.com/quarry-dl/quarry/segment"
	"github.com/quarry-dl/quarry/utils"
)

type Options struct {
	Parallelism     int
	Retries         int
	Backoff         time.Duration
	Engine          engine.RangeFetcher // nil selects the built-in HTTP engine
	Client          *http.Client
	AcceptNonRanged bool
	OnProgress      func(downloaded, total int64)
	Throttle        time.Duration
}

// Run performs one segmented transfer of desc into targetDir and returns the
// final artifact path. On segment failure it returns a TransferError and
// leaves every artifact (complete or partial) on disk; re-invoking the same
// job resumes from that state.
func Run(ctx context.Context, desc utils.ResourceDescriptor, targetDir string, opts Options) (string, error) {
	log := utils.GetLogger("coordinator")
	if desc.Filename == "" {
		desc.Filename = utils.FilenameFromURL(desc.URL)
	}
	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return "", fmt.Errorf("error creating target directory: %v", err)
	}
	finalPath := filepath.Join(targetDir, desc.Filename)
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	if opts.Engine == nil {
		opts.Engine = engine.NewHTTPEngine(opts.Client)
	}
	if opts.Throttle <= 0 {
		opts.Throttle = time.Second
	}

	// A final artifact of the right size means an earlier run already
	// finished this job.
	if info, err := os.Stat(finalPath); err == nil && desc.Size > 0 {
		if info.Size() == desc.Size {
			log.Info().Str("file", desc.Filename).Msg("File already exists with expected size, skipping")
			return finalPath, nil
		}
		// A different-sized file under the final name was not produced by this
		// job; leave it alone and write next to it.
		finalPath = utils.RenewOutputPath(finalPath)
		desc.Filename = filepath.Base(finalPath)
		log.Warn().Str("file", desc.Filename).Msg("Output path occupied by a different file, using renewed name")
	}

	if desc.Size == 0 {
		log.Debug().Str("url", desc.URL).Msg("Unknown size, using single-connection streaming")
		return streamDownload(ctx, desc, finalPath, opts.Client, opts.OnProgress, opts.Throttle)
	}

	segments := segment.Plan(desc.Size, max(opts.Parallelism, 1))
	state := segment.Classify(targetDir, desc.Filename, segments)
	log.Info().
		Str("file", desc.Filename).
		Str("size", humanize.Bytes(uint64(desc.Size))).
		Int("segments", len(segments)).
		Int("complete", len(state.Complete)).
		Int("partial", len(state.Partial)).
		Int("missing", len(state.Missing)).
		Int("corrupted", len(state.Corrupted)).
		Msg("Starting segmented transfer")
	if len(state.Corrupted) > 0 {
		if _, err := segment.CleanupCorrupted(targetDir, desc.Filename, segments); err != nil {
			return "", fmt.Errorf("error cleaning corrupted segments: %v", err)
		}
	}

	// Progress is recomputed from disk on every tick rather than summed from
	// worker deltas, so retries can't double count.
	var progressMu sync.Mutex
	var lastUpdate time.Time
	reportProgress := func() {
		if opts.OnProgress == nil {
			return
		}
		progressMu.Lock()
		defer progressMu.Unlock()
		now := time.Now()
		if now.Sub(lastUpdate) < opts.Throttle {
			return
		}
		lastUpdate = now
		opts.OnProgress(downloadedBytes(targetDir, desc.Filename, segments), desc.Size)
	}

	segmentErrs := make([]error, len(segments))
	var wg sync.WaitGroup
	for i, seg := range segments {
		wg.Add(1)
		go func(i int, seg segment.Segment) {
			defer wg.Done()
			_, err := segment.Fetch(ctx, segment.FetchConfig{
				Descriptor: desc,
				Segment:    seg,
				Dir:        targetDir,
				Engine:     opts.Engine,
				Retries:    opts.Retries,
				Backoff:    opts.Backoff,
				AcceptFull: opts.AcceptNonRanged,
				Throttle:   opts.Throttle,
				OnProgress: func(int64) { reportProgress() },
			})
			segmentErrs[i] = err
		}(i, seg)
	}
	// Every worker runs to completion even when a sibling fails, so the
	// maximum possible progress lands on disk before we report.
	wg.Wait()

	var failed []int
	var preservedBytes int64
	rangeUnsupported := true
	for i, err := range segmentErrs {
		if err != nil {
			failed = append(failed, i)
			if !errors.Is(err, engine.ErrRangeUnsupported) {
				rangeUnsupported = false
			}
		} else {
			preservedBytes += segments[i].ExpectedSize()
		}
	}
	if len(failed) > 0 {
		if rangeUnsupported && ctx.Err() == nil {
			log.Warn().Str("url", desc.URL).Msg("Server ignores range requests, falling back to single connection")
			path, err := streamDownload(ctx, desc, finalPath, opts.Client, opts.OnProgress, opts.Throttle)
			if err != nil {
				return "", err
			}
			// The stream refetched everything, so artifacts from segments that
			// did complete are stale now.
			for _, seg := range segments {
				os.Remove(segment.PartPath(targetDir, desc.Filename, seg.Index))
			}
			return path, nil
		}
		log.Error().
			Ints("failedSegments", failed).
			Str("preserved", humanize.Bytes(uint64(preservedBytes))).
			Msg("Transfer incomplete, artifacts preserved for resume")
		return "", &TransferError{Failed: failed, Total: len(segments), PreservedBytes: preservedBytes}
	}

	if _, err := Assemble(targetDir, finalPath, segments); err != nil {
		// Segment artifacts not yet consumed stay on disk for a retry.
		return "", err
	}
	if opts.OnProgress != nil {
		opts.OnProgress(desc.Size, desc.Size)
	}
	log.Info().Str("output", finalPath).Str("size", humanize.Bytes(uint64(desc.Size))).Msg("Transfer complete")
	return finalPath, nil
}

// downloadedBytes sums the on-disk size of every segment artifact, capped at
// each segment's expected size so oversized artifacts can't inflate progress.
func downloadedBytes(dir, filename string, segments []segment.Segment) int64 {
	total := int64(0)
	for _, seg := range segments {
		if info, err := os.Stat(segment.PartPath(dir, filename, seg.Index)); err == nil {
			total += min(info.Size(), seg.ExpectedSize())
		}
	}
	return total
}

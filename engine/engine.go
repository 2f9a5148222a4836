// Package engine provides the range-fetch contract shared by the built-in
// HTTP fetcher and the external aria2c engine. An engine performs exactly one
// attempt: fetch the byte range [Start, End] of a URL and append the bytes to
// an artifact on disk. Retry, resume and verification live one layer up in
// the segment worker.
package engine

import (
	"context"
	"errors"
)

var ErrRangeUnsupported = errors.New("remote does not honor byte ranges")

// RangeRequest describes one fetch attempt. The artifact at Path is only ever
// appended to, never truncated; Start must already account for any bytes
// present on disk.
type RangeRequest struct {
	URL        string
	Path       string
	Headers    map[string]string
	Start      int64 // inclusive
	End        int64 // inclusive
	AcceptFull bool  // named host exception: accept a 200 where 206 is mandatory
	OnChunk    func(written int64)
}

// RangeFetcher is implemented by the built-in HTTP engine and by alternates
// like aria2c. It reports how many bytes were appended this attempt; the
// caller verifies that count against the requested range.
type RangeFetcher interface {
	FetchRange(ctx context.Context, req RangeRequest) (int64, error)
}

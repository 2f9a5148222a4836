// Package segment implements byte-range planning, on-disk segment state
// tracking and the per-segment fetch worker.
package segment

import (
	"fmt"
	"path/filepath"
)

// Segment is one contiguous byte range of a resource. EndByte is inclusive.
type Segment struct {
	Index     int
	StartByte int64
	EndByte   int64
}

func (s Segment) ExpectedSize() int64 {
	return s.EndByte - s.StartByte + 1
}

// PartPath returns the durable on-disk identity of a segment,
// {dir}/{filename}.part{index}, co-located with the final artifact.
func PartPath(dir, filename string, index int) string {
	return filepath.Join(dir, fmt.Sprintf("%s.part%d", filename, index))
}

// Plan splits [0, totalSize) into parallelism contiguous non-overlapping
// segments. The last segment absorbs the integer-division remainder.
// Deterministic for identical inputs, so a resumed run recomputes the exact
// boundaries of the original run.
func Plan(totalSize int64, parallelism int) []Segment {
	if parallelism < 1 {
		parallelism = 1
	}
	if int64(parallelism) > totalSize {
		parallelism = int(totalSize)
	}
	segmentSize := totalSize / int64(parallelism)
	segments := make([]Segment, 0, parallelism)
	for i := 0; i < parallelism; i++ {
		startByte := int64(i) * segmentSize
		endByte := startByte + segmentSize - 1
		if i == parallelism-1 {
			endByte = totalSize - 1
		}
		segments = append(segments, Segment{
			Index:     i,
			StartByte: startByte,
			EndByte:   endByte,
		})
	}
	return segments
}

package segment

import (
	"os"

	"github.com/quarry-dl/quarry/utils"
)

// Classification buckets segment indices by on-disk state relative to the
// expected byte range: absent artifact is Missing, exact size is Complete,
// undersized is Partial, oversized is Corrupted.
type Classification struct {
	Complete  []int
	Partial   []int
	Missing   []int
	Corrupted []int
}

// Classify inspects every segment artifact in dir. Read-only: corruption is
// reported here and repaired separately by CleanupCorrupted, so callers can
// log what they found before destroying anything.
func Classify(dir, filename string, segments []Segment) Classification {
	var c Classification
	for _, seg := range segments {
		info, err := os.Stat(PartPath(dir, filename, seg.Index))
		if err != nil {
			c.Missing = append(c.Missing, seg.Index)
			continue
		}
		switch size := info.Size(); {
		case size == seg.ExpectedSize():
			c.Complete = append(c.Complete, seg.Index)
		case size < seg.ExpectedSize():
			c.Partial = append(c.Partial, seg.Index)
		default:
			c.Corrupted = append(c.Corrupted, seg.Index)
		}
	}
	return c
}

// CleanupCorrupted deletes every oversized segment artifact so a fresh
// classification reports it as Missing. Oversized artifacts are never trusted
// or truncated in place. Partial artifacts are left alone; they resume.
func CleanupCorrupted(dir, filename string, segments []Segment) (int, error) {
	log := utils.GetLogger("segment-store")
	cleaned := 0
	for _, seg := range segments {
		path := PartPath(dir, filename, seg.Index)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.Size() > seg.ExpectedSize() {
			if err := os.Remove(path); err != nil {
				return cleaned, err
			}
			log.Warn().Int("segment", seg.Index).Int64("size", info.Size()).Int64("expected", seg.ExpectedSize()).Msg("Removed corrupted segment artifact")
			cleaned++
		}
	}
	return cleaned, nil
}

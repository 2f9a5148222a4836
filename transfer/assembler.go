package transfer

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/detailyang/go-fallocate"
	"github.com/dustin/go-humanize"

	"github.com/quarry-dl/quarry/segment"
	"github.com/quarry-dl/quarry/utils"
)

// Assemble concatenates segment artifacts in index order into finalPath and
// deletes each artifact once it has been fully copied. All segments are
// validated against their expected sizes before a single byte is written, so
// a validation failure never leaves a partial final file behind.
func Assemble(dir, finalPath string, segments []segment.Segment) (int64, error) {
	log := utils.GetLogger("assembler")
	filename := filepath.Base(finalPath)

	expectedTotal := int64(0)
	for _, seg := range segments {
		path := segment.PartPath(dir, filename, seg.Index)
		info, err := os.Stat(path)
		if err != nil {
			return 0, &AssemblyError{Reason: fmt.Sprintf("missing segment artifact: %s", path)}
		}
		if info.Size() != seg.ExpectedSize() {
			return 0, &AssemblyError{Reason: fmt.Sprintf("segment %d size mismatch: expected %d bytes, got %d", seg.Index, seg.ExpectedSize(), info.Size())}
		}
		expectedTotal += seg.ExpectedSize()
	}
	log.Debug().Int("count", len(segments)).Int64("totalBytes", expectedTotal).Msg("All segments validated, assembling")

	destFile, err := os.Create(finalPath)
	if err != nil {
		return 0, &AssemblyError{Reason: fmt.Sprintf("error creating final file: %v", err)}
	}
	defer destFile.Close()
	// Best effort; filesystems without preallocation still work.
	if err := fallocate.Fallocate(destFile, 0, expectedTotal); err != nil {
		log.Debug().Err(err).Msg("Preallocation unavailable")
	}

	var totalWritten int64
	for _, seg := range segments {
		path := segment.PartPath(dir, filename, seg.Index)
		partFile, err := os.Open(path)
		if err != nil {
			return totalWritten, &AssemblyError{Reason: fmt.Sprintf("error opening segment artifact %s: %v", path, err)}
		}
		written, err := io.Copy(destFile, partFile)
		partFile.Close()
		if err != nil {
			return totalWritten, &AssemblyError{Reason: fmt.Sprintf("error copying segment %d: %v", seg.Index, err)}
		}
		if written != seg.ExpectedSize() {
			return totalWritten, &AssemblyError{Reason: fmt.Sprintf("wrote %d bytes for segment %d but expected %d", written, seg.Index, seg.ExpectedSize())}
		}
		totalWritten += written
		// Deleting immediately keeps peak disk usage flat; a crash here loses
		// only already-copied parts, the remaining ones still resume.
		os.Remove(path)
	}

	if err := destFile.Sync(); err != nil {
		return totalWritten, &AssemblyError{Reason: fmt.Sprintf("error syncing final file: %v", err)}
	}
	if totalWritten != expectedTotal {
		return totalWritten, &AssemblyError{Reason: fmt.Sprintf("total written bytes (%d) doesn't match expected size (%d)", totalWritten, expectedTotal)}
	}
	info, err := os.Stat(finalPath)
	if err != nil {
		return totalWritten, &AssemblyError{Reason: fmt.Sprintf("error verifying final file: %v", err)}
	}
	if info.Size() != expectedTotal {
		return totalWritten, &AssemblyError{Reason: fmt.Sprintf("final file size (%d) doesn't match expected size (%d)", info.Size(), expectedTotal)}
	}
	log.Debug().Int64("totalBytes", totalWritten).Str("output", finalPath).Str("size", humanize.Bytes(uint64(totalWritten))).Msg("File assembly completed")
	return totalWritten, nil
}

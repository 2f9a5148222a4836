package transfer

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// TransferError means one or more segments ultimately failed. Every
// successful or partial segment artifact is still on disk; re-running the
// same job resumes from them.
type TransferError struct {
	Failed         []int
	Total          int
	PreservedBytes int64
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer incomplete: %d of %d segments failed (%v), %s preserved for resume",
		len(e.Failed), e.Total, e.Failed, humanize.Bytes(uint64(e.PreservedBytes)))
}

// AssemblyError is fatal for the attempt. Segment artifacts not yet consumed
// by assembly stay on disk so the job remains resumable.
type AssemblyError struct {
	Reason string
}

func (e *AssemblyError) Error() string {
	return "assembly failed: " + e.Reason
}

package state

import (
	"fmt"

	"github.com/ianbruene/go-difflib/difflib"
)

// DiffPersisted returns a unified diff between two metadata values'
// persisted serialisations, decoded back into MetaData and rendered with
// %+v first so the diff is human-readable instead of a wall of
// snappy-compressed bytes. Used by the Update Executor to log what
// changed on a CAS conflict (SPEC_FULL §4 notes).
func DiffPersisted(prevBlob, nextBlob []byte) (string, error) {
	prev, err := DeserializePersisted(prevBlob)
	if err != nil {
		return "", fmt.Errorf("state: decode prev for diff: %w", err)
	}
	next, err := DeserializePersisted(nextBlob)
	if err != nil {
		return "", fmt.Errorf("state: decode next for diff: %w", err)
	}

	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(fmt.Sprintf("%+v\n", prev)),
		B:        difflib.SplitLines(fmt.Sprintf("%+v\n", next)),
		FromFile: "prev",
		ToFile:   "next",
		Context:  1,
	}
	return difflib.GetUnifiedDiffString(diff)
}

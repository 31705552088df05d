package artifact

import (
	"fmt"

	"github.com/sergi/go-diff/diffmatchpatch"
)

var dmp = diffmatchpatch.New()

// computeDelta encodes the edit from prev to next.
func computeDelta(prev, next string) string {
	return dmp.DiffToDelta(dmp.DiffMain(prev, next, false))
}

func applyDelta(prev, delta string) (string, error) {
	diffs, err := dmp.DiffFromDelta(prev, delta)
	if err != nil {
		return "", fmt.Errorf("decode delta: %w", err)
	}
	return dmp.DiffText2(diffs), nil
}

// MakePatch renders the edit from prev to next as patch text, the format
// updateDocument accepts in its delta argument.
func MakePatch(prev, next string) string {
	return dmp.PatchToText(dmp.PatchMake(prev, next))
}

// applyPatch applies patch text to base. Every hunk must apply.
func applyPatch(base, patch string) (string, error) {
	patches, err := dmp.PatchFromText(patch)
	if err != nil {
		return "", fmt.Errorf("parse patch: %w", err)
	}
	out, applied := dmp.PatchApply(patches, base)
	for i, ok := range applied {
		if !ok {
			return "", fmt.Errorf("hunk %d does not apply", i+1)
		}
	}
	return out, nil
}

package chat

import "sort"

// MergeOptions controls how provider and stored records are combined.
// Stored (legacy Wix) messages are excluded by default: later revisions of
// the portal treated the gateway as the single source of truth.
type MergeOptions struct {
	IncludeStored bool
}

// Merge normalizes both lists and returns the union sorted ascending by
// timestamp. The sort is stable, so equal timestamps and timestamp-less
// records keep their arrival order; timestamp-less records sort last.
func Merge(provider []Raw, stored []Raw, opts MergeOptions) []Message {
	merged := make([]Message, 0, len(provider)+len(stored))
	for _, raw := range provider {
		merged = append(merged, Normalize(raw, SourceProvider))
	}
	if opts.IncludeStored {
		for _, raw := range stored {
			merged = append(merged, Normalize(raw, SourceStored))
		}
	}

	SortMessages(merged)
	return merged
}

// SortMessages orders messages ascending by timestamp, stably, with
// timestamp-less messages after all dated ones.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		a, b := msgs[i], msgs[j]
		if !a.HasTimestamp() {
			return false
		}
		if !b.HasTimestamp() {
			return true
		}
		return a.Timestamp.Before(b.Timestamp)
	})
}

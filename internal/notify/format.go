package notify

import (
	"fmt"
	"strings"

	"content_digest/internal/model"
)

// FormatDigestReady formats the daily completion message.
func FormatDigestReady(sn *model.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Daily digest for %s is ready\n\n", sn.ProcessingDate.Format(model.DateLayout))
	fmt.Fprintf(&b, "Bookmarks: %d\n", sn.BookmarkCount)
	fmt.Fprintf(&b, "Curated feed: %d\n", sn.CuratedFeedCount)
	fmt.Fprintf(&b, "Lists: %d\n", sn.ListCount)
	fmt.Fprintf(&b, "\nTotal: %d items", sn.TotalCount)
	return b.String()
}

// Package sink provides the destinations a transfer can be written to.
package sink

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/italolelis/background_downloader/internal/transfer"
)

// maxCollisions bounds the "name (n).ext" probing done by sinks that refuse
// to overwrite existing artifacts.
const maxCollisions = 1000

var categoryDirs = map[transfer.Category]string{
	transfer.CategoryDownloads: "Downloads",
	transfer.CategoryDocuments: "Documents",
	transfer.CategoryMovies:    "Movies",
	transfer.CategoryMusic:     "Music",
	transfer.CategoryPictures:  "Pictures",
}

// CategoryDir returns the top level directory used for category.
func CategoryDir(category transfer.Category) string {
	if dir, ok := categoryDirs[category]; ok {
		return dir
	}

	return categoryDirs[transfer.CategoryDownloads]
}

// candidateName returns name for attempt 0 and "base (n).ext" afterwards.
func candidateName(name string, attempt int) string {
	if attempt == 0 {
		return name
	}

	ext := filepath.Ext(name)

	return fmt.Sprintf("%s (%d)%s", strings.TrimSuffix(name, ext), attempt, ext)
}

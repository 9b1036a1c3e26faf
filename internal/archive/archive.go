// Package archive provides access to the remote GeoNet strong-motion
// archive: directory listings and file retrieval over FTP, plus the site
// registry published by the delta web service as CSV. No caching lives here;
// this is a pure listing/fetch capability consumed by the updater.
package archive

import (
	"context"
	"time"

	"github.com/seismoworks/geomotion/internal/domain"
)

// FileHandle identifies one recorder file in the archive. Size and ModTime
// are filled when the listing provides them.
type FileHandle struct {
	Path    string // full remote path
	Name    string // base filename
	Size    int64
	ModTime time.Time
}

// Client lists and fetches raw bytes from the upstream archive. Fetch
// failures are classified through the errors package: transient failures
// are retryable, not-found failures are not.
type Client interface {
	// ListYears returns the years the archive has content for, ascending.
	ListYears(ctx context.Context) ([]int, error)

	// ListMonths returns the months (1..12) with content in the given year,
	// ascending.
	ListMonths(ctx context.Context, year int) ([]int, error)

	// ListEventFiles returns handles for every recorder file in the given
	// archive month.
	ListEventFiles(ctx context.Context, year, month int) ([]FileHandle, error)

	// Fetch retrieves the raw bytes of one file.
	Fetch(ctx context.Context, handle FileHandle) ([]byte, error)
}

// SiteSource fetches the full site registry. The registry is one listing,
// not incremental.
type SiteSource interface {
	FetchSites(ctx context.Context) ([]domain.Site, error)
}

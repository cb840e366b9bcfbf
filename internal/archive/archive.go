// Package archive copies completed downloads to remote object storage and
// manages the archived copies. The engine treats archival as best effort: a
// failed upload leaves the session untouched.
package archive

import (
	"context"
	"time"

	"btcore/internal/domain"
)

type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified *time.Time
}

// Service is the object-storage capability the engine and API consume.
type Service interface {
	// Archive uploads the download directory of one torrent and returns the
	// destination location.
	Archive(ctx context.Context, id domain.TorrentID, localDir string) (string, error)
	// List returns the archived objects for one torrent.
	List(ctx context.Context, id domain.TorrentID) ([]ObjectInfo, error)
	// Delete removes every archived object for one torrent.
	Delete(ctx context.Context, id domain.TorrentID) error
	// ObjectURL returns a time-limited download URL for an archived object.
	ObjectURL(ctx context.Context, key string, expires time.Duration) (string, error)
}

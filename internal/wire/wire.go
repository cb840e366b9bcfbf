// Package wire defines the boundary to the lower-level peer-wire
// collaborator. The engine core never speaks the BitTorrent protocol; a
// Transport moves bytes and reports metadata, piece and bandwidth events up
// into the engine.
package wire

import (
	"bytes"
	"fmt"

	"github.com/anacrolix/torrent/metainfo"

	"btcore/internal/domain"
)

// CategoryPeerProtocol tags bytes exchanged with peers over the wire
// protocol in speed sampling.
const CategoryPeerProtocol = "peer:protocol"

// Metadata describes a torrent once its info dictionary is known.
type Metadata struct {
	Name       string
	PieceSize  int64
	NumPieces  int
	TotalBytes int64
	Files      []domain.FileInfo
	InfoBytes  []byte
}

// Events is the upward path from a Transport into the engine. Callbacks
// arrive on transport goroutines; the engine implementation posts them onto
// its run loop.
type Events interface {
	MetadataReceived(id domain.TorrentID, md Metadata)
	PieceCompleted(id domain.TorrentID, piece int)
	Transferred(id domain.TorrentID, direction domain.Direction, category string, n int64)
	PeersUpdated(id domain.TorrentID, count int)
	CheckingDone(id domain.TorrentID)
	TransferFailed(id domain.TorrentID, err error)
}

// Pacer is the engine-side bandwidth gate for transports that move bytes
// themselves: they ask for an admission before transferring, and the granted
// amount may be smaller than requested, with the remainder retried later.
// The anacrolix adapter does not consume it; that client enforces the same
// limits through the rate.Limiters the engine mirrors into it.
type Pacer interface {
	AdmitDownload(n int64) int64
	AdmitUpload(n int64) int64
}

// Transport is a peer-wire collaborator. All methods must return promptly;
// transfer work happens on the transport's own goroutines.
type Transport interface {
	// Start begins (or restarts) transferring a torrent into dataDir.
	Start(src domain.Source, dataDir string) error
	// Stop halts transfer and releases the torrent's network state. The
	// caller keeps the source and calls Start again to resume.
	Stop(id domain.TorrentID) error
	// Remove forgets the torrent entirely. On-disk data is the caller's
	// concern.
	Remove(id domain.TorrentID) error
	// Recheck re-verifies completed pieces against storage; completions are
	// re-reported through Events.PieceCompleted.
	Recheck(id domain.TorrentID) error
	SetFilePriorities(id domain.TorrentID, priorities map[int]domain.FilePriority) error
	SetRateLimits(downloadBps, uploadBps int64)
	Peers(id domain.TorrentID) []domain.PeerInfo
	Trackers(id domain.TorrentID) []domain.TrackerInfo
	Close() error
}

// ParsedSource is the synchronous result of inspecting a torrent source.
// Adding a torrent validates its source before any session exists.
type ParsedSource struct {
	ID       domain.TorrentID
	Magnet   bool
	Metadata *Metadata // non-nil when the source carried the info dict
}

// ParseSource validates a magnet URI or raw .torrent bytes and derives the
// info-hash. Malformed input fails with domain.ErrMalformedMetadata.
func ParseSource(src domain.Source) (ParsedSource, error) {
	switch {
	case src.MagnetURI != "":
		m, err := metainfo.ParseMagnetUri(src.MagnetURI)
		if err != nil {
			return ParsedSource{}, fmt.Errorf("%w: %v", domain.ErrMalformedMetadata, err)
		}
		return ParsedSource{
			ID:     domain.TorrentID(m.InfoHash.HexString()),
			Magnet: true,
		}, nil

	case len(src.TorrentBytes) > 0:
		mi, err := metainfo.Load(bytes.NewReader(src.TorrentBytes))
		if err != nil {
			return ParsedSource{}, fmt.Errorf("%w: %v", domain.ErrMalformedMetadata, err)
		}
		info, err := mi.UnmarshalInfo()
		if err != nil {
			return ParsedSource{}, fmt.Errorf("%w: %v", domain.ErrMalformedMetadata, err)
		}
		md := MetadataFromInfo(&info, mi.InfoBytes)
		return ParsedSource{
			ID:       domain.TorrentID(mi.HashInfoBytes().HexString()),
			Metadata: &md,
		}, nil
	}
	return ParsedSource{}, fmt.Errorf("%w: empty source", domain.ErrMalformedMetadata)
}

// MetadataFromInfo flattens a bencoded info dictionary into engine metadata.
func MetadataFromInfo(info *metainfo.Info, infoBytes []byte) Metadata {
	files := info.UpvertedFiles()
	out := Metadata{
		Name:       info.BestName(),
		PieceSize:  info.PieceLength,
		NumPieces:  info.NumPieces(),
		TotalBytes: info.TotalLength(),
		Files:      make([]domain.FileInfo, 0, len(files)),
		InfoBytes:  infoBytes,
	}
	var offset int64
	for i, f := range files {
		out.Files = append(out.Files, domain.FileInfo{
			Index:  i,
			Path:   f.DisplayPath(info),
			Length: f.Length,
			Offset: offset,
		})
		offset += f.Length
	}
	return out
}

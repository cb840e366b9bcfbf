package domain

import "time"

// TorrentID is the lowercase hex encoding of a torrent's 160-bit info-hash.
type TorrentID string

type SessionStatus string

const (
	StatusMetadataPending SessionStatus = "downloading_metadata"
	StatusChecking        SessionStatus = "checking"
	StatusDownloading     SessionStatus = "downloading"
	StatusSeeding         SessionStatus = "seeding"
	StatusStopped         SessionStatus = "stopped"
	StatusError           SessionStatus = "error"
)

// Active reports whether the session is exchanging data with peers.
func (s SessionStatus) Active() bool {
	return s == StatusDownloading || s == StatusSeeding || s == StatusChecking || s == StatusMetadataPending
}

// FilePriority follows the wire encoding: 0=normal, 1=skip, 2=high.
type FilePriority int

const (
	PriorityNormal FilePriority = 0
	PrioritySkip   FilePriority = 1
	PriorityHigh   FilePriority = 2
)

func (p FilePriority) Valid() bool {
	return p == PriorityNormal || p == PrioritySkip || p == PriorityHigh
}

type Direction string

const (
	DirectionDownload Direction = "download"
	DirectionUpload   Direction = "upload"
)

// Source identifies where a torrent came from. Exactly one field is set.
type Source struct {
	MagnetURI    string `json:"magnetUri,omitempty"`
	TorrentBytes []byte `json:"-"`
}

// FileInfo describes one file within a torrent's metadata.
type FileInfo struct {
	Index          int          `json:"index"`
	Path           string       `json:"path"`
	Length         int64        `json:"length"`
	Offset         int64        `json:"offset"`
	BytesCompleted int64        `json:"bytesCompleted"`
	Priority       FilePriority `json:"priority"`
}

// PeerInfo is a point-in-time view of one connected peer.
type PeerInfo struct {
	Addr          string `json:"addr"`
	Client        string `json:"client,omitempty"`
	DownloadSpeed int64  `json:"downloadSpeed"`
	UploadSpeed   int64  `json:"uploadSpeed"`
	PiecesHave    int    `json:"piecesHave"`
}

// TrackerInfo is a point-in-time view of one tracker.
type TrackerInfo struct {
	URL          string     `json:"url"`
	LastAnnounce *time.Time `json:"lastAnnounce,omitempty"`
	Peers        int        `json:"peers"`
}

// PieceSummary is the getPieces query result. The bitfield is hex encoded,
// MSB first, bit 0 of byte 0 being piece 0.
type PieceSummary struct {
	PiecesTotal     int    `json:"piecesTotal"`
	PiecesCompleted int    `json:"piecesCompleted"`
	PieceSize       int64  `json:"pieceSize"`
	BitfieldHex     string `json:"bitfield"`
}

// SessionSnapshot is the cross-thread view of one session. All fields are
// copies; holders never share memory with the engine.
type SessionSnapshot struct {
	ID              TorrentID     `json:"id"`
	Name            string        `json:"name"`
	Status          SessionStatus `json:"status"`
	ErrorMessage    string        `json:"errorMessage,omitempty"`
	Progress        float64       `json:"progress"`
	PiecesTotal     int           `json:"piecesTotal"`
	PiecesCompleted int           `json:"piecesCompleted"`
	PieceSize       int64         `json:"pieceSize"`
	TotalBytes      int64         `json:"totalBytes"`
	Downloaded      int64         `json:"downloaded"`
	Uploaded        int64         `json:"uploaded"`
	DownloadSpeed   int64         `json:"downloadSpeed"`
	UploadSpeed     int64         `json:"uploadSpeed"`
	Peers           int           `json:"peers"`
	StorageRootKey  string        `json:"storageRootKey,omitempty"`
	ArchiveLocation string        `json:"archiveLocation,omitempty"`
	QueuePosition   int           `json:"queuePosition"`
	AddedAt         time.Time     `json:"addedAt"`
	CompletedAt     *time.Time    `json:"completedAt,omitempty"`
}

// SpeedSample is one bucket of transferred bytes.
type SpeedSample struct {
	Timestamp time.Time `json:"timestamp"`
	Bytes     int64     `json:"bytes"`
}

// StorageRoot maps an opaque key to a platform storage location.
type StorageRoot struct {
	Key      string `json:"key"`
	Label    string `json:"label"`
	Location string `json:"location"`
	Default  bool   `json:"default"`
}

// AddResult is the ack for an await-style addTorrent command.
type AddResult struct {
	ID            TorrentID `json:"id"`
	AlreadyExists bool      `json:"alreadyExists"`
}

// RemoveResult distinguishes "applied" from "applied with warning": a torrent
// can be removed while some of its files could not be deleted.
type RemoveResult struct {
	Removed  bool     `json:"removed"`
	Warnings []string `json:"warnings,omitempty"`
}

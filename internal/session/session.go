// Package session implements the torrent engine core: per-torrent state
// machines owned by a single run loop, a manager that applies commands and
// transport events to them, and a thread-safe bridge for the host surfaces.
package session

import (
	"errors"
	"fmt"
	"time"

	"btcore/internal/bitfield"
	"btcore/internal/domain"
	"btcore/internal/persist"
	"btcore/internal/wire"
)

// Persisted error kinds. The human-readable message alone cannot survive a
// restart as a matchable sentinel, so the kind rides along in the state record
// and restores the sentinel on load.
const (
	errKindMissingRoot = "missing_storage_root"
	errKindWrite       = "write_failure"
)

// torrentSession is the loop-confined state of one torrent. Nothing here is
// synchronized; only the engine loop touches it.
type torrentSession struct {
	id     domain.TorrentID
	source domain.Source

	name        string
	status      domain.SessionStatus
	lastErr     error
	errMsg      string
	addedAt     time.Time
	completedAt *time.Time

	haveMetadata bool
	pieceSize    int64
	piecesTotal  int
	totalBytes   int64
	files        []domain.FileInfo
	infoBytes    []byte

	pieces     bitfield.Bitfield
	downloaded int64
	uploaded   int64
	peers      int

	// countersDirty marks byte counters changed since the last persisted
	// write; the stats tick checkpoints them so a crash while seeding does
	// not roll the totals back to the last piece event.
	countersDirty bool

	// rootKey is the requested binding; empty means "use the default root".
	// resolvedRoot is the last successful resolution and may go stale, which
	// is fine: it is only consulted for paths of an already-running transfer.
	rootKey      string
	resolvedRoot domain.StorageRoot
	rootResolved bool

	queuePos   int
	archiveLoc string
}

func newTorrentSession(id domain.TorrentID, src domain.Source, rootKey string, now time.Time) *torrentSession {
	return &torrentSession{
		id:      id,
		source:  src,
		status:  domain.StatusMetadataPending,
		addedAt: now,
		rootKey: rootKey,
	}
}

// setStatus applies a transition, rejecting ones the lifecycle forbids.
func (s *torrentSession) setStatus(to domain.SessionStatus) error {
	if !domain.CanTransition(s.status, to) {
		return fmt.Errorf("%s -> %s: %w", s.status, to, domain.ErrInvalidTransition)
	}
	s.status = to
	if to != domain.StatusError {
		s.lastErr = nil
		s.errMsg = ""
	}
	return nil
}

func (s *torrentSession) fail(err error) {
	s.status = domain.StatusError
	s.lastErr = err
	s.errMsg = err.Error()
}

// applyMetadata installs the info dictionary. Idempotent; a bitfield restored
// from persistence survives as long as the piece count matches.
func (s *torrentSession) applyMetadata(md wire.Metadata) {
	s.name = md.Name
	s.pieceSize = md.PieceSize
	s.piecesTotal = md.NumPieces
	s.totalBytes = md.TotalBytes
	s.infoBytes = md.InfoBytes

	prios := make(map[int]domain.FilePriority, len(s.files))
	for _, f := range s.files {
		prios[f.Index] = f.Priority
	}
	s.files = make([]domain.FileInfo, len(md.Files))
	copy(s.files, md.Files)
	for i := range s.files {
		if p, ok := prios[s.files[i].Index]; ok {
			s.files[i].Priority = p
		}
	}

	if len(s.pieces) != len(bitfield.New(md.NumPieces)) {
		s.pieces = bitfield.New(md.NumPieces)
	}
	s.haveMetadata = true
}

// completePiece marks a piece done. Completion is monotonic: a piece already
// marked stays marked and reports false.
func (s *torrentSession) completePiece(piece int) bool {
	if piece < 0 || piece >= s.piecesTotal || s.pieces.Has(piece) {
		return false
	}
	s.pieces.Set(piece)
	return true
}

// resetPieces clears completion state ahead of a recheck.
func (s *torrentSession) resetPieces() {
	s.pieces = bitfield.New(s.piecesTotal)
	s.completedAt = nil
}

func (s *torrentSession) setPriorities(priorities map[int]domain.FilePriority) error {
	for index, p := range priorities {
		if !p.Valid() {
			return fmt.Errorf("file %d: invalid priority %d", index, p)
		}
		if index < 0 || index >= len(s.files) {
			return fmt.Errorf("file index %d out of range", index)
		}
	}
	for index, p := range priorities {
		s.files[index].Priority = p
	}
	return nil
}

func (s *torrentSession) priorities() map[int]domain.FilePriority {
	out := make(map[int]domain.FilePriority, len(s.files))
	for _, f := range s.files {
		if f.Priority != domain.PriorityNormal {
			out[f.Index] = f.Priority
		}
	}
	return out
}

// pieceRange returns the inclusive piece span covering [offset, offset+length).
func (s *torrentSession) pieceRange(offset, length int64) (first, last int) {
	if length <= 0 || s.pieceSize <= 0 {
		return 0, -1
	}
	first = int(offset / s.pieceSize)
	last = int((offset + length - 1) / s.pieceSize)
	return first, last
}

// wantedComplete reports whether every piece overlapping a non-skipped file is
// done. A piece shared between a skipped and a wanted file still counts as
// wanted. With no metadata nothing is complete.
func (s *torrentSession) wantedComplete() bool {
	if !s.haveMetadata {
		return false
	}
	if len(s.files) == 0 {
		return s.pieces.AllSet(s.piecesTotal)
	}
	for _, f := range s.files {
		if f.Priority == domain.PrioritySkip {
			continue
		}
		first, last := s.pieceRange(f.Offset, f.Length)
		for p := first; p <= last; p++ {
			if !s.pieces.Has(p) {
				return false
			}
		}
	}
	return true
}

// fileBytesCompleted sums the completed-piece overlap with one file.
func (s *torrentSession) fileBytesCompleted(f domain.FileInfo) int64 {
	first, last := s.pieceRange(f.Offset, f.Length)
	fileEnd := f.Offset + f.Length
	var done int64
	for p := first; p <= last; p++ {
		if !s.pieces.Has(p) {
			continue
		}
		pieceStart := int64(p) * s.pieceSize
		pieceEnd := pieceStart + s.pieceSize
		if pieceEnd > s.totalBytes {
			pieceEnd = s.totalBytes
		}
		start, end := pieceStart, pieceEnd
		if start < f.Offset {
			start = f.Offset
		}
		if end > fileEnd {
			end = fileEnd
		}
		if end > start {
			done += end - start
		}
	}
	return done
}

// progress is completed wanted bytes over total wanted bytes in [0, 1].
// Skipped files count toward neither side.
func (s *torrentSession) progress() float64 {
	if !s.haveMetadata {
		return 0
	}
	var wanted, done int64
	if len(s.files) == 0 {
		wanted = s.totalBytes
		done = int64(s.pieces.Count()) * s.pieceSize
		if done > wanted {
			done = wanted
		}
	} else {
		for _, f := range s.files {
			if f.Priority == domain.PrioritySkip {
				continue
			}
			wanted += f.Length
			done += s.fileBytesCompleted(f)
		}
	}
	if wanted == 0 {
		return 1
	}
	return float64(done) / float64(wanted)
}

func (s *torrentSession) fileInfos() []domain.FileInfo {
	out := make([]domain.FileInfo, len(s.files))
	copy(out, s.files)
	for i := range out {
		out[i].BytesCompleted = s.fileBytesCompleted(out[i])
	}
	return out
}

func (s *torrentSession) pieceSummary() domain.PieceSummary {
	return domain.PieceSummary{
		PiecesTotal:     s.piecesTotal,
		PiecesCompleted: s.pieces.Count(),
		PieceSize:       s.pieceSize,
		BitfieldHex:     s.pieces.Hex(),
	}
}

func (s *torrentSession) snapshot(downloadSpeed, uploadSpeed int64) domain.SessionSnapshot {
	snap := domain.SessionSnapshot{
		ID:              s.id,
		Name:            s.name,
		Status:          s.status,
		ErrorMessage:    s.errMsg,
		Progress:        s.progress(),
		PiecesTotal:     s.piecesTotal,
		PiecesCompleted: s.pieces.Count(),
		PieceSize:       s.pieceSize,
		TotalBytes:      s.totalBytes,
		Downloaded:      s.downloaded,
		Uploaded:        s.uploaded,
		DownloadSpeed:   downloadSpeed,
		UploadSpeed:     uploadSpeed,
		Peers:           s.peers,
		StorageRootKey:  s.rootKey,
		ArchiveLocation: s.archiveLoc,
		QueuePosition:   s.queuePos,
		AddedAt:         s.addedAt,
	}
	if s.completedAt != nil {
		t := *s.completedAt
		snap.CompletedAt = &t
	}
	return snap
}

func (s *torrentSession) stateRecord() persist.StateRecord {
	rec := persist.StateRecord{
		Status:         s.status,
		Name:           s.name,
		BitfieldHex:    s.pieces.Hex(),
		PiecesTotal:    s.piecesTotal,
		PieceSize:      s.pieceSize,
		TotalBytes:     s.totalBytes,
		Downloaded:     s.downloaded,
		Uploaded:       s.uploaded,
		Priorities:     s.priorities(),
		StorageRootKey: s.rootKey,
		QueuePosition:  s.queuePos,
		ErrorMessage:   s.errMsg,
		ArchiveLoc:     s.archiveLoc,
	}
	var writeErr *domain.WriteError
	switch {
	case errors.Is(s.lastErr, domain.ErrMissingStorageRoot):
		rec.ErrorKind = errKindMissingRoot
	case errors.As(s.lastErr, &writeErr):
		rec.ErrorKind = errKindWrite
	}
	if s.completedAt != nil {
		t := *s.completedAt
		rec.CompletedAt = &t
	}
	return rec
}

// applyRecord restores durable state. The persisted status is kept verbatim;
// the manager decides afterwards whether to resume networking.
func (s *torrentSession) applyRecord(rec persist.StateRecord) {
	s.status = rec.Status
	s.name = rec.Name
	s.piecesTotal = rec.PiecesTotal
	s.pieceSize = rec.PieceSize
	s.totalBytes = rec.TotalBytes
	s.downloaded = rec.Downloaded
	s.uploaded = rec.Uploaded
	s.rootKey = rec.StorageRootKey
	s.queuePos = rec.QueuePosition
	s.errMsg = rec.ErrorMessage
	s.archiveLoc = rec.ArchiveLoc
	if rec.ErrorMessage != "" {
		// Restore a matchable sentinel where one was recorded; the retry path
		// for parked sessions matches on it after restarts.
		switch rec.ErrorKind {
		case errKindMissingRoot:
			s.lastErr = domain.ErrMissingStorageRoot
		default:
			s.lastErr = fmt.Errorf("%s", rec.ErrorMessage)
		}
	}
	if rec.CompletedAt != nil {
		t := *rec.CompletedAt
		s.completedAt = &t
	}
	if rec.PiecesTotal > 0 {
		bf, err := bitfield.DecodeHex(rec.BitfieldHex, rec.PiecesTotal)
		if err != nil {
			bf = bitfield.New(rec.PiecesTotal)
		}
		s.pieces = bf
	}
	for index, p := range rec.Priorities {
		matched := false
		for i := range s.files {
			if s.files[i].Index == index {
				s.files[i].Priority = p
				matched = true
			}
		}
		if !matched {
			// Metadata not re-applied yet; placeholder entries carry the
			// priority until applyMetadata merges them onto real files.
			s.files = append(s.files, domain.FileInfo{Index: index, Priority: p})
		}
	}
}

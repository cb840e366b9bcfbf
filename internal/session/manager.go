package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/sirupsen/logrus"

	"btcore/internal/domain"
	"btcore/internal/metrics"
	"btcore/internal/persist"
	"btcore/internal/ratelimit"
	"btcore/internal/runloop"
	"btcore/internal/speed"
	"btcore/internal/storageroot"
	"btcore/internal/wire"
)

// Archiver copies a completed download to long-term storage and removes the
// copy again when the torrent's data is deleted. Implementations run on their
// own goroutines; the manager posts results back to the loop.
type Archiver interface {
	Archive(ctx context.Context, id domain.TorrentID, localDir string) (location string, err error)
	Delete(ctx context.Context, id domain.TorrentID) error
}

type Config struct {
	Loop    *runloop.Loop
	Store   persist.Store
	Roots   *storageroot.Registry
	Limiter *ratelimit.Limiter
	Speeds  *speed.Calculator
	Logger  *logrus.Logger

	// Archiver is optional; when set, completed downloads are uploaded and
	// the resulting location recorded on the session.
	Archiver Archiver

	// SnapshotInterval drives the self-ticking stats timer. Zero disables it;
	// the host then calls Tick explicitly.
	SnapshotInterval time.Duration
}

// Manager owns every torrent session. All methods except the wire.Pacer pair
// are loop-confined: they must run on the engine loop, which the Bridge
// arranges. The manager itself never blocks the loop; slow work (transfer,
// archival) happens elsewhere and reports back through posted events.
type Manager struct {
	cfg       Config
	logger    *logrus.Logger
	transport wire.Transport
	now       func() time.Time

	sessions map[domain.TorrentID]*torrentSession
	order    []domain.TorrentID

	downloadBps int64
	uploadBps   int64

	sinks      []func([]domain.SessionSnapshot)
	statsTimer runloop.TimerID

	ctx context.Context
}

func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Speeds == nil {
		cfg.Speeds = speed.NewCalculator()
	}
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.NewLimiter(0, 0)
	}
	return &Manager{
		cfg:      cfg,
		logger:   cfg.Logger,
		now:      time.Now,
		sessions: make(map[domain.TorrentID]*torrentSession),
		ctx:      context.Background(),
	}
}

// SetTransport wires the peer-wire collaborator. Must happen before Start;
// the transport is constructed second because it needs the manager's event
// sink.
func (m *Manager) SetTransport(t wire.Transport) {
	m.transport = t
}

// Start restores persisted sessions and begins the stats timer. Loop-confined.
func (m *Manager) Start() error {
	var limits persist.LimitsRecord
	err := persist.GetJSON(m.ctx, m.cfg.Store, persist.SettingsLimitsKey(), &limits)
	if err != nil && !errors.Is(err, persist.ErrKeyNotFound) {
		return fmt.Errorf("load speed limits: %w", err)
	}
	m.applySpeedLimits(limits.DownloadBps, limits.UploadBps)

	if err := m.restore(); err != nil {
		return err
	}

	m.cfg.Roots.SubscribeAdded(func(root domain.StorageRoot) {
		// Observer fires on the adder's goroutine; hop onto the loop.
		_ = m.cfg.Loop.Post(func() { m.retryMissingRoot(root) })
	})

	if m.cfg.SnapshotInterval > 0 {
		m.statsTimer = m.cfg.Loop.ScheduleTimer(m.cfg.SnapshotInterval, m.cfg.SnapshotInterval, m.Tick)
	}
	return nil
}

// Close stops the stats timer. The transport and loop are closed by the host.
func (m *Manager) Close() {
	if m.statsTimer != 0 {
		m.cfg.Loop.CancelTimer(m.statsTimer)
	}
}

// Add registers a torrent. The source is validated synchronously; root
// resolution failure still creates the session, parked in the error state
// until a root appears. Re-adding an existing torrent is acknowledged, not
// duplicated.
func (m *Manager) Add(src domain.Source, rootKey string) (domain.AddResult, error) {
	parsed, err := wire.ParseSource(src)
	if err != nil {
		return domain.AddResult{}, err
	}
	if _, ok := m.sessions[parsed.ID]; ok {
		return domain.AddResult{ID: parsed.ID, AlreadyExists: true}, nil
	}

	sess := newTorrentSession(parsed.ID, src, rootKey, m.now())
	if parsed.Metadata != nil {
		sess.applyMetadata(*parsed.Metadata)
		_ = sess.setStatus(domain.StatusChecking)
	}
	m.sessions[parsed.ID] = sess
	m.order = append(m.order, parsed.ID)
	sess.queuePos = len(m.order) - 1

	m.startTransfer(sess)

	if err := m.persistIndex(); err != nil {
		m.logger.WithField("torrent", parsed.ID).Errorf("persist index: %v", err)
	}
	if len(src.TorrentBytes) > 0 {
		if err := m.cfg.Store.Put(m.ctx, persist.SessionTorrentFileKey(parsed.ID), src.TorrentBytes); err != nil {
			m.logger.WithField("torrent", parsed.ID).Errorf("persist torrent file: %v", err)
		}
	}
	if sess.haveMetadata {
		m.persistInfoDict(sess)
	}
	m.persistState(sess)
	m.logger.WithField("torrent", parsed.ID).Infof("torrent added: %s", sess.name)
	m.pushSnapshots()
	return domain.AddResult{ID: parsed.ID}, nil
}

// startTransfer resolves the session's storage root and hands the source to
// the transport. Failures park the session in the error state.
func (m *Manager) startTransfer(sess *torrentSession) {
	root, err := m.resolveRoot(sess)
	if err != nil {
		sess.fail(err)
		m.logger.WithField("torrent", sess.id).Warnf("transfer blocked: %v", err)
		return
	}
	sess.resolvedRoot = root
	sess.rootResolved = true
	if err := m.transport.Start(sess.source, root.Location); err != nil {
		sess.fail(err)
		m.logger.WithField("torrent", sess.id).Errorf("start transfer: %v", err)
		return
	}
	if prios := sess.priorities(); len(prios) > 0 {
		if err := m.transport.SetFilePriorities(sess.id, prios); err != nil {
			m.logger.WithField("torrent", sess.id).Warnf("apply priorities: %v", err)
		}
	}
}

// resolveRoot resolves the session's binding against the live registry. A
// specific binding that has disappeared falls back to the default root.
func (m *Manager) resolveRoot(sess *torrentSession) (domain.StorageRoot, error) {
	if sess.rootKey != "" {
		root, err := m.cfg.Roots.Resolve(m.ctx, sess.rootKey)
		if err == nil {
			return root, nil
		}
		if !errors.Is(err, domain.ErrRootNotFound) {
			return domain.StorageRoot{}, err
		}
		m.logger.WithField("torrent", sess.id).
			Warnf("bound storage root %s gone, falling back to default", sess.rootKey)
	}
	return m.cfg.Roots.Default(m.ctx)
}

// retryMissingRoot resumes sessions parked on a missing storage root.
func (m *Manager) retryMissingRoot(root domain.StorageRoot) {
	for _, sess := range m.sessions {
		if sess.status != domain.StatusError || !errors.Is(sess.lastErr, domain.ErrMissingStorageRoot) {
			continue
		}
		m.logger.WithField("torrent", sess.id).
			Infof("storage root %s added, retrying blocked session", root.Key)
		if err := m.Resume(sess.id); err != nil {
			m.logger.WithField("torrent", sess.id).Warnf("retry after root added: %v", err)
		}
	}
}

// Remove drops a torrent. File deletion failures do not abort the removal;
// they come back as warnings on the result.
func (m *Manager) Remove(id domain.TorrentID, deleteFiles bool) (domain.RemoveResult, error) {
	sess, ok := m.sessions[id]
	if !ok {
		return domain.RemoveResult{}, fmt.Errorf("%s: %w", id, domain.ErrNotFound)
	}

	if err := m.transport.Remove(id); err != nil {
		m.logger.WithField("torrent", id).Warnf("transport remove: %v", err)
	}

	var warnings []string
	if deleteFiles && sess.rootResolved && sess.haveMetadata {
		warnings = m.deleteSessionFiles(sess)
	}
	if deleteFiles && sess.archiveLoc != "" && m.cfg.Archiver != nil {
		m.deleteArchive(id)
	}

	delete(m.sessions, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.renumberQueue()

	if err := m.persistIndex(); err != nil {
		m.logger.WithField("torrent", id).Errorf("persist index: %v", err)
	}
	if err := persist.DeleteSession(m.ctx, m.cfg.Store, id); err != nil {
		m.logger.WithField("torrent", id).Errorf("delete persisted session: %v", err)
	}
	m.logger.WithField("torrent", id).Info("torrent removed")
	m.pushSnapshots()
	return domain.RemoveResult{Removed: true, Warnings: warnings}, nil
}

func (m *Manager) deleteSessionFiles(sess *torrentSession) []string {
	var warnings []string
	base := sess.resolvedRoot.Location
	for _, f := range sess.files {
		if f.Path == "" {
			continue
		}
		// Multi-file torrents live under a directory named after the torrent;
		// a single-file torrent's path is the torrent name itself.
		path := filepath.Join(base, sess.name, filepath.FromSlash(f.Path))
		if f.Path == sess.name {
			path = filepath.Join(base, f.Path)
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			warnings = append(warnings, fmt.Sprintf("delete %s: %v", f.Path, err))
		}
	}
	// Best effort on the torrent's directory; fails while non-empty.
	if sess.name != "" {
		_ = os.Remove(filepath.Join(base, sess.name))
	}
	return warnings
}

// Pause stops transfer but keeps the session and its progress.
func (m *Manager) Pause(id domain.TorrentID) error {
	sess, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, domain.ErrNotFound)
	}
	if sess.status == domain.StatusStopped {
		return nil
	}
	if err := m.transport.Stop(id); err != nil {
		m.logger.WithField("torrent", id).Warnf("transport stop: %v", err)
	}
	_ = sess.setStatus(domain.StatusStopped)
	m.persistState(sess)
	m.pushSnapshots()
	return nil
}

// Resume restarts a stopped or errored session, re-resolving the storage
// root: this is the retry path for missing-root failures.
func (m *Manager) Resume(id domain.TorrentID) error {
	sess, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, domain.ErrNotFound)
	}
	if sess.status.Active() {
		return nil
	}
	target := domain.StatusMetadataPending
	if sess.haveMetadata {
		target = domain.StatusChecking
	}
	if err := sess.setStatus(target); err != nil {
		return err
	}
	m.startTransfer(sess)
	m.persistState(sess)
	m.pushSnapshots()
	if sess.status == domain.StatusError {
		return sess.lastErr
	}
	return nil
}

// SetFilePriorities validates and applies per-file priorities. If skipping
// files leaves only completed wanted pieces, the session moves to seeding.
func (m *Manager) SetFilePriorities(id domain.TorrentID, priorities map[int]domain.FilePriority) error {
	sess, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, domain.ErrNotFound)
	}
	if !sess.haveMetadata {
		return fmt.Errorf("%s: metadata not yet available", id)
	}
	if err := sess.setPriorities(priorities); err != nil {
		return err
	}
	if sess.status.Active() {
		if err := m.transport.SetFilePriorities(id, priorities); err != nil {
			m.logger.WithField("torrent", id).Warnf("transport priorities: %v", err)
		}
	}
	m.maybeComplete(sess)
	m.persistState(sess)
	m.pushSnapshots()
	return nil
}

// SetSpeedLimits applies global transfer caps. Zero means unlimited.
func (m *Manager) SetSpeedLimits(downloadBps, uploadBps int64) error {
	m.applySpeedLimits(downloadBps, uploadBps)
	return persist.PutJSON(m.ctx, m.cfg.Store, persist.SettingsLimitsKey(), persist.LimitsRecord{
		DownloadBps: downloadBps,
		UploadBps:   uploadBps,
	})
}

func (m *Manager) applySpeedLimits(downloadBps, uploadBps int64) {
	if downloadBps < 0 {
		downloadBps = 0
	}
	if uploadBps < 0 {
		uploadBps = 0
	}
	m.downloadBps = downloadBps
	m.uploadBps = uploadBps
	m.cfg.Limiter.Download().SetRate(downloadBps)
	m.cfg.Limiter.Upload().SetRate(uploadBps)
	if m.transport != nil {
		m.transport.SetRateLimits(downloadBps, uploadBps)
	}
}

// SpeedLimits returns the configured caps.
func (m *Manager) SpeedLimits() (downloadBps, uploadBps int64) {
	return m.downloadBps, m.uploadBps
}

// SetQueuePosition moves a session within the queue and renumbers the rest.
func (m *Manager) SetQueuePosition(id domain.TorrentID, pos int) error {
	if _, ok := m.sessions[id]; !ok {
		return fmt.Errorf("%s: %w", id, domain.ErrNotFound)
	}
	cur := -1
	for i, oid := range m.order {
		if oid == id {
			cur = i
			break
		}
	}
	if pos < 0 {
		pos = 0
	}
	if pos >= len(m.order) {
		pos = len(m.order) - 1
	}
	if cur == pos {
		return nil
	}
	m.order = append(m.order[:cur], m.order[cur+1:]...)
	m.order = append(m.order[:pos], append([]domain.TorrentID{id}, m.order[pos:]...)...)
	m.renumberQueue()
	for _, sess := range m.sessions {
		m.persistState(sess)
	}
	m.pushSnapshots()
	return nil
}

func (m *Manager) renumberQueue() {
	for i, id := range m.order {
		if sess, ok := m.sessions[id]; ok {
			sess.queuePos = i
		}
	}
}

// Recheck clears completion state and re-verifies pieces against storage.
func (m *Manager) Recheck(id domain.TorrentID) error {
	sess, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, domain.ErrNotFound)
	}
	if !sess.haveMetadata {
		return fmt.Errorf("%s: metadata not yet available", id)
	}
	if !sess.status.Active() {
		if err := m.Resume(id); err != nil {
			return err
		}
	}
	if err := sess.setStatus(domain.StatusChecking); err != nil {
		return err
	}
	sess.resetPieces()
	if err := m.transport.Recheck(id); err != nil {
		return err
	}
	m.persistState(sess)
	m.pushSnapshots()
	return nil
}

// Snapshot returns one session's cross-thread view.
func (m *Manager) Snapshot(id domain.TorrentID) (domain.SessionSnapshot, error) {
	sess, ok := m.sessions[id]
	if !ok {
		return domain.SessionSnapshot{}, fmt.Errorf("%s: %w", id, domain.ErrNotFound)
	}
	return m.snapshotOf(sess), nil
}

// Snapshots returns every session ordered by queue position.
func (m *Manager) Snapshots() []domain.SessionSnapshot {
	out := make([]domain.SessionSnapshot, 0, len(m.sessions))
	for _, id := range m.order {
		if sess, ok := m.sessions[id]; ok {
			out = append(out, m.snapshotOf(sess))
		}
	}
	return out
}

func (m *Manager) snapshotOf(sess *torrentSession) domain.SessionSnapshot {
	var dl, ul int64
	if sess.status.Active() {
		dl = m.cfg.Speeds.AggregateRate(domain.DirectionDownload)
		ul = m.cfg.Speeds.AggregateRate(domain.DirectionUpload)
	}
	return sess.snapshot(dl, ul)
}

func (m *Manager) Files(id domain.TorrentID) ([]domain.FileInfo, error) {
	sess, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, domain.ErrNotFound)
	}
	return sess.fileInfos(), nil
}

func (m *Manager) Peers(id domain.TorrentID) ([]domain.PeerInfo, error) {
	if _, ok := m.sessions[id]; !ok {
		return nil, fmt.Errorf("%s: %w", id, domain.ErrNotFound)
	}
	return m.transport.Peers(id), nil
}

func (m *Manager) Trackers(id domain.TorrentID) ([]domain.TrackerInfo, error) {
	if _, ok := m.sessions[id]; !ok {
		return nil, fmt.Errorf("%s: %w", id, domain.ErrNotFound)
	}
	return m.transport.Trackers(id), nil
}

func (m *Manager) Pieces(id domain.TorrentID) (domain.PieceSummary, error) {
	sess, ok := m.sessions[id]
	if !ok {
		return domain.PieceSummary{}, fmt.Errorf("%s: %w", id, domain.ErrNotFound)
	}
	return sess.pieceSummary(), nil
}

// Speeds returns downsampled transfer history for one direction and category.
func (m *Manager) Speeds(direction domain.Direction, category string, from, to time.Time, maxPoints int) ([]domain.SpeedSample, time.Duration) {
	return m.cfg.Speeds.Samples(direction, category, from, to, maxPoints)
}

// Subscribe registers a snapshot sink invoked on the loop after every state
// change and on every tick. Sinks must not block.
func (m *Manager) Subscribe(fn func([]domain.SessionSnapshot)) {
	m.sinks = append(m.sinks, fn)
}

// Tick refreshes gauges, checkpoints sessions whose byte counters moved since
// their last durable write, and pushes snapshots. Runs from the stats timer,
// or from the host's own cadence when the timer is disabled.
func (m *Manager) Tick() {
	active := 0
	for _, sess := range m.sessions {
		if sess.status.Active() {
			active++
		}
		if sess.countersDirty {
			m.persistState(sess)
		}
	}
	metrics.ActiveSessions.Set(float64(active))
	metrics.DownloadSpeedBytes.Set(float64(m.cfg.Speeds.AggregateRate(domain.DirectionDownload)))
	metrics.UploadSpeedBytes.Set(float64(m.cfg.Speeds.AggregateRate(domain.DirectionUpload)))
	m.pushSnapshots()
}

func (m *Manager) pushSnapshots() {
	if len(m.sinks) == 0 {
		return
	}
	snaps := m.Snapshots()
	for _, fn := range m.sinks {
		fn(snaps)
	}
	metrics.SnapshotPushesTotal.Inc()
}

// AdmitDownload implements wire.Pacer. Safe from any goroutine.
func (m *Manager) AdmitDownload(n int64) int64 {
	return m.cfg.Limiter.Download().Take(n)
}

// AdmitUpload implements wire.Pacer. Safe from any goroutine.
func (m *Manager) AdmitUpload(n int64) int64 {
	return m.cfg.Limiter.Upload().Take(n)
}

// persistState writes the session's durable record. Write failures are fatal
// for the session: a client believing its progress is durable must not be
// lied to.
func (m *Manager) persistState(sess *torrentSession) {
	sess.countersDirty = false
	if err := persist.PutJSON(m.ctx, m.cfg.Store, persist.SessionStateKey(sess.id), sess.stateRecord()); err != nil {
		m.logger.WithField("torrent", sess.id).Errorf("persist state: %v", err)
		sess.fail(&domain.WriteError{Path: persist.SessionStateKey(sess.id), Err: err})
	}
}

func (m *Manager) persistInfoDict(sess *torrentSession) {
	if len(sess.infoBytes) == 0 {
		return
	}
	if err := m.cfg.Store.Put(m.ctx, persist.SessionInfoDictKey(sess.id), sess.infoBytes); err != nil {
		m.logger.WithField("torrent", sess.id).Errorf("persist info dict: %v", err)
	}
}

func (m *Manager) persistIndex() error {
	entries := make([]persist.IndexEntry, 0, len(m.order))
	for _, id := range m.order {
		sess, ok := m.sessions[id]
		if !ok {
			continue
		}
		entry := persist.IndexEntry{InfoHash: id, AddedAt: sess.addedAt}
		if sess.source.MagnetURI != "" {
			entry.Source = "magnet"
			entry.MagnetURI = sess.source.MagnetURI
		} else {
			entry.Source = "file"
		}
		entries = append(entries, entry)
	}
	return persist.SaveIndex(m.ctx, m.cfg.Store, entries)
}

// restore rebuilds sessions from the persisted index. Every session comes
// back suspended first; those that were active resume networking afterwards,
// re-resolving their storage roots.
func (m *Manager) restore() error {
	entries, err := persist.LoadIndex(m.ctx, m.cfg.Store)
	if err != nil {
		return fmt.Errorf("load torrent index: %w", err)
	}

	var resume []domain.TorrentID
	for _, entry := range entries {
		src := domain.Source{MagnetURI: entry.MagnetURI}
		if entry.Source == "file" {
			data, err := m.cfg.Store.Get(m.ctx, persist.SessionTorrentFileKey(entry.InfoHash))
			if err != nil {
				m.logger.WithField("torrent", entry.InfoHash).Errorf("restore torrent file: %v", err)
				continue
			}
			src.TorrentBytes = data
		}

		sess := newTorrentSession(entry.InfoHash, src, "", entry.AddedAt)

		var rec persist.StateRecord
		if err := persist.GetJSON(m.ctx, m.cfg.Store, persist.SessionStateKey(entry.InfoHash), &rec); err != nil {
			m.logger.WithField("torrent", entry.InfoHash).Warnf("restore state: %v", err)
		} else {
			wasActive := rec.Status.Active()
			sess.applyRecord(rec)
			if wasActive {
				sess.status = domain.StatusStopped
				resume = append(resume, entry.InfoHash)
			}
		}

		if infoBytes, err := m.cfg.Store.Get(m.ctx, persist.SessionInfoDictKey(entry.InfoHash)); err == nil {
			var info metainfo.Info
			if err := bencode.Unmarshal(infoBytes, &info); err == nil {
				sess.applyMetadata(wire.MetadataFromInfo(&info, infoBytes))
			} else {
				m.logger.WithField("torrent", entry.InfoHash).Warnf("restore info dict: %v", err)
			}
		}

		m.sessions[entry.InfoHash] = sess
		m.order = append(m.order, entry.InfoHash)
	}

	sort.SliceStable(m.order, func(i, j int) bool {
		return m.sessions[m.order[i]].queuePos < m.sessions[m.order[j]].queuePos
	})
	m.renumberQueue()

	for _, id := range resume {
		if err := m.Resume(id); err != nil {
			m.logger.WithField("torrent", id).Warnf("resume after restart: %v", err)
		}
	}
	if len(entries) > 0 {
		m.logger.Infof("restored %d sessions, %d resumed", len(entries), len(resume))
	}
	return nil
}

// maybeComplete moves a session to seeding once all wanted pieces are done.
func (m *Manager) maybeComplete(sess *torrentSession) {
	if sess.completedAt != nil || !sess.wantedComplete() {
		return
	}
	if sess.status != domain.StatusDownloading && sess.status != domain.StatusChecking {
		return
	}
	if err := sess.setStatus(domain.StatusSeeding); err != nil {
		return
	}
	done := m.now()
	sess.completedAt = &done
	m.logger.WithField("torrent", sess.id).Infof("download completed: %s", sess.name)
	m.startArchive(sess)
}

// deleteArchive drops the archived copy off-loop. The session is already gone
// by the time this runs, so a failure can only be logged, not warned about on
// the remove result.
func (m *Manager) deleteArchive(id domain.TorrentID) {
	go func() {
		if err := m.cfg.Archiver.Delete(context.Background(), id); err != nil {
			m.logger.WithField("torrent", id).Warnf("delete archived copy: %v", err)
		}
	}()
}

// startArchive uploads the finished download off-loop. Archival failure never
// fails the session; it is retried on the next completion.
func (m *Manager) startArchive(sess *torrentSession) {
	if m.cfg.Archiver == nil || sess.archiveLoc != "" || !sess.rootResolved {
		return
	}
	id := sess.id
	dir := filepath.Join(sess.resolvedRoot.Location, sess.name)
	go func() {
		location, err := m.cfg.Archiver.Archive(context.Background(), id, dir)
		_ = m.cfg.Loop.Post(func() {
			sess, ok := m.sessions[id]
			if !ok {
				return
			}
			if err != nil {
				m.logger.WithField("torrent", id).Warnf("archive failed: %v", err)
				return
			}
			sess.archiveLoc = location
			m.persistState(sess)
			m.pushSnapshots()
			m.logger.WithField("torrent", id).Infof("archived to %s", location)
		})
	}()
}

package session

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"

	"btcore/internal/domain"
	"btcore/internal/persist"
	"btcore/internal/ratelimit"
	"btcore/internal/repository/sqlite"
	"btcore/internal/runloop"
	"btcore/internal/speed"
	"btcore/internal/storageroot"
	"btcore/internal/wire"
)

// fakeTransport records calls and lets tests drive the event sink by hand.
type fakeTransport struct {
	mu         sync.Mutex
	started    map[domain.TorrentID]string
	stopped    []domain.TorrentID
	removed    []domain.TorrentID
	rechecked  []domain.TorrentID
	priorities map[domain.TorrentID]map[int]domain.FilePriority
	rateDown   int64
	rateUp     int64
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		started:    make(map[domain.TorrentID]string),
		priorities: make(map[domain.TorrentID]map[int]domain.FilePriority),
	}
}

func (f *fakeTransport) Start(src domain.Source, dataDir string) error {
	parsed, err := wire.ParseSource(src)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started[parsed.ID] = dataDir
	return nil
}

func (f *fakeTransport) Stop(id domain.TorrentID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.started, id)
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeTransport) Remove(id domain.TorrentID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.started, id)
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeTransport) Recheck(id domain.TorrentID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rechecked = append(f.rechecked, id)
	return nil
}

func (f *fakeTransport) SetFilePriorities(id domain.TorrentID, priorities map[int]domain.FilePriority) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.priorities[id] == nil {
		f.priorities[id] = make(map[int]domain.FilePriority)
	}
	for i, p := range priorities {
		f.priorities[id][i] = p
	}
	return nil
}

func (f *fakeTransport) SetRateLimits(downloadBps, uploadBps int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rateDown, f.rateUp = downloadBps, uploadBps
}

func (f *fakeTransport) Peers(domain.TorrentID) []domain.PeerInfo       { return nil }
func (f *fakeTransport) Trackers(domain.TorrentID) []domain.TrackerInfo { return nil }
func (f *fakeTransport) Close() error                                   { return nil }

func (f *fakeTransport) startedDir(id domain.TorrentID) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dir, ok := f.started[id]
	return dir, ok
}

// fakeArchiver records archive and delete calls.
type fakeArchiver struct {
	mu       sync.Mutex
	archived []domain.TorrentID
	deleted  []domain.TorrentID
	location string
}

func (f *fakeArchiver) Archive(_ context.Context, id domain.TorrentID, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archived = append(f.archived, id)
	return f.location, nil
}

func (f *fakeArchiver) Delete(_ context.Context, id domain.TorrentID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeArchiver) deletedIDs() []domain.TorrentID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.TorrentID{}, f.deleted...)
}

type harness struct {
	loop      *runloop.Loop
	store     persist.Store
	roots     *storageroot.Registry
	transport *fakeTransport
	manager   *Manager
	bridge    *Bridge
	events    wire.Events
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := sqlite.Open(t.TempDir() + "/engine.db")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	roots := storageroot.NewRegistry(db)
	if err := roots.Init(context.Background()); err != nil {
		t.Fatalf("init roots: %v", err)
	}
	return newHarnessWith(t, persist.NewMemoryStore(), roots)
}

func newHarnessWith(t *testing.T, store persist.Store, roots *storageroot.Registry) *harness {
	return newHarnessFull(t, store, roots, nil)
}

func newHarnessFull(t *testing.T, store persist.Store, roots *storageroot.Registry, archiver Archiver) *harness {
	t.Helper()
	loop := runloop.New(runloop.Config{})
	loop.Start()
	t.Cleanup(loop.Stop)

	m := NewManager(Config{
		Loop:     loop,
		Store:    store,
		Roots:    roots,
		Limiter:  ratelimit.NewLimiter(0, 0),
		Speeds:   speed.NewCalculator(),
		Archiver: archiver,
	})
	transport := newFakeTransport()
	m.SetTransport(transport)

	var startErr error
	if err := loop.PostAndWait(func() { startErr = m.Start() }); err != nil {
		t.Fatalf("post start: %v", err)
	}
	if startErr != nil {
		t.Fatalf("manager start: %v", startErr)
	}
	t.Cleanup(func() { _ = loop.PostAndWait(m.Close) })

	return &harness{
		loop:      loop,
		store:     store,
		roots:     roots,
		transport: transport,
		manager:   m,
		bridge:    NewBridge(loop, m),
		events:    m.Events(),
	}
}

func (h *harness) addRoot(t *testing.T, key, location string) {
	t.Helper()
	if _, err := h.roots.Add(context.Background(), key, "", location); err != nil {
		t.Fatalf("add root: %v", err)
	}
}

// sync drains every job posted so far, including ones the events sink posted.
func (h *harness) sync(t *testing.T) {
	t.Helper()
	if err := h.loop.PostAndWait(func() {}); err != nil {
		t.Fatalf("sync: %v", err)
	}
}

func (h *harness) session(t *testing.T, id domain.TorrentID) domain.SessionSnapshot {
	t.Helper()
	snap, err := h.bridge.Session(id)
	if err != nil {
		t.Fatalf("session %s: %v", id, err)
	}
	return snap
}

// makeTorrent builds .torrent bytes with the given file lengths, one piece
// per pieceLen bytes.
func makeTorrent(t *testing.T, name string, pieceLen int64, fileLens ...int64) []byte {
	t.Helper()
	var total int64
	files := make([]metainfo.FileInfo, len(fileLens))
	for i, n := range fileLens {
		files[i] = metainfo.FileInfo{Length: n, Path: []string{"file" + string(rune('a'+i))}}
		total += n
	}
	numPieces := (total + pieceLen - 1) / pieceLen
	info := metainfo.Info{
		Name:        name,
		PieceLength: pieceLen,
		Pieces:      make([]byte, numPieces*20),
		Files:       files,
	}
	infoBytes, err := bencode.Marshal(info)
	if err != nil {
		t.Fatalf("marshal info: %v", err)
	}
	var buf bytes.Buffer
	mi := metainfo.MetaInfo{InfoBytes: infoBytes}
	if err := mi.Write(&buf); err != nil {
		t.Fatalf("write metainfo: %v", err)
	}
	return buf.Bytes()
}

const magnetA = "magnet:?xt=urn:btih:c12fe1c06bba254a9dc9f519b335aa7c1367a88a&dn=a"

func TestAddMagnetLifecycle(t *testing.T) {
	h := newHarness(t)
	h.addRoot(t, "main", t.TempDir())

	result, err := h.bridge.AddTorrent(domain.Source{MagnetURI: magnetA}, "")
	if err != nil {
		t.Fatalf("AddTorrent: %v", err)
	}
	if result.AlreadyExists {
		t.Fatal("fresh add reported AlreadyExists")
	}
	id := result.ID

	if _, ok := h.transport.startedDir(id); !ok {
		t.Fatal("transport not started")
	}
	if got := h.session(t, id).Status; got != domain.StatusMetadataPending {
		t.Fatalf("status after add = %s", got)
	}

	md := wire.Metadata{Name: "a", PieceSize: 1024, NumPieces: 4, TotalBytes: 4096}
	h.events.MetadataReceived(id, md)
	h.sync(t)
	if got := h.session(t, id).Status; got != domain.StatusChecking {
		t.Fatalf("status after metadata = %s", got)
	}

	h.events.CheckingDone(id)
	h.sync(t)
	if got := h.session(t, id).Status; got != domain.StatusDownloading {
		t.Fatalf("status after checking = %s", got)
	}

	for i := 0; i < 4; i++ {
		h.events.PieceCompleted(id, i)
	}
	h.sync(t)
	snap := h.session(t, id)
	if snap.Status != domain.StatusSeeding {
		t.Errorf("status after all pieces = %s", snap.Status)
	}
	if snap.Progress != 1 || snap.PiecesCompleted != 4 {
		t.Errorf("progress = %v, pieces = %d", snap.Progress, snap.PiecesCompleted)
	}
	if snap.CompletedAt == nil {
		t.Error("completedAt not set")
	}

	var rec persist.StateRecord
	if err := persist.GetJSON(context.Background(), h.store, persist.SessionStateKey(id), &rec); err != nil {
		t.Fatalf("load state record: %v", err)
	}
	if rec.Status != domain.StatusSeeding || rec.BitfieldHex != "f0" {
		t.Errorf("persisted record = %+v", rec)
	}
}

func TestAddDuplicate(t *testing.T) {
	h := newHarness(t)
	h.addRoot(t, "main", t.TempDir())

	first, err := h.bridge.AddTorrent(domain.Source{MagnetURI: magnetA}, "")
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.bridge.AddTorrent(domain.Source{MagnetURI: magnetA}, "")
	if err != nil {
		t.Fatalf("re-add: %v", err)
	}
	if !second.AlreadyExists || second.ID != first.ID {
		t.Errorf("re-add = %+v", second)
	}
	if sessions, _ := h.bridge.Sessions(); len(sessions) != 1 {
		t.Errorf("sessions = %d, want 1", len(sessions))
	}
}

func TestAddMalformedSource(t *testing.T) {
	h := newHarness(t)
	h.addRoot(t, "main", t.TempDir())

	if _, err := h.bridge.AddTorrent(domain.Source{MagnetURI: "magnet:?xt=urn:btih:nope"}, ""); !errors.Is(err, domain.ErrMalformedMetadata) {
		t.Errorf("bad magnet = %v, want ErrMalformedMetadata", err)
	}
	if sessions, _ := h.bridge.Sessions(); len(sessions) != 0 {
		t.Error("malformed source must not create a session")
	}
}

func TestMissingRootParksAndRetries(t *testing.T) {
	h := newHarness(t)

	result, err := h.bridge.AddTorrent(domain.Source{MagnetURI: magnetA}, "")
	if err != nil {
		t.Fatalf("AddTorrent: %v", err)
	}
	snap := h.session(t, result.ID)
	if snap.Status != domain.StatusError {
		t.Fatalf("status without roots = %s, want error", snap.Status)
	}
	if _, ok := h.transport.startedDir(result.ID); ok {
		t.Fatal("transport must not start without a root")
	}

	// Adding a root fires the observer, which retries the parked session.
	loc := t.TempDir()
	h.addRoot(t, "late", loc)
	h.sync(t)

	snap = h.session(t, result.ID)
	if snap.Status != domain.StatusMetadataPending {
		t.Fatalf("status after root added = %s", snap.Status)
	}
	if dir, _ := h.transport.startedDir(result.ID); dir != loc {
		t.Errorf("transport dir = %s, want %s", dir, loc)
	}
}

func TestTorrentFileAddStartsChecking(t *testing.T) {
	h := newHarness(t)
	h.addRoot(t, "main", t.TempDir())

	data := makeTorrent(t, "pack", 1024, 1024, 1024)
	result, err := h.bridge.AddTorrent(domain.Source{TorrentBytes: data}, "")
	if err != nil {
		t.Fatalf("AddTorrent: %v", err)
	}
	snap := h.session(t, result.ID)
	if snap.Status != domain.StatusChecking {
		t.Errorf("status = %s, want checking (metadata was in the source)", snap.Status)
	}
	if snap.PiecesTotal != 2 || snap.TotalBytes != 2048 {
		t.Errorf("snapshot = %+v", snap)
	}

	files, err := h.bridge.Files(result.ID)
	if err != nil || len(files) != 2 {
		t.Fatalf("files = %v, %v", files, err)
	}
	if files[1].Offset != 1024 {
		t.Errorf("file offsets = %+v", files)
	}
}

func TestPauseResumeKeepsProgress(t *testing.T) {
	h := newHarness(t)
	h.addRoot(t, "main", t.TempDir())

	result, _ := h.bridge.AddTorrent(domain.Source{TorrentBytes: makeTorrent(t, "p", 512, 2048)}, "")
	id := result.ID
	h.events.CheckingDone(id)
	h.events.PieceCompleted(id, 0)
	h.events.PieceCompleted(id, 2)
	h.sync(t)

	if err := h.bridge.Pause(id); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	snap := h.session(t, id)
	if snap.Status != domain.StatusStopped || snap.PiecesCompleted != 2 {
		t.Fatalf("after pause = %+v", snap)
	}
	if _, ok := h.transport.startedDir(id); ok {
		t.Error("transport still running after pause")
	}

	if err := h.bridge.Resume(id); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	snap = h.session(t, id)
	if snap.Status != domain.StatusChecking {
		t.Errorf("after resume = %s", snap.Status)
	}
	if snap.PiecesCompleted != 2 {
		t.Errorf("resume lost progress: %d pieces", snap.PiecesCompleted)
	}

	// Completion is monotonic: re-reporting a piece changes nothing.
	h.events.PieceCompleted(id, 0)
	h.sync(t)
	if got := h.session(t, id).PiecesCompleted; got != 2 {
		t.Errorf("pieces after duplicate completion = %d", got)
	}
}

func TestRestoreAcrossRestart(t *testing.T) {
	db, err := sqlite.Open(t.TempDir() + "/engine.db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	roots := storageroot.NewRegistry(db)
	if err := roots.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	store := persist.NewMemoryStore()

	h1 := newHarnessWith(t, store, roots)
	h1.addRoot(t, "main", t.TempDir())

	active, _ := h1.bridge.AddTorrent(domain.Source{TorrentBytes: makeTorrent(t, "act", 512, 1024)}, "")
	paused, _ := h1.bridge.AddTorrent(domain.Source{MagnetURI: magnetA}, "")
	h1.events.CheckingDone(active.ID)
	h1.events.PieceCompleted(active.ID, 0)
	h1.sync(t)
	if err := h1.bridge.Pause(paused.ID); err != nil {
		t.Fatal(err)
	}

	// Second engine over the same store: the index is the commit point.
	h2 := newHarnessWith(t, store, roots)

	snapActive := h2.session(t, active.ID)
	if !snapActive.Status.Active() {
		t.Errorf("previously active session restored as %s", snapActive.Status)
	}
	if snapActive.PiecesCompleted != 1 || snapActive.PiecesTotal != 2 {
		t.Errorf("restored pieces = %d/%d", snapActive.PiecesCompleted, snapActive.PiecesTotal)
	}
	if snapActive.Name != "act" {
		t.Errorf("restored name = %q", snapActive.Name)
	}
	if _, ok := h2.transport.startedDir(active.ID); !ok {
		t.Error("active session did not resume networking after restart")
	}

	snapPaused := h2.session(t, paused.ID)
	if snapPaused.Status != domain.StatusStopped {
		t.Errorf("paused session restored as %s", snapPaused.Status)
	}
	if _, ok := h2.transport.startedDir(paused.ID); ok {
		t.Error("paused session must stay suspended after restart")
	}
}

func TestRemoveDeletesFilesWithWarnings(t *testing.T) {
	h := newHarness(t)
	loc := t.TempDir()
	h.addRoot(t, "main", loc)

	result, _ := h.bridge.AddTorrent(domain.Source{TorrentBytes: makeTorrent(t, "rm", 512, 512, 512)}, "")
	files, err := h.bridge.Files(result.ID)
	if err != nil {
		t.Fatal(err)
	}

	// First file exists and is deletable; second is a non-empty directory so
	// its removal fails and must surface as a warning, not an error.
	okPath := filepath.Join(loc, "rm", filepath.FromSlash(files[0].Path))
	if err := os.MkdirAll(filepath.Dir(okPath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(okPath, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}
	badPath := filepath.Join(loc, "rm", filepath.FromSlash(files[1].Path))
	if err := os.MkdirAll(filepath.Join(badPath, "child"), 0o755); err != nil {
		t.Fatal(err)
	}

	removed, err := h.bridge.RemoveTorrent(result.ID, true)
	if err != nil {
		t.Fatalf("RemoveTorrent: %v", err)
	}
	if !removed.Removed {
		t.Error("Removed = false")
	}
	if len(removed.Warnings) != 1 {
		t.Errorf("warnings = %v, want exactly one", removed.Warnings)
	}
	if _, err := os.Stat(okPath); !os.IsNotExist(err) {
		t.Error("deletable file survived removal")
	}

	if _, err := h.bridge.Session(result.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("session after remove = %v, want ErrNotFound", err)
	}
	keys, _ := h.store.Keys(context.Background(), "session:"+string(result.ID)+":")
	if len(keys) != 0 {
		t.Errorf("persisted keys survived remove: %v", keys)
	}
}

func TestSkipPrioritiesCompleteSession(t *testing.T) {
	h := newHarness(t)
	h.addRoot(t, "main", t.TempDir())

	// Two files, one piece each.
	result, _ := h.bridge.AddTorrent(domain.Source{TorrentBytes: makeTorrent(t, "sk", 512, 512, 512)}, "")
	id := result.ID
	h.events.CheckingDone(id)
	h.events.PieceCompleted(id, 0)
	h.sync(t)

	if got := h.session(t, id).Status; got != domain.StatusDownloading {
		t.Fatalf("status = %s", got)
	}

	// Skipping the unfinished file leaves only completed wanted pieces.
	if err := h.bridge.SetFilePriorities(id, map[int]domain.FilePriority{1: domain.PrioritySkip}); err != nil {
		t.Fatalf("SetFilePriorities: %v", err)
	}
	snap := h.session(t, id)
	if snap.Status != domain.StatusSeeding {
		t.Errorf("status after skip = %s, want seeding", snap.Status)
	}
	if snap.Progress != 1 {
		t.Errorf("progress = %v", snap.Progress)
	}

	if err := h.bridge.SetFilePriorities(id, map[int]domain.FilePriority{0: 7}); err == nil {
		t.Error("invalid priority accepted")
	}
	if err := h.bridge.SetFilePriorities(id, map[int]domain.FilePriority{9: domain.PriorityHigh}); err == nil {
		t.Error("out-of-range index accepted")
	}
}

func TestSpeedLimits(t *testing.T) {
	h := newHarness(t)
	h.addRoot(t, "main", t.TempDir())

	if err := h.bridge.SetSpeedLimits(1000, 500); err != nil {
		t.Fatalf("SetSpeedLimits: %v", err)
	}
	down, up, err := h.bridge.SpeedLimits()
	if err != nil || down != 1000 || up != 500 {
		t.Errorf("limits = %d/%d, %v", down, up, err)
	}
	h.transport.mu.Lock()
	mirroredDown, mirroredUp := h.transport.rateDown, h.transport.rateUp
	h.transport.mu.Unlock()
	if mirroredDown != 1000 || mirroredUp != 500 {
		t.Errorf("transport limits = %d/%d", mirroredDown, mirroredUp)
	}

	// The pacer grants at most the burst allowance and never blocks.
	granted := h.manager.AdmitDownload(10000)
	if granted <= 0 || granted > 2000 {
		t.Errorf("AdmitDownload grant = %d, want within burst", granted)
	}

	var rec persist.LimitsRecord
	if err := persist.GetJSON(context.Background(), h.store, persist.SettingsLimitsKey(), &rec); err != nil {
		t.Fatalf("load limits: %v", err)
	}
	if rec.DownloadBps != 1000 || rec.UploadBps != 500 {
		t.Errorf("persisted limits = %+v", rec)
	}
}

func TestQueuePositions(t *testing.T) {
	h := newHarness(t)
	h.addRoot(t, "main", t.TempDir())

	a, _ := h.bridge.AddTorrent(domain.Source{TorrentBytes: makeTorrent(t, "qa", 512, 512)}, "")
	b, _ := h.bridge.AddTorrent(domain.Source{TorrentBytes: makeTorrent(t, "qb", 512, 512)}, "")
	c, _ := h.bridge.AddTorrent(domain.Source{TorrentBytes: makeTorrent(t, "qc", 512, 512)}, "")

	if err := h.bridge.SetQueuePosition(c.ID, 0); err != nil {
		t.Fatalf("SetQueuePosition: %v", err)
	}
	sessions, err := h.bridge.Sessions()
	if err != nil {
		t.Fatal(err)
	}
	got := []domain.TorrentID{sessions[0].ID, sessions[1].ID, sessions[2].ID}
	want := []domain.TorrentID{c.ID, a.ID, b.ID}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
	for i, snap := range sessions {
		if snap.QueuePosition != i {
			t.Errorf("position %d = %d", i, snap.QueuePosition)
		}
	}
}

func TestRecheckClearsPieces(t *testing.T) {
	h := newHarness(t)
	h.addRoot(t, "main", t.TempDir())

	result, _ := h.bridge.AddTorrent(domain.Source{TorrentBytes: makeTorrent(t, "rc", 512, 1024)}, "")
	id := result.ID
	h.events.CheckingDone(id)
	h.events.PieceCompleted(id, 0)
	h.events.PieceCompleted(id, 1)
	h.sync(t)
	if got := h.session(t, id).Status; got != domain.StatusSeeding {
		t.Fatalf("status = %s", got)
	}

	if err := h.bridge.Recheck(id); err != nil {
		t.Fatalf("Recheck: %v", err)
	}
	snap := h.session(t, id)
	if snap.Status != domain.StatusChecking || snap.PiecesCompleted != 0 {
		t.Fatalf("after recheck = %+v", snap)
	}

	// The transport re-reports surviving pieces; only one survives this time.
	h.events.PieceCompleted(id, 1)
	h.events.CheckingDone(id)
	h.sync(t)
	snap = h.session(t, id)
	if snap.Status != domain.StatusDownloading || snap.PiecesCompleted != 1 {
		t.Errorf("after re-verify = %+v", snap)
	}
}

func TestTransferFailureIsolatesSession(t *testing.T) {
	h := newHarness(t)
	h.addRoot(t, "main", t.TempDir())

	bad, _ := h.bridge.AddTorrent(domain.Source{TorrentBytes: makeTorrent(t, "bad", 512, 512)}, "")
	good, _ := h.bridge.AddTorrent(domain.Source{TorrentBytes: makeTorrent(t, "good", 512, 512)}, "")

	h.events.TransferFailed(bad.ID, &domain.WriteError{Path: "/x", Err: errors.New("disk full")})
	h.sync(t)

	if snap := h.session(t, bad.ID); snap.Status != domain.StatusError || snap.ErrorMessage == "" {
		t.Errorf("failed session = %+v", snap)
	}
	if snap := h.session(t, good.ID); snap.Status == domain.StatusError {
		t.Error("unrelated session infected by failure")
	}

	// Resume retries the failed operation.
	if err := h.bridge.Resume(bad.ID); err != nil {
		t.Fatalf("Resume after error: %v", err)
	}
	if snap := h.session(t, bad.ID); snap.Status != domain.StatusChecking {
		t.Errorf("status after resume = %s", snap.Status)
	}
}

func TestSnapshotPushOnChange(t *testing.T) {
	h := newHarness(t)
	h.addRoot(t, "main", t.TempDir())

	var (
		mu     sync.Mutex
		pushes [][]domain.SessionSnapshot
	)
	if err := h.bridge.Subscribe(func(snaps []domain.SessionSnapshot) {
		mu.Lock()
		pushes = append(pushes, snaps)
		mu.Unlock()
	}); err != nil {
		t.Fatal(err)
	}

	result, _ := h.bridge.AddTorrent(domain.Source{MagnetURI: magnetA}, "")
	h.events.MetadataReceived(result.ID, wire.Metadata{Name: "a", PieceSize: 512, NumPieces: 1, TotalBytes: 512})
	h.sync(t)

	mu.Lock()
	defer mu.Unlock()
	if len(pushes) < 2 {
		t.Fatalf("pushes = %d, want at least add + metadata", len(pushes))
	}
	last := pushes[len(pushes)-1]
	if len(last) != 1 || last[0].Name != "a" {
		t.Errorf("last push = %+v", last)
	}
}

func TestTickCheckpointsCounters(t *testing.T) {
	h := newHarness(t)
	h.addRoot(t, "main", t.TempDir())

	result, _ := h.bridge.AddTorrent(domain.Source{TorrentBytes: makeTorrent(t, "ck", 512, 512)}, "")
	id := result.ID
	h.events.CheckingDone(id)
	h.events.PieceCompleted(id, 0)
	h.sync(t)

	// Upload traffic while seeding produces no piece events, so nothing has
	// persisted the counter yet.
	h.events.Transferred(id, domain.DirectionUpload, wire.CategoryPeerProtocol, 4096)
	h.sync(t)
	var rec persist.StateRecord
	if err := persist.GetJSON(context.Background(), h.store, persist.SessionStateKey(id), &rec); err != nil {
		t.Fatalf("load state record: %v", err)
	}
	if rec.Uploaded != 0 {
		t.Fatalf("uploaded persisted before any tick: %d", rec.Uploaded)
	}

	if err := h.bridge.Tick(); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	h.sync(t)
	if err := persist.GetJSON(context.Background(), h.store, persist.SessionStateKey(id), &rec); err != nil {
		t.Fatalf("reload state record: %v", err)
	}
	if rec.Uploaded != 4096 {
		t.Errorf("uploaded after tick = %d, want 4096", rec.Uploaded)
	}
}

func TestRemoveDeletesArchivedCopy(t *testing.T) {
	db, err := sqlite.Open(t.TempDir() + "/engine.db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	roots := storageroot.NewRegistry(db)
	if err := roots.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	arc := &fakeArchiver{location: "s3://backup/torrent-arc"}
	h := newHarnessFull(t, persist.NewMemoryStore(), roots, arc)
	h.addRoot(t, "main", t.TempDir())

	result, _ := h.bridge.AddTorrent(domain.Source{TorrentBytes: makeTorrent(t, "arc", 512, 512)}, "")
	id := result.ID
	h.events.CheckingDone(id)
	h.events.PieceCompleted(id, 0)
	h.sync(t)

	// Archival runs off-loop and posts the location back.
	deadline := time.Now().Add(2 * time.Second)
	for h.session(t, id).ArchiveLocation == "" {
		if time.Now().After(deadline) {
			t.Fatal("archive location never recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}

	removed, err := h.bridge.RemoveTorrent(id, true)
	if err != nil || !removed.Removed {
		t.Fatalf("RemoveTorrent: %+v, %v", removed, err)
	}
	deadline = time.Now().Add(2 * time.Second)
	for {
		deleted := arc.deletedIDs()
		if len(deleted) == 1 && deleted[0] == id {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("archived copy not deleted, calls = %v", deleted)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestParkedSessionRetriesAfterRestart(t *testing.T) {
	db, err := sqlite.Open(t.TempDir() + "/engine.db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	roots := storageroot.NewRegistry(db)
	if err := roots.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	store := persist.NewMemoryStore()

	h1 := newHarnessWith(t, store, roots)
	result, err := h1.bridge.AddTorrent(domain.Source{MagnetURI: magnetA}, "")
	if err != nil {
		t.Fatal(err)
	}
	if got := h1.session(t, result.ID).Status; got != domain.StatusError {
		t.Fatalf("status without roots = %s", got)
	}

	// A new engine over the same store must still recognize the parked
	// session when a root finally shows up.
	h2 := newHarnessWith(t, store, roots)
	if got := h2.session(t, result.ID).Status; got != domain.StatusError {
		t.Fatalf("restored status = %s, want error", got)
	}

	loc := t.TempDir()
	h2.addRoot(t, "late", loc)
	h2.sync(t)

	snap := h2.session(t, result.ID)
	if snap.Status != domain.StatusMetadataPending {
		t.Fatalf("status after root added = %s, want retry to resume", snap.Status)
	}
	if _, ok := h2.transport.startedDir(result.ID); !ok {
		t.Error("transport not started after root added")
	}
}

func TestBridgeRefusesLoopReentry(t *testing.T) {
	h := newHarness(t)

	errCh := make(chan error, 1)
	if err := h.bridge.Post(func(*Manager) {
		_, err := h.bridge.Sessions()
		errCh <- err
	}); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-errCh:
		if !errors.Is(err, domain.ErrOnLoop) {
			t.Errorf("on-loop await = %v, want ErrOnLoop", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("bridge deadlocked on loop reentry")
	}
}

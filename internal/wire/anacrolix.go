package wire

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/anacrolix/torrent/storage"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"btcore/internal/domain"
)

// AnacrolixConfig tunes the anacrolix-backed transport.
type AnacrolixConfig struct {
	ListenPort   int
	Seed         bool
	TrackerList  []string
	PollInterval time.Duration
	Logger       *logrus.Logger
}

// AnacrolixTransport drives torrents through an embedded anacrolix client.
// Each started torrent gets a monitor goroutine that polls transfer state and
// feeds the Events sink; the engine decides what those events mean.
type AnacrolixTransport struct {
	cfg    AnacrolixConfig
	client *torrent.Client
	events Events

	// The client consults these limiters on every transfer; SetRateLimits
	// adjusts them in place.
	download *rate.Limiter
	upload   *rate.Limiter

	mu       sync.Mutex
	torrents map[domain.TorrentID]*torrentHandle

	wg sync.WaitGroup
}

type torrentHandle struct {
	t      *torrent.Torrent
	cancel context.CancelFunc

	// priorities arriving before the info dict is known are applied by the
	// monitor once files exist.
	priorities map[int]domain.FilePriority
}

const unlimitedBurst = 1 << 30

func NewAnacrolixTransport(cfg AnacrolixConfig, events Events) (*AnacrolixTransport, error) {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if len(cfg.TrackerList) == 0 {
		cfg.TrackerList = defaultTrackers()
	}

	download := rate.NewLimiter(rate.Inf, unlimitedBurst)
	upload := rate.NewLimiter(rate.Inf, unlimitedBurst)

	clientConfig := torrent.NewDefaultClientConfig()
	clientConfig.Seed = cfg.Seed
	clientConfig.NoUpload = false
	clientConfig.DownloadRateLimiter = download
	clientConfig.UploadRateLimiter = upload
	if cfg.ListenPort != 0 {
		clientConfig.ListenPort = cfg.ListenPort
	}

	client, err := torrent.NewClient(clientConfig)
	if err != nil {
		return nil, fmt.Errorf("create torrent client: %w", err)
	}

	cfg.Logger.Infof("torrent transport started, listen port: %d", cfg.ListenPort)
	return &AnacrolixTransport{
		cfg:      cfg,
		client:   client,
		events:   events,
		download: download,
		upload:   upload,
		torrents: make(map[domain.TorrentID]*torrentHandle),
	}, nil
}

func (a *AnacrolixTransport) Start(src domain.Source, dataDir string) error {
	var (
		spec *torrent.TorrentSpec
		err  error
	)
	switch {
	case src.MagnetURI != "":
		spec, err = torrent.TorrentSpecFromMagnetUri(src.MagnetURI)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrMalformedMetadata, err)
		}
	case len(src.TorrentBytes) > 0:
		mi, loadErr := metainfo.Load(bytes.NewReader(src.TorrentBytes))
		if loadErr != nil {
			return fmt.Errorf("%w: %v", domain.ErrMalformedMetadata, loadErr)
		}
		if _, infoErr := mi.UnmarshalInfo(); infoErr != nil {
			return fmt.Errorf("%w: %v", domain.ErrMalformedMetadata, infoErr)
		}
		spec = torrent.TorrentSpecFromMetaInfo(mi)
	default:
		return fmt.Errorf("%w: empty source", domain.ErrMalformedMetadata)
	}
	spec.Storage = storage.NewFile(dataDir)

	id := domain.TorrentID(spec.InfoHash.HexString())
	a.mu.Lock()
	if _, ok := a.torrents[id]; ok {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	t, _, err := a.client.AddTorrentSpec(spec)
	if err != nil {
		return fmt.Errorf("add torrent %s: %w", id, err)
	}
	for _, tracker := range a.cfg.TrackerList {
		t.AddTrackers([][]string{{tracker}})
	}

	ctx, cancel := context.WithCancel(context.Background())
	handle := &torrentHandle{t: t, cancel: cancel}
	a.mu.Lock()
	a.torrents[id] = handle
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.monitor(ctx, id, handle)
	}()
	return nil
}

func (a *AnacrolixTransport) Stop(id domain.TorrentID) error {
	a.mu.Lock()
	handle, ok := a.torrents[id]
	if ok {
		delete(a.torrents, id)
	}
	a.mu.Unlock()
	if !ok {
		return nil
	}
	handle.cancel()
	handle.t.Drop()
	return nil
}

// Remove is Stop for this transport; file deletion is the caller's concern.
func (a *AnacrolixTransport) Remove(id domain.TorrentID) error {
	return a.Stop(id)
}

func (a *AnacrolixTransport) Recheck(id domain.TorrentID) error {
	a.mu.Lock()
	handle, ok := a.torrents[id]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("recheck %s: %w", id, domain.ErrNotFound)
	}
	if handle.t.Info() == nil {
		return fmt.Errorf("recheck %s: metadata not ready", id)
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		handle.t.VerifyData()
		a.events.CheckingDone(id)
	}()
	return nil
}

func (a *AnacrolixTransport) SetFilePriorities(id domain.TorrentID, priorities map[int]domain.FilePriority) error {
	a.mu.Lock()
	handle, ok := a.torrents[id]
	if ok {
		if handle.priorities == nil {
			handle.priorities = make(map[int]domain.FilePriority)
		}
		for i, p := range priorities {
			handle.priorities[i] = p
		}
	}
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("set priorities %s: %w", id, domain.ErrNotFound)
	}
	if handle.t.Info() != nil {
		applyFilePriorities(handle.t, priorities)
	}
	return nil
}

func applyFilePriorities(t *torrent.Torrent, priorities map[int]domain.FilePriority) {
	files := t.Files()
	for i, p := range priorities {
		if i < 0 || i >= len(files) {
			continue
		}
		switch p {
		case domain.PrioritySkip:
			files[i].SetPriority(torrent.PiecePriorityNone)
		case domain.PriorityHigh:
			files[i].SetPriority(torrent.PiecePriorityHigh)
		default:
			files[i].SetPriority(torrent.PiecePriorityNormal)
		}
	}
}

// SetRateLimits adjusts the client limiters in place. Zero means unlimited.
func (a *AnacrolixTransport) SetRateLimits(downloadBps, uploadBps int64) {
	setLimit(a.download, downloadBps)
	setLimit(a.upload, uploadBps)
}

func setLimit(l *rate.Limiter, bps int64) {
	if bps <= 0 {
		l.SetLimit(rate.Inf)
		l.SetBurst(unlimitedBurst)
		return
	}
	burst := int(bps)
	if burst < 256<<10 {
		// Requests larger than the burst would stall forever.
		burst = 256 << 10
	}
	l.SetLimit(rate.Limit(bps))
	l.SetBurst(burst)
}

func (a *AnacrolixTransport) Peers(id domain.TorrentID) []domain.PeerInfo {
	a.mu.Lock()
	handle, ok := a.torrents[id]
	a.mu.Unlock()
	if !ok {
		return nil
	}
	var peers []domain.PeerInfo
	for _, p := range handle.t.KnownSwarm() {
		if p.Addr == nil {
			continue
		}
		peers = append(peers, domain.PeerInfo{Addr: p.Addr.String()})
	}
	return peers
}

func (a *AnacrolixTransport) Trackers(id domain.TorrentID) []domain.TrackerInfo {
	a.mu.Lock()
	handle, ok := a.torrents[id]
	a.mu.Unlock()
	if !ok {
		return nil
	}
	var trackers []domain.TrackerInfo
	mi := handle.t.Metainfo()
	for _, tier := range mi.UpvertedAnnounceList() {
		for _, url := range tier {
			trackers = append(trackers, domain.TrackerInfo{URL: url})
		}
	}
	return trackers
}

func (a *AnacrolixTransport) Close() error {
	a.mu.Lock()
	for id, handle := range a.torrents {
		handle.cancel()
		delete(a.torrents, id)
	}
	a.mu.Unlock()
	a.client.Close()
	a.wg.Wait()
	a.cfg.Logger.Info("torrent transport stopped")
	return nil
}

// monitor waits for metadata, reports the initial piece check, then polls the
// torrent for completions, byte counters and peer counts until cancelled.
func (a *AnacrolixTransport) monitor(ctx context.Context, id domain.TorrentID, handle *torrentHandle) {
	logger := a.cfg.Logger.WithField("torrent", id)
	t := handle.t

	select {
	case <-ctx.Done():
		return
	case <-t.GotInfo():
	}

	info := t.Info()
	if info == nil {
		a.events.TransferFailed(id, fmt.Errorf("missing torrent info"))
		return
	}
	a.events.MetadataReceived(id, MetadataFromInfo(info, t.Metainfo().InfoBytes))
	logger.Infof("metadata received: %s, %d pieces", info.BestName(), info.NumPieces())

	a.mu.Lock()
	pending := handle.priorities
	handle.priorities = nil
	a.mu.Unlock()

	t.DownloadAll()
	if len(pending) > 0 {
		applyFilePriorities(t, pending)
	}

	// Initial check: report pieces already complete on disk, then signal
	// that verification is done so resumed sessions can leave checking.
	reported := make([]bool, t.NumPieces())
	a.scanPieces(id, t, reported)
	a.events.CheckingDone(id)

	var lastRead, lastWritten int64
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.scanPieces(id, t, reported)

			stats := t.Stats()
			read := stats.BytesReadData.Int64()
			written := stats.BytesWrittenData.Int64()
			if d := read - lastRead; d > 0 {
				a.events.Transferred(id, domain.DirectionDownload, CategoryPeerProtocol, d)
			}
			if d := written - lastWritten; d > 0 {
				a.events.Transferred(id, domain.DirectionUpload, CategoryPeerProtocol, d)
			}
			lastRead, lastWritten = read, written

			a.events.PeersUpdated(id, stats.ActivePeers)
		}
	}
}

func (a *AnacrolixTransport) scanPieces(id domain.TorrentID, t *torrent.Torrent, reported []bool) {
	for i := range reported {
		if reported[i] {
			continue
		}
		if t.PieceState(i).Complete {
			reported[i] = true
			a.events.PieceCompleted(id, i)
		}
	}
}

func defaultTrackers() []string {
	return []string{
		"udp://tracker.opentrackr.org:1337/announce",
		"udp://tracker.openbittorrent.com:6969/announce",
		"udp://open.stealth.si:80/announce",
		"udp://exodus.desync.com:6969/announce",
		"http://tracker.opentrackr.org:1337/announce",
		"udp://tracker.torrent.eu.org:451/announce",
	}
}

var _ Transport = (*AnacrolixTransport)(nil)

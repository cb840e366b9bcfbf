package session

import (
	"errors"
	"time"

	"btcore/internal/domain"
	"btcore/internal/metrics"
	"btcore/internal/runloop"
)

// Bridge is the thread-safe command surface over the engine loop. Commands
// come in two shapes: Post schedules work and returns immediately, the named
// methods wait for the loop to apply the command and return its result.
// Waiting from the loop goroutine itself is refused with domain.ErrOnLoop.
type Bridge struct {
	loop *runloop.Loop
	m    *Manager
}

func NewBridge(loop *runloop.Loop, m *Manager) *Bridge {
	return &Bridge{loop: loop, m: m}
}

// Post schedules fn on the engine loop and returns without waiting. fn runs
// with exclusive access to the manager.
func (b *Bridge) Post(fn func(m *Manager)) error {
	return b.loop.Post(func() { fn(b.m) })
}

func (b *Bridge) await(command string, fn func() error) error {
	var err error
	postErr := b.loop.PostAndWait(func() { err = fn() })
	if postErr != nil {
		if errors.Is(postErr, runloop.ErrOnLoop) {
			postErr = domain.ErrOnLoop
		}
		metrics.CommandsTotal.WithLabelValues(command, "rejected").Inc()
		return postErr
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.CommandsTotal.WithLabelValues(command, outcome).Inc()
	return err
}

func (b *Bridge) AddTorrent(src domain.Source, rootKey string) (domain.AddResult, error) {
	var result domain.AddResult
	err := b.await("addTorrent", func() error {
		var err error
		result, err = b.m.Add(src, rootKey)
		return err
	})
	return result, err
}

func (b *Bridge) RemoveTorrent(id domain.TorrentID, deleteFiles bool) (domain.RemoveResult, error) {
	var result domain.RemoveResult
	err := b.await("removeTorrent", func() error {
		var err error
		result, err = b.m.Remove(id, deleteFiles)
		return err
	})
	return result, err
}

func (b *Bridge) Pause(id domain.TorrentID) error {
	return b.await("pause", func() error { return b.m.Pause(id) })
}

func (b *Bridge) Resume(id domain.TorrentID) error {
	return b.await("resume", func() error { return b.m.Resume(id) })
}

func (b *Bridge) SetFilePriorities(id domain.TorrentID, priorities map[int]domain.FilePriority) error {
	return b.await("setFilePriorities", func() error { return b.m.SetFilePriorities(id, priorities) })
}

func (b *Bridge) SetSpeedLimits(downloadBps, uploadBps int64) error {
	return b.await("setSpeedLimits", func() error { return b.m.SetSpeedLimits(downloadBps, uploadBps) })
}

func (b *Bridge) SetQueuePosition(id domain.TorrentID, pos int) error {
	return b.await("setQueuePosition", func() error { return b.m.SetQueuePosition(id, pos) })
}

func (b *Bridge) Recheck(id domain.TorrentID) error {
	return b.await("recheck", func() error { return b.m.Recheck(id) })
}

func (b *Bridge) Sessions() ([]domain.SessionSnapshot, error) {
	var snaps []domain.SessionSnapshot
	err := b.await("getSessions", func() error {
		snaps = b.m.Snapshots()
		return nil
	})
	return snaps, err
}

func (b *Bridge) Session(id domain.TorrentID) (domain.SessionSnapshot, error) {
	var snap domain.SessionSnapshot
	err := b.await("getSession", func() error {
		var err error
		snap, err = b.m.Snapshot(id)
		return err
	})
	return snap, err
}

func (b *Bridge) Files(id domain.TorrentID) ([]domain.FileInfo, error) {
	var files []domain.FileInfo
	err := b.await("getFiles", func() error {
		var err error
		files, err = b.m.Files(id)
		return err
	})
	return files, err
}

func (b *Bridge) Peers(id domain.TorrentID) ([]domain.PeerInfo, error) {
	var peers []domain.PeerInfo
	err := b.await("getPeers", func() error {
		var err error
		peers, err = b.m.Peers(id)
		return err
	})
	return peers, err
}

func (b *Bridge) Trackers(id domain.TorrentID) ([]domain.TrackerInfo, error) {
	var trackers []domain.TrackerInfo
	err := b.await("getTrackers", func() error {
		var err error
		trackers, err = b.m.Trackers(id)
		return err
	})
	return trackers, err
}

func (b *Bridge) Pieces(id domain.TorrentID) (domain.PieceSummary, error) {
	var summary domain.PieceSummary
	err := b.await("getPieces", func() error {
		var err error
		summary, err = b.m.Pieces(id)
		return err
	})
	return summary, err
}

func (b *Bridge) Speeds(direction domain.Direction, category string, from, to time.Time, maxPoints int) ([]domain.SpeedSample, time.Duration, error) {
	var (
		samples []domain.SpeedSample
		width   time.Duration
	)
	err := b.await("getSpeeds", func() error {
		samples, width = b.m.Speeds(direction, category, from, to, maxPoints)
		return nil
	})
	return samples, width, err
}

func (b *Bridge) SpeedLimits() (downloadBps, uploadBps int64, err error) {
	err = b.await("getSpeedLimits", func() error {
		downloadBps, uploadBps = b.m.SpeedLimits()
		return nil
	})
	return downloadBps, uploadBps, err
}

// Subscribe registers a snapshot sink. The sink runs on the engine loop and
// must hand off to its own goroutine without blocking.
func (b *Bridge) Subscribe(fn func([]domain.SessionSnapshot)) error {
	return b.loop.PostAndWait(func() { b.m.Subscribe(fn) })
}

// Tick triggers one stats pass. Hosts that own the cadence (no internal
// snapshot timer configured) call this from their frame driver.
func (b *Bridge) Tick() error {
	return b.loop.Post(b.m.Tick)
}

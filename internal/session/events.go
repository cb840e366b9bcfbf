package session

import (
	"btcore/internal/domain"
	"btcore/internal/wire"
)

// loopEvents adapts transport callbacks onto the engine loop. Transport
// goroutines never touch session state directly; every event becomes a posted
// job. Events for torrents removed in the meantime are dropped on arrival.
type loopEvents struct {
	m *Manager
}

// Events returns the sink to hand to the transport.
func (m *Manager) Events() wire.Events { return loopEvents{m} }

func (e loopEvents) MetadataReceived(id domain.TorrentID, md wire.Metadata) {
	_ = e.m.cfg.Loop.Post(func() { e.m.handleMetadata(id, md) })
}

func (e loopEvents) PieceCompleted(id domain.TorrentID, piece int) {
	_ = e.m.cfg.Loop.Post(func() { e.m.handlePieceCompleted(id, piece) })
}

func (e loopEvents) Transferred(id domain.TorrentID, direction domain.Direction, category string, n int64) {
	_ = e.m.cfg.Loop.Post(func() { e.m.handleTransferred(id, direction, category, n) })
}

func (e loopEvents) PeersUpdated(id domain.TorrentID, count int) {
	_ = e.m.cfg.Loop.Post(func() { e.m.handlePeersUpdated(id, count) })
}

func (e loopEvents) CheckingDone(id domain.TorrentID) {
	_ = e.m.cfg.Loop.Post(func() { e.m.handleCheckingDone(id) })
}

func (e loopEvents) TransferFailed(id domain.TorrentID, err error) {
	_ = e.m.cfg.Loop.Post(func() { e.m.handleTransferFailed(id, err) })
}

func (m *Manager) handleMetadata(id domain.TorrentID, md wire.Metadata) {
	sess, ok := m.sessions[id]
	if !ok {
		return
	}
	sess.applyMetadata(md)
	if sess.status == domain.StatusMetadataPending {
		_ = sess.setStatus(domain.StatusChecking)
	}
	m.persistInfoDict(sess)
	m.persistState(sess)
	m.pushSnapshots()
}

func (m *Manager) handlePieceCompleted(id domain.TorrentID, piece int) {
	sess, ok := m.sessions[id]
	if !ok {
		return
	}
	if !sess.completePiece(piece) {
		return
	}
	before := sess.status
	m.maybeComplete(sess)
	m.persistState(sess)
	if sess.status != before {
		m.pushSnapshots()
	}
}

func (m *Manager) handleTransferred(id domain.TorrentID, direction domain.Direction, category string, n int64) {
	sess, ok := m.sessions[id]
	if !ok || n <= 0 {
		return
	}
	m.cfg.Speeds.Add(direction, category, n)
	switch direction {
	case domain.DirectionDownload:
		sess.downloaded += n
	case domain.DirectionUpload:
		sess.uploaded += n
	}
	sess.countersDirty = true
}

func (m *Manager) handlePeersUpdated(id domain.TorrentID, count int) {
	if sess, ok := m.sessions[id]; ok {
		sess.peers = count
	}
}

func (m *Manager) handleCheckingDone(id domain.TorrentID) {
	sess, ok := m.sessions[id]
	if !ok || sess.status != domain.StatusChecking {
		return
	}
	m.maybeComplete(sess)
	if sess.status == domain.StatusChecking {
		_ = sess.setStatus(domain.StatusDownloading)
	}
	m.persistState(sess)
	m.pushSnapshots()
}

func (m *Manager) handleTransferFailed(id domain.TorrentID, err error) {
	sess, ok := m.sessions[id]
	if !ok {
		return
	}
	if stopErr := m.transport.Stop(id); stopErr != nil {
		m.logger.WithField("torrent", id).Warnf("stop after failure: %v", stopErr)
	}
	sess.fail(err)
	m.logger.WithField("torrent", id).Errorf("transfer failed: %v", err)
	m.persistState(sess)
	m.pushSnapshots()
}

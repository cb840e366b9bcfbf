// Package persist is the engine's durable key/value + JSON store. Writes are
// issued from the engine loop only; reads happen during startup before the
// loop accepts commands, so the store needs no coordination beyond the
// backing database's own.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"btcore/internal/domain"
)

var ErrKeyNotFound = errors.New("persisted key not found")

// Store is the storage backend capability the engine writes through.
type Store interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// PutJSON marshals v and stores it under key.
func PutJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.Put(ctx, key, data)
}

// GetJSON loads key and unmarshals it into v.
func GetJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

// Namespaced key scheme. The torrent-list index is the commit point for
// crash recovery: a session exists iff it appears there.
const torrentsIndexKey = "torrents"

func TorrentsIndexKey() string { return torrentsIndexKey }

func SessionStateKey(id domain.TorrentID) string {
	return fmt.Sprintf("session:%s:state", id)
}

func SessionTorrentFileKey(id domain.TorrentID) string {
	return fmt.Sprintf("session:%s:torrentfile", id)
}

func SessionInfoDictKey(id domain.TorrentID) string {
	return fmt.Sprintf("session:%s:infodict", id)
}

func sessionKeyPrefix(id domain.TorrentID) string {
	return fmt.Sprintf("session:%s:", id)
}

func SettingsLimitsKey() string { return "settings:limits" }

// LimitsRecord persists the global speed limits across restarts.
type LimitsRecord struct {
	DownloadBps int64 `json:"downloadBps"`
	UploadBps   int64 `json:"uploadBps"`
}

// IndexEntry is one row of the torrent-list index.
type IndexEntry struct {
	InfoHash  domain.TorrentID `json:"infoHash"`
	Source    string           `json:"source"` // "magnet" | "file"
	MagnetURI string           `json:"magnetUri,omitempty"`
	AddedAt   time.Time        `json:"addedAt"`
}

// StateRecord is the durable portion of a session. Ephemeral fields
// (connection counts, live speeds) are intentionally absent.
type StateRecord struct {
	Status         domain.SessionStatus         `json:"status"`
	Name           string                       `json:"name,omitempty"`
	BitfieldHex    string                       `json:"bitfieldHex"`
	PiecesTotal    int                          `json:"piecesTotal,omitempty"`
	PieceSize      int64                        `json:"pieceSize,omitempty"`
	TotalBytes     int64                        `json:"totalBytes,omitempty"`
	Downloaded     int64                        `json:"downloaded"`
	Uploaded       int64                        `json:"uploaded"`
	Priorities     map[int]domain.FilePriority  `json:"priorities,omitempty"`
	StorageRootKey string                       `json:"storageRootKey,omitempty"`
	QueuePosition  int                          `json:"queuePosition"`
	ErrorMessage   string                       `json:"errorMessage,omitempty"`
	ErrorKind      string                       `json:"errorKind,omitempty"`
	ArchiveLoc     string                       `json:"archiveLocation,omitempty"`
	CompletedAt    *time.Time                   `json:"completedAt,omitempty"`
}

// LoadIndex reads the torrent-list index; a missing key is an empty list.
func LoadIndex(ctx context.Context, s Store) ([]IndexEntry, error) {
	var entries []IndexEntry
	if err := GetJSON(ctx, s, torrentsIndexKey, &entries); err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return entries, nil
}

// SaveIndex rewrites the torrent-list index.
func SaveIndex(ctx context.Context, s Store, entries []IndexEntry) error {
	return PutJSON(ctx, s, torrentsIndexKey, entries)
}

// DeleteSession removes every key under the session's namespace.
func DeleteSession(ctx context.Context, s Store, id domain.TorrentID) error {
	keys, err := s.Keys(ctx, sessionKeyPrefix(id))
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// MemoryStore is an in-process Store for tests and ephemeral engines.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (m *MemoryStore) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	m.data[key] = cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.data[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrKeyNotFound)
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	return cp, nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemoryStore) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

var _ Store = (*MemoryStore)(nil)

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"mailq/queue"
)

const corruptSuffix = ".corrupt"

// Spool keeps one JSON document per message on local disk. It suits a
// single instance without a database.
type Spool struct {
	dir    string
	mu     sync.Mutex
	logger *zap.Logger
}

// NewSpool creates dir if needed and returns a spool rooted there.
func NewSpool(dir string, logger *zap.Logger) (*Spool, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("spool: directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("spool: create %s: %w", dir, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Spool{dir: dir, logger: logger}, nil
}

// Insert writes a new message document.
func (s *Spool) Insert(_ context.Context, msg queue.QueuedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.path(msg.ID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("spool: message %s already exists", msg.ID)
	}
	return writeJSON(path, msg)
}

// Update replaces the stored document, creating it if an earlier insert was
// lost. A terminal document is never moved back to a non-terminal status.
func (s *Spool) Update(_ context.Context, msg queue.QueuedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.path(msg.ID)
	if err != nil {
		return err
	}
	if current, err := readJSON(path); err == nil && current.Status.Terminal() && !msg.Status.Terminal() {
		return nil
	}
	return writeJSON(path, msg)
}

// Get returns the stored message or queue.ErrNotFound.
func (s *Spool) Get(_ context.Context, id string) (queue.QueuedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.path(id)
	if err != nil {
		return queue.QueuedMessage{}, err
	}
	msg, err := readJSON(path)
	if errors.Is(err, os.ErrNotExist) {
		return queue.QueuedMessage{}, queue.ErrNotFound
	}
	return msg, err
}

// LoadPending returns queued, retry and sending messages by NextRetryAt.
func (s *Spool) LoadPending(_ context.Context) ([]queue.QueuedMessage, error) {
	return s.scan(func(m queue.QueuedMessage) bool {
		return pendingStatus(m.Status)
	}, 0)
}

// LoadReady returns up to limit queued or retry messages due by now.
func (s *Spool) LoadReady(_ context.Context, now time.Time, limit int) ([]queue.QueuedMessage, error) {
	return s.scan(func(m queue.QueuedMessage) bool {
		return readyStatus(m.Status) && !m.NextRetryAt.After(now)
	}, limit)
}

func (s *Spool) scan(keep func(queue.QueuedMessage) bool, limit int) ([]queue.QueuedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("spool: read %s: %w", s.dir, err)
	}
	var out []queue.QueuedMessage
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		msg, err := readJSON(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			s.quarantine(path, err)
			continue
		}
		if keep(msg) {
			out = append(out, msg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].NextRetryAt.Before(out[j].NextRetryAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// quarantine renames an unreadable document out of the scan set so one
// damaged file does not block the rest of the backlog.
func (s *Spool) quarantine(path string, cause error) {
	target := path + corruptSuffix
	if err := os.Rename(path, target); err != nil {
		s.logger.Error("Skipping unreadable spool file",
			zap.String("file", filepath.Base(path)),
			zap.NamedError("cause", cause),
			zap.Error(err))
		return
	}
	s.logger.Error("Quarantined unreadable spool file",
		zap.String("file", filepath.Base(target)),
		zap.Error(cause))
}

func (s *Spool) path(id string) (string, error) {
	safeID, err := sanitizeComponent(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.dir, safeID+".json"), nil
}

// writeJSON replaces path atomically via a temporary file and rename.
func writeJSON(path string, msg queue.QueuedMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("spool: encode %s: %w", msg.ID, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("spool: temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("spool: write %s: %w", msg.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("spool: close %s: %w", msg.ID, err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("spool: chmod %s: %w", msg.ID, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("spool: rename %s: %w", msg.ID, err)
	}
	return nil
}

func readJSON(path string) (queue.QueuedMessage, error) {
	var msg queue.QueuedMessage
	data, err := os.ReadFile(path)
	if err != nil {
		return msg, err
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("spool: decode %s: %w", filepath.Base(path), err)
	}
	return msg, nil
}

func sanitizeComponent(v string) (string, error) {
	if strings.ContainsAny(v, "/\\") || strings.Contains(v, "..") {
		return "", errors.New("spool: invalid identifier")
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return "", errors.New("spool: empty identifier")
	}
	return v, nil
}

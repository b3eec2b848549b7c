package state

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

var (
	fileExtension = ".json"
	keySanitizer  = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)
)

const pruneLogName = "prune-events.jsonl"

// JSONStore persists each conversation as a JSON file under root/YYYY-MM-DD/.
type JSONStore struct {
	root   string
	logger *log.Logger
}

// NewJSONStore prepares the directory tree used for conversation files.
func NewJSONStore(root string, logger *log.Logger) (*JSONStore, error) {
	if root == "" {
		root = "conversations"
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create conversation dir: %w", err)
	}
	return &JSONStore{root: root, logger: logger}, nil
}

// Load reads every stored conversation, skipping unreadable files.
func (s *JSONStore) Load() ([]Snapshot, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read conversation root: %w", err)
	}
	var out []Snapshot
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dayDir := filepath.Join(s.root, entry.Name())
		files, err := os.ReadDir(dayDir)
		if err != nil {
			s.logger.Printf("skip %s: %v", dayDir, err)
			continue
		}
		for _, fileEntry := range files {
			if fileEntry.IsDir() || filepath.Ext(fileEntry.Name()) != fileExtension {
				continue
			}
			path := filepath.Join(dayDir, fileEntry.Name())
			data, err := os.ReadFile(path)
			if err != nil {
				s.logger.Printf("read %s failed: %v", path, err)
				continue
			}
			var snap Snapshot
			if err := json.Unmarshal(data, &snap); err != nil {
				s.logger.Printf("parse %s failed: %v", path, err)
				continue
			}
			if snap.Key == "" {
				snap.Key = strings.TrimSuffix(fileEntry.Name(), fileExtension)
			}
			if snap.CreatedAt.IsZero() {
				if info, statErr := os.Stat(path); statErr == nil {
					snap.CreatedAt = info.ModTime()
				} else {
					snap.CreatedAt = time.Now()
				}
			}
			if snap.UpdatedAt.IsZero() {
				snap.UpdatedAt = snap.CreatedAt
			}
			snap.StoragePath = path
			out = append(out, snap)
		}
	}
	return out, nil
}

// Save writes the snapshot atomically through a temp file and rename.
func (s *JSONStore) Save(snap Snapshot) (string, error) {
	path := snap.StoragePath
	if path == "" {
		folder := filepath.Join(s.root, snap.CreatedAt.Format("2006-01-02"))
		if err := os.MkdirAll(folder, 0o755); err != nil {
			return "", fmt.Errorf("create folder %s: %w", folder, err)
		}
		path = filepath.Join(folder, sanitizeKey(snap.Key)+fileExtension)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal conversation: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write temp conversation: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("replace conversation: %w", err)
	}
	return path, nil
}

// Delete removes the conversation file.
func (s *JSONStore) Delete(snap Snapshot) error {
	if snap.StoragePath == "" {
		return nil
	}
	if err := os.Remove(snap.StoragePath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// RecordPrune appends the event to a JSON lines log next to the conversations.
func (s *JSONStore) RecordPrune(event PruneEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal prune event: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(s.root, pruneLogName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open prune log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write prune log: %w", err)
	}
	return nil
}

// Close is a no-op for the file store.
func (s *JSONStore) Close() error { return nil }

func sanitizeKey(key string) string {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return "conversation"
	}
	sanitized := keySanitizer.ReplaceAllString(trimmed, "_")
	sanitized = strings.Trim(sanitized, "_-")
	if sanitized == "" {
		sanitized = "conversation"
	}
	return sanitized
}

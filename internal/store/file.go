package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const sessionFileExt = ".json"

// FileStore keeps one JSON document per contact plus a registry document.
type FileStore struct {
	registryPath string
	messagesDir  string
}

func NewFileStore(registryPath, messagesDir string) (*FileStore, error) {
	if strings.TrimSpace(registryPath) == "" || strings.TrimSpace(messagesDir) == "" {
		return nil, fmt.Errorf("file store: registry path and messages dir are required")
	}
	if err := os.MkdirAll(messagesDir, 0o755); err != nil {
		return nil, fmt.Errorf("create messages dir: %w", err)
	}
	return &FileStore{registryPath: registryPath, messagesDir: messagesDir}, nil
}

func (f *FileStore) sessionPath(contactID string) string {
	return filepath.Join(f.messagesDir, contactID+sessionFileExt)
}

func (f *FileStore) LoadSession(ctx context.Context, contactID string) (*Session, error) {
	if err := ensureNotCanceled(ctx); err != nil {
		return nil, err
	}
	if err := ValidateContactID(contactID); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(f.sessionPath(contactID))
	if err != nil {
		if os.IsNotExist(err) {
			return NewSession(), nil
		}
		return nil, fmt.Errorf("read session %s: %w", contactID, err)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		log.Printf("[store] session %s unreadable, recreating: %v", contactID, err)
		return NewSession(), nil
	}
	s.normalize()
	return &s, nil
}

func (f *FileStore) SaveSession(ctx context.Context, contactID string, s *Session) error {
	if err := ensureNotCanceled(ctx); err != nil {
		return err
	}
	if err := ValidateContactID(contactID); err != nil {
		return err
	}
	if s == nil {
		return fmt.Errorf("save session %s: nil session", contactID)
	}
	s.normalize()
	s.LastUpdate = nowISO()
	if err := WriteJSONAtomic(f.sessionPath(contactID), s); err != nil {
		return fmt.Errorf("save session %s: %w", contactID, err)
	}
	return nil
}

func (f *FileStore) ListSessions(ctx context.Context) ([]string, error) {
	if err := ensureNotCanceled(ctx); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(f.messagesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, sessionFileExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, sessionFileExt))
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *FileStore) LoadRegistry(ctx context.Context) (*Registry, error) {
	if err := ensureNotCanceled(ctx); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.registryPath)
	if err != nil {
		if os.IsNotExist(err) {
			return NewRegistry(), nil
		}
		return nil, fmt.Errorf("read registry: %w", err)
	}

	var r Registry
	if err := json.Unmarshal(data, &r); err != nil {
		log.Printf("[store] registry unreadable, recreating: %v", err)
		return NewRegistry(), nil
	}
	r.normalize()
	return &r, nil
}

func (f *FileStore) SaveRegistry(ctx context.Context, r *Registry) error {
	if err := ensureNotCanceled(ctx); err != nil {
		return err
	}
	if r == nil {
		return fmt.Errorf("save registry: nil registry")
	}
	r.normalize()
	r.LastUpdate = nowISO()
	if err := WriteJSONAtomic(f.registryPath, r); err != nil {
		return fmt.Errorf("save registry: %w", err)
	}
	return nil
}

func (f *FileStore) Close() error { return nil }

package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Store reads and writes whole session documents.
type Store interface {
	// Load returns (nil, nil) when no document exists for key.
	Load(ctx context.Context, key string) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]Info, error)
	Close() error
}

// Info describes a stored session without loading its content.
type Info struct {
	Key       string    `json:"key"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// decode parses and validates a stored document.
func decode(key string, data []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrStorage, key, err)
	}
	if err := s.validate(); err != nil {
		return nil, fmt.Errorf("%w: corrupt %s: %v", ErrStorage, key, err)
	}
	switch s.Key {
	case "":
		s.Key = key
	case key:
	default:
		return nil, fmt.Errorf("%w: document for %q holds key %q", ErrStorage, key, s.Key)
	}
	if s.Interactions == nil {
		s.Interactions = []Interaction{}
	}
	if s.Summaries == nil {
		s.Summaries = []Summary{}
	}
	return &s, nil
}

// FileStore keeps one JSON document per session in a directory.
type FileStore struct {
	dir string
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create sessions dir: %v", ErrStorage, err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) Load(_ context.Context, key string) (*Session, error) {
	data, err := os.ReadFile(f.sessionPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: read %s: %v", ErrStorage, key, err)
	}
	return decode(key, data)
}

// Save writes the document to a temp file and renames it into place so a
// crash never leaves a half-written session.
func (f *FileStore) Save(_ context.Context, s *Session) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrStorage, s.Key, err)
	}
	path := f.sessionPath(s.Key)
	tmp, err := os.CreateTemp(f.dir, ".session-*")
	if err != nil {
		return fmt.Errorf("%w: create temp: %v", ErrStorage, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: write %s: %v", ErrStorage, s.Key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: close %s: %v", ErrStorage, s.Key, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: rename %s: %v", ErrStorage, s.Key, err)
	}
	return nil
}

func (f *FileStore) Delete(_ context.Context, key string) error {
	if err := os.Remove(f.sessionPath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: delete %s: %v", ErrStorage, key, err)
	}
	return nil
}

func (f *FileStore) List(_ context.Context) ([]Info, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: list: %v", ErrStorage, err)
	}
	var out []Info
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(f.dir, entry.Name()))
		if err != nil {
			continue
		}
		var head struct {
			Key       string    `json:"key"`
			UpdatedAt time.Time `json:"updatedAt"`
		}
		if json.Unmarshal(data, &head) != nil || head.Key == "" {
			continue
		}
		out = append(out, Info{Key: head.Key, UpdatedAt: head.UpdatedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (f *FileStore) Close() error { return nil }

// sessionPath names the document by a digest of the key, so distinct keys
// never share a file and no key can escape dir. The key itself lives in the
// document.
func (f *FileStore) sessionPath(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(f.dir, hex.EncodeToString(sum[:])+".json")
}

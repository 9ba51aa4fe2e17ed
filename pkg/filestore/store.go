// Package filestore assigns identities to uploaded files, classifies
// them into category directories and serves bounded windowed reads. The
// registry file is the source of truth across restarts.
package filestore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/helixlab/biohost/pkg/logger"
)

const registryFilename = "registry.json"

// Record is the identity of one uploaded file. Immutable after upload
// except for the append-only Analyses association.
type Record struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Path        string         `json:"path"`
	Category    Category       `json:"category"`
	Size        int64          `json:"size"`
	Fingerprint string         `json:"fingerprint"`
	UploadedAt  time.Time      `json:"uploaded_at"`
	Analyses    []string       `json:"analyses,omitempty"`
	Info        map[string]any `json:"info,omitempty"`
}

// Summary renders a one-line human description of the record.
func (r *Record) Summary() string {
	switch r.Category {
	case CategoryStructure:
		if chains, ok := r.Info["chains"].([]string); ok {
			return fmt.Sprintf("structure with %d chain(s): %s", len(chains), strings.Join(chains, ", "))
		}
		if chains, ok := r.Info["chains"].([]any); ok {
			parts := make([]string, 0, len(chains))
			for _, c := range chains {
				if s, ok := c.(string); ok {
					parts = append(parts, s)
				}
			}
			return fmt.Sprintf("structure with %d chain(s): %s", len(parts), strings.Join(parts, ", "))
		}
		return "structure file"
	case CategorySequence:
		switch n := r.Info["total_sequences"].(type) {
		case int:
			return fmt.Sprintf("%d sequence(s)", n)
		case float64:
			return fmt.Sprintf("%d sequence(s)", int(n))
		}
		return "sequence file"
	default:
		return fmt.Sprintf("%s file", r.Category)
	}
}

type registryFile struct {
	Version int                `json:"version"`
	Files   map[string]*Record `json:"files"`
	Order   []string           `json:"order"`
}

// Store owns the on-disk file tree and the registry mapping IDs to
// records. Safe for concurrent use; writes to a given ID are serialized
// against reads of that same ID via a per-ID advisory lock.
type Store struct {
	base string

	mu            sync.RWMutex
	records       map[string]*Record
	byFingerprint map[string]string
	order         []string

	locksMu sync.Mutex
	locks   map[string]*sync.RWMutex
}

// Open creates the category tree under base and loads the registry. A
// registry file that exists but cannot be decoded halts initialization;
// silently losing file-identity mappings is worse than failing to start.
func Open(base string) (*Store, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, &IOError{Op: "create store root", Err: err}
	}
	for _, cat := range []Category{CategoryStructure, CategorySequence, CategoryAnalysis, CategoryVisualization, CategoryUnknown} {
		if err := os.MkdirAll(filepath.Join(base, string(cat)), 0o755); err != nil {
			return nil, &IOError{Op: "create category dir", Err: err}
		}
	}

	s := &Store{
		base:          base,
		records:       make(map[string]*Record),
		byFingerprint: make(map[string]string),
		locks:         make(map[string]*sync.RWMutex),
	}
	if err := s.load(); err != nil {
		return nil, err
	}

	logger.InfoCF("filestore", "File store opened", map[string]any{
		"base":  base,
		"files": len(s.records),
	})
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(filepath.Join(s.base, registryFilename))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return &IOError{Op: "read registry", Err: err}
	}

	var reg registryFile
	if err := json.Unmarshal(data, &reg); err != nil {
		return fmt.Errorf("filestore: corrupt registry %s: %w", registryFilename, err)
	}

	for id, rec := range reg.Files {
		if rec == nil || rec.ID != id {
			return fmt.Errorf("filestore: corrupt registry: record %q is inconsistent", id)
		}
		s.records[id] = rec
		s.byFingerprint[rec.Fingerprint] = id
	}
	for _, id := range reg.Order {
		if _, ok := s.records[id]; ok {
			s.order = append(s.order, id)
		}
	}
	return nil
}

// saveLocked rewrites the registry atomically: write temp, fsync,
// rename. Callers hold s.mu.
func (s *Store) saveLocked() error {
	reg := registryFile{
		Version: 1,
		Files:   s.records,
		Order:   s.order,
	}
	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return &IOError{Op: "encode registry", Err: err}
	}

	tmpFile, err := os.CreateTemp(s.base, "registry-*.tmp")
	if err != nil {
		return &IOError{Op: "create registry temp", Err: err}
	}

	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return &IOError{Op: "write registry temp", Err: err}
	}
	if err := tmpFile.Chmod(0o644); err != nil {
		_ = tmpFile.Close()
		return &IOError{Op: "chmod registry temp", Err: err}
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return &IOError{Op: "sync registry temp", Err: err}
	}
	if err := tmpFile.Close(); err != nil {
		return &IOError{Op: "close registry temp", Err: err}
	}
	if err := os.Rename(tmpPath, filepath.Join(s.base, registryFilename)); err != nil {
		return &IOError{Op: "rename registry", Err: err}
	}
	cleanup = false
	return nil
}

func (s *Store) lockFor(id string) *sync.RWMutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.RWMutex{}
		s.locks[id] = l
	}
	return l
}

// Upload copies the file at path into the store and registers it.
// Identical content yields the existing record (idempotent by
// fingerprint); the same name with new content yields a new ID.
func (s *Store) Upload(path string) (*Record, error) {
	src, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, &NotFoundError{Key: path}
	}
	if err != nil {
		return nil, &IOError{Op: "open source", Err: err}
	}
	defer src.Close()

	// Stream the content into a temp file while hashing; the final
	// location depends on the fingerprint.
	tmpFile, err := os.CreateTemp(s.base, "upload-*.tmp")
	if err != nil {
		return nil, &IOError{Op: "create upload temp", Err: err}
	}
	tmpPath := tmpFile.Name()
	keepTmp := false
	defer func() {
		if !keepTmp {
			_ = os.Remove(tmpPath)
		}
	}()

	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmpFile, hash), src)
	if err != nil {
		_ = tmpFile.Close()
		return nil, &IOError{Op: "copy content", Err: err}
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return nil, &IOError{Op: "sync upload temp", Err: err}
	}
	if err := tmpFile.Close(); err != nil {
		return nil, &IOError{Op: "close upload temp", Err: err}
	}

	fingerprint := hex.EncodeToString(hash.Sum(nil))

	s.mu.RLock()
	existingID, dup := s.byFingerprint[fingerprint]
	s.mu.RUnlock()
	if dup {
		logger.DebugCF("filestore", "Duplicate upload", map[string]any{
			"path": path,
			"id":   existingID,
		})
		return s.Info(existingID)
	}

	name := filepath.Base(path)
	head, err := readHead(tmpPath)
	if err != nil {
		return nil, &IOError{Op: "sniff content", Err: err}
	}
	category := Classify(name, head)

	stem := strings.TrimSuffix(name, filepath.Ext(name))
	id := fmt.Sprintf("%s_%s", stem, fingerprint[:8])
	dest := filepath.Join(s.base, string(category), id+strings.ToLower(filepath.Ext(name)))

	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Rename(tmpPath, dest); err != nil {
		return nil, &IOError{Op: "place file", Err: err}
	}
	keepTmp = true

	record := &Record{
		ID:          id,
		Name:        name,
		Path:        dest,
		Category:    category,
		Size:        size,
		Fingerprint: fingerprint,
		UploadedAt:  time.Now().UTC(),
		Info:        extractInfo(category, dest),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prior, raced := s.byFingerprint[fingerprint]; raced {
		// A concurrent identical upload won; keep its identity.
		_ = os.Remove(dest)
		return s.records[prior].clone(), nil
	}
	s.records[id] = record
	s.byFingerprint[fingerprint] = id
	s.order = append(s.order, id)
	if err := s.saveLocked(); err != nil {
		delete(s.records, id)
		delete(s.byFingerprint, fingerprint)
		s.order = s.order[:len(s.order)-1]
		_ = os.Remove(dest)
		return nil, err
	}

	logger.InfoCF("filestore", "File uploaded", map[string]any{
		"id":       id,
		"category": string(category),
		"size":     size,
	})
	return record.clone(), nil
}

func readHead(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, err
	}
	return head[:n], nil
}

func extractInfo(category Category, path string) map[string]any {
	f, err := os.Open(path)
	if err != nil {
		return map[string]any{}
	}
	defer f.Close()

	switch category {
	case CategoryStructure:
		return extractStructureInfo(f)
	case CategorySequence:
		return extractSequenceInfo(f)
	default:
		return map[string]any{}
	}
}

// Info returns a copy of the record for id.
func (s *Store) Info(id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, &NotFoundError{Key: id}
	}
	return rec.clone(), nil
}

// List returns records newest-first, optionally filtered by category
// (empty matches all).
func (s *Store) List(category Category) []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Record, 0, len(s.order))
	for _, id := range s.order {
		rec := s.records[id]
		if category != "" && rec.Category != category {
			continue
		}
		out = append(out, rec.clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UploadedAt.After(out[j].UploadedAt)
	})
	return out
}

// AttachAnalysis appends an analysis-result association to the record.
// The association is append-only; nothing else on the record changes.
func (s *Store) AttachAnalysis(id, analysisID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return &NotFoundError{Key: id}
	}
	rec.Analyses = append(rec.Analyses, analysisID)
	return s.saveLocked()
}

// PathFor exposes the on-disk location for external tooling.
func (s *Store) PathFor(id string) (string, error) {
	rec, err := s.Info(id)
	if err != nil {
		return "", err
	}
	return rec.Path, nil
}

func (r *Record) clone() *Record {
	out := *r
	out.Analyses = append([]string(nil), r.Analyses...)
	if r.Info != nil {
		info := make(map[string]any, len(r.Info))
		for k, v := range r.Info {
			info[k] = v
		}
		out.Info = info
	}
	return &out
}

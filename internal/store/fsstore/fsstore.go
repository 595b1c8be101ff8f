// Package fsstore implements store.Store over a flat filesystem corpus: a
// directory of per-patient JSON bundles, a CSV file mapping patient id to a
// base64 waveform PNG, and a directory of DICOM files (spec.md §6 record
// store contract (a)-(d)). It is the reference implementation the other
// internal/store backends are measured against.
package fsstore

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/sbayer2/medster-agent/internal/store"
)

// Store reads bundles, waveforms, and DICOM references from a directory
// tree rooted at Dir. It caches the loaded bundle set and patient id list in
// memory the first time either is needed, matching the corpus's
// `_patient_cache`/`_patient_list_cache` behavior, since the underlying
// files are never written to at runtime (spec.md §6 "Persisted state:
// None").
type Store struct {
	BundleDir string
	ECGCSVPath string
	DicomDir  string

	mu       sync.Mutex
	bundles  map[string]*store.PatientBundle
	idsOnce  sync.Once
	ids      []string
	ecgOnce  sync.Once
	ecg      map[string][]byte
}

// New constructs an fsstore.Store rooted at the given paths. Any path may be
// empty, in which case the corresponding operation returns an empty result
// rather than an error.
func New(bundleDir, ecgCSVPath, dicomDir string) *Store {
	return &Store{BundleDir: bundleDir, ECGCSVPath: ecgCSVPath, DicomDir: dicomDir, bundles: map[string]*store.PatientBundle{}}
}

var _ store.Store = (*Store)(nil)

// LoadBundle loads and caches the bundle for id, trying an exact filename
// match first and falling back to a glob match, mirroring the corpus's
// multi-pattern lookup.
func (s *Store) LoadBundle(ctx context.Context, id string) (*store.PatientBundle, error) {
	if s.BundleDir == "" {
		return nil, nil
	}
	s.mu.Lock()
	if b, ok := s.bundles[id]; ok {
		s.mu.Unlock()
		return b, nil
	}
	s.mu.Unlock()

	path, err := s.resolveBundlePath(id)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return nil, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("fsstore: read bundle %s: %w", path, err)
	}
	bundle, err := decodeBundle(id, raw)
	if err != nil {
		return nil, fmt.Errorf("fsstore: decode bundle %s: %w", path, err)
	}

	s.mu.Lock()
	s.bundles[id] = bundle
	s.mu.Unlock()
	return bundle, nil
}

func (s *Store) resolveBundlePath(id string) (string, error) {
	candidates := []string{
		filepath.Join(s.BundleDir, id+".json"),
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	patterns := []string{
		"*" + id + "*.json",
		filepath.Join("**", id+".json"),
		filepath.Join("**", "*"+id+"*.json"),
	}
	for _, pat := range patterns {
		matches, err := filepath.Glob(filepath.Join(s.BundleDir, pat))
		if err != nil {
			return "", fmt.Errorf("fsstore: glob %s: %w", pat, err)
		}
		if len(matches) > 0 {
			sort.Strings(matches)
			return matches[0], nil
		}
	}
	return "", nil
}

// decodeBundle parses raw JSON shaped as a FHIR Bundle ({"entry": [...]})
// into a store.PatientBundle, deriving the bundle id from the embedded
// Patient resource when present, falling back to the filename-derived id.
func decodeBundle(fallbackID string, raw []byte) (*store.PatientBundle, error) {
	var doc struct {
		ResourceType string `json:"resourceType"`
		Entry        []struct {
			Resource map[string]any `json:"resource"`
		} `json:"entry"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	id := fallbackID
	entries := make([]store.BundleEntry, 0, len(doc.Entry))
	for _, e := range doc.Entry {
		rt, _ := e.Resource["resourceType"].(string)
		if rt == "Patient" {
			if rid, ok := e.Resource["id"].(string); ok && rid != "" {
				id = rid
			}
		}
		entries = append(entries, store.BundleEntry{ResourceType: rt, Resource: e.Resource})
	}
	return &store.PatientBundle{ID: id, ResourceType: doc.ResourceType, Entries: entries}, nil
}

// ListIDs scans the bundle directory once and caches the id list, since the
// corpus never mutates bundles at runtime.
func (s *Store) ListIDs(ctx context.Context, limit int) ([]string, error) {
	if s.BundleDir == "" {
		return nil, nil
	}
	var scanErr error
	s.idsOnce.Do(func() {
		s.ids, scanErr = scanIDs(s.BundleDir)
	})
	if scanErr != nil {
		return nil, scanErr
	}
	if limit > 0 && limit < len(s.ids) {
		return append([]string(nil), s.ids[:limit]...), nil
	}
	return append([]string(nil), s.ids...), nil
}

func scanIDs(dir string) ([]string, error) {
	var ids []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".json" {
			return nil
		}
		raw, readErr := os.ReadFile(path)
		if readErr != nil {
			ids = append(ids, stemOf(path))
			return nil
		}
		bundle, decErr := decodeBundle(stemOf(path), raw)
		if decErr != nil {
			ids = append(ids, stemOf(path))
			return nil
		}
		ids = append(ids, bundle.ID)
		return nil
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("fsstore: scan %s: %w", dir, err)
	}
	sort.Strings(ids)
	return ids, nil
}

func stemOf(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// LoadECG returns the patient's waveform PNG bytes from the CSV map,
// loading and caching the whole file on first use.
func (s *Store) LoadECG(ctx context.Context, id string) ([]byte, error) {
	if s.ECGCSVPath == "" {
		return nil, nil
	}
	var loadErr error
	s.ecgOnce.Do(func() {
		s.ecg, loadErr = loadECGCSV(s.ECGCSVPath)
	})
	if loadErr != nil {
		return nil, loadErr
	}
	return s.ecg[id], nil
}

func loadECGCSV(path string) (map[string][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string][]byte{}, nil
		}
		return nil, fmt.Errorf("fsstore: open ecg csv %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 2
	out := map[string][]byte{}
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("fsstore: read ecg csv %s: %w", path, err)
		}
		out[rec[0]] = []byte(rec[1])
	}
	return out, nil
}

// dicomIDPattern extracts a patient-id-looking token from a DICOM filename,
// matching the corpus's filename-encoded-demographics convention.
var dicomIDPattern = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)

// ListDICOMPaths walks the DICOM directory and returns every *.dcm file
// found, with a best-effort patient id hint parsed from the filename.
func (s *Store) ListDICOMPaths(ctx context.Context) ([]store.DicomRef, error) {
	if s.DicomDir == "" {
		return nil, nil
	}
	var refs []store.DicomRef
	err := filepath.WalkDir(s.DicomDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.ToLower(filepath.Ext(path)) != ".dcm" {
			return nil
		}
		refs = append(refs, store.DicomRef{
			Path:          path,
			PatientIDHint: dicomIDPattern.FindString(filepath.Base(path)),
		})
		return nil
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("fsstore: walk %s: %w", s.DicomDir, err)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Path < refs[j].Path })
	return refs, nil
}

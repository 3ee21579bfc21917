// Package snapshot persists per-run catalogs and computes new-listing deltas.
package snapshot

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"sjsage522/shopwatch/internal/catalog"
	"sjsage522/shopwatch/logger"
)

const (
	// FolderLayout names a run folder after its creation second
	FolderLayout = "02.01.2006_15.04.05"
	minuteLayout = "02.01.2006_15.04"
	legacyLayout = "02.01.2006"
	resultsFile  = "results.json"
)

// Snapshot is the full listing set of one run, keyed shop -> id -> url
type Snapshot struct {
	Dir         string                       `json:"-"`
	CreatedAt   time.Time                    `json:"-"`
	RunID       string                       `json:"run_id,omitempty"`
	Shops       map[string]map[string]string `json:"shops"`
	NewProducts map[string]string            `json:"new_products,omitempty"`
}

// New builds a snapshot from scraped listings grouped by shop
func New(runID string, createdAt time.Time, byShop map[string][]catalog.Listing) *Snapshot {
	shops := make(map[string]map[string]string, len(byShop))
	for shop, listings := range byShop {
		ids := make(map[string]string, len(listings))
		for _, l := range listings {
			ids[l.ID] = l.URL
		}
		shops[shop] = ids
	}
	return &Snapshot{RunID: runID, CreatedAt: createdAt, Shops: shops}
}

// Count returns the number of listings across all shops
func (s *Snapshot) Count() int {
	n := 0
	for _, ids := range s.Shops {
		n += len(ids)
	}
	return n
}

// Store keeps one folder per run under root
type Store struct {
	root string
	loc  *time.Location
}

// NewStore creates a store; folder names are rendered in loc
func NewStore(root string, loc *time.Location) *Store {
	if loc == nil {
		loc = time.Local
	}
	return &Store{root: root, loc: loc}
}

// FolderName returns the run folder name for a creation time
func (s *Store) FolderName(t time.Time) string {
	return t.In(s.loc).Format(FolderLayout)
}

// Save writes the snapshot into its run folder, replacing any earlier write of the same run
func (s *Store) Save(ctx context.Context, snap *Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if snap.Shops == nil {
		snap.Shops = map[string]map[string]string{}
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now()
	}
	snap.Dir = s.FolderName(snap.CreatedAt)

	dir := filepath.Join(s.root, snap.Dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "snapshot: create folder %s", dir)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return eris.Wrap(err, "snapshot: encode")
	}

	tmp, err := os.CreateTemp(dir, resultsFile+".*")
	if err != nil {
		return eris.Wrap(err, "snapshot: create temp file")
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return eris.Wrap(err, "snapshot: write")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return eris.Wrap(err, "snapshot: close")
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, resultsFile)); err != nil {
		os.Remove(tmp.Name())
		return eris.Wrap(err, "snapshot: publish")
	}

	logger.Debug("Snapshot %s saved with %d listings", snap.Dir, snap.Count())
	return nil
}

type folder struct {
	name string
	at   time.Time
}

// folders lists completed run folders, newest first
func (s *Store) folders() ([]folder, error) {
	entries, err := os.ReadDir(s.root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "snapshot: read %s", s.root)
	}

	var out []folder
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		at, ok := s.parseFolder(e.Name())
		if !ok {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.root, e.Name(), resultsFile)); err != nil {
			continue
		}
		out = append(out, folder{name: e.Name(), at: at})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].at.After(out[j].at) })
	return out, nil
}

func (s *Store) parseFolder(name string) (time.Time, bool) {
	for _, layout := range []string{FolderLayout, minuteLayout, legacyLayout} {
		if t, err := time.ParseInLocation(layout, name, s.loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Previous loads the most recent completed snapshot other than exclude; nil when none exists
func (s *Store) Previous(exclude string) (*Snapshot, error) {
	folders, err := s.folders()
	if err != nil {
		return nil, err
	}
	for _, f := range folders {
		if f.name == exclude {
			continue
		}
		return s.load(f)
	}
	return nil, nil
}

func (s *Store) load(f folder) (*Snapshot, error) {
	path := filepath.Join(s.root, f.name, resultsFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "snapshot: read %s", path)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, eris.Wrapf(err, "snapshot: decode %s", path)
	}
	if snap.Shops == nil {
		snap.Shops = map[string]map[string]string{}
	}
	snap.Dir = f.name
	snap.CreatedAt = f.at
	return &snap, nil
}

// Cleanup deletes every run folder older than keep and returns how many were removed
func (s *Store) Cleanup(keep string) (int, error) {
	keepAt, ok := s.parseFolder(keep)
	if !ok {
		return 0, eris.Errorf("snapshot: %q is not a run folder", keep)
	}
	folders, err := s.folders()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, f := range folders {
		if f.name == keep || !f.at.Before(keepAt) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.root, f.name)); err != nil {
			return removed, eris.Wrapf(err, "snapshot: remove %s", f.name)
		}
		removed++
	}
	return removed, nil
}

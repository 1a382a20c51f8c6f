package store

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fablekit/fable/internal/observability"
)

// Store persists stories, fragments, generation logs, and block configs under
// a data directory:
//
//	stories/{sid}/
//	  meta.json
//	  content/
//	    fragments/ <id>.json, _index.json
//	    generation-logs/ <lid>.json, _index.json
//	    block-config.json
//	    librarian/ suggestions.json
//
// All JSON writes go through an atomic temp-file rename. Writes for a story
// are serialized by a per-story mutex; the process is assumed to be the only
// writer for its data directory.
type Store struct {
	dataDir string
	logger  *observability.Logger

	mu      sync.Mutex
	indexes map[string][]FragmentSummary
	locks   map[string]*sync.Mutex
}

// Open creates a store rooted at dataDir, creating the directory if needed.
func Open(dataDir string, logger *observability.Logger) (*Store, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("%w: data directory is required", ErrInvalid)
	}
	if err := os.MkdirAll(filepath.Join(dataDir, "stories"), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if logger == nil {
		logger = observability.NewTestLogger()
	}
	return &Store{
		dataDir: dataDir,
		logger:  logger,
		indexes: make(map[string][]FragmentSummary),
		locks:   make(map[string]*sync.Mutex),
	}, nil
}

// DataDir returns the store's root directory.
func (s *Store) DataDir() string { return s.dataDir }

func (s *Store) storyDir(sid string) string {
	return filepath.Join(s.dataDir, "stories", sid)
}

func (s *Store) fragmentsDir(sid string) string {
	return filepath.Join(s.storyDir(sid), "content", "fragments")
}

func (s *Store) fragmentPath(sid, fid string) string {
	return filepath.Join(s.fragmentsDir(sid), fid+".json")
}

// storyLock returns the write mutex for a story, creating it on first use.
func (s *Store) storyLock(sid string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[sid]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[sid] = lock
	}
	return lock
}

// Clear drops the in-memory index caches. Intended for tests.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexes = make(map[string][]FragmentSummary)
}

// CreateFragmentInput holds the attributes for a new fragment.
type CreateFragmentInput struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Content     string         `json:"content"`
	Sticky      bool           `json:"sticky"`
	Placement   string         `json:"placement"`
	Order       float64        `json:"order"`
	Tags        []string       `json:"tags"`
	Meta        map[string]any `json:"meta"`
}

// CreateFragment creates a fragment with a fresh id and version 1.
func (s *Store) CreateFragment(sid string, in CreateFragmentInput) (*Fragment, error) {
	if _, err := s.GetStory(sid); err != nil {
		return nil, err
	}
	if _, ok := PrefixFor(in.Type); !ok {
		return nil, fmt.Errorf("%w: unknown fragment type %q", ErrInvalid, in.Type)
	}
	if in.Placement == "" {
		in.Placement = PlacementUser
	}
	if in.Placement != PlacementSystem && in.Placement != PlacementUser {
		return nil, fmt.Errorf("%w: placement must be system or user", ErrInvalid)
	}

	lock := s.storyLock(sid)
	lock.Lock()
	defer lock.Unlock()

	id, err := NewFragmentID(in.Type)
	if err != nil {
		return nil, err
	}
	// Regenerate on the unlikely collision.
	for i := 0; i < 5; i++ {
		if _, statErr := os.Stat(s.fragmentPath(sid, id)); os.IsNotExist(statErr) {
			break
		}
		if id, err = NewFragmentID(in.Type); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	frag := &Fragment{
		ID:          id,
		Type:        in.Type,
		Name:        in.Name,
		Description: in.Description,
		Content:     in.Content,
		Sticky:      in.Sticky,
		Placement:   in.Placement,
		Order:       in.Order,
		Tags:        in.Tags,
		Meta:        in.Meta,
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
		Versions:    []Snapshot{},
	}
	if frag.Tags == nil {
		frag.Tags = []string{}
	}

	if err := s.writeFragmentLocked(sid, frag); err != nil {
		return nil, err
	}
	return frag, nil
}

// GetFragment loads a fragment. Absent or unparseable files yield (nil, nil)
// so tool handlers and scripts can treat both as "no such fragment".
func (s *Store) GetFragment(sid, fid string) (*Fragment, error) {
	var frag Fragment
	err := readJSON(s.fragmentPath(sid, fid), &frag)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn(nil, "unreadable fragment file", "story_id", sid, "fragment_id", fid, "error", err.Error())
		}
		return nil, nil
	}
	return &frag, nil
}

// mustGetFragment is GetFragment with ErrNotFound for mutation paths.
func (s *Store) mustGetFragment(sid, fid string) (*Fragment, error) {
	frag, err := s.GetFragment(sid, fid)
	if err != nil {
		return nil, err
	}
	if frag == nil {
		return nil, fmt.Errorf("fragment %s: %w", fid, ErrNotFound)
	}
	return frag, nil
}

// UpdateFragmentInput is a partial update. Nil fields are left unchanged.
// A change to Name, Description, or Content appends a snapshot of the prior
// state and increments the version.
type UpdateFragmentInput struct {
	Name        *string         `json:"name"`
	Description *string         `json:"description"`
	Content     *string         `json:"content"`
	Sticky      *bool           `json:"sticky"`
	Placement   *string         `json:"placement"`
	Order       *float64        `json:"order"`
	Tags        *[]string       `json:"tags"`
	Meta        *map[string]any `json:"meta"`

	// ExpectedVersion enables compare-and-swap: when set, the update fails
	// with ErrConflict unless the stored version matches.
	ExpectedVersion *int `json:"expectedVersion"`
}

// UpdateFragment applies a partial update under the story write lock.
func (s *Store) UpdateFragment(sid, fid string, in UpdateFragmentInput) (*Fragment, error) {
	lock := s.storyLock(sid)
	lock.Lock()
	defer lock.Unlock()
	return s.updateFragmentLocked(sid, fid, in)
}

func (s *Store) updateFragmentLocked(sid, fid string, in UpdateFragmentInput) (*Fragment, error) {
	frag, err := s.mustGetFragment(sid, fid)
	if err != nil {
		return nil, err
	}
	if in.ExpectedVersion != nil && *in.ExpectedVersion != frag.Version {
		return nil, fmt.Errorf("fragment %s at version %d, expected %d: %w",
			fid, frag.Version, *in.ExpectedVersion, ErrConflict)
	}

	versioned := (in.Name != nil && *in.Name != frag.Name) ||
		(in.Description != nil && *in.Description != frag.Description) ||
		(in.Content != nil && *in.Content != frag.Content)

	if versioned {
		frag.Versions = append(frag.Versions, Snapshot{
			Version:     frag.Version,
			Name:        frag.Name,
			Description: frag.Description,
			Content:     frag.Content,
			SavedAt:     time.Now().UTC(),
		})
		frag.Version++
	}

	if in.Name != nil {
		frag.Name = *in.Name
	}
	if in.Description != nil {
		frag.Description = *in.Description
	}
	if in.Content != nil {
		frag.Content = *in.Content
	}
	if in.Sticky != nil {
		frag.Sticky = *in.Sticky
	}
	if in.Placement != nil {
		if *in.Placement != PlacementSystem && *in.Placement != PlacementUser {
			return nil, fmt.Errorf("%w: placement must be system or user", ErrInvalid)
		}
		frag.Placement = *in.Placement
	}
	if in.Order != nil {
		frag.Order = *in.Order
	}
	if in.Tags != nil {
		frag.Tags = slices.Clone(*in.Tags)
	}
	if in.Meta != nil {
		frag.Meta = *in.Meta
	}
	frag.UpdatedAt = time.Now().UTC()

	if err := s.writeFragmentLocked(sid, frag); err != nil {
		return nil, err
	}
	return frag, nil
}

// ArchiveFragment marks a fragment archived, removing it from default
// listings. The content is retained and the version is not bumped.
func (s *Store) ArchiveFragment(sid, fid string) (*Fragment, error) {
	return s.setArchived(sid, fid, true)
}

// RestoreFragment clears the archived flag.
func (s *Store) RestoreFragment(sid, fid string) (*Fragment, error) {
	return s.setArchived(sid, fid, false)
}

func (s *Store) setArchived(sid, fid string, archived bool) (*Fragment, error) {
	lock := s.storyLock(sid)
	lock.Lock()
	defer lock.Unlock()

	frag, err := s.mustGetFragment(sid, fid)
	if err != nil {
		return nil, err
	}
	frag.Archived = archived
	frag.UpdatedAt = time.Now().UTC()
	if err := s.writeFragmentLocked(sid, frag); err != nil {
		return nil, err
	}
	return frag, nil
}

// DeleteFragment removes a fragment file and its index entry.
func (s *Store) DeleteFragment(sid, fid string) error {
	lock := s.storyLock(sid)
	lock.Lock()
	defer lock.Unlock()

	if _, err := s.mustGetFragment(sid, fid); err != nil {
		return err
	}
	if err := os.Remove(s.fragmentPath(sid, fid)); err != nil {
		return fmt.Errorf("delete fragment %s: %w", fid, err)
	}
	return s.removeIndexEntryLocked(sid, fid)
}

// ListOptions filters fragment listings.
type ListOptions struct {
	// Type restricts the listing to one fragment type.
	Type string

	// IncludeArchived includes archived fragments, excluded by default.
	IncludeArchived bool
}

// ListSummaries returns lightweight index entries, ordered by ascending
// Order, then CreatedAt implied by id-stable index order.
func (s *Store) ListSummaries(sid string, opts ListOptions) ([]FragmentSummary, error) {
	if _, err := s.GetStory(sid); err != nil {
		return nil, err
	}

	lock := s.storyLock(sid)
	lock.Lock()
	entries, err := s.indexLocked(sid)
	lock.Unlock()
	if err != nil {
		return nil, err
	}

	var prefix string
	if opts.Type != "" {
		p, ok := PrefixFor(opts.Type)
		if !ok {
			return nil, fmt.Errorf("%w: unknown fragment type %q", ErrInvalid, opts.Type)
		}
		prefix = p + "-"
	}

	out := make([]FragmentSummary, 0, len(entries))
	for _, e := range entries {
		if prefix != "" && !strings.HasPrefix(e.ID, prefix) {
			continue
		}
		if e.Archived && !opts.IncludeArchived {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

// ListFragments loads the full fragments matching opts, in summary order.
func (s *Store) ListFragments(sid string, opts ListOptions) ([]*Fragment, error) {
	summaries, err := s.ListSummaries(sid, opts)
	if err != nil {
		return nil, err
	}
	out := make([]*Fragment, 0, len(summaries))
	for _, sum := range summaries {
		frag, err := s.GetFragment(sid, sum.ID)
		if err != nil {
			return nil, err
		}
		if frag != nil {
			out = append(out, frag)
		}
	}
	return out, nil
}

// ListVersions returns the snapshot history for a fragment, oldest first.
func (s *Store) ListVersions(sid, fid string) ([]Snapshot, error) {
	frag, err := s.mustGetFragment(sid, fid)
	if err != nil {
		return nil, err
	}
	return frag.Versions, nil
}

// RevertToVersion restores the fragment state recorded in the snapshot with
// the given version; a nil version selects the most recent snapshot. The
// current state is snapshotted first, so a revert is itself versioned.
func (s *Store) RevertToVersion(sid, fid string, version *int) (*Fragment, error) {
	lock := s.storyLock(sid)
	lock.Lock()
	defer lock.Unlock()

	frag, err := s.mustGetFragment(sid, fid)
	if err != nil {
		return nil, err
	}
	if len(frag.Versions) == 0 {
		return nil, fmt.Errorf("fragment %s has no snapshots: %w", fid, ErrNotFound)
	}

	target := frag.Versions[len(frag.Versions)-1]
	if version != nil {
		found := false
		for _, snap := range frag.Versions {
			if snap.Version == *version {
				target = snap
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("fragment %s version %d: %w", fid, *version, ErrNotFound)
		}
	}

	frag.Versions = append(frag.Versions, Snapshot{
		Version:     frag.Version,
		Name:        frag.Name,
		Description: frag.Description,
		Content:     frag.Content,
		SavedAt:     time.Now().UTC(),
		Note:        fmt.Sprintf("revert to version %d", target.Version),
	})
	frag.Version++
	frag.Name = target.Name
	frag.Description = target.Description
	frag.Content = target.Content
	frag.UpdatedAt = time.Now().UTC()

	if err := s.writeFragmentLocked(sid, frag); err != nil {
		return nil, err
	}
	return frag, nil
}

// writeFragmentLocked persists the fragment and refreshes its index entry.
// Callers must hold the story lock.
func (s *Store) writeFragmentLocked(sid string, frag *Fragment) error {
	if err := writeJSONAtomic(s.fragmentPath(sid, frag.ID), frag); err != nil {
		return err
	}
	return s.upsertIndexEntryLocked(sid, frag.Summary())
}

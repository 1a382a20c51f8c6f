package store

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const indexFile = "_index.json"

// indexLocked returns the summary index for a story, loading it from
// _index.json or rebuilding it from the fragment directory when the file is
// missing or unreadable. Callers must hold the story lock.
func (s *Store) indexLocked(sid string) ([]FragmentSummary, error) {
	s.mu.Lock()
	cached, ok := s.indexes[sid]
	s.mu.Unlock()
	if ok {
		return cached, nil
	}

	var entries []FragmentSummary
	path := filepath.Join(s.fragmentsDir(sid), indexFile)
	if err := readJSON(path, &entries); err != nil {
		rebuilt, rebuildErr := s.rebuildIndexLocked(sid)
		if rebuildErr != nil {
			return nil, rebuildErr
		}
		entries = rebuilt
	}

	s.mu.Lock()
	s.indexes[sid] = entries
	s.mu.Unlock()
	return entries, nil
}

// rebuildIndexLocked scans the fragment directory and rewrites _index.json.
// Unparseable files are skipped with a warning.
func (s *Store) rebuildIndexLocked(sid string) ([]FragmentSummary, error) {
	dir := s.fragmentsDir(sid)
	dirents, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []FragmentSummary{}, nil
		}
		return nil, err
	}

	entries := make([]FragmentSummary, 0, len(dirents))
	for _, de := range dirents {
		name := de.Name()
		if de.IsDir() || name == indexFile || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		if !ValidFragmentID(id) {
			continue
		}
		var frag Fragment
		if err := readJSON(filepath.Join(dir, name), &frag); err != nil {
			s.logger.Warn(nil, "skipping unreadable fragment during index rebuild",
				"story_id", sid, "file", name, "error", err.Error())
			continue
		}
		entries = append(entries, frag.Summary())
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })

	if err := writeJSONAtomic(filepath.Join(dir, indexFile), entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// upsertIndexEntryLocked replaces or appends an index entry and persists the
// index. Callers must hold the story lock.
func (s *Store) upsertIndexEntryLocked(sid string, entry FragmentSummary) error {
	entries, err := s.indexLocked(sid)
	if err != nil {
		return err
	}
	replaced := false
	next := make([]FragmentSummary, len(entries))
	copy(next, entries)
	for i := range next {
		if next[i].ID == entry.ID {
			next[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		next = append(next, entry)
	}
	return s.saveIndexLocked(sid, next)
}

// removeIndexEntryLocked drops an index entry and persists the index.
func (s *Store) removeIndexEntryLocked(sid, fid string) error {
	entries, err := s.indexLocked(sid)
	if err != nil {
		return err
	}
	next := make([]FragmentSummary, 0, len(entries))
	for _, e := range entries {
		if e.ID != fid {
			next = append(next, e)
		}
	}
	return s.saveIndexLocked(sid, next)
}

func (s *Store) saveIndexLocked(sid string, entries []FragmentSummary) error {
	if err := writeJSONAtomic(filepath.Join(s.fragmentsDir(sid), indexFile), entries); err != nil {
		return err
	}
	s.mu.Lock()
	s.indexes[sid] = entries
	s.mu.Unlock()
	return nil
}

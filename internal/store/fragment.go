// Package store persists stories and their fragments as JSON files under a
// per-story directory, with atomic writes and a cached summary index.
package store

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"
)

// Placement values control which prompt message a sticky fragment lands in.
const (
	PlacementSystem = "system"
	PlacementUser   = "user"
)

// Well-known fragment types.
const (
	TypeProse     = "prose"
	TypeCharacter = "character"
	TypeGuideline = "guideline"
	TypeKnowledge = "knowledge"
)

// Fragment is the persisted unit of story content.
type Fragment struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Content     string         `json:"content"`
	Sticky      bool           `json:"sticky"`
	Placement   string         `json:"placement"`
	Archived    bool           `json:"archived"`
	Order       float64        `json:"order"`
	Tags        []string       `json:"tags"`
	Meta        map[string]any `json:"meta,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`

	// Version starts at 1 and increases on every change to name,
	// description, or content. Other attribute changes leave it untouched.
	Version int `json:"version"`

	// Versions holds snapshots of the fragment state before each versioned
	// change, oldest first.
	Versions []Snapshot `json:"versions"`
}

// Snapshot records the versioned state of a fragment prior to a change.
type Snapshot struct {
	Version     int       `json:"version"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Content     string    `json:"content"`
	SavedAt     time.Time `json:"savedAt"`
	Note        string    `json:"note,omitempty"`
}

// FragmentSummary is the lightweight index entry for a fragment.
type FragmentSummary struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Sticky      bool      `json:"sticky"`
	Placement   string    `json:"placement"`
	Archived    bool      `json:"archived"`
	Order       float64   `json:"order"`
	Tags        []string  `json:"tags"`
	UpdatedAt   time.Time `json:"updatedAt"`
	Version     int       `json:"version"`
}

// Summary derives the index entry for a fragment.
func (f *Fragment) Summary() FragmentSummary {
	return FragmentSummary{
		ID:          f.ID,
		Type:        f.Type,
		Name:        f.Name,
		Description: f.Description,
		Sticky:      f.Sticky,
		Placement:   f.Placement,
		Archived:    f.Archived,
		Order:       f.Order,
		Tags:        f.Tags,
		UpdatedAt:   f.UpdatedAt,
		Version:     f.Version,
	}
}

// typeRegistry maps fragment type names to their 2-character id prefixes.
// Guarded for concurrent registration from plugin init paths.
var typeRegistry = struct {
	sync.RWMutex
	prefixes map[string]string
	types    map[string]string
}{
	prefixes: map[string]string{
		TypeProse:     "pr",
		TypeCharacter: "ch",
		TypeGuideline: "gl",
		TypeKnowledge: "kn",
	},
	types: map[string]string{
		"pr": TypeProse,
		"ch": TypeCharacter,
		"gl": TypeGuideline,
		"kn": TypeKnowledge,
	},
}

var prefixPattern = regexp.MustCompile(`^[a-z0-9]{2}$`)

// RegisterType adds a fragment type with the given 2-character prefix.
// Registering an existing type with the same prefix is a no-op.
func RegisterType(name, prefix string) error {
	if name == "" || !prefixPattern.MatchString(prefix) {
		return fmt.Errorf("store: invalid type registration %q/%q", name, prefix)
	}
	typeRegistry.Lock()
	defer typeRegistry.Unlock()
	if existing, ok := typeRegistry.prefixes[name]; ok && existing != prefix {
		return fmt.Errorf("store: type %q already registered with prefix %q", name, existing)
	}
	if existing, ok := typeRegistry.types[prefix]; ok && existing != name {
		return fmt.Errorf("store: prefix %q already registered for type %q", prefix, existing)
	}
	typeRegistry.prefixes[name] = prefix
	typeRegistry.types[prefix] = name
	return nil
}

// PrefixFor returns the id prefix for a fragment type.
func PrefixFor(fragmentType string) (string, bool) {
	typeRegistry.RLock()
	defer typeRegistry.RUnlock()
	p, ok := typeRegistry.prefixes[fragmentType]
	return p, ok
}

// TypeFor returns the fragment type for an id prefix.
func TypeFor(prefix string) (string, bool) {
	typeRegistry.RLock()
	defer typeRegistry.RUnlock()
	t, ok := typeRegistry.types[prefix]
	return t, ok
}

// FragmentTypes returns the registered type names, sorted.
func FragmentTypes() []string {
	typeRegistry.RLock()
	defer typeRegistry.RUnlock()
	names := make([]string, 0, len(typeRegistry.prefixes))
	for name := range typeRegistry.prefixes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewFragmentID generates an id of the form "{prefix}-{6 lowercase
// alphanumerics}" for the given fragment type.
func NewFragmentID(fragmentType string) (string, error) {
	prefix, ok := PrefixFor(fragmentType)
	if !ok {
		return "", fmt.Errorf("store: unknown fragment type %q", fragmentType)
	}
	return prefix + "-" + randomSuffix(6), nil
}

func randomSuffix(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms; fall back to a
		// time-derived suffix rather than panicking mid-request.
		now := time.Now().UnixNano()
		for i := range buf {
			buf[i] = idAlphabet[int(now>>uint(i*5))%len(idAlphabet)]
		}
		return string(buf)
	}
	for i := range buf {
		buf[i] = idAlphabet[int(buf[i])%len(idAlphabet)]
	}
	return string(buf)
}

var idPattern = regexp.MustCompile(`^[a-z0-9]{2}-[a-z0-9]{4,8}$`)

// ValidFragmentID reports whether id matches the fragment id grammar.
func ValidFragmentID(id string) bool {
	return idPattern.MatchString(id)
}

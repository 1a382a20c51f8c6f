package store

import (
	"fmt"
	"os"
	"path/filepath"
)

// Block content modes applied by overrides.
const (
	ContentModeOverride = "override"
	ContentModePrepend  = "prepend"
	ContentModeAppend   = "append"
)

// Custom block types.
const (
	BlockTypeSimple = "simple"
	BlockTypeScript = "script"
)

// BlockConfig is the persisted per-story prompt block configuration.
type BlockConfig struct {
	// CustomBlocks are user-defined blocks appended to the defaults.
	CustomBlocks []CustomBlockDefinition `json:"customBlocks"`

	// Overrides adjusts blocks by id (builtin or custom).
	Overrides map[string]BlockOverride `json:"overrides"`

	// BlockOrder, when non-empty, assigns each referenced block the order
	// equal to its index in the sequence.
	BlockOrder []string `json:"blockOrder"`
}

// CustomBlockDefinition is a user-authored prompt block. Script blocks hold
// an async function body evaluated with a context capability object.
type CustomBlockDefinition struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Role    string  `json:"role"`
	Order   float64 `json:"order"`
	Enabled bool    `json:"enabled"`
	Type    string  `json:"type"`
	Content string  `json:"content"`
}

// BlockOverride adjusts a single block. Nil fields leave the block unchanged.
type BlockOverride struct {
	Enabled       *bool    `json:"enabled,omitempty"`
	Order         *float64 `json:"order,omitempty"`
	ContentMode   *string  `json:"contentMode,omitempty"`
	CustomContent string   `json:"customContent,omitempty"`
}

func (s *Store) blockConfigPath(sid string) string {
	return filepath.Join(s.storyDir(sid), "content", "block-config.json")
}

// GetBlockConfig loads a story's block configuration. A missing file yields
// an empty config.
func (s *Store) GetBlockConfig(sid string) (*BlockConfig, error) {
	if _, err := s.GetStory(sid); err != nil {
		return nil, err
	}
	var cfg BlockConfig
	if err := readJSON(s.blockConfigPath(sid), &cfg); err != nil {
		if os.IsNotExist(err) {
			return &BlockConfig{Overrides: map[string]BlockOverride{}}, nil
		}
		return nil, fmt.Errorf("read block config: %w", err)
	}
	if cfg.Overrides == nil {
		cfg.Overrides = map[string]BlockOverride{}
	}
	return &cfg, nil
}

// PutBlockConfig validates and persists a story's block configuration.
func (s *Store) PutBlockConfig(sid string, cfg *BlockConfig) error {
	if _, err := s.GetStory(sid); err != nil {
		return err
	}
	for _, block := range cfg.CustomBlocks {
		if block.ID == "" {
			return fmt.Errorf("%w: custom block id is required", ErrInvalid)
		}
		if block.Role != PlacementSystem && block.Role != PlacementUser {
			return fmt.Errorf("%w: custom block %s role must be system or user", ErrInvalid, block.ID)
		}
		if block.Type != BlockTypeSimple && block.Type != BlockTypeScript {
			return fmt.Errorf("%w: custom block %s type must be simple or script", ErrInvalid, block.ID)
		}
	}
	for id, ov := range cfg.Overrides {
		if ov.ContentMode != nil {
			switch *ov.ContentMode {
			case ContentModeOverride, ContentModePrepend, ContentModeAppend:
			default:
				return fmt.Errorf("%w: override %s has unknown content mode %q", ErrInvalid, id, *ov.ContentMode)
			}
		}
	}

	lock := s.storyLock(sid)
	lock.Lock()
	defer lock.Unlock()
	return writeJSONAtomic(s.blockConfigPath(sid), cfg)
}

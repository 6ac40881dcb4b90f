package agent

import (
	"encoding/json"
	"fmt"
	"os"
)

// loadTagsFile reads tags previously persisted by writeTagsFile and returns
// them, or an empty map if the file does not exist yet.
func loadTagsFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, fmt.Errorf("agent: reading tags file: %w", err)
	}
	tags := make(map[string]string)
	if err := json.Unmarshal(data, &tags); err != nil {
		return nil, fmt.Errorf("agent: decoding tags file: %w", err)
	}
	return tags, nil
}

// writeTagsFile atomically rewrites path with tags: the new content is
// written to a temp file in the same directory and renamed over path, so a
// crash mid-write never leaves a half-written tags file behind.
func writeTagsFile(path string, tags map[string]string) error {
	encoded, err := json.MarshalIndent(tags, "", "  ")
	if err != nil {
		return fmt.Errorf("agent: encoding tags: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0600); err != nil {
		return fmt.Errorf("agent: writing tags file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("agent: installing tags file: %w", err)
	}
	return nil
}

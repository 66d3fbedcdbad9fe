package peers

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
)

const jsonIdentityPath = "peers.json"

// JSONIdentitySet reads and writes the initial mesh topology from a
// peers.json file in the data directory. The launcher uses it to seed the
// router's neighbor table; it plays no part after startup.
type JSONIdentitySet struct {
	path string
}

// NewJSONIdentitySet creates a JSONIdentitySet rooted at base.
func NewJSONIdentitySet(base string) *JSONIdentitySet {
	return &JSONIdentitySet{path: filepath.Join(base, jsonIdentityPath)}
}

// Identities loads the identities from the underlying file.
func (s *JSONIdentitySet) Identities() ([]Identity, error) {
	buf, err := ioutil.ReadFile(s.path)
	if err != nil {
		return nil, err
	}

	var ids []Identity
	if err := json.Unmarshal(buf, &ids); err != nil {
		return nil, err
	}

	return ids, nil
}

// Write persists the identities, pretty-printed, to the underlying file.
func (s *JSONIdentitySet) Write(ids []Identity) error {
	buf, err := json.MarshalIndent(ids, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return err
	}

	return ioutil.WriteFile(s.path, buf, 0600)
}

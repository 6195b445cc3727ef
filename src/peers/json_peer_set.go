package peers

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

const jsonPeerSetPath = "peers.json"

// bootstrapPeer is one entry of the peers.json file.
type bootstrapPeer struct {
	Address string `json:"address"`
	Moniker string `json:"moniker,omitempty"`
}

// JSONPeerSet provides the static bootstrap peer list on disk in the form of
// a JSON file. It lists the addresses a node attempts to connect to on
// startup; the live view of the network is owned by the Registry.
type JSONPeerSet struct {
	l    sync.Mutex
	path string
}

// NewJSONPeerSet creates a JSONPeerSet with reference to the base directory
// where the JSON file resides.
func NewJSONPeerSet(base string) *JSONPeerSet {
	return &JSONPeerSet{
		path: filepath.Join(base, jsonPeerSetPath),
	}
}

// Addresses parses the underlying JSON file and returns the bootstrap
// addresses.
func (j *JSONPeerSet) Addresses() ([]string, error) {
	j.l.Lock()
	defer j.l.Unlock()

	buf, err := os.ReadFile(j.path)
	if err != nil {
		return nil, err
	}

	if len(buf) == 0 {
		return nil, nil
	}

	var entries []bootstrapPeer

	dec := json.NewDecoder(bytes.NewReader(buf))
	if err := dec.Decode(&entries); err != nil {
		return nil, err
	}

	addrs := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Address != "" {
			addrs = append(addrs, e.Address)
		}
	}

	return addrs, nil
}

// Write persists a bootstrap list to the JSON file.
func (j *JSONPeerSet) Write(addrs []string) error {
	j.l.Lock()
	defer j.l.Unlock()

	entries := make([]bootstrapPeer, len(addrs))
	for i, a := range addrs {
		entries[i] = bootstrapPeer{Address: a}
	}

	var buf bytes.Buffer

	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "\t")

	if err := enc.Encode(entries); err != nil {
		return err
	}

	return os.WriteFile(j.path, buf.Bytes(), 0644)
}

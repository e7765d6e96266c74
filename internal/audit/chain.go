package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/gowebpki/jcs"
)

// ErrNoChainHead indicates no previous event exists for this chain.
var ErrNoChainHead = errors.New("no chain head found")

// ComputeEventHash hashes the RFC 8785 canonical form of the event with
// event_hash cleared.
func ComputeEventHash(evt *Event) string {
	cp := *evt
	cp.Chain.EventHash = ""

	raw, err := json.Marshal(cp)
	if err != nil {
		return ""
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// headsFile holds every chain head as one JSON object.
const headsFile = "audit-chain-heads.json"

// ChainTracker remembers the last event hash of each chain. Heads survive
// restarts so a rerun links to the previous publication.
type ChainTracker struct {
	mu    sync.RWMutex
	heads map[string]string
	path  string
}

// NewChainTracker reads the heads stored in dir, creating dir if needed.
func NewChainTracker(dir string) (*ChainTracker, error) {
	if dir == "" {
		dir = "./state"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create chain tracker dir: %w", err)
	}

	ct := &ChainTracker{heads: map[string]string{}, path: filepath.Join(dir, headsFile)}
	data, err := os.ReadFile(ct.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read chain heads: %w", err)
	default:
		if err := json.Unmarshal(data, &ct.heads); err != nil {
			return nil, fmt.Errorf("decode chain heads %s: %w", ct.path, err)
		}
	}
	return ct, nil
}

// Head returns the hash of the newest event in chainKey.
func (ct *ChainTracker) Head(chainKey string) (string, error) {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	if h := ct.heads[chainKey]; h != "" {
		return h, nil
	}
	return "", ErrNoChainHead
}

// SetHead moves chainKey's head to eventHash and persists all heads.
func (ct *ChainTracker) SetHead(chainKey, eventHash string) error {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.heads[chainKey] = eventHash
	return writeJSONAtomic(ct.path, ct.heads)
}

// writeJSONAtomic replaces path with the indented encoding of v.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

// Package audit emits a tamper-evident, hash-chained record of every
// published manifest. Each event carries the hash of the previous event
// for the same currency and source root.
package audit

import (
	"time"
)

const (
	EventVersion       = "1.0"
	EventTypePublished = "folder_published"
)

// Event records one published folder.
type Event struct {
	Version   string    `json:"version"`
	EventType string    `json:"event_type"`
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`

	Publication Publication         `json:"publication"`
	Items       map[string]ItemInfo `json:"items"`
	Producer    ProducerInfo        `json:"producer"`
	Chain       ChainInfo           `json:"chain"`
}

// Publication identifies what was published.
type Publication struct {
	Currency    string `json:"currency"`
	Root        string `json:"root"`
	BatchID     string `json:"batch_id"`
	ManifestID  string `json:"manifest_id"`
	IndexPath   string `json:"index_path,omitempty"`
	ManifestURI string `json:"manifest_uri,omitempty"`
}

// ItemInfo is one manifest path's item.
type ItemInfo struct {
	ID          string `json:"id"`
	ByteSize    int64  `json:"byte_size,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// ProducerInfo identifies the software that published.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	GitSHA  string `json:"git_sha"`
}

// ChainInfo links an event to its predecessor.
type ChainInfo struct {
	PrevEventHash string `json:"prev_event_hash"`
	EventHash     string `json:"event_hash"`
}

// ChainKey groups events into one chain per currency and root.
func (p Publication) ChainKey() string {
	return p.Currency + "/" + p.Root
}

// SetChainHashes links the event to prev and computes its own hash.
func (e *Event) SetChainHashes(prev string) {
	e.Chain.PrevEventHash = prev
	e.Chain.EventHash = ComputeEventHash(e)
}

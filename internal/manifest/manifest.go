// Package manifest builds path manifests that map logical file paths to
// uploaded item identifiers.
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/gowebpki/jcs"

	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/arbundles"
)

const (
	Kind    = "arweave/paths"
	Version = "0.1.0"

	// ContentType is the media type gateways use to resolve manifests.
	ContentType = "application/x.arweave-manifest+json"
)

// ErrUnknownIndexTarget is returned when the index path is not one of the
// manifest's own paths.
var ErrUnknownIndexTarget = errors.New("index path is not in manifest paths")

// Entry maps one logical path to an item identifier.
type Entry struct {
	Path string
	ID   string
}

// Manifest is immutable once built.
type Manifest struct {
	entries []Entry
	index   string
}

// Build creates a manifest from entries in the given order. index may be
// empty, meaning no index. Paths are taken as given, the empty path
// included. Duplicate paths keep the last identifier at the first position.
func Build(entries []Entry, index string) (*Manifest, error) {
	pos := make(map[string]int, len(entries))
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if i, ok := pos[e.Path]; ok {
			out[i].ID = e.ID
			continue
		}
		pos[e.Path] = len(out)
		out = append(out, e)
	}

	if index != "" {
		if _, ok := pos[index]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownIndexTarget, index)
		}
	}
	return &Manifest{entries: out, index: index}, nil
}

// FromMap builds a manifest from a path to id mapping. Paths are sorted so
// identical input always yields identical output.
func FromMap(paths map[string]string, index string) (*Manifest, error) {
	entries := make([]Entry, 0, len(paths))
	for p, id := range paths {
		entries = append(entries, Entry{Path: p, ID: id})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return Build(entries, index)
}

// Entries returns a copy of the manifest's entries in order.
func (m *Manifest) Entries() []Entry {
	return append([]Entry(nil), m.entries...)
}

// Index returns the index path, or "".
func (m *Manifest) Index() string {
	return m.index
}

// Lookup returns the identifier for path.
func (m *Manifest) Lookup(path string) (string, bool) {
	for _, e := range m.entries {
		if e.Path == path {
			return e.ID, true
		}
	}
	return "", false
}

// MarshalJSON writes the manifest with paths in entry order.
func (m *Manifest) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"manifest":`)
	writeString(&buf, Kind)
	buf.WriteString(`,"version":`)
	writeString(&buf, Version)
	if m.index != "" {
		buf.WriteString(`,"index":{"path":`)
		writeString(&buf, m.index)
		buf.WriteByte('}')
	}
	buf.WriteString(`,"paths":{`)
	for i, e := range m.entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeString(&buf, e.Path)
		buf.WriteString(`:{"id":`)
		writeString(&buf, e.ID)
		buf.WriteByte('}')
	}
	buf.WriteString("}}")
	return buf.Bytes(), nil
}

func writeString(buf *bytes.Buffer, s string) {
	b, _ := json.Marshal(s)
	buf.Write(b)
}

// UnmarshalJSON reads a manifest, checking kind, version and index.
func (m *Manifest) UnmarshalJSON(data []byte) error {
	var raw struct {
		Manifest string `json:"manifest"`
		Version  string `json:"version"`
		Index    *struct {
			Path string `json:"path"`
		} `json:"index"`
		Paths map[string]struct {
			ID string `json:"id"`
		} `json:"paths"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode manifest: %w", err)
	}
	if raw.Manifest != Kind || raw.Version != Version {
		return fmt.Errorf("unsupported manifest %s %s", raw.Manifest, raw.Version)
	}

	paths := make(map[string]string, len(raw.Paths))
	for p, v := range raw.Paths {
		paths[p] = v.ID
	}
	index := ""
	if raw.Index != nil {
		index = raw.Index.Path
	}
	built, err := FromMap(paths, index)
	if err != nil {
		return err
	}
	*m = *built
	return nil
}

// Bytes is the canonical (RFC 8785) encoding uploaded as the manifest item.
func (m *Manifest) Bytes() ([]byte, error) {
	raw, err := m.MarshalJSON()
	if err != nil {
		return nil, err
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize manifest: %w", err)
	}
	return out, nil
}

// Tags are attached to the manifest item so gateways recognize it.
func (m *Manifest) Tags() []arbundles.Tag {
	return []arbundles.Tag{
		{Name: "Content-Type", Value: ContentType},
		{Name: "Type", Value: "manifest"},
	}
}

package arbundles

import (
	"fmt"
)

const (
	BundleFormat  = "binary"
	BundleVersion = "2.0.0"
)

// BundleTags mark an item whose data is a serialized bundle.
func BundleTags() []Tag {
	return []Tag{
		{Name: "Bundle-Format", Value: BundleFormat},
		{Name: "Bundle-Version", Value: BundleVersion},
	}
}

// Bundle is an ordered set of signed items.
type Bundle struct {
	Items []*Item
}

type bundleEntry struct {
	ID   string `cbor:"1,keyasint"`
	Item []byte `cbor:"2,keyasint"`
}

type bundleEnvelope struct {
	Version string        `cbor:"1,keyasint"`
	Entries []bundleEntry `cbor:"2,keyasint"`
}

// NewBundle collects already signed items. Item identifiers are unchanged
// by bundling.
func NewBundle(items []*Item) (*Bundle, error) {
	for i, it := range items {
		if !it.IsSigned() {
			return nil, fmt.Errorf("bundle item %d: %w", i, ErrUnsigned)
		}
	}
	return &Bundle{Items: items}, nil
}

// IDs lists member identifiers in bundle order.
func (b *Bundle) IDs() []string {
	ids := make([]string, len(b.Items))
	for i, it := range b.Items {
		ids[i] = it.ID()
	}
	return ids
}

// Bytes serializes the bundle envelope.
func (b *Bundle) Bytes() ([]byte, error) {
	env := bundleEnvelope{
		Version: BundleVersion,
		Entries: make([]bundleEntry, len(b.Items)),
	}
	for i, it := range b.Items {
		raw, err := it.Bytes()
		if err != nil {
			return nil, fmt.Errorf("encode bundle item %d: %w", i, err)
		}
		env.Entries[i] = bundleEntry{ID: it.ID(), Item: raw}
	}
	out, err := marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode bundle: %w", err)
	}
	return out, nil
}

// Unbundle parses a serialized bundle, verifying every member and checking
// that the recorded identifier matches the one derived from the item.
func Unbundle(data []byte) (*Bundle, error) {
	var env bundleEnvelope
	if err := unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: decode bundle: %v", ErrInvalidItem, err)
	}
	if env.Version != BundleVersion {
		return nil, fmt.Errorf("%w: bundle version %q", ErrInvalidItem, env.Version)
	}

	items := make([]*Item, len(env.Entries))
	for i, e := range env.Entries {
		it, err := ParseItem(e.Item)
		if err != nil {
			return nil, fmt.Errorf("bundle item %d: %w", i, err)
		}
		if it.ID() != e.ID {
			return nil, fmt.Errorf("%w: bundle item %d id %s does not match %s", ErrInvalidItem, i, e.ID, it.ID())
		}
		items[i] = it
	}
	return &Bundle{Items: items}, nil
}

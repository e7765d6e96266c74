package upload

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/arbundles"
)

// NewAnchor returns a random 32-character anchor. Two items built without
// an explicit anchor get distinct identifiers even for identical data.
func NewAnchor() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate anchor: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b)[:arbundles.AnchorSize], nil
}

// BuildItem signs p with signer. Signed items are returned unchanged. An
// unsigned item keeps its tags, target and anchor; opts add tags and fill
// whatever the item leaves empty.
func BuildItem(p Payload, signer arbundles.Signer, opts arbundles.ItemOptions) (*arbundles.Item, error) {
	if it, ok := AsItem(p); ok {
		return it, nil
	}
	if si, ok := p.(SignedItem); ok && si.Item != nil {
		opts = mergeItemOptions(si.Item, opts)
	}

	data, err := ReadPayload(p)
	if err != nil {
		return nil, err
	}

	if opts.Anchor == "" {
		anchor, err := NewAnchor()
		if err != nil {
			return nil, err
		}
		opts.Anchor = anchor
	}

	it, err := arbundles.CreateItem(data, signer, opts)
	if err != nil {
		return nil, fmt.Errorf("create item: %w", err)
	}
	return it, nil
}

func mergeItemOptions(it *arbundles.Item, opts arbundles.ItemOptions) arbundles.ItemOptions {
	out := arbundles.ItemOptions{Target: it.Target, Anchor: string(it.Anchor)}
	if len(out.Target) == 0 {
		out.Target = opts.Target
	}
	if out.Anchor == "" {
		out.Anchor = opts.Anchor
	}
	out.Tags = append(append([]arbundles.Tag(nil), it.Tags...), opts.Tags...)
	return out
}

package upload

import (
	"fmt"
	"io"

	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/arbundles"
)

// Payload is what callers hand to the uploader: raw bytes, a stream, or an
// item that is already signed. The set of variants is closed.
type Payload interface {
	payload()
}

// RawBytes is unsigned data held in memory.
type RawBytes []byte

// Stream is unsigned data read from R. Size is advisory; -1 when unknown.
type Stream struct {
	R    io.Reader
	Size int64
}

// SignedItem wraps an item. An item that still lacks a signature is signed
// from its own data, tags, target and anchor.
type SignedItem struct {
	Item *arbundles.Item
}

func (RawBytes) payload()   {}
func (Stream) payload()     {}
func (SignedItem) payload() {}

// String converts text to a raw payload.
func String(s string) Payload {
	return RawBytes(s)
}

// AsItem reports whether p is a signed item and returns it.
func AsItem(p Payload) (*arbundles.Item, bool) {
	si, ok := p.(SignedItem)
	if !ok || !si.Item.IsSigned() {
		return nil, false
	}
	return si.Item, true
}

// PayloadSize returns the size in bytes of p, or -1 when it is not known
// without reading.
func PayloadSize(p Payload) int64 {
	switch v := p.(type) {
	case RawBytes:
		return int64(len(v))
	case Stream:
		return v.Size
	case SignedItem:
		if v.Item == nil {
			return -1
		}
		if !v.Item.IsSigned() {
			return int64(len(v.Item.Data))
		}
		return v.Item.Size()
	default:
		return -1
	}
}

// ReadPayload materializes p. Signed items return their serialized envelope
// and unsigned ones their data.
func ReadPayload(p Payload) ([]byte, error) {
	switch v := p.(type) {
	case RawBytes:
		return v, nil
	case Stream:
		if v.R == nil {
			return nil, fmt.Errorf("stream payload has no reader")
		}
		data, err := io.ReadAll(v.R)
		if err != nil {
			return nil, fmt.Errorf("read stream: %w", err)
		}
		return data, nil
	case SignedItem:
		if v.Item == nil {
			return nil, fmt.Errorf("signed item payload is nil")
		}
		if !v.Item.IsSigned() {
			return v.Item.Data, nil
		}
		return v.Item.Bytes()
	default:
		return nil, fmt.Errorf("unknown payload type %T", p)
	}
}

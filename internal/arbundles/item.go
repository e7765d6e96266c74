// Package arbundles implements the signed data item envelope and the bundle
// format that packs many items into one upload.
package arbundles

import (
	"errors"
	"fmt"
)

const (
	// AnchorSize and TargetSize are fixed by the envelope format.
	AnchorSize = 32
	TargetSize = 32

	maxTags        = 128
	maxTagNameLen  = 1024
	maxTagValueLen = 3072

	itemFormat  = "dataitem"
	itemVersion = "1"
)

var (
	// ErrInvalidItem is returned when an envelope fails to decode or verify.
	ErrInvalidItem = errors.New("invalid data item")
	// ErrUnsigned is returned when an item without a signature is bundled.
	ErrUnsigned = errors.New("data item is not signed")
)

// Tag is a name/value pair attached to an item.
type Tag struct {
	Name  string `cbor:"1,keyasint" json:"name"`
	Value string `cbor:"2,keyasint" json:"value"`
}

// ItemOptions are the optional envelope fields.
type ItemOptions struct {
	Target []byte
	Anchor string
	Tags   []Tag
}

// Item is a signed, content-addressed unit of data. It is never mutated
// after signing.
type Item struct {
	SignatureType SignatureType `cbor:"1,keyasint"`
	Signature     []byte        `cbor:"2,keyasint"`
	Owner         []byte        `cbor:"3,keyasint"`
	Target        []byte        `cbor:"4,keyasint,omitempty"`
	Anchor        []byte        `cbor:"5,keyasint,omitempty"`
	Tags          []Tag         `cbor:"6,keyasint,omitempty"`
	Data          []byte        `cbor:"7,keyasint"`

	raw []byte
}

// signingPayload is what the owner's signature covers. The data itself is
// represented by its digest.
type signingPayload struct {
	Format        string        `cbor:"1,keyasint"`
	Version       string        `cbor:"2,keyasint"`
	SignatureType SignatureType `cbor:"3,keyasint"`
	Owner         []byte        `cbor:"4,keyasint"`
	Target        []byte        `cbor:"5,keyasint,omitempty"`
	Anchor        []byte        `cbor:"6,keyasint,omitempty"`
	Tags          []Tag         `cbor:"7,keyasint,omitempty"`
	DataDigest    []byte        `cbor:"8,keyasint"`
}

// CreateItem signs data with signer and returns the sealed envelope.
func CreateItem(data []byte, signer Signer, opts ItemOptions) (*Item, error) {
	if signer == nil {
		return nil, errors.New("signer is required")
	}
	if err := validateOptions(opts); err != nil {
		return nil, err
	}

	item := &Item{
		SignatureType: signer.SignatureType(),
		Owner:         signer.PublicKey(),
		Target:        opts.Target,
		Tags:          opts.Tags,
		Data:          data,
	}
	if opts.Anchor != "" {
		item.Anchor = []byte(opts.Anchor)
	}

	msg, err := item.signatureMessage()
	if err != nil {
		return nil, err
	}
	sig, err := signer.Sign(msg)
	if err != nil {
		return nil, fmt.Errorf("sign item: %w", err)
	}
	item.Signature = sig

	raw, err := marshal(item)
	if err != nil {
		return nil, fmt.Errorf("encode item: %w", err)
	}
	item.raw = raw

	return item, nil
}

func validateOptions(opts ItemOptions) error {
	if len(opts.Target) != 0 && len(opts.Target) != TargetSize {
		return fmt.Errorf("%w: target must be %d bytes, got %d", ErrInvalidItem, TargetSize, len(opts.Target))
	}
	if opts.Anchor != "" && len(opts.Anchor) != AnchorSize {
		return fmt.Errorf("%w: anchor must be %d bytes, got %d", ErrInvalidItem, AnchorSize, len(opts.Anchor))
	}
	if len(opts.Tags) > maxTags {
		return fmt.Errorf("%w: too many tags (%d > %d)", ErrInvalidItem, len(opts.Tags), maxTags)
	}
	for _, t := range opts.Tags {
		if t.Name == "" || len(t.Name) > maxTagNameLen {
			return fmt.Errorf("%w: tag name length %d out of range", ErrInvalidItem, len(t.Name))
		}
		if t.Value == "" || len(t.Value) > maxTagValueLen {
			return fmt.Errorf("%w: tag %q value length %d out of range", ErrInvalidItem, t.Name, len(t.Value))
		}
	}
	return nil
}

func (it *Item) signatureMessage() ([]byte, error) {
	payload := signingPayload{
		Format:        itemFormat,
		Version:       itemVersion,
		SignatureType: it.SignatureType,
		Owner:         it.Owner,
		Target:        it.Target,
		Anchor:        it.Anchor,
		Tags:          it.Tags,
		DataDigest:    Digest(it.Data),
	}
	b, err := marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode signing payload: %w", err)
	}
	return Digest(b), nil
}

// ParseItem decodes and verifies a serialized envelope.
func ParseItem(raw []byte) (*Item, error) {
	var it Item
	if err := unmarshal(raw, &it); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidItem, err)
	}
	ok, err := it.Verify()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: signature mismatch", ErrInvalidItem)
	}
	it.raw = append([]byte(nil), raw...)
	return &it, nil
}

// Verify checks the owner's signature over the envelope.
func (it *Item) Verify() (bool, error) {
	if !it.IsSigned() {
		return false, ErrUnsigned
	}
	msg, err := it.signatureMessage()
	if err != nil {
		return false, err
	}
	return VerifySignature(it.SignatureType, it.Owner, msg, it.Signature)
}

// IsSigned reports whether the envelope carries a signature.
func (it *Item) IsSigned() bool {
	return it != nil && len(it.Signature) > 0
}

// ID is the deterministic identifier: base64url(sha256(signature)).
func (it *Item) ID() string {
	return EncodeBase64URL(Digest(it.Signature))
}

// OwnerAddress is the address of the signing key.
func (it *Item) OwnerAddress() string {
	return Address(it.Owner)
}

// Bytes returns the serialized envelope.
func (it *Item) Bytes() ([]byte, error) {
	if it.raw != nil {
		return it.raw, nil
	}
	return marshal(it)
}

// Size is the serialized length in bytes.
func (it *Item) Size() int64 {
	b, err := it.Bytes()
	if err != nil {
		return 0
	}
	return int64(len(b))
}

// Tag returns the first value for name.
func (it *Item) Tag(name string) (string, bool) {
	for _, t := range it.Tags {
		if t.Name == name {
			return t.Value, true
		}
	}
	return "", false
}

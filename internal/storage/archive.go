package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/upload"
)

// WriteManifest archives the exact manifest bytes that were uploaded as
// item id.
func WriteManifest(ctx context.Context, s ArchiveStore, currency, id string, data []byte) (string, error) {
	ref := ArchiveRef{Currency: currency, Kind: KindManifest, ID: id}
	if err := s.Put(ctx, ref, data); err != nil {
		return "", fmt.Errorf("archive manifest %s: %w", id, err)
	}
	return s.URI(ref), nil
}

// WriteReceipt archives a node receipt so it can be verified later.
func WriteReceipt(ctx context.Context, s ArchiveStore, currency string, r *upload.Receipt) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal receipt: %w", err)
	}
	ref := ArchiveRef{Currency: currency, Kind: KindReceipt, ID: r.ID}
	if err := s.Put(ctx, ref, data); err != nil {
		return "", fmt.Errorf("archive receipt %s: %w", r.ID, err)
	}
	return s.URI(ref), nil
}

// ReadReceipt loads an archived receipt. The returned receipt verifies
// with verifier, or upload.DefaultVerifier when nil.
func ReadReceipt(ctx context.Context, s ArchiveStore, currency, id string, verifier upload.Verifier) (*upload.Receipt, error) {
	data, err := s.Get(ctx, ArchiveRef{Currency: currency, Kind: KindReceipt, ID: id})
	if err != nil {
		return nil, err
	}
	return upload.ParseReceipt(data, id, verifier)
}

package upload

import (
	"context"
	"errors"
	"fmt"

	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/arbundles"
)

// BundleOptions configure UploadBundle.
type BundleOptions struct {
	// EphemeralKey signs the members that arrive unsigned. A fresh key is
	// generated for every call when nil.
	EphemeralKey *arbundles.Ed25519Signer
	Upload       UploadOptions
}

// BundleResult is the wrapping item's result plus what the caller needs to
// later prove authorship of the bundle.
type BundleResult struct {
	*Result
	EphemeralKey     *arbundles.Ed25519Signer
	EphemeralAddress string
	TxIDs            []string
}

// UploadBundle signs any unsigned members with a single-use key, packs all
// members into one bundle, wraps it in an item signed by the currency's
// signer and uploads that item.
func (u *Uploader) UploadBundle(ctx context.Context, items []Payload, opts BundleOptions) (*BundleResult, error) {
	if len(items) == 0 {
		return nil, errors.New("bundle requires at least one item")
	}

	eph := opts.EphemeralKey
	if eph == nil {
		var err error
		eph, err = arbundles.GenerateKeypair()
		if err != nil {
			return nil, fmt.Errorf("generate ephemeral key: %w", err)
		}
	}

	members := make([]*arbundles.Item, len(items))
	for i, p := range items {
		it, err := BuildItem(p, eph, arbundles.ItemOptions{})
		if err != nil {
			return nil, fmt.Errorf("bundle member %d: %w", i, err)
		}
		members[i] = it
	}

	bundle, err := arbundles.NewBundle(members)
	if err != nil {
		return nil, err
	}
	raw, err := bundle.Bytes()
	if err != nil {
		return nil, err
	}

	signer, err := u.currency.Signer()
	if err != nil {
		return nil, err
	}
	tags := append(arbundles.BundleTags(), opts.Upload.Tags...)
	wrapper, err := BuildItem(RawBytes(raw), signer, arbundles.ItemOptions{
		Tags:   tags,
		Anchor: opts.Upload.Anchor,
	})
	if err != nil {
		return nil, fmt.Errorf("wrap bundle: %w", err)
	}

	u.log.Info("uploading bundle", "bundle_id", wrapper.ID(), "members", len(members), "bytes", wrapper.Size())

	res, err := u.UploadItem(ctx, SignedItem{Item: wrapper}, opts.Upload)
	if err != nil {
		return nil, err
	}

	addr, err := EphemeralAddress(arbundles.EncodeBase64URL(eph.PublicKey()))
	if err != nil {
		return nil, err
	}

	return &BundleResult{
		Result:           res,
		EphemeralKey:     eph,
		EphemeralAddress: addr,
		TxIDs:            bundle.IDs(),
	}, nil
}

// EphemeralAddress derives the address of a base64url-encoded public key.
func EphemeralAddress(publicKey string) (string, error) {
	pub, err := arbundles.DecodeBase64URL(publicKey)
	if err != nil {
		return "", fmt.Errorf("decode public key: %w", err)
	}
	return arbundles.Address(pub), nil
}

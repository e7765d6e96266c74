package upload

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/gowebpki/jcs"

	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/arbundles"
)

// Verifier checks a signature made by the node's receipt key.
type Verifier interface {
	Verify(publicKey, message, signature []byte) (bool, error)
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(publicKey, message, signature []byte) (bool, error)

func (f VerifierFunc) Verify(publicKey, message, signature []byte) (bool, error) {
	return f(publicKey, message, signature)
}

// DefaultVerifier checks ed25519 receipt signatures.
var DefaultVerifier Verifier = VerifierFunc(arbundles.VerifyEd25519)

// Receipt is the node's signed acknowledgment of an uploaded item.
type Receipt struct {
	ID             string `json:"id"`
	Timestamp      int64  `json:"timestamp"`
	Version        string `json:"version"`
	Public         string `json:"public"`
	Signature      string `json:"signature"`
	DeadlineHeight int64  `json:"deadlineHeight"`

	verify func() (bool, error)
}

// Verify checks the receipt signature. Nothing is computed until the first
// call; later calls return the same answer.
func (r *Receipt) Verify() (bool, error) {
	if r.verify == nil {
		return false, errors.New("receipt has no verifier bound")
	}
	return r.verify()
}

func (r *Receipt) bind(v Verifier) {
	r.verify = sync.OnceValues(func() (bool, error) {
		return verifyReceipt(r, v)
	})
}

// receiptFields is the signed portion of a receipt, in canonical form.
type receiptFields struct {
	DeadlineHeight int64  `json:"deadlineHeight"`
	ID             string `json:"id"`
	Timestamp      int64  `json:"timestamp"`
	Version        string `json:"version"`
}

// ReceiptMessage is the digest the node signs.
func ReceiptMessage(r *Receipt) ([]byte, error) {
	raw, err := json.Marshal(receiptFields{
		DeadlineHeight: r.DeadlineHeight,
		ID:             r.ID,
		Timestamp:      r.Timestamp,
		Version:        r.Version,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal receipt: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize receipt: %w", err)
	}
	return arbundles.Digest(canonical), nil
}

// SignReceipt fills Public and Signature using signer.
func SignReceipt(r *Receipt, signer arbundles.Signer) error {
	msg, err := ReceiptMessage(r)
	if err != nil {
		return err
	}
	sig, err := signer.Sign(msg)
	if err != nil {
		return fmt.Errorf("sign receipt: %w", err)
	}
	r.Public = arbundles.EncodeBase64URL(signer.PublicKey())
	r.Signature = arbundles.EncodeBase64URL(sig)
	return nil
}

func verifyReceipt(r *Receipt, v Verifier) (bool, error) {
	pub, err := arbundles.DecodeBase64URL(r.Public)
	if err != nil {
		return false, fmt.Errorf("decode receipt public key: %w", err)
	}
	sig, err := arbundles.DecodeBase64URL(r.Signature)
	if err != nil {
		return false, fmt.Errorf("decode receipt signature: %w", err)
	}
	msg, err := ReceiptMessage(r)
	if err != nil {
		return false, err
	}
	return v.Verify(pub, msg, sig)
}

// parseReceipt decodes a node response body as the receipt for id.
func parseReceipt(body []byte, id string, v Verifier) (*Receipt, error) {
	var r Receipt
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, &MalformedReceiptError{Body: body, Err: err}
	}
	switch {
	case r.ID == "":
		return nil, &MalformedReceiptError{Body: body, Err: errors.New("missing id")}
	case r.ID != id:
		return nil, &MalformedReceiptError{Body: body, Err: fmt.Errorf("receipt is for %s, uploaded %s", r.ID, id)}
	case r.Signature == "" || r.Public == "":
		return nil, &MalformedReceiptError{Body: body, Err: errors.New("missing signature or public key")}
	}
	r.bind(v)
	return &r, nil
}

// ParseReceipt decodes a stored receipt for id. A nil verifier selects
// DefaultVerifier.
func ParseReceipt(body []byte, id string, v Verifier) (*Receipt, error) {
	if v == nil {
		v = DefaultVerifier
	}
	return parseReceipt(body, id, v)
}

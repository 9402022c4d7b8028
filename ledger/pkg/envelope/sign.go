package envelope

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/malbeclabs/payouts/ledger/pkg/strkey"
)

const (
	PublicNetworkPassphrase  = "Public Global Stellar Network ; September 2015"
	TestnetNetworkPassphrase = "Test SDF Network ; September 2015"
)

// Hash returns the transaction hash signers sign over:
// sha256(sha256(passphrase) || ENVELOPE_TYPE_TX || tx).
func (e *Envelope) Hash(passphrase string) ([32]byte, error) {
	tx, err := e.MarshalTx()
	if err != nil {
		return [32]byte{}, err
	}
	network := sha256.Sum256([]byte(passphrase))
	w := newXDRWriter()
	w.fixed(network[:])
	w.i32(envelopeTypeTx)
	payload, err := w.bytes()
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(append(payload, tx...)), nil
}

// HashHex is Hash rendered as lower-case hex, the form the network reports.
func (e *Envelope) HashHex(passphrase string) (string, error) {
	h, err := e.Hash(passphrase)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(h[:]), nil
}

// Sign appends a decorated signature by key.
func (e *Envelope) Sign(passphrase string, key ed25519.PrivateKey) error {
	if len(e.Signatures) >= MaxSignatures {
		return fmt.Errorf("envelope: already carries %d signatures", len(e.Signatures))
	}
	h, err := e.Hash(passphrase)
	if err != nil {
		return fmt.Errorf("failed to hash envelope: %w", err)
	}
	pub := key.Public().(ed25519.PublicKey)
	var s Signature
	copy(s.Hint[:], pub[len(pub)-4:])
	s.Signature = ed25519.Sign(key, h[:])
	e.Signatures = append(e.Signatures, s)
	return nil
}

// ParseSeed decodes an S... secret seed into a signing key.
func ParseSeed(seed string) (ed25519.PrivateKey, error) {
	raw, err := strkey.Decode(strkey.VersionSeed, seed)
	if err != nil {
		return nil, fmt.Errorf("invalid secret seed: %w", err)
	}
	return ed25519.NewKeyFromSeed(raw), nil
}

// AccountID returns the G... account id of key.
func AccountID(key ed25519.PrivateKey) string {
	pub := key.Public().(ed25519.PublicKey)
	id, _ := strkey.Encode(strkey.VersionAccountID, pub)
	return id
}

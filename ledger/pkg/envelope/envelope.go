// Package envelope implements the binary transaction envelope persisted by
// the settlement ledger and later resubmitted byte-for-byte.
//
// The encoding is the network's XDR TransactionV1Envelope restricted to what
// settlement emits: an ed25519 source account, fee, sequence number, optional
// time bounds, a text memo and PAYMENT / SET_OPTIONS operations.
package envelope

import (
	"encoding/base64"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/malbeclabs/payouts/ledger/pkg/ledger"
	"github.com/malbeclabs/payouts/ledger/pkg/strkey"
)

const (
	// MaxOperations is the ledger's per-transaction operation limit.
	MaxOperations = 100
	// MaxMemoText is the byte limit of a text memo.
	MaxMemoText = 28
	// MaxSignatures is the ledger's per-envelope signature limit.
	MaxSignatures = 20
	// BaseFee is the minimum per-operation fee in stroops.
	BaseFee = 100
)

const (
	envelopeTypeTx   int32 = 2
	keyTypeEd25519   int32 = 0
	precondNone      int32 = 0
	precondTime      int32 = 1
	memoNone         int32 = 0
	memoText         int32 = 1
	assetNative      int32 = 0
	assetAlphaNum4   int32 = 1
	assetAlphaNum12  int32 = 2
	signerKeyEd25519 int32 = 0
)

var (
	ErrTooManyOperations = errors.New("envelope: too many operations")
	ErrNoOperations      = errors.New("envelope: no operations")
	ErrUnsupported       = errors.New("envelope: unsupported encoding")
)

// TimeBounds limits when an envelope is valid. Zero means unbounded.
type TimeBounds struct {
	MinTime uint64
	MaxTime uint64
}

// Signature is a decorated signature: the last four bytes of the signing
// public key followed by the ed25519 signature.
type Signature struct {
	Hint      [4]byte
	Signature []byte
}

// Envelope is a decoded transaction envelope.
type Envelope struct {
	Source     string
	Fee        uint32
	Sequence   int64
	TimeBounds *TimeBounds
	Memo       string
	Operations []Operation
	Signatures []Signature
}

// New returns an unsigned envelope with the fee set for ops.
func New(source string, sequence int64, memo string, ops []Operation) *Envelope {
	return &Envelope{
		Source:     source,
		Fee:        uint32(BaseFee * max(len(ops), 1)),
		Sequence:   sequence,
		Memo:       TruncateMemo(memo),
		Operations: ops,
	}
}

// TruncateMemo cuts s to the memo byte limit without splitting a UTF-8 rune.
func TruncateMemo(s string) string {
	if len(s) <= MaxMemoText {
		return s
	}
	n := 0
	for n < len(s) {
		_, size := utf8.DecodeRuneInString(s[n:])
		if n+size > MaxMemoText {
			break
		}
		n += size
	}
	return s[:n]
}

// Marshal encodes the envelope.
func (e *Envelope) Marshal() ([]byte, error) {
	if len(e.Signatures) > MaxSignatures {
		return nil, fmt.Errorf("envelope: %d signatures exceeds %d", len(e.Signatures), MaxSignatures)
	}
	w := newXDRWriter()
	w.i32(envelopeTypeTx)
	e.writeTx(w)
	w.u32(uint32(len(e.Signatures)))
	for _, s := range e.Signatures {
		w.fixed(s.Hint[:])
		w.opaque(s.Signature, 64)
	}
	return w.bytes()
}

// MarshalTx encodes only the transaction body, as used for hashing.
func (e *Envelope) MarshalTx() ([]byte, error) {
	w := newXDRWriter()
	e.writeTx(w)
	return w.bytes()
}

func (e *Envelope) writeTx(w *xdrWriter) {
	if len(e.Operations) == 0 {
		w.fail(ErrNoOperations)
		return
	}
	if len(e.Operations) > MaxOperations {
		w.fail(fmt.Errorf("%w: %d", ErrTooManyOperations, len(e.Operations)))
		return
	}
	if len(e.Memo) > MaxMemoText {
		w.fail(fmt.Errorf("envelope: memo is %d bytes, limit is %d", len(e.Memo), MaxMemoText))
		return
	}

	writeMuxedAccount(w, e.Source)
	w.u32(e.Fee)
	w.i64(e.Sequence)
	if e.TimeBounds == nil {
		w.i32(precondNone)
	} else {
		w.i32(precondTime)
		w.u64(e.TimeBounds.MinTime)
		w.u64(e.TimeBounds.MaxTime)
	}
	if e.Memo == "" {
		w.i32(memoNone)
	} else {
		w.i32(memoText)
		w.opaque([]byte(e.Memo), MaxMemoText)
	}
	w.u32(uint32(len(e.Operations)))
	for _, op := range e.Operations {
		writeOperation(w, op)
	}
	// ext
	w.i32(0)
}

// Unmarshal decodes an envelope produced by Marshal (or by any encoder of the
// same XDR subset).
func Unmarshal(data []byte) (*Envelope, error) {
	r := newXDRReader(data)
	if t := r.i32(); r.err == nil && t != envelopeTypeTx {
		return nil, fmt.Errorf("%w: envelope type %d", ErrUnsupported, t)
	}

	e := &Envelope{}
	e.Source = readMuxedAccount(r)
	e.Fee = r.u32()
	e.Sequence = r.i64()
	switch cond := r.i32(); {
	case r.err != nil:
	case cond == precondNone:
	case cond == precondTime:
		e.TimeBounds = &TimeBounds{MinTime: r.u64(), MaxTime: r.u64()}
	default:
		r.fail(fmt.Errorf("%w: precondition type %d", ErrUnsupported, cond))
	}
	switch mt := r.i32(); {
	case r.err != nil:
	case mt == memoNone:
	case mt == memoText:
		e.Memo = string(r.opaque(MaxMemoText))
	default:
		r.fail(fmt.Errorf("%w: memo type %d", ErrUnsupported, mt))
	}

	n := r.u32()
	if r.err == nil && n > MaxOperations {
		return nil, fmt.Errorf("%w: %d", ErrTooManyOperations, n)
	}
	for i := uint32(0); i < n && r.err == nil; i++ {
		e.Operations = append(e.Operations, readOperation(r))
	}
	if ext := r.i32(); r.err == nil && ext != 0 {
		r.fail(fmt.Errorf("%w: transaction ext %d", ErrUnsupported, ext))
	}

	ns := r.u32()
	if r.err == nil && ns > MaxSignatures {
		return nil, fmt.Errorf("envelope: %d signatures exceeds %d", ns, MaxSignatures)
	}
	for i := uint32(0); i < ns && r.err == nil; i++ {
		var s Signature
		copy(s.Hint[:], r.fixed(4))
		s.Signature = r.opaque(64)
		e.Signatures = append(e.Signatures, s)
	}

	if err := r.done(); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	return e, nil
}

// MarshalBase64 returns the standard base64 form used by submission endpoints.
func (e *Envelope) MarshalBase64() (string, error) {
	b, err := e.Marshal()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// UnmarshalBase64 decodes the base64 form.
func UnmarshalBase64(s string) (*Envelope, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 envelope: %w", err)
	}
	return Unmarshal(b)
}

func writeMuxedAccount(w *xdrWriter, accountID string) {
	w.i32(keyTypeEd25519)
	writeKey(w, accountID)
}

func readMuxedAccount(r *xdrReader) string {
	if t := r.i32(); r.err == nil && t != keyTypeEd25519 {
		r.fail(fmt.Errorf("%w: muxed account type %d", ErrUnsupported, t))
		return ""
	}
	return readKey(r)
}

// writeAccountID writes a PublicKey union.
func writeAccountID(w *xdrWriter, accountID string) {
	w.i32(keyTypeEd25519)
	writeKey(w, accountID)
}

func readAccountID(r *xdrReader) string {
	if t := r.i32(); r.err == nil && t != keyTypeEd25519 {
		r.fail(fmt.Errorf("%w: public key type %d", ErrUnsupported, t))
		return ""
	}
	return readKey(r)
}

func writeKey(w *xdrWriter, accountID string) {
	raw, err := strkey.Decode(strkey.VersionAccountID, accountID)
	if err != nil {
		w.fail(fmt.Errorf("invalid account id %q: %w", accountID, err))
		return
	}
	w.fixed(raw)
}

func readKey(r *xdrReader) string {
	raw := r.fixed(32)
	if r.err != nil {
		return ""
	}
	s, err := strkey.Encode(strkey.VersionAccountID, raw)
	if err != nil {
		r.fail(err)
	}
	return s
}

func writeAsset(w *xdrWriter, a ledger.Asset) {
	if a.IsNative() {
		w.i32(assetNative)
		return
	}
	switch n := len(a.Code); {
	case n >= 1 && n <= 4:
		w.i32(assetAlphaNum4)
		code := make([]byte, 4)
		copy(code, a.Code)
		w.fixed(code)
	case n >= 5 && n <= 12:
		w.i32(assetAlphaNum12)
		code := make([]byte, 12)
		copy(code, a.Code)
		w.fixed(code)
	default:
		w.fail(fmt.Errorf("invalid asset code %q", a.Code))
		return
	}
	writeAccountID(w, a.Issuer)
}

func readAsset(r *xdrReader) ledger.Asset {
	var code []byte
	switch t := r.i32(); {
	case r.err != nil:
		return ledger.Asset{}
	case t == assetNative:
		return ledger.Native()
	case t == assetAlphaNum4:
		code = r.fixed(4)
	case t == assetAlphaNum12:
		code = r.fixed(12)
	default:
		r.fail(fmt.Errorf("%w: asset type %d", ErrUnsupported, t))
		return ledger.Asset{}
	}
	end := len(code)
	for end > 0 && code[end-1] == 0 {
		end--
	}
	return ledger.Asset{Code: string(code[:end]), Issuer: readAccountID(r)}
}

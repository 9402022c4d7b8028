package envelope

import (
	"fmt"

	"github.com/malbeclabs/payouts/ledger/pkg/ledger"
)

// OperationType is the XDR operation discriminant.
type OperationType int32

const (
	OpPayment    OperationType = 1
	OpSetOptions OperationType = 5
)

func (t OperationType) String() string {
	switch t {
	case OpPayment:
		return "payment"
	case OpSetOptions:
		return "set_options"
	default:
		return fmt.Sprintf("operation(%d)", int32(t))
	}
}

// Operation is one entry of an envelope's ordered operation list.
type Operation interface {
	Type() OperationType
	// OperationSource is the per-operation source account, empty to use the
	// envelope's source.
	OperationSource() string
}

// Payment moves Amount stroops of Asset to Destination.
type Payment struct {
	Source      string
	Destination string
	Asset       ledger.Asset
	Amount      int64
}

func (p *Payment) Type() OperationType     { return OpPayment }
func (p *Payment) OperationSource() string { return p.Source }

// Signer is a signer key and weight. Weight 0 removes the signer.
type Signer struct {
	Key    string
	Weight uint32
}

// SetOptions changes account options. Nil fields are left unchanged.
type SetOptions struct {
	Source        string
	InflationDest *string
	ClearFlags    *uint32
	SetFlags      *uint32
	MasterWeight  *uint32
	LowThreshold  *uint32
	MedThreshold  *uint32
	HighThreshold *uint32
	HomeDomain    *string
	Signer        *Signer
}

func (o *SetOptions) Type() OperationType     { return OpSetOptions }
func (o *SetOptions) OperationSource() string { return o.Source }

// Uint32 returns a pointer to v, for optional SetOptions fields.
func Uint32(v uint32) *uint32 {
	return &v
}

func writeOperation(w *xdrWriter, op Operation) {
	if src := op.OperationSource(); src != "" {
		w.boolean(true)
		writeMuxedAccount(w, src)
	} else {
		w.boolean(false)
	}
	w.i32(int32(op.Type()))

	switch o := op.(type) {
	case *Payment:
		if o.Amount <= 0 {
			w.fail(fmt.Errorf("payment to %s: amount must be positive, got %d", o.Destination, o.Amount))
			return
		}
		writeMuxedAccount(w, o.Destination)
		writeAsset(w, o.Asset)
		w.i64(o.Amount)
	case *SetOptions:
		writeOptionalAccount(w, o.InflationDest)
		writeOptionalUint32(w, o.ClearFlags)
		writeOptionalUint32(w, o.SetFlags)
		writeOptionalUint32(w, o.MasterWeight)
		writeOptionalUint32(w, o.LowThreshold)
		writeOptionalUint32(w, o.MedThreshold)
		writeOptionalUint32(w, o.HighThreshold)
		if o.HomeDomain != nil {
			w.boolean(true)
			w.opaque([]byte(*o.HomeDomain), 32)
		} else {
			w.boolean(false)
		}
		if o.Signer != nil {
			w.boolean(true)
			w.i32(signerKeyEd25519)
			writeKey(w, o.Signer.Key)
			w.u32(o.Signer.Weight)
		} else {
			w.boolean(false)
		}
	default:
		w.fail(fmt.Errorf("%w: operation %T", ErrUnsupported, op))
	}
}

func readOperation(r *xdrReader) Operation {
	var source string
	if r.boolean() {
		source = readMuxedAccount(r)
	}
	switch t := OperationType(r.i32()); {
	case r.err != nil:
		return nil
	case t == OpPayment:
		p := &Payment{Source: source}
		p.Destination = readMuxedAccount(r)
		p.Asset = readAsset(r)
		p.Amount = r.i64()
		return p
	case t == OpSetOptions:
		o := &SetOptions{Source: source}
		o.InflationDest = readOptionalAccount(r)
		o.ClearFlags = readOptionalUint32(r)
		o.SetFlags = readOptionalUint32(r)
		o.MasterWeight = readOptionalUint32(r)
		o.LowThreshold = readOptionalUint32(r)
		o.MedThreshold = readOptionalUint32(r)
		o.HighThreshold = readOptionalUint32(r)
		if r.boolean() {
			d := string(r.opaque(32))
			o.HomeDomain = &d
		}
		if r.boolean() {
			if kt := r.i32(); r.err == nil && kt != signerKeyEd25519 {
				r.fail(fmt.Errorf("%w: signer key type %d", ErrUnsupported, kt))
				return nil
			}
			s := &Signer{Key: readKey(r)}
			s.Weight = r.u32()
			o.Signer = s
		}
		return o
	default:
		r.fail(fmt.Errorf("%w: %s", ErrUnsupported, t))
		return nil
	}
}

func writeOptionalUint32(w *xdrWriter, v *uint32) {
	if v == nil {
		w.boolean(false)
		return
	}
	w.boolean(true)
	w.u32(*v)
}

func readOptionalUint32(r *xdrReader) *uint32 {
	if !r.boolean() {
		return nil
	}
	v := r.u32()
	return &v
}

func writeOptionalAccount(w *xdrWriter, v *string) {
	if v == nil {
		w.boolean(false)
		return
	}
	w.boolean(true)
	writeAccountID(w, *v)
}

func readOptionalAccount(r *xdrReader) *string {
	if !r.boolean() {
		return nil
	}
	v := readAccountID(r)
	return &v
}

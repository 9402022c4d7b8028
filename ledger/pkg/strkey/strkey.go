// Package strkey encodes and decodes the ledger's textual key format: a
// version byte, the raw 32-byte ed25519 key and a CRC16-XModem checksum,
// base32 encoded without padding.
package strkey

import (
	"bytes"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
)

// VersionByte identifies the kind of key a strkey carries.
type VersionByte byte

const (
	VersionAccountID VersionByte = 6 << 3  // G...
	VersionSeed      VersionByte = 18 << 3 // S...
)

const (
	payloadLen = 32
	rawLen     = 1 + payloadLen + 2
)

var (
	ErrInvalidLength   = errors.New("strkey: invalid length")
	ErrInvalidVersion  = errors.New("strkey: invalid version byte")
	ErrInvalidChecksum = errors.New("strkey: invalid checksum")
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Encode renders payload with the given version byte.
func Encode(version VersionByte, payload []byte) (string, error) {
	if len(payload) != payloadLen {
		return "", ErrInvalidLength
	}
	raw := make([]byte, 0, rawLen)
	raw = append(raw, byte(version))
	raw = append(raw, payload...)
	raw = binary.LittleEndian.AppendUint16(raw, crc16(raw))
	return encoding.EncodeToString(raw), nil
}

// Decode parses s and checks that it carries the expected version byte.
func Decode(version VersionByte, s string) ([]byte, error) {
	raw, err := encoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("strkey: %w", err)
	}
	if len(raw) != rawLen {
		return nil, ErrInvalidLength
	}
	if VersionByte(raw[0]) != version {
		return nil, ErrInvalidVersion
	}
	body, sum := raw[:rawLen-2], raw[rawLen-2:]
	if binary.LittleEndian.Uint16(sum) != crc16(body) {
		return nil, ErrInvalidChecksum
	}
	return bytes.Clone(body[1:]), nil
}

// MustDecode is Decode for fixtures.
func MustDecode(version VersionByte, s string) []byte {
	b, err := Decode(version, s)
	if err != nil {
		panic(err)
	}
	return b
}

// IsValidAccountID reports whether s is a well-formed G... account id.
func IsValidAccountID(s string) bool {
	_, err := Decode(VersionAccountID, s)
	return err == nil
}

// crc16 is CRC16-XModem (poly 0x1021, init 0).
func crc16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

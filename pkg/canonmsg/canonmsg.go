// Package canonmsg fixes the canonical byte encoding of the session-key
// registration message an owner signs. The layout is versioned: prior
// signatures bind to these exact bytes, so any field reordering or width
// change must bump the version string.
package canonmsg

import (
	"crypto/sha256"
	"encoding/binary"
	"time"

	"github.com/AdityaKumar41/evolvx-sub003/pkg/faults"
)

const Version = "skr-v1"

// Registration is the message an owner signs to delegate bounded spending
// authority.
type Registration struct {
	OwnerAccountID  string
	MaxPerOperation uint64
	MaxTotalSpend   uint64
	ValidUntil      time.Time
}

// Encode returns the versioned byte layout:
// "skr-v1" 0x00 ownerAccountID 0x00 maxPerOperation(8BE) maxTotalSpend(8BE)
// validUntilUnixSeconds(8BE).
func Encode(reg Registration) ([]byte, error) {
	if reg.OwnerAccountID == "" {
		return nil, faults.New(faults.KindInvalidInput, "owner_account_id is empty")
	}
	if reg.MaxPerOperation == 0 || reg.MaxTotalSpend == 0 {
		return nil, faults.New(faults.KindInvalidInput, "spend limits must be positive")
	}
	if reg.ValidUntil.IsZero() {
		return nil, faults.New(faults.KindInvalidInput, "valid_until is required")
	}
	buf := make([]byte, 0, len(Version)+1+len(reg.OwnerAccountID)+1+24)
	buf = append(buf, Version...)
	buf = append(buf, 0x00)
	buf = append(buf, reg.OwnerAccountID...)
	buf = append(buf, 0x00)
	buf = binary.BigEndian.AppendUint64(buf, reg.MaxPerOperation)
	buf = binary.BigEndian.AppendUint64(buf, reg.MaxTotalSpend)
	buf = binary.BigEndian.AppendUint64(buf, uint64(reg.ValidUntil.UTC().Unix()))
	return buf, nil
}

// Sum hashes the canonical encoding with SHA-256; signatures are made over
// this hash.
func Sum(reg Registration) ([32]byte, error) {
	b, err := Encode(reg)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(b), nil
}

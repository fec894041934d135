package merkle

import (
	"encoding/hex"
	"strings"

	"github.com/AdityaKumar41/evolvx-sub003/pkg/faults"
)

// EncodeHash renders a node hash as lowercase hex, the form proof siblings
// travel in over JSON.
func EncodeHash(h Hash) string {
	return hex.EncodeToString(h[:])
}

// DecodeHash parses the lowercase-hex form back into a node hash.
func DecodeHash(s string) (Hash, error) {
	raw, err := hexDecode32(s)
	if err != nil {
		return Hash{}, err
	}
	var out Hash
	copy(out[:], raw)
	return out, nil
}

func hexDecode32(s string) ([]byte, error) {
	if s != strings.ToLower(s) {
		return nil, faults.New(faults.KindInvalidInput, "digest hex must be lowercase")
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, faults.New(faults.KindInvalidInput, "digest is not valid hex")
	}
	if len(b) != 32 {
		return nil, faults.New(faults.KindInvalidInput, "digest must be 32 bytes")
	}
	return b, nil
}

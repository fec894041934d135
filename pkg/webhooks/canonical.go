package webhooks

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
)

// CanonicalizeHeaders lowercases and sorts the delivered headers into a
// stable JSON object, the form stored on the settlement receipt.
func CanonicalizeHeaders(h http.Header) (canonicalJSON []byte, canonical map[string][]string, err error) {
	canonical = make(map[string][]string, len(h))
	for k, vs := range h {
		key := strings.ToLower(strings.TrimSpace(k))
		if key == "" {
			continue
		}
		values := canonical[key]
		for _, v := range vs {
			values = append(values, strings.TrimSpace(v))
		}
		sort.Strings(values)
		canonical[key] = values
	}

	keys := make([]string, 0, len(canonical))
	for k := range canonical {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b bytes.Buffer
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, nil, err
		}
		vb, err := json.Marshal(canonical[k])
		if err != nil {
			return nil, nil, err
		}
		b.Write(kb)
		b.WriteByte(':')
		b.Write(vb)
	}
	b.WriteByte('}')

	return b.Bytes(), canonical, nil
}

// receiptEnvelopeVersion domain-separates receipt request hashes from any
// other sha256 use in the system and lets the envelope evolve without
// colliding with hashes minted under an older layout.
const receiptEnvelopeVersion = "evx-receipt-v1"

// ComputeReceiptHashes derives the three digests stored with every delivery
// receipt: body alone, canonical headers alone, and the versioned request
// envelope. The request hash is what dedup and audit queries key on when the
// provider resends without an event id. The envelope hashes over the body and
// header digests rather than the raw bytes, so a receipt row alone is enough
// to recheck it.
func ComputeReceiptHashes(method, path string, headersCanonicalJSON []byte, rawBody []byte) (rawBodySHA, headersSHA, requestSHA string) {
	rawBodySHA = hashBytes(rawBody)
	headersSHA = hashBytes(headersCanonicalJSON)

	var envelope bytes.Buffer
	for _, line := range []string{receiptEnvelopeVersion, method, path, headersSHA, rawBodySHA} {
		envelope.WriteString(line)
		envelope.WriteByte('\n')
	}
	requestSHA = hashBytes(envelope.Bytes())
	return rawBodySHA, headersSHA, requestSHA
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

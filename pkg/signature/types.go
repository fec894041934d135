package signature

// Envelope carries an owner's signature over the canonical session-key
// registration message. Version selects the accepted algorithm family:
// sig-v1 is ed25519 (std base64 key/signature), sig-v2 is ES256
// (base64url uncompressed point, raw or DER signature).
type Envelope struct {
	Version     string `json:"version"`
	Algorithm   string `json:"algorithm"`
	PublicKey   string `json:"public_key"`
	Signature   string `json:"signature"`
	MessageHash string `json:"message_hash"`
	IssuedAt    string `json:"issued_at"`
	KeyID       string `json:"key_id,omitempty"`
}

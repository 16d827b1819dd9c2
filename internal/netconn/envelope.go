// Envelope encryption for the framed payload Connection carries, atop
// whatever transport framing (direct or onion) the connection already
// uses. The wire/relay protocol itself treats the transport as an
// opaque channel (spec §4.7); this is an optional additional layer a
// caller can apply to a message body before handing it to Send.
//
// Grounded on the teacher's internal/node/crypto.go Ed25519->X25519
// conversion and NaCl box sealing, generalized from per-peer libp2p
// identities to plain Ed25519 keys since Connection has no libp2p
// dependency.
package netconn

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"fmt"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// Envelope is a sealed message: an ephemeral X25519 public key plus a
// NaCl box ciphertext, addressed to a specific recipient's converted
// X25519 public key.
type Envelope struct {
	EphemeralPubKey [32]byte
	Nonce           [24]byte
	Ciphertext      []byte
}

// Seal encrypts plaintext for recipientPub (a 32-byte Ed25519 public
// key), using a fresh ephemeral key pair for forward secrecy.
func Seal(recipientPub ed25519.PublicKey, plaintext []byte) (*Envelope, error) {
	recipientX25519, err := ed25519PubToX25519(recipientPub)
	if err != nil {
		return nil, fmt.Errorf("netconn: convert recipient key: %w", err)
	}

	ephemeralPub, ephemeralPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("netconn: generate ephemeral key: %w", err)
	}

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("netconn: generate nonce: %w", err)
	}

	ciphertext := box.Seal(nil, plaintext, &nonce, &recipientX25519, ephemeralPriv)

	return &Envelope{
		EphemeralPubKey: *ephemeralPub,
		Nonce:           nonce,
		Ciphertext:      ciphertext,
	}, nil
}

// Open decrypts an Envelope using the recipient's Ed25519 private key.
func Open(recipientPriv ed25519.PrivateKey, env *Envelope) ([]byte, error) {
	x25519Priv, err := ed25519PrivToX25519(recipientPriv)
	if err != nil {
		return nil, fmt.Errorf("netconn: convert recipient private key: %w", err)
	}

	plaintext, ok := box.Open(nil, env.Ciphertext, &env.Nonce, &env.EphemeralPubKey, &x25519Priv)
	if !ok {
		return nil, fmt.Errorf("netconn: envelope decryption failed")
	}
	return plaintext, nil
}

// SharedSecret derives the X25519 ECDH shared secret between a local
// Ed25519 private key and a remote Ed25519 public key, independent of
// Seal/Open's ephemeral-key handshake. Used by callers that want to
// confirm two peers would derive matching keys before relying on box
// sealing for a long-lived session.
func SharedSecret(localPriv ed25519.PrivateKey, remotePub ed25519.PublicKey) ([]byte, error) {
	privX, err := ed25519PrivToX25519(localPriv)
	if err != nil {
		return nil, err
	}
	pubX, err := ed25519PubToX25519(remotePub)
	if err != nil {
		return nil, err
	}
	return curve25519.X25519(privX[:], pubX[:])
}

// ed25519PrivToX25519 derives an X25519 private key from a standard
// 64-byte Ed25519 private key (32-byte seed + 32-byte public key).
func ed25519PrivToX25519(priv ed25519.PrivateKey) ([32]byte, error) {
	var x25519Priv [32]byte
	if len(priv) != ed25519.PrivateKeySize {
		return x25519Priv, fmt.Errorf("netconn: invalid private key length: %d", len(priv))
	}

	seed := priv.Seed()
	h := sha512.Sum512(seed)
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64

	copy(x25519Priv[:], h[:32])
	return x25519Priv, nil
}

// ed25519PubToX25519 converts a raw Ed25519 public key to its X25519
// Montgomery-curve equivalent.
func ed25519PubToX25519(pub ed25519.PublicKey) ([32]byte, error) {
	var x25519Pub [32]byte
	if len(pub) != ed25519.PublicKeySize {
		return x25519Pub, fmt.Errorf("netconn: invalid public key length: %d", len(pub))
	}

	edPoint, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return x25519Pub, fmt.Errorf("netconn: invalid Ed25519 public key: %w", err)
	}

	copy(x25519Pub[:], edPoint.BytesMontgomery())
	return x25519Pub, nil
}

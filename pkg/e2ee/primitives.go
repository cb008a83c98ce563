// Copyright 2024-2026 Aiku AI

package e2ee

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/zeebo/blake3"
	"go.mau.fi/util/random"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const keySize = 32

// maxRatchetSkip bounds how far an inbound chain is advanced for one message.
const maxRatchetSkip = 100_000

var (
	chainDomainMessage = []byte("bridgecore.chain.message.v1")
	chainDomainNext    = []byte("bridgecore.chain.next.v1")
	hkdfInfoPairwise   = []byte("bridgecore.pairwise.v1")
)

func generateX25519() (priv, pub []byte, err error) {
	priv = random.Bytes(keySize)
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to derive public key: %w", err)
	}
	return priv, pub, nil
}

func dh(priv, pub []byte) ([]byte, error) {
	shared, err := curve25519.X25519(priv, pub)
	if err != nil {
		return nil, fmt.Errorf("key agreement failed: %w", err)
	}
	return shared, nil
}

// deriveChains turns the concatenated agreements into the initiator's and
// responder's sending chains.
func deriveChains(secret []byte) (initiator, responder []byte, err error) {
	out := make([]byte, 2*keySize)
	if _, err = io.ReadFull(hkdf.New(sha256.New, secret, nil, hkdfInfoPairwise), out); err != nil {
		return nil, nil, fmt.Errorf("failed to derive pairwise chains: %w", err)
	}
	return out[:keySize], out[keySize:], nil
}

func keyedHash(key, domain []byte) []byte {
	hasher, err := blake3.NewKeyed(key)
	if err != nil {
		panic("e2ee: BLAKE3 keyed hash initialization failed (key must be 32 bytes): " + err.Error())
	}
	hasher.Write(domain)
	return hasher.Sum(nil)[:keySize]
}

// ratchet returns the message key for the current chain position and the
// chain key for the next one.
func ratchet(chain []byte) (messageKey, next []byte) {
	return keyedHash(chain, chainDomainMessage), keyedHash(chain, chainDomainNext)
}

// advance moves chain forward by n steps.
func advance(chain []byte, n uint32) []byte {
	for range n {
		_, chain = ratchet(chain)
	}
	return chain
}

func seal(key, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}
	out := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(plaintext)+aead.Overhead())
	if _, err = io.ReadFull(rand.Reader, out); err != nil {
		return nil, fmt.Errorf("generating random nonce: %w", err)
	}
	return aead.Seal(out, out[:chacha20poly1305.NonceSizeX], plaintext, aad), nil
}

func open(key, ciphertext, aad []byte) ([]byte, error) {
	if len(ciphertext) < chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("ciphertext is %d bytes, too short", len(ciphertext))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}
	nonce, body := ciphertext[:chacha20poly1305.NonceSizeX], ciphertext[chacha20poly1305.NonceSizeX:]
	plaintext, err := aead.Open(nil, nonce, body, aad)
	if err != nil {
		return nil, fmt.Errorf("AEAD decryption failed: %w", err)
	}
	return plaintext, nil
}

// groupAAD binds a group ciphertext to its portal and exact key position.
func groupAAD(portalID, sessionID string, generation, index uint32) []byte {
	aad := make([]byte, 0, len(portalID)+len(sessionID)+10)
	aad = append(aad, portalID...)
	aad = append(aad, 0)
	aad = append(aad, sessionID...)
	aad = append(aad, 0)
	aad = binary.BigEndian.AppendUint32(aad, generation)
	aad = binary.BigEndian.AppendUint32(aad, index)
	return aad
}

// membershipHash identifies a member set independently of its order.
func membershipHash(members []string) []byte {
	sorted := slices.Clone(members)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	sum := blake3.Sum256([]byte(strings.Join(sorted, "\n")))
	return sum[:]
}

// messageDigest identifies an exact ciphertext within a portal.
func messageDigest(portalID string, ciphertext []byte) [32]byte {
	hasher := blake3.New()
	hasher.Write([]byte(portalID))
	hasher.Write([]byte{0})
	hasher.Write(ciphertext)
	var digest [32]byte
	copy(digest[:], hasher.Sum(nil))
	return digest
}

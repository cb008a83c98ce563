// Copyright 2024-2026 Aiku AI

package cryptostore

import (
	"bytes"
	"fmt"
	"io"

	"filippo.io/age"
	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("cryptostore: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("cryptostore: CBOR decoder initialization failed: " + err.Error())
	}
}

// Sealer encrypts records at rest with an age X25519 identity (the pickle key).
type Sealer struct {
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

// NewSealer parses an AGE-SECRET-KEY-1... pickle key.
func NewSealer(pickleKey string) (*Sealer, error) {
	identity, err := age.ParseX25519Identity(pickleKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse pickle key: %w", err)
	}
	return &Sealer{identity: identity, recipient: identity.Recipient()}, nil
}

// GeneratePickleKey returns a fresh pickle key for new installations.
func GeneratePickleKey() (string, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return "", fmt.Errorf("failed to generate pickle key: %w", err)
	}
	return identity.String(), nil
}

// Seal encodes v as deterministic CBOR and encrypts it.
func (s *Sealer) Seal(v any) ([]byte, error) {
	plaintext, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	var buf bytes.Buffer
	writer, err := age.Encrypt(&buf, s.recipient)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryptor: %w", err)
	}
	if _, err = writer.Write(plaintext); err != nil {
		return nil, fmt.Errorf("failed to write record: %w", err)
	}
	if err = writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize record: %w", err)
	}
	return buf.Bytes(), nil
}

// Open decrypts data and decodes it into v.
func (s *Sealer) Open(data []byte, v any) error {
	reader, err := age.Decrypt(bytes.NewReader(data), s.identity)
	if err != nil {
		return fmt.Errorf("failed to decrypt record: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("failed to read record: %w", err)
	}
	if err = decMode.Unmarshal(plaintext, v); err != nil {
		return fmt.Errorf("failed to decode record: %w", err)
	}
	return nil
}

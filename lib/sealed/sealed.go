// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed provides age encryption for the gateway's secrets
// file. It wraps filippo.io/age for the operations the gateway needs:
// generate an identity, seal a plaintext secrets file to one or more
// recipients, and unseal it again with the identity at startup.
//
// Private keys and unsealed plaintext travel in secret.Buffer values
// (mmap-backed, locked against swap, excluded from core dumps, zeroed
// on close). Secret values are never logged; only their names are.
package sealed

import (
	"bytes"
	"fmt"
	"io"

	"filippo.io/age"

	"github.com/gatehouse-project/gatehouse/lib/secret"
)

// Keypair holds an age x25519 identity. The private key lives in a
// secret.Buffer and must never be logged or passed on a command line;
// the public key is safe to publish. Callers must Close the keypair
// when done.
type Keypair struct {
	// PrivateKey is the AGE-SECRET-KEY-1... identity string in
	// protected memory.
	PrivateKey *secret.Buffer

	// PublicKey is the corresponding age1... recipient string.
	PublicKey string
}

// Close releases the private key memory. Idempotent.
func (k *Keypair) Close() error {
	if k.PrivateKey != nil {
		return k.PrivateKey.Close()
	}
	return nil
}

// GenerateKeypair creates a new age x25519 identity with the private
// key in protected memory. The caller must Close the result.
func GenerateKeypair() (*Keypair, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("sealed: generating identity: %w", err)
	}

	// identity.String() is a heap string the GC will reclaim on its
	// own schedule; the mmap buffer is the durable copy.
	privateKey, err := secret.NewFromBytes([]byte(identity.String()))
	if err != nil {
		return nil, fmt.Errorf("sealed: protecting private key: %w", err)
	}

	return &Keypair{
		PrivateKey: privateKey,
		PublicKey:  identity.Recipient().String(),
	}, nil
}

// LoadKeypair reads an age identity from a file (or stdin when path is
// "-") and derives its public key. The caller must Close the result.
func LoadKeypair(path string) (*Keypair, error) {
	privateKey, err := secret.ReadFromPath(path)
	if err != nil {
		return nil, fmt.Errorf("sealed: reading identity: %w", err)
	}

	identity, err := age.ParseX25519Identity(privateKey.String())
	if err != nil {
		privateKey.Close()
		return nil, fmt.Errorf("sealed: parsing identity: %w", err)
	}

	return &Keypair{
		PrivateKey: privateKey,
		PublicKey:  identity.Recipient().String(),
	}, nil
}

// Seal encrypts plaintext to one or more age recipients and returns
// the raw age ciphertext, suitable for writing to the secrets file.
func Seal(plaintext []byte, recipientKeys []string) ([]byte, error) {
	if len(recipientKeys) == 0 {
		return nil, fmt.Errorf("sealed: at least one recipient is required")
	}

	recipients := make([]age.Recipient, 0, len(recipientKeys))
	for _, key := range recipientKeys {
		recipient, err := age.ParseX25519Recipient(key)
		if err != nil {
			return nil, fmt.Errorf("sealed: parsing recipient %q: %w", key, err)
		}
		recipients = append(recipients, recipient)
	}

	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, recipients...)
	if err != nil {
		return nil, fmt.Errorf("sealed: starting encryption: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return nil, fmt.Errorf("sealed: encrypting: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("sealed: finalizing encryption: %w", err)
	}
	return ciphertext.Bytes(), nil
}

// Unseal decrypts raw age ciphertext with the given identity and
// returns the plaintext in protected memory. The identity buffer is
// borrowed, not closed. The caller must Close the returned buffer.
func Unseal(ciphertext []byte, privateKey *secret.Buffer) (*secret.Buffer, error) {
	// age.ParseX25519Identity wants a string; the heap copy is brief.
	identity, err := age.ParseX25519Identity(privateKey.String())
	if err != nil {
		return nil, fmt.Errorf("sealed: parsing identity: %w", err)
	}

	reader, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		return nil, fmt.Errorf("sealed: decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("sealed: reading plaintext: %w", err)
	}
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("sealed: ciphertext decrypts to nothing")
	}

	buffer, err := secret.NewFromBytes(plaintext)
	if err != nil {
		secret.Zero(plaintext)
		return nil, fmt.Errorf("sealed: protecting plaintext: %w", err)
	}
	return buffer, nil
}

// ParsePublicKey validates an age x25519 public key string.
func ParsePublicKey(publicKey string) error {
	if _, err := age.ParseX25519Recipient(publicKey); err != nil {
		return fmt.Errorf("sealed: invalid public key: %w", err)
	}
	return nil
}

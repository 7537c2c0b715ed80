// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/gatehouse-project/gatehouse/lib/secret"
)

// Secrets holds the named values unsealed from the secrets file, each
// in its own protected buffer. Retrieve hands out borrowed buffers;
// Close releases them all when the gateway shuts down.
type Secrets struct {
	values map[string]*secret.Buffer
}

// LoadSecrets unseals the secrets file with the identity at
// identityPath and parses it as a flat YAML mapping of secret names to
// string values. A missing secrets file is not an error: the gateway
// can run without provider keys until an agent needs one.
func LoadSecrets(secretsPath, identityPath string) (*Secrets, error) {
	ciphertext, err := os.ReadFile(secretsPath)
	if errors.Is(err, os.ErrNotExist) {
		return &Secrets{values: map[string]*secret.Buffer{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sealed: reading secrets file: %w", err)
	}

	keypair, err := LoadKeypair(identityPath)
	if err != nil {
		return nil, err
	}
	defer keypair.Close()

	plaintext, err := Unseal(ciphertext, keypair.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("sealed: unsealing %s: %w", secretsPath, err)
	}
	defer plaintext.Close()

	secrets, err := parseSecrets(plaintext.Bytes())
	if err != nil {
		return nil, fmt.Errorf("sealed: parsing %s: %w", secretsPath, err)
	}
	return secrets, nil
}

// parseSecrets decodes the flat name-to-value mapping. The YAML
// decoder leaves transient heap strings behind; the protected buffers
// built here are the durable copies.
func parseSecrets(plaintext []byte) (*Secrets, error) {
	var raw map[string]string
	if err := yaml.Unmarshal(plaintext, &raw); err != nil {
		return nil, fmt.Errorf("decoding secrets mapping: %w", err)
	}

	values := make(map[string]*secret.Buffer, len(raw))
	for name, value := range raw {
		if name == "" {
			closeAll(values)
			return nil, fmt.Errorf("secrets mapping has an empty name")
		}
		if value == "" {
			closeAll(values)
			return nil, fmt.Errorf("secret %q has an empty value", name)
		}
		buffer, err := secret.NewFromBytes([]byte(value))
		if err != nil {
			closeAll(values)
			return nil, fmt.Errorf("protecting secret %q: %w", name, err)
		}
		values[name] = buffer
	}
	return &Secrets{values: values}, nil
}

// Retrieve returns the named secret. The buffer is borrowed — owned by
// the Secrets store and released by its Close — so callers must not
// close it.
func (s *Secrets) Retrieve(name string) (*secret.Buffer, bool) {
	buffer, ok := s.values[name]
	return buffer, ok
}

// Names returns the sorted secret names. Names are safe to log;
// values never are.
func (s *Secrets) Names() []string {
	names := make([]string, 0, len(s.values))
	for name := range s.values {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Close zeros and releases every secret value.
func (s *Secrets) Close() error {
	err := closeAll(s.values)
	s.values = map[string]*secret.Buffer{}
	return err
}

func closeAll(values map[string]*secret.Buffer) error {
	var errs []error
	for _, buffer := range values {
		if err := buffer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

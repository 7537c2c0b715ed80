// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

func TestGenerateKeypair(t *testing.T) {
	keypair, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error: %v", err)
	}
	defer keypair.Close()

	if !strings.HasPrefix(keypair.PrivateKey.String(), "AGE-SECRET-KEY-1") {
		t.Error("private key missing AGE-SECRET-KEY-1 prefix")
	}
	if !strings.HasPrefix(keypair.PublicKey, "age1") {
		t.Errorf("PublicKey = %q, want prefix age1", keypair.PublicKey)
	}
}

func TestGenerateKeypair_Unique(t *testing.T) {
	first, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error: %v", err)
	}
	defer first.Close()
	second, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error: %v", err)
	}
	defer second.Close()

	if first.PublicKey == second.PublicKey {
		t.Error("two generated keypairs have identical public keys")
	}
}

func TestSealUnseal_RoundTrip(t *testing.T) {
	keypair, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error: %v", err)
	}
	defer keypair.Close()

	plaintext := []byte("anthropic_api_key: sk-ant-test\n")
	ciphertext, err := Seal(plaintext, []string{keypair.PublicKey})
	if err != nil {
		t.Fatalf("Seal() error: %v", err)
	}
	if strings.Contains(string(ciphertext), "sk-ant-test") {
		t.Error("ciphertext contains the plaintext")
	}

	unsealed, err := Unseal(ciphertext, keypair.PrivateKey)
	if err != nil {
		t.Fatalf("Unseal() error: %v", err)
	}
	defer unsealed.Close()
	if unsealed.String() != string(plaintext) {
		t.Errorf("Unseal() = %q, want %q", unsealed.String(), plaintext)
	}
}

func TestSealUnseal_MultipleRecipients(t *testing.T) {
	gateway, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error: %v", err)
	}
	defer gateway.Close()
	escrow, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error: %v", err)
	}
	defer escrow.Close()

	plaintext := []byte("shared: value\n")
	ciphertext, err := Seal(plaintext, []string{gateway.PublicKey, escrow.PublicKey})
	if err != nil {
		t.Fatalf("Seal() error: %v", err)
	}

	for name, keypair := range map[string]*Keypair{"gateway": gateway, "escrow": escrow} {
		unsealed, err := Unseal(ciphertext, keypair.PrivateKey)
		if err != nil {
			t.Fatalf("Unseal(%s) error: %v", name, err)
		}
		if unsealed.String() != string(plaintext) {
			t.Errorf("Unseal(%s) = %q, want %q", name, unsealed.String(), plaintext)
		}
		unsealed.Close()
	}
}

func TestUnseal_WrongKey(t *testing.T) {
	keypair, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error: %v", err)
	}
	defer keypair.Close()
	wrong, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error: %v", err)
	}
	defer wrong.Close()

	ciphertext, err := Seal([]byte("secret data"), []string{keypair.PublicKey})
	if err != nil {
		t.Fatalf("Seal() error: %v", err)
	}
	if _, err := Unseal(ciphertext, wrong.PrivateKey); err == nil {
		t.Error("Unseal() with the wrong identity should fail")
	}
}

func TestSeal_RecipientValidation(t *testing.T) {
	if _, err := Seal([]byte("data"), nil); err == nil {
		t.Error("Seal() with no recipients should fail")
	}
	if _, err := Seal([]byte("data"), []string{"not-a-valid-key"}); err == nil {
		t.Error("Seal() with a malformed recipient should fail")
	}
}

func TestUnseal_Garbage(t *testing.T) {
	keypair, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error: %v", err)
	}
	defer keypair.Close()

	if _, err := Unseal([]byte("this is not age ciphertext"), keypair.PrivateKey); err == nil {
		t.Error("Unseal() of garbage should fail")
	}
}

func TestParsePublicKey(t *testing.T) {
	keypair, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error: %v", err)
	}
	defer keypair.Close()

	if err := ParsePublicKey(keypair.PublicKey); err != nil {
		t.Errorf("ParsePublicKey(valid) error: %v", err)
	}
	if err := ParsePublicKey("not-a-valid-key"); err == nil {
		t.Error("ParsePublicKey(invalid) should fail")
	}
	if err := ParsePublicKey(""); err == nil {
		t.Error("ParsePublicKey(empty) should fail")
	}
}

func TestLoadKeypair(t *testing.T) {
	generated, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error: %v", err)
	}

	path := filepath.Join(t.TempDir(), "identity")
	if err := os.WriteFile(path, []byte(generated.PrivateKey.String()+"\n"), 0600); err != nil {
		t.Fatalf("writing identity file: %v", err)
	}

	loaded, err := LoadKeypair(path)
	if err != nil {
		t.Fatalf("LoadKeypair() error: %v", err)
	}
	defer loaded.Close()

	if loaded.PublicKey != generated.PublicKey {
		t.Errorf("loaded public key %q, want %q", loaded.PublicKey, generated.PublicKey)
	}
	generated.Close()
}

func TestLoadKeypair_NotAnIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity")
	if err := os.WriteFile(path, []byte("not an age identity"), 0600); err != nil {
		t.Fatalf("writing identity file: %v", err)
	}
	if _, err := LoadKeypair(path); err == nil {
		t.Error("LoadKeypair() should reject a non-identity file")
	}
}

func writeSecretsFixture(t *testing.T, yamlBody string) (secretsPath, identityPath string) {
	t.Helper()
	dir := t.TempDir()

	keypair, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error: %v", err)
	}
	defer keypair.Close()

	identityPath = filepath.Join(dir, "identity")
	if err := os.WriteFile(identityPath, []byte(keypair.PrivateKey.String()), 0600); err != nil {
		t.Fatalf("writing identity file: %v", err)
	}

	ciphertext, err := Seal([]byte(yamlBody), []string{keypair.PublicKey})
	if err != nil {
		t.Fatalf("Seal() error: %v", err)
	}
	secretsPath = filepath.Join(dir, "secrets.age")
	if err := os.WriteFile(secretsPath, ciphertext, 0600); err != nil {
		t.Fatalf("writing secrets file: %v", err)
	}
	return secretsPath, identityPath
}

func TestLoadSecrets(t *testing.T) {
	secretsPath, identityPath := writeSecretsFixture(t,
		"anthropic_api_key: sk-ant-test\nopenai_api_key: sk-test\n")

	secrets, err := LoadSecrets(secretsPath, identityPath)
	if err != nil {
		t.Fatalf("LoadSecrets() error: %v", err)
	}
	defer secrets.Close()

	value, ok := secrets.Retrieve("anthropic_api_key")
	if !ok {
		t.Fatal("Retrieve(anthropic_api_key) missing")
	}
	if value.String() != "sk-ant-test" {
		t.Errorf("anthropic_api_key = %q", value.String())
	}

	if _, ok := secrets.Retrieve("missing"); ok {
		t.Error("Retrieve(missing) should report absence")
	}

	want := []string{"anthropic_api_key", "openai_api_key"}
	if got := secrets.Names(); !slices.Equal(got, want) {
		t.Errorf("Names() = %v, want %v", got, want)
	}
}

func TestLoadSecrets_MissingFileIsEmpty(t *testing.T) {
	secrets, err := LoadSecrets(filepath.Join(t.TempDir(), "absent.age"), "unused")
	if err != nil {
		t.Fatalf("LoadSecrets() error: %v", err)
	}
	defer secrets.Close()
	if names := secrets.Names(); len(names) != 0 {
		t.Errorf("Names() = %v, want empty", names)
	}
}

func TestLoadSecrets_RejectsEmptyValue(t *testing.T) {
	secretsPath, identityPath := writeSecretsFixture(t, `blank: ""`+"\n")
	if _, err := LoadSecrets(secretsPath, identityPath); err == nil {
		t.Error("LoadSecrets() should reject an empty secret value")
	}
}

func TestParseSecrets_RejectsMalformedYAML(t *testing.T) {
	if _, err := parseSecrets([]byte("not: [valid")); err == nil {
		t.Error("parseSecrets() should reject malformed YAML")
	}
	if _, err := parseSecrets([]byte("nested:\n  map: value\n")); err == nil {
		t.Error("parseSecrets() should reject non-flat mappings")
	}
}

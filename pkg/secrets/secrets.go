// Package secrets resolves third-party API credentials. Keys live in an
// age-encrypted JSON file (service name -> secret) decrypted once at
// startup with the process's x25519 identity; a caller-supplied fallback
// covers deployments that inject the credential through the environment.
package secrets

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
)

type Provider struct {
	values   map[string]string
	fallback func(service string) string
}

// Load decrypts the secrets file with the identity file. Both paths may be
// empty, in which case only the fallback serves lookups.
func Load(secretsPath, identityPath string, fallback func(service string) string) (*Provider, error) {
	p := &Provider{
		values:   make(map[string]string),
		fallback: fallback,
	}
	if strings.TrimSpace(secretsPath) == "" {
		return p, nil
	}
	if strings.TrimSpace(identityPath) == "" {
		return nil, fmt.Errorf("secrets file %q configured without an identity file", secretsPath)
	}

	identityFile, err := os.Open(identityPath)
	if err != nil {
		return nil, fmt.Errorf("open identity file: %w", err)
	}
	defer identityFile.Close()

	identities, err := age.ParseIdentities(identityFile)
	if err != nil {
		return nil, fmt.Errorf("parse identity file %q: %w", identityPath, err)
	}

	ciphertext, err := os.Open(secretsPath)
	if err != nil {
		return nil, fmt.Errorf("open secrets file: %w", err)
	}
	defer ciphertext.Close()

	reader, err := age.Decrypt(ciphertext, identities...)
	if err != nil {
		return nil, fmt.Errorf("decrypt secrets file %q: %w", secretsPath, err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read decrypted secrets: %w", err)
	}

	if err := json.Unmarshal(plaintext, &p.values); err != nil {
		return nil, fmt.Errorf("parse secrets file %q: %w", secretsPath, err)
	}
	return p, nil
}

// Resolve returns the credential for a service, preferring the encrypted
// store over the process-level fallback.
func (p *Provider) Resolve(service string) (string, bool) {
	if p == nil {
		return "", false
	}
	if v := strings.TrimSpace(p.values[service]); v != "" {
		return v, true
	}
	if p.fallback != nil {
		if v := strings.TrimSpace(p.fallback(service)); v != "" {
			return v, true
		}
	}
	return "", false
}

// Encrypt seals a service->secret map to one or more age recipients. Used
// by operators to produce the secrets file; the relay itself only decrypts.
func Encrypt(values map[string]string, recipientKeys []string, out io.Writer) error {
	if len(recipientKeys) == 0 {
		return fmt.Errorf("at least one recipient is required")
	}

	recipients := make([]age.Recipient, 0, len(recipientKeys))
	for _, key := range recipientKeys {
		recipient, err := age.ParseX25519Recipient(key)
		if err != nil {
			return fmt.Errorf("parse recipient key %q: %w", key, err)
		}
		recipients = append(recipients, recipient)
	}

	plaintext, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("encode secrets: %w", err)
	}

	writer, err := age.Encrypt(out, recipients...)
	if err != nil {
		return fmt.Errorf("create encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return fmt.Errorf("write secrets: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("finalize encryption: %w", err)
	}
	return nil
}

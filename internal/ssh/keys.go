package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

// GenerateKeyPair creates a new ed25519 key pair, saves the private key to
// keyPath and the authorized-key form to keyPath.pub.
func GenerateKeyPair(keyPath, comment string) (string, string, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate private key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(privateKey, comment)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode private key: %w", err)
	}
	privateKeyStr := string(pem.EncodeToMemory(block))

	sshPublicKey, err := ssh.NewPublicKey(publicKey)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate public key: %w", err)
	}
	publicKeyStr := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPublicKey)))
	if comment != "" {
		publicKeyStr += " " + comment
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		return "", "", fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(privateKeyStr), 0o600); err != nil {
		return "", "", fmt.Errorf("failed to save private key: %w", err)
	}
	if err := os.WriteFile(keyPath+".pub", []byte(publicKeyStr+"\n"), 0o644); err != nil {
		return "", "", fmt.Errorf("failed to save public key: %w", err)
	}

	return privateKeyStr, publicKeyStr, nil
}

// LoadPublicKey reads an authorized-key line from path. $VARS are expanded.
func LoadPublicKey(path string) (ssh.PublicKey, []byte, error) {
	data, err := os.ReadFile(filepath.Clean(os.ExpandEnv(path)))
	if err != nil {
		return nil, nil, fmt.Errorf("reading public key: %w", err)
	}
	key, _, _, _, err := ssh.ParseAuthorizedKey(data)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing public key %s: %w", path, err)
	}
	return key, data, nil
}

// LoadOrGeneratePublicKey loads the public key at pubPath. When the file is
// missing and generate is set, a new pair is written next to it.
func LoadOrGeneratePublicKey(pubPath, comment string, generate bool) (ssh.PublicKey, []byte, error) {
	key, data, err := LoadPublicKey(pubPath)
	if err == nil || !generate || !errors.Is(err, os.ErrNotExist) {
		return key, data, err
	}

	privatePath := strings.TrimSuffix(filepath.Clean(os.ExpandEnv(pubPath)), ".pub")
	if _, _, err := GenerateKeyPair(privatePath, comment); err != nil {
		return nil, nil, err
	}
	return LoadPublicKey(privatePath + ".pub")
}

// Fingerprint returns the SHA256 fingerprint in OpenSSH's format
func Fingerprint(key ssh.PublicKey) string {
	return ssh.FingerprintSHA256(key)
}

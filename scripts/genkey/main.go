// genkey generates the credentials ideaheist needs for authenticated
// deployments: an Ed25519 key pair for JWT signing and an API key with its
// argon2id hash.
//
// Usage (run from the repo root):
//
//	go run ./scripts/genkey
//
// Writes:
//
//	data/jwt_private.pem  (mode 0600, keep this secret)
//	data/jwt_public.pem   (mode 0600)
//
// and prints the API key once, with the hash to set as
// IDEAHEIST_API_KEY_HASH. Only the hash is stored anywhere.
//
// Without persistent keys the server generates ephemeral ones on every
// restart, invalidating all issued tokens.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ashita-ai/ideaheist/internal/auth"
)

func main() {
	if err := run("data"); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(dir string) error {
	privPath := filepath.Join(dir, "jwt_private.pem")
	pubPath := filepath.Join(dir, "jwt_public.pem")

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	// Refuse to overwrite existing keys: rotating them invalidates live tokens.
	for _, path := range []string{privPath, pubPath} {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists; delete it first to rotate keys", path)
		}
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return fmt.Errorf("marshal public key: %w", err)
	}
	if err := writePEM(privPath, "PRIVATE KEY", privDER); err != nil {
		return err
	}
	if err := writePEM(pubPath, "PUBLIC KEY", pubDER); err != nil {
		return err
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Errorf("generate api key: %w", err)
	}
	apiKey := "ih_" + base64.RawURLEncoding.EncodeToString(raw)
	hash, err := auth.HashAPIKey(apiKey)
	if err != nil {
		return fmt.Errorf("hash api key: %w", err)
	}

	fmt.Printf("wrote %s\n", privPath)
	fmt.Printf("wrote %s\n", pubPath)
	fmt.Println()
	fmt.Printf("API key (shown once): %s\n", apiKey)
	fmt.Printf("IDEAHEIST_JWT_PRIVATE_KEY=%s\n", privPath)
	fmt.Printf("IDEAHEIST_JWT_PUBLIC_KEY=%s\n", pubPath)
	fmt.Printf("IDEAHEIST_API_KEY_HASH=%s\n", hash)
	return nil
}

func writePEM(path, blockType string, der []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

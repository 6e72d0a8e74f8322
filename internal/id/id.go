// Package id generates identifiers for records and artifacts.
package id

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Record prefixes.
const (
	PrefixMedia    = "med"
	PrefixEncoding = "enc"
	PrefixProfile  = "prf"
	PrefixTrim     = "trm"
)

// tokenAlphabet omits look-alike characters so tokens survive being read aloud.
const tokenAlphabet = "23456789abcdefghjkmnpqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ"

// Generate creates a prefixed unique ID using NanoID
// Format: prefix-nanoid (e.g., "enc-V1StGXR8_Z5jdHi6B-myT").
//
// Returns an error if the system has insufficient entropy for secure random generation.
func Generate(prefix string) (string, error) {
	id, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("generate nanoid: %w", err)
	}
	return prefix + "-" + id, nil
}

// MustGenerate is like Generate but panics if ID generation fails.
func MustGenerate(prefix string) string {
	id, err := Generate(prefix)
	if err != nil {
		panic(fmt.Sprintf("failed to generate ID: %v", err))
	}
	return id
}

// Token returns a short public token for a media item.
func Token(n int) (string, error) {
	tok, err := gonanoid.Generate(tokenAlphabet, n)
	if err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return tok, nil
}

// ArtifactName returns a time-ordered file name with the given extension.
// Names sort by creation time, which keeps chunk outputs and finals grouped on disk.
func ArtifactName(ext string) (string, error) {
	u, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate artifact name: %w", err)
	}
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		return u.String(), nil
	}
	return u.String() + "." + ext, nil
}

package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// GenerateSecret generates a cryptographically secure random hex secret of n bytes
func GenerateSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// ServiceSecrets are the secrets a fresh deployment needs
type ServiceSecrets struct {
	JWTSecret     string
	WebhookSecret string
}

// GenerateServiceSecrets generates the JWT signing key and the webhook signing key
func GenerateServiceSecrets() (*ServiceSecrets, error) {
	jwtSecret, err := GenerateSecret(32) // 256-bit
	if err != nil {
		return nil, fmt.Errorf("failed to generate JWT secret: %w", err)
	}

	webhookSecret, err := GenerateSecret(32)
	if err != nil {
		return nil, fmt.Errorf("failed to generate webhook secret: %w", err)
	}

	return &ServiceSecrets{JWTSecret: jwtSecret, WebhookSecret: webhookSecret}, nil
}

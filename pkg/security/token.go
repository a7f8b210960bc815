package security

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// GenerateDeployToken returns the random token that authorizes webhook
// deploy requests for a single service. 32 bytes of entropy, hex
// encoded. Tokens persist on the service until regenerated.
func GenerateDeployToken() (string, error) {
	return randomToken()
}

// GenerateWebhookSecret returns a shared secret registered with a git
// provider to sign webhook deliveries.
func GenerateWebhookSecret() (string, error) {
	return randomToken()
}

func randomToken() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

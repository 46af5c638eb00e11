package auth

import (
	"fmt"
	"time"
)

// Config holds authentication-related configuration.
type Config struct {
	// APIKeyHashAlgorithm specifies the hashing algorithm (bcrypt or argon2).
	APIKeyHashAlgorithm string `yaml:"hashAlgorithm"`
	// BcryptCost is the bcrypt cost factor (default: 12).
	BcryptCost int `yaml:"bcryptCost"`
	// Argon2Time is the argon2 time parameter.
	Argon2Time uint32 `yaml:"argon2Time"`
	// Argon2Memory is the argon2 memory parameter in KB.
	Argon2Memory uint32 `yaml:"argon2Memory"`
	// Argon2Threads is the argon2 parallelism parameter.
	Argon2Threads uint8 `yaml:"argon2Threads"`
	// KeyRotationWindow is how long a rotated key keeps working.
	KeyRotationWindow time.Duration `yaml:"keyRotationWindow"`
	// RateLimitPerMinute is the default per-key request budget.
	RateLimitPerMinute int `yaml:"rateLimitPerMinute"`
	// AdminToken authorizes tenant bootstrap. Empty disables the endpoint.
	AdminToken string `yaml:"-"`
}

// DefaultConfig returns the auth settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		APIKeyHashAlgorithm: "bcrypt",
		BcryptCost:          12,
		Argon2Time:          1,
		Argon2Memory:        64 * 1024,
		Argon2Threads:       4,
		KeyRotationWindow:   24 * time.Hour,
		RateLimitPerMinute:  600,
	}
}

// Validate rejects hashing parameters the key store cannot use.
func (c Config) Validate() error {
	switch c.APIKeyHashAlgorithm {
	case "bcrypt", "argon2":
	default:
		return fmt.Errorf("auth: unknown hash algorithm %q", c.APIKeyHashAlgorithm)
	}
	if c.KeyRotationWindow < 0 {
		return fmt.Errorf("auth: negative key rotation window %v", c.KeyRotationWindow)
	}
	return nil
}

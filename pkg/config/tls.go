package config

import (
	"crypto/tls"
	"fmt"
	"strings"
)

// ConfigError represents a configuration validation error.
//
//nolint:revive // ConfigError reads better than Error at call sites outside the package
type ConfigError struct {
	Field       string
	Value       any
	Reason      string
	Suggestions []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error in field '%s': %s", e.Field, e.Reason)
}

func (e *ConfigError) WithSuggestion(suggestion string) *ConfigError {
	e.Suggestions = append(e.Suggestions, suggestion)
	return e
}

func NewConfigMissingError(field string) *ConfigError {
	return &ConfigError{
		Field:  field,
		Reason: fmt.Sprintf("required field '%s' is missing", field),
	}
}

func NewConfigValidationError(field string, value any, reason string) *ConfigError {
	return &ConfigError{
		Field:  field,
		Value:  value,
		Reason: reason,
	}
}

var tlsVersions = map[string]uint16{
	"1.2": tls.VersionTLS12,
	"1.3": tls.VersionTLS13,
}

// ParseTLSVersion converts "1.2" or "1.3" to its crypto/tls constant. Empty
// selects TLS 1.2.
func ParseTLSVersion(version string) (uint16, error) {
	normalized := strings.TrimSpace(version)
	if normalized == "" {
		return tls.VersionTLS12, nil
	}
	v, ok := tlsVersions[normalized]
	if !ok {
		return 0, fmt.Errorf("unsupported TLS version %q", version)
	}
	return v, nil
}

// TLSConfig represents TLS termination for the HTTP listener.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	MinVersion string `yaml:"min_version,omitempty"`
}

// Validate checks the TLS settings when TLS is enabled.
func (c *TLSConfig) Validate() error {
	if c == nil || !c.Enabled {
		return nil
	}
	if strings.TrimSpace(c.CertFile) == "" {
		return NewConfigMissingError("cert_file").
			WithSuggestion("Provide a path to a PEM encoded certificate")
	}
	if strings.TrimSpace(c.KeyFile) == "" {
		return NewConfigMissingError("key_file").
			WithSuggestion("Provide a path to the PEM encoded private key matching the certificate")
	}
	if _, err := ParseTLSVersion(c.MinVersion); err != nil {
		return NewConfigValidationError("min_version", c.MinVersion, err.Error()).
			WithSuggestion("Use 1.2 or 1.3")
	}
	return nil
}

// ServerTLS returns the crypto/tls settings for the listener. Certificates are
// loaded by http.Server.ListenAndServeTLS.
func (c *TLSConfig) ServerTLS() (*tls.Config, error) {
	if c == nil || !c.Enabled {
		return nil, nil
	}
	minVersion, err := ParseTLSVersion(c.MinVersion)
	if err != nil {
		return nil, err
	}
	return &tls.Config{MinVersion: minVersion}, nil
}

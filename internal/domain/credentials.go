package domain

import (
	"strings"
	"time"
)

// temporaryKeyPrefix marks access keys minted by a security token service.
const temporaryKeyPrefix = "ASIA"

// CredentialSet is the key material used to call the remote cloud API on a
// sandbox's behalf. Expiration is nil for permanent keys.
type CredentialSet struct {
	AccessKeyID     string     `json:"accessKeyId"`
	SecretAccessKey string     `json:"secretAccessKey"`
	SessionToken    string     `json:"sessionToken,omitempty"`
	Region          string     `json:"region"`
	Endpoint        string     `json:"endpoint,omitempty"`
	UseSSL          bool       `json:"useSSL"`
	Expiration      *time.Time `json:"expiration,omitempty"`

	// Ref is an opaque provisioner handle used to release the sandbox.
	Ref string `json:"-"`
}

// IsTemporary reports whether the key identifier follows the temporary
// credential naming convention.
func (c CredentialSet) IsTemporary() bool {
	return IsTemporaryKey(c.AccessKeyID)
}

// IsTemporaryKey reports whether accessKeyID names a temporary credential.
func IsTemporaryKey(accessKeyID string) bool {
	return strings.HasPrefix(accessKeyID, temporaryKeyPrefix)
}

// Clone returns a copy that does not alias the expiration pointer.
func (c CredentialSet) Clone() CredentialSet {
	if c.Expiration != nil {
		exp := *c.Expiration
		c.Expiration = &exp
	}
	return c
}

// Equal reports whether two credential sets carry the same key material.
func (c CredentialSet) Equal(o CredentialSet) bool {
	if c.AccessKeyID != o.AccessKeyID || c.SecretAccessKey != o.SecretAccessKey ||
		c.SessionToken != o.SessionToken || c.Region != o.Region || c.Endpoint != o.Endpoint {
		return false
	}
	switch {
	case c.Expiration == nil && o.Expiration == nil:
		return true
	case c.Expiration == nil || o.Expiration == nil:
		return false
	default:
		return c.Expiration.Equal(*o.Expiration)
	}
}

// Masked returns a copy safe for logs.
func (c CredentialSet) Masked() CredentialSet {
	m := c.Clone()
	m.SecretAccessKey = mask(m.SecretAccessKey)
	m.SessionToken = mask(m.SessionToken)
	return m
}

func mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 4 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}

package session

import (
	"crypto/rsa"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// MinHMACSecretLength is the shortest accepted HMAC secret in bytes
const MinHMACSecretLength = 32

var (
	// ErrKeyNotFound is returned when no key is registered under a kid
	ErrKeyNotFound = errors.New("signing key not found")

	// ErrKeyCannotSign is returned when the active key only holds verification material
	ErrKeyCannotSign = errors.New("key cannot sign")
)

// Key is one signing key identified by kid. Signing is nil for
// verification-only keys.
type Key struct {
	ID        string
	Method    jwt.SigningMethod
	Signing   interface{}
	Verifying interface{}
}

// CanSign reports whether the key holds private material
func (k *Key) CanSign() bool {
	return k.Signing != nil
}

// NewHMACKey creates an HS256 key
func NewHMACKey(id string, secret []byte) (*Key, error) {
	if id == "" {
		return nil, errors.New("key id is required")
	}
	if len(secret) < MinHMACSecretLength {
		return nil, fmt.Errorf("hmac secret for %s must be at least %d bytes", id, MinHMACSecretLength)
	}
	s := make([]byte, len(secret))
	copy(s, secret)
	return &Key{ID: id, Method: jwt.SigningMethodHS256, Signing: s, Verifying: s}, nil
}

// NewRSAKey creates an RS256 key from a private key
func NewRSAKey(id string, private *rsa.PrivateKey) (*Key, error) {
	if id == "" {
		return nil, errors.New("key id is required")
	}
	if private == nil {
		return nil, fmt.Errorf("rsa key %s is nil", id)
	}
	return &Key{ID: id, Method: jwt.SigningMethodRS256, Signing: private, Verifying: &private.PublicKey}, nil
}

// NewRSAVerifyKey creates a verification-only RS256 key
func NewRSAVerifyKey(id string, public *rsa.PublicKey) (*Key, error) {
	if id == "" {
		return nil, errors.New("key id is required")
	}
	if public == nil {
		return nil, fmt.Errorf("rsa key %s is nil", id)
	}
	return &Key{ID: id, Method: jwt.SigningMethodRS256, Verifying: public}, nil
}

// KeyProvider supplies the key used for new credentials and looks up keys
// of credentials being verified
type KeyProvider interface {
	ActiveKey() (*Key, error)
	Key(kid string) (*Key, error)
}

// StaticKeyProvider serves a fixed key set
type StaticKeyProvider struct {
	active string
	keys   map[string]*Key
}

// NewStaticKeyProvider creates a provider whose active key is active.
// Every other key remains valid for verification.
func NewStaticKeyProvider(active string, keys ...*Key) (*StaticKeyProvider, error) {
	p := &StaticKeyProvider{active: active, keys: make(map[string]*Key, len(keys))}
	for _, k := range keys {
		if _, dup := p.keys[k.ID]; dup {
			return nil, fmt.Errorf("duplicate key id %q", k.ID)
		}
		p.keys[k.ID] = k
	}
	activeKey, ok := p.keys[active]
	if !ok {
		return nil, fmt.Errorf("%w: active key %q", ErrKeyNotFound, active)
	}
	if !activeKey.CanSign() {
		return nil, fmt.Errorf("%w: %s", ErrKeyCannotSign, active)
	}
	return p, nil
}

// NewHMACKeyProvider is a single-key HS256 provider
func NewHMACKeyProvider(kid string, secret []byte) (*StaticKeyProvider, error) {
	key, err := NewHMACKey(kid, secret)
	if err != nil {
		return nil, err
	}
	return NewStaticKeyProvider(kid, key)
}

func (p *StaticKeyProvider) ActiveKey() (*Key, error) {
	return p.keys[p.active], nil
}

func (p *StaticKeyProvider) Key(kid string) (*Key, error) {
	k, ok := p.keys[kid]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, kid)
	}
	return k, nil
}

package protocol

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

const (
	pemPublicKeyPrefix    = "-----BEGIN PUBLIC KEY-----"
	pemRSAPublicKeyPrefix = "-----BEGIN RSA PUBLIC KEY-----"
)

// ParsePublicKey checks that data is a PEM encoded public key and returns
// the parsed key. The server only uses it to validate the handshake; the
// original bytes are what gets relayed.
func ParsePublicKey(data []byte) (crypto.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrInvalidPublicKey)
	}

	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
		}
		return key, nil
	case "RSA PUBLIC KEY":
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("%w: unexpected PEM block %q", ErrInvalidPublicKey, block.Type)
	}
}

// EncodePublicKey serializes pub as a PEM SubjectPublicKeyInfo block, the
// handshake format clients send.
func EncodePublicKey(pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// Package identity loads the device's X.509 identity from a PKCS#12 store.
//
// A store may hold several certificate/key entries (expired rotations,
// CA chains). The device identity is the first entry that carries a
// private key; everything else is discarded and its key material wiped.
package identity

import (
	"crypto"
	"crypto/sha1"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log"
	"os"

	"golang.org/x/crypto/pkcs12"
)

var ErrIdentityNotFound = errors.New("identity: no entry with a private key")

type Identity struct {
	Certificate tls.Certificate
	Subject     string
	Thumbprint  string
}

// TLSConfig builds the client TLS configuration used for every remote
// connection the agent opens.
func (id *Identity) TLSConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{id.Certificate},
		MinVersion:   tls.VersionTLS12,
	}
}

func Load(path, passphrase string, logger *log.Logger) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("identity: read store: %w", err)
	}
	blocks, err := pkcs12.ToPEM(data, passphrase)
	if err != nil {
		return nil, fmt.Errorf("identity: decode store: %w", err)
	}
	return Select(blocks, logger)
}

type candidateKey struct {
	signer crypto.Signer
	index  int
}

// Select walks the decoded store in container order and picks the first
// certificate that pairs with any private key in the store. All other
// key blocks are zeroed before returning. An orphan key ahead of a
// complete entry does not shadow it.
func Select(blocks []*pem.Block, logger *log.Logger) (*Identity, error) {
	var (
		keys  []candidateKey
		certs []*x509.Certificate
	)
	for i, b := range blocks {
		if b.Type == "CERTIFICATE" {
			c, err := x509.ParseCertificate(b.Bytes)
			if err != nil {
				logger.Printf("identity: skipping unparsable certificate block: %v", err)
				continue
			}
			logger.Printf("identity: candidate subject=%q thumbprint=%x", c.Subject.String(), sha1.Sum(c.Raw))
			certs = append(certs, c)
			continue
		}
		if k, err := parsePrivateKey(b.Bytes); err == nil {
			keys = append(keys, candidateKey{signer: k, index: i})
		}
	}

	keep := -1
	defer func() { wipeKeys(blocks, keep) }()

	if len(keys) == 0 {
		return nil, ErrIdentityNotFound
	}
	for _, c := range certs {
		for _, k := range keys {
			if !publicKeysMatch(k.signer.Public(), c.PublicKey) {
				continue
			}
			keep = k.index
			return &Identity{
				Certificate: tls.Certificate{
					Certificate: [][]byte{c.Raw},
					PrivateKey:  k.signer,
					Leaf:        c,
				},
				Subject:    c.Subject.String(),
				Thumbprint: fmt.Sprintf("%x", sha1.Sum(c.Raw)),
			}, nil
		}
	}
	return nil, ErrIdentityNotFound
}

func parsePrivateKey(der []byte) (crypto.Signer, error) {
	if k, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		if s, ok := k.(crypto.Signer); ok {
			return s, nil
		}
		return nil, errors.New("identity: unsupported PKCS#8 key type")
	}
	if k, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return k, nil
	}
	if k, err := x509.ParseECPrivateKey(der); err == nil {
		return k, nil
	}
	return nil, errors.New("identity: unrecognized private key encoding")
}

func publicKeysMatch(a crypto.PublicKey, b any) bool {
	type equaler interface {
		Equal(crypto.PublicKey) bool
	}
	e, ok := a.(equaler)
	return ok && e.Equal(b)
}

// wipeKeys zeroes every private key block except the selected one.
func wipeKeys(blocks []*pem.Block, keep int) {
	for i, b := range blocks {
		if i == keep || b.Type == "CERTIFICATE" {
			continue
		}
		for j := range b.Bytes {
			b.Bytes[j] = 0
		}
	}
}

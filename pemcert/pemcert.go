// Package pemcert parses one or more PEM-encoded X.509 certificates from a
// file into an ordered list.
package pemcert

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"os"

	"github.com/pkg/errors"
)

// ReadFile parses every PEM-encoded CERTIFICATE block in file, in order,
// skipping whitespace between blocks, and returns them as a parsed chain.
// On any parse error, none of the partially parsed certificates are
// returned; the caller gets an I/O-classed error.
func ReadFile(file string) ([]*x509.Certificate, error) {
	raw, err := os.ReadFile(file)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return Parse(raw)
}

// Parse parses every PEM-encoded CERTIFICATE block in raw, in order.
func Parse(raw []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate

	rest := raw
	for {
		rest = bytes.TrimLeftFunc(rest, isPEMGap)
		if len(rest) == 0 {
			break
		}

		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil, errors.Errorf("pemcert: no PEM certificate block found after %d parsed", len(certs))
		}
		if block.Type != "CERTIFICATE" {
			continue
		}

		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, errors.WithMessagef(err, "pemcert: failed to parse certificate %d", len(certs))
		}
		certs = append(certs, cert)
	}

	if len(certs) == 0 {
		return nil, errors.New("pemcert: no certificates found")
	}

	return certs, nil
}

// isPEMGap reports whether r is whitespace that may separate PEM blocks.
func isPEMGap(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\r':
		return true
	default:
		return false
	}
}

// EncodeToPEM writes certs in order as sequential PEM CERTIFICATE blocks.
func EncodeToPEM(certs ...*x509.Certificate) []byte {
	var buf bytes.Buffer
	for _, c := range certs {
		_ = pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: c.Raw})
	}
	return buf.Bytes()
}

package sslconn

import (
	"crypto/x509"
	"os"

	"github.com/effective-security/ofssl/pemcert"
	"github.com/effective-security/ofssl/stream"
	"github.com/effective-security/xlog"
)

// runBootstrap is the CA bootstrap controller: captures the peer's
// self-signed root on first contact, persists it, and arms the trust
// store for future connections. It always returns stream.ErrProtocol: a
// connection that completed with verification relaxed is never handed to
// the caller as established; the caller is expected to reconnect once
// bootstrap has armed the real trust anchor.
func (s *Stream) runBootstrap() error {
	certs := s.tlsConn.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		logger.KV(xlog.ERROR, "reason", "bootstrap_empty_chain", "stream", s.name)
		return stream.ErrProtocol
	}

	root := certs[len(certs)-1]
	if !isSelfSigned(root) {
		logger.KV(xlog.ERROR, "reason", "bootstrap_root_not_self_signed", "stream", s.name, "subject", root.Subject.String())
		if len(certs) == 1 {
			logger.KV(xlog.NOTICE, "hint", "peer_likely_omitted_its_ca", "stream", s.name)
		}
		return stream.ErrProtocol
	}

	path, armed := s.ctx.BootstrapInfo()
	if !armed || path == "" {
		// Lost the race: another handshake already persisted the file and
		// disarmed bootstrap between this handshake starting and finishing.
		return stream.ErrProtocol
	}

	if err := persistBootstrapRoot(path, root); err != nil {
		if os.IsExist(err) {
			// Race loser: some other connection's bootstrap won the
			// exclusive create. This connection still completed with
			// relaxed verification, so it cannot be handed to the caller.
			logger.KV(xlog.NOTICE, "reason", "bootstrap_race_lost", "stream", s.name)
		} else {
			logger.KV(xlog.ERROR, "reason", "bootstrap_persist_failed", "stream", s.name, "err", err.Error())
		}
		return stream.ErrProtocol
	}

	s.ctx.SetCACertFile(path, false)
	logger.KV(xlog.NOTICE, "status", "bootstrap_complete", "stream", s.name, "file", path)
	return stream.ErrProtocol
}

// isSelfSigned reports whether cert's issuer equals its subject and its
// signature validates against its own public key.
func isSelfSigned(cert *x509.Certificate) bool {
	if cert.Subject.String() != cert.Issuer.String() {
		return false
	}
	return cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature) == nil
}

// persistBootstrapRoot creates path with exclusive-create, read-only
// (mode 0444) semantics and writes root in PEM form. Any write/close
// failure unlinks the partial file.
func persistBootstrapRoot(path string, root *x509.Certificate) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0444)
	if err != nil {
		return err
	}

	if _, werr := f.Write(pemcert.EncodeToPEM(root)); werr != nil {
		f.Close()
		os.Remove(path)
		return werr
	}
	if cerr := f.Close(); cerr != nil {
		os.Remove(path)
		return cerr
	}
	return nil
}

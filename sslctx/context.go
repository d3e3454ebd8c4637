// Package sslctx implements the process-wide TLS context used by the
// active stream and passive listener in sibling packages: private key,
// local certificate chain, trusted CA set, client-CA hints, verification
// policy, and the CA-bootstrap bookkeeping.
package sslctx

import (
	"crypto/sha1" //nolint:gosec // fingerprint display only, not a security boundary
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/effective-security/ofssl/internal/ratelog"
	"github.com/effective-security/ofssl/pemcert"
	"github.com/effective-security/xlog"
	"github.com/pkg/errors"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/ofssl", "sslctx")

var configRL = ratelog.New(10, 25)

// Default is the process-wide TLS context. It is created empty at package
// initialization and filled in by the setters: there is no explicit
// "create" step, and it is never torn down during the process lifetime.
var Default = New()

// Context holds the TLS configuration shared by every stream opened
// against it. All mutation happens through the setters below; they never
// fail to the caller directly, instead logging the error and leaving the
// corresponding has_* flag unset.
type Context struct {
	mu sync.Mutex

	privateKeyPEM []byte
	certChainPEM  []byte
	certificate   *tls.Certificate // built lazily from the two PEMs above

	hasPrivateKey  bool
	hasCertificate bool
	hasCACert      bool

	trustedCAs *x509.CertPool

	// clientCAHints lists the certificates most recently loaded by
	// SetCACertFile (a bootstrapped root once it is reloaded). The
	// CertificateRequest CA list a server sends is built from trustedCAs,
	// which holds the same certificates; TLSConfig does not read this.
	clientCAHints []*x509.Certificate

	// peerCACerts are loaded via SetPeerCACertFile: extra certificates
	// this context presents as part of its own chain so a first-contact
	// peer can learn our CA during the handshake itself.
	peerCACerts []*x509.Certificate

	bootstrapArmed bool
	bootstrapPath  string

	dh dhCache
}

// New returns an unconfigured Context. Most callers should use Default;
// New exists for tests that need isolation from the process-wide state.
func New() *Context {
	return &Context{}
}

// IsConfigured reports whether TLS is at least partially configured
// (any of private key, certificate, or CA cert has been set).
func (c *Context) IsConfigured() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasPrivateKey || c.hasCertificate || c.hasCACert
}

// SetPrivateKeyFile loads a PEM private key. A file that cannot be read is
// logged and leaves has_private_key false. The contents are not parsed
// here: any readable file sets has_private_key, and a malformed key is
// reported only when TLSConfig fails to pair it with the certificate and
// returns ErrNotConfigured.
func (c *Context) SetPrivateKeyFile(file string) {
	data, err := os.ReadFile(file)
	if err != nil {
		logger.KV(xlog.ERROR, "reason", "read_private_key", "file", file, "err", err.Error())
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.privateKeyPEM = data
	c.certificate = nil // force rebuild/re-validate on next use
	c.hasPrivateKey = true
}

// SetCertificateFile loads the local certificate chain (leaf followed by
// any intermediates), PEM-encoded.
func (c *Context) SetCertificateFile(file string) {
	data, err := os.ReadFile(file)
	if err != nil {
		logger.KV(xlog.ERROR, "reason", "read_certificate", "file", file, "err", err.Error())
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.certChainPEM = data
	c.certificate = nil
	c.hasCertificate = true
}

// SetCACertFile sets the trusted CA used to verify peers. If bootstrap is
// true and file does not yet exist, bootstrap mode is armed instead of
// failing: the first successful handshake will capture and persist the
// peer's root (see the sslconn bootstrap controller). Otherwise the file
// is parsed immediately and loaded into both the verifier's trust store
// and the advertised client-CA list.
func (c *Context) SetCACertFile(file string, bootstrap bool) {
	if bootstrap {
		if _, err := os.Stat(file); err != nil && os.IsNotExist(err) {
			c.mu.Lock()
			c.bootstrapArmed = true
			c.bootstrapPath = file
			c.mu.Unlock()
			logger.KV(xlog.NOTICE, "status", "bootstrap_armed", "file", file)
			return
		}
	}

	certs, err := readCertFile(file)
	if err != nil {
		logger.KV(xlog.ERROR, "reason", "read_ca_cert", "file", file, "err", err.Error())
		return
	}

	pool := x509.NewCertPool()
	for _, crt := range certs {
		pool.AddCert(crt)
		logTrustedCA(file, crt)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.trustedCAs = pool
	c.clientCAHints = append([]*x509.Certificate(nil), certs...)
	c.hasCACert = true
	c.bootstrapArmed = false
}

// SetPeerCACertFile loads one or more PEM certificates to send to the
// peer in addition to our own leaf certificate -- typically a CA
// certificate, so a switch can pick up the controller's CA on first
// contact without a separate bootstrap round-trip.
func (c *Context) SetPeerCACertFile(file string) {
	certs, err := readCertFile(file)
	if err != nil {
		logger.KV(xlog.ERROR, "reason", "read_peer_ca_cert", "file", file, "err", err.Error())
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.peerCACerts = certs
}

// BootstrapInfo returns the path a future bootstrap capture should be
// written to and whether bootstrap mode is currently armed. The sslconn
// bootstrap controller uses this to locate its target file; once the root
// is persisted there, it is loaded via SetCACertFile(path, false), which
// atomically flips bootstrap_armed off and has_ca_cert on.
func (c *Context) BootstrapInfo() (path string, armed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bootstrapPath, c.bootstrapArmed
}

func readCertFile(file string) ([]*x509.Certificate, error) {
	return pemcert.ReadFile(file)
}

func logTrustedCA(file string, cert *x509.Certificate) {
	logger.KV(xlog.NOTICE,
		"status", "trusting_ca",
		"file", file,
		"subject", cert.Subject.String(),
		"fingerprint", sha1Fingerprint(cert),
	)
}

// sha1Fingerprint renders the colon-separated SHA-1 fingerprint used in
// the trust log, for display/audit purposes only.
func sha1Fingerprint(cert *x509.Certificate) string {
	sum := sha1.Sum(cert.Raw) //nolint:gosec
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02x", b)
	}
	return strings.Join(parts, ":")
}

// state is a point-in-time, lock-protected snapshot used by stream setup.
type state struct {
	hasPrivateKey  bool
	hasCertificate bool
	hasCACert      bool
	bootstrapArmed bool
	bootstrapPath  string
	certificate    *tls.Certificate
	certErr        error
	trustedCAs     *x509.CertPool
	clientCAHints  []*x509.Certificate
	peerCACerts    []*x509.Certificate
}

func (c *Context) snapshot() state {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.certificate == nil && c.hasPrivateKey && c.hasCertificate {
		c.certificate, _ = buildCertificate(c.certChainPEM, c.privateKeyPEM)
	}

	var certErr error
	if c.hasPrivateKey && c.hasCertificate && c.certificate == nil {
		certErr = errors.New("sslctx: private key does not match certificate public key")
	}

	return state{
		hasPrivateKey:  c.hasPrivateKey,
		hasCertificate: c.hasCertificate,
		hasCACert:      c.hasCACert,
		bootstrapArmed: c.bootstrapArmed,
		bootstrapPath:  c.bootstrapPath,
		certificate:    c.certificate,
		certErr:        certErr,
		trustedCAs:     c.trustedCAs,
		clientCAHints:  c.clientCAHints,
		peerCACerts:    c.peerCACerts,
	}
}

// ErrNotConfigured is returned when required key/cert/CA material is
// missing, or the private key does not match the certificate.
var ErrNotConfigured = errors.New("sslctx: not configured")

// TLSConfig builds a *tls.Config for a new connection in the given role.
// It enforces the invariant that private key, local certificate, and a
// trusted CA (or an armed bootstrap) must all hold before a stream may
// open. armedBootstrap reports whether this client connection should run
// with verification relaxed because bootstrap is armed.
func (c *Context) TLSConfig(server bool) (cfg *tls.Config, armedBootstrap bool, err error) {
	st := c.snapshot()

	if !st.hasPrivateKey {
		logger.KV(xlog.ERROR, "reason", "missing_private_key")
		return nil, false, ErrNotConfigured
	}
	if !st.hasCertificate {
		logger.KV(xlog.ERROR, "reason", "missing_certificate")
		return nil, false, ErrNotConfigured
	}
	if !st.hasCACert && !st.bootstrapArmed {
		logger.KV(xlog.ERROR, "reason", "missing_ca_cert")
		return nil, false, ErrNotConfigured
	}
	if st.certErr != nil {
		logger.KV(xlog.ERROR, "reason", "key_cert_mismatch", "err", st.certErr.Error())
		return nil, false, ErrNotConfigured
	}

	chain := *st.certificate
	if len(st.peerCACerts) > 0 {
		extra := chain
		for _, crt := range st.peerCACerts {
			extra.Certificate = append(extra.Certificate, crt.Raw)
		}
		chain = extra
	}

	cfg = &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{chain},
		ClientCAs:    st.trustedCAs,
		RootCAs:      st.trustedCAs,
		ClientAuth:   tls.RequireAndVerifyClientCert,
	}

	armedBootstrap = !server && st.bootstrapArmed
	if armedBootstrap {
		// A client in bootstrap mode disables peer verification for
		// exactly this connection so the handshake can complete and hand
		// the peer's chain to the bootstrap controller.
		cfg.InsecureSkipVerify = true
	}
	if !server {
		// A client has no peers to request certs from.
		cfg.ClientAuth = tls.NoClientCert
		if !armedBootstrap {
			// crypto/tls's built-in client check also needs and verifies a
			// server host name; verify only the chain against trustedCAs.
			cfg.InsecureSkipVerify = true
			cfg.VerifyConnection = func(cs tls.ConnectionState) error {
				if len(cs.PeerCertificates) == 0 {
					return errors.New("sslctx: peer presented no certificate")
				}
				opts := x509.VerifyOptions{Roots: st.trustedCAs, Intermediates: x509.NewCertPool()}
				for _, crt := range cs.PeerCertificates[1:] {
					opts.Intermediates.AddCert(crt)
				}
				_, err := cs.PeerCertificates[0].Verify(opts)
				return err
			}
		}
	}

	return cfg, armedBootstrap, nil
}

func buildCertificate(certPEM, keyPEM []byte) (*tls.Certificate, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if cert.Leaf == nil && len(cert.Certificate) > 0 {
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err == nil {
			cert.Leaf = leaf
		}
	}
	return &cert, nil
}


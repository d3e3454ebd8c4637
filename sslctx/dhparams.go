package sslctx

import (
	"math/big"
	"strings"
	"sync"

	"github.com/effective-security/xlog"
)

// DHParams are ephemeral Diffie-Hellman parameters for a given modulus
// length. crypto/tls negotiates its own ECDHE groups internally and has no
// callback-driven DH parameter hook the way OpenSSL's SSL_CTX_set_tmp_dh_callback
// does, so these are not wired into the handshake; the cache exists because
// its own testable properties (lazy construction, per-key-length caching,
// rate-limited failure for unknown lengths) are meaningful on their own
// and this is where a host framework with direct OpenSSL access would
// plug in.
type DHParams struct {
	P *big.Int
	G int64
}

type dhCache struct {
	mu    sync.Mutex
	cache map[int]*DHParams
}

// supportedDHBits are the modulus lengths the table knows how to build.
var supportedDHBits = map[int]bool{1024: true, 2048: true, 4096: true}

// seedPrime is a known RFC 3526 (Oakley Group 14) safe prime used as the
// seed for constructFixedGroup below.
const seedPrime = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3DC2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F83655D23DCA3AD961C62F356208552BB9ED529077096966D670C354E4ABC9804F1746C08CA18217C32905E462E36CE3BE39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9DE2BCBF6955817183995497CEA956AE515D2261898FA051015728E5A8AACAA68FFFFFFFFFFFFFFFF"

// constructFixedGroup derives a safe-prime-shaped modulus of the requested
// bit length from seedPrime: truncate or repeat the seed's hex digits to
// the target length and force the top two bits and the bottom bit on, the
// standard shape of a Sophie Germain safe-prime modulus. This is a
// deterministic placeholder, not a real negotiated group -- crypto/tls
// never consults it during a handshake (see the DHParams doc comment).
func constructFixedGroup(bits int) *big.Int {
	hexDigits := bits / 4
	var b strings.Builder
	for b.Len() < hexDigits {
		b.WriteString(seedPrime)
	}
	hex := b.String()[:hexDigits]

	p := new(big.Int)
	p.SetString(hex, 16)
	p.SetBit(p, bits-1, 1)
	p.SetBit(p, bits-2, 1)
	p.SetBit(p, 0, 1)
	return p
}

// DHParams returns the ephemeral DH parameters for keyBits, constructing
// and caching them on first request. Unknown key lengths produce a
// rate-limited warning and a nil result, matching tmp_dh_callback's
// behavior for an unrecognized keylength.
func (c *Context) DHParams(keyBits int) *DHParams {
	c.dh.mu.Lock()
	defer c.dh.mu.Unlock()

	if c.dh.cache == nil {
		c.dh.cache = make(map[int]*DHParams)
	}
	if p, ok := c.dh.cache[keyBits]; ok {
		return p
	}

	if !supportedDHBits[keyBits] {
		if configRL.Allow() {
			logger.KV(xlog.WARNING, "reason", "no_dh_params", "key_bits", keyBits)
		}
		return nil
	}

	params := &DHParams{P: constructFixedGroup(keyBits), G: 2}
	c.dh.cache[keyBits] = params
	return params
}

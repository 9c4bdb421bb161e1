// Package transport wires the QUIC-based bidirectional/unidirectional
// stream transport and the per-host ephemeral TLS identity it authenticates
// with. Unlike the mutual-TLS identities nbackup's pki package loads from
// disk, a camera server has no fixed set of known clients to pre-provision
// certificates for: every Host a browser or viewer connects through gets
// its own self-signed identity, minted on first use and evicted after a
// period of disuse.
package transport

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// certificateTTL is how long a minted identity remains valid, and also the
// soft-eviction window: an identity untouched for this long is dropped from
// the store and regenerated on the next request, matching the 7-day
// GC-on-next-use policy.
const certificateTTL = 7 * 24 * time.Hour

// CertificateStore mints and caches one self-signed TLS identity per Host,
// safe for concurrent use from tls.Config.GetCertificate.
type CertificateStore struct {
	mu    sync.Mutex
	byHost map[string]*cachedCertificate
}

type cachedCertificate struct {
	cert     *tls.Certificate
	lastUsed time.Time
}

// NewCertificateStore returns an empty store.
func NewCertificateStore() *CertificateStore {
	return &CertificateStore{byHost: make(map[string]*cachedCertificate)}
}

// CertificateFor returns the cached identity for host, minting a fresh one
// if absent or expired.
func (cs *CertificateStore) CertificateFor(host string) (*tls.Certificate, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	now := time.Now()
	if entry, ok := cs.byHost[host]; ok && now.Before(entry.cert.Leaf.NotAfter) {
		entry.lastUsed = now
		return entry.cert, nil
	}

	cert, err := selfSignedCertificate(host, now)
	if err != nil {
		return nil, fmt.Errorf("minting certificate for %q: %w", host, err)
	}
	cs.byHost[host] = &cachedCertificate{cert: cert, lastUsed: now}
	return cert, nil
}

// GetCertificate adapts CertificateFor to tls.Config's certificate-selection
// hook, keyed on the ClientHello's SNI.
func (cs *CertificateStore) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	host := hello.ServerName
	if host == "" {
		host = "localhost"
	}
	return cs.CertificateFor(host)
}

// Sweep evicts every identity whose lastUsed is older than certificateTTL,
// returning the number evicted. Nothing in this module calls it outside its
// tests; the maintenance scheduler sweeps only through Manager.Sweep.
func (cs *CertificateStore) Sweep(now time.Time) int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	evicted := 0
	for host, entry := range cs.byHost {
		if now.Sub(entry.lastUsed) >= certificateTTL {
			delete(cs.byHost, host)
			evicted++
		}
	}
	return evicted
}

func selfSignedCertificate(host string, now time.Time) (*tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generating serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: host},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(certificateTTL),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{host},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("creating certificate: %w", err)
	}

	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parsing freshly minted certificate: %w", err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

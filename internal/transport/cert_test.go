package transport

import (
	"crypto/tls"
	"testing"
	"time"
)

func TestCertificateForMintsAndCaches(t *testing.T) {
	cs := NewCertificateStore()

	first, err := cs.CertificateFor("camera-1.local")
	if err != nil {
		t.Fatalf("CertificateFor: %v", err)
	}
	second, err := cs.CertificateFor("camera-1.local")
	if err != nil {
		t.Fatalf("CertificateFor: %v", err)
	}
	if first.Leaf.SerialNumber.Cmp(second.Leaf.SerialNumber) != 0 {
		t.Fatal("expected the same cached certificate on a second request for the same host")
	}

	other, err := cs.CertificateFor("camera-2.local")
	if err != nil {
		t.Fatalf("CertificateFor: %v", err)
	}
	if other.Leaf.SerialNumber.Cmp(first.Leaf.SerialNumber) == 0 {
		t.Fatal("expected a distinct identity per host")
	}
	if other.Leaf.Subject.CommonName != "camera-2.local" {
		t.Fatalf("expected CommonName to match the requested host, got %q", other.Leaf.Subject.CommonName)
	}
}

func TestGetCertificateFallsBackToLocalhostWithoutSNI(t *testing.T) {
	cs := NewCertificateStore()
	cert, err := cs.GetCertificate(&tls.ClientHelloInfo{})
	if err != nil {
		t.Fatalf("GetCertificate: %v", err)
	}
	if cert.Leaf.Subject.CommonName != "localhost" {
		t.Fatalf("expected localhost fallback, got %q", cert.Leaf.Subject.CommonName)
	}
}

func TestSweepEvictsStaleIdentities(t *testing.T) {
	cs := NewCertificateStore()
	if _, err := cs.CertificateFor("camera-1.local"); err != nil {
		t.Fatalf("CertificateFor: %v", err)
	}

	if evicted := cs.Sweep(time.Now()); evicted != 0 {
		t.Fatalf("expected nothing evicted immediately, got %d", evicted)
	}

	evicted := cs.Sweep(time.Now().Add(8 * 24 * time.Hour))
	if evicted != 1 {
		t.Fatalf("expected one identity evicted after the TTL, got %d", evicted)
	}
}

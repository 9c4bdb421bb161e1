package httpapi

import "testing"

func TestACLDefaultsToLoopbackOnly(t *testing.T) {
	a, err := newACL(nil)
	if err != nil {
		t.Fatalf("newACL: %v", err)
	}
	if !a.allowed("127.0.0.1:54321") {
		t.Fatal("expected loopback to be allowed by default")
	}
	if a.allowed("203.0.113.7:54321") {
		t.Fatal("expected a non-loopback address to be denied by default")
	}
}

func TestACLHonorsConfiguredCIDRs(t *testing.T) {
	a, err := newACL([]string{"10.0.0.0/8"})
	if err != nil {
		t.Fatalf("newACL: %v", err)
	}
	if !a.allowed("10.1.2.3:1111") {
		t.Fatal("expected address inside the configured CIDR to be allowed")
	}
	if a.allowed("127.0.0.1:1111") {
		t.Fatal("expected loopback to be denied once an explicit allowlist is configured")
	}
}

func TestACLRejectsUnparseableRemoteAddr(t *testing.T) {
	a, err := newACL(nil)
	if err != nil {
		t.Fatalf("newACL: %v", err)
	}
	if a.allowed("not-an-address") {
		t.Fatal("expected an unparseable remote address to be denied")
	}
}

func TestIsValidHostname(t *testing.T) {
	cases := map[string]bool{
		"camera.local":     true,
		"camera.local:443": true,
		"has space":        false,
		"path/like":        false,
	}
	for host, want := range cases {
		if got := isValidHostname(host); got != want {
			t.Errorf("isValidHostname(%q) = %v, want %v", host, got, want)
		}
	}
}

package certutil

import (
	"crypto/x509"
	"strings"
	"testing"
	"time"
)

func TestGenerateCert(t *testing.T) {
	gc, err := GenerateCert(DefaultRelayOptions())
	if err != nil {
		t.Fatalf("GenerateCert() error = %v", err)
	}

	if gc.Certificate.Subject.CommonName != "opacus" {
		t.Errorf("CommonName = %s, want opacus", gc.Certificate.Subject.CommonName)
	}

	wantNames := map[string]bool{"opacus": false, "localhost": false}
	for _, name := range gc.Certificate.DNSNames {
		if _, ok := wantNames[name]; ok {
			wantNames[name] = true
		}
	}
	for name, seen := range wantNames {
		if !seen {
			t.Errorf("DNS SAN %q missing", name)
		}
	}

	if gc.Certificate.NotAfter.Before(time.Now().Add(300 * 24 * time.Hour)) {
		t.Error("certificate validity shorter than expected")
	}
}

func TestTLSCertificate(t *testing.T) {
	gc, err := GenerateCert(DefaultRelayOptions())
	if err != nil {
		t.Fatal(err)
	}

	cert, err := gc.TLSCertificate()
	if err != nil {
		t.Fatalf("TLSCertificate() error = %v", err)
	}
	if len(cert.Certificate) == 0 {
		t.Error("empty certificate chain")
	}
}

func TestServerTLSConfig(t *testing.T) {
	gc, err := GenerateCert(DefaultRelayOptions())
	if err != nil {
		t.Fatal(err)
	}

	cfg, err := gc.ServerTLSConfig("opacus")
	if err != nil {
		t.Fatalf("ServerTLSConfig() error = %v", err)
	}
	if len(cfg.NextProtos) != 1 || cfg.NextProtos[0] != "opacus" {
		t.Errorf("NextProtos = %v, want [opacus]", cfg.NextProtos)
	}
	if len(cfg.Certificates) != 1 {
		t.Errorf("Certificates length = %d, want 1", len(cfg.Certificates))
	}
}

func TestSelfSignedVerifiesAgainstItself(t *testing.T) {
	gc, err := GenerateCert(DefaultRelayOptions())
	if err != nil {
		t.Fatal(err)
	}

	pool := x509.NewCertPool()
	pool.AddCert(gc.Certificate)

	_, err = gc.Certificate.Verify(x509.VerifyOptions{
		Roots:     pool,
		DNSName:   "localhost",
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	})
	if err != nil {
		t.Errorf("self-signed cert failed verification against itself: %v", err)
	}
}

func TestFingerprint(t *testing.T) {
	gc, err := GenerateCert(DefaultRelayOptions())
	if err != nil {
		t.Fatal(err)
	}

	fp := gc.Fingerprint()
	if !strings.HasPrefix(fp, "sha256:") || len(fp) != len("sha256:")+64 {
		t.Errorf("Fingerprint() = %q", fp)
	}
}

package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestGenerateSelfSigned(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "tls", "server.crt")
	keyFile := filepath.Join(dir, "tls", "server.key")

	if err := GenerateSelfSigned(certFile, keyFile, "hazards.local", "10.0.0.5", "gis.example.org"); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(certFile)
	if err != nil {
		t.Fatal(err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		t.Fatal("certificate is not PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"localhost", "hazards.local", "gis.example.org"} {
		if err := cert.VerifyHostname(name); err != nil {
			t.Errorf("certificate should cover %s: %v", name, err)
		}
	}
	if err := cert.VerifyHostname("10.0.0.5"); err != nil {
		t.Errorf("certificate should cover 10.0.0.5: %v", err)
	}

	info, err := os.Stat(keyFile)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("key mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestServerAndClientConfig(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "server.crt")
	keyFile := filepath.Join(dir, "server.key")
	if err := GenerateSelfSigned(certFile, keyFile, "localhost"); err != nil {
		t.Fatal(err)
	}

	serverCfg, err := ServerConfig(certFile, keyFile, "")
	if err != nil {
		t.Fatal(err)
	}
	if serverCfg.ClientAuth != tls.NoClientCert {
		t.Error("client certificates should not be required without a CA")
	}

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	}))
	srv.TLS = serverCfg
	srv.StartTLS()
	defer srv.Close()

	clientCfg, err := ClientConfig(certFile)
	if err != nil {
		t.Fatal(err)
	}
	client := &http.Client{Transport: &http.Transport{TLSClientConfig: clientCfg}}
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("request with trusted CA failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	mtls, err := ServerConfig(certFile, keyFile, certFile)
	if err != nil {
		t.Fatal(err)
	}
	if mtls.ClientAuth != tls.RequireAndVerifyClientCert {
		t.Error("a client CA should require client certificates")
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := ServerConfig(filepath.Join(dir, "absent.crt"), filepath.Join(dir, "absent.key"), ""); err == nil {
		t.Error("missing key pair should fail")
	}
	bogus := filepath.Join(dir, "bogus.pem")
	if err := os.WriteFile(bogus, []byte("not a certificate"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := ClientConfig(bogus); err == nil {
		t.Error("CA file without certificates should fail")
	}
}

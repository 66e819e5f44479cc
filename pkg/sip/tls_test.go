// Copyright 2024 The referd authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// 	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sip

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sipcore/referd/pkg/config"
)

type testCA struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

func newTestCA(t *testing.T) *testCA {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "referd test ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &testCA{cert: cert, key: key}
}

func (ca *testCA) issue(t *testing.T, cn string) *x509.Certificate {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, &key.PublicKey, ca.key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func (ca *testCA) writeFiles(t *testing.T) (certFile, keyFile, caFile string) {
	dir := t.TempDir()
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	caFile = filepath.Join(dir, "ca.pem")

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.cert.Raw})
	keyDER, err := x509.MarshalECPrivateKey(ca.key)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	require.NoError(t, os.WriteFile(certFile, certPEM, 0o600))
	require.NoError(t, os.WriteFile(keyFile, keyPEM, 0o600))
	require.NoError(t, os.WriteFile(caFile, certPEM, 0o600))
	return certFile, keyFile, caFile
}

func TestLoadTLS(t *testing.T) {
	ca := newTestCA(t)
	certFile, keyFile, caFile := ca.writeFiles(t)

	c, err := loadTLS(&config.TLSConfig{CertFile: certFile, KeyFile: keyFile})
	require.NoError(t, err)
	require.Len(t, c.Certificates, 1)
	require.Nil(t, c.VerifyPeerCertificate)

	c, err = loadTLS(&config.TLSConfig{CertFile: certFile, KeyFile: keyFile, CAFile: caFile})
	require.NoError(t, err)
	require.Equal(t, tls.RequireAnyClientCert, c.ClientAuth)
	require.NotNil(t, c.VerifyPeerCertificate)
}

func TestLoadTLSErrors(t *testing.T) {
	_, err := loadTLS(&config.TLSConfig{CertFile: "missing.pem", KeyFile: "missing.pem"})
	require.Error(t, err)

	ca := newTestCA(t)
	certFile, keyFile, _ := ca.writeFiles(t)
	bad := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(bad, []byte("not a cert"), 0o600))
	_, err = loadTLS(&config.TLSConfig{CertFile: certFile, KeyFile: keyFile, CAFile: bad})
	require.Error(t, err)
}

func TestVerifyPeerByChain(t *testing.T) {
	ca := newTestCA(t)
	pool := x509.NewCertPool()
	pool.AddCert(ca.cert)

	c := &tls.Config{}
	verifyPeerByChain(c, pool)

	// The peer's name is irrelevant, only the chain counts.
	leaf := ca.issue(t, "203.0.113.7")
	require.NoError(t, c.VerifyPeerCertificate([][]byte{leaf.Raw}, nil))

	other := newTestCA(t)
	stranger := other.issue(t, "attacker")
	require.Error(t, c.VerifyPeerCertificate([][]byte{stranger.Raw}, nil))

	require.Error(t, c.VerifyPeerCertificate(nil, nil))
}

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
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"github.com/sipcore/referd/pkg/config"
)

// loadTLS builds the listener TLS config from the configured cert and key.
// When a CA file is set, peers must present a certificate that chains to it.
func loadTLS(conf *config.TLSConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(conf.CertFile, conf.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("cannot load TLS keypair: %w", err)
	}
	c := &tls.Config{Certificates: []tls.Certificate{cert}}
	if conf.CAFile != "" {
		pem, err := os.ReadFile(conf.CAFile)
		if err != nil {
			return nil, fmt.Errorf("cannot read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("no certificates in CA file")
		}
		c.ClientCAs = pool
		c.ClientAuth = tls.RequireAnyClientCert
		verifyPeerByChain(c, pool)
	}
	return c, nil
}

// verifyPeerByChain validates the peer's certificate chain while ignoring the
// name. SIP peers usually identify by IP address, so hostname verification
// cannot be used; only the chain is checked.
func verifyPeerByChain(c *tls.Config, roots *x509.CertPool) {
	c.VerifyPeerCertificate = func(certificates [][]byte, verifiedChains [][]*x509.Certificate) error {
		if len(certificates) == 0 {
			return errors.New("no peer certificate")
		}
		certs := make([]*x509.Certificate, len(certificates))
		for i, asn1Data := range certificates {
			cert, err := x509.ParseCertificate(asn1Data)
			if err != nil {
				return fmt.Errorf("cannot parse peer certificate: %w", err)
			}
			certs[i] = cert
		}
		opts := x509.VerifyOptions{
			Roots:         roots,
			Intermediates: x509.NewCertPool(),
		}
		for _, cert := range certs[1:] {
			opts.Intermediates.AddCert(cert)
		}
		_, err := certs[0].Verify(opts)
		return err
	}
}

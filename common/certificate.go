/*
 * Copyright (c) 2026, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package common

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"time"

	"github.com/Psiphon-Labs/transport-stream/common/errors"
)

// GenerateSelfSignedCertificate creates a self-signed server certificate for
// the specified host name, which may be a DNS name or an IP address. The
// certificate and private key are returned PEM encoded.
//
// This is intended for the probe echo server and for tests, where the client
// either skips verification or trusts the returned certificate directly.
func GenerateSelfSignedCertificate(hostName string) (string, string, error) {

	// Based on https://golang.org/src/crypto/tls/generate_cert.go

	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", "", errors.Trace(err)
	}

	notBefore := time.Now().Truncate(time.Hour).UTC().Add(-time.Hour)
	notAfter := notBefore.AddDate(1, 0, 0)

	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return "", "", errors.Trace(err)
	}

	publicKeyBytes, err := x509.MarshalPKIXPublicKey(privateKey.Public())
	if err != nil {
		return "", "", errors.Trace(err)
	}
	subjectKeyID := sha256.Sum256(publicKeyBytes)

	template := x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               pkix.Name{CommonName: hostName},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		SubjectKeyId:          subjectKeyID[:20],
	}

	if IP := net.ParseIP(hostName); IP != nil {
		template.IPAddresses = []net.IP{IP}
	} else if hostName != "" {
		template.DNSNames = []string{hostName}
	}

	derCert, err := x509.CreateCertificate(
		rand.Reader,
		&template,
		&template,
		privateKey.Public(),
		privateKey)
	if err != nil {
		return "", "", errors.Trace(err)
	}

	derKey, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return "", "", errors.Trace(err)
	}

	certificate := pem.EncodeToMemory(
		&pem.Block{
			Type:  "CERTIFICATE",
			Bytes: derCert,
		},
	)

	key := pem.EncodeToMemory(
		&pem.Block{
			Type:  "EC PRIVATE KEY",
			Bytes: derKey,
		},
	)

	return string(certificate), string(key), nil
}

// NewSelfSignedTLSCertificate returns a tls.Certificate generated with
// GenerateSelfSignedCertificate along with a pool containing it, for
// clients that trust the certificate directly.
func NewSelfSignedTLSCertificate(hostName string) (tls.Certificate, *x509.CertPool, error) {

	certificatePEM, keyPEM, err := GenerateSelfSignedCertificate(hostName)
	if err != nil {
		return tls.Certificate{}, nil, errors.Trace(err)
	}

	certificate, err := tls.X509KeyPair([]byte(certificatePEM), []byte(keyPEM))
	if err != nil {
		return tls.Certificate{}, nil, errors.Trace(err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM([]byte(certificatePEM)) {
		return tls.Certificate{}, nil, errors.TraceNew("invalid certificate PEM")
	}

	return certificate, pool, nil
}

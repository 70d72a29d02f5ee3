// Package tlsutil builds the self-signed tls.Config every node needs to
// speak the TCP+TLS transport. The wire protocol's confidentiality comes
// from TLS 1.3 regardless of which side presents which certificate; node
// identity itself is carried at the application layer (§3's UUID node
// ids), not asserted through the certificate chain, so a fixed,
// self-issued certificate per process is enough.
package tlsutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"strings"
	"time"
)

// GenerateSelfSigned builds a tls.Config good for both serving and dialing
// over the node's own TCP+TLS transport. advertiseAddr's host, if it's a
// literal IP, is added as a SAN; otherwise the certificate is issued for
// "localhost" and any DNS name, since peers authenticate over a trusted
// network rather than by certificate identity (InsecureSkipVerify is set
// for the same reason: there is no external CA for peers to validate
// against).
func GenerateSelfSigned(advertiseAddr string) (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("tlsutil: generate key: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{Organization: []string{"filestore"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
	}

	if host, _, err := net.SplitHostPort(advertiseAddr); err == nil {
		if ip := net.ParseIP(host); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else if host != "" {
			template.DNSNames = append(template.DNSNames, host)
		}
	} else if host := strings.TrimSpace(advertiseAddr); host != "" {
		template.DNSNames = append(template.DNSNames, host)
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("tlsutil: create certificate: %w", err)
	}

	return &tls.Config{
		Certificates:       []tls.Certificate{{Certificate: [][]byte{certDER}, PrivateKey: key}},
		NextProtos:         []string{"filestore/1"},
		InsecureSkipVerify: true,
	}, nil
}

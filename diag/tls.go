package diag

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/security/advancedtls"
)

// ServerCredentials builds the mTLS credentials the diagnostics gRPC
// surface serves DeliverNodeAck over (SPEC_FULL §4.9): the server
// presents certFile/keyFile and requires peers to present a certificate
// chaining up to caFile, re-read from disk on every handshake so a
// rotated certificate takes effect without a restart.
func ServerCredentials(certFile, keyFile, caFile string) (credentials.TransportCredentials, error) {
	return advancedtls.NewServerCreds(&advancedtls.ServerOptions{
		GetCertificates: func(*tls.ClientHelloInfo) ([]*tls.Certificate, error) {
			cert, err := tls.LoadX509KeyPair(certFile, keyFile)
			if err != nil {
				return nil, fmt.Errorf("diag: loading server keypair: %w", err)
			}
			return []*tls.Certificate{&cert}, nil
		},
		RootCertificateOptions: advancedtls.RootCertificateOptions{
			GetRootCertificates: func(*advancedtls.ConnectionInfo) (*advancedtls.RootCertificates, error) {
				pool, err := loadCertPool(caFile)
				if err != nil {
					return nil, err
				}
				return &advancedtls.RootCertificates{TrustCerts: pool}, nil
			},
		},
		RequireClientCert: true,
		VType:             advancedtls.CertVerification,
	})
}

func loadCertPool(caFile string) (*x509.CertPool, error) {
	raw, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("diag: reading CA bundle %s: %w", caFile, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(raw) {
		return nil, fmt.Errorf("diag: no certificates parsed from %s", caFile)
	}
	return pool, nil
}

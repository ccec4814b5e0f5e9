package proxy

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"

	"github.com/codefionn/schleuse/schleuse-srv/logger"
)

const (
	leafValidity = 365 * 24 * time.Hour
	// leafRenewBefore reissues cached leaves this long before they expire.
	leafRenewBefore = time.Hour
	// DefaultCertificateCacheSize bounds the number of cached leaves.
	DefaultCertificateCacheSize = 1024
)

// CertificateIssuer mints leaf certificates for intercepted hosts.
type CertificateIssuer interface {
	Issue(hostname string) (*tls.Certificate, error)
}

// CAIssuer signs ECDSA P-256 leaves with a locally held CA.
type CAIssuer struct {
	caCert *x509.Certificate
	caKey  crypto.Signer
	now    func() time.Time
}

// LoadCAIssuer reads the CA certificate and key from PEM files. password
// decrypts an encrypted key.
func LoadCAIssuer(certFile, keyFile, password string) (*CAIssuer, error) {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return nil, NewProxyError(ErrCodeInvalidCAFile, "", err)
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, NewProxyError(ErrCodeInvalidCAKey, "", err)
	}
	return NewCAIssuerFromPEM(certPEM, keyPEM, password)
}

// NewCAIssuerFromPEM parses a CA certificate and its RSA or EC private key
// in PKCS#1, PKCS#8 or SEC 1 form.
func NewCAIssuerFromPEM(certPEM, keyPEM []byte, password string) (*CAIssuer, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, NewProxyError(ErrCodeCADecodeFailed, "failed to decode CA certificate PEM", nil)
	}
	caCert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, NewProxyError(ErrCodeCAParseFailed, "", err)
	}

	keyPEM, err = decryptPEMKey(keyPEM, password)
	if err != nil {
		return nil, NewProxyError(ErrCodeInvalidCAKey, "", err)
	}
	block, _ = pem.Decode(keyPEM)
	if block == nil {
		return nil, NewProxyError(ErrCodeCADecodeFailed, "failed to decode CA key PEM", nil)
	}
	caKey, err := parsePrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	return NewCAIssuer(caCert, caKey), nil
}

// NewCAIssuer uses an already parsed CA.
func NewCAIssuer(caCert *x509.Certificate, caKey crypto.Signer) *CAIssuer {
	return &CAIssuer{caCert: caCert, caKey: caKey, now: time.Now}
}

func parsePrivateKey(der []byte) (crypto.Signer, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, NewProxyError(ErrCodeCAParseFailed, "", err)
	}
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return k, nil
	case *ecdsa.PrivateKey:
		return k, nil
	default:
		return nil, NewProxyError(ErrCodeCAKeyUnsupported, fmt.Sprintf("unsupported CA key type %T", key), nil)
	}
}

func (i *CAIssuer) Issue(hostname string) (*tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, NewProxyError(ErrCodePrivateKeyGenFailed, "", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, NewProxyError(ErrCodeCertGenerationFailed, "", err)
	}

	now := i.now()
	notAfter := now.Add(leafValidity)
	if notAfter.After(i.caCert.NotAfter) {
		notAfter = i.caCert.NotAfter
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: hostname},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(hostname); ip != nil {
		tmpl.IPAddresses = []net.IP{ip}
	} else {
		tmpl.DNSNames = []string{hostname}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, i.caCert, &priv.PublicKey, i.caKey)
	if err != nil {
		return nil, NewProxyError(ErrCodeCertGenerationFailed, "", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, NewProxyError(ErrCodeCertGenerationFailed, "", err)
	}
	return &tls.Certificate{
		Certificate: [][]byte{der, i.caCert.Raw},
		PrivateKey:  priv,
		Leaf:        leaf,
	}, nil
}

// CertificateCache maps hostnames to issued leaves. It is only used from
// the reactor goroutine and therefore not synchronised.
type CertificateCache struct {
	issuer     CertificateIssuer
	certs      map[string]*tls.Certificate
	maxEntries int
	now        func() time.Time
}

// NewCertificateCache returns a cache holding at most maxEntries leaves,
// DefaultCertificateCacheSize if maxEntries <= 0.
func NewCertificateCache(issuer CertificateIssuer, maxEntries int) *CertificateCache {
	if maxEntries <= 0 {
		maxEntries = DefaultCertificateCacheSize
	}
	return &CertificateCache{
		issuer:     issuer,
		certs:      make(map[string]*tls.Certificate),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Get returns the leaf for hostname, issuing one on first use or when the
// cached one is about to expire.
func (c *CertificateCache) Get(hostname string) (*tls.Certificate, error) {
	if cert, ok := c.certs[hostname]; ok {
		if cert.Leaf == nil || c.now().Add(leafRenewBefore).Before(cert.Leaf.NotAfter) {
			return cert, nil
		}
		delete(c.certs, hostname)
	}

	cert, err := c.issuer.Issue(hostname)
	if err != nil {
		return nil, err
	}
	if len(c.certs) >= c.maxEntries {
		for host := range c.certs {
			delete(c.certs, host)
			break
		}
	}
	c.certs[hostname] = cert
	logger.Debug("Issued certificate for %s", hostname)
	return cert, nil
}

// Len returns the number of cached leaves.
func (c *CertificateCache) Len() int {
	return len(c.certs)
}

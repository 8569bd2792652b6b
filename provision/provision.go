// Package provision generates the key material an RVI fleet
// needs before its first connection: the provisioning
// authority keypair that signs credentials, a private CA,
// and per-device TLS certificates, all ed25519.
package provision

import (
	goed25519 "crypto/ed25519"
	cryrand "crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"

	ed25519 "github.com/cloudflare/circl/sign/ed25519"

	rvi "github.com/cajun-rat/rvi-lib"
)

var sep = string(os.PathSeparator)

const certValidFor = 36600 * 24 * time.Hour

// MakeAuthority generates the provisioning authority keypair
// and writes prov.key (PKCS8 PEM, keep private) and prov.pub
// (PKIX PEM, distribute to every node) under dir.
func MakeAuthority(dir string) (keyPath, pubPath string, err error) {
	if err = os.MkdirAll(dir, 0700); err != nil {
		return "", "", fmt.Errorf("making authority dir '%v': %w", dir, err)
	}
	pub, priv, err := ed25519.GenerateKey(cryrand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generating authority key: %w", err)
	}

	keyPath = dir + sep + "prov.key"
	privDER, err := x509.MarshalPKCS8PrivateKey(goed25519.PrivateKey(priv))
	if err != nil {
		return "", "", fmt.Errorf("marshaling authority key: %w", err)
	}
	if err = writePEM(keyPath, "PRIVATE KEY", privDER, 0600); err != nil {
		return "", "", err
	}

	pubPath = dir + sep + "prov.pub"
	pubDER, err := x509.MarshalPKIXPublicKey(goed25519.PublicKey(pub))
	if err != nil {
		return "", "", fmt.Errorf("marshaling authority public key: %w", err)
	}
	if err = writePEM(pubPath, "PUBLIC KEY", pubDER, 0644); err != nil {
		return "", "", err
	}
	return keyPath, pubPath, nil
}

// LoadAuthorityKey reads a prov.key written by MakeAuthority.
func LoadAuthorityKey(path string) (ed25519.PrivateKey, error) {
	by, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading authority key '%v': %w", path, err)
	}
	block, _ := pem.Decode(by)
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("'%v' is not a PEM private key", path)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing '%v': %w", path, err)
	}
	edkey, ok := key.(goed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("'%v' is not an ed25519 key", path)
	}
	return ed25519.PrivateKey(edkey), nil
}

// Mint signs a credential granting (invoke, register) rights
// for days of validity starting now, and writes the blob to
// outPath.
func Mint(keyPath, issuer string, days int, invoke, register []string, outPath string) error {
	priv, err := LoadAuthorityKey(keyPath)
	if err != nil {
		return err
	}
	claims := &rvi.CredClaims{
		Issuer:         issuer,
		RightToInvoke:  invoke,
		RightToReceive: register,
	}
	now := time.Now()
	claims.Validity.Start = now.Unix()
	claims.Validity.Stop = now.AddDate(0, 0, days).Unix()
	blob, err := rvi.MintCredential(claims, priv)
	if err != nil {
		return err
	}
	if err := os.WriteFile(outPath, []byte(blob+"\n"), 0600); err != nil {
		return fmt.Errorf("writing credential '%v': %w", outPath, err)
	}
	return nil
}

// MakeCA writes a self-signed ed25519 certificate authority
// (ca.key, ca.crt) under dir. Device certificates for the
// whole fleet get signed by it.
func MakeCA(dir, commonName string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("making CA dir '%v': %w", dir, err)
	}
	pub, priv, err := goed25519.GenerateKey(cryrand.Reader)
	if err != nil {
		return fmt.Errorf("generating CA key: %w", err)
	}

	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"rvi fleet"},
			CommonName:   commonName,
		},
		NotBefore: time.Now(),
		NotAfter:  time.Now().Add(certValidFor),

		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	certDER, err := x509.CreateCertificate(nil, &tmpl, &tmpl, pub, priv)
	if err != nil {
		return fmt.Errorf("self-signing CA cert: %w", err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("marshaling CA key: %w", err)
	}
	if err := writePEM(dir+sep+"ca.key", "PRIVATE KEY", privDER, 0600); err != nil {
		return err
	}
	return writePEM(dir+sep+"ca.crt", "CERTIFICATE", certDER, 0644)
}

// MakeDeviceCert generates a device keypair and a CA-signed
// certificate good for both sides of the mutual-auth TLS
// link, written as <name>.key and <name>.crt under dir. hosts
// lists the DNS names and/or IP addresses the device answers
// on; peers dialing it verify against them.
func MakeDeviceCert(caDir, dir, name string, hosts []string) error {
	caCert, caKey, err := loadCA(caDir+sep+"ca.crt", caDir+sep+"ca.key")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("making device cert dir '%v': %w", dir, err)
	}

	pub, priv, err := goed25519.GenerateKey(cryrand.Reader)
	if err != nil {
		return fmt.Errorf("generating device key for %q: %w", name, err)
	}

	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: name},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(certValidFor),

		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}

	certDER, err := x509.CreateCertificate(nil, &tmpl, caCert, pub, caKey)
	if err != nil {
		return fmt.Errorf("signing device cert for %q: %w", name, err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("marshaling device key for %q: %w", name, err)
	}
	if err := writePEM(dir+sep+name+".key", "PRIVATE KEY", privDER, 0600); err != nil {
		return err
	}
	return writePEM(dir+sep+name+".crt", "CERTIFICATE", certDER, 0644)
}

func loadCA(certPath, keyPath string) (*x509.Certificate, goed25519.PrivateKey, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, nil, fmt.Errorf("reading CA cert '%v': %w", certPath, err)
	}
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil || certBlock.Type != "CERTIFICATE" {
		return nil, nil, fmt.Errorf("'%v' is not a PEM certificate", certPath)
	}
	caCert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing CA cert '%v': %w", certPath, err)
	}

	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("reading CA key '%v': %w", keyPath, err)
	}
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil || keyBlock.Type != "PRIVATE KEY" {
		return nil, nil, fmt.Errorf("'%v' is not a PEM private key", keyPath)
	}
	key, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing CA key '%v': %w", keyPath, err)
	}
	caKey, ok := key.(goed25519.PrivateKey)
	if !ok {
		return nil, nil, fmt.Errorf("CA key '%v' is not ed25519", keyPath)
	}
	return caCert, caKey, nil
}

func writePEM(path, blockType string, der []byte, mode os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("creating '%v': %w", path, err)
	}
	defer f.Close()
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		return fmt.Errorf("writing '%v': %w", path, err)
	}
	return nil
}

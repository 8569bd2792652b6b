package rvi

import (
	"fmt"
	"os"

	gjson "github.com/goccy/go-json"
)

var sep = string(os.PathSeparator)

// Config establishes the local node identity and points at
// the key material the node needs: its own TLS device cert
// and key, the CA that signs peer certs, the provisioning
// authority public key that signs credentials, and the
// node's own credential files.
type Config struct {
	// NodeID is the node's identifier, e.g. "genivi.org/node/012345".
	// Locally registered service names get prefixed with it.
	NodeID string `json:"id"`

	Device struct {
		Cert string `json:"cert"` // PEM device certificate
		Key  string `json:"key"`  // PEM ed25519 private key
	} `json:"device"`

	// CACert is the PEM cert of the CA that signs device certs.
	CACert string `json:"ca_cert"`

	// ProvisioningKey is the PEM PKIX ed25519 public key of the
	// authority that signs credentials.
	ProvisioningKey string `json:"provisioning_key"`

	// Credentials are paths to this node's own credential files.
	Credentials []string `json:"credentials"`

	// TCPonly disables the TLS upgrade; for closed test networks only.
	TCPonly bool `json:"tcp_only"`
}

// ParseConfig reads and decodes a JSON config file.
func ParseConfig(path string) (*Config, error) {
	by, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading '%v': %v", ErrNoConfig, path, err)
	}
	cfg := &Config{}
	if err := gjson.Unmarshal(by, cfg); err != nil {
		return nil, fmt.Errorf("%w: decoding '%v': %v", ErrNoConfig, path, err)
	}
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("%w: '%v' is missing the node id", ErrNoConfig, path)
	}
	return cfg, nil
}

// GetCertsDir tells us where to generate/look for
// certificates, key pairs, and credential files.
// It also creates the directory if it does not
// exist, and panics if it cannot.
//
// Use $HOME/.config/rvi/certs to store keys
// (or $XDG_CONFIG_HOME/rvi/certs if XDG_CONFIG_HOME
// is set, but that is less common).
//
// If we cannot find either of those, we
// use the current working directory.
func GetCertsDir() (path string) {
	dir := os.Getenv("XDG_CONFIG_HOME")
	home := os.Getenv("HOME")
	base := "certs"
	suffix := sep + ".config" + sep + "rvi" + sep + base
	switch {
	case dir != "":
		path = dir + suffix
	case home != "":
		path = home + suffix
	default:
		path = base
	}
	err := os.MkdirAll(path, 0700)
	panicOn(err)
	return path
}

package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ConnectionProfile is the subset of a Fabric connection profile the gateway client needs.
type ConnectionProfile struct {
	MSPID string `yaml:"mspId"`
	Peer  struct {
		Endpoint     string `yaml:"endpoint"`
		HostOverride string `yaml:"hostOverride"`
		TLSCACert    string `yaml:"tlsCACert"`
	} `yaml:"peer"`
}

// LoadConnectionProfile parses a YAML profile. A relative tlsCACert resolves against the profile directory.
func LoadConnectionProfile(path string) (*ConnectionProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read connection profile: %w", err)
	}

	var profile ConnectionProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse connection profile: %w", err)
	}
	if profile.Peer.Endpoint == "" {
		return nil, errors.New("connection profile: peer.endpoint is required")
	}

	if profile.Peer.TLSCACert != "" && !filepath.IsAbs(profile.Peer.TLSCACert) {
		profile.Peer.TLSCACert = filepath.Join(filepath.Dir(path), profile.Peer.TLSCACert)
	}

	return &profile, nil
}

// WalletIdentity is the on-disk form of one wallet identity, stored as <wallet>/<label>.id.
type WalletIdentity struct {
	Credentials struct {
		Certificate string `json:"certificate"`
		PrivateKey  string `json:"privateKey"`
	} `json:"credentials"`
	MSPID string `json:"mspId"`
	Type  string `json:"type"`
}

func LoadWalletIdentity(walletPath, label string) (*WalletIdentity, error) {
	data, err := os.ReadFile(filepath.Join(walletPath, label+".id"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrIdentityNotFound, label)
		}
		return nil, err
	}

	var id WalletIdentity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("parse wallet identity %s: %w", label, err)
	}
	if id.Credentials.Certificate == "" || id.Credentials.PrivateKey == "" {
		return nil, fmt.Errorf("%w: %s has no credentials", ErrIdentityNotFound, label)
	}

	return &id, nil
}

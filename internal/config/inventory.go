package config

import (
	"bytes"
	"fmt"
	"os"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"

	"github.com/gluk-w/claworc/sftp-gateway/internal/sshproxy"
)

// Connection is one SSH target of the inventory file.
type Connection struct {
	ID       string `yaml:"id"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	KeyPath  string `yaml:"key_path"`
	Password string `yaml:"password"`
	// Backend overrides FILE_BACKEND for this connection.
	Backend string `yaml:"backend"`
}

// Inventory is the parsed CONNECTIONS_FILE.
type Inventory struct {
	Connections []Connection `yaml:"connections"`
}

// LoadInventory reads and validates the inventory at path. An empty path
// yields an empty inventory.
func LoadInventory(path string) (*Inventory, error) {
	if path == "" {
		return &Inventory{}, nil
	}
	path, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("expand inventory path: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inventory: %w", err)
	}
	return ParseInventory(data)
}

// ParseInventory decodes inventory YAML, rejecting unknown keys.
func ParseInventory(data []byte) (*Inventory, error) {
	var inv Inventory
	if len(bytes.TrimSpace(data)) == 0 {
		return &inv, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&inv); err != nil {
		return nil, fmt.Errorf("parse inventory: %w", err)
	}
	seen := make(map[string]bool, len(inv.Connections))
	for i, c := range inv.Connections {
		if c.ID == "" {
			return nil, fmt.Errorf("connection %d: id is required", i)
		}
		if seen[c.ID] {
			return nil, fmt.Errorf("connection %s: duplicate id", c.ID)
		}
		seen[c.ID] = true
		if c.Host == "" {
			return nil, fmt.Errorf("connection %s: host is required", c.ID)
		}
		if c.Port < 0 || c.Port > 65535 {
			return nil, fmt.Errorf("connection %s: invalid port %d", c.ID, c.Port)
		}
		switch c.Backend {
		case "", BackendAuto, BackendSFTP, BackendShell:
		default:
			return nil, fmt.Errorf("connection %s: unknown backend %q", c.ID, c.Backend)
		}
	}
	return &inv, nil
}

// Find returns the connection with id.
func (inv *Inventory) Find(id string) (Connection, bool) {
	for _, c := range inv.Connections {
		if c.ID == id {
			return c, true
		}
	}
	return Connection{}, false
}

// Target converts c to an sshproxy dial target, loading its key if one is
// configured.
func (c Connection) Target() (sshproxy.Target, error) {
	t := sshproxy.Target{
		ID:       c.ID,
		Host:     c.Host,
		Port:     c.Port,
		User:     c.User,
		Password: c.Password,
	}
	if c.KeyPath != "" {
		p, err := homedir.Expand(c.KeyPath)
		if err != nil {
			return t, fmt.Errorf("connection %s: expand key path: %w", c.ID, err)
		}
		signer, err := sshproxy.LoadSigner(p)
		if err != nil {
			return t, fmt.Errorf("connection %s: %w", c.ID, err)
		}
		t.Signer = signer
	}
	return t, nil
}

// Targets converts every connection. Connections whose key cannot be loaded
// are returned in the error and skipped.
func (inv *Inventory) Targets() ([]sshproxy.Target, []error) {
	targets := make([]sshproxy.Target, 0, len(inv.Connections))
	var errs []error
	for _, c := range inv.Connections {
		t, err := c.Target()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		targets = append(targets, t)
	}
	return targets, errs
}

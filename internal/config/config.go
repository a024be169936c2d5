// Package config loads the server configuration from a YAML file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/die-net/socksgate/internal/auth"
	"github.com/die-net/socksgate/internal/forward"
	"github.com/die-net/socksgate/internal/proxy"
)

const (
	DefaultHostname = "0.0.0.0"
	DefaultPort     = 1337
	DefaultUpstream = "direct://"
)

// Config mirrors the YAML file. Absent allow and deny lists stay nil, which
// the policy filter treats as no restriction.
type Config struct {
	Hostname string   `yaml:"hostname"`
	Port     int      `yaml:"port"`
	Allow    []string `yaml:"allow"`
	Deny     []string `yaml:"deny"`

	RequiresAuth      bool       `yaml:"requiresUsernamePasswordAuthentication"`
	UserPasswordPairs [][]string `yaml:"userNamePasswordPairs"`

	ForwardToHostname string `yaml:"forwardToHostname"`
	ForwardToPort     int    `yaml:"forwardToPort"`
	Mode              string `yaml:"mode"`

	Upstream  string `yaml:"upstream"`
	DNSServer string `yaml:"dnsServer"`

	TLSCert string `yaml:"tlsCert"`
	TLSKey  string `yaml:"tlsKey"`

	// Log is a directory receiving hourly JSON log files. Empty disables.
	Log string `yaml:"log"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Hostname:          DefaultHostname,
		Port:              DefaultPort,
		ForwardToHostname: forward.DefaultHost,
		ForwardToPort:     forward.DefaultPort,
		Mode:              "raw-raw",
		Upstream:          DefaultUpstream,
	}
}

// Load reads path on top of Default.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg, err := Decode(f)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Decode parses YAML from r on top of Default. Unknown keys are an error.
func Decode(r io.Reader) (Config, error) {
	cfg := Default()

	data, err := io.ReadAll(r)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Validate reports the first setting that cannot be served.
func (c Config) Validate() error {
	if c.Hostname == "" {
		return errors.New("hostname is empty")
	}
	if err := validPort("port", c.Port); err != nil {
		return err
	}
	if err := validPort("forwardToPort", c.ForwardToPort); err != nil {
		return err
	}

	mode, err := c.ForwardMode()
	if err != nil {
		return err
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return errors.New("tlsCert and tlsKey must be set together")
	}
	if mode.Listener == proxy.TLS && c.TLSCert == "" {
		return fmt.Errorf("mode %s needs tlsCert and tlsKey", mode)
	}

	for i, p := range c.UserPasswordPairs {
		if len(p) != 2 {
			return fmt.Errorf("userNamePasswordPairs[%d]: want [username, password], got %d items", i, len(p))
		}
	}
	return nil
}

func validPort(name string, p int) error {
	if p < 1 || p > 65535 {
		return fmt.Errorf("%s %d out of range", name, p)
	}
	return nil
}

// ListenAddress returns hostname:port.
func (c Config) ListenAddress() string {
	return net.JoinHostPort(c.Hostname, strconv.Itoa(c.Port))
}

// ForwardMode parses Mode.
func (c Config) ForwardMode() (forward.Mode, error) {
	return forward.ParseMode(c.Mode)
}

// Credentials converts the configured pairs. Call Validate first.
func (c Config) Credentials() []auth.Credential {
	creds := make([]auth.Credential, 0, len(c.UserPasswordPairs))
	for _, p := range c.UserPasswordPairs {
		if len(p) != 2 {
			continue
		}
		creds = append(creds, auth.Credential{Username: p[0], Password: p[1]})
	}
	return creds
}

// Package config provides configuration management for the Phoebe wiki
// server. It handles loading and parsing YAML configuration files, merging
// command line values on top, and provides structured access to application
// settings including hosts, certificates, wiki spaces, write tokens, and
// upload limits. A Config value is immutable once built; reloads construct a
// fresh value and swap it atomically.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Default values applied by Finalize when the corresponding setting is unset.
const (
	DefaultPort          = 1965
	DefaultToken         = "hello"
	DefaultDataDir       = "./wiki"
	DefaultPageSizeLimit = 10000
)

// reservedNames are the top-level directory names of the on-disk store. A
// wiki space must never collide with one of them.
var reservedNames = map[string]bool{
	"page":        true,
	"keep":        true,
	"file":        true,
	"meta":        true,
	"index":       true,
	"changes.log": true,
	"config":      true,
}

// Host represents one served hostname together with its certificate pair.
type Host struct {
	// Name is the hostname clients must use in the URL authority.
	Name string `yaml:"name"`

	// CertFile is the PEM certificate chain for this host. If empty, a
	// self-signed certificate is generated under <wiki-dir>/config.
	CertFile string `yaml:"cert-file"`

	// KeyFile is the PEM private key for this host.
	KeyFile string `yaml:"key-file"`
}

// Space represents a named wiki namespace, optionally bound to one host.
type Space struct {
	// Host restricts the space to one hostname. Empty means every host.
	Host string `yaml:"host"`

	// Name is the space name as it appears as the first path segment.
	Name string `yaml:"name"`

	// Tokens are extra write tokens accepted for this space only.
	Tokens []string `yaml:"tokens"`
}

// Config represents the server's configuration, loaded from a YAML file
// and/or command line flags.
type Config struct {
	// Hosts are the hostnames served by this instance.
	Hosts []Host `yaml:"hosts"`

	// Ports are the TCP ports the TLS listener binds.
	Ports []int `yaml:"ports"`

	// DataDir is the wiki data directory.
	DataDir string `yaml:"wiki-dir"`

	// Spaces are the declared wiki spaces.
	Spaces []Space `yaml:"wiki-spaces"`

	// Tokens are the global write tokens.
	Tokens []string `yaml:"wiki-tokens"`

	// ExtraPages are additional page names linked from the main menu.
	ExtraPages []string `yaml:"wiki-pages"`

	// MainPage is the name of a page transcluded at the top of the menu.
	MainPage string `yaml:"wiki-main-page"`

	// MIMETypes is the allow-list for Titan file uploads. A bare major
	// type such as "image" matches all of its subtypes.
	MIMETypes []string `yaml:"wiki-mime-types"`

	// PageSizeLimit is the maximum Titan upload size in bytes.
	PageSizeLimit int `yaml:"wiki-page-size-limit"`

	// LogLevel is the wiki log level, 0 (errors only) to 4 (wire traces).
	LogLevel int `yaml:"log-level"`

	// LogFile, when set, redirects logging to a rotating file.
	LogFile string `yaml:"log-file"`

	// PIDFile, when set, receives the server's process id at startup.
	PIDFile string `yaml:"pid-file"`

	// Extensions names the built-in extensions to enable, in order.
	Extensions []string `yaml:"extensions"`
}

// Load reads a YAML configuration file from the given path and unmarshals it
// into a Config struct. The result is not finalized; callers merge flag
// values and then call Finalize.
func Load(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err = yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// Finalize applies defaults and validates the configuration. It must be
// called once after all sources have been merged.
func (c *Config) Finalize() error {
	if len(c.Hosts) == 0 {
		c.Hosts = []Host{{Name: "localhost"}}
	}
	if len(c.Ports) == 0 {
		c.Ports = []int{DefaultPort}
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if len(c.Tokens) == 0 {
		c.Tokens = []string{DefaultToken}
	}
	if c.PageSizeLimit <= 0 {
		c.PageSizeLimit = DefaultPageSizeLimit
	}

	for _, h := range c.Hosts {
		if h.Name == "" {
			return fmt.Errorf("host with empty name")
		}
		if (h.CertFile == "") != (h.KeyFile == "") {
			return fmt.Errorf("host %s: cert-file and key-file must be given together", h.Name)
		}
	}

	for _, s := range c.Spaces {
		if s.Name == "" {
			return fmt.Errorf("wiki space with empty name")
		}
		if reservedNames[s.Name] {
			return fmt.Errorf("wiki space %q collides with a reserved directory name", s.Name)
		}
		if strings.ContainsAny(s.Name, "/\x00") || strings.HasPrefix(s.Name, ".") {
			return fmt.Errorf("invalid wiki space name %q", s.Name)
		}
		if s.Host != "" && !c.IsKnownHost(s.Host) {
			return fmt.Errorf("wiki space %s/%s references undeclared host", s.Host, s.Name)
		}
	}

	return nil
}

// ParseSpaceSpec splits a --wiki_space value of the form "space" or
// "host/space" into a Space.
func ParseSpaceSpec(spec string) Space {
	if host, name, ok := strings.Cut(spec, "/"); ok {
		return Space{Host: host, Name: name}
	}
	return Space{Name: spec}
}

// IsKnownHost reports whether name is one of the declared hostnames.
func (c *Config) IsKnownHost(name string) bool {
	for _, h := range c.Hosts {
		if h.Name == name {
			return true
		}
	}
	return false
}

// SpaceNames returns the space names declared for the given host, in
// declaration order. Spaces without a host restriction apply to all hosts.
func (c *Config) SpaceNames(host string) []string {
	var names []string
	for _, s := range c.Spaces {
		if s.Host == "" || s.Host == host {
			names = append(names, s.Name)
		}
	}
	return names
}

// HasSpace reports whether name is a declared space for the given host. The
// empty name always denotes the root space.
func (c *Config) HasSpace(host, name string) bool {
	if name == "" {
		return true
	}
	for _, s := range c.Spaces {
		if s.Name == name && (s.Host == "" || s.Host == host) {
			return true
		}
	}
	return false
}

// TokensFor returns the union of the global tokens and the tokens declared
// for the given space.
func (c *Config) TokensFor(space string) []string {
	tokens := make([]string, 0, len(c.Tokens))
	tokens = append(tokens, c.Tokens...)
	for _, s := range c.Spaces {
		if s.Name == space {
			tokens = append(tokens, s.Tokens...)
		}
	}
	return tokens
}

// MIMEAllowed reports whether the given MIME type is acceptable for a file
// upload. A configured bare major type like "image" matches any subtype of
// it; a configured full type must match exactly.
func (c *Config) MIMEAllowed(mime string) bool {
	major, _, _ := strings.Cut(mime, "/")
	for _, allowed := range c.MIMETypes {
		if allowed == mime {
			return true
		}
		if !strings.Contains(allowed, "/") && allowed == major {
			return true
		}
	}
	return false
}

package mhttp

import (
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/costinm/mhttp/altsvc"
	"github.com/costinm/mhttp/pool"
	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"
)

// Duration is a time.Duration read from YAML or JSON as a string like "2.5s". Plain
// numbers are taken as seconds.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var secs float64
		if err := json.Unmarshal(b, &secs); err != nil {
			return errors.Errorf("invalid duration %s", string(b))
		}
		d.Duration = time.Duration(secs * float64(time.Second))
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Config holds the client settings.
type Config struct {
	// Version forces an HTTP version: "1.1", "2" or "3". Empty lets the client negotiate.
	Version string `json:"version,omitempty"`

	// Discovery is how HTTP/3 endpoints may be found: "any", "alt-svc" or "http3-uri-only".
	Discovery string `json:"discovery,omitempty"`

	// ConnectTimeout bounds each TCP+TLS or QUIC connection attempt.
	ConnectTimeout Duration `json:"connectTimeout,omitempty"`

	// DirectH3Timeout is how long a direct HTTP/3 attempt to an origin without Alt-Svc
	// may run before the race treats HTTP/3 as failing.
	DirectH3Timeout Duration `json:"directH3Timeout,omitempty"`

	// AllowLocalhostAltSvc accepts Alt-Svc from localhost origins reached without SNI.
	AllowLocalhostAltSvc bool `json:"allowLocalhostAltSvc,omitempty"`

	// DisableH2C turns off the HTTP/1.1 Upgrade to h2c for plaintext origins.
	DisableH2C bool `json:"disableH2C,omitempty"`

	// DisableH3 makes every request use TCP.
	DisableH3 bool `json:"disableH3,omitempty"`

	// MaxInvalidAltSvc is the capacity of the ban-list of failed alternate services.
	// It can only be lowered.
	MaxInvalidAltSvc int `json:"maxInvalidAltSvc,omitempty"`

	// UnadvertisedMaxAge is the lifetime of the HTTP/3 endpoints learned from direct
	// connections.
	UnadvertisedMaxAge Duration `json:"unadvertisedMaxAge,omitempty"`

	// MaxConcurrentStreams is the HTTP/3 stream budget per connection.
	MaxConcurrentStreams int `json:"maxConcurrentStreams,omitempty"`

	// MaxIdleH1 is the number of idle HTTP/1.1 connections kept per origin.
	MaxIdleH1 int `json:"maxIdleH1,omitempty"`

	InsecureSkipVerify bool `json:"insecureSkipVerify,omitempty"`

	// RootCAs is a PEM file with extra trusted roots.
	RootCAs string `json:"rootCAs,omitempty"`
}

// DefaultConfig returns a Config with all defaults applied.
func DefaultConfig() *Config {
	c := &Config{}
	c.setDefaults()
	return c
}

func (c *Config) setDefaults() {
	if c.ConnectTimeout.Duration == 0 {
		c.ConnectTimeout.Duration = 5 * time.Second
	}
	if c.DirectH3Timeout.Duration == 0 {
		c.DirectH3Timeout.Duration = 2750 * time.Millisecond
	}
	if c.MaxInvalidAltSvc <= 0 || c.MaxInvalidAltSvc > altsvc.MaxInvalid {
		c.MaxInvalidAltSvc = altsvc.MaxInvalid
	}
	if c.UnadvertisedMaxAge.Duration == 0 {
		c.UnadvertisedMaxAge.Duration = altsvc.DefaultMaxAge
	}
}

// LoadConfig reads the config from the MHTTP_CFG_YAML variable if set, else from the
// file at path, MHTTP_CFG or ./mhttp.yaml. A missing file is not an error. Environment
// overrides are applied last.
func LoadConfig(path string) (*Config, error) {
	var cfg []byte

	cfgEnv := os.Getenv("MHTTP_CFG_YAML")
	if cfgEnv != "" {
		cfg = []byte(cfgEnv)
	} else {
		if path == "" {
			path = os.Getenv("MHTTP_CFG")
		}
		if path == "" {
			path = "mhttp.yaml"
		}
		if _, err := os.Stat(path); err == nil {
			cfg, err = os.ReadFile(path)
			if err != nil {
				return nil, errors.Wrap(err, "mhttp: config")
			}
		}
	}

	c := &Config{}
	if err := yaml.Unmarshal(cfg, c); err != nil {
		return nil, errors.Wrap(err, "mhttp: decode config")
	}
	if err := c.applyEnv(os.Environ()); err != nil {
		return nil, err
	}
	c.setDefaults()
	if _, err := c.version(); err != nil {
		return nil, err
	}
	if _, err := pool.ParseDiscoveryMode(c.Discovery); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyEnv(environ []string) error {
	for _, kvs := range environ {
		kv := strings.SplitN(kvs, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "MHTTP_VERSION":
			c.Version = kv[1]
		case "MHTTP_DISCOVERY":
			c.Discovery = kv[1]
		case "MHTTP_CONNECT_TIMEOUT":
			d, err := time.ParseDuration(kv[1])
			if err != nil {
				return errors.Wrap(err, "MHTTP_CONNECT_TIMEOUT")
			}
			c.ConnectTimeout.Duration = d
		}
	}
	return nil
}

func (c *Config) version() (Version, error) {
	return ParseVersion(c.Version)
}

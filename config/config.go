// Licensed under the Apache License, Version 2.0 (the "License"); you may not
// use this file except in compliance with the License. You may obtain a copy of
// the License at
//
//  http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations under
// the License.

// Package config holds the client configuration for sofa connections.
//
// A Config is a plain value. [Default] builds a fresh copy of the defaults
// each time it is called, so there is no process-wide mutable state; copy
// and modify the returned value before passing it to a connection.
package config

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-kivik/sofa/internal/errors"
)

// CacheMode controls the per-database document cache.
type CacheMode int

// Cache modes.
const (
	// CacheOff disables the document cache.
	CacheOff CacheMode = iota
	// CacheOn enables the document cache.
	CacheOn
	// CacheFollow enables the document cache, and keeps it coherent with
	// server-side changes by following the database's changes feed.
	CacheFollow
)

func (m CacheMode) String() string {
	switch m {
	case CacheOff:
		return "off"
	case CacheOn:
		return "on"
	case CacheFollow:
		return "follow"
	}
	return "unknown"
}

// Enabled reports whether documents are cached in this mode.
func (m CacheMode) Enabled() bool {
	return m == CacheOn || m == CacheFollow
}

// ParseCacheMode parses a cache mode. Boolean spellings are accepted, as is
// "follow".
func ParseCacheMode(s string) (CacheMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "true", "on", "yes", "1":
		return CacheOn, nil
	case "false", "off", "no", "0":
		return CacheOff, nil
	case "follow":
		return CacheFollow, nil
	}
	return CacheOff, errors.Usagef("invalid cache mode %q", s)
}

// UnmarshalText allows CacheMode to be decoded from YAML, JSON or flags.
func (m *CacheMode) UnmarshalText(text []byte) error {
	mode, err := ParseCacheMode(string(text))
	if err != nil {
		return err
	}
	*m = mode
	return nil
}

// MarshalText encodes the mode as text.
func (m CacheMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// Auth holds HTTP Basic Auth credentials.
type Auth struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the complete configuration of a connection.
type Config struct {
	// Host is the server hostname. It may carry an http:// or https://
	// prefix, and a :port suffix.
	Host string `yaml:"host" json:"host"`
	// Port is the server port. Zero means the scheme default.
	Port int `yaml:"port" json:"port"`
	// Secure selects https.
	Secure bool `yaml:"secure" json:"secure"`
	// Auth, if set, enables HTTP Basic Auth.
	Auth *Auth `yaml:"auth,omitempty" json:"auth,omitempty"`

	// Cache selects the document cache mode.
	Cache CacheMode `yaml:"cache" json:"cache"`
	// CacheSize is the number of documents a database cache holds before
	// the least recently accessed eighth is evicted.
	CacheSize int `yaml:"cache_size" json:"cache_size"`

	// Retries is the number of times a request is retried after a
	// connection-level failure.
	Retries int `yaml:"retries" json:"retries"`
	// RetryTimeout is the fixed delay between retry attempts.
	RetryTimeout time.Duration `yaml:"retry_timeout" json:"retry_timeout"`
	// RetryBody allows requests carrying a body (PUT, POST) to be retried.
	RetryBody bool `yaml:"retry_body" json:"retry_body"`

	// Raw skips response normalization for generic requests.
	Raw bool `yaml:"raw" json:"raw"`
	// ForceSave enables conflict recovery when saving a document without a
	// known revision.
	ForceSave bool `yaml:"force_save" json:"force_save"`
	// AllOrNothing sets all_or_nothing on bulk saves.
	AllOrNothing bool `yaml:"all_or_nothing" json:"all_or_nothing"`
	// BulkCache writes the results of bulk saves through to the cache.
	BulkCache bool `yaml:"bulk_cache" json:"bulk_cache"`

	// Headers are sent with every request.
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`

	// RequestTimeout limits each request. Zero means no limit. It does not
	// apply to change feeds.
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
	// MaxConns limits idle connections kept per host.
	MaxConns int `yaml:"max_conns" json:"max_conns"`
}

// Default values.
const (
	DefaultHost         = "127.0.0.1"
	DefaultPort         = 5984
	DefaultCacheSize    = 1024
	DefaultRetryTimeout = 10 * time.Second
	DefaultMaxConns     = 20
)

// Default returns the default configuration.
func Default() Config {
	return Config{
		Host:         DefaultHost,
		Port:         DefaultPort,
		Cache:        CacheOn,
		CacheSize:    DefaultCacheSize,
		RetryTimeout: DefaultRetryTimeout,
		ForceSave:    true,
		Headers:      map[string]string{},
		MaxConns:     DefaultMaxConns,
	}
}

// Clone returns a deep copy of c.
func (c Config) Clone() Config {
	if c.Auth != nil {
		auth := *c.Auth
		c.Auth = &auth
	}
	headers := make(map[string]string, len(c.Headers))
	for k, v := range c.Headers {
		headers[k] = v
	}
	c.Headers = headers
	return c
}

// Validate checks c for obvious mistakes.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return errors.Usage("host required")
	}
	if c.Port < 0 || c.Port > 65535 {
		return errors.Usagef("invalid port %d", c.Port)
	}
	if c.CacheSize < 0 {
		return errors.Usage("cache_size must not be negative")
	}
	if c.Retries < 0 {
		return errors.Usage("retries must not be negative")
	}
	if c.RetryTimeout < 0 {
		return errors.Usage("retry_timeout must not be negative")
	}
	return nil
}

var (
	protocolRE = regexp.MustCompile(`^(https?)://`)
	hostPortRE = regexp.MustCompile(`^(.+):(\d{2,5})$`)
)

// URL returns the server URL described by c. A scheme prefix on Host takes
// precedence over Secure. The port is omitted when it is 80 or 443.
func (c Config) URL() (*url.URL, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	host := strings.TrimSuffix(strings.TrimSpace(c.Host), "/")
	scheme := "http"
	if c.Secure {
		scheme = "https"
	}
	if m := protocolRE.FindStringSubmatch(host); m != nil {
		scheme = m[1]
		host = strings.TrimPrefix(host, m[0])
	}
	port := c.Port
	if m := hostPortRE.FindStringSubmatch(host); m != nil {
		host = m[1]
		p, err := strconv.Atoi(m[2])
		if err != nil {
			return nil, errors.Usagef("invalid port in host %q", c.Host)
		}
		port = p
	}
	// IPv6 literals are bracketed again by JoinHostPort.
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	switch {
	case port != 0 && !(scheme == "http" && port == 80) && !(scheme == "https" && port == 443):
		host = net.JoinHostPort(host, strconv.Itoa(port))
	case strings.Contains(host, ":"):
		host = "[" + host + "]"
	}
	u := &url.URL{
		Scheme: scheme,
		Host:   host,
		Path:   "/",
	}
	return u, nil
}

// String returns the server URL.
func (c Config) String() string {
	u, err := c.URL()
	if err != nil {
		return fmt.Sprintf("invalid config: %s", err)
	}
	return u.String()
}

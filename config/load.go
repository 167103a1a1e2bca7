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

package config

import (
	"strings"

	"github.com/spf13/viper"

	"github.com/go-kivik/sofa/internal/errors"
)

// EnvPrefix is the prefix of environment variables which override values
// read from a configuration file, e.g. SOFA_HOST or SOFA_AUTH_USERNAME.
const EnvPrefix = "SOFA"

// Configuration keys, as used in files and (upper-cased, with '.' replaced by
// '_') in the environment.
const (
	KeyHost           = "host"
	KeyPort           = "port"
	KeySecure         = "secure"
	KeyUsername       = "auth.username"
	KeyPassword       = "auth.password"
	KeyCache          = "cache"
	KeyCacheSize      = "cache_size"
	KeyRetries        = "retries"
	KeyRetryTimeout   = "retry_timeout"
	KeyRetryBody      = "retry_body"
	KeyRaw            = "raw"
	KeyForceSave      = "force_save"
	KeyAllOrNothing   = "all_or_nothing"
	KeyBulkCache      = "bulk_cache"
	KeyHeaders        = "headers"
	KeyRequestTimeout = "request_timeout"
	KeyMaxConns       = "max_conns"
)

// Load reads configuration from file, which may be YAML, TOML or JSON, and
// from the environment. An empty filename reads only the environment. Values
// not found in either place take their defaults.
func Load(file string) (Config, error) {
	v := NewViper()
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}
	return FromViper(v)
}

// NewViper returns a viper instance primed with the defaults and environment
// bindings used by [Load].
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := Default()
	v.SetDefault(KeyHost, def.Host)
	v.SetDefault(KeyPort, def.Port)
	v.SetDefault(KeySecure, def.Secure)
	v.SetDefault(KeyUsername, "")
	v.SetDefault(KeyPassword, "")
	v.SetDefault(KeyCache, def.Cache.String())
	v.SetDefault(KeyCacheSize, def.CacheSize)
	v.SetDefault(KeyRetries, def.Retries)
	v.SetDefault(KeyRetryTimeout, def.RetryTimeout)
	v.SetDefault(KeyRetryBody, def.RetryBody)
	v.SetDefault(KeyRaw, def.Raw)
	v.SetDefault(KeyForceSave, def.ForceSave)
	v.SetDefault(KeyAllOrNothing, def.AllOrNothing)
	v.SetDefault(KeyBulkCache, def.BulkCache)
	v.SetDefault(KeyRequestTimeout, def.RequestTimeout)
	v.SetDefault(KeyMaxConns, def.MaxConns)
	return v
}

// FromViper builds a Config from the values held by v.
func FromViper(v *viper.Viper) (Config, error) {
	mode, err := ParseCacheMode(v.GetString(KeyCache))
	if err != nil {
		return Config{}, err
	}
	c := Default()
	c.Host = v.GetString(KeyHost)
	c.Port = v.GetInt(KeyPort)
	c.Secure = v.GetBool(KeySecure)
	if user := v.GetString(KeyUsername); user != "" {
		c.Auth = &Auth{
			Username: user,
			Password: v.GetString(KeyPassword),
		}
	}
	c.Cache = mode
	c.CacheSize = v.GetInt(KeyCacheSize)
	c.Retries = v.GetInt(KeyRetries)
	c.RetryTimeout = v.GetDuration(KeyRetryTimeout)
	c.RetryBody = v.GetBool(KeyRetryBody)
	c.Raw = v.GetBool(KeyRaw)
	c.ForceSave = v.GetBool(KeyForceSave)
	c.AllOrNothing = v.GetBool(KeyAllOrNothing)
	c.BulkCache = v.GetBool(KeyBulkCache)
	for k, val := range v.GetStringMapString(KeyHeaders) {
		c.Headers[k] = val
	}
	c.RequestTimeout = v.GetDuration(KeyRequestTimeout)
	c.MaxConns = v.GetInt(KeyMaxConns)
	if err := c.Validate(); err != nil {
		return Config{}, errors.Usagef("invalid configuration: %s", err)
	}
	return c, nil
}

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
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gitlab.com/flimzy/testy"
)

func TestDefaultIsFresh(t *testing.T) {
	a := Default()
	a.Headers["X-Foo"] = "bar"
	a.Host = "example.com"
	b := Default()
	if b.Host != DefaultHost {
		t.Errorf("default host was mutated: %s", b.Host)
	}
	if len(b.Headers) != 0 {
		t.Errorf("default headers were mutated: %v", b.Headers)
	}
}

func TestClone(t *testing.T) {
	a := Default()
	a.Auth = &Auth{Username: "bob", Password: "abc123"}
	a.Headers["X-Foo"] = "bar"
	b := a.Clone()
	b.Auth.Password = "changed"
	b.Headers["X-Foo"] = "baz"
	if a.Auth.Password != "abc123" {
		t.Error("clone shares auth")
	}
	if a.Headers["X-Foo"] != "bar" {
		t.Error("clone shares headers")
	}
}

func TestURL(t *testing.T) {
	type tt struct {
		conf   func(*Config)
		want   string
		status int
		err    string
	}
	tests := testy.NewTable()
	tests.Add("defaults", tt{
		want: "http://127.0.0.1:5984/",
	})
	tests.Add("secure", tt{
		conf: func(c *Config) { c.Secure = true; c.Port = 6984 },
		want: "https://127.0.0.1:6984/",
	})
	tests.Add("scheme prefix", tt{
		conf: func(c *Config) { c.Host = "https://couch.example.com" },
		want: "https://couch.example.com:5984/",
	})
	tests.Add("host with port", tt{
		conf: func(c *Config) { c.Host = "couch.example.com:8080" },
		want: "http://couch.example.com:8080/",
	})
	tests.Add("standard port omitted", tt{
		conf: func(c *Config) { c.Host = "http://couch.example.com"; c.Port = 80 },
		want: "http://couch.example.com/",
	})
	tests.Add("ipv6 literal", tt{
		conf: func(c *Config) { c.Host = "[::1]" },
		want: "http://[::1]:5984/",
	})
	tests.Add("ipv6 literal with port", tt{
		conf: func(c *Config) { c.Host = "http://[::1]:8080" },
		want: "http://[::1]:8080/",
	})
	tests.Add("ipv6 literal, standard port", tt{
		conf: func(c *Config) { c.Host = "https://[fe80::1]"; c.Port = 443 },
		want: "https://[fe80::1]/",
	})
	tests.Add("no host", tt{
		conf:   func(c *Config) { c.Host = "" },
		status: http.StatusBadRequest,
		err:    "host required",
	})
	tests.Add("bad port", tt{
		conf:   func(c *Config) { c.Port = 70000 },
		status: http.StatusBadRequest,
		err:    "invalid port 70000",
	})

	tests.Run(t, func(t *testing.T, tt tt) {
		c := Default()
		if tt.conf != nil {
			tt.conf(&c)
		}
		u, err := c.URL()
		if !testy.ErrorMatches(tt.err, err) {
			t.Errorf("Unexpected error: %s", err)
		}
		if status := testy.StatusCode(err); status != tt.status {
			t.Errorf("Unexpected status: %d", status)
		}
		if err != nil {
			return
		}
		if got := u.String(); got != tt.want {
			t.Errorf("Unexpected URL: %s", got)
		}
	})
}

func TestParseCacheMode(t *testing.T) {
	for in, want := range map[string]CacheMode{
		"true":   CacheOn,
		"":       CacheOn,
		"false":  CacheOff,
		"off":    CacheOff,
		"follow": CacheFollow,
		"FOLLOW": CacheFollow,
	} {
		got, err := ParseCacheMode(in)
		if err != nil {
			t.Errorf("%q: unexpected error: %s", in, err)
		}
		if got != want {
			t.Errorf("%q: got %s, want %s", in, got, want)
		}
	}
	if _, err := ParseCacheMode("sometimes"); !testy.ErrorMatches(`invalid cache mode "sometimes"`, err) {
		t.Errorf("Unexpected error: %s", err)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "sofa.yaml")
	content := `host: couch.example.com
port: 6984
secure: true
auth:
  username: bob
  password: abc123
cache: follow
cache_size: 64
retries: 3
retry_timeout: 250ms
headers:
  X-Client: sofa
`
	if err := os.WriteFile(file, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SOFA_RETRIES", "5")

	got, err := Load(file)
	if err != nil {
		t.Fatal(err)
	}
	want := Default()
	want.Host = "couch.example.com"
	want.Port = 6984
	want.Secure = true
	want.Auth = &Auth{Username: "bob", Password: "abc123"}
	want.Cache = CacheFollow
	want.CacheSize = 64
	want.Retries = 5
	want.RetryTimeout = 250 * time.Millisecond
	want.Headers = map[string]string{"x-client": "sofa"}
	if d := cmp.Diff(want, got); d != "" {
		t.Error(d)
	}
}

func TestLoadNoFile(t *testing.T) {
	t.Setenv("SOFA_HOST", "db.internal")
	t.Setenv("SOFA_CACHE", "false")
	got, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if got.Host != "db.internal" {
		t.Errorf("Unexpected host: %s", got.Host)
	}
	if got.Cache != CacheOff {
		t.Errorf("Unexpected cache mode: %s", got.Cache)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected an error")
	}
}

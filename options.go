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

package sofa

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/juju/clock"

	"github.com/go-kivik/sofa/cache"
	internal "github.com/go-kivik/sofa/internal/errors"
	"github.com/go-kivik/sofa/log"
)

// Option configures a Connection.
type Option interface {
	Apply(target interface{})
}

// Options is a collection of query parameters. Values of the keys used for
// view ranges (key, keys, startkey, endkey and friends) are JSON-encoded;
// other values must be strings, string slices, booleans or numbers.
type Options map[string]interface{}

var _ Option = Options(nil)

// Apply applies o to target. The following target types are supported:
//
//   - map[string]interface{}
//   - Options
func (o Options) Apply(target interface{}) {
	switch t := target.(type) {
	case map[string]interface{}:
		for k, v := range o {
			t[k] = v
		}
	case Options:
		for k, v := range o {
			t[k] = v
		}
	}
}

func (o Options) clone() Options {
	out := make(Options, len(o))
	o.Apply(out)
	return out
}

var jsonKeys = []string{"endkey", "end_key", "key", "startkey", "start_key", "keys", "doc_ids"}

// encodeKey encodes a key to a view query, or similar, to be passed to CouchDB.
func encodeKey(i interface{}) (string, error) {
	if raw, ok := i.(json.RawMessage); ok {
		return string(raw), nil
	}
	raw, err := json.Marshal(i)
	if err != nil {
		err = &internal.Error{Status: http.StatusBadRequest, Err: err}
	}
	return string(raw), err
}

// params converts o to url.Values.
func (o Options) params() (url.Values, error) {
	params := url.Values{}
	opts := o.clone()
	for _, key := range jsonKeys {
		if v, ok := opts[key]; ok {
			value, err := encodeKey(v)
			if err != nil {
				return nil, err
			}
			opts[key] = value
		}
	}
	for key, i := range opts {
		var values []string
		switch v := i.(type) {
		case nil:
			continue
		case string:
			values = []string{v}
		case []string:
			values = v
		case bool:
			values = []string{fmt.Sprintf("%t", v)}
		case int, uint, uint8, uint16, uint32, uint64, int8, int16, int32, int64:
			values = []string{fmt.Sprintf("%d", v)}
		case float32, float64:
			values = []string{fmt.Sprintf("%v", v)}
		case json.Number:
			values = []string{v.String()}
		default:
			return nil, &internal.Error{Status: http.StatusBadRequest, Err: fmt.Errorf("sofa: invalid type %T for option %q", i, key)}
		}
		for _, value := range values {
			params.Add(key, value)
		}
	}
	return params, nil
}

type settings struct {
	httpClient *http.Client
	logger     log.Logger
	clock      clock.Clock
	metrics    *cache.Metrics
}

type settingsFunc func(*settings)

func (f settingsFunc) Apply(target interface{}) {
	if s, ok := target.(*settings); ok {
		f(s)
	}
}

// WithHTTPClient sets the HTTP client used for all requests. By default a
// client is built from the connection's configuration.
func WithHTTPClient(client *http.Client) Option {
	return settingsFunc(func(s *settings) {
		s.httpClient = client
	})
}

// WithLogger sets the logger. By default nothing is logged.
func WithLogger(logger log.Logger) Option {
	return settingsFunc(func(s *settings) {
		s.logger = logger
	})
}

// WithClock sets the clock used for cache access times and change feed
// reconnect delays.
func WithClock(clk clock.Clock) Option {
	return settingsFunc(func(s *settings) {
		s.clock = clk
	})
}

// WithMetrics makes every database cache report to m.
func WithMetrics(m *cache.Metrics) Option {
	return settingsFunc(func(s *settings) {
		s.metrics = m
	})
}

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
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/go-kivik/sofa/config"
	"github.com/go-kivik/sofa/internal/couchtest"
)

type customTransport func(*http.Request) (*http.Response, error)

var _ http.RoundTripper = customTransport(nil)

func (t customTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t(req)
}

// jsonResponse returns a response with a JSON body.
func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode:    status,
		Header:        http.Header{"Content-Type": {typeJSON}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
	}
}

// newMockConn returns a connection whose requests are answered by fn.
func newMockConn(t *testing.T, cfg config.Config, fn customTransport, opts ...Option) *Connection {
	t.Helper()
	cfg.Host = "http://example.com"
	transport := customTransport(func(req *http.Request) (*http.Response, error) {
		resp, err := fn(req)
		if resp != nil {
			resp.Request = req
		}
		return resp, err
	})
	conn, err := New(cfg, append(opts, WithHTTPClient(&http.Client{Transport: transport}))...)
	if err != nil {
		t.Fatal(err)
	}
	return conn
}

// newServerConn starts s and returns a connection to it. The connection is
// closed when the test ends.
func newServerConn(t *testing.T, s *couchtest.Server, mod func(*config.Config), opts ...Option) *Connection {
	t.Helper()
	ts := s.Start(t)
	cfg := config.Default()
	cfg.Host = ts.URL
	if mod != nil {
		mod(&cfg)
	}
	conn, err := New(cfg, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// requestBody decodes the JSON body of req.
func requestBody(t *testing.T, req *http.Request) map[string]interface{} {
	t.Helper()
	if req.Body == nil {
		return nil
	}
	var body map[string]interface{}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	return body
}

func mustSave(t *testing.T, db *DB, doc interface{}) *DocResult {
	t.Helper()
	res, err := db.Save(context.Background(), doc)
	if err != nil {
		t.Fatal(err)
	}
	return res
}

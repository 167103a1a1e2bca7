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
	"io"
	"mime"
	"net/http"

	"github.com/go-kivik/sofa/chttp"
)

// mode selects how a response body is turned into a Result.
type mode int

const (
	// modeJSON normalizes the body; a body which is not JSON is a protocol
	// error.
	modeJSON mode = iota
	// modeAny normalizes JSON bodies and returns anything else raw, as for
	// list and update functions.
	modeAny
	// modeRaw returns the body raw when the connection is in raw mode, and
	// behaves as modeAny otherwise.
	modeRaw
)

func (c *Connection) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.RequestTimeout > 0 {
		return context.WithTimeout(ctx, c.cfg.RequestTimeout)
	}
	return ctx, func() {}
}

// response performs a request and checks its status. The caller must close
// the body and call done.
func (c *Connection) response(ctx context.Context, method, path string, opts *chttp.Options) (resp *http.Response, done func(), err error) {
	end, err := c.startQuery()
	if err != nil {
		return nil, nil, err
	}
	ctx, cancel := c.withTimeout(ctx)
	done = func() {
		cancel()
		end()
	}
	resp, err = c.client.DoReq(ctx, method, path, opts)
	if err != nil {
		done()
		return nil, nil, err
	}
	if err := chttp.ResponseError(resp); err != nil {
		done()
		return nil, nil, err
	}
	return resp, done, nil
}

func (c *Connection) do(ctx context.Context, method, path string, opts *chttp.Options, m mode) (Result, error) {
	resp, done, err := c.response(ctx, method, path, opts)
	if err != nil {
		return nil, err
	}
	defer done()
	body, err := chttp.ReadBody(resp)
	if err != nil {
		return nil, err
	}
	meta := newMeta(resp)
	switch {
	case m == modeRaw && c.cfg.Raw,
		m != modeJSON && len(body) > 0 && !isJSON(resp):
		return &RawResult{body: body, meta: meta}, nil
	}
	return Normalize(body, meta)
}

func (c *Connection) doDoc(ctx context.Context, method, path string, opts *chttp.Options) (*DocResult, error) {
	res, err := c.do(ctx, method, path, opts, modeJSON)
	if err != nil {
		return nil, err
	}
	return asDoc(res)
}

func (c *Connection) doRows(ctx context.Context, method, path string, opts *chttp.Options) (*Rows, error) {
	res, err := c.do(ctx, method, path, opts, modeJSON)
	if err != nil {
		return nil, err
	}
	return asRows(res)
}

func isJSON(resp *http.Response) bool {
	ct, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	return ct == "" || ct == typeJSON
}

// requestOptions builds transport options from query parameters and an
// optional body, which is streamed when it is an io.Reader and JSON-encoded
// otherwise.
func requestOptions(params Options, body interface{}) (*chttp.Options, error) {
	query, err := params.params()
	if err != nil {
		return nil, err
	}
	opts := &chttp.Options{Query: query}
	switch t := body.(type) {
	case nil:
	case io.ReadCloser:
		opts.Body = t
	case io.Reader:
		opts.Body = io.NopCloser(t)
	default:
		opts.JSON = t
	}
	return opts, nil
}

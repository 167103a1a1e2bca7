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

// Package chttp is the HTTP transport used to talk to CouchDB servers. It
// knows how to build requests against the server root, inject credentials and
// default headers, retry connection-level failures, and turn error responses
// into structured errors. It knows nothing about documents or caching.
package chttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime"
	"strings"

	internal "github.com/go-kivik/sofa/internal/errors"
	"github.com/go-kivik/sofa/log"
)

const typeJSON = "application/json"

// The default UserAgent values
const (
	UserAgent = "sofa chttp"
	Version   = "1.0.0"
)

// Client represents a client connection. It embeds an *http.Client
type Client struct {
	// UserAgents is appended to set the User-Agent header. Typically it should
	// contain pairs of product name and version.
	UserAgents []string

	*http.Client

	dsn      *url.URL
	basePath string
	header   http.Header
	retry    RetryPolicy
	log      log.Logger
}

// ClientOptions configure a Client.
type ClientOptions struct {
	// Username and Password, if Username is set, enable HTTP Basic Auth.
	Username string
	Password string

	// Header is sent with every request, unless the request sets the same
	// header itself.
	Header http.Header

	// Retry controls retries of connection-level failures.
	Retry RetryPolicy

	// UserAgent is appended to the default User-Agent header.
	UserAgent string

	// Logger receives retry notices. Defaults to a nil logger.
	Logger log.Logger
}

// New returns a connection to a remote CouchDB server. Credentials in the URL
// are used for HTTP Basic Auth, unless opts provides its own.
func New(client *http.Client, dsn string, opts *ClientOptions) (*Client, error) {
	dsnURL, err := parseDSN(dsn)
	if err != nil {
		return nil, err
	}
	if client == nil {
		client = &http.Client{}
	}
	if opts == nil {
		opts = &ClientOptions{}
	}
	user := dsnURL.User
	dsnURL.User = nil
	c := &Client{
		Client:   client,
		dsn:      dsnURL,
		basePath: strings.TrimSuffix(dsnURL.Path, "/"),
		header:   http.Header{},
		retry:    opts.Retry,
		log:      opts.Logger,
		UserAgents: []string{
			fmt.Sprintf("sofa/%s", Version),
		},
	}
	if c.log == nil {
		c.log = log.NewNil()
	}
	if opts.UserAgent != "" {
		c.UserAgents = append(c.UserAgents, opts.UserAgent)
	}
	for k, v := range opts.Header {
		c.header[http.CanonicalHeaderKey(k)] = append([]string(nil), v...)
	}
	username, password := opts.Username, opts.Password
	if username == "" && user != nil {
		username = user.Username()
		password, _ = user.Password()
	}
	if username != "" {
		hc := *client
		c.Client = &hc
		withBasicAuth(c.Client, username, password)
	}
	return c, nil
}

func parseDSN(dsn string) (*url.URL, error) {
	if dsn == "" {
		return nil, internal.Usage("no URL specified")
	}
	if !strings.HasPrefix(dsn, "http://") && !strings.HasPrefix(dsn, "https://") {
		dsn = "http://" + dsn
	}
	dsnURL, err := url.Parse(dsn)
	if err != nil {
		return nil, &internal.Error{Status: http.StatusBadRequest, Err: err}
	}
	if dsnURL.Path == "" {
		dsnURL.Path = "/"
	}
	return dsnURL, nil
}

// DSN returns the server URL, without credentials.
func (c *Client) DSN() string {
	return c.dsn.String()
}

// DecodeJSON unmarshals the response body into i. This method consumes and
// closes the response body.
func DecodeJSON(r *http.Response, i interface{}) error {
	defer CloseBody(r.Body)
	if err := json.NewDecoder(r.Body).Decode(i); err != nil {
		return &internal.Error{Status: http.StatusBadGateway, Message: "invalid JSON response", Err: err}
	}
	return nil
}

// ReadBody reads and closes the response body.
func ReadBody(r *http.Response) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer CloseBody(r.Body)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, &internal.Error{Status: http.StatusBadGateway, Err: err}
	}
	return body, nil
}

// CloseBody drains and closes an HTTP response body, so that the connection
// may be reused.
func CloseBody(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}

// DoJSON combines [Client.DoReq], [ResponseError], and [DecodeJSON], and
// closes the response body.
func (c *Client) DoJSON(ctx context.Context, method, path string, opts *Options, i interface{}) error {
	res, err := c.DoReq(ctx, method, path, opts)
	if err != nil {
		return err
	}
	if res.Body != nil {
		defer CloseBody(res.Body)
	}
	if err = ResponseError(res); err != nil {
		return err
	}
	return DecodeJSON(res, i)
}

func (c *Client) path(path string) string {
	if c.basePath != "" {
		return c.basePath + "/" + strings.TrimPrefix(path, "/")
	}
	return path
}

// NewRequest returns a new *http.Request to the CouchDB server, and the
// specified path. The host, schema, etc, of the specified path are ignored.
func (c *Client) NewRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	fullPath := c.path(path)
	reqPath, err := url.Parse(fullPath)
	if err != nil {
		return nil, &internal.Error{Status: http.StatusBadRequest, Err: err}
	}
	u := *c.dsn // Make a copy
	u.Path = reqPath.Path
	u.RawQuery = reqPath.RawQuery
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, &internal.Error{Status: http.StatusBadRequest, Err: err}
	}
	req.Header.Add("User-Agent", c.userAgent())
	return req, nil
}

// DoReq does an HTTP request. An error is returned only if there was an error
// processing the request. In particular, an error status code, such as 400
// or 500, does _not_ cause an error to be returned.
//
// Connection-level failures are retried according to the client's
// [RetryPolicy].
func (c *Client) DoReq(ctx context.Context, method, path string, opts *Options) (*http.Response, error) {
	if method == "" {
		return nil, internal.Usage("chttp: method required")
	}
	if opts != nil && opts.JSON != nil && opts.GetBody == nil && opts.Body == nil {
		opts.GetBody = BodyEncoder(opts.JSON)
	}
	var res *http.Response
	err := c.retry.do(ctx, c.log, method, opts, func() error {
		var err error
		res, err = c.doOnce(ctx, method, path, opts)
		return err
	})
	return res, err
}

func (c *Client) doOnce(ctx context.Context, method, path string, opts *Options) (*http.Response, error) {
	var body io.Reader
	if opts != nil {
		if opts.GetBody != nil {
			var err error
			opts.Body, err = opts.GetBody()
			if err != nil {
				return nil, err
			}
		}
		if opts.Body != nil {
			body = opts.Body
		}
	}
	req, err := c.NewRequest(ctx, method, path, body)
	if err != nil {
		if opts != nil && opts.Body != nil {
			_ = opts.Body.Close()
		}
		return nil, err
	}
	fixPath(req, c.path(path))
	c.setHeaders(req, opts)
	setQuery(req, opts)
	if opts != nil {
		req.GetBody = opts.GetBody
		if opts.ContentLength != 0 {
			req.ContentLength = opts.ContentLength
		}
	}
	response, err := c.Do(req)
	return response, netError(err)
}

func netError(err error) error {
	if err == nil {
		return nil
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		// If this error was generated by EncodeBody, it may have an embedded
		// status code (!= 500), which we should honor.
		status := internal.HTTPStatus(urlErr.Err)
		if status == http.StatusInternalServerError {
			status = http.StatusBadGateway
		}
		return &internal.Error{Status: status, Err: err}
	}
	if status := internal.HTTPStatus(err); status != http.StatusInternalServerError {
		return err
	}
	return &internal.Error{Status: http.StatusBadGateway, Err: err}
}

// fixPath sets the request's URL.RawPath to work with escaped characters in
// paths.
func fixPath(req *http.Request, path string) {
	// Remove any query parameters
	parts := strings.SplitN(path, "?", 2) // nolint:gomnd
	req.URL.RawPath = "/" + strings.TrimPrefix(parts[0], "/")
}

func (c *Client) setHeaders(req *http.Request, opts *Options) {
	accept := typeJSON
	contentType := typeJSON
	if opts != nil {
		if opts.Accept != "" {
			accept = opts.Accept
		}
		if opts.ContentType != "" {
			contentType = opts.ContentType
		}
		if opts.IfNoneMatch != "" {
			inm := "\"" + strings.Trim(opts.IfNoneMatch, "\"") + "\""
			req.Header.Set("If-None-Match", inm)
		}
		for k, v := range opts.Header {
			if _, ok := req.Header[k]; !ok {
				req.Header[k] = v
			}
		}
	}
	for k, v := range c.header {
		if _, ok := req.Header[k]; !ok {
			req.Header[k] = v
		}
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", accept)
	}
	if req.Header.Get("Content-Type") == "" && req.Body != nil && req.Body != http.NoBody {
		req.Header.Set("Content-Type", contentType)
	}
}

func setQuery(req *http.Request, opts *Options) {
	if opts == nil || len(opts.Query) == 0 {
		return
	}
	if req.URL.RawQuery == "" {
		req.URL.RawQuery = opts.Query.Encode()
		return
	}
	req.URL.RawQuery = strings.Join([]string{req.URL.RawQuery, opts.Query.Encode()}, "&")
}

// DoError is the same as DoReq(), followed by checking the response error. This
// method is meant for cases where the only information you need from the
// response is the status code. It unconditionally closes the response body.
func (c *Client) DoError(ctx context.Context, method, path string, opts *Options) (*http.Response, error) {
	res, err := c.DoReq(ctx, method, path, opts)
	if err != nil {
		return res, err
	}
	if res.Body != nil {
		defer CloseBody(res.Body)
	}
	err = ResponseError(res)
	return res, err
}

// ETag returns the unquoted ETag value, and a bool indicating whether it was
// found.
func ETag(resp *http.Response) (string, bool) {
	if resp == nil {
		return "", false
	}
	etag, ok := resp.Header["Etag"]
	if !ok {
		etag, ok = resp.Header["ETag"] // nolint: staticcheck
	}
	if !ok || len(etag) == 0 {
		return "", false
	}
	return strings.Trim(etag[0], `"`), true
}

func (c *Client) userAgent() string {
	ua := fmt.Sprintf("%s/%s (Language=%s; Platform=%s/%s)",
		UserAgent, Version, runtime.Version(), runtime.GOARCH, runtime.GOOS)
	return strings.Join(append([]string{ua}, c.UserAgents...), " ")
}

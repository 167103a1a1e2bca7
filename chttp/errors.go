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

package chttp

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
)

// HTTPError is an error reported by the server, with an HTTP status of 400 or
// greater.
type HTTPError struct {
	// Response is the HTTP response received by the client.  The response body
	// should already be closed, but the response and request headers and other
	// metadata will typically be in tact for debugging purposes.
	Response *http.Response `json:"-"`

	// Code is the server-supplied error code, such as "not_found" or
	// "conflict".
	Code string `json:"error"`

	// Reason is the server-supplied error reason.
	Reason string `json:"reason"`
}

// NewHTTPError returns an error for the given response, with the supplied
// code and reason rather than those read from the body.
func NewHTTPError(resp *http.Response, code, reason string) *HTTPError {
	return &HTTPError{
		Response: resp,
		Code:     code,
		Reason:   reason,
	}
}

func (e *HTTPError) Error() string {
	msg := e.Reason
	if e.Code != "" && e.Reason != "" {
		msg = e.Code + ": " + e.Reason
	} else if e.Code != "" {
		msg = e.Code
	}
	if msg == "" {
		return http.StatusText(e.HTTPStatus())
	}
	if statusText := http.StatusText(e.HTTPStatus()); statusText != "" {
		return fmt.Sprintf("%s: %s", statusText, msg)
	}
	return msg
}

// HTTPStatus returns the embedded status code.
func (e *HTTPError) HTTPStatus() int {
	if e.Response == nil {
		return http.StatusInternalServerError
	}
	return e.Response.StatusCode
}

// Header returns the response headers, which may be nil.
func (e *HTTPError) Header() http.Header {
	if e.Response == nil {
		return nil
	}
	return e.Response.Header
}

// ResponseError returns an error from an *http.Response if the status code
// indicates an error.
func ResponseError(resp *http.Response) error {
	if resp.StatusCode < 400 { // nolint:gomnd
		return nil
	}
	if resp.Body != nil {
		defer CloseBody(resp.Body)
	}
	httpErr := &HTTPError{
		Response: resp,
	}
	if resp.Request != nil && resp.Request.Method != http.MethodHead && resp.Body != nil && resp.ContentLength != 0 {
		if ct, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); ct == typeJSON {
			_ = json.NewDecoder(resp.Body).Decode(httpErr)
		}
	}
	if httpErr.Code == "" {
		httpErr.Code = defaultCode(resp.StatusCode)
	}
	return httpErr
}

func defaultCode(status int) string {
	switch status {
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusPreconditionFailed:
		return "file_exists"
	}
	return ""
}

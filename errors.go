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
	"errors"
	"fmt"
	"net/http"

	"github.com/go-kivik/sofa/chttp"
	internal "github.com/go-kivik/sofa/internal/errors"
)

// Error represents an error returned by sofa itself, as opposed to one
// reported by the server. Usage errors carry status 400, transport and
// protocol errors status 502.
type Error = internal.Error

// ErrClientClosed is returned by any operation on a closed Connection.
var ErrClientClosed = &internal.Error{Status: http.StatusServiceUnavailable, Message: "sofa: client closed"}

// HTTPStatus returns the HTTP status code embedded in the error, or 500
// (internal server error), if there was no specified status code.  If err is
// nil, HTTPStatus returns 0.
func HTTPStatus(err error) int {
	return internal.HTTPStatus(err)
}

// IsNotFound returns true if the error is the result of an HTTP 404/Not Found
// response.
func IsNotFound(err error) bool {
	return HTTPStatus(err) == http.StatusNotFound
}

// IsConflict returns true if the error is the result of an HTTP 409/Conflict
// response.
func IsConflict(err error) bool {
	return HTTPStatus(err) == http.StatusConflict
}

// Reason returns the server-supplied error code and reason for application
// errors. ok is false for any other kind of error.
func Reason(err error) (code, reason string, ok bool) {
	var httpErr *chttp.HTTPError
	if !errors.As(err, &httpErr) {
		return "", "", false
	}
	return httpErr.Code, httpErr.Reason, true
}

func missingArg(arg string) error {
	return &internal.Error{Status: http.StatusBadRequest, Message: fmt.Sprintf("sofa: %s required", arg)}
}

func protocolError(err error) error {
	return &internal.Error{Status: http.StatusBadGateway, Message: "invalid JSON response", Err: err}
}

func unexpected(want string, res Result) error {
	return &internal.Error{Status: http.StatusBadGateway, Message: fmt.Sprintf("sofa: expected %s response, got %T", want, res)}
}

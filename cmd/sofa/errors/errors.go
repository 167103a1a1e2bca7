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

// Package errors maps errors to sysexits(3) style exit codes.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Exit status codes. Codes from 10 to 29 are HTTP 4xx statuses less 390.
//
// See https://man.openbsd.org/sysexits.3
const (
	// ErrUsage indicates an incorrect command, option, or an unparseable
	// configuration.
	ErrUsage = 2
	// ErrUnknown indicates that the server responded with a status above 500.
	ErrUnknown = 3
	// ErrInternalServerError indicates that the server responded with a 500.
	ErrInternalServerError = 4

	// ErrBadRequest indicates a 400 response, or a request rejected before
	// it was sent.
	ErrBadRequest = 10
	// ErrUnauthorized indicates a 401 response.
	ErrUnauthorized = 11
	// ErrForbidden indicates a 403 response.
	ErrForbidden = 13
	// ErrNotFound indicates a 404 response.
	ErrNotFound = 14
	// ErrConflict indicates a 409 response.
	ErrConflict = 19
	// ErrPreconditionFailed indicates a 412 response.
	ErrPreconditionFailed = 22

	// ErrData indicates malformed input, such as invalid JSON or YAML.
	ErrData = 65
	// ErrNoInput indicates that an input file does not exist or cannot be
	// read.
	ErrNoInput = 66
	// ErrUnavailable indicates that the server could not be reached.
	ErrUnavailable = 69
	// ErrIO indicates an I/O error while reading or writing.
	ErrIO = 74
	// ErrProtocol indicates an unparseable server response.
	ErrProtocol = 76
)

type statusErr struct {
	error
	code int
}

func (e *statusErr) Unwrap() error {
	return e.error
}

func (e *statusErr) ExitStatus() int {
	return e.code
}

// WithCode attaches an exit code to err.
func WithCode(err error, code int) error {
	return &statusErr{
		error: err,
		code:  code,
	}
}

// InspectErrorCode returns the exit code for err, or 0 if none applies.
func InspectErrorCode(err error) int {
	if err == nil {
		return 0
	}
	exitErr := new(statusErr)
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrUnavailable
	}
	jsonSyntax := new(json.SyntaxError)
	if errors.As(err, &jsonSyntax) {
		return ErrProtocol
	}
	var statusErr interface {
		HTTPStatus() int
	}
	if errors.As(err, &statusErr) {
		return fromHTTPStatus(statusErr.HTTPStatus())
	}
	return 0
}

func fromHTTPStatus(status int) int {
	switch {
	case status == http.StatusInternalServerError:
		return ErrInternalServerError
	case status == http.StatusBadGateway:
		return ErrUnavailable
	case status >= 400 && status < 500:
		return status - 390 // nolint:gomnd
	default:
		return ErrUnknown
	}
}

// Code returns a new error with an exit code. An error value is wrapped;
// anything else is passed to fmt.Sprint. A single nil value returns nil.
func Code(code int, err ...interface{}) error {
	if len(err) == 1 {
		if err[0] == nil {
			return nil
		}
		if e, ok := err[0].(error); ok {
			return WithCode(e, code)
		}
	}
	return WithCode(errors.New(fmt.Sprint(err...)), code)
}

// Codef wraps the output of fmt.Errorf with a code.
func Codef(code int, format string, args ...interface{}) error {
	return WithCode(fmt.Errorf(format, args...), code)
}

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

// Package errors holds the error type shared by the sofa packages.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error represents an error which is not reported by the server itself, such
// as a usage error, a transport failure, or an unparseable response.
type Error struct {
	// Status is the HTTP status code associated with this error. Usage errors
	// are reported as 400, network and protocol errors as 502.
	Status int

	// Message is the error message.
	Message string

	// Err is the originating error, if any.
	Err error
}

var _ interface {
	HTTPStatus() int
	Unwrap() error
} = &Error{}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.msg()
	}
	if e.Message == "" {
		return e.Err.Error()
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *Error) msg() string {
	switch {
	case e.Message != "":
		return e.Message
	case e.Status != 0:
		return http.StatusText(e.Status)
	}
	return "unknown error"
}

// HTTPStatus returns the HTTP status code associated with the error, or 500
// if none is set.
func (e *Error) HTTPStatus() int {
	if e.Status == 0 {
		return http.StatusInternalServerError
	}
	return e.Status
}

// Unwrap satisfies the errors wrapper interface.
func (e *Error) Unwrap() error {
	return e.Err
}

// Format implements [fmt.Formatter]. With the '+' flag, the status code is
// included.
func (e *Error) Format(f fmt.State, c rune) {
	if c == 'v' && f.Flag('+') {
		_, _ = fmt.Fprintf(f, "%d / %s", e.HTTPStatus(), e.Error())
		return
	}
	_, _ = fmt.Fprint(f, e.Error())
}

// Usage returns a usage error, for requests that fail before any I/O.
func Usage(message string) error {
	return &Error{Status: http.StatusBadRequest, Message: message}
}

// Usagef is like Usage, with a format string.
func Usagef(format string, args ...interface{}) error {
	return Usage(fmt.Sprintf(format, args...))
}

// HTTPStatus returns the HTTP status code embedded in err, if any. A nil
// error returns 0; an error with no embedded status returns 500.
func HTTPStatus(err error) int {
	if err == nil {
		return 0
	}
	var coder interface {
		HTTPStatus() int
	}
	if errors.As(err, &coder) {
		return coder.HTTPStatus()
	}
	return http.StatusInternalServerError
}

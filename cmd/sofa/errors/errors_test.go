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

package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"

	"gitlab.com/flimzy/testy"

	"github.com/go-kivik/sofa/chttp"
)

func TestInspectErrorCode(t *testing.T) {
	type tt struct {
		err  error
		want int
	}

	tests := testy.NewTable()
	tests.Add("nil", tt{})
	tests.Add("standard", tt{
		err:  errors.New("foo"),
		want: 0,
	})
	tests.Add("with code", tt{
		err:  WithCode(errors.New("foo"), 123),
		want: 123,
	})
	tests.Add("wrapped", tt{
		err:  fmt.Errorf("%w", WithCode(errors.New("foo"), 123)),
		want: 123,
	})
	tests.Add("network", tt{
		err:  &net.OpError{Op: "dial", Err: errors.New("connection refused")},
		want: ErrUnavailable,
	})
	tests.Add("json syntax", tt{
		err:  &json.SyntaxError{},
		want: ErrProtocol,
	})
	tests.Add("not found", tt{
		err:  chttp.NewHTTPError(&http.Response{StatusCode: http.StatusNotFound}, "not_found", "missing"),
		want: ErrNotFound,
	})
	tests.Add("conflict", tt{
		err:  httpErr(http.StatusConflict),
		want: ErrConflict,
	})
	tests.Add("internal server error", tt{
		err:  httpErr(http.StatusInternalServerError),
		want: ErrInternalServerError,
	})
	tests.Add("bad gateway", tt{
		err:  httpErr(http.StatusBadGateway),
		want: ErrUnavailable,
	})
	tests.Add("501", tt{
		err:  httpErr(http.StatusNotImplemented),
		want: ErrUnknown,
	})

	tests.Run(t, func(t *testing.T, tt tt) {
		got := InspectErrorCode(tt.err)
		if got != tt.want {
			t.Errorf("want %d, got %d", tt.want, got)
		}
	})
}

func TestCode(t *testing.T) {
	if err := Code(ErrUsage, nil); err != nil {
		t.Errorf("Expected nil, got %v", err)
	}
	err := Code(ErrUsage, "bad ", "thing")
	if !testy.ErrorMatches("bad thing", err) {
		t.Errorf("Unexpected error: %s", err)
	}
	if code := InspectErrorCode(err); code != ErrUsage {
		t.Errorf("Unexpected code: %d", code)
	}
	base := errors.New("base")
	if err := Code(ErrIO, base); !errors.Is(err, base) {
		t.Errorf("Wrapped error lost: %v", err)
	}
	if err := Codef(ErrData, "line %d", 3); err.Error() != "line 3" || InspectErrorCode(err) != ErrData {
		t.Errorf("Unexpected error: %v", err)
	}
}

type httpErr int

func (e httpErr) Error() string {
	return http.StatusText(int(e))
}

func (e httpErr) HTTPStatus() int {
	return int(e)
}

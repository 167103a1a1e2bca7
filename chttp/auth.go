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
	"fmt"
	"net/http"
	"strings"
)

// BasicAuth is an http.RoundTripper which adds HTTP Basic Auth credentials to
// every request before handing it to the wrapped transport.
type BasicAuth struct {
	Username string
	Password string

	next http.RoundTripper
}

// withBasicAuth installs credentials on c's transport. Credentials already
// carried by the request are left alone.
func withBasicAuth(c *http.Client, username, password string) *BasicAuth {
	next := c.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	ba := &BasicAuth{Username: username, Password: password, next: next}
	c.Transport = ba
	return ba
}

// String masks the password.
func (a *BasicAuth) String() string {
	return fmt.Sprintf("[BasicAuth{user:%s,pass:%s}]", a.Username, strings.Repeat("*", len(a.Password)))
}

func (a *BasicAuth) RoundTrip(req *http.Request) (*http.Response, error) {
	if _, _, ok := req.BasicAuth(); !ok {
		req = req.Clone(req.Context())
		req.SetBasicAuth(a.Username, a.Password)
	}
	return a.next.RoundTrip(req)
}

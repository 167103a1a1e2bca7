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
	"context"
	"errors"
	"net"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/go-kivik/sofa/log"
)

// RetryPolicy controls how connection-level failures are retried.
type RetryPolicy struct {
	// Retries is the number of retries after the first attempt. Zero
	// disables retries.
	Retries int

	// Delay is the fixed delay between attempts.
	Delay time.Duration

	// RetryBody permits retrying requests which carry a body. Only bodies
	// which can be replayed (JSON, or with GetBody set) are ever retried.
	RetryBody bool
}

func (p RetryPolicy) allows(opts *Options) bool {
	if p.Retries <= 0 {
		return false
	}
	if !opts.hasBody() {
		return true
	}
	return p.RetryBody && opts.GetBody != nil
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	return backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Delay), uint64(p.Retries)),
		ctx,
	)
}

func (p RetryPolicy) do(ctx context.Context, lg log.Logger, method string, opts *Options, fn func() error) error {
	if !p.allows(opts) {
		return fn()
	}
	return backoff.RetryNotify(func() error {
		err := fn()
		if err != nil && !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, p.backOff(ctx), func(err error, next time.Duration) {
		lg.Infof("chttp: transient problem on %s: %s; retrying in %s", method, err, next)
	})
}

// IsTransient reports whether err is a connection-level failure which may
// succeed if the request is repeated: a reset, refused or aborted connection,
// or a network timeout.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	for _, errno := range []error{syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.ECONNABORTED} {
		if errors.Is(err, errno) {
			return true
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

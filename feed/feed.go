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

// Package feed consumes a CouchDB continuous change feed.
//
// A Feed reads newline-delimited change objects from
// /{db}/_changes?feed=continuous and hands each one, in stream order, to its
// subscribers. With AutoFollow enabled, a broken or finished stream is
// reopened after a fixed delay, resuming from the last delivered sequence.
// Delivery is at-least-once: a change may be seen again after a reconnect.
package feed

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/juju/clock"

	"github.com/go-kivik/sofa/chttp"
	internal "github.com/go-kivik/sofa/internal/errors"
	"github.com/go-kivik/sofa/log"
)

// Defaults applied by New.
const (
	DefaultHeartbeat      = 30 * time.Second
	DefaultReconnectDelay = time.Second
)

// State is the state of a Feed.
type State int32

// The feed states.
const (
	Idle State = iota
	Connecting
	Streaming
	Reconnecting
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	case Reconnecting:
		return "reconnecting"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

// Options configures a Feed.
type Options struct {
	// Since is the sequence to start from. Empty means from the beginning;
	// "now" means only future changes.
	Since Seq

	// Heartbeat is the server heartbeat interval. Zero selects
	// DefaultHeartbeat; a negative value disables heartbeats.
	Heartbeat time.Duration

	// Timeout, if set, asks the server to close the feed after this long
	// without changes.
	Timeout time.Duration

	IncludeDocs bool
	Filter      string
	Style       string

	// Params holds any additional query parameters.
	Params url.Values

	// AutoFollow reopens the stream after it ends or fails.
	AutoFollow bool

	// ReconnectDelay is the fixed wait before reconnecting. Zero selects
	// DefaultReconnectDelay.
	ReconnectDelay time.Duration

	Clock  clock.Clock
	Logger log.Logger
}

// Feed is a restartable consumer of a continuous change feed.
type Feed struct {
	client *chttp.Client
	db     string
	opts   Options
	clock  clock.Clock
	log    log.Logger

	mu      sync.Mutex
	state   State
	lastSeq Seq
	err     error
	subs    map[int]func(*Change)
	nextSub int
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New returns a new, idle feed for db.
func New(client *chttp.Client, db string, opts Options) *Feed {
	if opts.Heartbeat == 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	f := &Feed{
		client:  client,
		db:      db,
		opts:    opts,
		clock:   opts.Clock,
		log:     opts.Logger,
		lastSeq: opts.Since,
		subs:    make(map[int]func(*Change)),
		done:    make(chan struct{}),
	}
	if f.clock == nil {
		f.clock = clock.WallClock
	}
	if f.log == nil {
		f.log = log.NewNil()
	}
	return f
}

// Subscribe registers fn to be called with every change, in stream order,
// from the consumer goroutine. The returned function unsubscribes.
func (f *Feed) Subscribe(fn func(*Change)) (unsubscribe func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSub
	f.nextSub++
	f.subs[id] = fn
	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}
}

// Follow starts consuming the feed on a new goroutine. The feed runs until
// ctx is cancelled, Stop is called, or, without AutoFollow, the stream ends.
func (f *Feed) Follow(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case f.state == Stopped:
		return internal.Usage("feed: stopped")
	case f.running:
		return internal.Usage("feed: already following")
	}
	ctx, cancel := context.WithCancel(ctx)
	f.running = true
	f.cancel = cancel
	f.err = nil
	select {
	case <-f.done:
		f.done = make(chan struct{})
	default:
	}
	go f.run(ctx)
	return nil
}

// Stop stops the feed permanently, closing any open stream and cancelling a
// pending reconnect. Wait on Done to know the consumer has exited.
func (f *Feed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == Stopped {
		return
	}
	f.setStateLocked(Stopped)
	if f.cancel != nil {
		f.cancel()
	}
	if !f.running {
		select {
		case <-f.done:
		default:
			close(f.done)
		}
	}
}

// Done returns a channel which is closed when the consumer goroutine exits.
func (f *Feed) Done() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}

// Err returns the error which ended the last run, if any.
func (f *Feed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// State returns the current state.
func (f *Feed) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// LastSeq returns the sequence of the last delivered change, or the last
// last_seq reported by the server. A reconnect resumes from here.
func (f *Feed) LastSeq() Seq {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastSeq
}

func (f *Feed) setState(s State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == Stopped {
		return
	}
	f.setStateLocked(s)
}

func (f *Feed) setStateLocked(s State) {
	if f.state != s {
		f.log.Debugf("feed %s: %s -> %s", f.db, f.state, s)
	}
	f.state = s
}

func (f *Feed) run(ctx context.Context) {
	delay := backoff.WithContext(backoff.NewConstantBackOff(f.opts.ReconnectDelay), ctx)
	err := backoff.RetryNotifyWithTimer(func() error {
		err := f.stream(ctx)
		switch {
		case ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())
		case !f.opts.AutoFollow:
			return backoff.Permanent(err)
		case isClientError(err):
			return backoff.Permanent(err)
		case err == nil:
			return io.EOF
		}
		return err
	}, delay, func(err error, next time.Duration) {
		f.setState(Reconnecting)
		f.log.Infof("feed %s: stream ended (%s); reconnecting from %q in %s", f.db, err, f.LastSeq(), next)
	}, &clockTimer{clock: f.clock})

	f.mu.Lock()
	defer f.mu.Unlock()
	// done is closed under mu, so Stop and Follow never see a finished run
	// with an open channel.
	f.running = false
	defer close(f.done)
	if ctx.Err() != nil {
		f.setStateLocked(Stopped)
		return
	}
	if f.state != Stopped {
		f.setStateLocked(Idle)
	}
	f.err = err
	if err != nil {
		f.log.Errorf("feed %s: %s", f.db, err)
	}
}

func isClientError(err error) bool {
	status := internal.HTTPStatus(err)
	return status >= http.StatusBadRequest && status < http.StatusInternalServerError
}

func (f *Feed) query() url.Values {
	q := url.Values{}
	for k, v := range f.opts.Params {
		q[k] = append([]string(nil), v...)
	}
	q.Set("feed", "continuous")
	if f.opts.Heartbeat > 0 {
		q.Set("heartbeat", strconv.FormatInt(f.opts.Heartbeat.Milliseconds(), 10))
	}
	if f.opts.Timeout > 0 {
		q.Set("timeout", strconv.FormatInt(f.opts.Timeout.Milliseconds(), 10))
	}
	if since := f.LastSeq(); since != "" {
		q.Set("since", string(since))
	}
	if f.opts.IncludeDocs {
		q.Set("include_docs", "true")
	}
	if f.opts.Filter != "" {
		q.Set("filter", f.opts.Filter)
	}
	if f.opts.Style != "" {
		q.Set("style", f.opts.Style)
	}
	return q
}

func (f *Feed) stream(ctx context.Context) error {
	f.setState(Connecting)
	resp, err := f.client.DoReq(ctx, http.MethodGet, chttp.EncodePath(f.db)+"/_changes", &chttp.Options{
		Query: f.query(),
	})
	if err != nil {
		return err
	}
	if err := chttp.ResponseError(resp); err != nil {
		return err
	}
	defer chttp.CloseBody(resp.Body)
	f.setState(Streaming)
	return f.consume(resp.Body)
}

// consume reads complete lines from r until it fails or ends. A trailing
// partial line is discarded.
func (f *Feed) consume(r io.Reader) error {
	br := bufio.NewReader(r)
	for {
		raw, err := br.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 {
			continue
		}
		if err := f.handleLine(raw); err != nil {
			return err
		}
	}
}

func (f *Feed) handleLine(raw []byte) error {
	var ln line
	if err := json.Unmarshal(raw, &ln); err != nil {
		return &internal.Error{Status: http.StatusBadGateway, Message: "feed: invalid change", Err: err}
	}
	switch {
	case ln.Error != "":
		return &internal.Error{Status: http.StatusBadGateway, Message: fmt.Sprintf("feed: server error: %s: %s", ln.Error, ln.Reason)}
	case ln.LastSeq != nil && ln.ID == "":
		f.mu.Lock()
		f.lastSeq = *ln.LastSeq
		f.mu.Unlock()
		return nil
	}
	change := ln.Change
	change.Raw = append(json.RawMessage(nil), raw...)
	f.emit(&change)
	return nil
}

func (f *Feed) emit(change *Change) {
	f.mu.Lock()
	subs := make([]func(*Change), 0, len(f.subs))
	ids := make([]int, 0, len(f.subs))
	for id := range f.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		subs = append(subs, f.subs[id])
	}
	f.mu.Unlock()
	for _, fn := range subs {
		fn(change)
	}
	if change.Seq != "" {
		f.mu.Lock()
		f.lastSeq = change.Seq
		f.mu.Unlock()
	}
}

// clockTimer adapts a clock.Clock to backoff.Timer.
type clockTimer struct {
	clock clock.Clock
	timer clock.Timer
}

var _ backoff.Timer = &clockTimer{}

func (t *clockTimer) Start(d time.Duration) {
	if t.timer == nil {
		t.timer = t.clock.NewTimer(d)
		return
	}
	t.timer.Reset(d)
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time {
	return t.timer.Chan()
}

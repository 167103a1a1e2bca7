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

package couchtest

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"gitlab.com/flimzy/httpe"
)

type changeRev struct {
	Rev string `json:"rev"`
}

type changeRow struct {
	Seq     int                    `json:"seq"`
	ID      string                 `json:"id"`
	Changes []changeRev            `json:"changes"`
	Deleted bool                   `json:"deleted,omitempty"`
	Doc     map[string]interface{} `json:"doc,omitempty"`
}

// changesSince returns the latest change of every document updated after
// since, in sequence order, and a channel closed on the next change. The
// caller holds s.mu.
func changesSince(db *database, since int, includeDocs bool) ([]changeRow, <-chan struct{}) {
	var rows []changeRow
	for _, rec := range db.docs {
		if rec.seq <= since || rec.localOnly {
			continue
		}
		row := changeRow{
			Seq:     rec.seq,
			ID:      rec.id,
			Changes: []changeRev{{Rev: rec.rev}},
			Deleted: rec.deleted,
		}
		if includeDocs {
			row.Doc = rec.doc()
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Seq < rows[j].Seq })
	return rows, db.notify
}

func parseSince(db *database, since string) (int, error) {
	switch since {
	case "", "0":
		return 0, nil
	case "now":
		return db.seq, nil
	}
	n, err := strconv.Atoi(since)
	if err != nil {
		return 0, badRequest("invalid since: " + since)
	}
	return n, nil
}

func durationParam(r *http.Request, name string) (time.Duration, error) {
	v := r.URL.Query().Get(name)
	if v == "" || v == "true" {
		return 0, nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms < 0 {
		return 0, badRequest(name + " must be a non-negative integer")
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func (s *Server) changes() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		query := r.URL.Query()
		includeDocs := query.Get("include_docs") == "true"
		s.mu.Lock()
		db, err := s.lookup(r)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		since, err := parseSince(db, query.Get("since"))
		if err != nil {
			s.mu.Unlock()
			return err
		}
		rows, notify := changesSince(db, since, includeDocs)
		lastSeq := db.seq
		s.mu.Unlock()

		if query.Get("feed") != "continuous" {
			if rows == nil {
				rows = []changeRow{}
			}
			return serveJSON(w, http.StatusOK, map[string]interface{}{
				"results":  rows,
				"last_seq": lastSeq,
				"pending":  0,
			})
		}
		return s.continuous(w, r, db, since, includeDocs, rows, notify)
	})
}

// continuous streams changes one per line until the client goes away, the
// database is deleted, or timeout elapses without a change.
func (s *Server) continuous(w http.ResponseWriter, r *http.Request, db *database, since int, includeDocs bool, rows []changeRow, notify <-chan struct{}) error {
	heartbeat, err := durationParam(r, "heartbeat")
	if err != nil {
		return err
	}
	timeout, err := durationParam(r, "timeout")
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}

	var beat <-chan time.Time
	if heartbeat > 0 {
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		beat = ticker.C
	}
	for {
		for _, row := range rows {
			if err := enc.Encode(row); err != nil {
				return nil
			}
			since = row.Seq
		}
		flush()

		var expire <-chan time.Time
		var timer *time.Timer
		if timeout > 0 {
			timer = time.NewTimer(timeout)
			expire = timer.C
		}
	wait:
		for {
			select {
			case <-r.Context().Done():
				return nil
			case <-beat:
				if _, err := w.Write([]byte("\n")); err != nil {
					return nil
				}
				flush()
			case <-expire:
				_ = enc.Encode(map[string]int{"last_seq": since})
				flush()
				return nil
			case <-notify:
				break wait
			}
		}
		if timer != nil {
			timer.Stop()
		}

		s.mu.Lock()
		current, ok := s.dbs[db.name]
		if !ok || current != db {
			s.mu.Unlock()
			return nil
		}
		rows, notify = changesSince(db, since, includeDocs)
		s.mu.Unlock()
	}
}

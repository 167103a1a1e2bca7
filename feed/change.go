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

package feed

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Seq is an update sequence. CouchDB 1.x uses integers, later versions
// opaque strings; both are held as text.
type Seq string

// UnmarshalJSON accepts a JSON string, a number, or null.
func (s *Seq) UnmarshalJSON(p []byte) error {
	p = bytes.TrimSpace(p)
	switch {
	case len(p) == 0, bytes.Equal(p, []byte("null")):
		*s = ""
	case p[0] == '"':
		var str string
		if err := json.Unmarshal(p, &str); err != nil {
			return err
		}
		*s = Seq(str)
	default:
		var n json.Number
		if err := json.Unmarshal(p, &n); err != nil {
			return err
		}
		*s = Seq(n)
	}
	return nil
}

// MarshalJSON renders integer sequences as numbers and everything else as
// strings.
func (s Seq) MarshalJSON() ([]byte, error) {
	if _, err := strconv.ParseInt(string(s), 10, 64); err == nil {
		return []byte(s), nil
	}
	return json.Marshal(string(s))
}

func (s Seq) String() string { return string(s) }

// Rev is one entry of a change's revision list.
type Rev struct {
	Rev string `json:"rev"`
}

// Change is a single change event.
type Change struct {
	Seq     Seq                    `json:"seq"`
	ID      string                 `json:"id"`
	Changes []Rev                  `json:"changes"`
	Doc     map[string]interface{} `json:"doc,omitempty"`
	Deleted bool                   `json:"deleted,omitempty"`

	// Raw is the line the change was parsed from.
	Raw json.RawMessage `json:"-"`
}

// Revs returns the revisions listed in the change.
func (c *Change) Revs() []string {
	revs := make([]string, len(c.Changes))
	for i, r := range c.Changes {
		revs[i] = r.Rev
	}
	return revs
}

// ParseChange parses one change object.
func ParseChange(line []byte) (*Change, error) {
	change := &Change{}
	if err := json.Unmarshal(line, change); err != nil {
		return nil, err
	}
	change.Raw = append(json.RawMessage(nil), line...)
	return change, nil
}

// line is any object found on a continuous feed: a change, the closing
// last_seq object, or an error.
type line struct {
	Change
	LastSeq *Seq   `json:"last_seq"`
	Error   string `json:"error"`
	Reason  string `json:"reason"`
}

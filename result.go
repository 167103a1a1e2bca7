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
	"bytes"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/icza/dyno"

	"github.com/go-kivik/sofa/cache"
	"github.com/go-kivik/sofa/chttp"
	"github.com/go-kivik/sofa/feed"
)

// Meta is the HTTP metadata of a response: the status code and all response
// headers. It is nil for results that did not come from the server, such as
// cache hits.
type Meta struct {
	Status int
	Header http.Header
}

func newMeta(resp *http.Response) *Meta {
	if resp == nil {
		return nil
	}
	return &Meta{
		Status: resp.StatusCode,
		Header: resp.Header,
	}
}

// Rev returns the revision carried in the ETag header, if any.
func (m *Meta) Rev() string {
	if m == nil {
		return ""
	}
	rev, _ := chttp.ETag(&http.Response{Header: m.Header})
	return rev
}

// Result is a normalized server response. It is one of *DocResult, *Rows or
// *RawResult.
type Result interface {
	// Raw returns the untouched response payload.
	Raw() json.RawMessage
	// Meta returns the response status and headers, or nil.
	Meta() *Meta
	// MarshalJSON serializes the normalized fields.
	MarshalJSON() ([]byte, error)
	String() string

	result()
}

var (
	_ Result = &DocResult{}
	_ Result = &Rows{}
	_ Result = &RawResult{}
)

// Normalize converts a JSON payload and its HTTP metadata into a Result.
//
//   - An object with an _id field is a document.
//   - An object with rows is a view result, of kind KindRows.
//   - An object with results is a change batch, of kind KindResults.
//   - An object with uuids is a list of ids, of kind KindUUIDs.
//   - An array is returned as rows of kind KindArray.
//   - Anything else is a document.
//
// An empty payload, as returned for HEAD requests, is an empty document.
func Normalize(body []byte, meta *Meta) (Result, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return &DocResult{fields: Document{}, meta: meta}, nil
	}
	raw := json.RawMessage(append([]byte(nil), trimmed...))
	switch trimmed[0] {
	case '[':
		var elems []json.RawMessage
		if err := json.Unmarshal(raw, &elems); err != nil {
			return nil, protocolError(err)
		}
		return newRows(KindArray, elems, nil, raw, meta)
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, protocolError(err)
		}
		if _, isDoc := obj["_id"]; !isDoc {
			for _, list := range []struct {
				field string
				kind  Kind
			}{
				{"rows", KindRows},
				{"results", KindResults},
				{"uuids", KindUUIDs},
			} {
				if !isArray(obj[list.field]) {
					continue
				}
				var elems []json.RawMessage
				if err := json.Unmarshal(obj[list.field], &elems); err != nil {
					return nil, protocolError(err)
				}
				delete(obj, list.field)
				return newRows(list.kind, elems, obj, raw, meta)
			}
		}
		var fields Document
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, protocolError(err)
		}
		return &DocResult{fields: fields, raw: raw, meta: meta}, nil
	}
	var scalar interface{}
	if err := json.Unmarshal(raw, &scalar); err != nil {
		return nil, protocolError(err)
	}
	return &DocResult{fields: Document{}, raw: raw, meta: meta}, nil
}

func isArray(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '['
}

// DocResult is a document-shaped result: a fetched document, or a status
// object such as {"ok":true,"id":"…","rev":"…"}.
type DocResult struct {
	fields Document
	raw    json.RawMessage
	meta   *Meta
}

func newDocResult(doc Document, meta *Meta) *DocResult {
	raw, _ := json.Marshal(doc)
	return &DocResult{fields: doc, raw: raw, meta: meta}
}

func (*DocResult) result() {}

// Raw returns the untouched payload.
func (r *DocResult) Raw() json.RawMessage { return r.raw }

// Meta returns the HTTP metadata, or nil for cached results.
func (r *DocResult) Meta() *Meta { return r.meta }

// Fields returns a copy of the document's fields.
func (r *DocResult) Fields() Document {
	return cache.Copy(r.fields)
}

// Get returns the named top-level field.
func (r *DocResult) Get(field string) (interface{}, bool) {
	v, ok := r.fields[field]
	return v, ok
}

// Lookup returns the value found at path, which may mix object keys and
// array indexes.
func (r *DocResult) Lookup(path ...interface{}) (interface{}, error) {
	return dyno.Get(map[string]interface{}(r.fields), path...)
}

// ID returns the document ID, from either the _id or the id field.
func (r *DocResult) ID() string {
	return aliased(r.fields, "_id", "id")
}

// Rev returns the revision, from either the _rev or the rev field.
func (r *DocResult) Rev() string {
	return aliased(r.fields, "_rev", "rev")
}

// OK reports whether the payload contained "ok":true.
func (r *DocResult) OK() bool {
	ok, _ := r.fields["ok"].(bool)
	return ok
}

// Decode unmarshals the payload into i.
func (r *DocResult) Decode(i interface{}) error {
	raw := r.raw
	if len(raw) == 0 {
		raw, _ = json.Marshal(r.fields)
	}
	return json.Unmarshal(raw, i)
}

// MarshalJSON serializes the document fields.
func (r *DocResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.fields)
}

func (r *DocResult) String() string {
	out, _ := r.MarshalJSON()
	return string(out)
}

func (r *DocResult) clone() *DocResult {
	return &DocResult{fields: cache.Copy(r.fields), raw: r.raw, meta: r.meta}
}

func aliased(fields Document, names ...string) string {
	for _, name := range names {
		if v, ok := fields[name].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// Kind identifies the origin of a Rows result.
type Kind int

// The possible Rows kinds.
const (
	KindRows Kind = iota
	KindResults
	KindUUIDs
	KindArray
)

func (k Kind) String() string {
	switch k {
	case KindRows:
		return "rows"
	case KindResults:
		return "results"
	case KindUUIDs:
		return "uuids"
	case KindArray:
		return "array"
	}
	return "unknown"
}

// Row is a single element of a Rows result. For view and _all_docs results
// the fields come straight from the row; for change batches Key holds the
// sequence; for other kinds only Value is set.
type Row struct {
	ID    string          `json:"id,omitempty"`
	Key   json.RawMessage `json:"key,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
	Doc   json.RawMessage `json:"doc,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Rows is a list-shaped result.
type Rows struct {
	kind   Kind
	elems  []json.RawMessage
	rows   []Row
	fields map[string]json.RawMessage
	raw    json.RawMessage
	meta   *Meta
}

func newRows(kind Kind, elems []json.RawMessage, fields map[string]json.RawMessage, raw json.RawMessage, meta *Meta) (*Rows, error) {
	r := &Rows{
		kind:   kind,
		elems:  elems,
		rows:   make([]Row, len(elems)),
		fields: fields,
		raw:    raw,
		meta:   meta,
	}
	for i, elem := range elems {
		switch kind {
		case KindRows:
			if err := json.Unmarshal(elem, &r.rows[i]); err != nil {
				return nil, protocolError(err)
			}
		case KindResults:
			var change struct {
				ID  string          `json:"id"`
				Seq json.RawMessage `json:"seq"`
			}
			if err := json.Unmarshal(elem, &change); err != nil {
				return nil, protocolError(err)
			}
			r.rows[i] = Row{ID: change.ID, Key: change.Seq, Value: elem}
		default:
			r.rows[i] = Row{Value: elem}
		}
	}
	return r, nil
}

func (*Rows) result() {}

// Raw returns the untouched payload.
func (r *Rows) Raw() json.RawMessage { return r.raw }

// Meta returns the HTTP metadata, or nil.
func (r *Rows) Meta() *Meta { return r.meta }

// Kind returns the kind of list.
func (r *Rows) Kind() Kind { return r.kind }

// Len returns the number of elements.
func (r *Rows) Len() int { return len(r.rows) }

// Rows returns a copy of the rows.
func (r *Rows) Rows() []Row {
	return append([]Row(nil), r.rows...)
}

// TotalRows returns the total_rows field of a view result.
func (r *Rows) TotalRows() int64 { return r.int("total_rows") }

// Offset returns the offset field of a view result.
func (r *Rows) Offset() int64 { return r.int("offset") }

// Pending returns the pending field of a change batch.
func (r *Rows) Pending() int64 { return r.int("pending") }

// UpdateSeq returns the update_seq field, if requested.
func (r *Rows) UpdateSeq() feed.Seq { return r.seq("update_seq") }

// LastSeq returns the last_seq field of a change batch.
func (r *Rows) LastSeq() feed.Seq { return r.seq("last_seq") }

func (r *Rows) int(field string) int64 {
	var n json.Number
	if err := json.Unmarshal(r.fields[field], &n); err != nil {
		return 0
	}
	i, _ := n.Int64()
	return i
}

func (r *Rows) seq(field string) feed.Seq {
	var seq feed.Seq
	_ = json.Unmarshal(r.fields[field], &seq)
	return seq
}

// ForEach calls fn for each row with its key, its value, and its id. The
// value is the included document when one is present, and the row value
// otherwise. Iteration stops at the first error, which is returned.
func (r *Rows) ForEach(fn func(key, value json.RawMessage, id string) error) error {
	for _, row := range r.rows {
		value := row.Value
		if isDocument(row.Doc) {
			value = row.Doc
		}
		if err := fn(row.Key, value, row.ID); err != nil {
			return err
		}
	}
	return nil
}

func isDocument(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// Map calls fn for each row, as ForEach does, and collects the results.
func (r *Rows) Map(fn func(key, value json.RawMessage, id string) (interface{}, error)) ([]interface{}, error) {
	out := make([]interface{}, 0, len(r.rows))
	err := r.ForEach(func(key, value json.RawMessage, id string) error {
		v, err := fn(key, value, id)
		if err != nil {
			return err
		}
		out = append(out, v)
		return nil
	})
	return out, err
}

// Values returns the projected value of every row.
func (r *Rows) Values() []json.RawMessage {
	out := make([]json.RawMessage, 0, len(r.rows))
	_ = r.ForEach(func(_, value json.RawMessage, _ string) error {
		out = append(out, value)
		return nil
	})
	return out
}

// Documents decodes the projected value of every row as a document. Rows
// without a document, such as missing keys in a multi-get, yield nil.
func (r *Rows) Documents() ([]Document, error) {
	out := make([]Document, 0, len(r.rows))
	err := r.ForEach(func(_, value json.RawMessage, _ string) error {
		var doc Document
		if err := json.Unmarshal(value, &doc); err != nil {
			if strings.HasPrefix(strings.TrimSpace(string(value)), "{") {
				return protocolError(err)
			}
			doc = nil
		}
		out = append(out, doc)
		return nil
	})
	return out, err
}

// Strings decodes every value as a string, as for uuids or _all_dbs.
func (r *Rows) Strings() ([]string, error) {
	out := make([]string, len(r.rows))
	for i, row := range r.rows {
		if err := json.Unmarshal(row.Value, &out[i]); err != nil {
			return nil, protocolError(err)
		}
	}
	return out, nil
}

// Changes decodes the elements of a change batch.
func (r *Rows) Changes() ([]*feed.Change, error) {
	out := make([]*feed.Change, len(r.rows))
	for i, row := range r.rows {
		change, err := feed.ParseChange(row.Value)
		if err != nil {
			return nil, protocolError(err)
		}
		out[i] = change
	}
	return out, nil
}

// MarshalJSON serializes the list elements as a JSON array.
func (r *Rows) MarshalJSON() ([]byte, error) {
	if r.elems == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(r.elems)
}

func (r *Rows) String() string {
	out, _ := r.MarshalJSON()
	return string(out)
}

// RawResult is an unnormalized response, returned in raw mode and for
// non-JSON responses of list and update functions.
type RawResult struct {
	body []byte
	meta *Meta
}

func (*RawResult) result() {}

// Raw returns the response body.
func (r *RawResult) Raw() json.RawMessage { return r.body }

// Bytes returns the response body.
func (r *RawResult) Bytes() []byte { return r.body }

// Meta returns the HTTP metadata.
func (r *RawResult) Meta() *Meta { return r.meta }

// ContentType returns the response Content-Type.
func (r *RawResult) ContentType() string {
	if r.meta == nil {
		return ""
	}
	return r.meta.Header.Get("Content-Type")
}

// MarshalJSON returns the body if it is valid JSON, or the body as a JSON
// string otherwise.
func (r *RawResult) MarshalJSON() ([]byte, error) {
	if json.Valid(r.body) {
		return r.body, nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(string(r.body)); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func (r *RawResult) String() string {
	return string(r.body)
}

func asDoc(res Result) (*DocResult, error) {
	if doc, ok := res.(*DocResult); ok {
		return doc, nil
	}
	return nil, unexpected("document", res)
}

func asRows(res Result) (*Rows, error) {
	if rows, ok := res.(*Rows); ok {
		return rows, nil
	}
	return nil, unexpected("list", res)
}

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
	"context"
	"io"
	"net/http"

	"github.com/go-kivik/sofa/cache"
	"github.com/go-kivik/sofa/chttp"
)

// Attachment is a document attachment. When saving, its body is streamed
// to the server. When fetched, it streams the response body and must be
// closed.
type Attachment struct {
	io.ReadCloser
	Filename    string
	ContentType string

	// ContentLength is the body size, or -1 if unknown. When saving, zero
	// also means unknown.
	ContentLength int64

	// Meta is set on fetched attachments.
	Meta *Meta
}

var _ io.ReadCloser = Attachment{}

// Read reads from the attachment body.
func (a Attachment) Read(p []byte) (int, error) {
	if a.ReadCloser == nil {
		return 0, io.EOF
	}
	return a.ReadCloser.Read(p)
}

// Close calls the underlying close method.
func (a Attachment) Close() error {
	if a.ReadCloser == nil {
		return nil
	}
	return a.ReadCloser.Close()
}

// Bytes reads the whole body and closes it.
func (a *Attachment) Bytes() ([]byte, error) {
	defer a.Close() // nolint:errcheck
	buf := &bytes.Buffer{}
	if _, err := io.Copy(buf, a); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// NewAttachment returns an attachment to be saved.
func NewAttachment(filename, contentType string, body io.Reader) *Attachment {
	rc, ok := body.(io.ReadCloser)
	if !ok && body != nil {
		rc = io.NopCloser(body)
	}
	return &Attachment{
		ReadCloser:  rc,
		Filename:    filename,
		ContentType: contentType,
	}
}

func (a *Attachment) validate() error {
	switch {
	case a == nil:
		return missingArg("attachment")
	case a.Filename == "":
		return missingArg("filename")
	case a.ReadCloser == nil:
		return missingArg("attachment body")
	}
	return nil
}

func (db *DB) attachmentPath(id, filename string) string {
	return db.docPath(id) + "/" + chttp.EncodePath(filename)
}

// SaveAttachment uploads att to document id. When rev is empty the cached
// revision is used, if any; without a revision CouchDB creates the
// document. If the server answers 201 Created, the cached document gains
// the new revision and a stub for the attachment.
func (db *DB) SaveAttachment(ctx context.Context, id, rev string, att *Attachment) (*DocResult, error) {
	if id == "" {
		return nil, missingArg("id")
	}
	if err := att.validate(); err != nil {
		return nil, err
	}
	if rev == "" {
		rev, _ = db.cache.Rev(id)
	}
	opts := &chttp.Options{
		Body:        att.ReadCloser,
		ContentType: att.ContentType,
	}
	if att.ContentLength > 0 {
		opts.ContentLength = att.ContentLength
	}
	if rev != "" {
		opts.Query = map[string][]string{"rev": {rev}}
	}
	res, err := db.conn.doDoc(ctx, http.MethodPut, db.attachmentPath(id, att.Filename), opts)
	if err != nil {
		return nil, err
	}
	if res.Meta().Status == http.StatusCreated {
		contentType := att.ContentType
		if contentType == "" {
			contentType = typeJSON
		}
		db.cache.Update(id, func(doc cache.Document) {
			doc["_rev"] = res.Rev()
			stubs, _ := doc["_attachments"].(map[string]interface{})
			if stubs == nil {
				stubs = map[string]interface{}{}
				doc["_attachments"] = stubs
			}
			stubs[att.Filename] = map[string]interface{}{
				"content_type": contentType,
				"stub":         true,
			}
		})
	}
	return res, nil
}

// GetAttachment fetches an attachment. The caller must close it.
func (db *DB) GetAttachment(ctx context.Context, id, filename string) (*Attachment, error) {
	switch {
	case id == "":
		return nil, missingArg("id")
	case filename == "":
		return nil, missingArg("filename")
	}
	resp, done, err := db.conn.response(ctx, http.MethodGet, db.attachmentPath(id, filename), &chttp.Options{Accept: "*/*"})
	if err != nil {
		return nil, err
	}
	return &Attachment{
		ReadCloser:    &doneCloser{ReadCloser: resp.Body, done: done},
		Filename:      filename,
		ContentType:   resp.Header.Get("Content-Type"),
		ContentLength: resp.ContentLength,
		Meta:          newMeta(resp),
	}, nil
}

// doneCloser releases the request once the body is closed.
type doneCloser struct {
	io.ReadCloser
	done func()
}

func (c *doneCloser) Close() error {
	err := c.ReadCloser.Close()
	c.done()
	return err
}

// RemoveAttachment deletes an attachment. The revision is resolved as for
// Remove. On success the cached document loses the stub and gains the new
// revision.
func (db *DB) RemoveAttachment(ctx context.Context, id, rev, filename string) (*DocResult, error) {
	switch {
	case id == "":
		return nil, missingArg("id")
	case filename == "":
		return nil, missingArg("filename")
	}
	rev, err := db.resolveRev(ctx, id, rev)
	if err != nil {
		return nil, err
	}
	res, err := db.conn.doDoc(ctx, http.MethodDelete, db.attachmentPath(id, filename), &chttp.Options{
		Query: map[string][]string{"rev": {rev}},
	})
	if err != nil {
		return nil, err
	}
	db.cache.Update(id, func(doc cache.Document) {
		if newRev := res.Rev(); newRev != "" {
			doc["_rev"] = newRev
		}
		stubs, _ := doc["_attachments"].(map[string]interface{})
		delete(stubs, filename)
		if len(stubs) == 0 {
			delete(doc, "_attachments")
		}
	})
	return res, nil
}

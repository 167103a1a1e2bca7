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
	"net/url"
	"strings"
)

// Document IDs with these prefixes keep their slash unescaped, because CouchDB
// routes them as two path segments.
var reservedPrefixes = []string{"_design/", "_local/"}

// EncodeDocID escapes a document ID for use as a single path segment. The
// prefix of a design or local document is kept as-is. Spaces become %20
// rather than '+' (https://github.com/apache/couchdb/issues/3565).
func EncodeDocID(docID string) string {
	for _, prefix := range reservedPrefixes {
		if rest, ok := strings.CutPrefix(docID, prefix); ok {
			return prefix + escape(rest)
		}
	}
	return escape(docID)
}

// EncodePath escapes and joins path segments which are never document IDs,
// such as database and attachment names.
func EncodePath(segments ...string) string {
	var b strings.Builder
	for i, s := range segments {
		if i > 0 {
			b.WriteByte('/')
		}
		b.WriteString(escape(s))
	}
	return b.String()
}

func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

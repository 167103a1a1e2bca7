// Package sofa is a caching CouchDB client.
//
// A Connection talks to one server. Each DB obtained from it keeps its own
// document cache, which Get reads through and Save, Remove and the
// attachment operations write through. In follow cache mode a DB also
// consumes its continuous change feed, refreshing cached documents that
// change on the server.
//
// Every response is normalized into a Result: a *DocResult for
// document-shaped payloads, a *Rows for list-shaped ones, or a *RawResult in
// raw mode and for non-JSON bodies.
package sofa // import "github.com/go-kivik/sofa"

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

// Package output renders command results as JSON, YAML or raw bytes.
package output

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"sync"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/go-kivik/sofa/cmd/sofa/errors"
)

// Format renders the JSON read from r to w.
type Format interface {
	Output(w io.Writer, r io.Reader) error
}

// FormatFunc adapts a function to Format.
type FormatFunc func(io.Writer, io.Reader) error

// Output calls f.
func (f FormatFunc) Output(w io.Writer, r io.Reader) error {
	return f(w, r)
}

// Formatter manages output formatting.
type Formatter struct {
	mu      sync.Mutex
	formats map[string]Format
	names   []string

	format string
}

// New returns a formatter with the json, yaml and raw formats registered.
// json is the default.
func New() *Formatter {
	f := &Formatter{
		formats: map[string]Format{},
		format:  "json",
	}
	f.Register("json", FormatFunc(jsonFormat))
	f.Register("yaml", FormatFunc(yamlFormat))
	f.Register("raw", FormatFunc(rawFormat))
	return f
}

// Register registers a format.
func (f *Formatter) Register(name string, format Format) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.formats[name]; ok {
		panic(name + " already registered")
	}
	f.formats[name] = format
	f.names = append(f.names, name)
}

// ConfigFlags sets up the output flag.
func (f *Formatter) ConfigFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&f.format, "output", "o", f.format, "Output format. One of: "+strings.Join(f.names, "|"))
}

// Output renders the JSON read from r to w, with a trailing newline.
func (f *Formatter) Output(w io.Writer, r io.Reader) error {
	f.mu.Lock()
	format, ok := f.formats[f.format]
	f.mu.Unlock()
	if !ok {
		return errors.Codef(errors.ErrUsage, "unrecognized output format: %s", f.format)
	}
	out := ensureNewlineEnding(w)
	if err := format.Output(out, r); err != nil {
		return err
	}
	return out.Close()
}

// Value marshals v as JSON and renders it.
func (f *Formatter) Value(w io.Writer, v interface{}) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return f.Output(w, bytes.NewReader(buf))
}

func jsonFormat(w io.Writer, r io.Reader) error {
	var obj interface{}
	if err := json.NewDecoder(r).Decode(&obj); err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "    ")
	return enc.Encode(obj)
}

func yamlFormat(w io.Writer, r io.Reader) error {
	var obj interface{}
	if err := json.NewDecoder(r).Decode(&obj); err != nil {
		return err
	}
	return yaml.NewEncoder(w).Encode(obj)
}

func rawFormat(w io.Writer, r io.Reader) error {
	_, err := io.Copy(w, r)
	return errors.Code(errors.ErrIO, err)
}

func ensureNewlineEnding(w io.Writer) io.WriteCloser {
	return &addNewlineEnding{Writer: w}
}

type addNewlineEnding struct {
	io.Writer
	last byte
}

func (w *addNewlineEnding) Write(p []byte) (int, error) {
	if len(p) > 0 {
		w.last = p[len(p)-1]
	}
	return w.Writer.Write(p)
}

func (w *addNewlineEnding) Close() error {
	if w.last != '\n' {
		_, err := w.Writer.Write([]byte{'\n'})
		return err
	}
	return nil
}

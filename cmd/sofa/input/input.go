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

// Package input reads document and attachment data given on the command
// line, from a file, or from stdin.
package input

import (
	"encoding/json"
	"io"
	"os"
	"strings"

	"github.com/icza/dyno"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/go-kivik/sofa/cmd/sofa/errors"
)

// Input holds the data flags.
type Input struct {
	data string
	file string
	yaml bool

	// Stdin is read when the data file is "-".
	Stdin io.Reader
}

// New returns an Input reading from os.Stdin.
func New() *Input {
	return &Input{Stdin: os.Stdin}
}

// ConfigFlags registers the data flags on pf.
func (i *Input) ConfigFlags(pf *pflag.FlagSet) {
	pf.StringVarP(&i.data, "data", "d", "", "JSON document data.")
	pf.StringVarP(&i.file, "data-file", "D", "", "Read data from the named file. Use - for stdin. Assumed to be JSON, unless the file extension is .yaml or .yml, or the --yaml flag is used.")
	pf.BoolVar(&i.yaml, "yaml", false, "Treat input data as YAML")
}

// HasInput reports whether any data was provided.
func (i *Input) HasInput() bool {
	return i.data != "" || i.file != ""
}

func (i *Input) isYAML() bool {
	return i.yaml || strings.HasSuffix(i.file, ".yaml") || strings.HasSuffix(i.file, ".yml")
}

// Document decodes the input as a JSON object. YAML input is converted,
// with its map keys forced to strings.
func (i *Input) Document() (map[string]interface{}, error) {
	r, err := i.RawData()
	if err != nil {
		return nil, err
	}
	defer r.Close() // nolint:errcheck
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Code(errors.ErrIO, err)
	}
	var doc interface{}
	if i.isYAML() {
		if err := yaml.Unmarshal(buf, &doc); err != nil {
			return nil, errors.Code(errors.ErrData, err)
		}
		doc = dyno.ConvertMapI2MapS(doc)
	} else if err := json.Unmarshal(buf, &doc); err != nil {
		return nil, errors.Code(errors.ErrData, err)
	}
	obj, ok := doc.(map[string]interface{})
	if !ok {
		return nil, errors.Code(errors.ErrData, "document must be an object")
	}
	return obj, nil
}

// RawData returns the input unparsed, as for an attachment body.
func (i *Input) RawData() (io.ReadCloser, error) {
	if i.data != "" {
		return io.NopCloser(strings.NewReader(i.data)), nil
	}
	switch i.file {
	case "-":
		return io.NopCloser(i.Stdin), nil
	case "":
		return nil, errors.Code(errors.ErrUsage, "no data provided")
	}
	f, err := os.Open(i.file)
	if err != nil {
		return nil, errors.Code(errors.ErrNoInput, err)
	}
	return f, nil
}

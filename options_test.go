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
	"encoding/json"
	"net/http"
	"net/url"
	"testing"

	"gitlab.com/flimzy/testy"
)

func TestOptionsParams(t *testing.T) {
	type tt struct {
		options Options
		want    url.Values
		status  int
		err     string
	}

	tests := testy.NewTable()
	tests.Add("nil", tt{
		want: url.Values{},
	})
	tests.Add("string key", tt{
		options: Options{"key": "foo"},
		want:    url.Values{"key": {`"foo"`}},
	})
	tests.Add("complex keys", tt{
		options: Options{
			"startkey": []interface{}{"a", 1},
			"endkey":   []interface{}{"a", map[string]interface{}{}},
			"keys":     []string{"x", "y"},
		},
		want: url.Values{
			"startkey": {`["a",1]`},
			"endkey":   {`["a",{}]`},
			"keys":     {`["x","y"]`},
		},
	})
	tests.Add("raw key", tt{
		options: Options{"key": json.RawMessage(`[1,2]`)},
		want:    url.Values{"key": {`[1,2]`}},
	})
	tests.Add("scalars", tt{
		options: Options{
			"include_docs": true,
			"limit":        10,
			"skip":         int64(2),
			"stale":        "ok",
			"sorted":       nil,
			"ratio":        0.5,
			"multi":        []string{"a", "b"},
		},
		want: url.Values{
			"include_docs": {"true"},
			"limit":        {"10"},
			"skip":         {"2"},
			"stale":        {"ok"},
			"ratio":        {"0.5"},
			"multi":        {"a", "b"},
		},
	})
	tests.Add("invalid type", tt{
		options: Options{"foo": struct{}{}},
		status:  http.StatusBadRequest,
		err:     `sofa: invalid type struct {} for option "foo"`,
	})
	tests.Add("unencodable key", tt{
		options: Options{"key": make(chan int)},
		status:  http.StatusBadRequest,
		err:     "json: unsupported type: chan int",
	})

	tests.Run(t, func(t *testing.T, tt tt) {
		got, err := tt.options.params()
		if !testy.ErrorMatches(tt.err, err) {
			t.Errorf("Unexpected error: %s", err)
		}
		if status := testy.StatusCode(err); status != tt.status {
			t.Errorf("Unexpected status: %d", status)
		}
		if err != nil {
			return
		}
		if d := testy.DiffInterface(tt.want, got); d != nil {
			t.Error(d)
		}
	})
}

func TestOptionsApply(t *testing.T) {
	base := Options{"a": 1}
	target := map[string]interface{}{"b": 2}
	Options{"a": 3, "c": 4}.Apply(target)
	Options{"d": 5}.Apply(base)
	want := map[string]interface{}{"a": 3, "b": 2, "c": 4}
	if d := testy.DiffInterface(want, target); d != nil {
		t.Error(d)
	}
	if d := testy.DiffInterface(Options{"a": 1, "d": 5}, base); d != nil {
		t.Error(d)
	}
}

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

package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gitlab.com/flimzy/testy"

	"github.com/go-kivik/sofa/cmd/sofa/errors"
	"github.com/go-kivik/sofa/internal/couchtest"
	"github.com/go-kivik/sofa/log"
)

type cmdTest struct {
	args   []string
	stdin  string
	status int
	// stdout, if set, is the exact expected output.
	stdout string
	// json, if set, is compared with stdout decoded as JSON.
	json interface{}
	// check, if set, inspects stdout.
	check func(t *testing.T, stdout string)
}

func (tt *cmdTest) Test(t *testing.T) {
	t.Helper()
	root := rootCmd(log.New())
	root.resolveHome = func(i string) string { return i }
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	root.cmd.SetArgs(tt.args)
	root.cmd.SetIn(strings.NewReader(tt.stdin))
	root.cmd.SetOut(stdout)
	root.cmd.SetErr(stderr)

	status := root.execute(context.Background())
	if tt.status != status {
		t.Errorf("Unexpected exit status. Want %d, got %d. stderr: %s", tt.status, status, stderr)
	}
	if tt.stdout != "" {
		if d := testy.DiffText(tt.stdout, stdout.String()); d != nil {
			t.Errorf("STDOUT: %s", d)
		}
	}
	if tt.json != nil {
		if d := testy.DiffAsJSON(tt.json, stdout.Bytes()); d != nil {
			t.Errorf("STDOUT: %s", d)
		}
	}
	if tt.check != nil {
		tt.check(t, stdout.String())
	}
}

// serve starts s and returns the --host flag pointing at it.
func serve(t *testing.T, s *couchtest.Server) []string {
	t.Helper()
	return []string{"--host", s.Start(t).URL}
}

func args(a []string, more ...string) []string {
	return append(append([]string{}, a...), more...)
}

func decode(t *testing.T, stdout string) map[string]interface{} {
	t.Helper()
	var v map[string]interface{}
	if err := json.Unmarshal([]byte(stdout), &v); err != nil {
		t.Fatalf("Invalid JSON output %q: %s", stdout, err)
	}
	return v
}

func Test_root_RunE(t *testing.T) {
	tests := testy.NewTable()
	tests.Add("unknown flag", cmdTest{
		args:   []string{"--bogus"},
		status: errors.ErrUsage,
	})
	tests.Add("unknown command", cmdTest{
		args:   []string{"bogus"},
		status: errors.ErrUsage,
	})
	tests.Add("missing config file", cmdTest{
		args:   []string{"--config", "./testdata/missing.yaml", "dbs"},
		status: errors.ErrUsage,
	})
	tests.Add("invalid cache mode", cmdTest{
		args:   []string{"--cache", "sometimes", "dbs"},
		status: errors.ErrUsage,
	})
	tests.Add("too many arguments", cmdTest{
		args:   []string{"get", "db"},
		status: errors.ErrUsage,
	})
	tests.Add("network error", cmdTest{
		args:   []string{"--host", "http://127.0.0.1:1", "dbs"},
		status: errors.ErrUnavailable,
	})
	tests.Add("config file", func(t *testing.T) interface{} {
		s := couchtest.New()
		s.CreateDB("from-config")
		url := s.Start(t).URL
		file := filepath.Join(t.TempDir(), "sofa.yaml")
		if err := os.WriteFile(file, []byte("host: "+url+"\ncache: follow\n"), 0o600); err != nil {
			t.Fatal(err)
		}
		return cmdTest{
			args: []string{"--config", file, "dbs"},
			json: []string{"from-config"},
		}
	})
	tests.Add("flag overrides config file", func(t *testing.T) interface{} {
		s := couchtest.New()
		s.CreateDB("from-flag")
		file := filepath.Join(t.TempDir(), "sofa.yaml")
		if err := os.WriteFile(file, []byte("host: http://127.0.0.1:1\n"), 0o600); err != nil {
			t.Fatal(err)
		}
		return cmdTest{
			args: args(serve(t, s), "--config", file, "dbs"),
			json: []string{"from-flag"},
		}
	})

	tests.Run(t, func(t *testing.T, tt cmdTest) {
		tt.Test(t)
	})
}

func TestServerCommands(t *testing.T) {
	tests := testy.NewTable()
	tests.Add("info", func(t *testing.T) interface{} {
		host := serve(t, couchtest.New())
		return cmdTest{
			args: args(host, "info"),
			json: map[string]interface{}{
				"couchdb": "Welcome",
				"vendor":  map[string]string{"name": "couchtest"},
				"version": couchtest.Version,
			},
		}
	})
	tests.Add("db info", func(t *testing.T) interface{} {
		s := couchtest.New()
		s.CreateDB("db")
		return cmdTest{
			args: args(serve(t, s), "info", "db"),
			check: func(t *testing.T, stdout string) {
				if name := decode(t, stdout)["db_name"]; name != "db" {
					t.Errorf("Unexpected db_name: %v", name)
				}
			},
		}
	})
	tests.Add("missing db", func(t *testing.T) interface{} {
		return cmdTest{
			args:   args(serve(t, couchtest.New()), "info", "nope"),
			status: errors.ErrNotFound,
		}
	})
	tests.Add("dbs yaml", func(t *testing.T) interface{} {
		s := couchtest.New()
		s.CreateDB("a")
		s.CreateDB("b")
		return cmdTest{
			args:   args(serve(t, s), "-o", "yaml", "dbs"),
			stdout: "- a\n- b\n",
		}
	})
	tests.Add("uuids", func(t *testing.T) interface{} {
		return cmdTest{
			args: args(serve(t, couchtest.New()), "uuids", "-n", "3"),
			check: func(t *testing.T, stdout string) {
				var ids []string
				if err := json.Unmarshal([]byte(stdout), &ids); err != nil {
					t.Fatal(err)
				}
				if len(ids) != 3 {
					t.Errorf("Unexpected ids: %v", ids)
				}
			},
		}
	})

	tests.Run(t, func(t *testing.T, tt cmdTest) {
		tt.Test(t)
	})
}

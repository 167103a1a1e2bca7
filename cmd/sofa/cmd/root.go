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

// Package cmd implements the sofa command line tool.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/go-kivik/sofa"
	clierrors "github.com/go-kivik/sofa/cmd/sofa/errors"
	"github.com/go-kivik/sofa/cmd/sofa/output"
	"github.com/go-kivik/sofa/config"
	"github.com/go-kivik/sofa/log"
)

const defaultConfigFile = "~/.sofa.yaml"

type root struct {
	confFile string
	debug    bool
	options  map[string]string

	log  log.Logger
	cmd  *cobra.Command
	fmt  *output.Formatter
	conf config.Config
	conn *sofa.Connection

	// resolveHome is used to resolve ~ in the config file path
	resolveHome func(string) string
}

// Execute runs the command line tool and exits.
func Execute(ctx context.Context) {
	root := rootCmd(log.New())
	os.Exit(root.execute(ctx))
}

func (r *root) execute(ctx context.Context) int {
	err := r.cmd.ExecuteContext(ctx)
	if r.conn != nil {
		_ = r.conn.Close()
	}
	if err == nil {
		return 0
	}
	r.log.SetErr(r.cmd.ErrOrStderr())
	r.log.Error("Error: ", err)
	return extractExitCode(err)
}

func extractExitCode(err error) int {
	if code := clierrors.InspectErrorCode(err); code != 0 {
		return code
	}
	// Anything else comes from cobra's own argument handling.
	return clierrors.ErrUsage
}

func resolveHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	usr, err := user.Current()
	if err != nil {
		return path
	}
	return filepath.Join(usr.HomeDir, path[2:])
}

func rootCmd(lg log.Logger) *root {
	r := &root{
		log:         lg,
		fmt:         output.New(),
		resolveHome: resolveHome,
	}
	r.cmd = &cobra.Command{
		Use:               "sofa",
		Short:             "sofa talks to CouchDB",
		Long:              `A command line client for CouchDB, built on the sofa caching client library.`,
		PersistentPreRunE: r.init,
		SilenceErrors:     true,
	}

	pf := r.cmd.PersistentFlags()
	r.fmt.ConfigFlags(pf)
	pf.StringVar(&r.confFile, "config", defaultConfigFile, "Path to config file")
	pf.BoolVar(&r.debug, "debug", false, "Enable debug output")
	pf.String("host", "", "Server host, optionally with scheme and port")
	pf.Int("port", 0, "Server port")
	pf.String("cache", "", "Cache mode: off, on or follow")
	pf.Bool("raw", false, "Return responses unnormalized")
	pf.Int("retries", 0, "Retry transient failures up to this many times")
	pf.Duration("request-timeout", 0, "The time limit for each request")
	pf.StringToStringVarP(&r.options, "option", "O", nil, "Query parameter, specified as key=value. JSON values are decoded. May be repeated.")

	r.cmd.AddCommand(infoCmd(r))
	r.cmd.AddCommand(dbsCmd(r))
	r.cmd.AddCommand(uuidsCmd(r))
	r.cmd.AddCommand(getCmd(r))
	r.cmd.AddCommand(putCmd(r))
	r.cmd.AddCommand(rmCmd(r))
	r.cmd.AddCommand(viewCmd(r))
	r.cmd.AddCommand(followCmd(r))
	r.cmd.AddCommand(attachCmd(r))

	return r
}

// flagKeys binds command line flags to configuration keys.
var flagKeys = map[string]string{
	"host":            config.KeyHost,
	"port":            config.KeyPort,
	"cache":           config.KeyCache,
	"raw":             config.KeyRaw,
	"retries":         config.KeyRetries,
	"request-timeout": config.KeyRequestTimeout,
}

func (r *root) init(cmd *cobra.Command, _ []string) error {
	// Notices share stderr so stdout carries only command output.
	r.log.SetOut(cmd.ErrOrStderr())
	r.log.SetErr(cmd.ErrOrStderr())
	r.log.SetDebug(r.debug)
	r.log.Debug("Debug mode enabled")

	v := config.NewViper()
	if file := r.resolveHome(r.confFile); file != "" {
		v.SetConfigFile(file)
		err := v.ReadInConfig()
		switch {
		case err == nil:
			r.log.Debugf("Read config from %s", file)
		case errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config"):
		default:
			return clierrors.Code(clierrors.ErrUsage, err)
		}
	}
	for flag, key := range flagKeys {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}
	conf, err := config.FromViper(v)
	if err != nil {
		return clierrors.Code(clierrors.ErrUsage, err)
	}
	r.conf = conf
	r.log.Debugf("Config: %s", conf)
	cmd.SilenceUsage = true
	return nil
}

func (r *root) client() (*sofa.Connection, error) {
	if r.conn != nil {
		return r.conn, nil
	}
	conn, err := sofa.New(r.conf, sofa.WithLogger(r.log))
	if err != nil {
		return nil, clierrors.Code(clierrors.ErrUsage, err)
	}
	r.conn = conn
	return conn, nil
}

// params returns the query parameters given with --option.
func (r *root) params() sofa.Options {
	params := sofa.Options{}
	for k, v := range r.options {
		var decoded interface{}
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			params[k] = decoded
			continue
		}
		params[k] = v
	}
	return params
}

// print renders v on the command's standard output.
func (r *root) print(cmd *cobra.Command, v interface{}) error {
	return r.fmt.Value(cmd.OutOrStdout(), v)
}

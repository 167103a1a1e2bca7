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

package log

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// TestLogger is a Logger test double. It records every line, including debug
// output, for later inspection.
type TestLogger struct {
	mu   sync.Mutex
	logs []string
}

var _ Logger = &TestLogger{}

// NewTest returns a new test logger.
func NewTest() *TestLogger {
	return &TestLogger{
		logs: []string{},
	}
}

func (l *TestLogger) log(level, line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logs = append(l.logs, fmt.Sprintf("[%s] %s",
		level,
		strings.TrimSpace(line),
	))
}

func (*TestLogger) SetOut(io.Writer) {}
func (*TestLogger) SetErr(io.Writer) {}
func (*TestLogger) SetDebug(bool)    {}

func (l *TestLogger) Debug(args ...any) {
	l.log("DEBUG", fmt.Sprint(args...))
}

func (l *TestLogger) Debugf(format string, args ...any) {
	l.log("DEBUG", fmt.Sprintf(format, args...))
}

func (l *TestLogger) Info(args ...any) {
	l.log("INFO", fmt.Sprint(args...))
}

func (l *TestLogger) Infof(format string, args ...any) {
	l.log("INFO", fmt.Sprintf(format, args...))
}

func (l *TestLogger) Error(args ...any) {
	l.log("ERROR", fmt.Sprint(args...))
}

func (l *TestLogger) Errorf(format string, args ...any) {
	l.log("ERROR", fmt.Sprintf(format, args...))
}

// Logs returns a copy of the lines logged so far.
func (l *TestLogger) Logs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.logs...)
}

// Contains reports whether any logged line contains substr.
func (l *TestLogger) Contains(substr string) bool {
	for _, line := range l.Logs() {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

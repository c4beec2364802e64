// Copyright 2018 The vmsim Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type testWriter struct {
	lines []string
	fail  bool
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	w.lines = append(w.lines, string(bytes))
	return len(bytes), nil
}

func TestDropMessages(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	tw.fail = true
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	want := []string{
		"line 1\n",
		"line 2\n",
		"\n*** Dropped 2 log messages ***\n",
	}
	if diff := cmp.Diff(want, tw.lines); diff != "" {
		t.Errorf("Writer lines mismatch (-want +got):\n%s", diff)
	}
}

func TestNewlineAppended(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	w.Write([]byte("no newline"))
	if diff := cmp.Diff([]string{"no newline", "\n"}, tw.lines); diff != "" {
		t.Errorf("Writer lines mismatch (-want +got):\n%s", diff)
	}
}

func TestLevelFiltering(t *testing.T) {
	tw := &testWriter{}
	l := BasicLogger{Level: Info, Emitter: &Writer{Next: tw}}
	l.Debugf("debug %d", 1)
	l.Infof("info %d", 2)
	l.Warningf("warning %d", 3)
	if diff := cmp.Diff([]string{"info 2", "\n", "warning 3", "\n"}, tw.lines); diff != "" {
		t.Errorf("logged lines mismatch (-want +got):\n%s", diff)
	}

	l.SetLevel(Debug)
	if !l.IsLogging(Debug) {
		t.Errorf("IsLogging(Debug) = false after SetLevel(Debug)")
	}
}

func TestGoogleEmitter(t *testing.T) {
	tw := &testWriter{}
	e := GoogleEmitter{&Writer{Next: tw}}
	ts := time.Date(2026, time.May, 4, 13, 5, 9, 123456000, time.UTC)
	e.Emit(0, Warning, ts, "evicted %d pages", 3)
	if len(tw.lines) != 1 {
		t.Fatalf("got %d lines, want 1: %v", len(tw.lines), tw.lines)
	}
	line := tw.lines[0]
	if !strings.HasPrefix(line, "W0504 13:05:09.123456 ") {
		t.Errorf("unexpected header in %q", line)
	}
	if !strings.Contains(line, "log_test.go:") || !strings.HasSuffix(line, "] evicted 3 pages\n") {
		t.Errorf("unexpected caller or message in %q", line)
	}
}

func TestRateLimitedLogger(t *testing.T) {
	tw := &testWriter{}
	l := RateLimitedLogger(&BasicLogger{Level: Debug, Emitter: &Writer{Next: tw}}, time.Hour)
	for i := 0; i < 10; i++ {
		l.Debugf("fault %d", i)
	}
	if diff := cmp.Diff([]string{"fault 0", "\n"}, tw.lines); diff != "" {
		t.Errorf("rate limited output mismatch (-want +got):\n%s", diff)
	}
}

func TestRateLimitedLoggerCountsDropped(t *testing.T) {
	tw := &testWriter{}
	l := RateLimitedLogger(&BasicLogger{Level: Info, Emitter: &Writer{Next: tw}}, 50*time.Millisecond)
	for i := 0; i < 4; i++ {
		l.Warningf("fault %d", i)
	}
	// Filtered levels are not counted as dropped.
	l.Debugf("hidden")
	time.Sleep(150 * time.Millisecond)
	l.Warningf("fault %d", 4)
	want := []string{"fault 0", "\n", "fault 4 (3 similar messages dropped)", "\n"}
	if diff := cmp.Diff(want, tw.lines); diff != "" {
		t.Errorf("rate limited output mismatch (-want +got):\n%s", diff)
	}
}

func TestPatternOpts(t *testing.T) {
	opts := PatternOpts{Command: "run", Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	if got, want := opts.Build("/tmp/vmsim-%COMMAND%-%TIMESTAMP%.log"), "/tmp/vmsim-run-20260102-030405.000000.log"; got != want {
		t.Errorf("Build() = %q, want %q", got, want)
	}
}

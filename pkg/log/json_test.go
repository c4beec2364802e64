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
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestLevelJSON(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Level
	}{
		{`"warning"`, Warning},
		{`"info"`, Info},
		{`"debug"`, Debug},
		{"0", Warning},
		{"1", Info},
		{"2", Debug},
	} {
		var lv Level
		if err := json.Unmarshal([]byte(tc.in), &lv); err != nil {
			t.Errorf("Unmarshal(%s): %v", tc.in, err)
			continue
		}
		if lv != tc.want {
			t.Errorf("Unmarshal(%s) = %v, want %v", tc.in, lv, tc.want)
		}
		b, err := json.Marshal(lv)
		if err != nil {
			t.Errorf("Marshal(%v): %v", lv, err)
			continue
		}
		var back Level
		if err := json.Unmarshal(b, &back); err != nil || back != lv {
			t.Errorf("level %v did not survive %s: got %v, %v", lv, b, back, err)
		}
	}
	for _, bad := range []string{`"fatal"`, "7", "{}"} {
		var lv Level
		if err := json.Unmarshal([]byte(bad), &lv); err == nil {
			t.Errorf("Unmarshal(%s) = %v, want error", bad, lv)
		}
	}
	if _, err := Level(9).MarshalJSON(); err == nil {
		t.Errorf("MarshalJSON of an unknown level succeeded")
	}
}

func TestJSONEmitter(t *testing.T) {
	var buf bytes.Buffer
	e := JSONEmitter{&Writer{Next: &buf}}
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e.Emit(0, Info, ts, "evicted %d pages", 4)

	out := buf.String()
	if !strings.HasSuffix(out, "\n") || strings.Count(out, "\n") != 1 {
		t.Fatalf("output %q is not a single line", out)
	}
	var r jsonRecord
	if err := json.Unmarshal([]byte(out), &r); err != nil {
		t.Fatalf("decoding %q: %v", out, err)
	}
	if r.Msg != "evicted 4 pages" || r.Level != Info || !r.Time.Equal(ts) || r.PID != pid {
		t.Errorf("record = %+v", r)
	}
	if !strings.HasPrefix(r.Caller, "json_test.go:") {
		t.Errorf("caller = %q, want json_test.go:<line>", r.Caller)
	}
}

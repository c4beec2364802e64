// Copyright 2026 The vmsim Authors.
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

package config

import (
	"flag"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	// Memory flags.
	flagSet.String("policy", "fifo", "page replacement policy: fifo or lru.")
	flagSet.Int("tracker-size", 8, "number of pages each process's replacement tracker holds.")
	flagSet.Int("levels", 3, "number of page table levels.")
	flagSet.Int("frames", 4096, "number of physical page frames.")
	flagSet.Bool("lazy-growth", false, "fill new heap pages on first touch instead of when the heap grows.")
	flagSet.Int("initial-pages", 3, "size of the initial program image in pages.")

	// Swap flags.
	flagSet.String("swap-file", "", "path of the swap file. Empty means an in-memory swap device.")
	flagSet.Int("swap-blocks", 65536, "size of the swap device in 512-byte blocks, journal included.")
	flagSet.Int("log-blocks", 256, "size of the journal's log area in blocks.")
	flagSet.Duration("swap-lock-timeout", 5*time.Second, "how long to wait for the swap file lock. 0 means fail at once.")

	// Debugging flags.
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("log-format", "text", "log format: text (default) or json.")
	flagSet.String("debug-log", "", "additional location for logs. The following variables are available: %TIMESTAMP%, %COMMAND%, %PID%.")
	flagSet.String("metrics", "", "file path where metrics are written after a run, in the Prometheus text format.")
}

// forEachFlagField calls fn for every Config field with a flag tag.
func forEachFlagField(c *Config, fn func(name string, field reflect.Value)) {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fn(name, obj.Field(i))
	}
}

// setFromFlag sets field to the value of the named flag.
func setFromFlag(flagSet *flag.FlagSet, name string, field reflect.Value) {
	fl := flagSet.Lookup(name)
	if fl == nil {
		panic(fmt.Sprintf("Flag %q not found", name))
	}
	field.Set(reflect.ValueOf(fl.Value.(flag.Getter).Get()))
}

// NewFromFlags creates a new Config with values coming from the given flag
// set. This function is used by the CLI to populate the configuration.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	forEachFlagField(conf, func(name string, field reflect.Value) {
		setFromFlag(flagSet, name, field)
	})
	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// NewFromFile creates a new Config from the TOML file at path. Flag defaults
// apply to keys the file omits, and flags set on the command line override
// the file.
func NewFromFile(flagSet *flag.FlagSet, path string) (*Config, error) {
	conf := &Config{}
	forEachFlagField(conf, func(name string, field reflect.Value) {
		setFromFlag(flagSet, name, field)
	})
	md, err := toml.DecodeFile(path, conf)
	if err != nil {
		return nil, fmt.Errorf("reading config %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config %q: unknown keys %v", path, undecoded)
	}
	set := make(map[string]bool)
	flagSet.Visit(func(f *flag.Flag) { set[f.Name] = true })
	forEachFlagField(conf, func(name string, field reflect.Value) {
		if set[name] {
			setFromFlag(flagSet, name, field)
		}
	})
	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// ToFlags returns a slice of flags that correspond to the given Config.
// Flags with default values are omitted.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	forEachFlagField(c, func(name string, field reflect.Value) {
		val := getVal(field)
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == fl.DefValue {
			return
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", fl.Name, val))
	})
	return rv
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}

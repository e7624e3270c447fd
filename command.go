// Copyright 2026 The Logvisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logvisor

import (
	"bytes"
	"strings"

	"github.com/goccy/go-json"
)

// ParseCommand splits a command line on runs of white space.  The first
// field is the executable and the rest are its arguments.  Quotes and
// escapes are not interpreted, so an argument can never contain spaces.
func ParseCommand(command string) (string, []string, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "", nil, ErrEmptyCommand
	}
	return fields[0], fields[1:], nil
}

// ParseEnv parses a service's environment specification.
//
// The spec is first tried as a JSON object.  String values are used as
// they are, any other value by its JSON text (so 1 becomes "1" and null
// becomes "null").  A spec that is valid JSON but not an object yields
// no variables.
//
// If the spec is not JSON at all it is read as newline separated
// KEY=VALUE lines.  Each line is split on its first '=' only, and both
// key and value are trimmed of surrounding white space.  Lines without
// an '=' or with an empty key are ignored.
func ParseEnv(spec string) map[string]string {
	vars := make(map[string]string)
	if spec == "" {
		return vars
	}

	var probe interface{}
	if e := json.Unmarshal([]byte(spec), &probe); e == nil {
		if _, ok := probe.(map[string]interface{}); !ok {
			return vars
		}
		var raw map[string]json.RawMessage
		if e := json.Unmarshal([]byte(spec), &raw); e != nil {
			return vars
		}
		for k, v := range raw {
			vars[k] = jsonValueString(v)
		}
		return vars
	}

	for _, line := range strings.Split(spec, "\n") {
		eq := strings.IndexByte(line, '=')
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		if key == "" {
			continue
		}
		vars[key] = strings.TrimSpace(line[eq+1:])
	}
	return vars
}

func jsonValueString(v json.RawMessage) string {
	v = bytes.TrimSpace(v)
	if len(v) > 0 && v[0] == '"' {
		var s string
		if e := json.Unmarshal(v, &s); e == nil {
			return s
		}
	}
	return string(v)
}

// mergeEnv overlays vars on top of base, a list of KEY=VALUE strings as
// returned by os.Environ.  Overridden keys keep their original position.
func mergeEnv(base []string, vars map[string]string) []string {
	env := make([]string, 0, len(base)+len(vars))
	seen := make(map[string]bool, len(vars))
	for _, kv := range base {
		k := kv
		if i := strings.IndexByte(kv, '='); i >= 0 {
			k = kv[:i]
		}
		if v, ok := vars[k]; ok {
			if seen[k] {
				continue
			}
			seen[k] = true
			env = append(env, k+"="+v)
			continue
		}
		env = append(env, kv)
	}
	for k, v := range vars {
		if !seen[k] {
			env = append(env, k+"="+v)
		}
	}
	return env
}

package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

// envPattern matches ${NAME}; NAME can contain alphanumerics and underscore.
var envPattern = regexp.MustCompile(`\$\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// UndefinedVariableError is returned when a ${NAME} reference has no value.
type UndefinedVariableError struct {
	// Names is the list of undefined variable names, in order of appearance.
	Names []string
}

func (e *UndefinedVariableError) Error() string {
	if len(e.Names) == 1 {
		return fmt.Sprintf("undefined variable: %s", e.Names[0])
	}
	return fmt.Sprintf("undefined variables: %s", strings.Join(e.Names, ", "))
}

// ExpandEnv returns a copy of c with ${NAME} references in every string
// value replaced by the environment variable NAME. Nested maps and lists
// are expanded recursively; other values are copied as-is.
//
// This keeps secrets such as store.postgres_dsn out of config files:
//
//	store:
//	  driver: postgres
//	  postgres_dsn: ${BATCHRUN_PG_DSN}
func ExpandEnv(c Config) (Config, error) {
	return ExpandWith(c, os.LookupEnv)
}

// ExpandWith is ExpandEnv with a custom lookup.
func ExpandWith(c Config, lookup func(string) (string, bool)) (Config, error) {
	x := expander{lookup: lookup}
	m := x.expandMap(c.Raw())
	if len(x.missing) > 0 {
		return Config{}, &UndefinedVariableError{Names: x.missing}
	}
	return New(m), nil
}

type expander struct {
	lookup  func(string) (string, bool)
	missing []string
}

func (x *expander) expandMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = x.expandValue(v)
	}
	return out
}

func (x *expander) expandValue(v any) any {
	switch val := v.(type) {
	case string:
		return x.expand(val)
	case map[string]any:
		return x.expandMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = x.expandValue(item)
		}
		return out
	default:
		return v
	}
}

func (x *expander) expand(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := match[2 : len(match)-1]
		if val, ok := x.lookup(name); ok {
			return val
		}
		x.missing = append(x.missing, name)
		return match
	})
}

// Package checkers provides quicktest checkers shared by the test suites.
package checkers

import (
	"encoding/json"
	"fmt"
	"reflect"

	qt "github.com/frankban/quicktest"
	"github.com/yalp/jsonpath"
)

// JSONPathEquals returns a checker asserting that evaluating path against the
// JSON document in got yields the want argument. got may be a string or a
// []byte holding JSON.
//
//	c.Assert(body, checkers.JSONPathEquals("$.machines[0].machine"), "mbp")
func JSONPathEquals(path string) qt.Checker {
	return &jsonPathChecker{path: path}
}

type jsonPathChecker struct {
	path string
}

func (c *jsonPathChecker) ArgNames() []string {
	return []string{"got", "want"}
}

func (c *jsonPathChecker) Check(got any, args []any, note func(key string, value any)) error {
	var data []byte
	switch v := got.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("got value has type %T, want a JSON string or []byte", got)
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("got value is not valid JSON: %v", err)
	}

	value, err := jsonpath.Read(doc, c.path)
	if err != nil {
		note("document", doc)
		return fmt.Errorf("cannot evaluate path %s: %v", c.path, err)
	}

	if len(args) != 1 {
		return fmt.Errorf("want exactly 1 argument, got %d", len(args))
	}
	if !reflect.DeepEqual(value, args[0]) {
		note("path value", value)
		return fmt.Errorf("value at %s does not equal the want argument", c.path)
	}
	return nil
}

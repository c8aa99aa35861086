package conf

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml"
	"gopkg.in/ini.v1"
)

// loadControlToml reads a .toml control file and flattens it into the same
// keyspace the .ctl grammar produces, so overrides and section parsing run on
// one merged view. One level of tables is allowed ([input] delimiter = ","
// becomes DELIMITER).
func loadControlToml(path string) (*ini.File, error) {
	tree, err := toml.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read control file %s: %v", path, err)
	}

	raw := ini.Empty()
	sec := raw.Section("")
	for _, key := range tree.Keys() {
		switch v := tree.Get(key).(type) {
		case *toml.Tree:
			for _, inner := range v.Keys() {
				if _, ok := v.Get(inner).(*toml.Tree); ok {
					return nil, fmt.Errorf("control key %s.%s: tables nest too deep", key, inner)
				}
				sec.Key(strings.ToUpper(inner)).SetValue(tomlScalar(v.Get(inner)))
			}
		default:
			sec.Key(strings.ToUpper(key)).SetValue(tomlScalar(v))
		}
	}
	return raw, nil
}

func tomlScalar(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case bool:
		if x {
			return "YES"
		}
		return "NO"
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case []interface{}:
		parts := make([]string, 0, len(x))
		for _, e := range x {
			parts = append(parts, tomlScalar(e))
		}
		return strings.Join(parts, ",")
	}
	return fmt.Sprintf("%v", v)
}

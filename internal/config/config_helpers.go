package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/v2"
)

func getConfigFormat(configFile string) (string, error) {
	switch ext := filepath.Ext(configFile); ext {
	case ".json":
		return "json", nil
	case ".yaml", ".yml":
		return "yaml", nil
	case ".toml":
		return "toml", nil
	default:
		return "", fmt.Errorf("unsupported config file type: %s", ext)
	}
}

func getConfigParser(format string) (koanf.Parser, error) {
	var parser koanf.Parser
	switch format {
	case "json":
		parser = json.Parser()
	case "yaml", "yml":
		parser = yaml.Parser()
	case "toml":
		parser = toml.Parser()
	default:
		return nil, fmt.Errorf("unsupported config format: %s", format)
	}
	return parser, nil
}

// tagName returns the name a struct field has in the given format.
func tagName(field reflect.StructField, format string) string {
	tag := field.Tag.Get(format)
	name, _, _ := strings.Cut(tag, ",")
	if name == "" || name == "-" {
		return strings.ToLower(field.Name)
	}
	return name
}

// GetFieldNameForFormat translates a dotted Go field path such as
// "Master.RecordPath" into the key used by format, e.g. "master.record_path".
func GetFieldNameForFormat(v any, fieldPath, format string) string {
	t := reflect.TypeOf(v)
	var out []string
	for _, part := range strings.Split(fieldPath, ".") {
		for t != nil && t.Kind() == reflect.Pointer {
			t = t.Elem()
		}
		if t == nil || t.Kind() != reflect.Struct {
			out = append(out, part)
			t = nil
			continue
		}
		field, ok := t.FieldByName(part)
		if !ok {
			out = append(out, part)
			t = nil
			continue
		}
		out = append(out, tagName(field, format))
		t = field.Type
	}
	return strings.Join(out, ".")
}

// checkUnknownFields reports every loaded key that does not map to a field
// of t. Keys below a non-struct field, such as task lists, are not inspected.
func checkUnknownFields(t reflect.Type, keys []string, format string) error {
	var unknown []string
	for _, key := range keys {
		if !knownKey(t, strings.Split(key, "."), format) {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	sort.Strings(unknown)
	return fmt.Errorf("unknown field(s) in config: %s", strings.Join(unknown, ", "))
}

func knownKey(t reflect.Type, parts []string, format string) bool {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if len(parts) == 0 || t.Kind() != reflect.Struct {
		return true
	}
	for i := range t.NumField() {
		field := t.Field(i)
		if tagName(field, format) == parts[0] {
			return knownKey(field.Type, parts[1:], format)
		}
	}
	return false
}

func durationDecodeHook() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if t != reflect.TypeOf(Duration{}) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			var d Duration
			if err := d.UnmarshalText([]byte(v)); err != nil {
				return nil, fmt.Errorf("invalid duration %q: %w", v, err)
			}
			return d, nil
		case int:
			return Duration{time.Duration(v) * time.Second}, nil
		case int64:
			return Duration{time.Duration(v) * time.Second}, nil
		case float64:
			return Duration{time.Duration(v * float64(time.Second))}, nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("duration must be a string like \"10s\" or a number of seconds, got %T: %v", data, data)
		}
	}
}

func hostListDecodeHook() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if t != reflect.TypeOf(HostList{}) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			var hosts HostList
			for _, h := range strings.Split(v, ",") {
				if h = strings.TrimSpace(h); h != "" {
					hosts = append(hosts, h)
				}
			}
			return hosts, nil
		case []any:
			hosts := make(HostList, 0, len(v))
			for _, item := range v {
				s, ok := item.(string)
				if !ok {
					return nil, fmt.Errorf("hosts must be strings, got %T: %v", item, item)
				}
				hosts = append(hosts, s)
			}
			return hosts, nil
		default:
			return data, nil
		}
	}
}

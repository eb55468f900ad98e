package filter

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"
)

// Args are a filter's loosely typed configuration arguments as decoded from
// YAML. Accessors convert values and report malformed ones.
type Args map[string]any

// Only fails when args carry a key outside keys.
func (a Args) Only(keys ...string) error {
	allowed := make(map[string]bool, len(keys))
	for _, k := range keys {
		allowed[k] = true
	}
	var unknown []string
	for k := range a {
		if !allowed[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("unknown arguments %v", unknown)
	}
	return nil
}

// Has reports whether key is present.
func (a Args) Has(key string) bool {
	_, ok := a[key]
	return ok
}

// String returns a string argument, or def when absent.
func (a Args) String(key, def string) (string, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return def, nil
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case int, int64, uint64, float64, bool:
		return fmt.Sprint(t), nil
	}
	return "", fmt.Errorf("argument %q: expected a string, got %T", key, v)
}

// RequiredString returns a non-empty string argument.
func (a Args) RequiredString(key string) (string, error) {
	s, err := a.String(key, "")
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", fmt.Errorf("argument %q is required", key)
	}
	return s, nil
}

// Int returns an integer argument, or def when absent.
func (a Args) Int(key string, def int) (int, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return def, nil
	}
	n, err := toInt(v)
	if err != nil {
		return 0, fmt.Errorf("argument %q: %w", key, err)
	}
	return n, nil
}

// Float returns a numeric argument, or def when absent.
func (a Args) Float(key string, def float64) (float64, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return def, nil
	}
	switch t := v.(type) {
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case uint64:
		return float64(t), nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, fmt.Errorf("argument %q: %w", key, err)
		}
		return f, nil
	}
	return 0, fmt.Errorf("argument %q: expected a number, got %T", key, v)
}

// Bool returns a boolean argument, or def when absent.
func (a Args) Bool(key string, def bool) (bool, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return def, nil
	}
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		b, err := strconv.ParseBool(t)
		if err != nil {
			return false, fmt.Errorf("argument %q: %w", key, err)
		}
		return b, nil
	}
	return false, fmt.Errorf("argument %q: expected a boolean, got %T", key, v)
}

// Duration returns a duration argument such as "1.5s", or def when absent.
// Bare numbers are seconds.
func (a Args) Duration(key string, def time.Duration) (time.Duration, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return def, nil
	}
	switch t := v.(type) {
	case string:
		d, err := time.ParseDuration(t)
		if err != nil {
			return 0, fmt.Errorf("argument %q: %w", key, err)
		}
		return d, nil
	case time.Duration:
		return t, nil
	case float64:
		return time.Duration(t * float64(time.Second)), nil
	}
	n, err := toInt(v)
	if err != nil {
		return 0, fmt.Errorf("argument %q: expected a duration, got %T", key, v)
	}
	return time.Duration(n) * time.Second, nil
}

// Ints returns a list of integers.
func (a Args) Ints(key string) ([]int, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		n, err := toInt(v)
		if err != nil {
			return nil, fmt.Errorf("argument %q: expected a list of integers", key)
		}
		return []int{n}, nil
	}
	out := make([]int, 0, len(list))
	for i, item := range list {
		n, err := toInt(item)
		if err != nil {
			return nil, fmt.Errorf("argument %q[%d]: %w", key, i, err)
		}
		out = append(out, n)
	}
	return out, nil
}

// StringMap returns a map of strings, e.g. claim to header names.
func (a Args) StringMap(key string) (map[string]string, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return nil, nil
	}
	out := make(map[string]string)
	switch t := v.(type) {
	case map[string]any:
		for k, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("argument %q.%s: expected a string, got %T", key, k, item)
			}
			out[k] = s
		}
	case map[string]string:
		for k, s := range t {
			out[k] = s
		}
	default:
		return nil, fmt.Errorf("argument %q: expected a map, got %T", key, v)
	}
	return out, nil
}

func toInt(v any) (int, error) {
	switch t := v.(type) {
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case uint64:
		if t > math.MaxInt {
			return 0, fmt.Errorf("%d overflows int", t)
		}
		return int(t), nil
	case float64:
		if t != math.Trunc(t) {
			return 0, fmt.Errorf("%v is not an integer", t)
		}
		return int(t), nil
	case string:
		return strconv.Atoi(t)
	}
	return 0, fmt.Errorf("expected an integer, got %T", v)
}

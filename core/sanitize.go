package core

import (
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
)

// Sanitiser output placeholders.
const (
	redacted       = "[REDACTED]"
	circularMarker = "[circular]"
	unserialisable = "[unserialisable]"
	depthMarker    = "[truncated]"
)

// sensitiveKeyPattern flags keys whose values must never appear in logs or
// upstream payloads.
var sensitiveKeyPattern = regexp.MustCompile(`(?i)password|passwd|pwd|token|secret|api[_-]?key|authorization|cookie|bearer|credential|private[_-]?key`)

// Ordered most-likely-first; each applied to free text.
var stringPatterns = []struct {
	re   *regexp.Regexp
	repl string
}{
	// key=value or key: value pairs embedded in messages; a bearer prefix
	// is part of the value ("Authorization: Bearer x") and must go with it
	{regexp.MustCompile(`(?i)\b(password|passwd|pwd|token|secret|api[_-]?key|authorization|cookie)\b\s*[:=]\s*(?:bearer\s+)?\S+`), "$1=" + redacted},
	// bearer credentials
	{regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9\-._~+/]+=*`), "Bearer " + redacted},
	// JWT-shaped tokens
	{regexp.MustCompile(`\beyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]*`), "[REDACTED_JWT]"},
	// credit-card-shaped digit runs
	{regexp.MustCompile(`\b\d(?:[ -]?\d){12,18}\b`), "[REDACTED_CC]"},
	// email local parts (domain kept for debugging)
	{regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@([A-Za-z0-9-]+(?:\.[A-Za-z0-9-]+)+)`), redacted + "@$1"},
}

// prefix triggers that make the regex pass worth running
var stringTriggers = []string{
	"password", "passwd", "pwd", "token", "secret", "api",
	"authorization", "cookie", "bearer", "eyj", "@",
}

// Sanitizer redacts secrets and PII from strings and object graphs before
// they reach the logger or the upstream payload. All methods are safe on any
// input and never panic outward.
type Sanitizer struct {
	cfg SanitizeConfig
}

// NewSanitizer returns a sanitizer with the given bounds. Zero bounds fall
// back to the documented defaults.
func NewSanitizer(cfg SanitizeConfig) *Sanitizer {
	def := DefaultConfig().Sanitize
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = def.MaxDepth
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = def.MaxKeys
	}
	if cfg.MaxStringLen <= 0 {
		cfg.MaxStringLen = def.MaxStringLen
	}
	return &Sanitizer{cfg: cfg}
}

// SensitiveKey reports whether a key's value must be redacted wholesale.
func SensitiveKey(key string) bool {
	return sensitiveKeyPattern.MatchString(key)
}

// String redacts secrets from free text and truncates it to the configured
// maximum with an explicit marker.
func (s *Sanitizer) String(in string) (out string) {
	defer func() {
		if r := recover(); r != nil {
			out = unserialisable
		}
	}()

	out = in
	if s.maybeSensitive(out) {
		for _, p := range stringPatterns {
			out = p.re.ReplaceAllString(out, p.repl)
		}
	}

	if len(out) > s.cfg.MaxStringLen {
		dropped := len(out) - s.cfg.MaxStringLen
		out = out[:s.cfg.MaxStringLen] + fmt.Sprintf("…[truncated %d bytes]", dropped)
	}
	return out
}

// maybeSensitive is the cheap pre-check that lets clean strings skip the
// regex pass. Digit runs are checked separately for the card pattern.
func (s *Sanitizer) maybeSensitive(in string) bool {
	lower := strings.ToLower(in)
	for _, t := range stringTriggers {
		if strings.Contains(lower, t) {
			return true
		}
	}
	digits := 0
	for _, r := range in {
		if r >= '0' && r <= '9' {
			digits++
			if digits >= 13 {
				return true
			}
		} else if r != ' ' && r != '-' {
			digits = 0
		}
	}
	return false
}

// Map sanitises an object graph: sensitive keys redacted, values recursively
// sanitised, depth and key counts bounded, cycles cut.
func (s *Sanitizer) Map(in map[string]interface{}) (out map[string]interface{}) {
	defer func() {
		if r := recover(); r != nil {
			out = map[string]interface{}{"error": unserialisable}
		}
	}()
	visited := make(map[uintptr]bool)
	return s.sanitizeMap(in, 0, visited)
}

// Value sanitises a single value of unknown shape.
func (s *Sanitizer) Value(in interface{}) (out interface{}) {
	defer func() {
		if r := recover(); r != nil {
			out = unserialisable
		}
	}()
	visited := make(map[uintptr]bool)
	return s.sanitizeValue(in, 0, visited)
}

func (s *Sanitizer) sanitizeMap(in map[string]interface{}, depth int, visited map[uintptr]bool) map[string]interface{} {
	if in == nil {
		return nil
	}
	ptr := reflect.ValueOf(in).Pointer()
	if visited[ptr] {
		return map[string]interface{}{"ref": circularMarker}
	}
	visited[ptr] = true
	defer delete(visited, ptr)

	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]interface{}, len(keys))
	for i, k := range keys {
		if i >= s.cfg.MaxKeys {
			out[depthMarker] = fmt.Sprintf("%d keys omitted", len(keys)-s.cfg.MaxKeys)
			break
		}
		if SensitiveKey(k) {
			out[k] = redacted
			continue
		}
		out[k] = s.sanitizeValue(in[k], depth+1, visited)
	}
	return out
}

func (s *Sanitizer) sanitizeValue(v interface{}, depth int, visited map[uintptr]bool) interface{} {
	if v == nil {
		return nil
	}
	if depth > s.cfg.MaxDepth {
		return depthMarker
	}

	switch tv := v.(type) {
	case string:
		return s.String(tv)
	case bool, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return tv
	case map[string]interface{}:
		return s.sanitizeMap(tv, depth, visited)
	case []interface{}:
		return s.sanitizeSlice(tv, depth, visited)
	case error:
		return s.String(tv.Error())
	case fmt.Stringer:
		return s.String(tv.String())
	}

	// Uncommon shapes: inspect with reflection before giving up.
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr:
		if rv.IsNil() {
			return nil
		}
		return s.sanitizeValue(rv.Elem().Interface(), depth, visited)
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return unserialisable
		}
		ptr := rv.Pointer()
		if visited[ptr] {
			return circularMarker
		}
		visited[ptr] = true
		defer delete(visited, ptr)
		out := make(map[string]interface{}, rv.Len())
		iter := rv.MapRange()
		count := 0
		for iter.Next() {
			if count >= s.cfg.MaxKeys {
				out[depthMarker] = fmt.Sprintf("%d keys omitted", rv.Len()-s.cfg.MaxKeys)
				break
			}
			k := iter.Key().String()
			if SensitiveKey(k) {
				out[k] = redacted
			} else {
				out[k] = s.sanitizeValue(iter.Value().Interface(), depth+1, visited)
			}
			count++
		}
		return out
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.Len() > 0 {
			ptr := rv.Pointer()
			if visited[ptr] {
				return circularMarker
			}
			visited[ptr] = true
			defer delete(visited, ptr)
		}
		n := rv.Len()
		if n > s.cfg.MaxKeys {
			n = s.cfg.MaxKeys
		}
		out := make([]interface{}, 0, n)
		for i := 0; i < n; i++ {
			out = append(out, s.sanitizeValue(rv.Index(i).Interface(), depth+1, visited))
		}
		return out
	case reflect.Struct:
		// Structs are opaque to callers' context maps; render via fmt
		// so no field tags leak unsanitised.
		return s.String(fmt.Sprintf("%+v", v))
	}

	return unserialisable
}

func (s *Sanitizer) sanitizeSlice(in []interface{}, depth int, visited map[uintptr]bool) interface{} {
	if len(in) == 0 {
		return in
	}
	ptr := reflect.ValueOf(in).Pointer()
	if visited[ptr] {
		return circularMarker
	}
	visited[ptr] = true
	defer delete(visited, ptr)

	n := len(in)
	if n > s.cfg.MaxKeys {
		n = s.cfg.MaxKeys
	}
	out := make([]interface{}, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, s.sanitizeValue(in[i], depth+1, visited))
	}
	return out
}

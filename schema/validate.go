package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Sentinel errors.
var (
	ErrMalformedEncoding = errors.New("questforge: malformed encoding")
	ErrSchemaViolation   = errors.New("questforge: schema violation")
)

// ValidationError reports why output was rejected. Err is ErrMalformedEncoding
// or ErrSchemaViolation.
type ValidationError struct {
	Schema string
	Path   string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%v: schema=%s: %s", e.Err, e.Schema, e.Reason)
	}
	return fmt.Sprintf("%v: schema=%s path=%s: %s", e.Err, e.Schema, e.Path, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// AppliedRepair records a repair performed at a field path.
type AppliedRepair struct {
	Path   string `json:"path"`
	Repair Repair `json:"repair"`
}

// Result is a schema-valid, normalized value.
//
// Value holds string, []string, float64, int64, bool, map[string]any and
// []map[string]any according to the declared kinds.
type Result struct {
	Value   map[string]any
	Repairs []AppliedRepair
	Dropped []string
}

// Validate decodes raw as JSON and checks it against s. It is pure: the same
// input always produces the same result or the same error.
func Validate(raw string, s *Schema) (Result, error) {
	dec := json.NewDecoder(strings.NewReader(strings.TrimSpace(raw)))
	dec.UseNumber()

	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return Result{}, &ValidationError{Schema: s.Name, Reason: err.Error(), Err: ErrMalformedEncoding}
	}
	if _, err := dec.Token(); err != io.EOF {
		return Result{}, &ValidationError{Schema: s.Name, Reason: "trailing data after JSON value", Err: ErrMalformedEncoding}
	}

	obj, ok := decoded.(map[string]any)
	if !ok {
		return Result{}, &ValidationError{Schema: s.Name, Path: "$", Reason: "expected object, got " + describe(decoded), Err: ErrSchemaViolation}
	}

	v := &validator{schema: s.Name}
	value, err := v.object("", obj, s.Fields)
	if err != nil {
		return Result{}, err
	}
	return Result{Value: value, Repairs: v.repairs, Dropped: v.dropped}, nil
}

type validator struct {
	schema  string
	repairs []AppliedRepair
	dropped []string
}

func (v *validator) violation(path, format string, args ...any) error {
	return &ValidationError{Schema: v.schema, Path: path, Reason: fmt.Sprintf(format, args...), Err: ErrSchemaViolation}
}

func (v *validator) repaired(path string, r Repair) {
	v.repairs = append(v.repairs, AppliedRepair{Path: path, Repair: r})
}

func (v *validator) object(path string, m map[string]any, fields []Field) (map[string]any, error) {
	out := make(map[string]any, len(fields))
	declared := make(map[string]bool, len(fields))

	for _, f := range fields {
		declared[f.Name] = true
		p := join(path, f.Name)

		raw, present := m[f.Name]
		if !present || raw == nil {
			if f.Required {
				return nil, v.violation(p, "required field missing")
			}
			continue
		}

		val, err := v.field(p, f, raw)
		if err != nil {
			return nil, err
		}
		out[f.Name] = val
	}

	var unknown []string
	for k := range m {
		if !declared[k] {
			unknown = append(unknown, join(path, k))
		}
	}
	sort.Strings(unknown)
	v.dropped = append(v.dropped, unknown...)

	return out, nil
}

func (v *validator) field(path string, f Field, raw any) (any, error) {
	switch f.Kind {
	case KindText:
		t, ok := ClassifyText(raw)
		if !ok {
			return nil, v.violation(path, "expected string, got %s", describe(raw))
		}
		if t.Shape() == ShapeScalar {
			return t.Text(""), nil
		}
		if !f.Allows(RepairListToText) {
			return nil, v.violation(path, "expected string, got array")
		}
		v.repaired(path, RepairListToText)
		return t.Text(f.separator()), nil

	case KindTextList:
		t, ok := ClassifyText(raw)
		if !ok {
			return nil, v.violation(path, "expected array of strings, got %s", describe(raw))
		}
		if t.Shape() == ShapeSequence {
			return t.List(), nil
		}
		if !f.Allows(RepairScalarToList) {
			return nil, v.violation(path, "expected array of strings, got string")
		}
		v.repaired(path, RepairScalarToList)
		return t.List(), nil

	case KindNumber, KindInteger:
		return v.number(path, f, raw)

	case KindBoolean:
		b, ok := raw.(bool)
		if !ok {
			return nil, v.violation(path, "expected boolean, got %s", describe(raw))
		}
		return b, nil

	case KindEnum:
		s, ok := raw.(string)
		if !ok {
			return nil, v.violation(path, "expected one of [%s], got %s", strings.Join(f.Enum, ", "), describe(raw))
		}
		for _, allowed := range f.Enum {
			if s == allowed {
				return s, nil
			}
		}
		return nil, v.violation(path, "value %q not in [%s]", s, strings.Join(f.Enum, ", "))

	case KindObject:
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, v.violation(path, "expected object, got %s", describe(raw))
		}
		return v.object(path, m, f.Fields)

	case KindObjectList:
		arr, ok := raw.([]any)
		if !ok {
			return nil, v.violation(path, "expected array of objects, got %s", describe(raw))
		}
		out := make([]map[string]any, 0, len(arr))
		for i, e := range arr {
			p := fmt.Sprintf("%s[%d]", path, i)
			m, ok := e.(map[string]any)
			if !ok {
				return nil, v.violation(p, "expected object, got %s", describe(e))
			}
			obj, err := v.object(p, m, f.Fields)
			if err != nil {
				return nil, err
			}
			out = append(out, obj)
		}
		return out, nil
	}

	return nil, v.violation(path, "unknown kind %q", f.Kind)
}

func (v *validator) number(path string, f Field, raw any) (any, error) {
	var text string
	switch t := raw.(type) {
	case json.Number:
		text = t.String()
	case string:
		if !f.Allows(RepairNumericString) {
			return nil, v.violation(path, "expected %s, got string", f.Kind)
		}
		text = strings.TrimSpace(t)
	default:
		return nil, v.violation(path, "expected %s, got %s", f.Kind, describe(raw))
	}

	var out any
	if f.Kind == KindInteger {
		i, err := parseInteger(text)
		if err != nil {
			return nil, v.violation(path, "expected integer, got %s", text)
		}
		out = i
	} else {
		n, err := strconv.ParseFloat(text, 64)
		if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
			return nil, v.violation(path, "expected %s, got %q", f.Kind, text)
		}
		out = n
	}

	if _, isString := raw.(string); isString {
		v.repaired(path, RepairNumericString)
	}
	return out, nil
}

// maxExactFloat is the largest magnitude at which every integer is an exact float64.
const maxExactFloat = 1 << 53

// parseInteger accepts decimal integers that fit int64, and integral float
// forms ("3.0", "1e3") only where float64 is exact.
func parseInteger(text string) (int64, error) {
	i, err := strconv.ParseInt(text, 10, 64)
	if err == nil {
		return i, nil
	}
	if errors.Is(err, strconv.ErrRange) {
		return 0, err
	}
	n, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, err
	}
	if n != math.Trunc(n) || math.Abs(n) > maxExactFloat {
		return 0, fmt.Errorf("not an exact integer: %s", text)
	}
	return int64(n), nil
}

func join(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "." + name
}

func describe(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case json.Number:
		return "number"
	case bool:
		return "boolean"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

package schema

import "strings"

// Shape tags which variant a TextOrList holds.
type Shape int

const (
	ShapeScalar Shape = iota + 1
	ShapeSequence
)

func (s Shape) String() string {
	switch s {
	case ShapeScalar:
		return "scalar"
	case ShapeSequence:
		return "sequence"
	default:
		return "unknown"
	}
}

// TextOrList is a decoded value that is either one string or a list of
// strings. Raw output is classified into it once and then normalized to the
// field's declared kind.
type TextOrList struct {
	shape Shape
	items []string
}

// Scalar builds the single-string variant.
func Scalar(s string) TextOrList {
	return TextOrList{shape: ShapeScalar, items: []string{s}}
}

// Sequence builds the list variant.
func Sequence(items ...string) TextOrList {
	cp := make([]string, len(items))
	copy(cp, items)
	return TextOrList{shape: ShapeSequence, items: cp}
}

// ClassifyText inspects a decoded JSON value. It returns false when the value
// is neither a string nor an array made only of strings.
func ClassifyText(v any) (TextOrList, bool) {
	switch t := v.(type) {
	case string:
		return Scalar(t), true
	case []any:
		items := make([]string, 0, len(t))
		for _, e := range t {
			s, ok := e.(string)
			if !ok {
				return TextOrList{}, false
			}
			items = append(items, s)
		}
		return TextOrList{shape: ShapeSequence, items: items}, true
	default:
		return TextOrList{}, false
	}
}

// Shape returns the held variant.
func (t TextOrList) Shape() Shape { return t.shape }

// List returns the value as a list. A scalar becomes a one-element list.
func (t TextOrList) List() []string {
	cp := make([]string, len(t.items))
	copy(cp, t.items)
	return cp
}

// Text returns the value as a string. A sequence is joined with sep.
func (t TextOrList) Text(sep string) string {
	if t.shape == ShapeScalar {
		return t.items[0]
	}
	return strings.Join(t.items, sep)
}

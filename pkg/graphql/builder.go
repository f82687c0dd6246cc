// Package graphql constructs GraphQL documents for the on-demand marketplace API.
package graphql

import (
	"strconv"
	"strings"
)

// Builder renders GraphQL operations.
// All methods are pure functions with no side effects.
// Zero value is ready to use.
type Builder struct{}

// Value is an argument value rendered in GraphQL literal syntax.
type Value interface {
	render(sb *strings.Builder)
}

// Arg is a named argument or input object field.
type Arg struct {
	Name  string
	Value Value
}

// Selection is one field in a selection set, with optional arguments and children.
type Selection struct {
	Name     string
	Args     []Arg
	Children []Selection
}

// Field returns a selection with the given children.
func Field(name string, children ...Selection) Selection {
	return Selection{Name: name, Children: children}
}

// Fields returns leaf selections for each name.
func Fields(names ...string) []Selection {
	out := make([]Selection, len(names))
	for i, n := range names {
		out[i] = Selection{Name: n}
	}
	return out
}

// WithArgs returns a copy of s carrying args.
func (s Selection) WithArgs(args ...Arg) Selection {
	s.Args = args
	return s
}

// Query renders an anonymous query operation.
func (b Builder) Query(sel ...Selection) string {
	return b.operation("query", sel)
}

// Mutation renders an anonymous mutation operation.
func (b Builder) Mutation(sel ...Selection) string {
	return b.operation("mutation", sel)
}

func (b Builder) operation(kind string, sel []Selection) string {
	var sb strings.Builder
	sb.WriteString(kind)
	sb.WriteString(" ")
	writeSelectionSet(&sb, sel)
	return sb.String()
}

func writeSelectionSet(sb *strings.Builder, sel []Selection) {
	sb.WriteString("{ ")
	for i, s := range sel {
		if i > 0 {
			sb.WriteString(" ")
		}
		sb.WriteString(s.Name)
		if len(s.Args) > 0 {
			sb.WriteString("(")
			writeArgs(sb, s.Args)
			sb.WriteString(")")
		}
		if len(s.Children) > 0 {
			sb.WriteString(" ")
			writeSelectionSet(sb, s.Children)
		}
	}
	sb.WriteString(" }")
}

func writeArgs(sb *strings.Builder, args []Arg) {
	for i, a := range args {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(a.Name)
		sb.WriteString(": ")
		a.Value.render(sb)
	}
}

type stringValue string

func (v stringValue) render(sb *strings.Builder) { sb.WriteString(strconv.Quote(string(v))) }

type rawValue string

func (v rawValue) render(sb *strings.Builder) { sb.WriteString(string(v)) }

type listValue []Value

func (v listValue) render(sb *strings.Builder) {
	sb.WriteString("[")
	for i, item := range v {
		if i > 0 {
			sb.WriteString(", ")
		}
		item.render(sb)
	}
	sb.WriteString("]")
}

type objectValue []Arg

func (v objectValue) render(sb *strings.Builder) {
	sb.WriteString("{")
	writeArgs(sb, v)
	sb.WriteString("}")
}

// String returns a quoted string literal. Quotes and control characters are escaped.
func String(s string) Value { return stringValue(s) }

// Int returns an integer literal.
func Int(n int) Value { return rawValue(strconv.Itoa(n)) }

// Float returns a float literal.
func Float(f float64) Value { return rawValue(strconv.FormatFloat(f, 'f', -1, 64)) }

// Bool returns a boolean literal.
func Bool(b bool) Value { return rawValue(strconv.FormatBool(b)) }

// Enum returns an unquoted enum value. name must be a valid GraphQL name.
func Enum(name string) Value { return rawValue(name) }

// List returns a list literal.
func List(items ...Value) Value { return listValue(items) }

// Object returns an input object literal with fields in the given order.
func Object(fields ...Arg) Value { return objectValue(fields) }

// StringList is shorthand for a list of string literals.
func StringList(items ...string) Value {
	out := make(listValue, len(items))
	for i, s := range items {
		out[i] = stringValue(s)
	}
	return out
}

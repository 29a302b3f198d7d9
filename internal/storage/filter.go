package storage

import (
	"fmt"
	"strings"
)

// Filter is a row predicate evaluated against change notifications. Filters
// are built structurally so that OR and AND keep their meaning regardless of
// how a backend would render them.
type Filter interface {
	Match(r Record) bool
	String() string
}

type eqFilter struct {
	col string
	val any
}

func (f eqFilter) Match(r Record) bool {
	if r.IsNull(f.col) || f.val == nil {
		return false
	}
	return r.String(f.col) == fmt.Sprint(f.val)
}

func (f eqFilter) String() string { return fmt.Sprintf("%s.eq.%v", f.col, f.val) }

type nullFilter struct{ col string }

func (f nullFilter) Match(r Record) bool { return r.IsNull(f.col) }
func (f nullFilter) String() string      { return f.col + ".is.null" }

type boolFilter struct {
	op   string
	args []Filter
}

func (f boolFilter) Match(r Record) bool {
	if f.op == "and" {
		for _, a := range f.args {
			if !a.Match(r) {
				return false
			}
		}
		return true
	}
	for _, a := range f.args {
		if a.Match(r) {
			return true
		}
	}
	return false
}

func (f boolFilter) String() string {
	parts := make([]string, len(f.args))
	for i, a := range f.args {
		parts[i] = a.String()
	}
	return f.op + "(" + strings.Join(parts, ",") + ")"
}

// Eq matches rows whose column equals v. A null column never matches.
func Eq(col string, v any) Filter { return eqFilter{col: col, val: v} }

func IsNull(col string) Filter { return nullFilter{col: col} }

// And matches when every filter matches; And() matches everything.
func And(fs ...Filter) Filter { return boolFilter{op: "and", args: fs} }

// Or matches when any filter matches; Or() matches nothing.
func Or(fs ...Filter) Filter { return boolFilter{op: "or", args: fs} }

// Package require implements the requirement-expression language used to
// match jobs against slots. An expression is compiled once and then
// evaluated against attribute sets, e.g.
//
//	Cpus >= 2 && Memory >= 4096 && Arch == "x86_64"
//
// Attribute names are case-insensitive. A comparison against an attribute
// that is not defined evaluates to false rather than failing, so a job
// asking for an attribute a slot does not expose simply fails to match.
package require

import (
	"fmt"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

var (
	exprLexer = lexer.MustSimple([]lexer.SimpleRule{
		{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_]*`},
		{Name: "String", Pattern: `"(?:\\.|[^"])*"`},
		{Name: "Number", Pattern: `-?\d+(?:\.\d+)?`},
		{Name: "CmpOp", Pattern: `==|!=|>=|<=|>|<`},
		{Name: "AndOp", Pattern: `&&`},
		{Name: "OrOp", Pattern: `\|\|`},
		{Name: "Punct", Pattern: `[!()]`},
		{Name: "Whitespace", Pattern: `\s+`},
	})

	exprParser = participle.MustBuild[orExpr](
		participle.Lexer(exprLexer),
		participle.Unquote("String"),
		participle.Elide("Whitespace"),
	)
)

type orExpr struct {
	Or []*andExpr `parser:"@@ ( OrOp @@ )*"`
}

type andExpr struct {
	And []*comparison `parser:"@@ ( AndOp @@ )*"`
}

type comparison struct {
	Left  *unary `parser:"@@"`
	Op    string `parser:"( @CmpOp"`
	Right *unary `parser:"@@ )?"`
}

type unary struct {
	Not     *unary   `parser:"'!' @@"`
	Operand *operand `parser:"| @@"`
}

type operand struct {
	Number *float64 `parser:"@Number"`
	Str    *string  `parser:"| @String"`
	Ident  *string  `parser:"| @Ident"`
	Sub    *orExpr  `parser:"| '(' @@ ')'"`
}

// Expression is a compiled requirement expression.
type Expression struct {
	src  string
	root *orExpr
}

// Attributes is the value set an Expression is evaluated against.
// Supported value types are bool, string, int, int64 and float64.
type Attributes map[string]any

// Compile parses src into an Expression.
func Compile(src string) (*Expression, error) {
	root, err := exprParser.ParseString("", src)
	if err != nil {
		return nil, fmt.Errorf("invalid requirement expression %q: %w", src, err)
	}
	return &Expression{src: src, root: root}, nil
}

// MustCompile is Compile for expressions known to be valid, e.g. in tests.
func MustCompile(src string) *Expression {
	expr, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return expr
}

func (e *Expression) String() string {
	return e.src
}

// Eval reports whether the expression holds for the given attributes.
func (e *Expression) Eval(attrs Attributes) bool {
	return e.root.eval(attrs).truthy()
}

// UnmarshalYAML lets manifest fields hold expressions directly.
func (e *Expression) UnmarshalYAML(unmarshal func(any) error) error {
	var src string
	if err := unmarshal(&src); err != nil {
		return err
	}
	compiled, err := Compile(src)
	if err != nil {
		return err
	}
	*e = *compiled
	return nil
}

type valueKind int

const (
	kindUndefined valueKind = iota
	kindBool
	kindNumber
	kindString
)

type value struct {
	kind valueKind
	num  float64
	str  string
	b    bool
}

func (v value) truthy() bool {
	switch v.kind {
	case kindBool:
		return v.b
	case kindNumber:
		return v.num != 0
	case kindString:
		return v.str != ""
	default:
		return false
	}
}

func boolValue(b bool) value   { return value{kind: kindBool, b: b} }
func numValue(n float64) value { return value{kind: kindNumber, num: n} }
func strValue(s string) value  { return value{kind: kindString, str: s} }

func (attrs Attributes) lookup(name string) value {
	for key, raw := range attrs {
		if !strings.EqualFold(key, name) {
			continue
		}
		switch v := raw.(type) {
		case bool:
			return boolValue(v)
		case int:
			return numValue(float64(v))
		case int64:
			return numValue(float64(v))
		case uint64:
			return numValue(float64(v))
		case float64:
			return numValue(v)
		case string:
			return strValue(v)
		}
	}
	return value{}
}

func (n *orExpr) eval(attrs Attributes) value {
	if len(n.Or) == 1 {
		// A single term passes its value through so that parenthesised
		// operands such as `(Cpus)` keep their type for enclosing
		// comparisons.
		return n.Or[0].passthrough(attrs)
	}
	for _, term := range n.Or {
		if term.eval(attrs).truthy() {
			return boolValue(true)
		}
	}
	return boolValue(false)
}

func (n *andExpr) eval(attrs Attributes) value {
	for _, term := range n.And {
		if !term.eval(attrs).truthy() {
			return boolValue(false)
		}
	}
	return boolValue(true)
}

func (n *andExpr) passthrough(attrs Attributes) value {
	if len(n.And) == 1 && n.And[0].Op == "" && n.And[0].Left.Not == nil {
		return n.And[0].Left.Operand.eval(attrs)
	}
	return n.eval(attrs)
}

func (n *comparison) eval(attrs Attributes) value {
	left := n.Left.eval(attrs)
	if n.Op == "" {
		return left
	}
	right := n.Right.eval(attrs)
	return boolValue(compare(left, n.Op, right))
}

func (n *unary) eval(attrs Attributes) value {
	if n.Not != nil {
		return boolValue(!n.Not.eval(attrs).truthy())
	}
	return n.Operand.eval(attrs)
}

func (n *operand) eval(attrs Attributes) value {
	switch {
	case n.Number != nil:
		return numValue(*n.Number)
	case n.Str != nil:
		return strValue(*n.Str)
	case n.Ident != nil:
		switch strings.ToLower(*n.Ident) {
		case "true":
			return boolValue(true)
		case "false":
			return boolValue(false)
		}
		return attrs.lookup(*n.Ident)
	default:
		return n.Sub.eval(attrs)
	}
}

func compare(left value, op string, right value) bool {
	if left.kind == kindUndefined || right.kind == kindUndefined {
		return false
	}

	if left.kind == kindNumber && right.kind == kindNumber {
		switch op {
		case "==":
			return left.num == right.num
		case "!=":
			return left.num != right.num
		case ">":
			return left.num > right.num
		case ">=":
			return left.num >= right.num
		case "<":
			return left.num < right.num
		case "<=":
			return left.num <= right.num
		}
		return false
	}

	if left.kind == kindString && right.kind == kindString {
		switch op {
		case "==":
			return strings.EqualFold(left.str, right.str)
		case "!=":
			return !strings.EqualFold(left.str, right.str)
		case ">":
			return left.str > right.str
		case ">=":
			return left.str >= right.str
		case "<":
			return left.str < right.str
		case "<=":
			return left.str <= right.str
		}
		return false
	}

	if left.kind == kindBool && right.kind == kindBool {
		switch op {
		case "==":
			return left.b == right.b
		case "!=":
			return left.b != right.b
		}
		return false
	}

	// Mismatched types never match.
	return false
}

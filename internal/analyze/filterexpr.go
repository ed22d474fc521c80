package analyze

import (
	"fmt"
	"regexp"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

// FilterExpr is a compiled --filter-expr predicate, a small boolean
// grammar over a hotspot's name, file, and percentage
// (`name =~ "regex" && percentage > 5`) that supplements the plain
// FilterRegex option for callers who need more than a single pattern.
type FilterExpr struct {
	ast *exprOr
}

var filterLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "And", Pattern: `&&`},
	{Name: "Or", Pattern: `\|\|`},
	{Name: "Op", Pattern: `=~|>=|<=|>|<|==`},
	{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_]*`},
	{Name: "String", Pattern: `"(\\.|[^"])*"`},
	{Name: "Number", Pattern: `[0-9]+(\.[0-9]+)?`},
	{Name: "LParen", Pattern: `\(`},
	{Name: "RParen", Pattern: `\)`},
	{Name: "Whitespace", Pattern: `\s+`},
})

var filterParser = participle.MustBuild[exprOr](
	participle.Lexer(filterLexer),
	participle.Elide("Whitespace"),
	participle.Unquote("String"),
)

type exprOr struct {
	Left  *exprAnd `parser:"@@"`
	Right *exprOr  `parser:"( Or @@ )?"`
}

type exprAnd struct {
	Left  *exprCmp `parser:"@@"`
	Right *exprAnd `parser:"( And @@ )?"`
}

type exprCmp struct {
	Paren *exprOr `parser:"( LParen @@ RParen"`
	Cmp   *cmp    `parser:"| @@ )"`
}

type cmp struct {
	Field  string   `parser:"@Ident"`
	Op     string   `parser:"@Op"`
	Str    *string  `parser:"( @String"`
	Number *float64 `parser:"| @Number )"`
}

// ParseFilterExpr compiles expr into a FilterExpr, or returns an error
// describing where the grammar rejected it.
func ParseFilterExpr(expr string) (*FilterExpr, error) {
	ast, err := filterParser.ParseString("", expr)
	if err != nil {
		return nil, fmt.Errorf("parsing --filter-expr %q: %w", expr, err)
	}
	return &FilterExpr{ast: ast}, nil
}

// Matches evaluates the compiled expression against one hotspot.
func (f *FilterExpr) Matches(h Hotspot) (bool, error) {
	return evalOr(f.ast, h)
}

func evalOr(e *exprOr, h Hotspot) (bool, error) {
	left, err := evalAnd(e.Left, h)
	if err != nil {
		return false, err
	}
	if left {
		return true, nil
	}
	if e.Right != nil {
		return evalOr(e.Right, h)
	}
	return false, nil
}

func evalAnd(e *exprAnd, h Hotspot) (bool, error) {
	left, err := evalCmp(e.Left, h)
	if err != nil {
		return false, err
	}
	if !left {
		return false, nil
	}
	if e.Right != nil {
		return evalAnd(e.Right, h)
	}
	return true, nil
}

func evalCmp(e *exprCmp, h Hotspot) (bool, error) {
	if e.Paren != nil {
		return evalOr(e.Paren, h)
	}
	return evalLeaf(e.Cmp, h)
}

func evalLeaf(c *cmp, h Hotspot) (bool, error) {
	switch c.Field {
	case "name", "file":
		fieldValue := h.Name
		if c.Field == "file" {
			fieldValue = h.File
		}
		if c.Op != "=~" && c.Op != "==" {
			return false, fmt.Errorf("field %q only supports =~ or ==", c.Field)
		}
		if c.Str == nil {
			return false, fmt.Errorf("field %q requires a string literal", c.Field)
		}
		if c.Op == "==" {
			return fieldValue == *c.Str, nil
		}
		re, err := regexp.Compile(*c.Str)
		if err != nil {
			return false, fmt.Errorf("invalid regex %q: %w", *c.Str, err)
		}
		return re.MatchString(fieldValue), nil
	case "percentage", "self", "total", "samples":
		if c.Number == nil {
			return false, fmt.Errorf("field %q requires a numeric literal", c.Field)
		}
		var fieldValue float64
		switch c.Field {
		case "percentage":
			fieldValue = h.Percentage
		case "self":
			fieldValue = h.Self
		case "total":
			fieldValue = h.Total
		case "samples":
			fieldValue = float64(h.Samples)
		}
		return compareNumber(fieldValue, c.Op, *c.Number)
	default:
		return false, fmt.Errorf("unknown field %q", c.Field)
	}
}

func compareNumber(fieldValue float64, op string, target float64) (bool, error) {
	switch op {
	case "==":
		return fieldValue == target, nil
	case ">":
		return fieldValue > target, nil
	case "<":
		return fieldValue < target, nil
	case ">=":
		return fieldValue >= target, nil
	case "<=":
		return fieldValue <= target, nil
	default:
		return false, fmt.Errorf("operator %q not valid for a numeric field", op)
	}
}

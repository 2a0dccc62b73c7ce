package query

import (
	"regexp"
	"strconv"
	"strings"

	"sipsearch-server/pkg/errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// operators in precedence order: the first operator found as a substring
// wins, so != must be tried before =.
var operators = []string{"!=", ">", "<", "=~", "="}

// Token is one parsed `attribute<op>value` term.
type Token struct {
	Attribute string
	Operator  string
	Value     string
}

// Family returns the attribute family prefix ("sip", "rtp", "rtcp").
func (t Token) Family() string {
	if idx := strings.Index(t.Attribute, "."); idx > 0 {
		return t.Attribute[:idx]
	}
	return t.Attribute
}

// Expression is a parsed query: an implicit conjunction of tokens.
type Expression struct {
	Tokens []Token
}

// Empty reports whether the expression has no terms.
func (e Expression) Empty() bool { return len(e.Tokens) == 0 }

// Families lists the attribute families in order of first appearance.
func (e Expression) Families() []string {
	var out []string
	seen := map[string]bool{}
	for _, tok := range e.Tokens {
		f := tok.Family()
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}

// Family keeps only the tokens of one attribute family.
func (e Expression) Family(family string) Expression {
	var out Expression
	for _, tok := range e.Tokens {
		if tok.Family() == family {
			out.Tokens = append(out.Tokens, tok)
		}
	}
	return out
}

// Parse splits a query string into tokens. Terms are space-separated.
func Parse(query string) (Expression, error) {
	var expr Expression
	for _, term := range strings.Fields(query) {
		tok, err := parseToken(term)
		if err != nil {
			return Expression{}, err
		}
		expr.Tokens = append(expr.Tokens, tok)
	}
	return expr, nil
}

func parseToken(term string) (Token, error) {
	for _, op := range operators {
		idx := strings.Index(term, op)
		if idx <= 0 {
			continue
		}
		attr := term[:idx]
		value := term[idx+len(op):]
		if value == "" {
			return Token{}, errors.NewInvalidQuery("empty value").WithField("term", term)
		}
		return Token{Attribute: attr, Operator: op, Value: value}, nil
	}
	return Token{}, errors.NewInvalidQuery("no operator found").WithField("term", term)
}

// FieldMapper transforms an attribute's raw field name before predicate
// construction, e.g. to add a report-body namespace prefix.
type FieldMapper func(field string) string

// Compiler turns parsed expressions into storage-level predicates using the
// attribute catalog for typing and virtual-attribute expansion.
type Compiler struct {
	catalog Catalog
}

// NewCompiler builds a compiler over a catalog.
func NewCompiler(catalog Catalog) *Compiler {
	return &Compiler{catalog: catalog}
}

// CompileQuery parses and compiles a query string in one step.
func (c *Compiler) CompileQuery(query string, mapper FieldMapper) (bson.M, error) {
	expr, err := Parse(query)
	if err != nil {
		return nil, err
	}
	return c.Compile(expr, mapper)
}

// Compile builds the conjunction of all token predicates. An empty
// expression compiles to the match-all filter.
func (c *Compiler) Compile(expr Expression, mapper FieldMapper) (bson.M, error) {
	if expr.Empty() {
		return bson.M{}, nil
	}

	var terms []bson.M
	for _, tok := range expr.Tokens {
		pred, err := c.compileToken(tok, mapper)
		if err != nil {
			return nil, err
		}
		terms = append(terms, pred)
	}
	if len(terms) == 1 {
		return terms[0], nil
	}
	return bson.M{"$and": terms}, nil
}

func (c *Compiler) compileToken(tok Token, mapper FieldMapper) (bson.M, error) {
	attr, ok := c.catalog.Lookup(tok.Attribute)
	if !ok {
		return nil, errors.NewUnknownAttribute(tok.Attribute)
	}

	if attr.Virtual() {
		var alternatives []bson.M
		for _, name := range attr.Expansion {
			pred, err := c.compileToken(Token{Attribute: name, Operator: tok.Operator, Value: tok.Value}, mapper)
			if err != nil {
				return nil, err
			}
			alternatives = append(alternatives, pred)
		}
		return bson.M{"$or": alternatives}, nil
	}

	field := fieldOf(tok.Attribute)
	if mapper != nil {
		field = mapper(field)
	}

	value, err := typedValue(attr, tok)
	if err != nil {
		return nil, err
	}

	switch tok.Operator {
	case "=":
		return bson.M{field: value}, nil
	case "!=":
		return bson.M{field: bson.M{"$ne": value}}, nil
	case ">":
		return bson.M{field: bson.M{"$gt": value}}, nil
	case "<":
		return bson.M{field: bson.M{"$lt": value}}, nil
	case "=~":
		pattern, ok := value.(string)
		if !ok {
			return nil, errors.NewInvalidQuery("regex match requires a string attribute").
				WithField("attribute", tok.Attribute)
		}
		return bson.M{field: primitive.Regex{Pattern: pattern}}, nil
	default:
		return nil, errors.NewInvalidQuery("unsupported operator").WithField("operator", tok.Operator)
	}
}

// fieldOf strips the family prefix: "sip.caller" addresses the raw field
// "caller".
func fieldOf(attribute string) string {
	if idx := strings.Index(attribute, "."); idx >= 0 {
		return attribute[idx+1:]
	}
	return attribute
}

// typedValue converts the token value to the attribute's declared type.
// Numbers accept a trailing unit suffix: s multiplies by 1000, m by 60000.
func typedValue(attr Attribute, tok Token) (interface{}, error) {
	switch attr.Type {
	case TypeString:
		if tok.Operator == "=~" {
			if _, err := regexp.Compile(tok.Value); err != nil {
				return nil, errors.NewInvalidQuery("malformed regex").
					WithField("attribute", tok.Attribute).
					WithField("pattern", tok.Value)
			}
		}
		return tok.Value, nil
	case TypeNumber:
		if tok.Operator == "=~" {
			return nil, errors.NewInvalidQuery("regex match requires a string attribute").
				WithField("attribute", tok.Attribute)
		}
		return parseNumber(tok)
	case TypeBoolean:
		if tok.Operator != "=" && tok.Operator != "!=" {
			return nil, errors.NewInvalidQuery("boolean attributes support only = and !=").
				WithField("attribute", tok.Attribute)
		}
		parsed, err := strconv.ParseBool(tok.Value)
		if err != nil {
			return nil, errors.NewInvalidQuery("malformed boolean value").
				WithField("attribute", tok.Attribute).
				WithField("value", tok.Value)
		}
		return parsed, nil
	default:
		return nil, errors.NewInvalidQuery("unknown attribute type").WithField("attribute", tok.Attribute)
	}
}

func parseNumber(tok Token) (interface{}, error) {
	value := tok.Value
	multiplier := int64(1)
	switch {
	case strings.HasSuffix(value, "s"):
		multiplier = 1000
		value = strings.TrimSuffix(value, "s")
	case strings.HasSuffix(value, "m"):
		multiplier = 60000
		value = strings.TrimSuffix(value, "m")
	}

	if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
		return parsed * multiplier, nil
	}
	if parsed, err := strconv.ParseFloat(value, 64); err == nil {
		return parsed * float64(multiplier), nil
	}
	return nil, errors.NewInvalidQuery("malformed numeric value").
		WithField("attribute", tok.Attribute).
		WithField("value", tok.Value)
}

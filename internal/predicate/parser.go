package predicate

import (
	"fmt"
	"strconv"
	"strings"

	nerrors "github.com/pvforecast/nwplake/internal/errors"
)

// ParseError represents a predicate syntax error.
type ParseError struct {
	Message string
	Pos     int
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at position %d: %s", e.Pos, e.Message)
}

// Parser is a recursive-descent parser for the grammar
//
//	expr    := and { OR and }
//	and     := primary { AND primary }
//	primary := '(' expr ')' | TRUE | FALSE
//	         | ident op literal
//	         | ident BETWEEN literal AND literal
//	         | ident CONTAINS literal
type Parser struct {
	lexer     *Lexer
	curToken  Token
	peekToken Token
}

// NewParser creates a new Parser for the given input.
func NewParser(input string) *Parser {
	p := &Parser{lexer: NewLexer(input)}
	p.nextToken()
	p.nextToken()
	return p
}

// Parse parses a predicate expression. An empty input is True.
func Parse(input string) (Predicate, error) {
	if strings.TrimSpace(input) == "" {
		return True(), nil
	}
	p := NewParser(input)
	pred, err := p.parseOr()
	if err == nil && p.curToken.Type != TokenEOF {
		err = p.errorf("unexpected %s", p.curToken.Type)
	}
	if err != nil {
		return Predicate{}, nerrors.Wrap(nerrors.ErrCategoryValidation, nerrors.CodeParseError, "invalid predicate", err)
	}
	return pred, nil
}

// MustParse is Parse for literals known to be valid.
func MustParse(input string) Predicate {
	p, err := Parse(input)
	if err != nil {
		panic(err)
	}
	return p
}

func (p *Parser) nextToken() {
	p.curToken = p.peekToken
	p.peekToken = p.lexer.NextToken()
}

func (p *Parser) errorf(format string, args ...any) error {
	if p.curToken.Type == TokenError {
		return &ParseError{Message: "invalid token " + strconv.Quote(p.curToken.Literal), Pos: p.curToken.Pos}
	}
	return &ParseError{Message: fmt.Sprintf(format, args...), Pos: p.curToken.Pos}
}

func (p *Parser) parseOr() (Predicate, error) {
	left, err := p.parseAnd()
	if err != nil {
		return Predicate{}, err
	}
	children := []Predicate{left}
	for p.curToken.Type == TokenOr {
		p.nextToken()
		right, err := p.parseAnd()
		if err != nil {
			return Predicate{}, err
		}
		children = append(children, right)
	}
	if len(children) == 1 {
		return left, nil
	}
	return Or(children...), nil
}

func (p *Parser) parseAnd() (Predicate, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return Predicate{}, err
	}
	children := []Predicate{left}
	for p.curToken.Type == TokenAnd {
		p.nextToken()
		right, err := p.parsePrimary()
		if err != nil {
			return Predicate{}, err
		}
		children = append(children, right)
	}
	if len(children) == 1 {
		return left, nil
	}
	return And(children...), nil
}

func (p *Parser) parsePrimary() (Predicate, error) {
	switch p.curToken.Type {
	case TokenLParen:
		p.nextToken()
		inner, err := p.parseOr()
		if err != nil {
			return Predicate{}, err
		}
		if p.curToken.Type != TokenRParen {
			return Predicate{}, p.errorf("expected ')', got %s", p.curToken.Type)
		}
		p.nextToken()
		return inner, nil
	case TokenTrue:
		p.nextToken()
		return True(), nil
	case TokenFalse:
		p.nextToken()
		return Or(), nil
	case TokenIdent:
		return p.parseComparison()
	}
	return Predicate{}, p.errorf("expected key name, got %s", p.curToken.Type)
}

func (p *Parser) parseComparison() (Predicate, error) {
	field := p.curToken.Literal
	p.nextToken()

	op := p.curToken.Type
	p.nextToken()

	switch op {
	case TokenBetween:
		low, err := p.parseLiteral()
		if err != nil {
			return Predicate{}, err
		}
		if p.curToken.Type != TokenAnd {
			return Predicate{}, p.errorf("expected AND in BETWEEN, got %s", p.curToken.Type)
		}
		p.nextToken()
		high, err := p.parseLiteral()
		if err != nil {
			return Predicate{}, err
		}
		return Between(field, low, high), nil
	case TokenContains:
		v, err := p.parseLiteral()
		if err != nil {
			return Predicate{}, err
		}
		return Contains(field, v), nil
	}

	v, err := p.parseLiteral()
	if err != nil {
		return Predicate{}, err
	}
	switch op {
	case TokenEq:
		return Eq(field, v), nil
	case TokenNe:
		return Ne(field, v), nil
	case TokenLt:
		return Lt(field, v), nil
	case TokenLe:
		return Le(field, v), nil
	case TokenGt:
		return Gt(field, v), nil
	case TokenGe:
		return Ge(field, v), nil
	}
	return Predicate{}, &ParseError{Message: fmt.Sprintf("expected operator after %q, got %s", field, op), Pos: p.curToken.Pos}
}

func (p *Parser) parseLiteral() (any, error) {
	tok := p.curToken
	switch tok.Type {
	case TokenString:
		p.nextToken()
		return tok.Literal, nil
	case TokenNumber:
		p.nextToken()
		if n, err := strconv.ParseInt(tok.Literal, 10, 64); err == nil {
			return n, nil
		}
		f, err := strconv.ParseFloat(tok.Literal, 64)
		if err != nil {
			return nil, &ParseError{Message: "invalid number " + tok.Literal, Pos: tok.Pos}
		}
		return f, nil
	case TokenTrue:
		p.nextToken()
		return true, nil
	case TokenFalse:
		p.nextToken()
		return false, nil
	}
	return nil, p.errorf("expected literal, got %s", tok.Type)
}

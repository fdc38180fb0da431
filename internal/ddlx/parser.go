package ddlx

import (
	"fmt"
	"strings"

	"github.com/electric-sql/pg-proxy/internal/featureflags"
	"github.com/electric-sql/pg-proxy/internal/pgerror"
)

// Parse parses a single `ELECTRIC …` statement (ddl.Classify passes the
// leading ELECTRIC keyword through, but Parse accepts it present or absent)
// into a Command, then validates the result against flags. A disabled
// feature yields FeatureDisabled rather than a parse failure, since the
// input was syntactically well formed.
func Parse(src string, flags featureflags.Snapshot) (Command, error) {
	p := &parser{lex: newLexer(src)}
	p.advance()

	cmd, err := p.parseCommand()
	if err != nil {
		return nil, err
	}

	if flag, ok := requiredFlag(cmd); ok && !flags.Enabled(flag) {
		return nil, pgerror.NewFeatureDisabledError(flag)
	}

	// A grant of a write privilege is gated separately from grants in
	// general, so an operator can allow read-sharing rules while keeping
	// client-driven write permissions switched off.
	if g, ok := cmd.(Grant); ok && grantsWrites(g.Privilege) && !flags.Enabled(featureflags.GrantWritePermissions) {
		return nil, pgerror.NewFeatureDisabledError(featureflags.GrantWritePermissions)
	}

	return cmd, nil
}

func requiredFlag(cmd Command) (string, bool) {
	switch cmd.(type) {
	case Grant:
		return featureflags.DDLXGrant, true
	case Revoke:
		return featureflags.DDLXRevoke, true
	case Assign:
		return featureflags.DDLXAssign, true
	case Unassign:
		return featureflags.DDLXUnassign, true
	case SqliteVerbatim:
		return featureflags.DDLXSqlite, true
	default:
		return "", false
	}
}

func grantsWrites(privilege string) bool {
	switch privilege {
	case "ALL", "WRITE", "INSERT", "UPDATE", "DELETE":
		return true
	default:
		return false
	}
}

type parser struct {
	lex *lexer
	tok token
}

func (p *parser) advance() {
	p.tok = p.lex.next()
}

func (p *parser) errorf(format string, args ...any) error {
	return pgerror.NewParseError(p.tok.line, p.tok.col, fmt.Sprintf(format, args...))
}

func (p *parser) expectIdent(word string) error {
	if p.tok.kind != tokIdent || !strings.EqualFold(p.tok.text, word) {
		return p.errorf("expected %q, found %q", word, p.tok.text)
	}
	p.advance()
	return nil
}

func (p *parser) expectPunct(punct string) error {
	if p.tok.kind != tokPunct || p.tok.text != punct {
		return p.errorf("expected %q, found %q", punct, p.tok.text)
	}
	p.advance()
	return nil
}

func (p *parser) identText() (string, error) {
	if p.tok.kind != tokIdent {
		return "", p.errorf("expected identifier, found %q", p.tok.text)
	}
	text := p.tok.text
	p.advance()
	return text, nil
}

func (p *parser) stringText() (string, error) {
	if p.tok.kind != tokString {
		return "", p.errorf("expected quoted string, found %q", p.tok.text)
	}
	text := p.tok.text
	p.advance()
	return text, nil
}

func (p *parser) atIdent(word string) bool {
	return p.tok.kind == tokIdent && strings.EqualFold(p.tok.text, word)
}

func (p *parser) parseCommand() (Command, error) {
	if p.atIdent("ELECTRIC") {
		p.advance()
	}

	if p.tok.kind != tokIdent {
		return nil, p.errorf("expected a DDLX verb, found %q", p.tok.text)
	}

	switch strings.ToUpper(p.tok.text) {
	case "ENABLE":
		p.advance()
		return p.parseEnable()
	case "DISABLE":
		p.advance()
		return p.parseDisable()
	case "GRANT":
		p.advance()
		return p.parseGrant()
	case "REVOKE":
		p.advance()
		return p.parseRevoke()
	case "ASSIGN":
		p.advance()
		return p.parseAssign()
	case "UNASSIGN":
		p.advance()
		return p.parseUnassign()
	case "SQLITE":
		// No advance: the verbatim body starts right after SQLITE.
		return p.parseSqlite()
	default:
		return nil, p.errorf("unrecognized DDLX verb %q", p.tok.text)
	}
}

func (p *parser) parseEnable() (Command, error) {
	table, err := p.identText()
	if err != nil {
		return nil, err
	}
	return Enable{Table: table}, nil
}

func (p *parser) parseDisable() (Command, error) {
	table, err := p.identText()
	if err != nil {
		return nil, err
	}
	return Disable{Table: table}, nil
}

// parseGrant parses:
//
//	GRANT <privilege> ON <table> [ ( col[, col...] ) ] TO '<role>' [ WHERE <expr> ]
func (p *parser) parseGrant() (Command, error) {
	privilege, err := p.identText()
	if err != nil {
		return nil, err
	}
	if err := p.expectIdent("ON"); err != nil {
		return nil, err
	}
	table, err := p.identText()
	if err != nil {
		return nil, err
	}

	scope := ScopeTable
	var columns []string
	if p.tok.kind == tokPunct && p.tok.text == "(" {
		scope = ScopeColumns
		columns, err = p.parseColumnList()
		if err != nil {
			return nil, err
		}
	}

	if err := p.expectIdent("TO"); err != nil {
		return nil, err
	}
	role, err := p.stringText()
	if err != nil {
		return nil, err
	}

	where := ""
	if p.atIdent("WHERE") {
		// The lexer already sits just past WHERE; the expression starts there.
		where = p.lex.rest()
	}

	return Grant{
		Privilege: strings.ToUpper(privilege),
		Scope:     scope,
		Table:     table,
		Role:      role,
		Columns:   columns,
		Where:     where,
	}, nil
}

// parseRevoke parses:
//
//	REVOKE <privilege> ON <table> [ ( col[, col...] ) ] FROM '<role>'
func (p *parser) parseRevoke() (Command, error) {
	privilege, err := p.identText()
	if err != nil {
		return nil, err
	}
	if err := p.expectIdent("ON"); err != nil {
		return nil, err
	}
	table, err := p.identText()
	if err != nil {
		return nil, err
	}

	scope := ScopeTable
	var columns []string
	if p.tok.kind == tokPunct && p.tok.text == "(" {
		scope = ScopeColumns
		columns, err = p.parseColumnList()
		if err != nil {
			return nil, err
		}
	}

	if err := p.expectIdent("FROM"); err != nil {
		return nil, err
	}
	role, err := p.stringText()
	if err != nil {
		return nil, err
	}

	return Revoke{
		Privilege: strings.ToUpper(privilege),
		Scope:     scope,
		Table:     table,
		Role:      role,
		Columns:   columns,
	}, nil
}

// parseAssign parses:
//
//	ASSIGN '<role-expr>' TO <user-expr> [ IF <expr> ]
func (p *parser) parseAssign() (Command, error) {
	role, err := p.stringText()
	if err != nil {
		return nil, err
	}
	if err := p.expectIdent("TO"); err != nil {
		return nil, err
	}
	user, err := p.identText()
	if err != nil {
		return nil, err
	}

	ifExpr := ""
	if p.atIdent("IF") {
		// The lexer already sits just past IF; the expression starts there.
		ifExpr = p.lex.rest()
	}

	return Assign{RoleExpr: role, UserExpr: user, IfExpr: ifExpr}, nil
}

// parseUnassign parses:
//
//	UNASSIGN '<role-expr>' FROM <user-expr>
func (p *parser) parseUnassign() (Command, error) {
	role, err := p.stringText()
	if err != nil {
		return nil, err
	}
	if err := p.expectIdent("FROM"); err != nil {
		return nil, err
	}
	user, err := p.identText()
	if err != nil {
		return nil, err
	}

	return Unassign{RoleExpr: role, UserExpr: user}, nil
}

func (p *parser) parseSqlite() (Command, error) {
	return SqliteVerbatim{Body: p.lex.rest()}, nil
}

func (p *parser) parseColumnList() ([]string, error) {
	if err := p.expectPunct("("); err != nil {
		return nil, err
	}

	var columns []string
	for {
		col, err := p.identText()
		if err != nil {
			return nil, err
		}
		columns = append(columns, col)

		if p.tok.kind == tokPunct && p.tok.text == "," {
			p.advance()
			continue
		}
		break
	}

	if err := p.expectPunct(")"); err != nil {
		return nil, err
	}

	return columns, nil
}

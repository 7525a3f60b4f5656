// Package template renders an Application's command_template against a
// validated parameter set. It is a thin wrapper around text/template with
// one structural restriction enforced at parse time, not render time: every
// value substituted into the output MUST pass through the "q" shell-quote
// filter. text/template is also used for webhook notification bodies
// (middlewares/webhook.go, preset.go); the static safety check
// here is new, walking text/template/parse's AST the way preset.go walks
// its own parsed structures.
package template

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"text/template"
	"text/template/parse"

	"al.essio.dev/pkg/shellescape"
)

// Engine is a parsed, statically-verified command template. Construction
// fails closed: a template with an unquoted substitution never reaches
// Render.
type Engine struct {
	name string
	tmpl *template.Template
}

var funcMap = template.FuncMap{
	"q": func(v any) string { return shellescape.Quote(fmt.Sprint(v)) },
}

// Compile parses text as a named command template and verifies that every
// substitution is filtered through "q". A template that fails this check is
// a configuration error and must be rejected at startup — never at
// submission time.
func Compile(name, text string) (*Engine, error) {
	tmpl, err := template.New(name).Funcs(funcMap).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse template %q: %w", name, err)
	}
	if err := verifyQuoted(tmpl.Root); err != nil {
		return nil, fmt.Errorf("template %q: %w", name, err)
	}
	return &Engine{name: name, tmpl: tmpl}, nil
}

var collapseSpace = regexp.MustCompile(`[ \t]+`)

// Render executes the template against params, which must already have
// passed the application's input_schema validation. Rendering is total: a
// missing key is a bug in the caller (schema validation should have caught
// it), not a condition Render tolerates silently — "missingkey=error" above
// turns it into an error here instead of a silent empty substitution.
func (e *Engine) Render(params map[string]string) (string, error) {
	data := make(map[string]any, len(params))
	for k, v := range params {
		data[k] = v
	}

	var buf bytes.Buffer
	if err := e.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render template %q: %w", e.name, err)
	}

	line := strings.NewReplacer("\n", " ", "\r", " ").Replace(buf.String())
	line = collapseSpace.ReplaceAllString(line, " ")
	return strings.TrimSpace(line), nil
}

// verifyQuoted walks every node reachable from root and rejects any
// top-level action ({{ ... }}) whose pipeline does not end in a call to q.
// Pipelines nested inside if/range/with conditions are not output directly
// (they only steer control flow) and are exempt; their bodies are walked
// recursively for their own actions.
func verifyQuoted(root *parse.ListNode) error {
	if root == nil {
		return nil
	}
	for _, n := range root.Nodes {
		if err := verifyNode(n); err != nil {
			return err
		}
	}
	return nil
}

func verifyNode(n parse.Node) error {
	switch v := n.(type) {
	case *parse.ActionNode:
		if !pipeEndsInQ(v.Pipe) {
			return fmt.Errorf("unquoted substitution %q: every output action must end with \"| q\"", v.String())
		}
	case *parse.IfNode:
		if err := verifyQuoted(v.List); err != nil {
			return err
		}
		return verifyQuoted(v.ElseList)
	case *parse.RangeNode:
		if err := verifyQuoted(v.List); err != nil {
			return err
		}
		return verifyQuoted(v.ElseList)
	case *parse.WithNode:
		if err := verifyQuoted(v.List); err != nil {
			return err
		}
		return verifyQuoted(v.ElseList)
	case *parse.ListNode:
		return verifyQuoted(v)
	}
	return nil
}

// pipeEndsInQ reports whether the final command of the pipe is a bare call
// to the q function, e.g. `.Name | q` or `q .Name`. A pipe consisting only
// of a literal (string/number/bool constant with no field/variable access)
// is also safe, since the template author controls its value, not the user.
func pipeEndsInQ(p *parse.PipeNode) bool {
	if p == nil || len(p.Cmds) == 0 {
		return false
	}
	last := p.Cmds[len(p.Cmds)-1]
	if len(last.Args) == 0 {
		return false
	}
	if id, ok := last.Args[0].(*parse.IdentifierNode); ok && id.Ident == "q" {
		return true
	}
	// Only the final command needs to be q; if the whole pipe contains no
	// field/variable reference at all, there is nothing user-controlled to
	// quote (e.g. a literal `{{"--verbose"}}`).
	return !pipeReferencesData(p)
}

func pipeReferencesData(p *parse.PipeNode) bool {
	for _, cmd := range p.Cmds {
		for _, arg := range cmd.Args {
			switch arg.(type) {
			case *parse.FieldNode, *parse.VariableNode, *parse.ChainNode, *parse.DotNode:
				return true
			}
		}
	}
	return false
}

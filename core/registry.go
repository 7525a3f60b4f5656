package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/netresearch/jobbroker/core/domain"
	"github.com/netresearch/jobbroker/core/template"
)

// defaultInteractiveTimeout is applied to an InteractiveApplication whose
// config omits a timeout.
const defaultInteractiveTimeout = 30 * time.Second

// CompiledApplication is an Application together with the artifacts that
// can only be produced once, at startup: its compiled JSON-Schema validator
// and its statically-verified command template. Configuration is
// pre-compiled into ready-to-use handles (the same habit preset.go's
// cached, parsed GitHub preset documents follow) rather than re-parsed on
// every request.
type CompiledApplication struct {
	domain.Application
	schema *jsonschema.Schema
	engine *template.Engine
}

// CompiledInteractiveApplication mirrors CompiledApplication for follow-up
// commands.
type CompiledInteractiveApplication struct {
	domain.InteractiveApplication
	schema *jsonschema.Schema
	engine *template.Engine
}

// ApplicationRegistry is the typed, validated, read-only view over every
// application and interactive application loaded from configuration. It is
// built once at startup by NewApplicationRegistry and never mutated
// afterward; both kinds of application are treated as immutable.
type ApplicationRegistry struct {
	apps        map[string]*CompiledApplication
	interactive map[string]*CompiledInteractiveApplication
}

// NewApplicationRegistry validates and compiles every application and
// interactive application, failing closed on the first problem: an invalid
// input_schema, a command_template with an unquoted substitution, or a
// duplicate name. This is startup-time enforcement — a loud, early
// configuration error — rather than deferring either failure mode to
// request time.
func NewApplicationRegistry(apps []domain.Application, interactive []domain.InteractiveApplication) (*ApplicationRegistry, error) {
	reg := &ApplicationRegistry{
		apps:        make(map[string]*CompiledApplication, len(apps)),
		interactive: make(map[string]*CompiledInteractiveApplication, len(interactive)),
	}

	for _, a := range apps {
		if _, exists := reg.apps[a.Name]; exists {
			return nil, domain.NewConfigurationError(a.Name, "duplicate application name", nil)
		}
		compiled, err := compileApplication(a)
		if err != nil {
			return nil, err
		}
		reg.apps[a.Name] = compiled
	}

	for _, ia := range interactive {
		if _, exists := reg.interactive[ia.Name]; exists {
			return nil, domain.NewConfigurationError(ia.Name, "duplicate interactive application name", nil)
		}
		if ia.JobApplication != "" {
			if _, ok := reg.apps[ia.JobApplication]; !ok {
				return nil, domain.NewConfigurationError(ia.Name,
					fmt.Sprintf("job_application %q is not a configured application", ia.JobApplication), nil)
			}
		}
		compiled, err := compileInteractive(ia)
		if err != nil {
			return nil, err
		}
		reg.interactive[ia.Name] = compiled
	}

	return reg, nil
}

func compileApplication(a domain.Application) (*CompiledApplication, error) {
	schema, err := compileSchema(a.Name, a.InputSchema)
	if err != nil {
		return nil, domain.NewConfigurationError(a.Name, "input_schema", err)
	}
	engine, err := template.Compile(a.Name, a.CommandTemplate)
	if err != nil {
		return nil, domain.NewConfigurationError(a.Name, "command_template", err)
	}
	return &CompiledApplication{Application: a, schema: schema, engine: engine}, nil
}

func compileInteractive(ia domain.InteractiveApplication) (*CompiledInteractiveApplication, error) {
	schema, err := compileSchema(ia.Name, ia.InputSchema)
	if err != nil {
		return nil, domain.NewConfigurationError(ia.Name, "input_schema", err)
	}
	engine, err := template.Compile(ia.Name, ia.CommandTemplate)
	if err != nil {
		return nil, domain.NewConfigurationError(ia.Name, "command_template", err)
	}
	if ia.Timeout <= 0 {
		ia.Timeout = defaultInteractiveTimeout
	}
	return &CompiledInteractiveApplication{InteractiveApplication: ia, schema: schema, engine: engine}, nil
}

// compileSchema compiles raw and enforces that it is a JSON-Schema
// 2020-12 object whose top-level properties are all string/number/boolean
// (the only types the template engine can coerce to a substitutable
// string).
func compileSchema(name string, raw map[string]any) (*jsonschema.Schema, error) {
	if raw == nil {
		raw = map[string]any{"type": "object"}
	}

	if err := verifyPropertyTypes(raw); err != nil {
		return nil, err
	}

	js, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("marshal input_schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	c.DefaultDraft(jsonschema.Draft2020)
	resourceName := "schema_" + name + ".json"
	if err := c.AddResource(resourceName, bytes.NewReader(js)); err != nil {
		return nil, fmt.Errorf("add input_schema resource: %w", err)
	}
	schema, err := c.Compile(resourceName)
	if err != nil {
		return nil, fmt.Errorf("compile input_schema: %w", err)
	}
	return schema, nil
}

var allowedPropertyTypes = []string{"string", "number", "integer", "boolean"}

// verifyPropertyTypes enforces that every declared top-level property is a
// scalar type the template engine can render as a string. Nested
// object/array properties would have no sane string coercion and are
// rejected at startup rather than producing a confusing render-time error.
func verifyPropertyTypes(raw map[string]any) error {
	props, ok := raw["properties"].(map[string]any)
	if !ok {
		return nil
	}
	for name, v := range props {
		prop, ok := v.(map[string]any)
		if !ok {
			continue
		}
		t, ok := prop["type"].(string)
		if !ok {
			continue
		}
		if !slices.Contains(allowedPropertyTypes, t) {
			return fmt.Errorf("property %q has non-scalar type %q", name, t)
		}
	}
	return nil
}

// Application looks up a configured application by name.
func (r *ApplicationRegistry) Application(name string) (*CompiledApplication, bool) {
	a, ok := r.apps[name]
	return a, ok
}

// Interactive looks up a configured interactive application by name.
func (r *ApplicationRegistry) Interactive(name string) (*CompiledInteractiveApplication, bool) {
	ia, ok := r.interactive[name]
	return ia, ok
}

// ValidateSubmission enforces the submission-time checks: upload_needs
// against the unpacked archive's file list, allowed_roles against the
// principal, and the input parameters against the schema. It returns
// the rendered command on success.
func (a *CompiledApplication) ValidateSubmission(principal domain.Principal, presentFiles []string, params map[string]any) (string, error) {
	if len(a.AllowedRoles) > 0 {
		authorized := false
		for _, role := range a.AllowedRoles {
			if principal.HasRole(role) {
				authorized = true
				break
			}
		}
		if !authorized {
			return "", domain.NewValidationError("principal", principal.UserID, "not authorized for this application")
		}
	}

	var missing domain.ValidationErrors
	for _, needed := range a.UploadNeeds {
		if !slices.Contains(presentFiles, needed) {
			missing = append(missing, domain.NewValidationError("upload", needed, "required file missing from archive"))
		}
	}
	if len(missing) > 0 {
		return "", missing
	}

	return renderAgainstSchema(a.schema, a.engine, params)
}

// Validate checks params against the interactive application's input
// schema without rendering. The Interactive Runner calls this on the
// caller-supplied params, before base64 properties are substituted with
// their decoded temp-file paths, so the schema always sees the values the
// caller actually sent.
func (ia *CompiledInteractiveApplication) Validate(params map[string]any) error {
	if err := ia.schema.Validate(params); err != nil {
		return domain.NewValidationError("params", params, err.Error())
	}
	return nil
}

// Render renders an interactive application's template against params
// already validated by Validate. Unlike ValidateSubmission/Validate, this
// performs no schema check — it is called after base64 properties have
// been substituted with temp-file paths, which would no longer conform to
// the original schema.
func (ia *CompiledInteractiveApplication) Render(params map[string]any) (string, error) {
	strParams := make(map[string]string, len(params))
	for k, v := range params {
		strParams[k] = fmt.Sprint(v)
	}
	cmd, err := ia.engine.Render(strParams)
	if err != nil {
		return "", domain.NewConfigurationError("", "template render", err)
	}
	return cmd, nil
}

// Base64Properties returns the names of top-level input_schema properties
// declaring `contentEncoding: base64`. The Interactive Runner decodes
// these to a temporary file before rendering.
func (ia *CompiledInteractiveApplication) Base64Properties() []string {
	props, ok := ia.InputSchema["properties"].(map[string]any)
	if !ok {
		return nil
	}
	var names []string
	for name, v := range props {
		prop, ok := v.(map[string]any)
		if !ok {
			continue
		}
		if enc, _ := prop["contentEncoding"].(string); enc == "base64" {
			names = append(names, name)
		}
	}
	return names
}

func renderAgainstSchema(schema *jsonschema.Schema, engine *template.Engine, params map[string]any) (string, error) {
	if err := schema.Validate(params); err != nil {
		return "", domain.NewValidationError("params", params, err.Error())
	}

	strParams := make(map[string]string, len(params))
	for k, v := range params {
		strParams[k] = fmt.Sprint(v)
	}

	cmd, err := engine.Render(strParams)
	if err != nil {
		// Schema validation already guaranteed every required key is
		// present and scalar; a render failure here is a configuration
		// bug (e.g. a template referencing an undeclared field), never a
		// user input problem — rendering is total.
		return "", domain.NewConfigurationError("", "template render", err)
	}
	return cmd, nil
}

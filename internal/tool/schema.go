package tool

import (
	"github.com/invopop/jsonschema"
)

// Schema renders the declared parameters as a JSON Schema object.
func (d Definition) Schema() *jsonschema.Schema {
	props := jsonschema.NewProperties()
	var required []string

	for _, p := range d.Parameters {
		s := &jsonschema.Schema{
			Type:        string(p.Type),
			Description: p.Description,
		}
		if p.Type == TypeArray {
			s.Items = jsonschema.TrueSchema
		}
		props.Set(p.Name, s)
		if p.Required {
			required = append(required, p.Name)
		}
	}

	return &jsonschema.Schema{
		Type:        "object",
		Title:       d.Name,
		Description: d.Description,
		Properties:  props,
		Required:    required,
	}
}

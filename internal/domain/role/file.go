package role

import (
	"context"
	"os"

	"github.com/go-faster/errors"
	"gopkg.in/yaml.v3"
)

var _ Source = FileSource("")

// FileSource loads a Mapping from a YAML file:
//
//	default_role: USER
//	roles:
//	  USER: [read]
//	  ADMIN: [read, write, catalog:reload, token:revoke]
type FileSource string

// Load reads and decodes the file. Unknown keys are rejected.
func (f FileSource) Load(_ context.Context) (*Mapping, error) {
	data, err := os.ReadFile(string(f))
	if err != nil {
		return nil, errors.Wrap(err, "read roles file")
	}
	return ParseYAML(data)
}

// ParseYAML decodes a YAML mapping document.
func ParseYAML(data []byte) (*Mapping, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "parse roles yaml")
	}
	if len(doc.Content) == 0 {
		return nil, errors.New("roles yaml is empty")
	}

	var m Mapping
	dec := doc.Content[0]
	if err := decodeStrict(dec, &m); err != nil {
		return nil, err
	}
	if m.Roles == nil {
		m.Roles = map[string][]string{}
	}
	return &m, nil
}

func decodeStrict(n *yaml.Node, m *Mapping) error {
	if n.Kind != yaml.MappingNode {
		return errors.New("roles yaml: top level must be a mapping")
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		switch key := n.Content[i].Value; key {
		case "default_role", "roles":
		default:
			return errors.Errorf("roles yaml: unknown key %q at line %d", key, n.Content[i].Line)
		}
	}
	if err := n.Decode(m); err != nil {
		return errors.Wrap(err, "decode roles yaml")
	}
	return nil
}

package graph

import (
	"io"

	"gopkg.in/yaml.v3"

	"github.com/ethyca/fides-engine/src/internal/errors"
)

// Direction describes which way data flows across a field reference.
type Direction string

const (
	// DirectionFrom means the referenced field feeds this field.
	DirectionFrom Direction = "from"
	// DirectionTo means this field feeds the referenced field.
	DirectionTo Direction = "to"
)

// Reference is a directional link between a field and a field in another
// collection.
type Reference struct {
	Field     FieldAddress
	Direction Direction
}

// Field describes one field of a collection.
type Field struct {
	Name           string
	DataCategories []string
	// Identity names the external identity (email, phone_number, device_id,
	// ...) this field can be seeded from; empty for non-entry fields.
	Identity   string
	PrimaryKey bool
	Redact     bool
	References []Reference
	// Fields holds nested sub-fields for document-like sources.
	Fields []Field
}

// Collection describes one collection of a dataset.
type Collection struct {
	Name   string
	Fields []Field
	// After lists collections that must fully execute before this one,
	// independent of any field reference.
	After []CollectionAddress
	// DataCategories apply to all child fields that do not declare their own
	// categories.
	DataCategories []string
	Redact         bool
}

// Field returns the field at path, descending into nested fields.
func (c *Collection) Field(path FieldPath) *Field {
	fields := c.Fields
	for i, name := range path {
		for j := range fields {
			if fields[j].Name == name {
				if i == len(path)-1 {
					return &fields[j]
				}
				fields = fields[j].Fields
				break
			}
		}
	}
	return nil
}

// Dataset is the declarative representation of one data source.
type Dataset struct {
	Name          string
	ConnectionKey string
	Redact        bool
	Collections   []Collection
}

// yaml wire form for dataset declarations.

type datasetDoc struct {
	Name          string          `yaml:"name"`
	ConnectionKey string          `yaml:"connection_key"`
	Redact        string          `yaml:"redact,omitempty"`
	Collections   []collectionDoc `yaml:"collections"`
}

type collectionDoc struct {
	Name           string     `yaml:"name"`
	After          []string   `yaml:"after,omitempty"`
	DataCategories []string   `yaml:"data_categories,omitempty"`
	Redact         string     `yaml:"redact,omitempty"`
	Fields         []fieldDoc `yaml:"fields"`
}

type fieldDoc struct {
	Name           string         `yaml:"name"`
	DataCategories []string       `yaml:"data_categories,omitempty"`
	Identity       string         `yaml:"identity,omitempty"`
	PrimaryKey     bool           `yaml:"primary_key,omitempty"`
	Redact         string         `yaml:"redact,omitempty"`
	References     []referenceDoc `yaml:"references,omitempty"`
	Fields         []fieldDoc     `yaml:"fields,omitempty"`
}

type referenceDoc struct {
	Dataset    string `yaml:"dataset"`
	Collection string `yaml:"collection"`
	Field      string `yaml:"field"`
	Direction  string `yaml:"direction"`
}

// LoadDataset reads one dataset declaration in YAML form.
func LoadDataset(r io.Reader) (*Dataset, error) {
	var doc datasetDoc
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, errors.Wrap(err, "decode dataset yaml")
	}
	if doc.Name == "" {
		return nil, errors.New("dataset requires a name")
	}
	ds := &Dataset{
		Name:          doc.Name,
		ConnectionKey: doc.ConnectionKey,
		Redact:        doc.Redact == "name",
	}
	for _, c := range doc.Collections {
		col := Collection{
			Name:           c.Name,
			DataCategories: c.DataCategories,
			Redact:         c.Redact == "name",
		}
		for _, a := range c.After {
			addr, ok := NewCollectionAddress(a)
			if !ok {
				return nil, errors.Errorf("dataset %s: collection %s: malformed after address %q", doc.Name, c.Name, a)
			}
			col.After = append(col.After, addr)
		}
		fields, err := loadFields(doc.Name, c.Name, c.Fields)
		if err != nil {
			return nil, err
		}
		col.Fields = fields
		ds.Collections = append(ds.Collections, col)
	}
	return ds, nil
}

func loadFields(dataset, collection string, docs []fieldDoc) ([]Field, error) {
	var fields []Field
	for _, f := range docs {
		field := Field{
			Name:           f.Name,
			DataCategories: f.DataCategories,
			Identity:       f.Identity,
			PrimaryKey:     f.PrimaryKey,
			Redact:         f.Redact == "name",
		}
		for _, ref := range f.References {
			direction := Direction(ref.Direction)
			if direction != DirectionFrom && direction != DirectionTo {
				return nil, errors.Errorf("dataset %s: collection %s: field %s: bad reference direction %q", dataset, collection, f.Name, ref.Direction)
			}
			refDataset := ref.Dataset
			if refDataset == "" {
				refDataset = dataset
			}
			field.References = append(field.References, Reference{
				Field: FieldAddress{
					Collection: CollectionAddress{Dataset: refDataset, Collection: ref.Collection},
					Path:       ParseFieldPath(ref.Field),
				},
				Direction: direction,
			})
		}
		nested, err := loadFields(dataset, collection, f.Fields)
		if err != nil {
			return nil, err
		}
		field.Fields = nested
		fields = append(fields, field)
	}
	return fields, nil
}

package storage

import "strings"

// ManualModel is the stored selector value meaning "use model_manual".
const ManualModel = "manual"

type ModelKind int

const (
	ModelUnset ModelKind = iota
	ModelKnown
	ModelCustom
)

// Model is either a model id picked from the provider list or a free-text
// custom name. The "manual" sentinel only exists in the columns.
type Model struct {
	kind ModelKind
	name string
}

func KnownModel(id string) Model {
	id = strings.TrimSpace(id)
	if id == "" {
		return Model{}
	}
	return Model{kind: ModelKnown, name: id}
}

func CustomModel(name string) Model {
	name = strings.TrimSpace(name)
	if name == "" {
		return Model{}
	}
	return Model{kind: ModelCustom, name: name}
}

// ParseModel builds a Model from the model and model_manual columns.
func ParseModel(selected, manual string) Model {
	if strings.TrimSpace(selected) == ManualModel {
		return CustomModel(manual)
	}
	return KnownModel(selected)
}

func (m Model) Kind() ModelKind { return m.kind }

// Name is the effective model string sent to the provider; empty when unset.
func (m Model) Name() string { return m.name }

// IsZero reports whether no usable model was chosen.
func (m Model) IsZero() bool { return m.kind == ModelUnset }

func (m Model) columns() (selected, manual string) {
	switch m.kind {
	case ModelKnown:
		return m.name, ""
	case ModelCustom:
		return ManualModel, m.name
	default:
		return "", ""
	}
}

package policy

import (
	"errors"
	"strings"

	"github.com/edvin/jitaccess/internal/model"
)

// ErrEmptyPermissionSet is returned by Finalize when nothing was added.
var ErrEmptyPermissionSet = errors.New("permission set has no statements")

// Builder accumulates cloud statements across several steps before a
// request is submitted. Statements for the same service are merged.
type Builder struct {
	order      []string
	statements map[string]*model.CloudStatement
}

func NewBuilder() *Builder {
	return &Builder{statements: make(map[string]*model.CloudStatement)}
}

// Add merges actions and resources into the statement for service,
// keeping first-seen order and dropping duplicates.
func (b *Builder) Add(service string, actions, resources []string) *Builder {
	service = strings.ToLower(strings.TrimSpace(service))
	if service == "" {
		return b
	}
	st, ok := b.statements[service]
	if !ok {
		st = &model.CloudStatement{Service: service}
		b.statements[service] = st
		b.order = append(b.order, service)
	}
	st.Actions = dedupe(append(st.Actions, actions...))
	st.Resources = dedupe(append(st.Resources, resources...))
	return b
}

// Condition attaches a condition operator/key/value to the statement for service.
func (b *Builder) Condition(service, operator, key, value string) *Builder {
	st, ok := b.statements[strings.ToLower(strings.TrimSpace(service))]
	if !ok {
		return b
	}
	if st.Conditions == nil {
		st.Conditions = make(map[string]map[string]string)
	}
	if st.Conditions[operator] == nil {
		st.Conditions[operator] = make(map[string]string)
	}
	st.Conditions[operator][key] = value
	return b
}

// Finalize returns the accumulated permission set. It does not validate
// against the rule set; submit the result through Validator.
func (b *Builder) Finalize() (model.PermissionSet, error) {
	var out []model.CloudStatement
	for _, svc := range b.order {
		st := b.statements[svc]
		if len(st.Actions) == 0 {
			continue
		}
		out = append(out, *st)
	}
	if len(out) == 0 {
		return model.PermissionSet{}, ErrEmptyPermissionSet
	}
	return model.NewCloudPermissionSet(out...), nil
}

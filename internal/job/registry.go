package job

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidSpec = errors.New("invalid job spec")
	ErrJobNotFound = errors.New("job not found")
)

// Registry is the fixed set of jobs known to the process, in declaration order.
type Registry struct {
	specs map[string]*Spec
	order []string
}

// NewRegistry validates specs and freezes them. Any invalid spec fails the
// whole registry: the process must not run with a partial job set.
func NewRegistry(specs ...Spec) (*Registry, error) {
	r := &Registry{
		specs: make(map[string]*Spec, len(specs)),
		order: make([]string, 0, len(specs)),
	}

	var errs []error
	for i := range specs {
		spec := specs[i]
		if err := validate(spec); err != nil {
			errs = append(errs, err)
			continue
		}

		if _, dup := r.specs[spec.Name]; dup {
			errs = append(errs, fmt.Errorf("%w: duplicate name %q", ErrInvalidSpec, spec.Name))
			continue
		}

		if spec.Retry.MaxAttempts <= 0 {
			spec.Retry.MaxAttempts = 1
		}
		spec.Channels = append([]string(nil), spec.Channels...)

		r.specs[spec.Name] = &spec
		r.order = append(r.order, spec.Name)
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	return r, nil
}

func validate(spec Spec) error {
	switch {
	case strings.TrimSpace(spec.Name) == "":
		return fmt.Errorf("%w: name is required", ErrInvalidSpec)
	case strings.ContainsAny(spec.Name, "/ "):
		return fmt.Errorf("%w: %s: name must not contain '/' or spaces", ErrInvalidSpec, spec.Name)
	case !spec.Kind.Valid():
		return fmt.Errorf("%w: %s: unknown kind %q", ErrInvalidSpec, spec.Name, spec.Kind)
	case spec.Schedule == nil:
		return fmt.Errorf("%w: %s: schedule is required", ErrInvalidSpec, spec.Name)
	case spec.Timeout <= 0:
		return fmt.Errorf("%w: %s: timeout must be positive", ErrInvalidSpec, spec.Name)
	case spec.Action == nil:
		return fmt.Errorf("%w: %s: action is required", ErrInvalidSpec, spec.Name)
	case spec.EscalationThreshold < 0:
		return fmt.Errorf("%w: %s: escalation threshold must not be negative", ErrInvalidSpec, spec.Name)
	}
	return nil
}

// Get returns the spec registered under name.
func (r *Registry) Get(name string) (*Spec, error) {
	spec, ok := r.specs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	return spec, nil
}

// All returns the specs in declaration order.
func (r *Registry) All() []*Spec {
	out := make([]*Spec, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.specs[name])
	}
	return out
}

// Len returns the number of registered jobs.
func (r *Registry) Len() int {
	return len(r.order)
}

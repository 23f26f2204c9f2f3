package diabetactic

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// Operation keys understood by the default registry.
const (
	OpAuthToken   = "auth.token"
	OpAuthRefresh = "auth.refresh"
	OpAuthProfile = "auth.profile"
	OpHealth      = "health"

	OpAppointmentsMine       = "appointments.mine"
	OpAppointmentsCreate     = "appointments.create"
	OpAppointmentsUpdate     = "appointments.update"
	OpAppointmentsDelete     = "appointments.delete"
	OpAppointmentsState      = "appointments.state"
	OpAppointmentsPlacement  = "appointments.placement"
	OpAppointmentsSubmit     = "appointments.submit"
	OpAppointmentsResolution = "appointments.resolution"

	OpGlucoseMine   = "glucose.mine"
	OpGlucoseLatest = "glucose.mine.latest"
	OpGlucoseCreate = "glucose.create"
	OpGlucoseUpdate = "glucose.update"
	OpGlucoseDelete = "glucose.delete"
)

// Operation describes how a logical operation maps onto HTTP.
type Operation struct {
	Key    string
	Method string

	// Path may contain {name} placeholders filled from Params.PathValues.
	Path string

	RequiresAuth bool

	// Idempotent enables retries. GET is always idempotent; PUT and DELETE
	// must be listed explicitly.
	Idempotent bool

	// Form sends the body as application/x-www-form-urlencoded.
	Form bool
}

// Cacheable reports whether concurrent identical calls may be coalesced.
func (o Operation) Cacheable() bool {
	return o.Method == http.MethodGet
}

// expandPath substitutes {name} placeholders.
func (o Operation) expandPath(values map[string]string) (string, error) {
	path := o.Path
	for {
		start := strings.IndexByte(path, '{')
		if start < 0 {
			return path, nil
		}
		end := strings.IndexByte(path[start:], '}')
		if end < 0 {
			return "", fmt.Errorf("operation %s: unterminated placeholder in %q", o.Key, o.Path)
		}
		name := path[start+1 : start+end]
		v, ok := values[name]
		if !ok || v == "" {
			return "", fmt.Errorf("operation %s: missing path parameter %q", o.Key, name)
		}
		path = path[:start] + url.PathEscape(v) + path[start+end+1:]
	}
}

// Registry is an immutable set of operations keyed by Operation.Key.
type Registry struct {
	ops map[string]Operation
}

// NewRegistry builds a registry. Duplicate keys and incomplete descriptors
// are rejected.
func NewRegistry(ops ...Operation) (*Registry, error) {
	r := &Registry{ops: make(map[string]Operation, len(ops))}
	for _, op := range ops {
		if op.Key == "" || op.Method == "" || !strings.HasPrefix(op.Path, "/") {
			return nil, fmt.Errorf("registry: incomplete operation %+v", op)
		}
		if _, dup := r.ops[op.Key]; dup {
			return nil, fmt.Errorf("registry: duplicate operation %q", op.Key)
		}
		if op.Method == http.MethodGet {
			op.Idempotent = true
		}
		r.ops[op.Key] = op
	}
	return r, nil
}

// DefaultOperations returns the gateway operation table.
func DefaultOperations() *Registry {
	r, err := NewRegistry(
		Operation{Key: OpAuthToken, Method: http.MethodPost, Path: "/token", Form: true},
		Operation{Key: OpAuthRefresh, Method: http.MethodPost, Path: "/token", Form: true},
		Operation{Key: OpAuthProfile, Method: http.MethodGet, Path: "/users/me", RequiresAuth: true},
		Operation{Key: OpHealth, Method: http.MethodGet, Path: "/health"},

		Operation{Key: OpAppointmentsMine, Method: http.MethodGet, Path: "/appointments/mine", RequiresAuth: true},
		Operation{Key: OpAppointmentsCreate, Method: http.MethodPost, Path: "/appointments/create", RequiresAuth: true},
		Operation{Key: OpAppointmentsUpdate, Method: http.MethodPut, Path: "/appointments/{id}", RequiresAuth: true, Idempotent: true},
		Operation{Key: OpAppointmentsDelete, Method: http.MethodDelete, Path: "/appointments/{id}", RequiresAuth: true, Idempotent: true},
		Operation{Key: OpAppointmentsState, Method: http.MethodGet, Path: "/appointments/state", RequiresAuth: true},
		Operation{Key: OpAppointmentsPlacement, Method: http.MethodGet, Path: "/appointments/placement", RequiresAuth: true},
		Operation{Key: OpAppointmentsSubmit, Method: http.MethodPost, Path: "/appointments/submit", RequiresAuth: true},
		Operation{Key: OpAppointmentsResolution, Method: http.MethodGet, Path: "/appointments/{id}/resolution", RequiresAuth: true},

		Operation{Key: OpGlucoseMine, Method: http.MethodGet, Path: "/glucose/mine", RequiresAuth: true},
		Operation{Key: OpGlucoseLatest, Method: http.MethodGet, Path: "/glucose/mine/latest", RequiresAuth: true},
		Operation{Key: OpGlucoseCreate, Method: http.MethodPost, Path: "/glucose/create", RequiresAuth: true},
		Operation{Key: OpGlucoseUpdate, Method: http.MethodPut, Path: "/glucose/{id}", RequiresAuth: true, Idempotent: true},
		Operation{Key: OpGlucoseDelete, Method: http.MethodDelete, Path: "/glucose/{id}", RequiresAuth: true, Idempotent: true},
	)
	if err != nil {
		panic(err)
	}
	return r
}

// Lookup returns the operation for key or *UnknownOperationError.
func (r *Registry) Lookup(key string) (Operation, error) {
	op, ok := r.ops[key]
	if !ok {
		return Operation{}, &UnknownOperationError{Key: key}
	}
	return op, nil
}

// Keys returns all registered keys in sorted order.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.ops))
	for k := range r.ops {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

package provider

import "fmt"

// Registry holds the provider client singletons, injected at process
// start rather than held as ambient globals.
type Registry struct {
	byKind map[Kind]SandboxInstance
}

func NewRegistry() *Registry {
	return &Registry{byKind: make(map[Kind]SandboxInstance)}
}

func (r *Registry) Register(client SandboxInstance) {
	r.byKind[client.Kind()] = client
}

func (r *Registry) For(kind Kind) (SandboxInstance, error) {
	client, ok := r.byKind[kind]
	if !ok {
		return nil, fmt.Errorf("provider: no client configured for %q", kind)
	}
	return client, nil
}

// ForInstance resolves the client that should serve an instance id,
// using the prefix-detection rule.
func (r *Registry) ForInstance(id string) (SandboxInstance, Kind, error) {
	kind, ok := Detect(id)
	if !ok {
		return nil, "", fmt.Errorf("provider: unrecognized instance id shape %q", id)
	}
	client, err := r.For(kind)
	return client, kind, err
}

// RefreshesOnMutate reports whether this back-end's Get() reflects a
// mutation immediately after ExposeHTTPService/HideHTTPService, vs.
// updating in-memory state only (§4.7's "skip refresh for LXC" rule).
func RefreshesOnMutate(kind Kind) bool {
	return kind == KindMorph
}

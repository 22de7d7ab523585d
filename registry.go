package tenantvault

import (
	"encoding/json"
	"sort"
)

// Integration identifiers known to the default registry.
const (
	IntegrationGitHub = "github"
	IntegrationSlack  = "slack"
	IntegrationGitLab = "gitlab"
	IntegrationAPIKey = "api_key"
)

// Integration describes one kind of third-party connection the vault can
// hold credentials for. Validate inspects a plaintext payload before it is
// encrypted; it never sees stored ciphertext.
type Integration interface {
	ID() string
	Validate(payload []byte) error
}

// fieldIntegration accepts JSON object payloads carrying at least one of its
// secret fields as a non-empty string, plus any of its optional fields.
type fieldIntegration struct {
	id             string
	secretFields   []string
	optionalFields []string
}

// NewFieldIntegration returns an Integration that validates JSON payloads by
// field name. Fields outside secretFields and optionalFields are rejected.
func NewFieldIntegration(id string, secretFields, optionalFields []string) Integration {
	return &fieldIntegration{id: id, secretFields: secretFields, optionalFields: optionalFields}
}

func (f *fieldIntegration) ID() string {
	return f.id
}

func (f *fieldIntegration) Validate(payload []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil || fields == nil {
		return reject(ErrInvalidContext, reasonInvalidPayload)
	}

	allowed := make(map[string]bool, len(f.secretFields)+len(f.optionalFields))
	for _, name := range f.optionalFields {
		allowed[name] = true
	}
	for _, name := range f.secretFields {
		allowed[name] = true
	}
	for name := range fields {
		if !allowed[name] {
			return reject(ErrInvalidContext, reasonInvalidPayload)
		}
	}

	for _, name := range f.secretFields {
		raw, ok := fields[name]
		if !ok {
			continue
		}
		var value string
		if err := json.Unmarshal(raw, &value); err == nil && value != "" {
			return nil
		}
	}
	return reject(ErrInvalidContext, reasonInvalidPayload)
}

// Registry resolves integration IDs to their validators.
type Registry struct {
	integrations map[string]Integration
}

// NewRegistry builds a registry from integrations. A later entry with the
// same ID replaces an earlier one.
func NewRegistry(integrations ...Integration) *Registry {
	r := &Registry{integrations: make(map[string]Integration, len(integrations))}
	for _, i := range integrations {
		r.integrations[i.ID()] = i
	}
	return r
}

// DefaultRegistry returns a new registry holding the built-in integrations.
func DefaultRegistry() *Registry {
	return NewRegistry(
		NewFieldIntegration(IntegrationGitHub,
			[]string{"access_token", "api_key", "installation_token"},
			[]string{"refresh_token", "token_type", "scope", "expires_at", "installation_id"}),
		NewFieldIntegration(IntegrationSlack,
			[]string{"access_token", "bot_token", "webhook_url"},
			[]string{"team_id", "scope", "token_type"}),
		NewFieldIntegration(IntegrationGitLab,
			[]string{"access_token", "api_key"},
			[]string{"refresh_token", "token_type", "scope", "expires_at", "base_url"}),
		NewFieldIntegration(IntegrationAPIKey,
			[]string{"api_key"},
			[]string{"base_url", "header"}),
	)
}

// Lookup returns the integration registered under id.
func (r *Registry) Lookup(id string) (Integration, error) {
	if i, ok := r.integrations[id]; ok {
		return i, nil
	}
	return nil, reject(ErrInvalidContext, reasonUnknownIntegrate)
}

// IDs lists the registered integration IDs in sorted order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.integrations))
	for id := range r.integrations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Package router resolves a requested model name or alias to a
// (provider, backend model) pair and validates the request against that
// model's capability profile before any provider call is attempted.
package router

import (
	"log/slog"
	"strings"

	"github.com/modelbridge/gateway/internal/domain"
)

// Entry is one row of the routing table: a canonical backend model plus the
// aliases that resolve to it. Table order is the tie-break between entries.
type Entry struct {
	Canonical string
	Aliases   []string
	Provider  domain.Provider
	Backend   string
}

// DefaultTable returns the built-in routing table.
func DefaultTable() []Entry {
	return []Entry{
		{
			Canonical: "gpt-5",
			Aliases:   []string{"gpt5", "gpt-5-chat", "azure-gpt-5"},
			Provider:  domain.ProviderAzure,
			Backend:   "gpt-5",
		},
		{
			Canonical: "gpt-5-mini",
			Aliases:   []string{"gpt5-mini"},
			Provider:  domain.ProviderAzure,
			Backend:   "gpt-5-mini",
		},
		{
			Canonical: "gpt-5-nano",
			Aliases:   []string{"gpt5-nano"},
			Provider:  domain.ProviderAzure,
			Backend:   "gpt-5-nano",
		},
		{
			Canonical: "qwen-3-coder",
			Aliases:   []string{"qwen3-coder", "qwen-coder", "qwen3-coder-480b"},
			Provider:  domain.ProviderBedrock,
			Backend:   "qwen.qwen3-coder-480b-a35b-v1:0",
		},
	}
}

// Router owns the immutable routing and capability tables plus the set of
// providers that have usable connection configuration.
type Router struct {
	table      []Entry
	configured map[domain.Provider]bool
}

func New(configured map[domain.Provider]bool) *Router {
	return NewWithTable(DefaultTable(), configured)
}

func NewWithTable(table []Entry, configured map[domain.Provider]bool) *Router {
	return &Router{table: table, configured: configured}
}

// Route resolves modelID to a routing decision and capability profile, then
// validates the request against the profile. Capability violations and
// unknown models fail with validation errors before any provider call.
func (r *Router) Route(modelID string, req domain.UniversalRequest, correlationID string) (domain.RoutingDecision, domain.ModelCapabilities, error) {
	normalized := strings.ToLower(strings.TrimSpace(modelID))

	entry, ok := r.match(normalized)
	if !ok {
		return domain.RoutingDecision{}, domain.ModelCapabilities{}, domain.Validationf(
			"model", "unknown model %q; known models: %s", modelID, strings.Join(r.KnownModels(), ", "))
	}

	decision := domain.RoutingDecision{
		RequestedModel: modelID,
		Provider:       entry.Provider,
		BackendModel:   entry.Backend,
		Supported:      true,
	}
	caps := Capabilities(entry.Backend)

	if err := validateCapabilities(req, caps); err != nil {
		return domain.RoutingDecision{}, domain.ModelCapabilities{}, err
	}

	if !r.configured[entry.Provider] {
		slog.Warn("provider not configured",
			"provider", entry.Provider,
			"model", modelID,
			"correlation_id", correlationID,
		)
		return domain.RoutingDecision{}, domain.ModelCapabilities{}, providerConfigError(entry.Provider)
	}

	slog.Debug("routed request",
		"model", modelID,
		"provider", decision.Provider,
		"backend_model", decision.BackendModel,
		"correlation_id", correlationID,
	)

	return decision, caps, nil
}

// match scans canonical names first, then aliases, preserving table order
// within each pass.
func (r *Router) match(normalized string) (Entry, bool) {
	for _, e := range r.table {
		if strings.ToLower(e.Canonical) == normalized {
			return e, true
		}
	}
	for _, e := range r.table {
		for _, a := range e.Aliases {
			if strings.ToLower(a) == normalized {
				return e, true
			}
		}
	}
	return Entry{}, false
}

func validateCapabilities(req domain.UniversalRequest, caps domain.ModelCapabilities) error {
	if req.Stream && !caps.SupportsStreaming {
		return domain.Validationf("stream", "model does not support streaming")
	}
	if len(req.Tools) > 0 && !caps.SupportsFunctionCalling {
		return domain.Validationf("tools", "model does not support function calling")
	}
	if hasImageContent(req) && !caps.SupportsImageInput {
		return domain.Validationf("content", "model does not support image input")
	}

	limit := caps.MaxContextTokens
	if caps.ExtendedContextTokens > limit {
		limit = caps.ExtendedContextTokens
	}
	if limit > 0 && estimateTokens(req) > limit {
		return domain.Validationf("messages", "request exceeds the model's context window of %d tokens", limit)
	}
	return nil
}

func hasImageContent(req domain.UniversalRequest) bool {
	for _, m := range req.Messages {
		for _, p := range m.Parts {
			if p.Type == domain.PartImage {
				return true
			}
		}
	}
	return false
}

// Rough chars/4 heuristic, good enough for a pre-flight bound.
func estimateTokens(req domain.UniversalRequest) int {
	chars := len(req.System)
	for _, m := range req.Messages {
		for _, p := range m.Parts {
			chars += len(p.Text) + len(p.ToolInput)
		}
	}
	return chars / 4
}

// Provider-config errors carry no credentials and are never retried. They
// render as 400 so callers can tell a deployment gap from a provider outage.
func providerConfigError(p domain.Provider) error {
	switch p {
	case domain.ProviderBedrock:
		return domain.Validationf("model", "AWS Bedrock configuration is missing")
	case domain.ProviderAzure:
		return domain.Validationf("model", "Azure OpenAI configuration is missing")
	}
	return domain.Validationf("model", "provider %s configuration is missing", p)
}

// KnownModels lists every canonical id and alias in table order.
func (r *Router) KnownModels() []string {
	var ids []string
	for _, e := range r.table {
		ids = append(ids, e.Canonical)
		ids = append(ids, e.Aliases...)
	}
	return ids
}

// ModelInfo is one row of the models listing.
type ModelInfo struct {
	ID           string                   `json:"id"`
	Aliases      []string                 `json:"aliases,omitempty"`
	Provider     domain.Provider          `json:"provider"`
	BackendModel string                   `json:"backend_model"`
	Capabilities domain.ModelCapabilities `json:"capabilities"`
}

// Models returns the resolved model list for the models endpoint.
func (r *Router) Models() []ModelInfo {
	out := make([]ModelInfo, 0, len(r.table))
	for _, e := range r.table {
		out = append(out, ModelInfo{
			ID:           e.Canonical,
			Aliases:      e.Aliases,
			Provider:     e.Provider,
			BackendModel: e.Backend,
			Capabilities: Capabilities(e.Backend),
		})
	}
	return out
}

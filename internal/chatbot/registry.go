package chatbot

import "github.com/nextloop/wsagent/internal/llm"

// ModelRegistry resolves a persona's model id to the provider that serves
// it, so the orchestrator never hardcodes which dialect backs which model.
type ModelRegistry interface {
	Resolve(model string) (llm.Provider, llm.Model, bool)
}

type resolved struct {
	provider llm.Provider
	model    llm.Model
}

// StaticRegistry indexes a fixed set of providers by each Model.ID they
// report, once at construction.
type StaticRegistry struct {
	byModel map[string]resolved
}

// NewStaticRegistry builds a StaticRegistry from the given providers.
func NewStaticRegistry(providers ...llm.Provider) *StaticRegistry {
	r := &StaticRegistry{byModel: make(map[string]resolved)}
	for _, p := range providers {
		for _, m := range p.Models() {
			r.byModel[m.ID] = resolved{provider: p, model: m}
		}
	}
	return r
}

// Resolve implements ModelRegistry.
func (r *StaticRegistry) Resolve(model string) (llm.Provider, llm.Model, bool) {
	e, ok := r.byModel[model]
	if !ok {
		return nil, llm.Model{}, false
	}
	return e.provider, e.model, true
}

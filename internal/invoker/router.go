package invoker

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/dusk-indust/consensus/internal/chat"
	"github.com/dusk-indust/consensus/internal/config"
)

// Compile-time interface check.
var _ Invoker = (*Router)(nil)

type route struct {
	prefix  string
	backend string
}

// Router dispatches each call to a named backend chosen by the longest
// matching model prefix, falling back to the default backend.
type Router struct {
	backends map[string]Invoker
	routes   []route
	fallback string
	textOnly []string
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{backends: make(map[string]Invoker)}
}

// Register adds a backend serving the given model prefixes. A default
// backend receives every model no prefix matches.
func (r *Router) Register(name string, inv Invoker, isDefault bool, prefixes ...string) {
	r.backends[name] = inv
	for _, p := range prefixes {
		r.routes = append(r.routes, route{prefix: p, backend: name})
	}
	sort.SliceStable(r.routes, func(i, j int) bool {
		return len(r.routes[i].prefix) > len(r.routes[j].prefix)
	})
	if isDefault || r.fallback == "" {
		r.fallback = name
	}
}

// MarkTextOnly declares models starting with any of prefixes unable to read
// images. Their attachments are sent as references in the prompt.
func (r *Router) MarkTextOnly(prefixes ...string) {
	r.textOnly = append(r.textOnly, prefixes...)
}

// AcceptsImages reports whether model may receive inline images.
func (r *Router) AcceptsImages(model string) bool {
	for _, p := range r.textOnly {
		if strings.HasPrefix(model, p) {
			return false
		}
	}
	return true
}

// Resolve returns the backend name for model.
func (r *Router) Resolve(model string) (string, bool) {
	for _, rt := range r.routes {
		if strings.HasPrefix(model, rt.prefix) {
			return rt.backend, true
		}
	}
	if r.fallback != "" {
		return r.fallback, true
	}
	return "", false
}

// Invoke forwards the call to the resolved backend.
func (r *Router) Invoke(ctx context.Context, call Call) (Stream, error) {
	name, ok := r.Resolve(call.Model)
	if !ok {
		return nil, chat.E(chat.KindInvocationRejected, "invoke "+call.Model, fmt.Errorf("no backend serves model %q", call.Model))
	}
	if !r.AcceptsImages(call.Model) {
		call.TextOnly = true
	}
	return r.backends[name].Invoke(ctx, call)
}

// New builds the routed, time-bounded invoker described by cfg.
func New(ctx context.Context, cfg *config.Config) (Invoker, error) {
	r := NewRouter()
	for _, b := range cfg.Backends {
		var inv Invoker
		switch b.Kind {
		case config.BackendOpenAI:
			inv = NewOpenAI(config.ResolveSecret(b.APIKey), WithBaseURL(b.BaseURL))
		case config.BackendGemini:
			g, err := NewGemini(ctx, config.ResolveSecret(b.APIKey), b.BaseURL)
			if err != nil {
				return nil, fmt.Errorf("invoker: backend %s: %w", b.Name, err)
			}
			inv = g
		case config.BackendScript:
			inv = NewEcho()
		default:
			return nil, fmt.Errorf("invoker: backend %s: unknown kind %q", b.Name, b.Kind)
		}
		r.Register(b.Name, inv, b.Default, b.Prefixes...)
		r.MarkTextOnly(b.TextOnly...)
	}
	return WithTimeout(r, cfg.Timeouts.Invoke), nil
}

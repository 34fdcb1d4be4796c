package saga

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"

	"conductor/internal/config"
	"conductor/internal/constants"
	"conductor/pkg/circuitbreaker"
	"conductor/pkg/logging"
	"conductor/pkg/retry"
	"conductor/pkg/tracing"
)

// Action is one invocable forward or compensating operation of an external service.
// Invocations may be repeated, so implementations must be idempotent.
type Action interface {
	Name() string
	Invoke(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error)
}

type actionFunc struct {
	name string
	fn   func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error)
}

// NewActionFunc adapts a plain function to an Action.
func NewActionFunc(name string, fn func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error)) Action {
	return &actionFunc{name: name, fn: fn}
}

func (a *actionFunc) Name() string { return a.name }

func (a *actionFunc) Invoke(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	return a.fn(ctx, params)
}

// Registry resolves actions by service and name. It is filled at startup.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]Action)}
}

func actionKey(service, name string) string {
	return service + "/" + name
}

func (r *Registry) Register(service string, a Action) error {
	if service == "" || a == nil || a.Name() == "" {
		return fmt.Errorf("service and action name are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := actionKey(service, a.Name())
	if _, ok := r.actions[key]; ok {
		return fmt.Errorf("action %s is already registered", key)
	}
	r.actions[key] = a
	return nil
}

func (r *Registry) Lookup(service, name string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.actions[actionKey(service, name)]
	return a, ok
}

// Names lists registered actions as "service/action", sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.actions))
	for key := range r.actions {
		names = append(names, key)
	}
	sort.Strings(names)
	return names
}

// RegisterHTTPServices registers an HTTPAction for every configured service action.
// Each service gets its own circuit breaker.
func RegisterHTTPServices(r *Registry, services map[string]config.ServiceConfig, breakers *circuitbreaker.Registry, client *http.Client) error {
	if client == nil {
		client = &http.Client{Timeout: constants.DefaultHTTPTimeout}
	}
	for service, svc := range services {
		if svc.BaseURL == "" {
			return fmt.Errorf("service %s has no base_url", service)
		}
		breaker := breakers.Get("service:" + service)
		for action, path := range svc.Actions {
			if err := r.Register(service, NewHTTPAction(service, action, svc.BaseURL, path, client, breaker)); err != nil {
				return err
			}
		}
	}
	return nil
}

// HTTPAction POSTs the step params as JSON and decodes a JSON object response.
type HTTPAction struct {
	service string
	name    string
	url     string
	client  *http.Client
	breaker *circuitbreaker.Wrapper
}

func NewHTTPAction(service, name, baseURL, path string, client *http.Client, breaker *circuitbreaker.Wrapper) *HTTPAction {
	return &HTTPAction{
		service: service,
		name:    name,
		url:     strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(path, "/"),
		client:  client,
		breaker: breaker,
	}
}

func (a *HTTPAction) Name() string { return a.name }

func (a *HTTPAction) Invoke(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	return circuitbreaker.Execute(ctx, a.breaker, func() (map[string]interface{}, error) {
		return a.do(ctx, params)
	})
}

func (a *HTTPAction) do(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, retry.NewFatalError(fmt.Errorf("failed to encode params: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return nil, retry.NewFatalError(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if id := logging.GetCorrelationID(ctx); id != "" {
		req.Header.Set(constants.HeaderCorrelationID, id)
	}
	if id := logging.GetTraceID(ctx); id != "" {
		req.Header.Set(constants.HeaderTraceID, id)
	}
	tracing.InjectHTTP(ctx, req.Header)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s request failed: %w", a.service, a.name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", a.service, err)
	}

	if resp.StatusCode < constants.HTTPStatusOKMin || resp.StatusCode >= constants.HTTPStatusOKMax {
		err := fmt.Errorf("%s %s returned status %d: %s", a.service, a.name, resp.StatusCode, strings.TrimSpace(string(raw)))
		// Client errors other than timeouts and throttling will not succeed on retry.
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
			return nil, retry.NewFatalError(err)
		}
		return nil, err
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, retry.NewFatalError(fmt.Errorf("failed to decode %s response: %w", a.service, err))
	}
	if obj, ok := decoded.(map[string]interface{}); ok {
		return obj, nil
	}
	return map[string]interface{}{"result": decoded}, nil
}

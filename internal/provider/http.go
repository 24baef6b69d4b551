// Package provider implements search providers backing automation runs.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/itchyny/gojq"

	"github.com/hubenschmidt/prospector/internal/runner"
	"github.com/hubenschmidt/prospector/pkg/schema"
)

// DefaultMapping extracts candidates from the conventional response
// shape {"results": [...]}.
const DefaultMapping = ".results[]"

// HTTPConfig configures an HTTPSearchProvider.
type HTTPConfig struct {
	// Endpoint receives search requests as POSTed JSON.
	Endpoint string
	// APIKey, when set, is sent as a bearer token.
	APIKey string
	// Mapping is a jq expression producing one candidate object per
	// output. Empty means DefaultMapping.
	Mapping string
	// Timeout bounds each request. Zero means 30s.
	Timeout time.Duration
}

// HTTPSearchProvider runs keyword searches against a JSON search API and
// reshapes responses into candidates with a jq mapping expression.
// Safe for concurrent use; compiled jq code is cached.
type HTTPSearchProvider struct {
	cfg    HTTPConfig
	client *http.Client

	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// searchRequest is the wire shape POSTed to the search endpoint.
type searchRequest struct {
	Query      string `json:"query"`
	Location   string `json:"location,omitempty"`
	TimeFilter string `json:"time_filter,omitempty"`
	TargetType string `json:"target_type,omitempty"`
	TargetID   string `json:"target_id,omitempty"`
	Mode       string `json:"mode,omitempty"`
}

// NewHTTPSearchProvider creates a provider for the given endpoint.
func NewHTTPSearchProvider(cfg HTTPConfig) (*HTTPSearchProvider, error) {
	if cfg.Endpoint == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "search provider endpoint is required")
	}
	if cfg.Mapping == "" {
		cfg.Mapping = DefaultMapping
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	p := &HTTPSearchProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		cache:  make(map[string]*gojq.Code),
	}
	// Fail fast on an unusable mapping instead of at first search.
	if _, err := p.getOrCompile(cfg.Mapping); err != nil {
		return nil, err
	}
	return p, nil
}

// Search POSTs one keyword query and maps the response to candidates.
func (p *HTTPSearchProvider) Search(ctx context.Context, keywords []string, c runner.Constraints) ([]runner.Candidate, error) {
	body, err := json.Marshal(searchRequest{
		Query:      strings.Join(keywords, " "),
		Location:   c.Location,
		TimeFilter: c.TimeFilter,
		TargetType: c.TargetType,
		TargetID:   c.TargetID,
		Mode:       c.Mode,
	})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeProvider, "encode search request").WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeProvider, "build search request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeProvider, "search request failed").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, schema.NewErrorf(schema.ErrCodeProvider,
			"search endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var payload any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, schema.NewError(schema.ErrCodeProvider, "decode search response").WithCause(err)
	}

	return p.mapCandidates(ctx, payload)
}

// mapCandidates runs the mapping expression over the response. Each jq
// output becomes one candidate; non-object outputs are rejected.
func (p *HTTPSearchProvider) mapCandidates(ctx context.Context, payload any) ([]runner.Candidate, error) {
	code, err := p.getOrCompile(p.cfg.Mapping)
	if err != nil {
		return nil, err
	}

	var candidates []runner.Candidate
	iter := code.RunWithContext(ctx, payload)
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if iterErr, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeProvider,
				"mapping %q failed: %s", p.cfg.Mapping, iterErr.Error()).WithCause(iterErr)
		}
		obj, ok := val.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeProvider,
				"mapping %q produced %T, want object", p.cfg.Mapping, val)
		}
		candidates = append(candidates, toCandidate(obj))
	}
	return candidates, nil
}

// toCandidate lifts the known fields out of a mapped object; everything
// else rides along in Extra.
func toCandidate(obj map[string]any) runner.Candidate {
	c := runner.Candidate{
		Title:       stringField(obj, "title"),
		Company:     stringField(obj, "company"),
		Location:    stringField(obj, "location"),
		Description: stringField(obj, "description"),
		SourceURL:   stringField(obj, "source_url"),
		PostedAt:    stringField(obj, "posted_at"),
	}
	for k, v := range obj {
		switch k {
		case "title", "company", "location", "description", "source_url", "posted_at":
		default:
			if c.Extra == nil {
				c.Extra = make(map[string]any)
			}
			c.Extra[k] = v
		}
	}
	return c
}

func stringField(obj map[string]any, key string) string {
	if s, ok := obj[key].(string); ok {
		return s
	}
	return ""
}

func (p *HTTPSearchProvider) getOrCompile(expression string) (*gojq.Code, error) {
	p.mu.RLock()
	if code, ok := p.cache[expression]; ok {
		p.mu.RUnlock()
		return code, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	if code, ok := p.cache[expression]; ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq parse error in %q: %s", expression, err.Error()).WithCause(err)
	}
	code, err := gojq.Compile(query,
		// Sandbox: block $ENV and env access.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq compile error in %q: %s", expression, err.Error()).WithCause(err)
	}

	p.cache[expression] = code
	return code, nil
}

// StaticProvider serves fixed candidates per query; used for local
// development without a search backend.
type StaticProvider struct {
	Candidates map[string][]runner.Candidate
}

func (s *StaticProvider) Search(_ context.Context, keywords []string, _ runner.Constraints) ([]runner.Candidate, error) {
	key := strings.Join(keywords, " ")
	out, ok := s.Candidates[key]
	if !ok {
		return nil, nil
	}
	return out, nil
}

var (
	_ runner.SearchProvider = (*HTTPSearchProvider)(nil)
	_ runner.SearchProvider = (*StaticProvider)(nil)
)

package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubenschmidt/prospector/internal/runner"
	"github.com/hubenschmidt/prospector/pkg/schema"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestSearchMapsDefaultResponseShape(t *testing.T) {
	var gotBody searchRequest
	var gotAuth string
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{
					"title":      "Go Engineer",
					"company":    "Acme",
					"source_url": "https://example.com/1",
					"score":      0.87,
				},
				{
					"title":      "Platform Engineer",
					"source_url": "https://example.com/2",
				},
			},
		})
	})

	p, err := NewHTTPSearchProvider(HTTPConfig{Endpoint: srv.URL, APIKey: "sekrit"})
	require.NoError(t, err)

	candidates, err := p.Search(context.Background(), []string{"golang", "remote"}, runner.Constraints{
		Location: "Berlin",
	})
	require.NoError(t, err)
	require.Len(t, candidates, 2)

	assert.Equal(t, "Bearer sekrit", gotAuth)
	assert.Equal(t, "golang remote", gotBody.Query)
	assert.Equal(t, "Berlin", gotBody.Location)

	assert.Equal(t, "Go Engineer", candidates[0].Title)
	assert.Equal(t, "Acme", candidates[0].Company)
	assert.Equal(t, "https://example.com/1", candidates[0].SourceURL)
	assert.Equal(t, 0.87, candidates[0].Extra["score"])
	assert.Nil(t, candidates[1].Extra)
}

func TestSearchCustomMapping(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"hits": []map[string]any{
					{"name": "Jane Doe", "url": "https://example.com/p/1"},
				},
			},
		})
	})

	p, err := NewHTTPSearchProvider(HTTPConfig{
		Endpoint: srv.URL,
		Mapping:  `.data.hits[] | {title: .name, source_url: .url}`,
	})
	require.NoError(t, err)

	candidates, err := p.Search(context.Background(), []string{"jane"}, runner.Constraints{})
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "Jane Doe", candidates[0].Title)
	assert.Equal(t, "https://example.com/p/1", candidates[0].SourceURL)
}

func TestSearchNon200IsProviderError(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	})

	p, err := NewHTTPSearchProvider(HTTPConfig{Endpoint: srv.URL})
	require.NoError(t, err)

	_, err = p.Search(context.Background(), []string{"x"}, runner.Constraints{})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeProvider))
	assert.Contains(t, err.Error(), "429")
}

func TestSearchMalformedResponse(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	})

	p, err := NewHTTPSearchProvider(HTTPConfig{Endpoint: srv.URL})
	require.NoError(t, err)

	_, err = p.Search(context.Background(), []string{"x"}, runner.Constraints{})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeProvider))
}

func TestSearchNonObjectMappingOutput(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"results": []any{"just a string"}})
	})

	p, err := NewHTTPSearchProvider(HTTPConfig{Endpoint: srv.URL})
	require.NoError(t, err)

	_, err = p.Search(context.Background(), []string{"x"}, runner.Constraints{})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeProvider))
}

func TestNewProviderRejectsBadMapping(t *testing.T) {
	_, err := NewHTTPSearchProvider(HTTPConfig{Endpoint: "http://localhost", Mapping: ".results[ | bad"})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestNewProviderRequiresEndpoint(t *testing.T) {
	_, err := NewHTTPSearchProvider(HTTPConfig{})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestStaticProvider(t *testing.T) {
	p := &StaticProvider{Candidates: map[string][]runner.Candidate{
		"golang remote": {{Title: "Go Engineer", SourceURL: "https://example.com/1"}},
	}}

	out, err := p.Search(context.Background(), []string{"golang", "remote"}, runner.Constraints{})
	require.NoError(t, err)
	assert.Len(t, out, 1)

	out, err = p.Search(context.Background(), []string{"unknown"}, runner.Constraints{})
	require.NoError(t, err)
	assert.Empty(t, out)
}

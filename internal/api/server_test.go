package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mehmetymw/cdcfed/internal/config"
	"github.com/mehmetymw/cdcfed/internal/federation"
	"github.com/mehmetymw/cdcfed/internal/sink"
	"github.com/mehmetymw/cdcfed/internal/types"
)

type recorder struct {
	last federation.Request
}

func (r *recorder) Query(ctx context.Context, req federation.Request) (federation.Response, error) {
	r.last = req
	return federation.Response{
		QueryID: "q-1",
		Status:  federation.StatusOk,
		Phase:   federation.PhaseReturned,
		Results: []federation.Result{{DocumentKey: "public.products:1", Score: 1.0 / 61, ContributingSources: []types.SinkKind{types.SinkKeyword}}},
	}, nil
}

type keywordOnly struct{}

func (keywordOnly) Search(ctx context.Context, q sink.Query) ([]types.Hit, error) {
	return []types.Hit{{ID: "public.products:1"}}, nil
}

func TestQueryEndpoint(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(NewServer(rec, nil, zap.NewNop()))
	defer srv.Close()

	body := `{"query_text":"blue widget","top_k":5,"consistency":"session","structured_filters":{"price":{"lt":20}}}`
	resp, err := http.Post(srv.URL+"/v1/query", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var out federation.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, federation.StatusOk, out.Status)
	require.Len(t, out.Results, 1)
	assert.Equal(t, "public.products:1", out.Results[0].DocumentKey)

	assert.Equal(t, "blue widget", rec.last.QueryText)
	assert.Equal(t, 5, rec.last.TopK)
	assert.Equal(t, "session", rec.last.Consistency)
	assert.Equal(t, map[string]any{"lt": json.Number("20")}, rec.last.Filters["price"])
}

func TestSearchEndpointBindsQueryString(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(NewServer(rec, nil, zap.NewNop()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/search?q=widget&top_k=3&hop_limit=0&source=graph&source=keyword")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "widget", rec.last.QueryText)
	assert.Equal(t, 3, rec.last.TopK)
	require.NotNil(t, rec.last.HopLimit)
	assert.Equal(t, 0, *rec.last.HopLimit)
	assert.Equal(t, []string{"graph", "keyword"}, rec.last.Sources)

	resp, err = http.Get(srv.URL + "/v1/search?q=widget&top_k=many")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp2, err := http.Get(srv.URL + "/v1/search")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestInvalidQueryIsBadRequest(t *testing.T) {
	svc := federation.NewService(map[types.SinkKind]sink.Searcher{types.SinkKeyword: keywordOnly{}}, nil, config.QueryConfig{}, zap.NewNop())
	srv := httptest.NewServer(NewServer(svc, nil, zap.NewNop()))
	defer srv.Close()

	for _, body := range []string{
		`{"query_text":""}`,
		`{"query_text":"widget","top_k":-2}`,
		`{"query_text":"widget","consistency":"always"}`,
		`{"query_text":`,
	} {
		resp, err := http.Post(srv.URL+"/v1/query", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		var eb errorBody
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&eb))
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
		assert.Equal(t, "invalid_query", eb.Kind)
		assert.NotEmpty(t, eb.Error)
	}

	resp, err := http.Post(srv.URL+"/v1/query", "application/json", strings.NewReader(`{"query_text":"widget"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	srv := httptest.NewServer(NewServer(&recorder{}, func() map[string]any {
		return map[string]any{"sink.keyword": map[string]any{"applied": 3}}
	}, zap.NewNop()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var h healthz
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
	assert.Equal(t, "running", h.Status)
	assert.Contains(t, h.Components, "sink.keyword")
}

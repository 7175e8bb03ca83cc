package aimapping

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skyplanner/internal/config"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func testConfig() config.Config {
	return config.Config{
		AIMappingBaseURL:      "https://example.test/v1",
		AIMappingAPIKey:       "test",
		AIMappingModel:        "test-model",
		AIMappingTimeoutMs:    2000,
		AIMappingRateLimitRPS: 1000,
		AIMappingMaxAttempts:  3,
	}
}

func chatBody(t *testing.T, content string) io.ReadCloser {
	t.Helper()
	blob, err := json.Marshal(map[string]any{
		"choices": []map[string]any{{"message": map[string]any{"role": "assistant", "content": content}}},
	})
	require.NoError(t, err)
	return io.NopCloser(strings.NewReader(string(blob)))
}

func sampleRequest() Request {
	return Request{
		Columns:      []ColumnSample{{Name: "Kundens mail", Samples: []string{"ola@firma.no"}}},
		TargetFields: []TargetField{{Name: "epost", Label: "E-post", Type: "email"}},
	}
}

func TestSuggestMappingsRetriesServerErrors(t *testing.T) {
	attempt := 0
	client := NewClient(testConfig())
	client.httpClient = &http.Client{
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			assert.Equal(t, "/v1/chat/completions", r.URL.Path)
			assert.Equal(t, "Bearer test", r.Header.Get("Authorization"))

			var req chatRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "json_object", req.ResponseFormat["type"])
			assert.Contains(t, req.Messages[1].Content, "Kundens mail")

			attempt++
			if attempt == 1 {
				return &http.Response{StatusCode: http.StatusServiceUnavailable, Body: io.NopCloser(strings.NewReader(`{}`)), Header: make(http.Header)}, nil
			}
			return &http.Response{
				StatusCode: http.StatusOK,
				Body:       chatBody(t, `{"mappings":[{"sourceColumn":"Kundens mail","targetField":"epost","confidence":0.9,"reasoning":"e-post"}]}`),
				Header:     make(http.Header),
			}, nil
		}),
	}

	mappings, err := client.SuggestMappings(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, 2, attempt)
	require.Len(t, mappings, 1)
	assert.Equal(t, "epost", mappings[0].TargetField)
	assert.InDelta(t, 0.9, mappings[0].Confidence, 1e-9)
}

func TestSuggestMappingsRejectsNonJSONContent(t *testing.T) {
	client := NewClient(testConfig())
	client.httpClient = &http.Client{
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			return &http.Response{StatusCode: http.StatusOK, Body: chatBody(t, "Kundens mail er nok epost"), Header: make(http.Header)}, nil
		}),
	}

	_, err := client.SuggestMappings(context.Background(), sampleRequest())
	require.Error(t, err)
}

func TestSuggestMappingsClientErrorIsNotRetried(t *testing.T) {
	attempt := 0
	client := NewClient(testConfig())
	client.httpClient = &http.Client{
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			attempt++
			return &http.Response{StatusCode: http.StatusUnauthorized, Body: io.NopCloser(strings.NewReader(`{"error":"bad key"}`)), Header: make(http.Header)}, nil
		}),
	}

	_, err := client.SuggestMappings(context.Background(), sampleRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=401")
	assert.Equal(t, 1, attempt)
}

func TestSuggestMappingsHonoursContextDeadline(t *testing.T) {
	client := NewClient(testConfig())
	client.httpClient = &http.Client{
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			<-r.Context().Done()
			return nil, r.Context().Err()
		}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := client.SuggestMappings(ctx, sampleRequest())
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSuggestMappingsRequiresAPIKey(t *testing.T) {
	cfg := testConfig()
	cfg.AIMappingAPIKey = ""
	_, err := NewClient(cfg).SuggestMappings(context.Background(), sampleRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AI_MAPPING_API_KEY")
}

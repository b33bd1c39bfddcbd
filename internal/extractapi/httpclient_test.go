package extractapi

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHTTPClient_SubmitEncodesBodyAndReturnsResponse(t *testing.T) {
	var gotPayload map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(raw, &gotPayload))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"success":true,"pattern":{"pattern_key":"P1"}}`))
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, 5*time.Second)
	resp, err := client.Submit(t.Context(), "acme/p1/a.pdf", []byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(resp.Body), "pattern_key")

	require.Equal(t, "acme/p1/a.pdf", gotPayload["relativePath"])
	decoded, err := base64.StdEncoding.DecodeString(gotPayload["content"])
	require.NoError(t, err)
	require.Equal(t, "hello world", string(decoded))
}

func TestHTTPClient_SubmitSurfacesServerErrorAsResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"boom"}`))
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, 5*time.Second)
	resp, err := client.Submit(t.Context(), "acme/p1/a.pdf", []byte("x"))
	require.NoError(t, err, "HTTP error statuses are not transport errors")
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestHTTPClient_SubmitTransportFailure(t *testing.T) {
	client := NewHTTPClient("http://127.0.0.1:1", 200*time.Millisecond)
	_, err := client.Submit(t.Context(), "acme/p1/a.pdf", []byte("x"))
	require.Error(t, err)
}

package ingest_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opencivic/ingest"
)

func TestRESTSource_FetchPageAndNextLink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "application/json", r.Header.Get("Accept"))
		require.Equal(t, "secret", r.Header.Get("chave-api-dados"))
		require.Equal(t, "/despesas", r.URL.Path)

		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("pagina") {
		case "2":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"data":  []map[string]any{{"id": "3"}},
				"links": []map[string]any{{"rel": "self", "href": r.URL.String()}},
			})
		default:
			require.Equal(t, "2024", r.URL.Query().Get("ano"))
			_ = json.NewEncoder(w).Encode(map[string]any{
				"data":  []map[string]any{{"id": "1"}, {"id": "2"}},
				"links": []map[string]any{{"rel": "next", "href": "/despesas?pagina=2"}},
			})
		}
	}))
	defer srv.Close()

	src := ingest.NewRESTSource(srv.URL).WithHeader("chave-api-dados", "secret")

	page, err := src.FetchPage(context.Background(), "/despesas", map[string]string{"ano": "2024"}, "")
	require.NoError(t, err)
	require.Len(t, page.Data, 2)
	require.Equal(t, srv.URL+"/despesas?pagina=2", page.Next)

	page, err = src.FetchPage(context.Background(), "/despesas", nil, page.Next)
	require.NoError(t, err)
	require.Len(t, page.Data, 1)
	require.Empty(t, page.Next)
}

func TestRESTSource_DrivenByFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("pagina") == "2" {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"data": []map[string]any{{"id": "b"}},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data":  []map[string]any{{"id": "a"}},
			"links": []map[string]any{{"rel": "next", "href": "/itens?pagina=2"}},
		})
	}))
	defer srv.Close()

	f := ingest.NewFetcher(ingest.NewRESTSource(srv.URL)).
		WithBaseBackoff(time.Millisecond).
		WithWavePause(0)
	records, err := f.FetchAll(context.Background(), "/itens", nil)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, recordIDs(records))
}

func TestRESTSource_NonOKStatusIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no such collection", http.StatusNotFound)
	}))
	defer srv.Close()

	src := ingest.NewRESTSource(srv.URL).WithTransportRetries(0)
	_, err := src.FetchPage(context.Background(), "/nope", nil, "")
	require.ErrorContains(t, err, "unexpected status 404")
}

func TestBearerFallback_WriteOne(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPatch, r.Method)
		require.Equal(t, "/v1/despesas/7", r.URL.Path)
		require.Equal(t, "true", r.URL.Query().Get("merge"))
		require.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.JSONEq(t, `{"valor": 10}`, string(body))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	fb := ingest.NewBearerFallback(srv.URL+"/v1", ingest.StaticToken("tok-123"))
	err := fb.WriteOne(context.Background(), ingest.WriteOp{
		Path:    "despesas/7",
		Payload: ingest.Record{"valor": 10},
		Merge:   true,
	})
	require.NoError(t, err)
	require.NoError(t, fb.Release(context.Background()))
}

func TestBearerFallback_RejectedWriteIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "schema violation", http.StatusBadRequest)
	}))
	defer srv.Close()

	fb := ingest.NewBearerFallback(srv.URL, ingest.StaticToken("tok"))
	err := fb.WriteOne(context.Background(), ingest.WriteOp{
		Path:    "despesas/7",
		Payload: ingest.Record{"valor": 10},
	})
	require.ErrorContains(t, err, "unexpected status 400")
}

func TestBearerFallback_ValidatesPathBeforeSending(t *testing.T) {
	fb := ingest.NewBearerFallback("http://unreachable.invalid", ingest.StaticToken("tok"))
	err := fb.WriteOne(context.Background(), ingest.WriteOp{Path: "despesas"})
	require.ErrorIs(t, err, ingest.ErrInvalidPath)
}

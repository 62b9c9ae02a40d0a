// ABOUTME: Tests for the HTTP fetcher and uploader against an in-process asset service
// ABOUTME: Covers relative and absolute targets, size limits and upload responses

package pipeline

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-localstore/internal/assetcrypto"
)

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/assets/asset-1":
			w.Write([]byte("sealed bytes"))
		case "/page":
			w.Write([]byte("<html></html>"))
		case "/big":
			w.Write(make([]byte, 64))
		default:
			http.Error(w, "no such asset", http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)

	f := NewHTTPFetcher(srv.URL+"/", 32, 5*time.Second)

	data, err := f.Fetch(t.Context(), "asset-1")
	require.NoError(t, err)
	assert.Equal(t, "sealed bytes", string(data))

	data, err = f.Fetch(t.Context(), srv.URL+"/page")
	require.NoError(t, err)
	assert.Equal(t, "<html></html>", string(data))

	_, err = f.Fetch(t.Context(), srv.URL+"/big")
	assert.ErrorIs(t, err, ErrTooLarge)

	_, err = f.Fetch(t.Context(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
	assert.Contains(t, err.Error(), "no such asset")
}

func TestHTTPFetcher_NoBaseURL(t *testing.T) {
	f := NewHTTPFetcher("", 0, time.Second)
	_, err := f.Fetch(t.Context(), "asset-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no asset service configured")
}

func TestHTTPUploader(t *testing.T) {
	var gotBody []byte
	var gotDigest string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/assets" {
			http.Error(w, "bad route", http.StatusBadRequest)
			return
		}
		gotBody, _ = io.ReadAll(r.Body)
		gotDigest = r.Header.Get("X-Asset-Digest")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"remote-42"}`))
	}))
	t.Cleanup(srv.Close)

	u := NewHTTPUploader(srv.URL, 5*time.Second)
	id, err := u.Upload(t.Context(), &assetcrypto.Encoded{Data: []byte("ciphertext"), Digest: "abc123"})
	require.NoError(t, err)
	assert.Equal(t, "remote-42", id)
	assert.Equal(t, "ciphertext", string(gotBody))
	assert.Equal(t, "abc123", gotDigest)
}

func TestHTTPUploader_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"server error", http.StatusInternalServerError, "boom", "status 500: boom"},
		{"bad json", http.StatusOK, "not json", "decoding upload response"},
		{"missing id", http.StatusOK, `{"id":""}`, "no asset id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			t.Cleanup(srv.Close)

			_, err := NewHTTPUploader(srv.URL, time.Second).Upload(t.Context(), &assetcrypto.Encoded{Data: []byte("x")})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

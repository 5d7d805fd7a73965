package faceclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckSkip(t *testing.T) {
	c := New("http://unused", true)
	ok, err := c.Check(context.Background(), "stu-1", "")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, c.Health(context.Background()))
}

func TestCheckAgainstService(t *testing.T) {
	tests := []struct {
		name     string
		live     bool
		verified bool
		want     bool
	}{
		{"live and verified", true, true, true},
		{"spoofed", false, true, false},
		{"wrong person", true, false, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				var in map[string]string
				require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
				w.Header().Set("Content-Type", "application/json")
				switch r.URL.Path {
				case "/liveness":
					_ = json.NewEncoder(w).Encode(map[string]any{"is_live": tc.live, "confidence": 0.9})
				case "/verify":
					require.Equal(t, "stu-1", in["user_id"])
					_ = json.NewEncoder(w).Encode(map[string]any{"user_id": in["user_id"], "verified": tc.verified})
				default:
					w.WriteHeader(http.StatusNotFound)
				}
			}))
			defer srv.Close()

			ok, err := New(srv.URL, false).Check(context.Background(), "stu-1", "https://img/1.jpg")
			require.NoError(t, err)
			require.Equal(t, tc.want, ok)
		})
	}
}

func TestServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(srv.URL, false)
	_, err := c.Check(context.Background(), "stu-1", "https://img/1.jpg")
	require.ErrorContains(t, err, "502")
	require.Error(t, c.Health(context.Background()))
}

package rates

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/profile-engine/store/memory"
)

func TestHTTPSource_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "USD", r.URL.Query().Get("base"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"base":"usd","rates":{"eur":0.9213,"GBP":"0.7891"}}`))
	}))
	defer srv.Close()

	got, err := NewHTTPSource(srv.URL+"/").Fetch(context.Background(), "USD")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "EUR", got[0].Code)
	assert.Equal(t, "USD", got[0].Base)
	assert.True(t, got[0].Rate.Equal(decimal.RequireFromString("0.9213")))
	assert.Equal(t, "GBP", got[1].Code)
	assert.True(t, got[1].Rate.Equal(decimal.RequireFromString("0.7891")))
}

func TestHTTPSource_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusBadGateway, `{}`},
		{"bad json", http.StatusOK, `{"rates":`},
		{"negative rate", http.StatusOK, `{"rates":{"EUR":-1}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewHTTPSource(srv.URL).Fetch(context.Background(), "USD")
			assert.Error(t, err)
		})
	}

	_, err := NewHTTPSource("").Fetch(context.Background(), "USD")
	assert.ErrorContains(t, err, "not configured")
}

func TestRefresher_StoresRates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"rates":{"EUR":"0.92","CAD":"1.36"}}`))
	}))
	defer srv.Close()

	store := memory.New()
	r := NewRefresher(NewHTTPSource(srv.URL), store, "usd", zerolog.Nop())

	n, err := r.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	stored, err := store.ListRates(context.Background())
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "CAD", stored[0].Code)
	assert.Equal(t, "USD", stored[0].Base)
	assert.False(t, stored[0].FetchedAt.IsZero())
}

func TestRefresher_FailureKeepsPreviousRates(t *testing.T) {
	// GIVEN: one successful refresh
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"rates":{"EUR":"0.92"}}`))
	}))
	defer srv.Close()

	store := memory.New()
	r := NewRefresher(NewHTTPSource(srv.URL), store, "USD", zerolog.Nop())
	_, err := r.Refresh(context.Background())
	require.NoError(t, err)

	// WHEN: the endpoint goes down
	fail.Store(true)
	_, err = r.Refresh(context.Background())
	require.Error(t, err)
	assert.NotPanics(t, r.RunRefresh)

	// THEN: the stored rate is still there
	stored, err := store.ListRates(context.Background())
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.True(t, stored[0].Rate.Equal(decimal.RequireFromString("0.92")))
}

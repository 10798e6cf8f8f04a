package gateway_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jrsteele09/go-fit-session/credential"
	"github.com/jrsteele09/go-fit-session/gateway"
	"github.com/jrsteele09/go-fit-session/profile"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func snapshotBody(t *testing.T, w http.ResponseWriter, snap *profile.Snapshot) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(snap))
}

func TestExchange(t *testing.T) {
	t.Run("valid credential returns the profile document", func(t *testing.T) {
		var gotBody struct {
			Credential   string `json:"credential"`
			ProviderType string `json:"providerType"`
		}
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodPost, r.Method)
			require.Equal(t, "/v1/sessions", r.URL.Path)
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
			snapshotBody(t, w, &profile.Snapshot{
				Slots:       map[string]profile.Measurement{"bodyF": {Height: 170, Weight: 65}},
				DefaultSlot: "bodyF",
			})
		}))
		defer server.Close()

		g := gateway.NewHTTP(server.URL, "acme-id", zerolog.Nop())
		snap, err := g.Exchange(context.Background(), credential.NewIdentity("raw-id-token"))
		require.NoError(t, err)

		require.Equal(t, "raw-id-token", gotBody.Credential)
		require.Equal(t, "acme-id", gotBody.ProviderType)
		require.Equal(t, "bodyF", snap.DefaultSlot)

		m, ok := snap.Slot("bodyF")
		require.True(t, ok)
		require.Equal(t, float64(170), m.Height)
	})

	t.Run("rejected credential maps to ErrUnauthorized", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer server.Close()

		g := gateway.NewHTTP(server.URL, "acme-id", zerolog.Nop())
		_, err := g.Exchange(context.Background(), credential.NewIdentity("stale-token"))
		require.ErrorIs(t, err, gateway.ErrUnauthorized)
	})

	t.Run("server errors are not unauthorized", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()

		g := gateway.NewHTTP(server.URL, "acme-id", zerolog.Nop())
		_, err := g.Exchange(context.Background(), credential.NewIdentity("raw-id-token"))
		require.Error(t, err)
		require.NotErrorIs(t, err, gateway.ErrUnauthorized)
	})
}

func TestSlotMutations(t *testing.T) {
	t.Run("update sends the bearer and returns the replacement document", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodPut, r.Method)
			require.Equal(t, "/v1/profile/slots/bodyF", r.URL.Path)
			require.Equal(t, "Bearer access-1", r.Header.Get("Authorization"))

			var body struct {
				Measurement profile.Measurement `json:"measurement"`
				DefaultSlot *string             `json:"defaultSlot"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			require.Equal(t, float64(170), body.Measurement.Height)
			require.NotNil(t, body.DefaultSlot)
			require.Equal(t, "bodyF", *body.DefaultSlot)

			snapshotBody(t, w, &profile.Snapshot{
				Slots:       map[string]profile.Measurement{"bodyF": body.Measurement},
				DefaultSlot: *body.DefaultSlot,
			})
		}))
		defer server.Close()

		g := gateway.NewHTTP(server.URL, "acme-id", zerolog.Nop())
		defaultSlot := "bodyF"
		snap, err := g.UpdateSlot(context.Background(), credential.NewAccess("access-1", "refresh-1"),
			"bodyF", profile.Measurement{Height: 170, Weight: 65, Gender: profile.GenderFemale}, &defaultSlot)
		require.NoError(t, err)
		require.Equal(t, "bodyF", snap.DefaultSlot)
	})

	t.Run("delete returns the replacement document", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodDelete, r.Method)
			require.Equal(t, "/v1/profile/slots/bodyM", r.URL.Path)
			snapshotBody(t, w, &profile.Snapshot{Slots: map[string]profile.Measurement{}})
		}))
		defer server.Close()

		g := gateway.NewHTTP(server.URL, "acme-id", zerolog.Nop())
		snap, err := g.DeleteSlot(context.Background(), credential.NewAccess("access-1", ""), "bodyM")
		require.NoError(t, err)
		require.Empty(t, snap.Slots)
	})

	t.Run("expired bearer maps to ErrUnauthorized", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer server.Close()

		g := gateway.NewHTTP(server.URL, "acme-id", zerolog.Nop())
		_, err := g.DeleteSlot(context.Background(), credential.NewAccess("stale", ""), "bodyF")
		require.ErrorIs(t, err, gateway.ErrUnauthorized)
	})
}

func TestRefresh(t *testing.T) {
	t.Run("renews against the token endpoint", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, r.ParseForm())
			require.Equal(t, "refresh_token", r.Form.Get("grant_type"))
			require.Equal(t, "refresh-1", r.Form.Get("refresh_token"))

			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"access_token":"access-2","token_type":"bearer","expires_in":3600,"refresh_token":"refresh-2"}`))
		}))
		defer server.Close()

		g := gateway.NewHTTP("http://unused", "acme-id", zerolog.Nop(),
			gateway.WithRefreshEndpoint(server.URL+"/token", "client-1"))

		renewed, err := g.Refresh(context.Background(), "refresh-1")
		require.NoError(t, err)
		require.Equal(t, "access-2", renewed.AccessToken)
		require.Equal(t, "refresh-2", renewed.RefreshToken, "rotated refresh tokens propagate")
		require.InDelta(t, time.Hour.Seconds(), renewed.ExpiresIn.Seconds(), 30)
	})

	t.Run("rejected refresh maps to ErrUnauthorized", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
		}))
		defer server.Close()

		g := gateway.NewHTTP("http://unused", "acme-id", zerolog.Nop(),
			gateway.WithRefreshEndpoint(server.URL+"/token", "client-1"))

		_, err := g.Refresh(context.Background(), "revoked-refresh-token")
		require.ErrorIs(t, err, gateway.ErrUnauthorized)
	})

	t.Run("refresh requires configuration", func(t *testing.T) {
		g := gateway.NewHTTP("http://unused", "acme-id", zerolog.Nop())
		_, err := g.Refresh(context.Background(), "refresh-1")
		require.ErrorIs(t, err, gateway.ErrRefreshNotConfigured)
	})

	t.Run("refresh requires a token", func(t *testing.T) {
		g := gateway.NewHTTP("http://unused", "acme-id", zerolog.Nop(),
			gateway.WithRefreshEndpoint("http://unused/token", "client-1"))
		_, err := g.Refresh(context.Background(), "")
		require.ErrorIs(t, err, gateway.ErrUnauthorized)
	})
}

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/jrsteele09/go-fit-session/credential"
	"github.com/jrsteele09/go-fit-session/profile"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// HTTPGateway implements Gateway against the profile store's JSON API.
type HTTPGateway struct {
	baseURL      string
	providerType string
	tokenURL     string
	clientID     string
	httpClient   *http.Client
	logger       zerolog.Logger
}

// HTTPOption configures an HTTPGateway.
type HTTPOption func(*HTTPGateway)

// WithHTTPClient overrides the default client.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(g *HTTPGateway) { g.httpClient = client }
}

// WithRefreshEndpoint enables Refresh against the provider's token endpoint.
func WithRefreshEndpoint(tokenURL, clientID string) HTTPOption {
	return func(g *HTTPGateway) {
		g.tokenURL = tokenURL
		g.clientID = clientID
	}
}

// NewHTTP constructs a gateway for the profile store at baseURL. The provider
// type tells the store which identity provider issued the credentials it will
// be sent.
func NewHTTP(baseURL, providerType string, logger zerolog.Logger, opts ...HTTPOption) *HTTPGateway {
	g := &HTTPGateway{
		baseURL:      baseURL,
		providerType: providerType,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		logger:       logger.With().Str("component", "gateway").Logger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *HTTPGateway) Exchange(ctx context.Context, cred credential.Credential) (*profile.Snapshot, error) {
	body, err := json.Marshal(struct {
		Credential   string `json:"credential"`
		ProviderType string `json:"providerType"`
	}{Credential: cred.Token, ProviderType: g.providerType})
	if err != nil {
		return nil, pkgerrors.Wrap(err, "[HTTPGateway.Exchange] marshal")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/sessions", bytes.NewReader(body))
	if err != nil {
		return nil, pkgerrors.Wrap(err, "[HTTPGateway.Exchange] build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	return g.doSnapshot(req)
}

func (g *HTTPGateway) Refresh(ctx context.Context, refreshToken string) (RenewedToken, error) {
	if g.tokenURL == "" {
		return RenewedToken{}, ErrRefreshNotConfigured
	}
	if refreshToken == "" {
		return RenewedToken{}, pkgerrors.Wrap(ErrUnauthorized, "no refresh token held")
	}

	conf := &oauth2.Config{
		ClientID: g.clientID,
		Endpoint: oauth2.Endpoint{TokenURL: g.tokenURL},
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, g.httpClient)
	token, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			g.logger.Debug().Int("status", retrieveErr.Response.StatusCode).Msg("refresh rejected")
			return RenewedToken{}, pkgerrors.Wrap(ErrUnauthorized, "refresh rejected")
		}
		return RenewedToken{}, pkgerrors.Wrap(err, "[HTTPGateway.Refresh] token endpoint")
	}

	renewed := RenewedToken{AccessToken: token.AccessToken}
	if token.RefreshToken != refreshToken {
		renewed.RefreshToken = token.RefreshToken
	}
	if !token.Expiry.IsZero() {
		renewed.ExpiresIn = time.Until(token.Expiry)
	}
	return renewed, nil
}

func (g *HTTPGateway) UpdateSlot(ctx context.Context, cred credential.Credential, slotKey string, m profile.Measurement, defaultSlot *string) (*profile.Snapshot, error) {
	body, err := json.Marshal(struct {
		Measurement profile.Measurement `json:"measurement"`
		DefaultSlot *string             `json:"defaultSlot,omitempty"`
	}{Measurement: m, DefaultSlot: defaultSlot})
	if err != nil {
		return nil, pkgerrors.Wrap(err, "[HTTPGateway.UpdateSlot] marshal")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, g.slotURL(slotKey), bytes.NewReader(body))
	if err != nil {
		return nil, pkgerrors.Wrap(err, "[HTTPGateway.UpdateSlot] build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+cred.Token)

	return g.doSnapshot(req)
}

func (g *HTTPGateway) DeleteSlot(ctx context.Context, cred credential.Credential, slotKey string) (*profile.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, g.slotURL(slotKey), nil)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "[HTTPGateway.DeleteSlot] build request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+cred.Token)

	return g.doSnapshot(req)
}

func (g *HTTPGateway) slotURL(slotKey string) string {
	return g.baseURL + "/v1/profile/slots/" + url.PathEscape(slotKey)
}

// doSnapshot runs the request and decodes the profile document every
// successful call returns. A 401 anywhere maps to ErrUnauthorized.
func (g *HTTPGateway) doSnapshot(req *http.Request) (*profile.Snapshot, error) {
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "profile store %s %s", req.Method, req.URL.Path)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, ErrUnauthorized
	case resp.StatusCode != http.StatusOK:
		return nil, pkgerrors.Errorf("profile store %s %s returned %d", req.Method, req.URL.Path, resp.StatusCode)
	}

	var snap profile.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, pkgerrors.Wrap(err, "decode profile document")
	}
	return &snap, nil
}

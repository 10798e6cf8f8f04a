package identity

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/jrsteele09/go-fit-session/credential"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// TokenVerifier validates a raw identity token. *oidc.IDTokenVerifier
// satisfies it.
type TokenVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)
}

// OIDCConfig bundles the discovery outputs an OIDCProvider needs.
type OIDCConfig struct {
	OAuth2Config  *oauth2.Config
	Verifier      TokenVerifier
	RevocationURL string
}

// Discover builds an OIDCConfig from the issuer's discovery document.
func Discover(ctx context.Context, issuerURL, clientID, clientSecret, redirectURL string, scopes []string) (OIDCConfig, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return OIDCConfig{}, pkgerrors.Wrap(err, "[Discover] oidc provider")
	}

	var extra struct {
		RevocationEndpoint string `json:"revocation_endpoint"`
	}
	if err := provider.Claims(&extra); err != nil {
		extra.RevocationEndpoint = ""
	}

	return OIDCConfig{
		OAuth2Config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  redirectURL,
			Scopes:       append([]string{oidc.ScopeOpenID}, scopes...),
		},
		Verifier:      provider.Verifier(&oidc.Config{ClientID: clientID}),
		RevocationURL: extra.RevocationEndpoint,
	}, nil
}

// OIDCProvider implements Provider on top of an OIDC identity provider.
type OIDCProvider struct {
	cfg        OIDCConfig
	authorize  AuthorizeFunc
	silent     AuthorizeFunc
	httpClient *http.Client
	logger     zerolog.Logger
	nowFunc    func() time.Time
}

// OIDCOption configures an OIDCProvider.
type OIDCOption func(*OIDCProvider)

// WithSilentAuthorize supplies a non-interactive authorization step, enabling
// SilentSignIn.
func WithSilentAuthorize(fn AuthorizeFunc) OIDCOption {
	return func(p *OIDCProvider) { p.silent = fn }
}

// WithOIDCHTTPClient overrides the client used for token endpoint and
// revocation calls.
func WithOIDCHTTPClient(client *http.Client) OIDCOption {
	return func(p *OIDCProvider) { p.httpClient = client }
}

// WithOIDCNowFunc overrides the time source.
func WithOIDCNowFunc(now func() time.Time) OIDCOption {
	return func(p *OIDCProvider) { p.nowFunc = now }
}

// NewOIDC constructs a provider from discovery outputs and the host's
// interactive authorization step.
func NewOIDC(cfg OIDCConfig, authorize AuthorizeFunc, logger zerolog.Logger, opts ...OIDCOption) (*OIDCProvider, error) {
	if cfg.OAuth2Config == nil {
		return nil, pkgerrors.New("[NewOIDC] oauth2 config is required")
	}
	if authorize == nil {
		return nil, pkgerrors.New("[NewOIDC] authorize func is required")
	}

	p := &OIDCProvider{
		cfg:        cfg,
		authorize:  authorize,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.With().Str("component", "identity").Logger(),
		nowFunc:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// AuthCodeURL returns the provider's authorization URL for the host to open.
func (p *OIDCProvider) AuthCodeURL(state string, opts ...oauth2.AuthCodeOption) string {
	return p.cfg.OAuth2Config.AuthCodeURL(state, opts...)
}

func (p *OIDCProvider) SignIn(ctx context.Context) (credential.Credential, credential.TokenInfo, error) {
	grant, err := p.authorize(ctx)
	if err != nil {
		return credential.Credential{}, credential.TokenInfo{}, pkgerrors.Wrap(err, "[OIDCProvider.SignIn] authorize")
	}
	return p.redeem(ctx, grant)
}

func (p *OIDCProvider) SilentSignIn(ctx context.Context) (credential.Credential, credential.TokenInfo, error) {
	if p.silent == nil {
		return credential.Credential{}, credential.TokenInfo{}, ErrSilentAuthUnavailable
	}
	grant, err := p.silent(ctx)
	if err != nil {
		return credential.Credential{}, credential.TokenInfo{}, pkgerrors.Wrap(err, "[OIDCProvider.SilentSignIn] authorize")
	}
	return p.redeem(ctx, grant)
}

// redeem turns a grant into a typed credential. Identity-token grants become
// the identity variant after verification; code grants are exchanged at the
// token endpoint and become the access variant.
func (p *OIDCProvider) redeem(ctx context.Context, grant Grant) (credential.Credential, credential.TokenInfo, error) {
	switch {
	case grant.IDToken != "":
		if p.cfg.Verifier == nil {
			return credential.Credential{}, credential.TokenInfo{}, pkgerrors.New("[OIDCProvider.redeem] no verifier configured")
		}
		idToken, err := p.cfg.Verifier.Verify(ctx, grant.IDToken)
		if err != nil {
			return credential.Credential{}, credential.TokenInfo{}, pkgerrors.Wrap(err, "[OIDCProvider.redeem] verify identity token")
		}

		issued := idToken.IssuedAt
		if issued.IsZero() {
			issued = p.nowFunc()
		}
		info := credential.TokenInfo{IssuedAt: issued.UTC(), Lifetime: idToken.Expiry.Sub(issued)}
		return credential.NewIdentity(grant.IDToken), info, nil

	case grant.Code != "":
		var exchangeOpts []oauth2.AuthCodeOption
		if grant.CodeVerifier != "" {
			exchangeOpts = append(exchangeOpts, oauth2.SetAuthURLParam("code_verifier", grant.CodeVerifier))
		}
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
		token, err := p.cfg.OAuth2Config.Exchange(ctx, grant.Code, exchangeOpts...)
		if err != nil {
			return credential.Credential{}, credential.TokenInfo{}, pkgerrors.Wrap(err, "[OIDCProvider.redeem] code exchange")
		}

		now := p.nowFunc()
		info := credential.TokenInfo{IssuedAt: now.UTC()}
		if !token.Expiry.IsZero() {
			info.Lifetime = token.Expiry.Sub(now)
		}
		return credential.NewAccess(token.AccessToken, token.RefreshToken), info, nil

	default:
		return credential.Credential{}, credential.TokenInfo{}, ErrEmptyGrant
	}
}

// SignOut revokes the credential at the provider's revocation endpoint.
// Providers without one make this a no-op; local state disposal is the
// caller's job either way.
func (p *OIDCProvider) SignOut(ctx context.Context, cred credential.Credential) error {
	if p.cfg.RevocationURL == "" || cred.IsZero() {
		return nil
	}

	form := url.Values{}
	if cred.Refreshable() {
		form.Set("token", cred.RefreshToken)
		form.Set("token_type_hint", "refresh_token")
	} else {
		form.Set("token", cred.Token)
		form.Set("token_type_hint", "access_token")
	}
	form.Set("client_id", p.cfg.OAuth2Config.ClientID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.RevocationURL, strings.NewReader(form.Encode()))
	if err != nil {
		return pkgerrors.Wrap(err, "[OIDCProvider.SignOut] build request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return pkgerrors.Wrap(err, "[OIDCProvider.SignOut] revocation endpoint")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return pkgerrors.Errorf("[OIDCProvider.SignOut] revocation endpoint returned %d", resp.StatusCode)
	}
	return nil
}

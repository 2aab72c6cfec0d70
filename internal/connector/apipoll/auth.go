package apipoll

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// applyAuth attaches exactly one authorization mechanism to the request,
// resolved from the available credentials in fixed precedence: OAuth
// client credentials, API key header, bearer token, basic auth. Without
// credentials the request goes out unauthenticated.
func (a *APIPoll) applyAuth(ctx context.Context, req *http.Request, ep *Endpoint) error {
	creds := a.creds
	if creds == nil {
		return nil
	}

	if ep.Auth.TokenURL != "" && a.oauthClientID() != "" {
		tok, err := a.tokenSource(ep).Token()
		if err != nil {
			return fmt.Errorf("apipoll: oauth token for %s: %w", ep.Auth.TokenURL, err)
		}
		tok.SetAuthHeader(req)
		return nil
	}

	if creds.APIKey != "" {
		header := ep.Auth.HeaderName
		if header == "" {
			header = "X-API-Key"
		}
		req.Header.Set(header, creds.APIKey)
		return nil
	}

	if tok := firstNonEmpty(creds.Token, creds.AccessToken); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
		return nil
	}

	if creds.Username != "" {
		req.SetBasicAuth(creds.Username, creds.Password)
	}
	return nil
}

// tokenSource returns the cached client-credentials source for the
// endpoint's token URL, creating it on first use. The source refreshes
// expired tokens on its own.
func (a *APIPoll) tokenSource(ep *Endpoint) oauth2.TokenSource {
	a.oauthMu.Lock()
	defer a.oauthMu.Unlock()

	ts, ok := a.oauth[ep.Auth.TokenURL]
	if !ok {
		cc := &clientcredentials.Config{
			ClientID:     a.oauthClientID(),
			ClientSecret: firstNonEmpty(a.creds.APISecret, a.creds.Password),
			TokenURL:     ep.Auth.TokenURL,
			Scopes:       ep.Auth.Scopes,
		}
		// Token requests ride the connector's own transport.
		tctx := context.WithValue(context.Background(), oauth2.HTTPClient, a.client)
		ts = cc.TokenSource(tctx)
		a.oauth[ep.Auth.TokenURL] = ts
	}
	return ts
}

func (a *APIPoll) oauthClientID() string {
	if a.creds == nil {
		return ""
	}
	return firstNonEmpty(a.creds.APIKey, a.creds.Username)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

package cloudauth

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// Vertex accepts any token minted under the cloud-platform scope.
const vertexScope = "https://www.googleapis.com/auth/cloud-platform"

// VertexTransport authenticates requests to Vertex-hosted model endpoints
// with OAuth bearer tokens minted from Application Default Credentials.
// Tokens are cached and refreshed ahead of expiry.
type VertexTransport struct {
	next   http.RoundTripper
	tokens oauth2.TokenSource
}

// NewVertexTransport resolves Application Default Credentials once at
// startup; a missing credential surfaces here rather than on the first
// proxied request.
func NewVertexTransport(ctx context.Context, next http.RoundTripper) (*VertexTransport, error) {
	creds, err := google.FindDefaultCredentials(ctx, vertexScope)
	if err != nil {
		return nil, fmt.Errorf("cloudauth: vertex credentials: %w", err)
	}
	return vertexTransportWith(next, creds.TokenSource), nil
}

func vertexTransportWith(next http.RoundTripper, ts oauth2.TokenSource) *VertexTransport {
	return &VertexTransport{next: next, tokens: oauth2.ReuseTokenSource(nil, ts)}
}

// RoundTrip sets a Bearer token on a clone of the request. The caller's
// request is never mutated.
func (t *VertexTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	tok, err := t.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("cloudauth: vertex token: %w", err)
	}
	signed := r.Clone(r.Context())
	tok.SetAuthHeader(signed)
	return orDefault(t.next).RoundTrip(signed)
}

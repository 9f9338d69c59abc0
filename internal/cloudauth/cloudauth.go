// Package cloudauth wraps the upstream transport with credentials for
// cloud-hosted model endpoints: OAuth bearer tokens for Vertex and SigV4
// request signing for Bedrock. Key-authenticated providers are not handled
// here; their headers are set per request because pool slots rotate
// between calls.
package cloudauth

import "net/http"

func orDefault(rt http.RoundTripper) http.RoundTripper {
	if rt == nil {
		return http.DefaultTransport
	}
	return rt
}

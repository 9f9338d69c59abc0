package cloudauth

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
)

const bedrockService = "bedrock-runtime"

// BedrockSigner signs requests to the Bedrock runtime with AWS Signature
// Version 4. SigV4 covers the payload hash, so the body is buffered once
// per request; model invocations are small enough that this never matters.
type BedrockSigner struct {
	next   http.RoundTripper
	creds  aws.CredentialsProvider
	signer *v4.Signer
	region string
}

// NewBedrockSigner signs for the bedrock-runtime service in the given
// region. Credentials are resolved per request so rotation needs no restart.
func NewBedrockSigner(next http.RoundTripper, creds aws.CredentialsProvider, region string) *BedrockSigner {
	return &BedrockSigner{
		next:   next,
		creds:  creds,
		signer: v4.NewSigner(),
		region: region,
	}
}

// RoundTrip hashes the payload, signs a clone of the request, and forwards
// it. The caller's request is never mutated.
func (t *BedrockSigner) RoundTrip(r *http.Request) (*http.Response, error) {
	signed := r.Clone(r.Context())

	var payload []byte
	if r.Body != nil {
		var err error
		payload, err = io.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("cloudauth: buffer payload: %w", err)
		}
	}
	if len(payload) > 0 {
		signed.Body = io.NopCloser(bytes.NewReader(payload))
		signed.ContentLength = int64(len(payload))
	} else {
		signed.Body = http.NoBody
		signed.ContentLength = 0
	}
	sum := sha256.Sum256(payload)

	creds, err := t.creds.Retrieve(r.Context())
	if err != nil {
		return nil, fmt.Errorf("cloudauth: aws credentials: %w", err)
	}
	err = t.signer.SignHTTP(r.Context(), creds, signed, hex.EncodeToString(sum[:]), bedrockService, t.region, time.Now())
	if err != nil {
		return nil, fmt.Errorf("cloudauth: sign: %w", err)
	}
	return orDefault(t.next).RoundTrip(signed)
}

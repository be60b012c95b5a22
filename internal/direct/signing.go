package direct

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
)

// bedrockService is the SigV4 signing name for bedrock-runtime hosts.
const bedrockService = "bedrock"

// defaultRegion is used when neither config nor host names a region.
const defaultRegion = "us-east-1"

// signingTransport signs requests with AWS SigV4 before sending them.
type signingTransport struct {
	credentials aws.CredentialsProvider
	region      string
	signer      *v4.Signer
	base        http.RoundTripper
}

// newSigningTransport loads credentials from the standard AWS chain.
func newSigningTransport(ctx context.Context, region string, base http.RoundTripper) (*signingTransport, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &signingTransport{
		credentials: cfg.Credentials,
		region:      region,
		signer:      v4.NewSigner(),
		base:        base,
	}, nil
}

// RoundTrip implements http.RoundTripper.
func (t *signingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		if body, err = io.ReadAll(req.Body); err != nil {
			return nil, fmt.Errorf("failed to read request body for signing: %w", err)
		}
	}

	creds, err := t.credentials.Retrieve(req.Context())
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve AWS credentials: %w", err)
	}

	payloadHash := fmt.Sprintf("%x", sha256.Sum256(body))
	if err := t.signer.SignHTTP(req.Context(), creds, req, payloadHash, bedrockService, t.region, time.Now()); err != nil {
		return nil, fmt.Errorf("failed to sign request: %w", err)
	}
	req.Body = io.NopCloser(bytes.NewReader(body))
	return t.base.RoundTrip(req)
}

// IsAWSHost reports whether host is an AWS bedrock-runtime endpoint.
func IsAWSHost(host string) bool {
	return strings.Contains(host, "bedrock-runtime")
}

// RegionFromHost extracts the region of a host like
// bedrock-runtime.us-west-2.amazonaws.com, or "" when there is none.
func RegionFromHost(host string) string {
	host = strings.Split(host, ":")[0]
	parts := strings.Split(host, ".")
	for i, p := range parts {
		if strings.HasPrefix(p, "bedrock-runtime") && i+1 < len(parts) && parts[i+1] != "amazonaws" {
			return parts[i+1]
		}
	}
	return ""
}

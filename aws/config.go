package aws

import (
	"context"
	"fmt"
	"net/http"
	"time"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
)

// LoadOptions selects how the shared AWS configuration is resolved.
type LoadOptions struct {
	Region  string
	Profile string
	// Endpoint overrides the DynamoDB endpoint, e.g. http://localhost:8000 for
	// DynamoDB Local. Static dummy credentials are used when it is set and no
	// profile is named.
	Endpoint string
	// Timeout bounds every HTTP request. Zero means no client-side timeout.
	Timeout time.Duration
}

// LoadConfig resolves the AWS configuration from the default chain.
func LoadConfig(ctx context.Context, opts LoadOptions) (awsv2.Config, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.Profile != "" {
		loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(opts.Profile))
	} else if opts.Endpoint != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("local", "local", ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return awsv2.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	if opts.Timeout > 0 {
		cfg.HTTPClient = &http.Client{
			Transport: awshttp.NewBuildableClient().GetTransport(),
			Timeout:   opts.Timeout,
		}
	}
	return cfg, nil
}

// DynamoDBOptions returns the per-client options implied by opts.
func DynamoDBOptions(opts LoadOptions) []func(*dynamodb.Options) {
	var fns []func(*dynamodb.Options)
	if opts.Endpoint != "" {
		endpoint := opts.Endpoint
		fns = append(fns, func(o *dynamodb.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	return fns
}

package aws

import (
	"net/http"
	"testing"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
)

type countingHTTPClient struct {
	closes int
}

func (c *countingHTTPClient) Do(*http.Request) (*http.Response, error) {
	return nil, http.ErrNotSupported
}

func (c *countingHTTPClient) CloseIdleConnections() {
	c.closes++
}

func TestDynamoDBClientImpl_CloseReleasesConnectionsOnce(t *testing.T) {
	httpClient := &countingHTTPClient{}
	client := NewDynamoDBClientFromConfig(awsv2.Config{Region: "us-east-1", HTTPClient: httpClient})

	for i := 0; i < 3; i++ {
		if err := client.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
	}

	if httpClient.closes != 1 {
		t.Errorf("CloseIdleConnections called %d times, want 1", httpClient.closes)
	}
}

func TestDynamoDBClientImpl_OwnsTransportWhenConfigHasNone(t *testing.T) {
	client := NewDynamoDBClientFromConfig(awsv2.Config{Region: "us-east-1"})
	if client.idle == nil {
		t.Fatal("expected an owned HTTP client")
	}
	if err := client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestDynamoDBClientImpl_WrappedClientCloseIsNoop(t *testing.T) {
	client := NewDynamoDBClient(dynamodb.NewFromConfig(awsv2.Config{Region: "us-east-1"}))
	if err := client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestDynamoDBOptions(t *testing.T) {
	tests := []struct {
		name     string
		opts     LoadOptions
		wantFns  int
		endpoint string
	}{
		{name: "no endpoint", opts: LoadOptions{Region: "eu-west-1"}, wantFns: 0},
		{name: "local endpoint", opts: LoadOptions{Endpoint: "http://localhost:8000"}, wantFns: 1, endpoint: "http://localhost:8000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fns := DynamoDBOptions(tt.opts)
			if len(fns) != tt.wantFns {
				t.Fatalf("got %d option funcs, want %d", len(fns), tt.wantFns)
			}
			var o dynamodb.Options
			for _, fn := range fns {
				fn(&o)
			}
			if got := awsv2.ToString(o.BaseEndpoint); got != tt.endpoint {
				t.Errorf("BaseEndpoint = %q, want %q", got, tt.endpoint)
			}
		})
	}
}

package runner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	json "github.com/goccy/go-json"
	"github.com/gurre/ddb-effect/aws"
	"github.com/gurre/ddb-effect/metrics"
)

// ReportUploader stores the final report.
type ReportUploader interface {
	UploadReport(ctx context.Context, uri string, report metrics.Report) error
}

// Reports writes reports as JSON to S3 or to a local file.
type Reports struct {
	S3 aws.S3Client
}

func (r Reports) UploadReport(ctx context.Context, uri string, report metrics.Report) error {
	loc, err := aws.ParseLocation(uri)
	if err != nil {
		return fmt.Errorf("invalid report location: %w", err)
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	if !loc.IsS3() {
		if err := os.MkdirAll(filepath.Dir(loc.Path), 0o755); err != nil {
			return fmt.Errorf("failed to create report directory: %w", err)
		}
		if err := os.WriteFile(loc.Path, data, 0o644); err != nil {
			return fmt.Errorf("failed to write report: %w", err)
		}
		return nil
	}

	if r.S3 == nil {
		return fmt.Errorf("no S3 client for report %s", uri)
	}
	_, err = r.S3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      awsv2.String(loc.Bucket),
		Key:         awsv2.String(loc.Key),
		Body:        bytes.NewReader(data),
		ContentType: awsv2.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload report: %w", err)
	}
	return nil
}

package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gurre/s3streamer"
)

// Every streamer follows the s3streamer callback contract: fn receives each
// line without its newline and the offset at which that line starts,
// relative to the offset the stream was started at. Blank lines are passed
// through.
var (
	_ s3streamer.Streamer = FileStreamer{}
	_ s3streamer.Streamer = (*S3Streamer)(nil)
)

// S3Streamer streams S3 objects line by line. An empty object, or a resume
// offset at or past the end of the object, has nothing left to replay and
// streams no lines.
type S3Streamer struct {
	client   s3streamer.S3Client
	streamer s3streamer.Streamer
}

// NewS3Streamer wraps s3streamer over client.
func NewS3Streamer(client s3streamer.S3Client) *S3Streamer {
	return &S3Streamer{client: client, streamer: s3streamer.NewS3Streamer(client)}
}

func (s *S3Streamer) Stream(ctx context.Context, bucket, key string, offset int64, fn func(line []byte, lineOffset int64) error) error {
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &bucket, Key: &key})
	if err != nil {
		return fmt.Errorf("failed to get metadata for s3://%s/%s: %w", bucket, key, err)
	}
	if head.ContentLength != nil && offset >= *head.ContentLength {
		return nil
	}
	return s.streamer.Stream(ctx, bucket, key, offset, fn)
}

// FileStreamer streams lines from local files. bucket is ignored and key is
// the path.
type FileStreamer struct{}

func (FileStreamer) Stream(ctx context.Context, _, path string, offset int64, fn func(line []byte, lineOffset int64) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return fmt.Errorf("failed to seek %s to %d: %w", path, offset, err)
		}
	}

	r := bufio.NewReaderSize(f, 64*1024)
	var pos int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			start := pos
			pos += int64(len(line))
			if line[len(line)-1] == '\n' {
				line = line[:len(line)-1]
			}
			if cbErr := fn(line, start); cbErr != nil {
				return cbErr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
	}
}

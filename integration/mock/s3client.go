package mock

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Client is an in-memory implementation of aws.S3Client for tests. It also
// carries the multipart methods so it can back an s3streamer.
type S3Client struct {
	mu       sync.RWMutex
	files    map[string][]byte
	metadata map[string]map[string]string
	etags    map[string]*string
}

// NewS3Client creates a new mock S3 client
func NewS3Client() *S3Client {
	return &S3Client{
		files:    make(map[string][]byte),
		metadata: make(map[string]map[string]string),
		etags:    make(map[string]*string),
	}
}

func objectKey(bucket, key string) string {
	return bucket + "/" + key
}

// AddFile stores content under bucket/key.
func (m *S3Client) AddFile(bucket, key string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store(objectKey(bucket, key), content, nil)
}

// LoadDir stores every regular file below dir under bucket, keyed by its
// slash-separated path relative to dir.
func (m *S3Client) LoadDir(bucket, dir string) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		m.AddFile(bucket, filepath.ToSlash(rel), data)
		return nil
	})
}

// File returns the content stored under bucket/key.
func (m *S3Client) File(bucket, key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.files[objectKey(bucket, key)]
	return data, ok
}

// Keys lists every stored bucket/key, sorted.
func (m *S3Client) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.files))
	for k := range m.files {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m *S3Client) store(bk string, content []byte, metadata map[string]string) {
	m.files[bk] = content
	if metadata == nil {
		metadata = map[string]string{}
	}
	m.metadata[bk] = metadata
	m.etags[bk] = aws.String(fmt.Sprintf("\"%x\"", len(content)))
}

func noSuchKey(key string) error {
	return &types.NoSuchKey{
		Message: aws.String(fmt.Sprintf("The specified key does not exist: %s", key)),
	}
}

// GetObject returns the stored object, honoring a "bytes=start-[end]" range.
func (m *S3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bk := objectKey(aws.ToString(params.Bucket), aws.ToString(params.Key))
	content, ok := m.files[bk]
	if !ok {
		return nil, noSuchKey(aws.ToString(params.Key))
	}
	if r := aws.ToString(params.Range); r != "" {
		content = byteRange(content, r)
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(content)),
		Metadata:      m.metadata[bk],
		ETag:          m.etags[bk],
		ContentLength: aws.Int64(int64(len(content))),
	}, nil
}

// PutObject stores the request body.
func (m *S3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	bk := objectKey(aws.ToString(params.Bucket), aws.ToString(params.Key))
	m.store(bk, data, params.Metadata)
	return &s3.PutObjectOutput{ETag: m.etags[bk]}, nil
}

// HeadObject returns object metadata.
func (m *S3Client) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bk := objectKey(aws.ToString(params.Bucket), aws.ToString(params.Key))
	content, ok := m.files[bk]
	if !ok {
		return nil, &types.NotFound{Message: aws.String("Not Found")}
	}
	return &s3.HeadObjectOutput{
		ETag:          m.etags[bk],
		Metadata:      m.metadata[bk],
		ContentLength: aws.Int64(int64(len(content))),
	}, nil
}

// CreateMultipartUpload is a stub implementation for the s3streamer.S3Client interface
func (m *S3Client) CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	return nil, fmt.Errorf("CreateMultipartUpload not implemented in mock")
}

// UploadPart is a stub implementation for the s3streamer.S3Client interface
func (m *S3Client) UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	return nil, fmt.Errorf("UploadPart not implemented in mock")
}

// CompleteMultipartUpload is a stub implementation for the s3streamer.S3Client interface
func (m *S3Client) CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	return nil, fmt.Errorf("CompleteMultipartUpload not implemented in mock")
}

// AbortMultipartUpload is a stub implementation for the s3streamer.S3Client interface
func (m *S3Client) AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	return nil, fmt.Errorf("AbortMultipartUpload not implemented in mock")
}

func byteRange(content []byte, header string) []byte {
	var start, end int64
	n, _ := fmt.Sscanf(header, "bytes=%d-%d", &start, &end)
	size := int64(len(content))
	if n < 1 || start >= size {
		return nil
	}
	if n < 2 || end >= size {
		end = size - 1
	}
	if end < start {
		return nil
	}
	return content[start : end+1]
}

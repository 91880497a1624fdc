// Package checkpoint saves and loads replay progress so that an interrupted
// run resumes where it stopped.
package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	json "github.com/goccy/go-json"
	"github.com/gurre/ddb-effect/aws"
)

// Completed is the offset recorded for a source that was read to the end.
const Completed int64 = -1

// State is the progress of one run: for each request source, the byte
// offset of the first line not yet replayed.
//
//	store, _ := checkpoint.NewStore(s3Client, "s3://my-bucket/checkpoints/replay.json")
//	state, _ := store.Load(ctx)
//	offset := state.Offset("s3://my-bucket/requests/day-1.jsonl")
type State struct {
	RunID   string           `json:"runId"`
	Offsets map[string]int64 `json:"offsets"`
}

// Offset returns the resume offset for source, zero when unknown.
func (s State) Offset(source string) int64 {
	return s.Offsets[source]
}

// Done reports whether source was read to the end.
func (s State) Done(source string) bool {
	off, ok := s.Offsets[source]
	return ok && off == Completed
}

// With returns a copy of s with the offset of source replaced.
func (s State) With(source string, offset int64) State {
	c := s.Clone()
	c.Offsets[source] = offset
	return c
}

// Clone returns a deep copy of s with a non-nil Offsets map.
func (s State) Clone() State {
	offsets := make(map[string]int64, len(s.Offsets)+1)
	maps.Copy(offsets, s.Offsets)
	return State{RunID: s.RunID, Offsets: offsets}
}

// Store persists State.
type Store interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, s State) error
}

// NewStore picks an S3Store for s3:// URIs and a FileStore otherwise.
func NewStore(client aws.S3Client, uri string) (Store, error) {
	loc, err := aws.ParseLocation(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid checkpoint location: %w", err)
	}
	if loc.IsS3() {
		return &S3Store{client: client, bucket: loc.Bucket, key: loc.Key}, nil
	}
	return newFileStore(loc.Path)
}

// S3Store keeps the checkpoint in one S3 object.
type S3Store struct {
	client aws.S3Client
	bucket string
	key    string
}

// NewS3Store creates an S3Store from an s3://bucket/key URI.
func NewS3Store(client aws.S3Client, uri string) (*S3Store, error) {
	loc, err := aws.ParseLocation(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid S3 URI: %w", err)
	}
	if !loc.IsS3() {
		return nil, fmt.Errorf("invalid S3 URI: %s", uri)
	}
	return &S3Store{client: client, bucket: loc.Bucket, key: loc.Key}, nil
}

// Load returns an empty State when the object does not exist yet.
func (s *S3Store) Load(ctx context.Context) (State, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &s.key,
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return State{}, nil
		}
		// Some S3-compatible stores answer NotFound instead.
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return State{}, nil
		}
		return State{}, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var state State
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return State{}, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return state, nil
}

func (s *S3Store) Save(ctx context.Context, state State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &s.key,
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// FileStore keeps the checkpoint in a local file.
type FileStore struct {
	path string
}

// NewFileStore creates a FileStore from a file:// URI or a path, creating
// the parent directory if needed.
func NewFileStore(uri string) (*FileStore, error) {
	loc, err := aws.ParseLocation(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid file URI: %w", err)
	}
	if loc.IsS3() {
		return nil, fmt.Errorf("invalid file URI: %s", uri)
	}
	return newFileStore(loc.Path)
}

func newFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	return &FileStore{path: path}, nil
}

// Load returns an empty State when the file does not exist yet.
func (f *FileStore) Load(ctx context.Context) (State, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return State{}, nil
		}
		return State{}, fmt.Errorf("failed to read checkpoint file: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return state, nil
}

// Save writes to a temporary file and renames it over the checkpoint so a
// crash never leaves a truncated file behind.
func (f *FileStore) Save(ctx context.Context, state State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("failed to replace checkpoint file: %w", err)
	}
	return nil
}

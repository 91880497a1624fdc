package aws

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// Location is a parsed object location: an S3 bucket and key, or a local path.
type Location struct {
	Bucket string
	Key    string
	Path   string
}

// IsS3 reports whether l names an S3 object.
func (l Location) IsS3() bool {
	return l.Bucket != ""
}

func (l Location) String() string {
	if l.IsS3() {
		return "s3://" + l.Bucket + "/" + l.Key
	}
	return l.Path
}

// ParseLocation accepts s3://bucket/key, file:///abs/path and plain paths.
func ParseLocation(uri string) (Location, error) {
	if !strings.Contains(uri, "://") {
		if uri == "" {
			return Location{}, fmt.Errorf("empty location")
		}
		return Location{Path: filepath.Clean(uri)}, nil
	}

	u, err := url.Parse(uri)
	if err != nil {
		return Location{}, fmt.Errorf("invalid location %q: %w", uri, err)
	}
	switch u.Scheme {
	case "s3":
		key := strings.TrimPrefix(u.Path, "/")
		if u.Host == "" || key == "" {
			return Location{}, fmt.Errorf("S3 URI must name a bucket and a key: %s", uri)
		}
		return Location{Bucket: u.Host, Key: key}, nil
	case "file":
		p := filepath.Clean(u.Host + u.Path)
		if p == "." {
			return Location{}, fmt.Errorf("file URI must name a path: %s", uri)
		}
		return Location{Path: p}, nil
	}
	return Location{}, fmt.Errorf("unsupported location scheme %q", u.Scheme)
}

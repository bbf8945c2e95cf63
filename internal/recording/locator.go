package recording

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ErrNotMaterialized means the egress has not produced the file yet
var ErrNotMaterialized = errors.New("recording not materialized")

// Locator resolves a recording file name to its bytes
type Locator interface {
	// Exists reports whether the recording is available
	Exists(ctx context.Context, name string) (bool, error)
	// Open returns the recording and its size. Returns ErrNotMaterialized
	// when the file is absent.
	Open(ctx context.Context, name string) (io.ReadCloser, int64, error)
}

// ReadAll loads a whole recording
func ReadAll(ctx context.Context, l Locator, name string) ([]byte, error) {
	rc, _, err := l.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read recording %s: %w", name, err)
	}
	return data, nil
}

// DirLocator reads recordings from a directory shared with the egress
type DirLocator struct {
	Dir string
}

func (l DirLocator) path(name string) string {
	return filepath.Join(l.Dir, filepath.Base(name))
}

func (l DirLocator) Exists(_ context.Context, name string) (bool, error) {
	info, err := os.Stat(l.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat recording: %w", err)
	}
	return info.Size() > 0, nil
}

func (l DirLocator) Open(_ context.Context, name string) (io.ReadCloser, int64, error) {
	f, err := os.Open(l.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, ErrNotMaterialized
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open recording: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("failed to stat recording: %w", err)
	}
	return f, info.Size(), nil
}

// S3API is the subset of the S3 client the locator uses
type S3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Locator reads recordings uploaded by the egress to a bucket
type S3Locator struct {
	Client S3API
	Bucket string
	Prefix string
}

func (l S3Locator) key(name string) string {
	return path.Join(l.Prefix, path.Base(name))
}

func (l S3Locator) Exists(ctx context.Context, name string) (bool, error) {
	_, err := l.Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(l.Bucket),
		Key:    aws.String(l.key(name)),
	})
	if isS3NotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to head recording: %w", err)
	}
	return true, nil
}

func (l S3Locator) Open(ctx context.Context, name string) (io.ReadCloser, int64, error) {
	out, err := l.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(l.Bucket),
		Key:    aws.String(l.key(name)),
	})
	if isS3NotFound(err) {
		return nil, 0, ErrNotMaterialized
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get recording: %w", err)
	}
	return out.Body, aws.ToInt64(out.ContentLength), nil
}

func isS3NotFound(err error) bool {
	var nf *s3types.NotFound
	var nsk *s3types.NoSuchKey
	return errors.As(err, &nf) || errors.As(err, &nsk)
}

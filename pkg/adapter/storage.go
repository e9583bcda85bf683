package adapter

import (
	"context"
	"errors"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/simgen/pkg/interfaces"
)

const builtinScheme = "builtin://"

// AssetStore resolves manifest asset paths against a Cloud Storage bucket.
// Paths are object names in the bucket, or gs://bucket/object for another bucket.
// Built-in assets always exist.
type AssetStore struct {
	bucketName string
	client     *storage.Client
}

var _ interfaces.AssetLookup = (*AssetStore)(nil)

// NewAssetStore creates a Cloud Storage backed asset lookup
func NewAssetStore(ctx context.Context, bucketName string) (*AssetStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create storage client")
	}

	return &AssetStore{
		bucketName: bucketName,
		client:     client,
	}, nil
}

// Exists reports whether the asset object is present
func (s *AssetStore) Exists(ctx context.Context, path string) (bool, error) {
	if strings.HasPrefix(path, builtinScheme) {
		return true, nil
	}

	bucket, object, ok := ParseAssetPath(s.bucketName, path)
	if !ok {
		return false, nil
	}

	_, err := s.client.Bucket(bucket).Object(object).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
			return false, nil
		}
		return false, goerr.Wrap(err, "failed to look up asset",
			goerr.Value("bucket", bucket), goerr.Value("object", object))
	}
	return true, nil
}

// ParseAssetPath splits an asset path into bucket and object. Other URL schemes
// are not resolvable.
func ParseAssetPath(defaultBucket, path string) (bucket, object string, ok bool) {
	if rest, found := strings.CutPrefix(path, "gs://"); found {
		bucket, object, found = strings.Cut(rest, "/")
		return bucket, object, found && bucket != "" && object != ""
	}
	if strings.Contains(path, "://") || defaultBucket == "" {
		return "", "", false
	}
	object = strings.TrimPrefix(path, "/")
	return defaultBucket, object, object != ""
}

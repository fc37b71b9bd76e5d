package collab

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/BTreeMap/FlowPipe/internal/flow"
)

// DefaultPresignExpiry is how long presigned asset links stay valid.
const DefaultPresignExpiry = 24 * time.Hour

// ObjectStore is the part of the MinIO client the asset resolver needs.
type ObjectStore interface {
	StatObject(ctx context.Context, bucket, object string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	PresignedGetObject(ctx context.Context, bucket, object string, expiry time.Duration, params url.Values) (*url.URL, error)
}

// MinIOConfig holds connection settings for the asset bucket.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Region    string
}

// AssetResolver turns asset references into presigned bucket links.
// References are object keys; a "prefix/" may be configured for all of them.
type AssetResolver struct {
	objects ObjectStore
	bucket  string
	prefix  string
	expiry  time.Duration
}

var _ flow.AssetResolver = (*AssetResolver)(nil)

// NewMinIOAssetResolver connects to the bucket described by cfg.
func NewMinIOAssetResolver(cfg MinIOConfig, prefix string) (*AssetResolver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("asset bucket must be set")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	slog.Info("AssetResolver connected", "endpoint", cfg.Endpoint, "bucket", cfg.Bucket)
	return NewAssetResolver(client, cfg.Bucket, prefix, DefaultPresignExpiry), nil
}

// NewAssetResolver resolves against an existing object store.
func NewAssetResolver(objects ObjectStore, bucket, prefix string, expiry time.Duration) *AssetResolver {
	if expiry <= 0 {
		expiry = DefaultPresignExpiry
	}
	return &AssetResolver{objects: objects, bucket: bucket, prefix: prefix, expiry: expiry}
}

// ResolveAsset checks that ref exists and returns a presigned link to it.
// Assets are never uploaded to the provider here, so id is always empty.
func (r *AssetResolver) ResolveAsset(ctx context.Context, ref string) (string, string, error) {
	ref = strings.TrimLeft(strings.TrimSpace(ref), "/")
	if ref == "" {
		return "", "", fmt.Errorf("empty asset reference")
	}
	key := r.prefix + ref
	if _, err := r.objects.StatObject(ctx, r.bucket, key, minio.StatObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return "", "", fmt.Errorf("asset %q not found", ref)
		}
		return "", "", fmt.Errorf("stat asset %q: %w", ref, err)
	}
	u, err := r.objects.PresignedGetObject(ctx, r.bucket, key, r.expiry, nil)
	if err != nil {
		return "", "", fmt.Errorf("presign asset %q: %w", ref, err)
	}
	slog.Debug("AssetResolver.ResolveAsset: presigned", "asset", ref, "expiry", r.expiry)
	return "", u.String(), nil
}

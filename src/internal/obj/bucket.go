// Package obj provides access to object storage, where generated DSR report
// archives and oversized cached payloads live.  Buckets are addressed by URL
// (s3://, gs://, file://, mem://) and opened through gocloud.dev so the same
// code path serves every backend.
package obj

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	"gocloud.dev/blob/gcsblob"
	"gocloud.dev/blob/memblob"
	"gocloud.dev/blob/s3blob"
	"gocloud.dev/gcp"

	"github.com/ethyca/fides-engine/src/internal/errors"
)

// Bucket represents access to a single object storage bucket.
type Bucket = blob.Bucket

// ObjectStoreURL is a parsed object store location.
type ObjectStoreURL struct {
	Scheme string
	Bucket string
	Object string
	Params url.Values
}

// ParseURL parses an object store URL of the form
// scheme://bucket/object?params.
func ParseURL(s string) (*ObjectStoreURL, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, errors.Wrapf(err, "parse object store url %q", s)
	}
	switch u.Scheme {
	case "s3", "gs", "file", "mem":
	default:
		return nil, errors.Errorf("unrecognized object store scheme %q", u.Scheme)
	}
	return &ObjectStoreURL{
		Scheme: u.Scheme,
		Bucket: u.Host,
		Object: strings.TrimPrefix(u.Path, "/"),
		Params: u.Query(),
	}, nil
}

func amazonSession(objURL *ObjectStoreURL) (*session.Session, error) {
	awsConfig := &aws.Config{}
	if region := objURL.Params.Get("region"); region != "" {
		awsConfig.Region = aws.String(region)
	}
	// A custom endpoint enables minio-style deployments.
	if endpoint := objURL.Params.Get("endpoint"); endpoint != "" {
		awsConfig.Endpoint = aws.String(endpoint)
		awsConfig.S3ForcePathStyle = aws.Bool(true)
	}
	if disableSSL, err := strconv.ParseBool(objURL.Params.Get("disableSSL")); err == nil {
		awsConfig.DisableSSL = aws.Bool(disableSSL)
	}
	sess, err := session.NewSession(awsConfig)
	return sess, errors.Wrap(err, "creating amazon session")
}

// NewBucket opens the bucket named by u.
func NewBucket(ctx context.Context, u string) (*Bucket, error) {
	objURL, err := ParseURL(u)
	if err != nil {
		return nil, err
	}
	switch objURL.Scheme {
	case "s3":
		sess, err := amazonSession(objURL)
		if err != nil {
			return nil, err
		}
		b, err := s3blob.OpenBucket(ctx, sess, objURL.Bucket, nil)
		return b, errors.Wrap(err, "open s3 bucket")
	case "gs":
		creds, err := gcp.DefaultCredentials(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "google credentials")
		}
		client, err := gcp.NewHTTPClient(gcp.DefaultTransport(), gcp.CredentialsTokenSource(creds))
		if err != nil {
			return nil, errors.Wrap(err, "google http client")
		}
		b, err := gcsblob.OpenBucket(ctx, client, objURL.Bucket, nil)
		return b, errors.Wrap(err, "open gcs bucket")
	case "file":
		b, err := fileblob.OpenBucket("/"+objURL.Bucket+"/"+objURL.Object, nil)
		return b, errors.Wrap(err, "open file bucket")
	case "mem":
		return memblob.OpenBucket(nil), nil
	}
	return nil, errors.Errorf("unrecognized object store scheme %q", objURL.Scheme)
}

// SignedURL returns a presigned download URL for key, valid for expiry.  Not
// every backend supports signing (mem does not).
func SignedURL(ctx context.Context, b *Bucket, key string, expiry time.Duration) (string, error) {
	u, err := b.SignedURL(ctx, key, &blob.SignedURLOptions{Expiry: expiry})
	return u, errors.Wrapf(err, "sign %q", key)
}

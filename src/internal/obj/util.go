package obj

import (
	"bytes"
	"context"
	"io"

	"gocloud.dev/gcerrors"
	"golang.org/x/sync/errgroup"

	"github.com/ethyca/fides-engine/src/internal/errors"
)

// Upload streams the contents of r into the bucket under key.
func Upload(ctx context.Context, b *Bucket, key string, r io.Reader) (retErr error) {
	w, err := b.NewWriter(ctx, key, nil)
	if err != nil {
		return errors.Wrapf(err, "upload %q", key)
	}
	defer errors.Close(&retErr, w, "close writer for %q", key)
	_, err = io.Copy(w, r)
	return errors.Wrapf(err, "upload %q", key)
}

// Download streams the object under key into w.
func Download(ctx context.Context, b *Bucket, key string, w io.Writer) (retErr error) {
	r, err := b.NewReader(ctx, key, nil)
	if err != nil {
		return errors.Wrapf(err, "download %q", key)
	}
	defer errors.Close(&retErr, r, "close reader for %q", key)
	_, err = io.Copy(w, r)
	return errors.Wrapf(err, "download %q", key)
}

// Get reads the whole object under key into memory.
func Get(ctx context.Context, b *Bucket, key string) ([]byte, error) {
	var buf bytes.Buffer
	if err := Download(ctx, b, key, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Put writes data under key.
func Put(ctx context.Context, b *Bucket, key string, data []byte) error {
	return Upload(ctx, b, key, bytes.NewReader(data))
}

// Exists reports whether an object exists under key.
func Exists(ctx context.Context, b *Bucket, key string) (bool, error) {
	ok, err := b.Exists(ctx, key)
	return ok, errors.Wrapf(err, "exists %q", key)
}

// Delete removes the object under key.  Deleting a missing object is not an
// error.
func Delete(ctx context.Context, b *Bucket, key string) error {
	err := b.Delete(ctx, key)
	if err != nil && gcerrors.Code(err) == gcerrors.NotFound {
		return nil
	}
	return errors.Wrapf(err, "delete %q", key)
}

// Copy copies an object from src at srcKey to dst at dstKey without buffering
// the whole object in memory.
func Copy(ctx context.Context, src, dst *Bucket, srcKey, dstKey string) error {
	return WithPipe(func(w io.Writer) error {
		return Download(ctx, src, srcKey, w)
	}, func(r io.Reader) error {
		return Upload(ctx, dst, dstKey, r)
	})
}

// WithPipe calls wcb with a writer and rcb with a reader connected to it.
func WithPipe(wcb func(w io.Writer) error, rcb func(r io.Reader) error) error {
	pr, pw := io.Pipe()
	eg := errgroup.Group{}
	eg.Go(func() error {
		if err := wcb(pw); err != nil {
			return pw.CloseWithError(err)
		}
		return pw.Close()
	})
	eg.Go(func() error {
		if err := rcb(pr); err != nil {
			return pr.CloseWithError(err)
		}
		return pr.Close()
	})
	return errors.EnsureStack(eg.Wait())
}

// Package s3stripe implements a RAID-DP stripe target backed by an S3 object, for the
// cold/archival tier spec.md's Domain Stack calls for alongside the local directio
// stripes. Grounded on the teacher's red_s3/s3/bucket_as_store.go bucket wrapper and
// aws_s3/connect.go client setup, generalized from sop.KeyValueStore's whole-object
// fetch/add/remove to the byte-range ReadAt/WriteAt/Truncate the Stripe interface needs.
package s3stripe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/geodisk/geodisk"
	"github.com/geodisk/geodisk/raiddp"
)

// largeObjectMinSize is the threshold past which uploads/downloads use the multipart
// manager instead of a single PutObject/GetObject call, mirroring the teacher's
// red_s3/s3 bucket wrapper.
const largeObjectMinSize = 10 * 1024 * 1024

// ClientConfig names the endpoint and static credentials used to reach an S3-compatible
// archival tier (e.g. a co-located minio deployment), mirroring the teacher's
// aws_s3.Config/Connect pair.
type ClientConfig struct {
	HostEndpointURL string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// NewClient builds an s3.Client from static credentials and a fixed endpoint, the same
// shape as the teacher's aws_s3.Connect.
func NewClient(cfg ClientConfig) *s3.Client {
	return s3.NewFromConfig(aws.Config{Region: cfg.Region}, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.HostEndpointURL)
		o.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	})
}

// Stripe is an S3-object-backed raiddp.Stripe. Because S3 has no in-place byte-range
// write, WriteAt/Truncate read the whole object, patch it in memory, and re-upload it:
// appropriate for a cold tier a group is flushed to occasionally, not a hot write path.
type Stripe struct {
	client *s3.Client
	bucket string
	key    string
}

// New wraps an existing S3 client, bucket, and object key as a raiddp.Stripe.
func New(client *s3.Client, bucket, key string) *Stripe {
	return &Stripe{client: client, bucket: bucket, key: key}
}

func (s *Stripe) fetchAll(ctx context.Context) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, nil
		}
		return nil, geodisk.NewError(geodisk.IoError, fmt.Errorf("s3stripe: get %s/%s: %w", s.bucket, s.key, err), s.key)
	}
	defer out.Body.Close()
	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, geodisk.NewError(geodisk.IoError, fmt.Errorf("s3stripe: read body %s/%s: %w", s.bucket, s.key, err), s.key)
	}
	return body, nil
}

func (s *Stripe) putAll(ctx context.Context, data []byte) error {
	if len(data) > largeObjectMinSize {
		uploader := manager.NewUploader(s.client, func(u *manager.Uploader) {
			u.PartSize = largeObjectMinSize
		})
		_, err := uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key),
			Body:   bytes.NewReader(data),
		})
		if err != nil {
			return geodisk.NewError(geodisk.IoError, fmt.Errorf("s3stripe: multipart put %s/%s: %w", s.bucket, s.key, err), s.key)
		}
		return nil
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return geodisk.NewError(geodisk.IoError, fmt.Errorf("s3stripe: put %s/%s: %w", s.bucket, s.key, err), s.key)
	}
	return nil
}

// ReadAt issues a ranged GetObject covering [offset, offset+len(buf)).
func (s *Stripe) ReadAt(ctx context.Context, offset int64, buf []byte) error {
	rng := fmt.Sprintf("bytes=%d-%d", offset, offset+int64(len(buf))-1)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
		Range:  aws.String(rng),
	})
	if err != nil {
		return geodisk.NewError(geodisk.IoError, fmt.Errorf("s3stripe: ranged get %s/%s: %w", s.bucket, s.key, err), offset)
	}
	defer out.Body.Close()
	n, err := io.ReadFull(out.Body, buf)
	if err != nil {
		return geodisk.NewError(geodisk.IoError, fmt.Errorf("s3stripe: short read (%d/%d bytes) from %s/%s: %w", n, len(buf), s.bucket, s.key, err), offset)
	}
	return nil
}

// WriteAt patches [offset, offset+len(buf)) into the object, growing it (zero-padded) if
// the write extends past the current length, then re-uploads the whole object.
func (s *Stripe) WriteAt(ctx context.Context, offset int64, buf []byte) error {
	data, err := s.fetchAll(ctx)
	if err != nil {
		return err
	}
	need := offset + int64(len(buf))
	if int64(len(data)) < need {
		grown := make([]byte, need)
		copy(grown, data)
		data = grown
	}
	copy(data[offset:need], buf)
	return s.putAll(ctx, data)
}

// Truncate resizes the object to size bytes, zero-padding on growth.
func (s *Stripe) Truncate(ctx context.Context, size int64) error {
	data, err := s.fetchAll(ctx)
	if err != nil {
		return err
	}
	switch {
	case int64(len(data)) == size:
		return nil
	case int64(len(data)) > size:
		data = data[:size]
	default:
		grown := make([]byte, size)
		copy(grown, data)
		data = grown
	}
	return s.putAll(ctx, data)
}

// Sync is a no-op: every WriteAt/Truncate above already issued a durable PutObject.
func (s *Stripe) Sync(ctx context.Context) error { return nil }

func (s *Stripe) Stat(ctx context.Context) (raiddp.Stat, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		return raiddp.Stat{}, geodisk.NewError(geodisk.IoError, fmt.Errorf("s3stripe: head %s/%s: %w", s.bucket, s.key, err), s.key)
	}
	var size int64
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	var modTime = out.LastModified
	st := raiddp.Stat{Size: size}
	if modTime != nil {
		st.ModTime = *modTime
	}
	return st, nil
}

// Close is a no-op: the S3 client is shared across stripes and owned by the caller.
func (s *Stripe) Close(ctx context.Context) error { return nil }

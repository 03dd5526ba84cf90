package publish

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/zeebo/blake3"

	"dataset-publisher/internal/models"
)

const checksumMetaKey = "blake3"

type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Options locates the bucket acting as published area.
type S3Options struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	PathStyle bool
}

// S3 publishes single files as objects. A PUT is atomic, so readers never
// see a partial object; links have no S3 equivalent.
type S3 struct {
	client s3API
	bucket string
	prefix string
}

// NewS3 builds a backend from the default AWS credential chain.
func NewS3(ctx context.Context, opts S3Options) (*S3, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = opts.PathStyle
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})
	return newS3WithClient(client, opts.Bucket, opts.Prefix), nil
}

func newS3WithClient(client s3API, bucket, prefix string) *S3 {
	return &S3{client: client, bucket: bucket, prefix: prefix}
}

func (b *S3) Name() string { return "s3" }

func (b *S3) key(destination string) string {
	return path.Join(b.prefix, destination)
}

func (b *S3) Check(mode models.Mode, dir bool) error {
	if mode != models.ModeCopy {
		return &models.PolicyViolationError{Reason: "the s3 published area only supports copy mode"}
	}
	if dir {
		return &models.PolicyViolationError{Reason: "the s3 published area only publishes single files"}
	}
	return nil
}

// Publish uploads the source and then reads the stored object back, hashing
// it the way TakeSnapshot hashes a single file. An object that does not match
// the expected snapshot is deleted before the mismatch is reported.
func (b *S3) Publish(ctx context.Context, req Request) error {
	if err := b.Check(req.Mode, req.Expected.Dir); err != nil {
		return err
	}
	f, err := os.Open(req.Source)
	if err != nil {
		return Classify("upload", req.Source, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return Classify("upload", req.Source, err)
	}

	key := b.key(req.Destination)
	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		Metadata: map[string]string{
			checksumMetaKey: req.Expected.Checksum,
			"job-id":        req.JobID,
		},
	})
	if err != nil {
		return Classify("upload", key, err)
	}

	stored, err := b.hashObject(ctx, key)
	if err != nil {
		return err
	}
	if !stored.Matches(req.Expected) {
		if _, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(b.bucket), Key: aws.String(key)}); err != nil && !isNotFound(err) {
			return Classify("remove", key, err)
		}
		return mismatch("verify", key, fmt.Sprintf("object has %d bytes (checksum %s), expected %d bytes (checksum %s)",
			stored.Size, stored.Checksum, req.Expected.Size, req.Expected.Checksum))
	}
	return nil
}

func (b *S3) hashObject(ctx context.Context, key string) (Snapshot, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(b.bucket), Key: aws.String(key)})
	if err != nil {
		return Snapshot{}, Classify("verify", key, err)
	}
	defer out.Body.Close()

	hasher := blake3.New()
	writeHeader(hasher, ".", aws.ToInt64(out.ContentLength))
	n, err := io.Copy(hasher, out.Body)
	if err != nil {
		return Snapshot{}, Classify("verify", key, err)
	}
	if n != aws.ToInt64(out.ContentLength) {
		return Snapshot{}, mismatch("verify", key, fmt.Sprintf("read %d bytes of a %d byte object", n, aws.ToInt64(out.ContentLength)))
	}
	return Snapshot{Size: n, Files: 1, Checksum: hex.EncodeToString(hasher.Sum(nil))}, nil
}

func (b *S3) Remove(ctx context.Context, destination string, _ models.Mode) error {
	key := b.key(destination)
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(b.bucket), Key: aws.String(key)})
	if err != nil && !isNotFound(err) {
		return Classify("remove", key, err)
	}
	return nil
}

func (b *S3) Exists(ctx context.Context, destination string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(b.bucket), Key: aws.String(b.key(destination))})
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (b *S3) Open(ctx context.Context, destination string) (io.ReadCloser, int64, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(b.bucket), Key: aws.String(b.key(destination))})
	if isNotFound(err) {
		return nil, 0, &models.NotFoundError{Kind: "publication", Key: destination}
	}
	if err != nil {
		return nil, 0, fmt.Errorf("get object: %w", err)
	}
	return out.Body, aws.ToInt64(out.ContentLength), nil
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	if errors.As(err, &nf) || errors.As(err, &nsk) {
		return true
	}
	var status interface{ HTTPStatusCode() int }
	return errors.As(err, &status) && status.HTTPStatusCode() == 404
}

package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// S3Store is the production Store backed by Amazon S3.
type S3Store struct {
	client *s3.Client
	bucket string
}

// NewS3Store builds an S3-backed Store. As with NewSQSQueue, a
// LocalStack-shaped endpoint uses static development credentials and a
// base-endpoint override plus path-style addressing; otherwise the ambient
// credential chain is used (§6). bucket is retained only for Ping — every
// other method takes its bucket explicitly per call.
func NewS3Store(ctx context.Context, region, endpoint, bucket string, isLocal bool) (*S3Store, error) {
	var optFns []func(*awsconfig.LoadOptions) error
	optFns = append(optFns, awsconfig.WithRegion(region))
	if isLocal {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("local", "local", ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config for S3: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if isLocal {
			o.UsePathStyle = true
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
			}
		}
	})

	return &S3Store{client: client, bucket: bucket}, nil
}

func (s *S3Store) Put(ctx context.Context, in PutInput) error {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return fmt.Errorf("reading upload body: %w", err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(in.Bucket),
		Key:         aws.String(in.Key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(in.ContentType),
		Metadata: map[string]string{
			ActualCostMetadataKey:        formatCostMetadata(in.ActualCostMicros),
			ResultFingerprintMetadataKey: in.ResultFingerprint,
		},
	})
	if err != nil {
		return fmt.Errorf("uploading result object: %w", err)
	}
	return nil
}

func (s *S3Store) HeadMetadata(ctx context.Context, bucket, key string) (Metadata, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return Metadata{}, ErrNotFound
		}
		return Metadata{}, fmt.Errorf("reading result metadata: %w", err)
	}
	return metadataFrom(out.Metadata)
}

func (s *S3Store) Get(ctx context.Context, bucket, key string) (io.ReadCloser, Metadata, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, Metadata{}, ErrNotFound
		}
		return nil, Metadata{}, fmt.Errorf("reading result object: %w", err)
	}
	md, err := metadataFrom(out.Metadata)
	if err != nil {
		_ = out.Body.Close()
		return nil, Metadata{}, err
	}
	return out.Body, md, nil
}

// Ping performs a trivial HeadBucket call against the configured result
// bucket to confirm the store is reachable, for /readyz probing.
func (s *S3Store) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return fmt.Errorf("pinging S3 bucket %s: %w", s.bucket, err)
	}
	return nil
}

func metadataFrom(m map[string]string) (Metadata, error) {
	costStr, ok := m[ActualCostMetadataKey]
	if !ok {
		return Metadata{}, fmt.Errorf("result object missing %s metadata", ActualCostMetadataKey)
	}
	cost, err := parseCostMetadata(costStr)
	if err != nil {
		return Metadata{}, err
	}
	return Metadata{ActualCostMicros: cost, ResultFingerprint: m[ResultFingerprintMetadataKey]}, nil
}

func isNotFound(err error) bool {
	var nf *types.NoSuchKey
	if errors.As(err, &nf) {
		return true
	}
	var rerr *smithyhttp.ResponseError
	if errors.As(err, &rerr) {
		return rerr.HTTPStatusCode() == 404
	}
	return false
}

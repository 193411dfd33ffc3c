package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/barokg/backend/pkg/loader"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectAPI is the subset of the S3 client the backend uses.
type ObjectAPI interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Backend reads record files below a prefix of an S3 bucket.
//
// This backend is useful when the crawler writes its records to S3 or an
// S3-compatible store like MinIO instead of the local filesystem.
type S3Backend struct {
	bucket string
	prefix string
	client ObjectAPI
}

// NewS3BackendWithClient creates a backend using an existing client.
func NewS3BackendWithClient(bucket, prefix string, client ObjectAPI) *S3Backend {
	return &S3Backend{
		bucket: bucket,
		prefix: strings.TrimPrefix(prefix, "/"),
		client: client,
	}
}

// NewS3BackendParams defines the configuration parameters for
// creating a new S3Backend.
//
// Bucket specifies the S3 bucket name and Prefix the folder holding the
// records. Endpoint allows overriding the S3 endpoint (useful for
// S3-compatible storage like MinIO). AccessKey and SecretKey provide static
// credentials.
type NewS3BackendParams struct {
	Bucket    string
	Prefix    string
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
}

// NewS3Backend creates an S3 client with static credentials and the given
// endpoint/region and wraps it in a backend.
//
// Example:
//
//	backend, err := s3.NewS3Backend(ctx, s3.NewS3BackendParams{
//		Bucket:    "crawler",
//		Prefix:    "records/",
//		Endpoint:  "http://minio:9000",
//		Region:    "eu-central-1",
//		AccessKey: os.Getenv("AWS_ACCESS_KEY"),
//		SecretKey: os.Getenv("AWS_SECRET_KEY"),
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	src := loader.NewRecordSource(backend)
func NewS3Backend(ctx context.Context, params NewS3BackendParams) (*S3Backend, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(params.Region),
	}
	if params.Endpoint != "" {
		opts = append(opts, config.WithBaseEndpoint(params.Endpoint))
	}
	if params.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			params.AccessKey,
			params.SecretKey,
			"",
		)))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = params.Endpoint != ""
	})
	return NewS3BackendWithClient(params.Bucket, params.Prefix, client), nil
}

// List pages through the objects below the prefix. The ETag is the version.
func (b *S3Backend) List(ctx context.Context) ([]loader.Object, error) {
	var objs []loader.Object
	p := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(b.prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects with prefix %s: %w", b.prefix, err)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			objs = append(objs, loader.Object{
				Key:     *obj.Key,
				Version: strings.Trim(aws.ToString(obj.ETag), `"`),
			})
		}
	}
	return objs, nil
}

func (b *S3Backend) Read(ctx context.Context, key string) ([]byte, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get %s from S3: %w", key, err)
	}
	defer out.Body.Close()

	buf := new(bytes.Buffer)
	if _, err := io.Copy(buf, out.Body); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return buf.Bytes(), nil
}

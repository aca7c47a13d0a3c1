package bronze

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-cli/internal/model"
)

// S3API is the subset of the S3 client the bronze store uses.
type S3API interface {
	s3.ListObjectsV2APIClient
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Config holds configuration for S3Store.
type S3Config struct {
	Bucket   string `yaml:"bucket" mapstructure:"bucket"`
	Region   string `yaml:"region" mapstructure:"region"`
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint"` // MinIO, LocalStack
	Prefix   string `yaml:"prefix" mapstructure:"prefix"`
}

// S3Store keeps each bronze record as one immutable object under
// <prefix>partition=<date>/<source>/.
type S3Store struct {
	client S3API
	bucket string
	prefix string
	log    *zap.Logger
}

// NewS3Store creates an S3-backed bronze store using the default AWS
// credential chain.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, eris.New("bronze: s3 bucket is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, eris.Wrap(err, "bronze: load aws config")
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3StoreWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewS3StoreWithClient wraps an existing client.
func NewS3StoreWithClient(client S3API, bucket, prefix string) *S3Store {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3Store{
		client: client,
		bucket: bucket,
		prefix: prefix,
		log:    zap.L().With(zap.String("component", "bronze.s3")),
	}
}

func (s *S3Store) partitionPrefix(partition string) string {
	return s.prefix + "partition=" + partition + "/"
}

func (s *S3Store) key(r model.BronzeRecord) string {
	return fmt.Sprintf("%s%s/%020d-%06d-%s.json",
		s.partitionPrefix(r.Partition), r.SourceID, r.IngestedAt.UnixMicro(), r.Seq, r.ID)
}

// Append uploads each record. An object that already exists under the same
// key is left untouched, which makes a retried append safe.
func (s *S3Store) Append(ctx context.Context, records ...model.BronzeRecord) error {
	for _, r := range records {
		key := s.key(r)
		if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		}); err == nil {
			continue
		}

		body, err := json.Marshal(r)
		if err != nil {
			return eris.Wrapf(err, "bronze: marshal record %s", r.ID)
		}
		if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(body),
			ContentType: aws.String("application/json"),
		}); err != nil {
			return eris.Wrapf(err, "bronze: put %s", key)
		}
	}
	return nil
}

// ListByPartition downloads every record of a partition in arrival order.
func (s *S3Store) ListByPartition(ctx context.Context, partition string) ([]model.BronzeRecord, error) {
	var records []model.BronzeRecord
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.partitionPrefix(partition)),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, eris.Wrapf(err, "bronze: list partition %s", partition)
		}
		for _, obj := range page.Contents {
			r, err := s.get(ctx, aws.ToString(obj.Key))
			if err != nil {
				return nil, err
			}
			records = append(records, r)
		}
	}
	Sort(records)
	s.log.Debug("listed partition", zap.String("partition", partition), zap.Int("records", len(records)))
	return records, nil
}

func (s *S3Store) get(ctx context.Context, key string) (model.BronzeRecord, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return model.BronzeRecord{}, eris.Wrapf(err, "bronze: get %s", key)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return model.BronzeRecord{}, eris.Wrapf(err, "bronze: read %s", key)
	}
	var r model.BronzeRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return model.BronzeRecord{}, eris.Wrapf(err, "bronze: decode %s", key)
	}
	return r, nil
}

// ListPartitions returns partition keys found under the store prefix.
func (s *S3Store) ListPartitions(ctx context.Context) ([]string, error) {
	var partitions []string
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(s.prefix + "partition="),
		Delimiter: aws.String("/"),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "bronze: list partitions")
		}
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimPrefix(aws.ToString(cp.Prefix), s.prefix+"partition=")
			partitions = append(partitions, strings.TrimSuffix(name, "/"))
		}
	}
	slices.Sort(partitions)
	return partitions, nil
}

// Package s3store is a reference BlockStore backed by an S3-compatible
// bucket. It is example/reference material — the engine never imports
// it, only blockstore/memstore and blockstore/localdir are load-bearing
// for the test suite.
package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/mwatts/acid-store/internal/blockio"
)

// Store is a BlockStore that stores each block as one S3 object, keyed
// by its BlockID under a fixed prefix.
type Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// Config holds the connection parameters for a Store. Endpoint is only
// needed for non-AWS S3-compatible providers (MinIO, R2, etc).
type Config struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string
}

// New builds a Store from cfg, loading AWS credentials the standard way
// (environment, shared config file, or container/instance role).
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3store: bucket must not be empty")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("s3store: load AWS config: %w", err)
	}

	var opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return &Store{
		client: s3.NewFromConfig(awsCfg, opts...),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (s *Store) objectKey(id blockio.BlockID) string {
	if s.prefix == "" {
		return id.String()
	}
	return s.prefix + "/" + id.String()
}

func (s *Store) Put(ctx context.Context, id blockio.BlockID, frame []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(id)),
		Body:   bytes.NewReader(frame),
	})
	if err != nil {
		return fmt.Errorf("s3store: put %s: %w", id, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id blockio.BlockID) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(id)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("s3store: get %s: %w", id, blockio.ErrNotFound)
		}
		return nil, fmt.Errorf("s3store: get %s: %w", id, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3store: read body %s: %w", id, err)
	}
	return data, nil
}

func (s *Store) Remove(ctx context.Context, id blockio.BlockID) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(id)),
	})
	if err != nil {
		return fmt.Errorf("s3store: remove %s: %w", id, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]blockio.BlockID, error) {
	var ids []blockio.BlockID
	var token *string
	listPrefix := s.prefix
	if listPrefix != "" {
		listPrefix += "/"
	}
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(listPrefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("s3store: list: %w", err)
		}
		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)[len(listPrefix):]
			id, err := blockio.ParseID(key)
			if err != nil {
				continue
			}
			ids = append(ids, id)
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		token = out.NextContinuationToken
	}
	return ids, nil
}

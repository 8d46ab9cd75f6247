// Copyright 2025 James Ross
// Package blobstore is the Blob Store Adapter: key-addressed put/get of
// JSON artifacts under a single S3 bucket. Grounded on the long-term
// archive exporter's S3 session setup (endpoint override and path-style
// addressing for MinIO/local development, optional static credentials
// falling back to the SDK's ambient credential chain).
package blobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"github.com/flyingrobots/pipeline-orchestrator/internal/config"
	"github.com/flyingrobots/pipeline-orchestrator/internal/ierrors"
)

// Store is the Blob Store Adapter.
type Store struct {
	bucket   string
	client   s3iface.S3API
	uploader *s3manager.Uploader
}

// New builds a Store from the blob store section of Config, establishing
// an AWS session with optional endpoint override (MinIO/LocalStack) and
// optional static credentials.
func New(cfg *config.Config) (*Store, error) {
	awsCfg := &aws.Config{Region: aws.String(cfg.BlobStore.Region)}

	if cfg.BlobStore.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.BlobStore.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	if cfg.BlobStore.AccessKeyID != "" && cfg.BlobStore.SecretAccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(
			cfg.BlobStore.AccessKeyID, cfg.BlobStore.SecretAccessKey, "")
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, ierrors.NewBackendError("blobstore", "new_session", err)
	}

	client := s3.New(sess)
	return &Store{
		bucket:   cfg.BlobStore.Bucket,
		client:   client,
		uploader: s3manager.NewUploader(sess),
	}, nil
}

// NewWithClient builds a Store around an injected S3 client, used by
// tests to substitute a fake implementing s3iface.S3API.
func NewWithClient(bucket string, client s3iface.S3API) *Store {
	return &Store{bucket: bucket, client: client}
}

// Put serializes value to JSON and stores it under key, returning key on
// success.
func (s *Store) Put(ctx context.Context, key string, value interface{}) (string, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ierrors.ErrSerializationError, err)
	}

	_, err = s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ierrors.ErrStorageUnavailable, err)
	}
	return key, nil
}

// Get fetches the artifact at key and unmarshals it into out.
func (s *Store) Get(ctx context.Context, key string, out interface{}) error {
	resp, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && (aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound") {
			return fmt.Errorf("%w: %s", ierrors.ErrNotFound, key)
		}
		return fmt.Errorf("%w: %v", ierrors.ErrStorageUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %v", ierrors.ErrStorageUnavailable, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", ierrors.ErrCorruptArtifact, err)
	}
	return nil
}

// Ping verifies bucket access for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := s.client.HeadBucketWithContext(cctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return fmt.Errorf("%w: %v", ierrors.ErrStorageUnavailable, err)
	}
	return nil
}

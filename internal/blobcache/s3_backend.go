// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package blobcache

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
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// S3Config configures an S3-compatible backend.
type S3Config struct {
	Endpoint     string
	Bucket       string
	AccessKey    string
	SecretKey    string
	Region       string
	UsePathStyle bool
}

// S3Backend stores blobs as objects keyed by their hex digest in an
// S3-compatible bucket.
type S3Backend struct {
	client *s3.Client
	bucket string
}

// NewS3Backend builds a Backend against cfg.
func NewS3Backend(cfg S3Config) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("blobcache/s3: empty bucket name")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("blobcache/s3: load AWS config: %w", err)
	}

	opts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}

	client := s3.NewFromConfig(awsCfg, opts)
	return &S3Backend{client: client, bucket: cfg.Bucket}, nil
}

func (b *S3Backend) Get(ctx context.Context, digest string) ([]byte, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(digest),
	})
	if err != nil {
		return nil, fmt.Errorf("blobcache/s3: get %s: %w", digest, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("blobcache/s3: read body %s: %w", digest, err)
	}
	return data, nil
}

func (b *S3Backend) Has(ctx context.Context, digest string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(digest),
	})
	if err == nil {
		return true, nil
	}
	var notFound *smithyhttp.ResponseError
	if errors.As(err, &notFound) && notFound.Response.StatusCode == 404 {
		return false, nil
	}
	return false, fmt.Errorf("blobcache/s3: head %s: %w", digest, err)
}

func (b *S3Backend) Put(ctx context.Context, data []byte) (string, error) {
	digest := digestOf(data)
	if ok, err := b.Has(ctx, digest); err != nil {
		return "", err
	} else if ok {
		return digest, nil
	}
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(digest),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return "", fmt.Errorf("blobcache/s3: put %s: %w", digest, err)
	}
	return digest, nil
}

// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

var ErrTooLarge = errors.New("media exceeds size limit")

type putter interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

type presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

type Options struct {
	Bucket string
	Region string
	// PublicBase serves objects directly (e.g. a CDN); empty means
	// presigned GET URLs valid for PresignTTL
	PublicBase string
	PresignTTL time.Duration
	MaxBytes   int64
}

// MediaStore uploads message attachments to a bucket
type MediaStore struct {
	uploader  putter
	presigner presigner
	opts      Options
}

func NewMediaStore(ctx context.Context, opts Options) (*MediaStore, error) {
	cfg, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &MediaStore{
		uploader:  manager.NewUploader(client),
		presigner: s3.NewPresignClient(client),
		opts:      opts,
	}, nil
}

// Key builds the object key for an upload by userID
func Key(userID, name string) string {
	ext := strings.ToLower(path.Ext(name))
	return fmt.Sprintf("dm/%s/%s%s", userID, uuid.New().String(), ext)
}

func (m *MediaStore) MaxBytes() int64 {
	return m.opts.MaxBytes
}

// Upload stores data under key and returns a URL the peer can fetch
func (m *MediaStore) Upload(ctx context.Context, key, contentType string, data []byte) (string, error) {
	if m.opts.MaxBytes > 0 && int64(len(data)) > m.opts.MaxBytes {
		return "", fmt.Errorf("%d bytes: %w", len(data), ErrTooLarge)
	}
	_, err := m.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.opts.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", key, err)
	}

	if m.opts.PublicBase != "" {
		return strings.TrimRight(m.opts.PublicBase, "/") + "/" + escapeKey(key), nil
	}

	req, err := m.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.opts.Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(m.opts.PresignTTL))
	if err != nil {
		return "", fmt.Errorf("failed to presign %s: %w", key, err)
	}
	return req.URL, nil
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

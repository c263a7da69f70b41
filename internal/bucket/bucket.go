// Package bucket creates and tears down the S3 buckets a fleet uses for job
// data.
package bucket

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/w-gao/nodeforge/internal/retry"
)

const (
	codeAlreadyOwned = "BucketAlreadyOwnedByYou"
	codeNoSuchBucket = "NoSuchBucket"

	// us-east-1 rejects an explicit location constraint.
	defaultRegion = "us-east-1"
)

// ErrEmptyName is returned for a bucket without a name.
var ErrEmptyName = errors.New("bucket name is required")

// S3API defines the S3 operations used by the manager.
type S3API interface {
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	ListObjectVersions(ctx context.Context, params *s3.ListObjectVersionsInput, optFns ...func(*s3.Options)) (*s3.ListObjectVersionsOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	DeleteBucket(ctx context.Context, params *s3.DeleteBucketInput, optFns ...func(*s3.Options)) (*s3.DeleteBucketOutput, error)
}

// Manager creates and deletes buckets.
type Manager struct {
	api S3API
	log zerolog.Logger
}

// NewManager creates a manager. A nil logger selects the global one.
func NewManager(api S3API, logger *zerolog.Logger) *Manager {
	m := &Manager{
		api: api,
		log: log.Logger.With().Str("component", "bucket").Logger(),
	}
	if logger != nil {
		m.log = *logger
	}
	return m
}

// Create creates a bucket in region. A bucket this account already owns is
// left as is.
func (m *Manager) Create(ctx context.Context, name, region string) error {
	if name == "" {
		return ErrEmptyName
	}
	in := &s3.CreateBucketInput{Bucket: aws.String(name)}
	if region != "" && region != defaultRegion {
		in.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(region),
		}
	}

	_, err := m.api.CreateBucket(ctx, in)
	if err != nil {
		if retry.ErrorCode(err) == codeAlreadyOwned {
			m.log.Info().Ctx(ctx).Str("bucket", name).Msg("bucket already exists")
			return nil
		}
		return fmt.Errorf("create bucket %s: %w", name, err)
	}
	m.log.Info().Ctx(ctx).Str("bucket", name).Str("region", region).Msg("created bucket")
	return nil
}

// Delete removes every object version and delete marker from the bucket and
// then the bucket itself. A missing bucket is not an error.
func (m *Manager) Delete(ctx context.Context, name string) error {
	if name == "" {
		return ErrEmptyName
	}

	deleted := 0
	in := &s3.ListObjectVersionsInput{Bucket: aws.String(name)}
	for {
		out, err := m.api.ListObjectVersions(ctx, in)
		if err != nil {
			if retry.ErrorCode(err) == codeNoSuchBucket {
				m.log.Debug().Ctx(ctx).Str("bucket", name).Msg("bucket already deleted")
				return nil
			}
			return fmt.Errorf("list object versions of %s: %w", name, err)
		}

		objects := append(
			lo.Map(out.Versions, func(v types.ObjectVersion, _ int) types.ObjectIdentifier {
				return types.ObjectIdentifier{Key: v.Key, VersionId: v.VersionId}
			}),
			lo.Map(out.DeleteMarkers, func(d types.DeleteMarkerEntry, _ int) types.ObjectIdentifier {
				return types.ObjectIdentifier{Key: d.Key, VersionId: d.VersionId}
			})...,
		)
		if len(objects) > 0 {
			if err := m.deleteObjects(ctx, name, objects); err != nil {
				return err
			}
			deleted += len(objects)
		}

		if !aws.ToBool(out.IsTruncated) {
			break
		}
		in.KeyMarker = out.NextKeyMarker
		in.VersionIdMarker = out.NextVersionIdMarker
	}

	_, err := m.api.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(name)})
	if err != nil && retry.ErrorCode(err) != codeNoSuchBucket {
		return fmt.Errorf("delete bucket %s: %w", name, err)
	}
	m.log.Info().Ctx(ctx).Str("bucket", name).Int("objects", deleted).Msg("deleted bucket")
	return nil
}

func (m *Manager) deleteObjects(ctx context.Context, bucket string, objects []types.ObjectIdentifier) error {
	out, err := m.api.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(bucket),
		Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
	})
	if err != nil {
		return fmt.Errorf("delete objects in %s: %w", bucket, err)
	}
	if len(out.Errors) > 0 {
		first := out.Errors[0]
		return fmt.Errorf("delete objects in %s: %d failed, first %s: %s",
			bucket, len(out.Errors), aws.ToString(first.Key), aws.ToString(first.Message))
	}
	return nil
}

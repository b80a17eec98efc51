// Package archive 终态会话归档
package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"VoiceBargainer/internal/config"
	"VoiceBargainer/internal/model"
	"VoiceBargainer/internal/retry"
)

// Archiver 归档终态会话及其通话记录
type Archiver interface {
	Archive(ctx context.Context, s *model.CallSession, recording []byte) error
}

// Nop 不归档
type Nop struct{}

// Archive 实现 Archiver
func (Nop) Archive(context.Context, *model.CallSession, []byte) error { return nil }

// PutObjectAPI s3客户端中用到的接口
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver 写入 {prefix}/{trip_id}/{call_id}/session.json 与 recording.json
type S3Archiver struct {
	client PutObjectAPI
	bucket string
	prefix string
	policy retry.Policy
}

// NewS3Client endpoint非空时使用path-style访问(MinIO等兼容服务)
func NewS3Client(ctx context.Context, cfg config.ArchiveConfig) (*s3.Client, error) {
	if strings.TrimSpace(cfg.Region) == "" {
		return nil, fmt.Errorf("missing region")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// NewS3Archiver 创建归档器
func NewS3Archiver(client PutObjectAPI, bucket, prefix string, policy retry.Policy) *S3Archiver {
	return &S3Archiver{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/"), policy: policy}
}

// Keys 会话对应的对象键
func (a *S3Archiver) Keys(s *model.CallSession) (sessionKey, recordingKey string) {
	dir := path.Join(a.prefix, s.Trip.TripID, s.CallID)
	return path.Join(dir, "session.json"), path.Join(dir, "recording.json")
}

// Archive 实现 Archiver
func (a *S3Archiver) Archive(ctx context.Context, s *model.CallSession, recording []byte) error {
	doc, err := model.EncodeSession(s)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", s.CallID, err)
	}
	sessionKey, recordingKey := a.Keys(s)
	if err := a.put(ctx, sessionKey, doc); err != nil {
		return err
	}
	if len(recording) > 0 {
		if err := a.put(ctx, recordingKey, recording); err != nil {
			return err
		}
	}
	return nil
}

func (a *S3Archiver) put(ctx context.Context, key string, body []byte) error {
	return retry.Do(ctx, a.policy, "s3 put "+key, func(ctx context.Context) error {
		_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(a.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(body),
			ContentType: aws.String("application/json"),
		})
		if err != nil {
			return model.Transient("s3", "put object", fmt.Errorf("%s: %w", key, err))
		}
		return nil
	})
}

package persistence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/wolfman30/voice-receptionist/internal/session"
	"github.com/wolfman30/voice-receptionist/pkg/logging"
)

// S3API is the subset of the S3 client used by S3Archiver.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver writes the scrubbed summary and transcript of every ended
// session to S3, partitioned by end date.
type S3Archiver struct {
	client S3API
	bucket string
	logger *logging.Logger
}

func NewS3Archiver(client S3API, bucket string, logger *logging.Logger) *S3Archiver {
	if client == nil {
		panic("persistence: s3 client cannot be nil")
	}
	if bucket == "" {
		panic("persistence: archive bucket cannot be empty")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &S3Archiver{client: client, bucket: bucket, logger: logger}
}

func archiveKey(s session.Summary) string {
	at := s.EndedAt.UTC()
	return fmt.Sprintf("sessions/v1/by-date/%d/%02d/%02d/%s.json", at.Year(), at.Month(), at.Day(), s.SessionID)
}

func (a *S3Archiver) SaveSessionSummary(ctx context.Context, sessionID string, summary session.Summary) error {
	summary.SessionID = sessionID
	data, err := json.Marshal(scrubSummary(summary))
	if err != nil {
		return fmt.Errorf("persistence: marshal archive: %w", err)
	}
	key := archiveKey(summary)
	if _, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	}); err != nil {
		return fmt.Errorf("persistence: s3 put %s: %w", key, err)
	}
	a.logger.Info("archived session transcript", "session_id", sessionID, "s3_key", key, "turns", len(summary.Transcript))
	return nil
}

package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/nijaru/vid-feedback/models"
)

type SpacesConfig struct {
	AccessKey string
	SecretKey string
	Region    string
	Endpoint  string
	Bucket    string
	Prefix    string
}

// objectAPI is the subset of the S3 client the sink needs.
type objectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// SpacesSink uploads reports to an S3-compatible bucket as JSON.
type SpacesSink struct {
	client objectAPI
	bucket string
	prefix string
}

type storedReport struct {
	RunID     string    `json:"run_id"`
	Text      string    `json:"text"`
	Model     string    `json:"model"`
	Batches   int       `json:"batches"`
	Timestamp time.Time `json:"timestamp"`
}

func NewSpacesSink(ctx context.Context, cfg SpacesConfig) (*SpacesSink, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
		config.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %v", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true
	})

	return &SpacesSink{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *SpacesSink) key(runID string) string {
	return path.Join(s.prefix, runID+".json")
}

func (s *SpacesSink) Save(ctx context.Context, report *models.FinalReport) (string, error) {
	data, err := json.Marshal(storedReport{
		RunID:     report.RunID,
		Text:      report.Text,
		Model:     report.Model,
		Batches:   report.Batches,
		Timestamp: report.CreatedAt,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal report: %v", err)
	}

	key := s.key(report.RunID)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to save to Spaces: %v", err)
	}

	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// Remove deletes an uploaded report.
func (s *SpacesSink) Remove(ctx context.Context, report *models.FinalReport) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(report.RunID)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete from Spaces: %v", err)
	}
	return nil
}

// Get fetches a previously uploaded report.
func (s *SpacesSink) Get(ctx context.Context, runID string) (*models.FinalReport, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(runID)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get from Spaces: %v", err)
	}
	defer result.Body.Close()

	var data storedReport
	if err := json.NewDecoder(result.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode report: %v", err)
	}

	return &models.FinalReport{
		RunID:     data.RunID,
		Text:      data.Text,
		Model:     data.Model,
		Batches:   data.Batches,
		CreatedAt: data.Timestamp,
	}, nil
}

package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

// S3Config describes the credentials and bucket an S3Mirror shadows catalog
// writes to. The zero value disables the mirror.
type S3Config struct {
	Endpoint string
	Region   string
	KeyID    string
	AppKey   string
	Bucket   string
}

// S3Mirror shadows Store's filesystem writes to an S3-compatible bucket so a
// catalog snapshot survives the loss of local disk. It implements Mirror.
type S3Mirror struct {
	client *s3.S3
	bucket string
}

// NewS3Mirror creates an S3Mirror, or returns (nil, nil) if cfg is
// incomplete — the caller should treat a nil Mirror as "disabled" rather
// than an error, matching the teacher's graceful-degradation approach to
// optional external services.
func NewS3Mirror(cfg S3Config) (*S3Mirror, error) {
	if cfg.Endpoint == "" || cfg.Region == "" || cfg.KeyID == "" || cfg.AppKey == "" || cfg.Bucket == "" {
		return nil, nil
	}

	disableSSL := strings.HasPrefix(strings.ToLower(cfg.Endpoint), "http://")
	sess, err := session.NewSession(&aws.Config{
		Region:           aws.String(cfg.Region),
		Endpoint:         aws.String(cfg.Endpoint),
		S3ForcePathStyle: aws.Bool(true),
		Credentials:      credentials.NewStaticCredentials(cfg.KeyID, cfg.AppKey, ""),
		DisableSSL:       aws.Bool(disableSSL),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	log.Printf("[CATALOG] S3 mirror enabled for bucket %q at %q (region %q)", cfg.Bucket, cfg.Endpoint, cfg.Region)
	return &S3Mirror{client: s3.New(sess), bucket: cfg.Bucket}, nil
}

func (m *S3Mirror) key(botID, shardID string) string {
	return fmt.Sprintf("catalog/%s/%s.json", botID, shardID)
}

// Put shadow-writes the endpoint snapshot for (botID, shardID).
func (m *S3Mirror) Put(botID, shardID string, endpoints []string) error {
	data, err := json.Marshal(snapshot{Endpoints: endpoints})
	if err != nil {
		return err
	}
	_, err = m.client.PutObject(&s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(m.key(botID, shardID)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	return err
}

// Get fetches the shadow-written endpoint snapshot for (botID, shardID).
func (m *S3Mirror) Get(botID, shardID string) ([]string, error) {
	result, err := m.client.GetObject(&s3.GetObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(m.key(botID, shardID)),
	})
	if err != nil {
		return nil, err
	}
	defer result.Body.Close()

	body, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, err
	}
	var snap snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, err
	}
	return snap.Endpoints, nil
}

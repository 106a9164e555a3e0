package backup

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// TimestampFormat names backup files; it sorts lexically by time
const TimestampFormat = "2006-01-02_15-04-05"

const (
	keyPrefix        = "backups/"
	deleteBatchSize  = 1000
	defaultRetention = 30
)

// Event is the payload EventBridge or a manual invocation sends
type Event struct {
	BackupType string `json:"backup_type"`
	Source     string `json:"source"`
}

// Response mirrors an API Gateway style result so callers can read the
// status without parsing the body.
type Response struct {
	StatusCode int    `json:"statusCode"`
	Body       string `json:"body"`
}

// Summary is the body of a successful run
type Summary struct {
	Message             string  `json:"message"`
	Timestamp           string  `json:"timestamp"`
	BackupFile          string  `json:"backup_file"`
	S3Location          string  `json:"s3_location"`
	FileSizeMB          float64 `json:"file_size_mb"`
	CollectionsBackedUp int     `json:"collections_backed_up"`
	TotalDocuments      int     `json:"total_documents"`
}

type failure struct {
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"`
}

// Exporter reads a database collection by collection. Documents come back
// as JSON values.
type Exporter interface {
	Collections(ctx context.Context) ([]string, error)
	Export(ctx context.Context, collection string) ([]json.RawMessage, error)
	Close(ctx context.Context) error
}

// Connector opens an Exporter for a connection string and database
type Connector func(ctx context.Context, uri, database string) (Exporter, error)

type ObjectStore interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

type SecretReader interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

var (
	_ ObjectStore  = (*s3.Client)(nil)
	_ SecretReader = (*secretsmanager.Client)(nil)
)

// Config is read from the function's environment
type Config struct {
	Bucket        string
	Database      string
	SecretARN     string
	RetentionDays int
}

func ConfigFromEnv() (Config, error) {
	cfg := Config{
		Bucket:        os.Getenv("S3_BUCKET_NAME"),
		Database:      os.Getenv("DATABASE_NAME"),
		SecretARN:     os.Getenv("MONGO_SECRET_ARN"),
		RetentionDays: defaultRetention,
	}
	if v := os.Getenv("RETENTION_DAYS"); v != "" {
		days, err := strconv.Atoi(v)
		if err != nil || days <= 0 {
			return Config{}, fmt.Errorf("invalid RETENTION_DAYS %q", v)
		}
		cfg.RetentionDays = days
	}

	var errs []error
	if cfg.Bucket == "" {
		errs = append(errs, errors.New("S3_BUCKET_NAME is required"))
	}
	if cfg.Database == "" {
		errs = append(errs, errors.New("DATABASE_NAME is required"))
	}
	if cfg.SecretARN == "" {
		errs = append(errs, errors.New("MONGO_SECRET_ARN is required"))
	}
	return cfg, errors.Join(errs...)
}

type Handler struct {
	Config  Config
	S3      ObjectStore
	Secrets SecretReader
	Connect Connector
	Now     func() time.Time
}

// Handle exports the database to a zipped JSON document under
// backups/YYYY/MM/ and removes backups older than the retention period.
// Failures are reported in the response with status 500.
func (h *Handler) Handle(ctx context.Context, event Event) (Response, error) {
	now := h.now()
	summary, err := h.run(ctx, event, now)
	if err != nil {
		slog.Error("backup failed", "error", err)
		body, _ := json.Marshal(failure{Error: err.Error(), Timestamp: now.Format(time.RFC3339)})
		return Response{StatusCode: 500, Body: string(body)}, nil
	}

	body, err := json.Marshal(summary)
	if err != nil {
		return Response{}, fmt.Errorf("encoding summary: %w", err)
	}
	return Response{StatusCode: 200, Body: string(body)}, nil
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now().UTC()
	}
	return time.Now().UTC()
}

func (h *Handler) run(ctx context.Context, event Event, now time.Time) (*Summary, error) {
	timestamp := now.Format(TimestampFormat)
	backupType := event.BackupType
	if backupType == "" {
		backupType = "full"
	}
	slog.Info("starting backup", "timestamp", timestamp, "type", backupType, "source", event.Source)

	secret, err := h.Secrets.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(h.Config.SecretARN)})
	if err != nil {
		return nil, fmt.Errorf("reading connection string: %w", err)
	}

	exporter, err := h.Connect(ctx, aws.ToString(secret.SecretString), h.Config.Database)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	defer func() {
		if err := exporter.Close(ctx); err != nil {
			slog.Warn("closing database connection", "error", err)
		}
	}()

	collections, err := exporter.Collections(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing collections: %w", err)
	}
	slog.Info("found collections", "count", len(collections))

	doc := map[string]any{}
	total := 0
	for _, name := range collections {
		docs, err := exporter.Export(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("exporting %s: %w", name, err)
		}
		if docs == nil {
			docs = []json.RawMessage{}
		}
		doc[name] = collectionDump{Count: len(docs), Documents: docs}
		total += len(docs)
		slog.Info("backed up collection", "collection", name, "documents", len(docs))
	}
	doc["_metadata"] = metadata{
		Timestamp:        timestamp,
		DatabaseName:     h.Config.Database,
		TotalCollections: len(collections),
		BackupType:       backupType,
		LambdaFunction:   functionName(ctx),
	}

	jsonName := fmt.Sprintf("mongodb_backup_%s.json", timestamp)
	zipName := fmt.Sprintf("mongodb_backup_%s.zip", timestamp)
	archive, err := zipDocument(jsonName, doc)
	if err != nil {
		return nil, err
	}

	key := ObjectKey(now, zipName)
	_, err = h.S3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(h.Config.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(archive),
		ContentLength: aws.Int64(int64(len(archive))),
		ContentType:   aws.String("application/zip"),
		Metadata: map[string]string{
			"timestamp":   timestamp,
			"database":    h.Config.Database,
			"collections": strconv.Itoa(len(collections)),
			"backup-type": "mongodb-" + backupType,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("uploading backup: %w", err)
	}

	location := fmt.Sprintf("s3://%s/%s", h.Config.Bucket, key)
	sizeMB := math.Round(float64(len(archive))/(1024*1024)*100) / 100
	slog.Info("backup uploaded", "location", location, "size_mb", sizeMB)

	if removed, err := h.CleanupOldBackups(ctx, now); err != nil {
		slog.Warn("cleaning up old backups", "error", err)
	} else {
		slog.Info("old backups cleaned up", "removed", removed)
	}

	return &Summary{
		Message:             "Backup completed successfully",
		Timestamp:           timestamp,
		BackupFile:          zipName,
		S3Location:          location,
		FileSizeMB:          sizeMB,
		CollectionsBackedUp: len(collections),
		TotalDocuments:      total,
	}, nil
}

type collectionDump struct {
	Count     int               `json:"count"`
	Documents []json.RawMessage `json:"documents"`
}

type metadata struct {
	Timestamp        string `json:"timestamp"`
	DatabaseName     string `json:"database_name"`
	TotalCollections int    `json:"total_collections"`
	BackupType       string `json:"backup_type"`
	LambdaFunction   string `json:"lambda_function"`
}

// ObjectKey places a backup under backups/YYYY/MM/
func ObjectKey(t time.Time, fileName string) string {
	return fmt.Sprintf("%s%04d/%02d/%s", keyPrefix, t.Year(), int(t.Month()), fileName)
}

func zipDocument(name string, doc any) ([]byte, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding backup: %w", err)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
	if err != nil {
		return nil, fmt.Errorf("compressing backup: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("compressing backup: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compressing backup: %w", err)
	}
	return buf.Bytes(), nil
}

func functionName(ctx context.Context) string {
	if _, ok := lambdacontext.FromContext(ctx); ok && lambdacontext.FunctionName != "" {
		return lambdacontext.FunctionName
	}
	return "local"
}

// CleanupOldBackups deletes objects under backups/ last modified before
// the retention cutoff and returns how many were removed.
func (h *Handler) CleanupOldBackups(ctx context.Context, now time.Time) (int, error) {
	days := h.Config.RetentionDays
	if days <= 0 {
		days = defaultRetention
	}
	cutoff := now.AddDate(0, 0, -days)

	var expired []s3types.ObjectIdentifier
	pages := s3.NewListObjectsV2Paginator(h.S3, &s3.ListObjectsV2Input{
		Bucket: aws.String(h.Config.Bucket),
		Prefix: aws.String(keyPrefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return 0, fmt.Errorf("listing backups: %w", err)
		}
		for _, obj := range page.Contents {
			if obj.LastModified != nil && obj.LastModified.Before(cutoff) {
				expired = append(expired, s3types.ObjectIdentifier{Key: obj.Key})
			}
		}
	}

	removed := 0
	var failed []error
	for start := 0; start < len(expired); start += deleteBatchSize {
		batch := expired[start:min(start+deleteBatchSize, len(expired))]
		out, err := h.S3.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(h.Config.Bucket),
			Delete: &s3types.Delete{Objects: batch, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return removed, fmt.Errorf("deleting old backups: %w", err)
		}
		removed += len(batch) - len(out.Errors)
		for _, e := range out.Errors {
			failed = append(failed, fmt.Errorf("%s: %s %s", aws.ToString(e.Key), aws.ToString(e.Code), aws.ToString(e.Message)))
		}
	}
	if len(failed) > 0 {
		return removed, fmt.Errorf("%d old backups not deleted: %w", len(failed), errors.Join(failed...))
	}
	return removed, nil
}

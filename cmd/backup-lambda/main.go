// Command backup-lambda is the scheduled database backup function. Build it
// for the provided.al2023 runtime:
//
//	GOOS=linux GOARCH=amd64 go build -tags lambda.norpc -o dist/backup-lambda/bootstrap ./cmd/backup-lambda
package main

import (
	"context"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"tierstack/internal/backup"
	"tierstack/internal/logging"
)

func main() {
	logging.SetDefaultLogger()
	ctx := context.Background()

	cfg, err := backup.ConfigFromEnv()
	logging.FatalOnError(err, "invalid function environment")

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	logging.FatalOnError(err, "failed to load AWS config")

	handler := &backup.Handler{
		Config:  cfg,
		S3:      s3.NewFromConfig(awsCfg),
		Secrets: secretsmanager.NewFromConfig(awsCfg),
		Connect: backup.ConnectMongo,
	}
	lambda.Start(handler.Handle)
}

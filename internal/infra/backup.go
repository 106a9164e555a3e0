package infra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	ebtypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"

	"tierstack/internal/config"
)

// EnvConnectionString is read at deploy time to seed the database secret.
// The connection string is never taken from the config file.
const EnvConnectionString = "MONGO_CONNECTION_STRING"

var ErrNoConnectionString = errors.New(EnvConnectionString + " is not set and the database secret does not exist")

// EnsureBackupBucket creates the bucket when missing and applies tags,
// versioning, the public access block and the retention lifecycle rule.
func EnsureBackupBucket(ctx context.Context, clients *AWSClients, cfg *config.Config, bucket string) error {
	_, err := clients.S3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	switch {
	case err == nil:
		slog.Info("backup bucket already exists", "bucket", bucket, "existing", true)
	case IsNotFound(err):
		input := &s3.CreateBucketInput{Bucket: aws.String(bucket)}
		if clients.Region != "us-east-1" {
			input.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
				LocationConstraint: s3types.BucketLocationConstraint(clients.Region),
			}
		}
		if _, err := clients.S3.CreateBucket(ctx, input); err != nil && !IsAlreadyExists(err) {
			return fmt.Errorf("creating bucket %s: %w", bucket, err)
		}
		slog.Info("created backup bucket", "bucket", bucket, "region", clients.Region)
	default:
		return fmt.Errorf("checking bucket %s: %w", bucket, err)
	}

	values := stackTags(cfg, ComponentBackup)
	values["Purpose"] = "database-backups"
	tags := make([]s3types.Tag, 0, len(values))
	for _, k := range sortedKeys(values) {
		tags = append(tags, s3types.Tag{Key: aws.String(k), Value: aws.String(values[k])})
	}
	if _, err := clients.S3.PutBucketTagging(ctx, &s3.PutBucketTaggingInput{
		Bucket:  aws.String(bucket),
		Tagging: &s3types.Tagging{TagSet: tags},
	}); err != nil {
		return fmt.Errorf("tagging bucket %s: %w", bucket, err)
	}

	if _, err := clients.S3.PutBucketVersioning(ctx, &s3.PutBucketVersioningInput{
		Bucket:                  aws.String(bucket),
		VersioningConfiguration: &s3types.VersioningConfiguration{Status: s3types.BucketVersioningStatusEnabled},
	}); err != nil {
		return fmt.Errorf("enabling versioning on %s: %w", bucket, err)
	}

	if _, err := clients.S3.PutPublicAccessBlock(ctx, &s3.PutPublicAccessBlockInput{
		Bucket: aws.String(bucket),
		PublicAccessBlockConfiguration: &s3types.PublicAccessBlockConfiguration{
			BlockPublicAcls:       aws.Bool(true),
			BlockPublicPolicy:     aws.Bool(true),
			IgnorePublicAcls:      aws.Bool(true),
			RestrictPublicBuckets: aws.Bool(true),
		},
	}); err != nil {
		return fmt.Errorf("blocking public access on %s: %w", bucket, err)
	}

	days := cfg.Backup.RetentionDays
	if _, err := clients.S3.PutBucketLifecycleConfiguration(ctx, &s3.PutBucketLifecycleConfigurationInput{
		Bucket: aws.String(bucket),
		LifecycleConfiguration: &s3types.BucketLifecycleConfiguration{
			Rules: []s3types.LifecycleRule{{
				ID:                          aws.String("expire-backups"),
				Status:                      s3types.ExpirationStatusEnabled,
				Prefix:                      aws.String(BackupKeyPrefix),
				Expiration:                  &s3types.LifecycleExpiration{Days: aws.Int32(days)},
				NoncurrentVersionExpiration: &s3types.NoncurrentVersionExpiration{NoncurrentDays: aws.Int32(days)},
			}},
		},
	}); err != nil {
		return fmt.Errorf("setting lifecycle on %s: %w", bucket, err)
	}
	return nil
}

// EnsureDatabaseSecret stores the connection string from the environment
// in Secrets Manager and returns the secret ARN. An existing secret is kept
// as is when the environment variable is empty.
func EnsureDatabaseSecret(ctx context.Context, clients *AWSClients, cfg *config.Config, name string) (string, error) {
	value := os.Getenv(EnvConnectionString)

	out, err := clients.Secrets.DescribeSecret(ctx, &secretsmanager.DescribeSecretInput{SecretId: aws.String(name)})
	switch {
	case err == nil:
		arn := aws.ToString(out.ARN)
		if value == "" {
			slog.Info("database secret already exists", "secret", name, "existing", true)
			return arn, nil
		}
		if _, err := clients.Secrets.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
			SecretId:     aws.String(arn),
			SecretString: aws.String(value),
		}); err != nil {
			return "", fmt.Errorf("updating secret %s: %w", name, err)
		}
		slog.Info("updated database secret", "secret", name)
		return arn, nil
	case IsNotFound(err):
	default:
		return "", fmt.Errorf("describing secret %s: %w", name, err)
	}

	if value == "" {
		return "", ErrNoConnectionString
	}

	values := stackTags(cfg, ComponentBackend)
	tags := make([]smtypes.Tag, 0, len(values))
	for _, k := range sortedKeys(values) {
		tags = append(tags, smtypes.Tag{Key: aws.String(k), Value: aws.String(values[k])})
	}
	created, err := clients.Secrets.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
		Name:         aws.String(name),
		Description:  aws.String("Database connection string of the " + cfg.Project + " stack"),
		SecretString: aws.String(value),
		Tags:         tags,
	})
	if err != nil {
		return "", fmt.Errorf("creating secret %s: %w", name, err)
	}
	slog.Info("created database secret", "secret", name)
	return aws.ToString(created.ARN), nil
}

// BackupFunctionParams is what the backup function is deployed with
type BackupFunctionParams struct {
	RoleARN   string
	Bucket    string
	SecretARN string
	Package   []byte
}

func backupEnvironment(cfg *config.Config, params BackupFunctionParams) map[string]string {
	return map[string]string{
		"S3_BUCKET_NAME":   params.Bucket,
		"DATABASE_NAME":    cfg.Backup.DatabaseName,
		"MONGO_SECRET_ARN": params.SecretARN,
		"RETENTION_DAYS":   strconv.Itoa(int(cfg.Backup.RetentionDays)),
	}
}

// DeployBackupFunction creates the function, or updates code and
// configuration of an existing one, and waits until it can be invoked.
func DeployBackupFunction(ctx context.Context, clients *AWSClients, cfg *config.Config, params BackupFunctionParams) (string, error) {
	name := clients.Namer.BackupFunctionName()
	env := &lambdatypes.Environment{Variables: backupEnvironment(cfg, params)}

	existing, err := clients.Lambda.GetFunction(ctx, &lambda.GetFunctionInput{FunctionName: aws.String(name)})
	switch {
	case err == nil:
		if _, err := clients.Lambda.UpdateFunctionCode(ctx, &lambda.UpdateFunctionCodeInput{
			FunctionName: aws.String(name),
			ZipFile:      params.Package,
		}); err != nil {
			return "", fmt.Errorf("updating code of %s: %w", name, err)
		}
		if err := waitFunctionUpdated(ctx, clients, name); err != nil {
			return "", err
		}
		if _, err := clients.Lambda.UpdateFunctionConfiguration(ctx, &lambda.UpdateFunctionConfigurationInput{
			FunctionName: aws.String(name),
			Role:         aws.String(params.RoleARN),
			Timeout:      aws.Int32(cfg.Backup.TimeoutSeconds),
			MemorySize:   aws.Int32(cfg.Backup.MemoryMB),
			Environment:  env,
		}); err != nil {
			return "", fmt.Errorf("updating configuration of %s: %w", name, err)
		}
		if err := waitFunctionUpdated(ctx, clients, name); err != nil {
			return "", err
		}
		slog.Info("updated backup function", "function", name, "existing", true)
		return aws.ToString(existing.Configuration.FunctionArn), nil
	case IsNotFound(err):
	default:
		return "", fmt.Errorf("getting function %s: %w", name, err)
	}

	input := &lambda.CreateFunctionInput{
		FunctionName:  aws.String(name),
		Description:   aws.String("Scheduled database backup for " + cfg.Project),
		Runtime:       lambdatypes.Runtime(LambdaRuntime),
		Handler:       aws.String(LambdaHandler),
		Architectures: []lambdatypes.Architecture{lambdatypes.Architecture(LambdaArchitecture)},
		Role:          aws.String(params.RoleARN),
		Code:          &lambdatypes.FunctionCode{ZipFile: params.Package},
		Timeout:       aws.Int32(cfg.Backup.TimeoutSeconds),
		MemorySize:    aws.Int32(cfg.Backup.MemoryMB),
		Environment:   env,
		Tags:          stackTags(cfg, ComponentBackup),
	}

	// a freshly created role takes a few seconds before Lambda can assume it
	var functionARN string
	var permanent error
	err = RetryOperation(ctx, func(ctx context.Context) error {
		out, err := clients.Lambda.CreateFunction(ctx, input)
		switch {
		case err == nil:
			functionARN = aws.ToString(out.FunctionArn)
			return nil
		case ErrorCode(err) == "InvalidParameterValueException":
			return err
		default:
			permanent = err
			return nil
		}
	}, clients.Timing.WaitTimeout, clients.Timing.PollInterval, "backup function creation")
	if permanent != nil {
		err = permanent
	}
	if err != nil {
		return "", fmt.Errorf("creating function %s: %w", name, err)
	}

	waiter := lambda.NewFunctionActiveV2Waiter(clients.Lambda)
	if err := waiter.Wait(ctx, &lambda.GetFunctionInput{FunctionName: aws.String(name)}, clients.Timing.WaitTimeout); err != nil {
		return "", fmt.Errorf("waiting for function %s: %w", name, err)
	}
	slog.Info("created backup function", "function", name, "runtime", LambdaRuntime)
	return functionARN, nil
}

func waitFunctionUpdated(ctx context.Context, clients *AWSClients, name string) error {
	waiter := lambda.NewFunctionUpdatedV2Waiter(clients.Lambda)
	if err := waiter.Wait(ctx, &lambda.GetFunctionInput{FunctionName: aws.String(name)}, clients.Timing.WaitTimeout); err != nil {
		return fmt.Errorf("waiting for function %s update: %w", name, err)
	}
	return nil
}

// EnsureBackupSchedule points the schedule rule at the function and lets
// EventBridge invoke it. Returns the rule ARN.
func EnsureBackupSchedule(ctx context.Context, clients *AWSClients, cfg *config.Config, functionARN string) (string, error) {
	ruleName := clients.Namer.BackupRuleName()

	values := stackTags(cfg, ComponentBackup)
	tags := make([]ebtypes.Tag, 0, len(values))
	for _, k := range sortedKeys(values) {
		tags = append(tags, ebtypes.Tag{Key: aws.String(k), Value: aws.String(values[k])})
	}
	rule, err := clients.Events.PutRule(ctx, &eventbridge.PutRuleInput{
		Name:               aws.String(ruleName),
		ScheduleExpression: aws.String(cfg.Backup.Schedule),
		State:              ebtypes.RuleStateEnabled,
		Description:        aws.String("Database backup for " + cfg.Project),
		Tags:               tags,
	})
	if err != nil {
		return "", fmt.Errorf("putting rule %s: %w", ruleName, err)
	}
	ruleARN := aws.ToString(rule.RuleArn)

	targets, err := clients.Events.PutTargets(ctx, &eventbridge.PutTargetsInput{
		Rule: aws.String(ruleName),
		Targets: []ebtypes.Target{{
			Id:    aws.String(ScheduleTargetID),
			Arn:   aws.String(functionARN),
			Input: aws.String(ScheduledBackupInput),
		}},
	})
	if err != nil {
		return "", fmt.Errorf("putting target on %s: %w", ruleName, err)
	}
	if len(targets.FailedEntries) > 0 {
		return "", fmt.Errorf("putting target on %s: %s", ruleName, aws.ToString(targets.FailedEntries[0].ErrorMessage))
	}

	accountID, err := clients.AccountID(ctx)
	if err != nil {
		return "", err
	}
	_, err = clients.Lambda.AddPermission(ctx, &lambda.AddPermissionInput{
		FunctionName:  aws.String(clients.Namer.BackupFunctionName()),
		StatementId:   aws.String(ScheduleStatementID),
		Action:        aws.String("lambda:InvokeFunction"),
		Principal:     aws.String(PrincipalEvents),
		SourceArn:     aws.String(ruleARN),
		SourceAccount: aws.String(accountID),
	})
	if err != nil && !IsAlreadyExists(err) {
		return "", fmt.Errorf("allowing %s to invoke the backup function: %w", ruleName, err)
	}

	slog.Info("backup schedule ready", "rule", ruleName, "schedule", cfg.Backup.Schedule)
	return ruleARN, nil
}

// DeployBackup provisions bucket, secret, role, function and schedule
func DeployBackup(ctx context.Context, clients *AWSClients, cfg *config.Config) (*BackupState, error) {
	namer := clients.Namer
	accountID, err := clients.AccountID(ctx)
	if err != nil {
		return nil, err
	}

	bucket := cfg.Backup.BucketName
	if bucket == "" {
		bucket = namer.BackupBucketName(accountID)
	}
	if err := EnsureBackupBucket(ctx, clients, cfg, bucket); err != nil {
		return nil, err
	}

	secretName := cfg.DatabaseSecretName(namer.DatabaseSecretName())
	secretARN, err := EnsureDatabaseSecret(ctx, clients, cfg, secretName)
	if err != nil {
		return nil, err
	}

	roleSpec := BackupRoleSpec(namer, cfg.Region, accountID, bucket, secretName)
	roleARN, err := EnsureRole(ctx, clients, cfg, roleSpec)
	if err != nil {
		return nil, err
	}

	pkg, err := BuildLambdaPackage(cfg.Backup.BinaryPath)
	if err != nil {
		return nil, err
	}

	functionARN, err := DeployBackupFunction(ctx, clients, cfg, BackupFunctionParams{
		RoleARN:   roleARN,
		Bucket:    bucket,
		SecretARN: secretARN,
		Package:   pkg,
	})
	if err != nil {
		return nil, err
	}

	ruleARN, err := EnsureBackupSchedule(ctx, clients, cfg, functionARN)
	if err != nil {
		return nil, err
	}

	return &BackupState{
		BucketName:   bucket,
		FunctionName: namer.BackupFunctionName(),
		FunctionARN:  functionARN,
		RoleName:     roleSpec.Name,
		RuleName:     namer.BackupRuleName(),
		RuleARN:      ruleARN,
		SecretARN:    secretARN,
		DeployedAt:   time.Now().UTC(),
	}, nil
}

// InvokeResult is the decoded response of a manual backup run
type InvokeResult struct {
	StatusCode    int             `json:"statusCode"`
	Body          json.RawMessage `json:"body"`
	FunctionError string          `json:"-"`
}

// InvokeBackup runs the backup function once, synchronously
func InvokeBackup(ctx context.Context, clients *AWSClients, functionName string) (*InvokeResult, error) {
	out, err := clients.Lambda.Invoke(ctx, &lambda.InvokeInput{
		FunctionName:   aws.String(functionName),
		InvocationType: lambdatypes.InvocationTypeRequestResponse,
		Payload:        []byte(ManualBackupInput),
	})
	if err != nil {
		return nil, fmt.Errorf("invoking %s: %w", functionName, err)
	}

	result := &InvokeResult{FunctionError: aws.ToString(out.FunctionError)}
	if len(out.Payload) > 0 {
		if err := json.Unmarshal(out.Payload, result); err != nil {
			return nil, fmt.Errorf("decoding response of %s: %w", functionName, err)
		}
	}
	if result.FunctionError != "" {
		return result, fmt.Errorf("backup function failed: %s: %s", result.FunctionError, out.Payload)
	}
	slog.Info("backup invoked", "function", functionName, "status", result.StatusCode)
	return result, nil
}

// DestroyBackup removes the schedule, function and role. The bucket and
// the secret hold data and are only removed when deleteData is set. The
// secret also stays while the backend auto scaling group exists.
func DestroyBackup(ctx context.Context, clients *AWSClients, state *BackupState, deleteData bool) error {
	if state.RuleName != "" {
		if _, err := clients.Events.RemoveTargets(ctx, &eventbridge.RemoveTargetsInput{
			Rule: aws.String(state.RuleName),
			Ids:  []string{ScheduleTargetID},
		}); err != nil && !IsNotFound(err) {
			return fmt.Errorf("removing targets of %s: %w", state.RuleName, err)
		}
		if _, err := clients.Events.DeleteRule(ctx, &eventbridge.DeleteRuleInput{Name: aws.String(state.RuleName)}); err != nil && !IsNotFound(err) {
			return fmt.Errorf("deleting rule %s: %w", state.RuleName, err)
		}
		slog.Info("deleted backup schedule", "rule", state.RuleName)
	}

	if state.FunctionName != "" {
		if _, err := clients.Lambda.DeleteFunction(ctx, &lambda.DeleteFunctionInput{FunctionName: aws.String(state.FunctionName)}); err != nil && !IsNotFound(err) {
			return fmt.Errorf("deleting function %s: %w", state.FunctionName, err)
		}
		slog.Info("deleted backup function", "function", state.FunctionName)
	}

	if err := DeleteRole(ctx, clients, state.RoleName); err != nil {
		slog.Warn("IAM cleanup incomplete, remove the role manually", "role", state.RoleName, "error", err)
	}

	if !deleteData {
		slog.Info("keeping backup bucket and database secret", "bucket", state.BucketName, "secret", state.SecretARN)
		return nil
	}

	if state.BucketName != "" {
		if err := EmptyAndDeleteBucket(ctx, clients, state.BucketName); err != nil {
			return err
		}
	}
	if state.SecretARN != "" {
		group, err := describeAutoScalingGroup(ctx, clients, clients.Namer.AutoScalingGroupName())
		if err != nil {
			return err
		}
		if group != nil {
			slog.Info("keeping database secret, the backend still reads it", "secret", state.SecretARN, "asg", aws.ToString(group.AutoScalingGroupName))
			return nil
		}
		if _, err := clients.Secrets.DeleteSecret(ctx, &secretsmanager.DeleteSecretInput{
			SecretId:             aws.String(state.SecretARN),
			RecoveryWindowInDays: aws.Int64(7),
		}); err != nil && !IsNotFound(err) {
			return fmt.Errorf("deleting secret: %w", err)
		}
		slog.Info("scheduled database secret deletion", "secret", state.SecretARN)
	}
	return nil
}

// EmptyAndDeleteBucket deletes every object version and delete marker,
// then the bucket.
func EmptyAndDeleteBucket(ctx context.Context, clients *AWSClients, bucket string) error {
	input := &s3.ListObjectVersionsInput{Bucket: aws.String(bucket)}
	for {
		page, err := clients.S3.ListObjectVersions(ctx, input)
		if IsNotFound(err) {
			slog.Info("backup bucket already gone", "bucket", bucket)
			return nil
		}
		if err != nil {
			return fmt.Errorf("listing versions in %s: %w", bucket, err)
		}

		var objects []s3types.ObjectIdentifier
		for _, v := range page.Versions {
			objects = append(objects, s3types.ObjectIdentifier{Key: v.Key, VersionId: v.VersionId})
		}
		for _, m := range page.DeleteMarkers {
			objects = append(objects, s3types.ObjectIdentifier{Key: m.Key, VersionId: m.VersionId})
		}
		if len(objects) > 0 {
			out, err := clients.S3.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(bucket),
				Delete: &s3types.Delete{Objects: objects, Quiet: aws.Bool(true)},
			})
			if err != nil {
				return fmt.Errorf("deleting objects in %s: %w", bucket, err)
			}
			if len(out.Errors) > 0 {
				first := out.Errors[0]
				return fmt.Errorf("deleting objects in %s: %d of %d failed, first %s: %s %s", bucket,
					len(out.Errors), len(objects), aws.ToString(first.Key), aws.ToString(first.Code), aws.ToString(first.Message))
			}
			slog.Info("deleted object versions", "bucket", bucket, "count", len(objects))
		}

		if !aws.ToBool(page.IsTruncated) {
			break
		}
		input.KeyMarker = page.NextKeyMarker
		input.VersionIdMarker = page.NextVersionIdMarker
	}

	if _, err := clients.S3.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(bucket)}); err != nil && !IsNotFound(err) {
		return fmt.Errorf("deleting bucket %s: %w", bucket, err)
	}
	slog.Info("deleted backup bucket", "bucket", bucket)
	return nil
}

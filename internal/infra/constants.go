package infra

// Tag keys
const (
	TagKeyName        = "Name"
	TagKeyProject     = "Project"
	TagKeyEnvironment = "Environment"
	TagKeyComponent   = "Component"
	TagKeyManagedBy   = "ManagedBy"
	TagKeyConfigHash  = "tierstack:config"

	ManagedByValue = "tierstack"
)

// Stack components, used as the Component tag and for state files
const (
	ComponentNetwork    = "network"
	ComponentBackend    = "backend"
	ComponentFrontend   = "frontend"
	ComponentBackup     = "backup"
	ComponentMonitoring = "monitoring"
)

// Network configuration
const (
	anyIPv4     = "0.0.0.0/0"
	protocolTCP = "tcp"
	protocolAll = "-1"

	HTTPPort  = 80
	HTTPSPort = 443
	SSHPort   = 22
	MongoPort = 27017
)

// IAM configuration
const (
	PolicyECRReadOnly     = "arn:aws:iam::aws:policy/AmazonEC2ContainerRegistryReadOnly"
	PolicyCloudWatchAgent = "arn:aws:iam::aws:policy/CloudWatchAgentServerPolicy"

	PrincipalEC2    = "ec2.amazonaws.com"
	PrincipalLambda = "lambda.amazonaws.com"
	PrincipalEvents = "events.amazonaws.com"

	policyVersion = "2012-10-17"
)

// Image lookup when no AMI is configured
const (
	AL2023Owner       = "amazon"
	AL2023NamePattern = "al2023-ami-2023.*-x86_64"
)

// Load balancer configuration
const (
	RulePriorityBase = 100
	RulePriorityStep = 10
)

// Backup function configuration
const (
	LambdaRuntime      = "provided.al2023"
	LambdaHandler      = "bootstrap"
	LambdaArchitecture = "x86_64"

	BackupKeyPrefix      = "backups/"
	ScheduleStatementID  = "AllowExecutionFromEventBridge"
	ScheduleTargetID     = "backup-function"
	ScheduledBackupInput = `{"backup_type":"scheduled","source":"eventbridge"}`
	ManualBackupInput    = `{"backup_type":"manual","source":"manual-test"}`
)

// Monitoring configuration
const (
	AlarmPeriodSeconds      = 300
	AlarmEvaluationPeriods  = 2
	ApplicationErrorMetric  = "ApplicationErrors"
	ApplicationErrorPattern = `[timestamp, request_id, level="ERROR", ...]`
	DefaultNotifySubject    = "Deployment Status"
	ConfirmationPhrase      = "DELETE"
)

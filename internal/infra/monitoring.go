package infra

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	cwltypes "github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"

	"tierstack/internal/config"
)

// AlarmSpec is one CloudWatch alarm of the stack
type AlarmSpec struct {
	Name        string
	Description string
	Namespace   string
	Metric      string
	Statistic   cwtypes.Statistic
	Dimensions  map[string]string
	Threshold   float64
	Periods     int32
	Period      int32
}

// AlarmSpecs lists the alarms for the deployed tiers. backend and
// backupFunction may be empty when that tier is not deployed.
func AlarmSpecs(cfg *config.Config, namer *ResourceNamer, backend *BackendState, backupFunction string) []AlarmSpec {
	m := cfg.Monitoring
	var specs []AlarmSpec

	if backend != nil && backend.AutoScalingGroupName != "" {
		asg := map[string]string{"AutoScalingGroupName": backend.AutoScalingGroupName}
		specs = append(specs,
			AlarmSpec{
				Name:        namer.AlarmName("backend-high-cpu"),
				Description: fmt.Sprintf("Backend CPU above %.0f%%", m.CPUThreshold),
				Namespace:   "AWS/EC2",
				Metric:      "CPUUtilization",
				Statistic:   cwtypes.StatisticAverage,
				Dimensions:  asg,
				Threshold:   m.CPUThreshold,
			},
			AlarmSpec{
				Name:        namer.AlarmName("backend-high-memory"),
				Description: fmt.Sprintf("Backend memory above %.0f%%", m.MemoryThreshold),
				Namespace:   agentNamespace,
				Metric:      "mem_used_percent",
				Statistic:   cwtypes.StatisticAverage,
				Dimensions:  asg,
				Threshold:   m.MemoryThreshold,
			},
			AlarmSpec{
				Name:        namer.AlarmName("backend-high-disk"),
				Description: fmt.Sprintf("Backend root volume above %.0f%%", m.DiskThreshold),
				Namespace:   agentNamespace,
				Metric:      "disk_used_percent",
				Statistic:   cwtypes.StatisticAverage,
				Dimensions:  map[string]string{"AutoScalingGroupName": backend.AutoScalingGroupName, "path": "/"},
				Threshold:   m.DiskThreshold,
			},
			AlarmSpec{
				Name:        namer.AlarmName("application-errors"),
				Description: fmt.Sprintf("More than %.0f application errors", m.ErrorThreshold),
				Namespace:   namer.AgentNamespace(),
				Metric:      ApplicationErrorMetric,
				Statistic:   cwtypes.StatisticSum,
				Threshold:   m.ErrorThreshold,
			},
		)
	}

	if backend != nil && backend.LoadBalancerARN != "" {
		lb := ARNSuffix(backend.LoadBalancerARN)
		specs = append(specs, AlarmSpec{
			Name:        namer.AlarmName("alb-5xx"),
			Description: "Load balancer returned more than 10 server errors",
			Namespace:   "AWS/ApplicationELB",
			Metric:      "HTTPCode_ELB_5XX_Count",
			Statistic:   cwtypes.StatisticSum,
			Dimensions:  map[string]string{"LoadBalancer": lb},
			Threshold:   10,
		})
		for _, service := range sortedKeys(backend.TargetGroups) {
			specs = append(specs, AlarmSpec{
				Name:        namer.AlarmName(service + "-unhealthy-hosts"),
				Description: fmt.Sprintf("Unhealthy %s targets behind the load balancer", service),
				Namespace:   "AWS/ApplicationELB",
				Metric:      "UnHealthyHostCount",
				Statistic:   cwtypes.StatisticMaximum,
				Dimensions: map[string]string{
					"LoadBalancer": lb,
					"TargetGroup":  ARNSuffix(backend.TargetGroups[service]),
				},
				Threshold: 0,
			})
		}
	}

	if backupFunction != "" {
		specs = append(specs, AlarmSpec{
			Name:        namer.AlarmName("backup-errors"),
			Description: "Database backup function failed",
			Namespace:   "AWS/Lambda",
			Metric:      "Errors",
			Statistic:   cwtypes.StatisticSum,
			Dimensions:  map[string]string{"FunctionName": backupFunction},
			Threshold:   0,
			Periods:     1,
		})
	}
	return specs
}

// EnsureAlertTopic creates the SNS topic alarms notify and subscribes
// email when set. CreateTopic is idempotent for an existing name.
func EnsureAlertTopic(ctx context.Context, clients *AWSClients, cfg *config.Config, email string) (string, error) {
	name := clients.Namer.AlertTopicName()
	values := stackTags(cfg, ComponentMonitoring)
	tags := make([]snstypes.Tag, 0, len(values))
	for _, k := range sortedKeys(values) {
		tags = append(tags, snstypes.Tag{Key: aws.String(k), Value: aws.String(values[k])})
	}

	out, err := clients.SNS.CreateTopic(ctx, &sns.CreateTopicInput{Name: aws.String(name), Tags: tags})
	if err != nil {
		return "", fmt.Errorf("creating topic %s: %w", name, err)
	}
	arn := aws.ToString(out.TopicArn)
	slog.Info("alert topic ready", "topic_arn", arn)

	if email != "" {
		if _, err := clients.SNS.Subscribe(ctx, &sns.SubscribeInput{
			TopicArn: aws.String(arn),
			Protocol: aws.String("email"),
			Endpoint: aws.String(email),
		}); err != nil {
			return "", fmt.Errorf("subscribing %s: %w", email, err)
		}
		slog.Info("subscribed alert email, confirm the subscription from the inbox", "email", email)
	}
	return arn, nil
}

// LogGroups returns the log groups of the stack
func LogGroups(namer *ResourceNamer, withBackup bool) []string {
	groups := []string{namer.BackendLogGroup(), namer.FrontendLogGroup(), namer.ApplicationLogGroup()}
	if withBackup {
		groups = append(groups, namer.BackupLogGroup())
	}
	return groups
}

// EnsureLogGroups creates the groups and sets their retention
func EnsureLogGroups(ctx context.Context, clients *AWSClients, cfg *config.Config, groups []string) error {
	for _, group := range groups {
		_, err := clients.Logs.CreateLogGroup(ctx, &cloudwatchlogs.CreateLogGroupInput{
			LogGroupName: aws.String(group),
			Tags:         stackTags(cfg, ComponentMonitoring),
		})
		switch {
		case err == nil:
			slog.Info("created log group", "log_group", group)
		case IsAlreadyExists(err):
			slog.Info("log group already exists", "log_group", group, "existing", true)
		default:
			return fmt.Errorf("creating log group %s: %w", group, err)
		}

		if _, err := clients.Logs.PutRetentionPolicy(ctx, &cloudwatchlogs.PutRetentionPolicyInput{
			LogGroupName:    aws.String(group),
			RetentionInDays: aws.Int32(cfg.Monitoring.LogRetentionDays),
		}); err != nil {
			return fmt.Errorf("setting retention on %s: %w", group, err)
		}
	}
	return nil
}

// EnsureErrorMetricFilter counts ERROR lines of the backend log group
func EnsureErrorMetricFilter(ctx context.Context, clients *AWSClients) error {
	namer := clients.Namer
	_, err := clients.Logs.PutMetricFilter(ctx, &cloudwatchlogs.PutMetricFilterInput{
		LogGroupName:  aws.String(namer.BackendLogGroup()),
		FilterName:    aws.String(namer.ErrorMetricFilterName()),
		FilterPattern: aws.String(ApplicationErrorPattern),
		MetricTransformations: []cwltypes.MetricTransformation{{
			MetricName:      aws.String(ApplicationErrorMetric),
			MetricNamespace: aws.String(namer.AgentNamespace()),
			MetricValue:     aws.String("1"),
			DefaultValue:    aws.Float64(0),
		}},
	})
	if err != nil {
		return fmt.Errorf("putting metric filter: %w", err)
	}
	slog.Info("error metric filter ready", "filter", namer.ErrorMetricFilterName())
	return nil
}

// PutAlarms creates or updates every alarm, notifying topicARN
func PutAlarms(ctx context.Context, clients *AWSClients, cfg *config.Config, specs []AlarmSpec, topicARN string) error {
	values := stackTags(cfg, ComponentMonitoring)
	tags := make([]cwtypes.Tag, 0, len(values))
	for _, k := range sortedKeys(values) {
		tags = append(tags, cwtypes.Tag{Key: aws.String(k), Value: aws.String(values[k])})
	}

	for _, spec := range specs {
		periods := spec.Periods
		if periods == 0 {
			periods = AlarmEvaluationPeriods
		}
		period := spec.Period
		if period == 0 {
			period = AlarmPeriodSeconds
		}
		dims := make([]cwtypes.Dimension, 0, len(spec.Dimensions))
		for _, k := range sortedKeys(spec.Dimensions) {
			dims = append(dims, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(spec.Dimensions[k])})
		}

		input := &cloudwatch.PutMetricAlarmInput{
			AlarmName:          aws.String(spec.Name),
			AlarmDescription:   aws.String(spec.Description),
			Namespace:          aws.String(spec.Namespace),
			MetricName:         aws.String(spec.Metric),
			Statistic:          spec.Statistic,
			Dimensions:         dims,
			Period:             aws.Int32(period),
			EvaluationPeriods:  aws.Int32(periods),
			Threshold:          aws.Float64(spec.Threshold),
			ComparisonOperator: cwtypes.ComparisonOperatorGreaterThanThreshold,
			TreatMissingData:   aws.String("notBreaching"),
			Tags:               tags,
		}
		if topicARN != "" {
			input.AlarmActions = []string{topicARN}
			input.OKActions = []string{topicARN}
		}
		if _, err := clients.CloudWatch.PutMetricAlarm(ctx, input); err != nil {
			return fmt.Errorf("putting alarm %s: %w", spec.Name, err)
		}
		slog.Info("alarm ready", "alarm", spec.Name, "threshold", spec.Threshold)
	}
	return nil
}

// DeployMonitoring sets up log groups, the error metric filter, the alert
// topic, alarms and the dashboard for whatever tiers are deployed.
func DeployMonitoring(ctx context.Context, clients *AWSClients, cfg *config.Config, backend *BackendState, backup *BackupState) (*MonitoringState, error) {
	namer := clients.Namer
	backupFunction := ""
	if backup != nil {
		backupFunction = backup.FunctionName
	}

	groups := LogGroups(namer, backupFunction != "")
	if err := EnsureLogGroups(ctx, clients, cfg, groups); err != nil {
		return nil, err
	}
	if err := EnsureErrorMetricFilter(ctx, clients); err != nil {
		return nil, err
	}

	topicARN, err := EnsureAlertTopic(ctx, clients, cfg, cfg.Monitoring.AlertEmail)
	if err != nil {
		return nil, err
	}

	specs := AlarmSpecs(cfg, namer, backend, backupFunction)
	if err := PutAlarms(ctx, clients, cfg, specs, topicARN); err != nil {
		return nil, err
	}

	body, err := DashboardBody(clients.Region, namer, backend, backupFunction)
	if err != nil {
		return nil, err
	}
	if _, err := clients.CloudWatch.PutDashboard(ctx, &cloudwatch.PutDashboardInput{
		DashboardName: aws.String(namer.DashboardName()),
		DashboardBody: aws.String(body),
	}); err != nil {
		return nil, fmt.Errorf("putting dashboard: %w", err)
	}
	slog.Info("dashboard ready", "url", DashboardURL(clients.Region, namer.DashboardName()))

	alarms := make([]string, 0, len(specs))
	for _, s := range specs {
		alarms = append(alarms, s.Name)
	}
	return &MonitoringState{
		TopicARN:     topicARN,
		LogGroups:    groups,
		Alarms:       alarms,
		Dashboard:    namer.DashboardName(),
		MetricFilter: namer.ErrorMetricFilterName(),
		DeployedAt:   time.Now().UTC(),
	}, nil
}

// DestroyMonitoring removes alarms, dashboard, metric filter and topic.
// Log groups hold data and are only removed when deleteData is set.
func DestroyMonitoring(ctx context.Context, clients *AWSClients, state *MonitoringState, deleteData bool) error {
	if len(state.Alarms) > 0 {
		if _, err := clients.CloudWatch.DeleteAlarms(ctx, &cloudwatch.DeleteAlarmsInput{AlarmNames: state.Alarms}); err != nil && !IsNotFound(err) {
			return fmt.Errorf("deleting alarms: %w", err)
		}
		slog.Info("deleted alarms", "count", len(state.Alarms))
	}

	if state.Dashboard != "" {
		if _, err := clients.CloudWatch.DeleteDashboards(ctx, &cloudwatch.DeleteDashboardsInput{DashboardNames: []string{state.Dashboard}}); err != nil && !IsNotFound(err) {
			return fmt.Errorf("deleting dashboard: %w", err)
		}
		slog.Info("deleted dashboard", "dashboard", state.Dashboard)
	}

	if state.MetricFilter != "" {
		if _, err := clients.Logs.DeleteMetricFilter(ctx, &cloudwatchlogs.DeleteMetricFilterInput{
			LogGroupName: aws.String(clients.Namer.BackendLogGroup()),
			FilterName:   aws.String(state.MetricFilter),
		}); err != nil && !IsNotFound(err) {
			return fmt.Errorf("deleting metric filter: %w", err)
		}
	}

	if state.TopicARN != "" {
		if _, err := clients.SNS.DeleteTopic(ctx, &sns.DeleteTopicInput{TopicArn: aws.String(state.TopicARN)}); err != nil && !IsNotFound(err) {
			return fmt.Errorf("deleting topic: %w", err)
		}
		slog.Info("deleted alert topic", "topic_arn", state.TopicARN)
	}

	if !deleteData {
		slog.Info("keeping log groups", "log_groups", state.LogGroups)
		return nil
	}
	for _, group := range state.LogGroups {
		if _, err := clients.Logs.DeleteLogGroup(ctx, &cloudwatchlogs.DeleteLogGroupInput{LogGroupName: aws.String(group)}); err != nil && !IsNotFound(err) {
			return fmt.Errorf("deleting log group %s: %w", group, err)
		}
		slog.Info("deleted log group", "log_group", group)
	}
	return nil
}

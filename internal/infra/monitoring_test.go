package infra

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tierstack/internal/config"
)

const testALB = "arn:aws:elasticloadbalancing:eu-west-1:000000000000:loadbalancer/app/shop-alb/50dc6c495c0c9188"

func testBackend() *BackendState {
	return &BackendState{
		AutoScalingGroupName: "shop-backend-asg",
		LoadBalancerARN:      testALB,
		TargetGroups: map[string]string{
			"hello":   "arn:aws:elasticloadbalancing:eu-west-1:000000000000:targetgroup/shop-hello-tg/73e2d6bc24d8a067",
			"profile": "arn:aws:elasticloadbalancing:eu-west-1:000000000000:targetgroup/shop-profile-tg/1a2b3c4d5e6f7a8b",
		},
	}
}

func alarmNames(specs []AlarmSpec) []string {
	names := make([]string, 0, len(specs))
	for _, s := range specs {
		names = append(names, s.Name)
	}
	return names
}

func TestAlarmSpecs(t *testing.T) {
	cfg := config.Default()
	namer := NewResourceNamer("shop")

	t.Run("nothing deployed", func(t *testing.T) {
		assert.Empty(t, AlarmSpecs(cfg, namer, nil, ""))
	})

	t.Run("full stack", func(t *testing.T) {
		specs := AlarmSpecs(cfg, namer, testBackend(), "shop-mongo-backup")
		assert.Equal(t, []string{
			"shop-backend-high-cpu",
			"shop-backend-high-memory",
			"shop-backend-high-disk",
			"shop-application-errors",
			"shop-alb-5xx",
			"shop-hello-unhealthy-hosts",
			"shop-profile-unhealthy-hosts",
			"shop-backup-errors",
		}, alarmNames(specs))

		byName := map[string]AlarmSpec{}
		for _, s := range specs {
			byName[s.Name] = s
		}
		assert.Equal(t, cfg.Monitoring.CPUThreshold, byName["shop-backend-high-cpu"].Threshold)
		assert.Equal(t, "/", byName["shop-backend-high-disk"].Dimensions["path"])
		assert.Equal(t, "shop/Backend", byName["shop-application-errors"].Namespace)
		assert.Equal(t, "app/shop-alb/50dc6c495c0c9188", byName["shop-alb-5xx"].Dimensions["LoadBalancer"])
		assert.Equal(t, "targetgroup/shop-hello-tg/73e2d6bc24d8a067", byName["shop-hello-unhealthy-hosts"].Dimensions["TargetGroup"])
		assert.Equal(t, int32(1), byName["shop-backup-errors"].Periods)
	})

	t.Run("backup only", func(t *testing.T) {
		specs := AlarmSpecs(cfg, namer, nil, "shop-mongo-backup")
		assert.Equal(t, []string{"shop-backup-errors"}, alarmNames(specs))
	})
}

func TestDashboardBody(t *testing.T) {
	namer := NewResourceNamer("shop")
	body, err := DashboardBody("eu-west-1", namer, testBackend(), "shop-mongo-backup")
	require.NoError(t, err)

	var parsed dashboard
	require.NoError(t, json.Unmarshal([]byte(body), &parsed))
	require.NotEmpty(t, parsed.Widgets)

	var logWidget *widget
	for i, w := range parsed.Widgets {
		assert.Equal(t, "eu-west-1", w.Properties.Region)
		assert.Equal(t, (i%2)*widgetWidth, w.X, "widget %d", i)
		if w.Type == "log" {
			logWidget = &parsed.Widgets[i]
		}
	}
	require.NotNil(t, logWidget)
	assert.Contains(t, logWidget.Properties.Query, namer.BackendLogGroup())
	assert.Contains(t, body, "shop-mongo-backup")

	t.Run("log widget alone when nothing is deployed", func(t *testing.T) {
		body, err := DashboardBody("eu-west-1", namer, nil, "")
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal([]byte(body), &parsed))
		require.Len(t, parsed.Widgets, 1)
		assert.Equal(t, "log", parsed.Widgets[0].Type)
	})
}

func TestDashboardURL(t *testing.T) {
	url := DashboardURL("eu-west-1", "shop-dashboard")
	assert.True(t, strings.HasPrefix(url, "https://"))
	assert.Contains(t, url, "region=eu-west-1")
	assert.Contains(t, url, "shop-dashboard")
}

func TestDeployMonitoring(t *testing.T) {
	rec := &recorder{}
	clients := newTestClients(rec)
	logs := clients.Logs.(*fakeLogs)
	logs.existing = map[string]bool{"/aws/ec2/shop/backend": true}

	cfg := config.Default()
	cfg.Project = "shop"
	cfg.Monitoring.AlertEmail = "ops@example.com"
	cfg.Monitoring.LogRetentionDays = 14

	state, err := DeployMonitoring(context.Background(), clients, cfg, testBackend(), &BackupState{FunctionName: "shop-mongo-backup"})
	require.NoError(t, err)

	assert.Equal(t, "arn:aws:sns:eu-west-1:000000000000:shop-alerts", state.TopicARN)
	assert.Len(t, state.LogGroups, 4)
	assert.Contains(t, state.LogGroups, "/aws/lambda/shop-mongo-backup")
	assert.Equal(t, "shop-dashboard", state.Dashboard)

	t.Run("existing log groups keep retention current", func(t *testing.T) {
		assert.Len(t, logs.retention, 4)
		for group, days := range logs.retention {
			assert.Equal(t, int32(14), days, group)
		}
	})

	t.Run("error filter targets the backend group", func(t *testing.T) {
		require.NotNil(t, logs.filter)
		assert.Equal(t, "/aws/ec2/shop/backend", aws.ToString(logs.filter.LogGroupName))
		assert.Equal(t, ApplicationErrorPattern, aws.ToString(logs.filter.FilterPattern))
	})

	t.Run("alarms notify the topic", func(t *testing.T) {
		cw := clients.CloudWatch.(*fakeCloudWatch)
		require.Len(t, cw.alarms, len(state.Alarms))
		for _, alarm := range cw.alarms {
			assert.Equal(t, []string{state.TopicARN}, alarm.AlarmActions)
			assert.Equal(t, []string{state.TopicARN}, alarm.OKActions)
			assert.Equal(t, "notBreaching", aws.ToString(alarm.TreatMissingData))
		}
		assert.True(t, json.Valid([]byte(cw.dashboard)))
	})

	t.Run("email subscribed", func(t *testing.T) {
		assert.Equal(t, []string{"ops@example.com"}, clients.SNS.(*fakeSNS).subscribed)
	})
}

func TestDestroyMonitoring(t *testing.T) {
	state := &MonitoringState{
		TopicARN:     "arn:aws:sns:eu-west-1:000000000000:shop-alerts",
		LogGroups:    []string{"/aws/ec2/shop/backend", "/aws/ec2/shop/frontend"},
		Alarms:       []string{"shop-alb-5xx"},
		Dashboard:    "shop-dashboard",
		MetricFilter: "shop-application-errors",
	}

	t.Run("log groups kept by default", func(t *testing.T) {
		rec := &recorder{}
		clients := newTestClients(rec)
		require.NoError(t, DestroyMonitoring(context.Background(), clients, state, false))

		rec.requireOrder(t, "DeleteAlarms", "DeleteDashboards", "DeleteMetricFilter", "DeleteTopic")
		assert.Zero(t, rec.count("DeleteLogGroup"))
		assert.Equal(t, state.Alarms, clients.CloudWatch.(*fakeCloudWatch).deletedAll)
	})

	t.Run("log groups deleted with data", func(t *testing.T) {
		rec := &recorder{}
		clients := newTestClients(rec)
		require.NoError(t, DestroyMonitoring(context.Background(), clients, state, true))
		assert.Equal(t, 2, rec.count("DeleteLogGroup"))
	})
}

func TestNotify(t *testing.T) {
	ctx := context.Background()

	t.Run("publishes with default subject", func(t *testing.T) {
		client := &fakeSNS{rec: &recorder{}}
		id, err := Notify(ctx, client, "arn:aws:sns:eu-west-1:000000000000:shop-alerts", "", "deployed")
		require.NoError(t, err)
		assert.Equal(t, "msg-1", id)
		require.Len(t, client.published, 1)
		assert.Equal(t, DefaultNotifySubject, aws.ToString(client.published[0].Subject))
		assert.Equal(t, "deployed", aws.ToString(client.published[0].Message))
	})

	t.Run("long subject is cut", func(t *testing.T) {
		client := &fakeSNS{rec: &recorder{}}
		_, err := Notify(ctx, client, "arn:topic", strings.Repeat("s", 150), "m")
		require.NoError(t, err)
		assert.Len(t, aws.ToString(client.published[0].Subject), maxSubjectLength)
	})

	t.Run("no topic", func(t *testing.T) {
		client := &fakeSNS{rec: &recorder{}}
		_, err := Notify(ctx, client, "", "s", "m")
		assert.Error(t, err)
		assert.Empty(t, client.published)
	})
}

package infra

import (
	"encoding/json"
	"fmt"
)

type dashboard struct {
	Widgets []widget `json:"widgets"`
}

type widget struct {
	Type       string           `json:"type"`
	X          int              `json:"x"`
	Y          int              `json:"y"`
	Width      int              `json:"width"`
	Height     int              `json:"height"`
	Properties widgetProperties `json:"properties"`
}

type widgetProperties struct {
	Title   string  `json:"title"`
	Region  string  `json:"region"`
	View    string  `json:"view,omitempty"`
	Stat    string  `json:"stat,omitempty"`
	Period  int     `json:"period,omitempty"`
	Metrics [][]any `json:"metrics,omitempty"`
	Query   string  `json:"query,omitempty"`
}

const (
	widgetWidth  = 12
	widgetHeight = 6
)

// DashboardBody builds the dashboard JSON for the deployed tiers
func DashboardBody(region string, namer *ResourceNamer, backend *BackendState, backupFunction string) (string, error) {
	var widgets []widget
	add := func(w widget) {
		n := len(widgets)
		w.X = (n % 2) * widgetWidth
		w.Y = (n / 2) * widgetHeight
		w.Width = widgetWidth
		w.Height = widgetHeight
		w.Properties.Region = region
		widgets = append(widgets, w)
	}
	metric := func(title, stat string, metrics ...[]any) widget {
		return widget{Type: "metric", Properties: widgetProperties{
			Title:   title,
			View:    "timeSeries",
			Stat:    stat,
			Period:  AlarmPeriodSeconds,
			Metrics: metrics,
		}}
	}

	if backend != nil && backend.AutoScalingGroupName != "" {
		asg := backend.AutoScalingGroupName
		add(metric("Backend CPU", "Average",
			[]any{"AWS/EC2", "CPUUtilization", "AutoScalingGroupName", asg}))
		add(metric("Backend memory and disk", "Average",
			[]any{agentNamespace, "mem_used_percent", "AutoScalingGroupName", asg},
			[]any{agentNamespace, "disk_used_percent", "AutoScalingGroupName", asg, "path", "/"}))
		add(metric("Backend instances", "Average",
			[]any{"AWS/AutoScaling", "GroupInServiceInstances", "AutoScalingGroupName", asg},
			[]any{"AWS/AutoScaling", "GroupDesiredCapacity", "AutoScalingGroupName", asg}))
	}

	if backend != nil && backend.LoadBalancerARN != "" {
		lb := ARNSuffix(backend.LoadBalancerARN)
		add(metric("Load balancer requests", "Sum",
			[]any{"AWS/ApplicationELB", "RequestCount", "LoadBalancer", lb},
			[]any{"AWS/ApplicationELB", "HTTPCode_Target_5XX_Count", "LoadBalancer", lb},
			[]any{"AWS/ApplicationELB", "HTTPCode_ELB_5XX_Count", "LoadBalancer", lb}))
		add(metric("Load balancer latency", "Average",
			[]any{"AWS/ApplicationELB", "TargetResponseTime", "LoadBalancer", lb}))
	}

	if backupFunction != "" {
		add(metric("Backup function", "Sum",
			[]any{"AWS/Lambda", "Invocations", "FunctionName", backupFunction},
			[]any{"AWS/Lambda", "Errors", "FunctionName", backupFunction},
			[]any{"AWS/Lambda", "Duration", "FunctionName", backupFunction, map[string]string{"stat": "Average"}}))
	}

	add(widget{Type: "log", Properties: widgetProperties{
		Title: "Recent application errors",
		Query: fmt.Sprintf("SOURCE '%s' | fields @timestamp, @message | filter @message like /ERROR/ | sort @timestamp desc | limit 20",
			namer.BackendLogGroup()),
	}})

	data, err := json.Marshal(dashboard{Widgets: widgets})
	if err != nil {
		return "", fmt.Errorf("encoding dashboard: %w", err)
	}
	return string(data), nil
}

// DashboardURL links to the dashboard in the console
func DashboardURL(region, name string) string {
	return fmt.Sprintf("https://%s.console.aws.amazon.com/cloudwatch/home?region=%s#dashboards:name=%s", region, region, name)
}

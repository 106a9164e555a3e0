package infra

import (
	"encoding/json"
	"fmt"
)

// agentNamespace is where the CloudWatch agent publishes host metrics
const agentNamespace = "CWAgent"

const agentConfigPath = "/opt/aws/amazon-cloudwatch-agent/etc/amazon-cloudwatch-agent.json"

type agentConfig struct {
	Agent   agentSection   `json:"agent"`
	Metrics metricsSection `json:"metrics"`
	Logs    *logsSection   `json:"logs,omitempty"`
}

type agentSection struct {
	MetricsCollectionInterval int    `json:"metrics_collection_interval"`
	RunAsUser                 string `json:"run_as_user"`
}

type metricsSection struct {
	Namespace             string                      `json:"namespace"`
	AppendDimensions      map[string]string           `json:"append_dimensions"`
	AggregationDimensions [][]string                  `json:"aggregation_dimensions"`
	MetricsCollected      map[string]metricCollection `json:"metrics_collected"`
}

type metricCollection struct {
	Measurement []string `json:"measurement"`
	Resources   []string `json:"resources,omitempty"`
}

type logsSection struct {
	LogsCollected logsCollected `json:"logs_collected"`
}

type logsCollected struct {
	Files fileCollection `json:"files"`
}

type fileCollection struct {
	CollectList []collectedFile `json:"collect_list"`
}

type collectedFile struct {
	FilePath      string `json:"file_path"`
	LogGroupName  string `json:"log_group_name"`
	LogStreamName string `json:"log_stream_name"`
}

// BackendAgentConfig renders the CloudWatch agent configuration for backend
// instances. Memory and root disk usage are aggregated per Auto Scaling
// group so the fleet alarms and dashboard have a series to read.
func BackendAgentConfig(logGroup string) (string, error) {
	cfg := agentConfig{
		Agent: agentSection{MetricsCollectionInterval: 60, RunAsUser: "root"},
		Metrics: metricsSection{
			Namespace: agentNamespace,
			AppendDimensions: map[string]string{
				"AutoScalingGroupName": "${aws:AutoScalingGroupName}",
				"InstanceId":           "${aws:InstanceId}",
			},
			AggregationDimensions: [][]string{
				{"AutoScalingGroupName"},
				{"AutoScalingGroupName", "path"},
			},
			MetricsCollected: map[string]metricCollection{
				"mem":  {Measurement: []string{"mem_used_percent"}},
				"disk": {Measurement: []string{"disk_used_percent"}, Resources: []string{"/"}},
			},
		},
		Logs: &logsSection{LogsCollected: logsCollected{Files: fileCollection{
			CollectList: []collectedFile{{
				FilePath:      "/var/log/user-data.log",
				LogGroupName:  logGroup,
				LogStreamName: "{instance_id}/user-data",
			}},
		}}},
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding agent config: %w", err)
	}
	return string(data), nil
}

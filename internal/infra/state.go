package infra

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

var ErrStateNotFound = errors.New("deployment state not found")

// StateKind names one deployment record under the state directory
type StateKind string

const (
	StateNetwork    StateKind = "VPC"
	StateBackend    StateKind = "Backend"
	StateBackup     StateKind = "Backup"
	StateMonitoring StateKind = "Monitoring"
	StateFrontend   StateKind = "Frontend"
)

func (k StateKind) FileName() string {
	return string(k) + "-Deploy-Info.json"
}

type NetworkState struct {
	VPCID             string            `json:"vpc_id"`
	Region            string            `json:"region"`
	PublicSubnets     []string          `json:"public_subnets"`
	PrivateSubnets    []string          `json:"private_subnets"`
	InternetGatewayID string            `json:"internet_gateway_id"`
	NATGatewayID      string            `json:"nat_gateway_id"`
	ElasticIPID       string            `json:"elastic_ip_allocation_id"`
	SecurityGroups    map[string]string `json:"security_groups"`
	RouteTables       map[string]string `json:"route_tables"`
	ConfigHash        string            `json:"config_hash"`
	DeployedAt        time.Time         `json:"deployed_at"`
}

// Security group and route table keys of NetworkState
const (
	GroupALB      = "alb"
	GroupFrontend = "frontend"
	GroupBackend  = "backend"

	RoutePublic  = "public"
	RoutePrivate = "private"
)

type BackendState struct {
	LaunchTemplateID     string            `json:"template_id"`
	LaunchTemplateName   string            `json:"template_name"`
	LoadBalancerARN      string            `json:"alb_arn"`
	LoadBalancerDNS      string            `json:"alb_dns"`
	ListenerARN          string            `json:"listener_arn"`
	TargetGroups         map[string]string `json:"target_groups"`
	AutoScalingGroupName string            `json:"asg_name"`
	ScalingPolicyName    string            `json:"scaling_policy_name"`
	RoleName             string            `json:"role_name"`
	InstanceProfileName  string            `json:"instance_profile_name"`
	KeyName              string            `json:"key_name,omitempty"`
	DeployedAt           time.Time         `json:"deployed_at"`
}

type BackupState struct {
	BucketName   string    `json:"bucket_name"`
	FunctionName string    `json:"function_name"`
	FunctionARN  string    `json:"function_arn"`
	RoleName     string    `json:"role_name"`
	RuleName     string    `json:"rule_name"`
	RuleARN      string    `json:"rule_arn"`
	SecretARN    string    `json:"secret_arn"`
	DeployedAt   time.Time `json:"deployed_at"`
}

type MonitoringState struct {
	TopicARN     string    `json:"topic_arn"`
	LogGroups    []string  `json:"log_groups"`
	Alarms       []string  `json:"alarms"`
	Dashboard    string    `json:"dashboard"`
	MetricFilter string    `json:"metric_filter"`
	DeployedAt   time.Time `json:"deployed_at"`
}

type FrontendState struct {
	InstanceID string    `json:"instance_id"`
	RoleName   string    `json:"role_name,omitempty"`
	PublicIP   string    `json:"public_ip"`
	PublicDNS  string    `json:"public_dns"`
	DeployedAt time.Time `json:"deployed_at"`
}

// StateStore keeps deployment records as JSON files so later commands
// (destroy, status) can address resources without rediscovering them.
type StateStore struct {
	dir string
}

func NewStateStore(dir string) *StateStore {
	return &StateStore{dir: dir}
}

func (s *StateStore) Path(kind StateKind) string {
	return filepath.Join(s.dir, kind.FileName())
}

func (s *StateStore) Save(kind StateKind, v any) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s state: %w", kind, err)
	}

	// readers never observe a partially written record
	tmp := s.Path(kind) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing %s state: %w", kind, err)
	}
	if err := os.Rename(tmp, s.Path(kind)); err != nil {
		return fmt.Errorf("writing %s state: %w", kind, err)
	}
	slog.Info("saved deployment state", "kind", kind, "path", s.Path(kind))
	return nil
}

func (s *StateStore) Load(kind StateKind, v any) error {
	data, err := os.ReadFile(s.Path(kind))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%s: %w", kind, ErrStateNotFound)
	}
	if err != nil {
		return fmt.Errorf("reading %s state: %w", kind, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %s state: %w", kind, err)
	}
	return nil
}

func (s *StateStore) Exists(kind StateKind) bool {
	_, err := os.Stat(s.Path(kind))
	return err == nil
}

// Remove deletes a record; removing a missing record is not an error
func (s *StateStore) Remove(kind StateKind) error {
	if err := os.Remove(s.Path(kind)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing %s state: %w", kind, err)
	}
	return nil
}

func loadState[T any](s *StateStore, kind StateKind) (*T, error) {
	var v T
	if err := s.Load(kind, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *StateStore) LoadNetwork() (*NetworkState, error) {
	return loadState[NetworkState](s, StateNetwork)
}

func (s *StateStore) LoadBackend() (*BackendState, error) {
	return loadState[BackendState](s, StateBackend)
}

func (s *StateStore) LoadBackup() (*BackupState, error) {
	return loadState[BackupState](s, StateBackup)
}

func (s *StateStore) LoadMonitoring() (*MonitoringState, error) {
	return loadState[MonitoringState](s, StateMonitoring)
}

func (s *StateStore) LoadFrontend() (*FrontendState, error) {
	return loadState[FrontendState](s, StateFrontend)
}

package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Defaults applied when neither the config file nor the environment set a value
const (
	DefaultConfigPath  = "stack.toml"
	DefaultProject     = "tierstack"
	DefaultEnvironment = "production"
	DefaultRegion      = "ap-south-1"
	DefaultStateDir    = "States"
)

// Environment overrides
const (
	EnvRegion      = "AWS_REGION"
	EnvProject     = "STACK_PROJECT"
	EnvEnvironment = "STACK_ENVIRONMENT"
	EnvStateDir    = "STACK_STATE_DIR"
	EnvAlertEmail  = "STACK_ALERT_EMAIL"
)

// Image URIs may reference these placeholders; they are expanded at deploy
// time from the caller identity and the configured region.
const (
	PlaceholderAccountID = "${ACCOUNT_ID}"
	PlaceholderRegion    = "${REGION}"
)

type Config struct {
	Project     string `toml:"project"`
	Environment string `toml:"environment"`
	Region      string `toml:"region"`
	StateDir    string `toml:"state_dir"`

	Network    NetworkConfig    `toml:"network"`
	Backend    BackendConfig    `toml:"backend"`
	Frontend   FrontendConfig   `toml:"frontend"`
	Backup     BackupConfig     `toml:"backup"`
	Monitoring MonitoringConfig `toml:"monitoring"`
}

type NetworkConfig struct {
	VPCCIDR        string   `toml:"vpc_cidr"`
	PublicSubnets  []string `toml:"public_subnets"`
	PrivateSubnets []string `toml:"private_subnets"`
	// AdminCIDR is the source allowed to reach port 22. Empty disables SSH ingress.
	AdminCIDR string `toml:"admin_cidr"`
}

// ServiceConfig describes one container of the backend fleet. The service
// with an empty PathPattern receives the listener's default route.
type ServiceConfig struct {
	Name          string `toml:"name"`
	Image         string `toml:"image"`
	Port          int32  `toml:"port"`
	PathPattern   string `toml:"path_pattern"`
	HealthPath    string `toml:"health_path"`
	NeedsDatabase bool   `toml:"needs_database"`
}

type HealthCheckConfig struct {
	IntervalSeconds    int32 `toml:"interval_seconds"`
	TimeoutSeconds     int32 `toml:"timeout_seconds"`
	HealthyThreshold   int32 `toml:"healthy_threshold"`
	UnhealthyThreshold int32 `toml:"unhealthy_threshold"`
}

type BackendConfig struct {
	InstanceType           string            `toml:"instance_type"`
	ImageID                string            `toml:"image_id"`
	KeyName                string            `toml:"key_name"`
	PublicKeyPath          string            `toml:"public_key_path"`
	GenerateKey            bool              `toml:"generate_key"`
	MinSize                int32             `toml:"min_size"`
	MaxSize                int32             `toml:"max_size"`
	DesiredCapacity        int32             `toml:"desired_capacity"`
	TargetCPU              float64           `toml:"target_cpu"`
	HealthCheckGracePeriod int32             `toml:"health_check_grace_period"`
	DefaultCooldown        int32             `toml:"default_cooldown"`
	UsePublicSubnets       bool              `toml:"use_public_subnets"`
	HealthCheck            HealthCheckConfig `toml:"health_check"`
	Services               []ServiceConfig   `toml:"services"`
}

type FrontendConfig struct {
	Enabled      bool   `toml:"enabled"`
	InstanceType string `toml:"instance_type"`
	ImageID      string `toml:"image_id"`
	Image        string `toml:"image"`
	Port         int32  `toml:"port"`
}

type BackupConfig struct {
	Enabled        bool   `toml:"enabled"`
	BucketName     string `toml:"bucket_name"`
	DatabaseName   string `toml:"database_name"`
	SecretName     string `toml:"secret_name"`
	Schedule       string `toml:"schedule"`
	RetentionDays  int32  `toml:"retention_days"`
	TimeoutSeconds int32  `toml:"timeout_seconds"`
	MemoryMB       int32  `toml:"memory_mb"`
	BinaryPath     string `toml:"binary_path"`
}

type MonitoringConfig struct {
	Enabled          bool    `toml:"enabled"`
	AlertEmail       string  `toml:"alert_email"`
	LogRetentionDays int32   `toml:"log_retention_days"`
	CPUThreshold     float64 `toml:"cpu_threshold"`
	MemoryThreshold  float64 `toml:"memory_threshold"`
	DiskThreshold    float64 `toml:"disk_threshold"`
	ErrorThreshold   float64 `toml:"error_threshold"`
}

// Default returns the configuration of the reference deployment
func Default() *Config {
	return &Config{
		Project:     DefaultProject,
		Environment: DefaultEnvironment,
		Region:      DefaultRegion,
		StateDir:    DefaultStateDir,
		Network: NetworkConfig{
			VPCCIDR:        "10.0.0.0/16",
			PublicSubnets:  []string{"10.0.1.0/24", "10.0.2.0/24"},
			PrivateSubnets: []string{"10.0.11.0/24", "10.0.12.0/24"},
		},
		Backend: BackendConfig{
			InstanceType:           "t3.medium",
			PublicKeyPath:          "$HOME/.ssh/id_ed25519.pub",
			MinSize:                2,
			MaxSize:                6,
			DesiredCapacity:        2,
			TargetCPU:              70,
			HealthCheckGracePeriod: 300,
			DefaultCooldown:        300,
			HealthCheck: HealthCheckConfig{
				IntervalSeconds:    30,
				TimeoutSeconds:     5,
				HealthyThreshold:   2,
				UnhealthyThreshold: 3,
			},
			Services: []ServiceConfig{
				{
					Name:       "hello",
					Image:      "${ACCOUNT_ID}.dkr.ecr.${REGION}.amazonaws.com/tierstack:hello",
					Port:       3001,
					HealthPath: "/health",
				},
				{
					Name:          "profile",
					Image:         "${ACCOUNT_ID}.dkr.ecr.${REGION}.amazonaws.com/tierstack:profile",
					Port:          3002,
					PathPattern:   "/api/profile*",
					HealthPath:    "/health",
					NeedsDatabase: true,
				},
			},
		},
		Frontend: FrontendConfig{
			InstanceType: "t3.micro",
			Image:        "${ACCOUNT_ID}.dkr.ecr.${REGION}.amazonaws.com/tierstack:frontend",
			Port:         3000,
		},
		Backup: BackupConfig{
			Enabled:        true,
			DatabaseName:   "SimpleMern",
			Schedule:       "cron(0 2 * * ? *)",
			RetentionDays:  30,
			TimeoutSeconds: 900,
			MemoryMB:       512,
			BinaryPath:     "dist/backup-lambda/bootstrap",
		},
		Monitoring: MonitoringConfig{
			Enabled:          true,
			LogRetentionDays: 30,
			CPUThreshold:     80,
			MemoryThreshold:  85,
			DiskThreshold:    90,
			ErrorThreshold:   5,
		},
	}
}

// Load reads path over the defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("decoding config %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg.ApplyEnv()
	return cfg, nil
}

// ApplyEnv overrides file values with the STACK_* and AWS_REGION variables
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvRegion); v != "" {
		c.Region = v
	}
	if v := os.Getenv(EnvProject); v != "" {
		c.Project = v
	}
	if v := os.Getenv(EnvEnvironment); v != "" {
		c.Environment = v
	}
	if v := os.Getenv(EnvStateDir); v != "" {
		c.StateDir = v
	}
	if v := os.Getenv(EnvAlertEmail); v != "" {
		c.Monitoring.AlertEmail = v
	}
}

func (c *Config) Validate() error {
	var errs []error
	if c.Project == "" {
		errs = append(errs, errors.New("project is required"))
	}
	if c.Region == "" {
		errs = append(errs, errors.New("region is required"))
	}
	if c.StateDir == "" {
		errs = append(errs, errors.New("state_dir is required"))
	}

	errs = append(errs, c.Network.validate()...)
	errs = append(errs, c.Backend.validate()...)

	if c.Frontend.Enabled {
		if c.Frontend.Image == "" {
			errs = append(errs, errors.New("frontend: image is required"))
		}
		if !validPort(c.Frontend.Port) {
			errs = append(errs, fmt.Errorf("frontend: invalid port %d", c.Frontend.Port))
		}
	}

	if c.Backup.Enabled {
		if c.Backup.DatabaseName == "" {
			errs = append(errs, errors.New("backup: database_name is required"))
		}
		if !ValidSchedule(c.Backup.Schedule) {
			errs = append(errs, fmt.Errorf("backup: schedule %q must be cron(...) or rate(...)", c.Backup.Schedule))
		}
		if c.Backup.RetentionDays <= 0 {
			errs = append(errs, errors.New("backup: retention_days must be positive"))
		}
		if c.Backup.TimeoutSeconds <= 0 || c.Backup.TimeoutSeconds > 900 {
			errs = append(errs, errors.New("backup: timeout_seconds must be within 1-900"))
		}
		if c.Backup.MemoryMB < 128 || c.Backup.MemoryMB > 10240 {
			errs = append(errs, errors.New("backup: memory_mb must be within 128-10240"))
		}
	}

	if c.Monitoring.Enabled {
		m := c.Monitoring
		if m.CPUThreshold <= 0 || m.MemoryThreshold <= 0 || m.DiskThreshold <= 0 || m.ErrorThreshold <= 0 {
			errs = append(errs, errors.New("monitoring: thresholds must be positive"))
		}
		if m.LogRetentionDays <= 0 {
			errs = append(errs, errors.New("monitoring: log_retention_days must be positive"))
		}
	}

	return errors.Join(errs...)
}

func (n NetworkConfig) validate() []error {
	var errs []error
	vpc, err := netip.ParsePrefix(n.VPCCIDR)
	if err != nil {
		return []error{fmt.Errorf("network: invalid vpc_cidr %q: %w", n.VPCCIDR, err)}
	}
	if len(n.PublicSubnets) < 2 {
		errs = append(errs, errors.New("network: at least two public subnets are required"))
	}
	if len(n.PrivateSubnets) > 0 && len(n.PrivateSubnets) != len(n.PublicSubnets) {
		errs = append(errs, errors.New("network: private subnets must pair with public subnets"))
	}

	var seen []netip.Prefix
	for _, cidr := range append(append([]string{}, n.PublicSubnets...), n.PrivateSubnets...) {
		p, err := netip.ParsePrefix(cidr)
		if err != nil {
			errs = append(errs, fmt.Errorf("network: invalid subnet %q: %w", cidr, err))
			continue
		}
		if !vpc.Contains(p.Addr()) || p.Bits() < vpc.Bits() {
			errs = append(errs, fmt.Errorf("network: subnet %s is outside %s", cidr, n.VPCCIDR))
		}
		for _, other := range seen {
			if other.Overlaps(p) {
				errs = append(errs, fmt.Errorf("network: subnet %s overlaps %s", cidr, other))
			}
		}
		seen = append(seen, p)
	}

	if n.AdminCIDR != "" {
		if _, err := netip.ParsePrefix(n.AdminCIDR); err != nil {
			errs = append(errs, fmt.Errorf("network: invalid admin_cidr %q: %w", n.AdminCIDR, err))
		}
	}
	return errs
}

func (b BackendConfig) validate() []error {
	var errs []error
	if b.InstanceType == "" {
		errs = append(errs, errors.New("backend: instance_type is required"))
	}
	if b.MinSize < 0 || b.MinSize > b.DesiredCapacity || b.DesiredCapacity > b.MaxSize {
		errs = append(errs, fmt.Errorf("backend: need 0 <= min (%d) <= desired (%d) <= max (%d)",
			b.MinSize, b.DesiredCapacity, b.MaxSize))
	}
	if b.TargetCPU <= 0 || b.TargetCPU > 100 {
		errs = append(errs, fmt.Errorf("backend: target_cpu %.1f must be within (0, 100]", b.TargetCPU))
	}
	if len(b.Services) == 0 {
		errs = append(errs, errors.New("backend: at least one service is required"))
	}

	names := map[string]bool{}
	ports := map[int32]bool{}
	defaults := 0
	for _, s := range b.Services {
		if s.Name == "" {
			errs = append(errs, errors.New("backend: service name is required"))
		}
		if s.Image == "" {
			errs = append(errs, fmt.Errorf("backend: service %q: image is required", s.Name))
		}
		if !validPort(s.Port) {
			errs = append(errs, fmt.Errorf("backend: service %q: invalid port %d", s.Name, s.Port))
		}
		if names[s.Name] {
			errs = append(errs, fmt.Errorf("backend: duplicate service name %q", s.Name))
		}
		if ports[s.Port] {
			errs = append(errs, fmt.Errorf("backend: duplicate service port %d", s.Port))
		}
		if s.PathPattern == "" {
			defaults++
		}
		names[s.Name] = true
		ports[s.Port] = true
	}
	if len(b.Services) > 0 && defaults != 1 {
		errs = append(errs, fmt.Errorf("backend: exactly one service must omit path_pattern, found %d", defaults))
	}
	return errs
}

func validPort(p int32) bool {
	return p > 0 && p < 65536
}

// ValidSchedule reports whether expr is an EventBridge schedule expression
func ValidSchedule(expr string) bool {
	for _, prefix := range []string{"cron(", "rate("} {
		if strings.HasPrefix(expr, prefix) && strings.HasSuffix(expr, ")") && len(expr) > len(prefix)+1 {
			return true
		}
	}
	return false
}

// DefaultService returns the service that receives unmatched requests
func (b BackendConfig) DefaultService() ServiceConfig {
	for _, s := range b.Services {
		if s.PathPattern == "" {
			return s
		}
	}
	if len(b.Services) > 0 {
		return b.Services[0]
	}
	return ServiceConfig{}
}

// PortRange returns the lowest and highest service ports
func (b BackendConfig) PortRange() (int32, int32) {
	if len(b.Services) == 0 {
		return 0, 0
	}
	lo, hi := b.Services[0].Port, b.Services[0].Port
	for _, s := range b.Services[1:] {
		lo = min(lo, s.Port)
		hi = max(hi, s.Port)
	}
	return lo, hi
}

// NeedsDatabase reports whether any backend service reads the database secret
func (b BackendConfig) NeedsDatabase() bool {
	for _, s := range b.Services {
		if s.NeedsDatabase {
			return true
		}
	}
	return false
}

// ExpandImage substitutes the account and region placeholders in an image URI
func ExpandImage(image, accountID, region string) string {
	return strings.NewReplacer(PlaceholderAccountID, accountID, PlaceholderRegion, region).Replace(image)
}

func (c *Config) FormatConfig() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Stack Configuration:\n")
	fmt.Fprintf(&b, "  Project: %s (%s)\n", c.Project, c.Environment)
	fmt.Fprintf(&b, "  Region: %s\n", c.Region)
	fmt.Fprintf(&b, "Network Configuration:\n")
	fmt.Fprintf(&b, "  VPC: %s\n", c.Network.VPCCIDR)
	fmt.Fprintf(&b, "  Public Subnets: %s\n", strings.Join(c.Network.PublicSubnets, ", "))
	fmt.Fprintf(&b, "  Private Subnets: %s\n", strings.Join(c.Network.PrivateSubnets, ", "))
	fmt.Fprintf(&b, "  Admin CIDR: %s\n", c.Network.AdminCIDR)
	fmt.Fprintf(&b, "Backend Configuration:\n")
	fmt.Fprintf(&b, "  Instance Type: %s\n", c.Backend.InstanceType)
	fmt.Fprintf(&b, "  Capacity: min=%d desired=%d max=%d\n",
		c.Backend.MinSize, c.Backend.DesiredCapacity, c.Backend.MaxSize)
	fmt.Fprintf(&b, "  Target CPU: %.1f\n", c.Backend.TargetCPU)
	for _, s := range c.Backend.Services {
		route := s.PathPattern
		if route == "" {
			route = "(default)"
		}
		fmt.Fprintf(&b, "    - %s: port %d route %s image %s\n", s.Name, s.Port, route, s.Image)
	}
	fmt.Fprintf(&b, "Backup Configuration:\n")
	fmt.Fprintf(&b, "  Enabled: %t schedule %s retention %dd\n",
		c.Backup.Enabled, c.Backup.Schedule, c.Backup.RetentionDays)
	fmt.Fprintf(&b, "Monitoring Configuration:\n")
	fmt.Fprintf(&b, "  Enabled: %t cpu>%.0f mem>%.0f disk>%.0f errors>%.0f",
		c.Monitoring.Enabled, c.Monitoring.CPUThreshold, c.Monitoring.MemoryThreshold,
		c.Monitoring.DiskThreshold, c.Monitoring.ErrorThreshold)
	return b.String()
}

// Hash returns the first 8 hex characters of the sha256 of FormatConfig
func (c *Config) Hash() string {
	hasher := sha256.New()
	hasher.Write([]byte(c.FormatConfig()))
	return hex.EncodeToString(hasher.Sum(nil))[:8]
}

// DatabaseSecretName returns the configured secret name or fallback
func (c *Config) DatabaseSecretName(fallback string) string {
	if c.Backup.SecretName != "" {
		return c.Backup.SecretName
	}
	return fallback
}

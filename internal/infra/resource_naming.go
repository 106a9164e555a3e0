package infra

import (
	"fmt"
	"strings"
)

// AWS name length limits
const (
	maxLoadBalancerName = 32
	maxTargetGroupName  = 32
	maxBucketName       = 63
	maxRoleName         = 64
)

type ResourceNamer struct {
	project string
}

func NewResourceNamer(project string) *ResourceNamer {
	return &ResourceNamer{project: cleanName(project)}
}

func (r *ResourceNamer) Project() string {
	return r.project
}

func (r *ResourceNamer) VPCName() string {
	return fmt.Sprintf("%s-vpc", r.project)
}

func (r *ResourceNamer) InternetGatewayName() string {
	return fmt.Sprintf("%s-igw", r.project)
}

func (r *ResourceNamer) PublicSubnetName(index int) string {
	return fmt.Sprintf("%s-public-%d", r.project, index+1)
}

func (r *ResourceNamer) PrivateSubnetName(index int) string {
	return fmt.Sprintf("%s-private-%d", r.project, index+1)
}

func (r *ResourceNamer) PublicRouteTableName() string {
	return fmt.Sprintf("%s-public-rt", r.project)
}

func (r *ResourceNamer) PrivateRouteTableName() string {
	return fmt.Sprintf("%s-private-rt", r.project)
}

func (r *ResourceNamer) NATGatewayName() string {
	return fmt.Sprintf("%s-nat", r.project)
}

func (r *ResourceNamer) ElasticIPName() string {
	return fmt.Sprintf("%s-nat-eip", r.project)
}

func (r *ResourceNamer) ALBSecurityGroupName() string {
	return fmt.Sprintf("%s-alb-sg", r.project)
}

func (r *ResourceNamer) FrontendSecurityGroupName() string {
	return fmt.Sprintf("%s-frontend-sg", r.project)
}

func (r *ResourceNamer) BackendSecurityGroupName() string {
	return fmt.Sprintf("%s-backend-sg", r.project)
}

func (r *ResourceNamer) InstanceRoleName() string {
	return truncateName(fmt.Sprintf("%s-instance-role", r.project), maxRoleName)
}

// InstanceProfileName matches the role name so the console shows them together
func (r *ResourceNamer) InstanceProfileName() string {
	return r.InstanceRoleName()
}

// FrontendRoleName is separate from the backend role so either tier can be
// destroyed while the other keeps running. The profile shares the name.
func (r *ResourceNamer) FrontendRoleName() string {
	return truncateName(fmt.Sprintf("%s-frontend-role", r.project), maxRoleName)
}

func (r *ResourceNamer) InstanceSecretsPolicyName() string {
	return fmt.Sprintf("%s-read-database-secret", r.project)
}

func (r *ResourceNamer) KeyPairName() string {
	return fmt.Sprintf("%s-key", r.project)
}

func (r *ResourceNamer) LaunchTemplateName() string {
	return fmt.Sprintf("%s-backend-template", r.project)
}

func (r *ResourceNamer) BackendInstanceName() string {
	return fmt.Sprintf("%s-backend", r.project)
}

func (r *ResourceNamer) LoadBalancerName() string {
	return truncateName(fmt.Sprintf("%s-alb", r.project), maxLoadBalancerName)
}

// TargetGroupName keeps the service name intact and shortens the project
// part when the combination exceeds 32 characters.
func (r *ResourceNamer) TargetGroupName(service string) string {
	suffix := fmt.Sprintf("-%s-tg", cleanName(service))
	room := maxTargetGroupName - len(suffix)
	if room < 1 {
		return truncateName(strings.TrimPrefix(suffix, "-"), maxTargetGroupName)
	}
	return truncateName(r.project, room) + suffix
}

func (r *ResourceNamer) AutoScalingGroupName() string {
	return fmt.Sprintf("%s-backend-asg", r.project)
}

func (r *ResourceNamer) ScalingPolicyName() string {
	return fmt.Sprintf("%s-backend-cpu-target", r.project)
}

func (r *ResourceNamer) FrontendInstanceName() string {
	return fmt.Sprintf("%s-frontend", r.project)
}

// BackupBucketName is globally unique through the account id
func (r *ResourceNamer) BackupBucketName(accountID string) string {
	name := strings.ToLower(fmt.Sprintf("%s-db-backups-%s", r.project, accountID))
	return truncateName(name, maxBucketName)
}

func (r *ResourceNamer) BackupRoleName() string {
	return truncateName(fmt.Sprintf("%s-backup-role", r.project), maxRoleName)
}

func (r *ResourceNamer) BackupPolicyName() string {
	return fmt.Sprintf("%s-backup-policy", r.project)
}

func (r *ResourceNamer) BackupFunctionName() string {
	return fmt.Sprintf("%s-mongo-backup", r.project)
}

func (r *ResourceNamer) BackupRuleName() string {
	return fmt.Sprintf("%s-daily-backup", r.project)
}

func (r *ResourceNamer) DatabaseSecretName() string {
	return fmt.Sprintf("%s/mongodb-uri", r.project)
}

func (r *ResourceNamer) AlertTopicName() string {
	return fmt.Sprintf("%s-alerts", r.project)
}

func (r *ResourceNamer) DashboardName() string {
	return fmt.Sprintf("%s-dashboard", r.project)
}

func (r *ResourceNamer) AlarmName(kind string) string {
	return fmt.Sprintf("%s-%s", r.project, kind)
}

func (r *ResourceNamer) BackendLogGroup() string {
	return fmt.Sprintf("/aws/ec2/%s/backend", r.project)
}

func (r *ResourceNamer) FrontendLogGroup() string {
	return fmt.Sprintf("/aws/ec2/%s/frontend", r.project)
}

func (r *ResourceNamer) BackupLogGroup() string {
	return fmt.Sprintf("/aws/lambda/%s", r.BackupFunctionName())
}

func (r *ResourceNamer) ApplicationLogGroup() string {
	return fmt.Sprintf("/aws/application/%s", r.project)
}

func (r *ResourceNamer) ErrorMetricFilterName() string {
	return fmt.Sprintf("%s-application-errors", r.project)
}

func (r *ResourceNamer) AgentNamespace() string {
	return fmt.Sprintf("%s/Backend", r.project)
}

// cleanName keeps letters, digits and hyphens
func cleanName(s string) string {
	var b strings.Builder
	for _, c := range s {
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '-' {
			b.WriteRune(c)
		}
	}
	return strings.Trim(b.String(), "-")
}

func truncateName(name string, limit int) string {
	if len(name) > limit {
		name = name[:limit]
	}
	return strings.TrimRight(name, "-")
}

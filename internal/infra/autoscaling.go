package infra

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	astypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"

	"tierstack/internal/config"
)

// AutoScalingParams collects what the backend group attaches to
type AutoScalingParams struct {
	LaunchTemplateID string
	Subnets          []string
	TargetGroupARNs  []string
}

// EnsureAutoScalingGroup creates the backend group when it is missing and
// always converges its target tracking policy.
func EnsureAutoScalingGroup(ctx context.Context, clients *AWSClients, cfg *config.Config, params AutoScalingParams) (string, error) {
	name := clients.Namer.AutoScalingGroupName()

	group, err := describeAutoScalingGroup(ctx, clients, name)
	if err != nil {
		return "", err
	}

	if group != nil {
		slog.Info("auto scaling group already exists", "name", name,
			"desired", aws.ToInt32(group.DesiredCapacity), "existing", true)
	} else {
		_, err := clients.AutoScaling.CreateAutoScalingGroup(ctx, &autoscaling.CreateAutoScalingGroupInput{
			AutoScalingGroupName: aws.String(name),
			LaunchTemplate: &astypes.LaunchTemplateSpecification{
				LaunchTemplateId: aws.String(params.LaunchTemplateID),
				Version:          aws.String("$Latest"),
			},
			MinSize:                aws.Int32(cfg.Backend.MinSize),
			MaxSize:                aws.Int32(cfg.Backend.MaxSize),
			DesiredCapacity:        aws.Int32(cfg.Backend.DesiredCapacity),
			DefaultCooldown:        aws.Int32(cfg.Backend.DefaultCooldown),
			HealthCheckType:        aws.String("ELB"),
			HealthCheckGracePeriod: aws.Int32(cfg.Backend.HealthCheckGracePeriod),
			VPCZoneIdentifier:      aws.String(strings.Join(params.Subnets, ",")),
			TargetGroupARNs:        params.TargetGroupARNs,
			Tags:                   asgTags(cfg, name, clients.Namer.BackendInstanceName()),
		})
		if err != nil && !IsAlreadyExists(err) {
			return "", fmt.Errorf("creating auto scaling group %s: %w", name, err)
		}
		slog.Info("created auto scaling group", "name", name,
			"min", cfg.Backend.MinSize, "desired", cfg.Backend.DesiredCapacity, "max", cfg.Backend.MaxSize)
	}

	if err := ensureScalingPolicy(ctx, clients, cfg, name); err != nil {
		return "", err
	}
	return name, nil
}

func ensureScalingPolicy(ctx context.Context, clients *AWSClients, cfg *config.Config, groupName string) error {
	policyName := clients.Namer.ScalingPolicyName()
	_, err := clients.AutoScaling.PutScalingPolicy(ctx, &autoscaling.PutScalingPolicyInput{
		AutoScalingGroupName: aws.String(groupName),
		PolicyName:           aws.String(policyName),
		PolicyType:           aws.String("TargetTrackingScaling"),
		TargetTrackingConfiguration: &astypes.TargetTrackingConfiguration{
			PredefinedMetricSpecification: &astypes.PredefinedMetricSpecification{
				PredefinedMetricType: astypes.MetricTypeASGAverageCPUUtilization,
			},
			TargetValue: aws.Float64(cfg.Backend.TargetCPU),
		},
	})
	if err != nil {
		return fmt.Errorf("putting scaling policy %s: %w", policyName, err)
	}
	slog.Info("scaling policy ready", "policy", policyName, "target_cpu", cfg.Backend.TargetCPU)
	return nil
}

// describeAutoScalingGroup returns nil when the group does not exist
func describeAutoScalingGroup(ctx context.Context, clients *AWSClients, name string) (*astypes.AutoScalingGroup, error) {
	out, err := clients.AutoScaling.DescribeAutoScalingGroups(ctx, &autoscaling.DescribeAutoScalingGroupsInput{
		AutoScalingGroupNames: []string{name},
	})
	if err != nil {
		return nil, fmt.Errorf("describing auto scaling group %s: %w", name, err)
	}
	if len(out.AutoScalingGroups) == 0 {
		return nil, nil
	}
	return &out.AutoScalingGroups[0], nil
}

// ScaleToZero sets min, max and desired capacity to zero
func ScaleToZero(ctx context.Context, clients *AWSClients, name string) error {
	_, err := clients.AutoScaling.UpdateAutoScalingGroup(ctx, &autoscaling.UpdateAutoScalingGroupInput{
		AutoScalingGroupName: aws.String(name),
		MinSize:              aws.Int32(0),
		MaxSize:              aws.Int32(0),
		DesiredCapacity:      aws.Int32(0),
	})
	if err != nil {
		return fmt.Errorf("scaling %s to zero: %w", name, err)
	}
	slog.Info("scaled auto scaling group to zero", "name", name)
	return nil
}

// WaitForDrain polls the group until it has no instances. Running out of
// attempts is reported as ErrConditionNotMet so callers can force delete.
func WaitForDrain(ctx context.Context, clients *AWSClients, name string) error {
	return WaitForCondition(ctx, func(ctx context.Context) (bool, error) {
		group, err := describeAutoScalingGroup(ctx, clients, name)
		if err != nil {
			return false, err
		}
		if group == nil || len(group.Instances) == 0 {
			slog.Info("all instances terminated", "name", name)
			return true, nil
		}
		slog.Info("instances still running", "name", name, "count", len(group.Instances))
		return false, nil
	}, clients.Timing.DrainAttempts, clients.Timing.DrainInterval, "instance drain")
}

// DeleteScalingPolicies removes every policy of the group
func DeleteScalingPolicies(ctx context.Context, clients *AWSClients, name string) error {
	out, err := clients.AutoScaling.DescribePolicies(ctx, &autoscaling.DescribePoliciesInput{
		AutoScalingGroupName: aws.String(name),
	})
	if err != nil {
		return fmt.Errorf("describing scaling policies of %s: %w", name, err)
	}
	for _, p := range out.ScalingPolicies {
		if _, err := clients.AutoScaling.DeletePolicy(ctx, &autoscaling.DeletePolicyInput{
			AutoScalingGroupName: aws.String(name),
			PolicyName:           p.PolicyName,
		}); err != nil && !IsNotFound(err) {
			return fmt.Errorf("deleting scaling policy %s: %w", aws.ToString(p.PolicyName), err)
		}
		slog.Info("deleted scaling policy", "policy", aws.ToString(p.PolicyName))
	}
	return nil
}

// DeleteAutoScalingGroup force deletes the group and waits until it is gone
func DeleteAutoScalingGroup(ctx context.Context, clients *AWSClients, name string) error {
	err := retryWhileInUse(ctx, clients, "auto scaling group deletion", func(ctx context.Context) error {
		_, err := clients.AutoScaling.DeleteAutoScalingGroup(ctx, &autoscaling.DeleteAutoScalingGroupInput{
			AutoScalingGroupName: aws.String(name),
			ForceDelete:          aws.Bool(true),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("deleting auto scaling group %s: %w", name, err)
	}

	waiter := autoscaling.NewGroupNotExistsWaiter(clients.AutoScaling, func(o *autoscaling.GroupNotExistsWaiterOptions) {
		o.MinDelay = min(clients.Timing.PollInterval, o.MinDelay)
	})
	if err := waiter.Wait(ctx, &autoscaling.DescribeAutoScalingGroupsInput{AutoScalingGroupNames: []string{name}}, clients.Timing.WaitTimeout); err != nil {
		return fmt.Errorf("waiting for auto scaling group %s deletion: %w", name, err)
	}
	slog.Info("deleted auto scaling group", "name", name)
	return nil
}

func asgTags(cfg *config.Config, groupName, instanceName string) []astypes.Tag {
	values := stackTags(cfg, ComponentBackend)
	values[TagKeyName] = instanceName
	tags := make([]astypes.Tag, 0, len(values))
	for _, k := range sortedKeys(values) {
		tags = append(tags, astypes.Tag{
			Key:               aws.String(k),
			Value:             aws.String(values[k]),
			ResourceId:        aws.String(groupName),
			ResourceType:      aws.String("auto-scaling-group"),
			PropagateAtLaunch: aws.Bool(true),
		})
	}
	return tags
}

// DeployBackend provisions the backend tier on top of net: database
// secret, instance role, key pair, launch template, load balancer, target
// groups, listener and the auto scaling group.
func DeployBackend(ctx context.Context, clients *AWSClients, cfg *config.Config, net *NetworkState) (*BackendState, error) {
	namer := clients.Namer
	accountID, err := clients.AccountID(ctx)
	if err != nil {
		return nil, err
	}

	// instances read the connection string at boot, so it must exist first
	secretName := ""
	if cfg.Backend.NeedsDatabase() {
		secretName = cfg.DatabaseSecretName(namer.DatabaseSecretName())
		if _, err := EnsureDatabaseSecret(ctx, clients, cfg, secretName); err != nil {
			return nil, fmt.Errorf("database secret for backend services: %w", err)
		}
	}

	roleSpec := InstanceRoleSpec(namer, cfg.Region, accountID, secretName)
	if _, err := EnsureRole(ctx, clients, cfg, roleSpec); err != nil {
		return nil, err
	}

	keyName, err := EnsureKeyPair(ctx, clients, cfg)
	if err != nil {
		return nil, err
	}

	userData, err := BackendUserData(cfg, namer, accountID, secretName)
	if err != nil {
		return nil, err
	}

	templateID, err := EnsureLaunchTemplate(ctx, clients, cfg, LaunchTemplateParams{
		SecurityGroupID:     net.SecurityGroups[GroupBackend],
		InstanceProfileName: namer.InstanceProfileName(),
		KeyName:             keyName,
		UserData:            userData,
	})
	if err != nil {
		return nil, err
	}

	lb, err := EnsureLoadBalancer(ctx, clients, cfg, net.PublicSubnets, net.SecurityGroups[GroupALB])
	if err != nil {
		return nil, err
	}

	targetGroups, err := EnsureTargetGroups(ctx, clients, cfg, net.VPCID)
	if err != nil {
		return nil, err
	}

	listenerARN, err := EnsureListener(ctx, clients, cfg, lb.ARN, targetGroups)
	if err != nil {
		return nil, err
	}

	subnets := net.PrivateSubnets
	if cfg.Backend.UsePublicSubnets || len(subnets) == 0 {
		subnets = net.PublicSubnets
	}
	arns := make([]string, 0, len(cfg.Backend.Services))
	for _, svc := range cfg.Backend.Services {
		arns = append(arns, targetGroups[svc.Name])
	}

	groupName, err := EnsureAutoScalingGroup(ctx, clients, cfg, AutoScalingParams{
		LaunchTemplateID: templateID,
		Subnets:          subnets,
		TargetGroupARNs:  arns,
	})
	if err != nil {
		return nil, err
	}

	state := &BackendState{
		LaunchTemplateID:     templateID,
		LaunchTemplateName:   namer.LaunchTemplateName(),
		LoadBalancerARN:      lb.ARN,
		LoadBalancerDNS:      lb.DNSName,
		ListenerARN:          listenerARN,
		TargetGroups:         targetGroups,
		AutoScalingGroupName: groupName,
		ScalingPolicyName:    namer.ScalingPolicyName(),
		RoleName:             roleSpec.Name,
		InstanceProfileName:  namer.InstanceProfileName(),
		KeyName:              keyName,
		DeployedAt:           time.Now().UTC(),
	}
	slog.Info("backend deployed", "alb_dns", lb.DNSName, "asg", groupName)
	return state, nil
}

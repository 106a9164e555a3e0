package infra

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"

	"tierstack/internal/config"
)

// DiscoverBackend rebuilds a BackendState from the stack's resource names
// when no state file is available. Resources that do not exist are left
// empty.
func DiscoverBackend(ctx context.Context, clients *AWSClients, cfg *config.Config) (*BackendState, error) {
	namer := clients.Namer
	state := &BackendState{
		LaunchTemplateName:  namer.LaunchTemplateName(),
		ScalingPolicyName:   namer.ScalingPolicyName(),
		RoleName:            namer.InstanceRoleName(),
		InstanceProfileName: namer.InstanceProfileName(),
		TargetGroups:        map[string]string{},
	}

	group, err := describeAutoScalingGroup(ctx, clients, namer.AutoScalingGroupName())
	if err != nil {
		return nil, err
	}
	if group != nil {
		state.AutoScalingGroupName = aws.ToString(group.AutoScalingGroupName)
	}

	templates, err := clients.EC2.DescribeLaunchTemplates(ctx, &ec2.DescribeLaunchTemplatesInput{
		LaunchTemplateNames: []string{state.LaunchTemplateName},
	})
	if err != nil && !IsNotFound(err) {
		return nil, fmt.Errorf("describing launch template: %w", err)
	}
	if err == nil && len(templates.LaunchTemplates) > 0 {
		state.LaunchTemplateID = aws.ToString(templates.LaunchTemplates[0].LaunchTemplateId)
	}

	lb, err := FindLoadBalancer(ctx, clients, namer.LoadBalancerName())
	if err != nil {
		return nil, err
	}
	if lb != nil {
		state.LoadBalancerARN = lb.ARN
		state.LoadBalancerDNS = lb.DNSName
	}

	for _, svc := range cfg.Backend.Services {
		name := namer.TargetGroupName(svc.Name)
		out, err := clients.ELB.DescribeTargetGroups(ctx, &elbv2.DescribeTargetGroupsInput{Names: []string{name}})
		if IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("describing target group %s: %w", name, err)
		}
		if len(out.TargetGroups) > 0 {
			state.TargetGroups[svc.Name] = aws.ToString(out.TargetGroups[0].TargetGroupArn)
		}
	}

	slog.Info("discovered backend resources",
		"asg", state.AutoScalingGroupName,
		"launch_template", state.LaunchTemplateID,
		"alb", state.LoadBalancerARN,
		"target_groups", len(state.TargetGroups))
	return state, nil
}

// DestroyBackend tears the backend tier down in dependency order:
// listeners, target groups, launch template, scale to zero, drain, scaling
// policies and group, load balancer, and finally the instance role. IAM
// failures are logged and do not fail the destroy.
func DestroyBackend(ctx context.Context, clients *AWSClients, state *BackendState) error {
	steps := []struct {
		name string
		run  func(context.Context) error
	}{
		{"listeners", func(ctx context.Context) error {
			if state.LoadBalancerARN == "" {
				return nil
			}
			return DeleteListeners(ctx, clients, state.LoadBalancerARN)
		}},
		{"target groups", func(ctx context.Context) error {
			return destroyTargetGroups(ctx, clients, state)
		}},
		{"launch template", func(ctx context.Context) error {
			return DeleteLaunchTemplate(ctx, clients, state.LaunchTemplateID, state.LaunchTemplateName)
		}},
		{"auto scaling group", func(ctx context.Context) error {
			return destroyAutoScalingGroup(ctx, clients, state.AutoScalingGroupName)
		}},
		{"load balancer", func(ctx context.Context) error {
			if state.LoadBalancerARN == "" {
				return nil
			}
			return DeleteLoadBalancer(ctx, clients, state.LoadBalancerARN)
		}},
		{"instance role", func(ctx context.Context) error {
			if err := DeleteRole(ctx, clients, state.RoleName); err != nil {
				slog.Warn("IAM cleanup incomplete, remove the role manually", "role", state.RoleName, "error", err)
			}
			return nil
		}},
	}

	for _, step := range steps {
		slog.Info("destroy step", "step", step.name)
		if err := step.run(ctx); err != nil {
			return fmt.Errorf("destroying backend %s: %w", step.name, err)
		}
	}
	slog.Info("backend destroyed")
	return nil
}

func destroyTargetGroups(ctx context.Context, clients *AWSClients, state *BackendState) error {
	if len(state.TargetGroups) == 0 {
		return nil
	}
	arns := make([]string, 0, len(state.TargetGroups))
	for _, arn := range state.TargetGroups {
		arns = append(arns, arn)
	}
	slices.Sort(arns)

	if state.AutoScalingGroupName != "" {
		_, err := clients.AutoScaling.DetachLoadBalancerTargetGroups(ctx, &autoscaling.DetachLoadBalancerTargetGroupsInput{
			AutoScalingGroupName: aws.String(state.AutoScalingGroupName),
			TargetGroupARNs:      arns,
		})
		if err != nil && !IsNotFound(err) {
			return fmt.Errorf("detaching target groups from %s: %w", state.AutoScalingGroupName, err)
		}
	}

	for _, arn := range arns {
		if err := DeleteTargetGroup(ctx, clients, arn); err != nil {
			return err
		}
	}
	return nil
}

func destroyAutoScalingGroup(ctx context.Context, clients *AWSClients, name string) error {
	if name == "" {
		return nil
	}
	group, err := describeAutoScalingGroup(ctx, clients, name)
	if err != nil {
		return err
	}
	if group == nil {
		slog.Info("auto scaling group already gone", "name", name)
		return nil
	}

	if err := ScaleToZero(ctx, clients, name); err != nil {
		return err
	}

	err = WaitForDrain(ctx, clients, name)
	switch {
	case errors.Is(err, ErrConditionNotMet):
		slog.Warn("timed out waiting for instances to terminate, proceeding with force delete", "name", name)
	case err != nil:
		return err
	}

	if err := DeleteScalingPolicies(ctx, clients, name); err != nil {
		slog.Warn("could not delete scaling policies", "name", name, "error", err)
	}
	return DeleteAutoScalingGroup(ctx, clients, name)
}

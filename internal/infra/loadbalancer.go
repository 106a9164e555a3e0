package infra

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	elbtypes "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"

	"tierstack/internal/config"
)

// LoadBalancer identifies the stack's application load balancer
type LoadBalancer struct {
	ARN     string
	DNSName string
}

// EnsureLoadBalancer finds the ALB by name or creates an internet-facing
// one across subnets, then waits until it is active.
func EnsureLoadBalancer(ctx context.Context, clients *AWSClients, cfg *config.Config, subnets []string, securityGroupID string) (*LoadBalancer, error) {
	name := clients.Namer.LoadBalancerName()

	lb, err := FindLoadBalancer(ctx, clients, name)
	if err != nil {
		return nil, err
	}
	if lb != nil {
		slog.Info("load balancer already exists", "name", name, "dns", lb.DNSName, "existing", true)
		return lb, nil
	}

	out, err := clients.ELB.CreateLoadBalancer(ctx, &elbv2.CreateLoadBalancerInput{
		Name:           aws.String(name),
		Subnets:        subnets,
		SecurityGroups: []string{securityGroupID},
		Scheme:         elbtypes.LoadBalancerSchemeEnumInternetFacing,
		Type:           elbtypes.LoadBalancerTypeEnumApplication,
		IpAddressType:  elbtypes.IpAddressTypeIpv4,
		Tags:           elbTags(cfg, name, ComponentBackend),
	})
	if err != nil {
		return nil, fmt.Errorf("creating load balancer %s: %w", name, err)
	}
	created := out.LoadBalancers[0]
	lb = &LoadBalancer{ARN: aws.ToString(created.LoadBalancerArn), DNSName: aws.ToString(created.DNSName)}
	slog.Info("created load balancer, waiting for it to become active", "name", name, "dns", lb.DNSName)

	waiter := elbv2.NewLoadBalancerAvailableWaiter(clients.ELB)
	if err := waiter.Wait(ctx, &elbv2.DescribeLoadBalancersInput{LoadBalancerArns: []string{lb.ARN}}, clients.Timing.WaitTimeout); err != nil {
		return nil, fmt.Errorf("waiting for load balancer %s: %w", name, err)
	}
	return lb, nil
}

// FindLoadBalancer returns nil when no load balancer has the name
func FindLoadBalancer(ctx context.Context, clients *AWSClients, name string) (*LoadBalancer, error) {
	out, err := clients.ELB.DescribeLoadBalancers(ctx, &elbv2.DescribeLoadBalancersInput{Names: []string{name}})
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("describing load balancer %s: %w", name, err)
	}
	if len(out.LoadBalancers) == 0 {
		return nil, nil
	}
	lb := out.LoadBalancers[0]
	return &LoadBalancer{ARN: aws.ToString(lb.LoadBalancerArn), DNSName: aws.ToString(lb.DNSName)}, nil
}

// EnsureTargetGroups creates one HTTP target group per backend service and
// returns their ARNs keyed by service name.
func EnsureTargetGroups(ctx context.Context, clients *AWSClients, cfg *config.Config, vpcID string) (map[string]string, error) {
	hc := cfg.Backend.HealthCheck
	groups := make(map[string]string, len(cfg.Backend.Services))

	for _, svc := range cfg.Backend.Services {
		name := clients.Namer.TargetGroupName(svc.Name)
		healthPath := svc.HealthPath
		if healthPath == "" {
			healthPath = "/health"
		}

		out, err := clients.ELB.CreateTargetGroup(ctx, &elbv2.CreateTargetGroupInput{
			Name:                       aws.String(name),
			Protocol:                   elbtypes.ProtocolEnumHttp,
			Port:                       aws.Int32(svc.Port),
			VpcId:                      aws.String(vpcID),
			TargetType:                 elbtypes.TargetTypeEnumInstance,
			HealthCheckProtocol:        elbtypes.ProtocolEnumHttp,
			HealthCheckPath:            aws.String(healthPath),
			HealthCheckIntervalSeconds: aws.Int32(hc.IntervalSeconds),
			HealthCheckTimeoutSeconds:  aws.Int32(hc.TimeoutSeconds),
			HealthyThresholdCount:      aws.Int32(hc.HealthyThreshold),
			UnhealthyThresholdCount:    aws.Int32(hc.UnhealthyThreshold),
			Matcher:                    &elbtypes.Matcher{HttpCode: aws.String("200")},
			Tags:                       elbTags(cfg, name, ComponentBackend),
		})
		switch {
		case err == nil:
			arn := aws.ToString(out.TargetGroups[0].TargetGroupArn)
			groups[svc.Name] = arn
			slog.Info("created target group", "service", svc.Name, "name", name, "port", svc.Port)
		case IsAlreadyExists(err):
			existing, err := clients.ELB.DescribeTargetGroups(ctx, &elbv2.DescribeTargetGroupsInput{Names: []string{name}})
			if err != nil {
				return nil, fmt.Errorf("looking up existing target group %s: %w", name, err)
			}
			if len(existing.TargetGroups) == 0 {
				return nil, fmt.Errorf("target group %s reported as duplicate but not found", name)
			}
			groups[svc.Name] = aws.ToString(existing.TargetGroups[0].TargetGroupArn)
			slog.Info("target group already exists", "service", svc.Name, "name", name, "existing", true)
		default:
			return nil, fmt.Errorf("creating target group %s: %w", name, err)
		}
	}
	return groups, nil
}

// EnsureListener creates the HTTP listener forwarding to the default
// service and adds a path rule for every other service. An existing
// listener on port 80 is reused.
func EnsureListener(ctx context.Context, clients *AWSClients, cfg *config.Config, lbARN string, targetGroups map[string]string) (string, error) {
	defaultService := cfg.Backend.DefaultService()
	defaultTG := targetGroups[defaultService.Name]

	listenerARN, err := findListener(ctx, clients, lbARN, HTTPPort)
	if err != nil {
		return "", err
	}
	if listenerARN == "" {
		out, err := clients.ELB.CreateListener(ctx, &elbv2.CreateListenerInput{
			LoadBalancerArn: aws.String(lbARN),
			Protocol:        elbtypes.ProtocolEnumHttp,
			Port:            aws.Int32(HTTPPort),
			DefaultActions:  []elbtypes.Action{forward(defaultTG)},
		})
		if err != nil {
			return "", fmt.Errorf("creating listener: %w", err)
		}
		listenerARN = aws.ToString(out.Listeners[0].ListenerArn)
		slog.Info("created listener", "port", HTTPPort, "default_service", defaultService.Name)
	} else {
		slog.Info("listener already exists", "listener_arn", listenerARN, "existing", true)
	}

	existing, err := existingRulePatterns(ctx, clients, listenerARN)
	if err != nil {
		return "", err
	}

	priority := int32(RulePriorityBase)
	for _, svc := range cfg.Backend.Services {
		if svc.PathPattern == "" {
			continue
		}
		current := priority
		priority += RulePriorityStep
		if existing[svc.PathPattern] {
			slog.Info("listener rule already exists", "service", svc.Name, "path", svc.PathPattern, "existing", true)
			continue
		}

		_, err := clients.ELB.CreateRule(ctx, &elbv2.CreateRuleInput{
			ListenerArn: aws.String(listenerARN),
			Priority:    aws.Int32(current),
			Conditions: []elbtypes.RuleCondition{{
				Field:  aws.String("path-pattern"),
				Values: []string{svc.PathPattern},
			}},
			Actions: []elbtypes.Action{forward(targetGroups[svc.Name])},
		})
		switch {
		case err == nil:
			slog.Info("created listener rule", "service", svc.Name, "path", svc.PathPattern, "priority", current)
		case IsAlreadyExists(err):
			slog.Info("listener rule already exists", "service", svc.Name, "path", svc.PathPattern, "priority", current, "existing", true)
		default:
			return "", fmt.Errorf("creating rule for %s: %w", svc.Name, err)
		}
	}
	return listenerARN, nil
}

func findListener(ctx context.Context, clients *AWSClients, lbARN string, port int32) (string, error) {
	out, err := clients.ELB.DescribeListeners(ctx, &elbv2.DescribeListenersInput{LoadBalancerArn: aws.String(lbARN)})
	if err != nil {
		return "", fmt.Errorf("describing listeners: %w", err)
	}
	for _, l := range out.Listeners {
		if aws.ToInt32(l.Port) == port {
			return aws.ToString(l.ListenerArn), nil
		}
	}
	return "", nil
}

func existingRulePatterns(ctx context.Context, clients *AWSClients, listenerARN string) (map[string]bool, error) {
	out, err := clients.ELB.DescribeRules(ctx, &elbv2.DescribeRulesInput{ListenerArn: aws.String(listenerARN)})
	if err != nil {
		return nil, fmt.Errorf("describing listener rules: %w", err)
	}
	patterns := map[string]bool{}
	for _, rule := range out.Rules {
		for _, cond := range rule.Conditions {
			if aws.ToString(cond.Field) != "path-pattern" {
				continue
			}
			for _, v := range cond.Values {
				patterns[v] = true
			}
		}
	}
	return patterns, nil
}

func forward(targetGroupARN string) elbtypes.Action {
	return elbtypes.Action{
		Type:           elbtypes.ActionTypeEnumForward,
		TargetGroupArn: aws.String(targetGroupARN),
	}
}

// DeleteListeners removes every listener of the load balancer
func DeleteListeners(ctx context.Context, clients *AWSClients, lbARN string) error {
	out, err := clients.ELB.DescribeListeners(ctx, &elbv2.DescribeListenersInput{LoadBalancerArn: aws.String(lbARN)})
	if IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("describing listeners: %w", err)
	}
	for _, l := range out.Listeners {
		arn := aws.ToString(l.ListenerArn)
		if _, err := clients.ELB.DeleteListener(ctx, &elbv2.DeleteListenerInput{ListenerArn: aws.String(arn)}); err != nil && !IsNotFound(err) {
			return fmt.Errorf("deleting listener %s: %w", arn, err)
		}
		slog.Info("deleted listener", "listener_arn", arn, "port", aws.ToInt32(l.Port))
	}
	return nil
}

// DeleteTargetGroup retries while the group is still referenced by a
// listener or auto scaling group that is being torn down.
func DeleteTargetGroup(ctx context.Context, clients *AWSClients, arn string) error {
	err := retryWhileInUse(ctx, clients, "target group deletion", func(ctx context.Context) error {
		_, err := clients.ELB.DeleteTargetGroup(ctx, &elbv2.DeleteTargetGroupInput{TargetGroupArn: aws.String(arn)})
		return err
	})
	if err != nil {
		return fmt.Errorf("deleting target group %s: %w", arn, err)
	}
	slog.Info("deleted target group", "target_group_arn", arn)
	return nil
}

// DeleteLoadBalancer deletes the ALB and waits until it is gone
func DeleteLoadBalancer(ctx context.Context, clients *AWSClients, arn string) error {
	if _, err := clients.ELB.DeleteLoadBalancer(ctx, &elbv2.DeleteLoadBalancerInput{LoadBalancerArn: aws.String(arn)}); err != nil {
		if IsNotFound(err) {
			slog.Info("load balancer already gone", "alb_arn", arn)
			return nil
		}
		return fmt.Errorf("deleting load balancer: %w", err)
	}

	waiter := elbv2.NewLoadBalancersDeletedWaiter(clients.ELB)
	if err := waiter.Wait(ctx, &elbv2.DescribeLoadBalancersInput{LoadBalancerArns: []string{arn}}, clients.Timing.WaitTimeout); err != nil {
		return fmt.Errorf("waiting for load balancer deletion: %w", err)
	}
	slog.Info("deleted load balancer", "alb_arn", arn)
	return nil
}

// ARNSuffix returns the part of an ELB ARN CloudWatch uses as a dimension,
// e.g. app/name/123 or targetgroup/name/456.
func ARNSuffix(arn string) string {
	for _, marker := range []string{":loadbalancer/", ":"} {
		if i := strings.LastIndex(arn, marker); i >= 0 {
			return arn[i+len(marker):]
		}
	}
	return arn
}

func elbTags(cfg *config.Config, name, component string) []elbtypes.Tag {
	values := stackTags(cfg, component)
	values[TagKeyName] = name
	tags := make([]elbtypes.Tag, 0, len(values))
	for _, k := range sortedKeys(values) {
		tags = append(tags, elbtypes.Tag{Key: aws.String(k), Value: aws.String(values[k])})
	}
	return tags
}

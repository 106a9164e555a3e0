package infra

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	elbtypes "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/olekukonko/tablewriter"
)

const (
	statusMissing     = "not deployed"
	statusUnavailable = "unknown"
)

// StatusRow is one line of the status report
type StatusRow struct {
	Component string
	Resource  string
	ID        string
	State     string
	Detail    string
}

// Status is the deployment overview `stackctl status` prints
type Status struct {
	Rows []StatusRow
}

func (s *Status) add(component, resource, id, state, detail string) {
	s.Rows = append(s.Rows, StatusRow{Component: component, Resource: resource, ID: id, State: state, Detail: detail})
}

// lookupFailed records a failed live lookup without failing the report
func (s *Status) lookupFailed(component, resource, id string, err error) {
	slog.Debug("status lookup failed", "component", component, "resource", resource, "error", err)
	s.add(component, resource, id, statusUnavailable, err.Error())
}

// CollectStatus combines the saved deployment records with live lookups.
// Lookups that fail are reported in the table rather than aborting.
func CollectStatus(ctx context.Context, clients *AWSClients, store *StateStore) (*Status, error) {
	status := &Status{}

	steps := []struct {
		kind StateKind
		fn   func(context.Context, *AWSClients, *StateStore, *Status) error
	}{
		{StateNetwork, networkStatus},
		{StateBackend, backendStatus},
		{StateBackup, backupStatus},
		{StateMonitoring, monitoringStatus},
		{StateFrontend, frontendStatus},
	}
	for _, step := range steps {
		err := step.fn(ctx, clients, store, status)
		if errors.Is(err, ErrStateNotFound) {
			status.add(string(step.kind), "-", "-", statusMissing, "")
			continue
		}
		if err != nil {
			return nil, err
		}
	}
	return status, nil
}

func networkStatus(ctx context.Context, clients *AWSClients, store *StateStore, status *Status) error {
	net, err := store.LoadNetwork()
	if err != nil {
		return err
	}
	const component = ComponentNetwork

	out, err := clients.EC2.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{VpcIds: []string{net.VPCID}})
	switch {
	case err != nil:
		status.lookupFailed(component, "vpc", net.VPCID, err)
	case len(out.Vpcs) == 0:
		status.add(component, "vpc", net.VPCID, "missing", "")
	default:
		status.add(component, "vpc", net.VPCID, string(out.Vpcs[0].State), aws.ToString(out.Vpcs[0].CidrBlock))
	}

	status.add(component, "subnets", "-", "recorded",
		fmt.Sprintf("%d public, %d private", len(net.PublicSubnets), len(net.PrivateSubnets)))

	if net.NATGatewayID != "" {
		nat, err := clients.EC2.DescribeNatGateways(ctx, &ec2.DescribeNatGatewaysInput{NatGatewayIds: []string{net.NATGatewayID}})
		switch {
		case err != nil:
			status.lookupFailed(component, "nat gateway", net.NATGatewayID, err)
		case len(nat.NatGateways) == 0:
			status.add(component, "nat gateway", net.NATGatewayID, "missing", "")
		default:
			status.add(component, "nat gateway", net.NATGatewayID, string(nat.NatGateways[0].State), "")
		}
	}
	return nil
}

func backendStatus(ctx context.Context, clients *AWSClients, store *StateStore, status *Status) error {
	backend, err := store.LoadBackend()
	if err != nil {
		return err
	}
	const component = ComponentBackend

	if backend.LoadBalancerARN != "" {
		out, err := clients.ELB.DescribeLoadBalancers(ctx, &elbv2.DescribeLoadBalancersInput{
			LoadBalancerArns: []string{backend.LoadBalancerARN},
		})
		switch {
		case IsNotFound(err):
			status.add(component, "load balancer", backend.LoadBalancerDNS, "missing", "")
		case err != nil:
			status.lookupFailed(component, "load balancer", backend.LoadBalancerDNS, err)
		case len(out.LoadBalancers) > 0 && out.LoadBalancers[0].State != nil:
			status.add(component, "load balancer", backend.LoadBalancerDNS, string(out.LoadBalancers[0].State.Code), "http://"+backend.LoadBalancerDNS)
		}
	}

	for _, service := range sortedKeys(backend.TargetGroups) {
		arn := backend.TargetGroups[service]
		out, err := clients.ELB.DescribeTargetHealth(ctx, &elbv2.DescribeTargetHealthInput{TargetGroupArn: aws.String(arn)})
		if err != nil {
			status.lookupFailed(component, "targets "+service, ARNSuffix(arn), err)
			continue
		}
		healthy := 0
		for _, d := range out.TargetHealthDescriptions {
			if d.TargetHealth != nil && d.TargetHealth.State == elbtypes.TargetHealthStateEnumHealthy {
				healthy++
			}
		}
		state := "healthy"
		if healthy < len(out.TargetHealthDescriptions) || len(out.TargetHealthDescriptions) == 0 {
			state = "degraded"
		}
		status.add(component, "targets "+service, ARNSuffix(arn), state,
			fmt.Sprintf("%d/%d healthy", healthy, len(out.TargetHealthDescriptions)))
	}

	if backend.AutoScalingGroupName != "" {
		group, err := describeAutoScalingGroup(ctx, clients, backend.AutoScalingGroupName)
		switch {
		case err != nil:
			status.lookupFailed(component, "auto scaling group", backend.AutoScalingGroupName, err)
		case group == nil:
			status.add(component, "auto scaling group", backend.AutoScalingGroupName, "missing", "")
		default:
			inService := 0
			for _, inst := range group.Instances {
				if inst.LifecycleState == "InService" {
					inService++
				}
			}
			status.add(component, "auto scaling group", backend.AutoScalingGroupName, "active",
				fmt.Sprintf("desired %d, in service %d", aws.ToInt32(group.DesiredCapacity), inService))
		}
	}
	return nil
}

func backupStatus(ctx context.Context, clients *AWSClients, store *StateStore, status *Status) error {
	backup, err := store.LoadBackup()
	if err != nil {
		return err
	}
	const component = ComponentBackup

	out, err := clients.Lambda.GetFunction(ctx, &lambda.GetFunctionInput{FunctionName: aws.String(backup.FunctionName)})
	switch {
	case IsNotFound(err):
		status.add(component, "function", backup.FunctionName, "missing", "")
	case err != nil:
		status.lookupFailed(component, "function", backup.FunctionName, err)
	case out.Configuration != nil:
		status.add(component, "function", backup.FunctionName, string(out.Configuration.State),
			"last modified "+aws.ToString(out.Configuration.LastModified))
	}
	status.add(component, "bucket", backup.BucketName, "recorded", "s3://"+backup.BucketName+"/"+BackupKeyPrefix)
	return nil
}

func monitoringStatus(ctx context.Context, clients *AWSClients, store *StateStore, status *Status) error {
	monitoring, err := store.LoadMonitoring()
	if err != nil {
		return err
	}
	const component = ComponentMonitoring

	if len(monitoring.Alarms) == 0 {
		status.add(component, "alarms", "-", "none", "")
		return nil
	}
	out, err := clients.CloudWatch.DescribeAlarms(ctx, &cloudwatch.DescribeAlarmsInput{AlarmNames: monitoring.Alarms})
	if err != nil {
		status.lookupFailed(component, "alarms", "-", err)
		return nil
	}

	firing := 0
	for _, alarm := range out.MetricAlarms {
		if alarm.StateValue == cwtypes.StateValueAlarm {
			firing++
			status.add(component, "alarm", aws.ToString(alarm.AlarmName), string(alarm.StateValue), aws.ToString(alarm.StateReason))
		}
	}
	status.add(component, "alarms", "-", "recorded", fmt.Sprintf("%d of %d in ALARM", firing, len(out.MetricAlarms)))
	if monitoring.Dashboard != "" {
		status.add(component, "dashboard", monitoring.Dashboard, "recorded", DashboardURL(clients.Region, monitoring.Dashboard))
	}
	return nil
}

func frontendStatus(ctx context.Context, clients *AWSClients, store *StateStore, status *Status) error {
	frontend, err := store.LoadFrontend()
	if err != nil {
		return err
	}
	const component = ComponentFrontend

	out, err := clients.EC2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{frontend.InstanceID}})
	if err != nil {
		if IsNotFound(err) {
			status.add(component, "instance", frontend.InstanceID, "missing", "")
			return nil
		}
		status.lookupFailed(component, "instance", frontend.InstanceID, err)
		return nil
	}
	for _, r := range out.Reservations {
		for _, inst := range r.Instances {
			resource := tagValue(inst.Tags, TagKeyName)
			if resource == "" {
				resource = "instance"
			}
			status.add(component, resource, frontend.InstanceID, instanceState(&inst), aws.ToString(inst.PublicDnsName))
		}
	}
	return nil
}

// Render writes the status as a table
func (s *Status) Render(w io.Writer) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Component", "Resource", "ID", "State", "Detail"})
	table.SetAutoWrapText(false)
	table.SetAutoMergeCellsByColumnIndex([]int{0})
	for _, r := range s.Rows {
		table.Append([]string{r.Component, r.Resource, r.ID, r.State, r.Detail})
	}
	table.Render()
}

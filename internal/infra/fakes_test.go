package infra

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	astypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	elbtypes "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/require"
)

// recorder collects API calls in order. Fakes embed the client interface
// so calling a method a test did not expect panics.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) record(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recorder) count(call string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == call {
			n++
		}
	}
	return n
}

// requireOrder asserts each call happened, first occurrences in order
func (r *recorder) requireOrder(t *testing.T, calls ...string) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	last := -1
	for _, call := range calls {
		i := slices.Index(r.calls, call)
		require.GreaterOrEqual(t, i, 0, "%s was not called; calls: %v", call, r.calls)
		require.Greater(t, i, last, "%s called out of order; calls: %v", call, r.calls)
		last = i
	}
}

func apiErr(code string) error {
	return &smithy.GenericAPIError{Code: code, Message: code}
}

var testTiming = Timing{
	PollInterval:  time.Millisecond,
	WaitTimeout:   2 * time.Second,
	DrainInterval: time.Millisecond,
	DrainAttempts: 3,
}

func newTestClients(rec *recorder) *AWSClients {
	return &AWSClients{
		Region:      "eu-west-1",
		Namer:       NewResourceNamer("shop"),
		Timing:      testTiming,
		EC2:         &fakeEC2{rec: rec},
		ELB:         &fakeELB{rec: rec},
		AutoScaling: &fakeAutoScaling{rec: rec, groups: map[string]bool{}},
		IAM:         &fakeIAM{rec: rec},
		CloudWatch:  &fakeCloudWatch{rec: rec},
		Logs:        &fakeLogs{rec: rec},
		SNS:         &fakeSNS{rec: rec},
		STS:         &fakeSTS{rec: rec},
	}
}

type fakeEC2 struct {
	EC2API
	rec *recorder

	vpcID          string
	instances      []string
	natGateways    []ec2types.NatGateway
	routeTables    []ec2types.RouteTable
	securityGroups []ec2types.SecurityGroup
	subnets        []string
	gateways       []string
	// subnetBusy makes the first DeleteSubnet calls fail with DependencyViolation
	subnetBusy int
}

func (f *fakeEC2) DescribeVpcs(_ context.Context, in *ec2.DescribeVpcsInput, _ ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error) {
	f.rec.record("DescribeVpcs")
	if f.vpcID == "" || !slices.Contains(in.VpcIds, f.vpcID) {
		return nil, apiErr("InvalidVpcID.NotFound")
	}
	return &ec2.DescribeVpcsOutput{Vpcs: []ec2types.Vpc{{VpcId: aws.String(f.vpcID), State: ec2types.VpcStateAvailable}}}, nil
}

func (f *fakeEC2) DescribeInstances(_ context.Context, in *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	f.rec.record("DescribeInstances")
	state := ec2types.InstanceStateNameRunning
	if len(in.InstanceIds) > 0 {
		// lookups by id come from the termination waiter
		state = ec2types.InstanceStateNameTerminated
	}
	var instances []ec2types.Instance
	for _, id := range f.instances {
		instances = append(instances, ec2types.Instance{InstanceId: aws.String(id), State: &ec2types.InstanceState{Name: state}})
	}
	return &ec2.DescribeInstancesOutput{Reservations: []ec2types.Reservation{{Instances: instances}}}, nil
}

func (f *fakeEC2) TerminateInstances(_ context.Context, _ *ec2.TerminateInstancesInput, _ ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	f.rec.record("TerminateInstances")
	return &ec2.TerminateInstancesOutput{}, nil
}

func (f *fakeEC2) DescribeVpcEndpoints(_ context.Context, _ *ec2.DescribeVpcEndpointsInput, _ ...func(*ec2.Options)) (*ec2.DescribeVpcEndpointsOutput, error) {
	f.rec.record("DescribeVpcEndpoints")
	return &ec2.DescribeVpcEndpointsOutput{}, nil
}

func (f *fakeEC2) DescribeNatGateways(_ context.Context, in *ec2.DescribeNatGatewaysInput, _ ...func(*ec2.Options)) (*ec2.DescribeNatGatewaysOutput, error) {
	f.rec.record("DescribeNatGateways")
	if len(in.NatGatewayIds) > 0 {
		deleted := make([]ec2types.NatGateway, 0, len(in.NatGatewayIds))
		for _, id := range in.NatGatewayIds {
			deleted = append(deleted, ec2types.NatGateway{NatGatewayId: aws.String(id), State: ec2types.NatGatewayStateDeleted})
		}
		return &ec2.DescribeNatGatewaysOutput{NatGateways: deleted}, nil
	}
	return &ec2.DescribeNatGatewaysOutput{NatGateways: f.natGateways}, nil
}

func (f *fakeEC2) DeleteNatGateway(_ context.Context, _ *ec2.DeleteNatGatewayInput, _ ...func(*ec2.Options)) (*ec2.DeleteNatGatewayOutput, error) {
	f.rec.record("DeleteNatGateway")
	return &ec2.DeleteNatGatewayOutput{}, nil
}

func (f *fakeEC2) ReleaseAddress(_ context.Context, _ *ec2.ReleaseAddressInput, _ ...func(*ec2.Options)) (*ec2.ReleaseAddressOutput, error) {
	f.rec.record("ReleaseAddress")
	return &ec2.ReleaseAddressOutput{}, nil
}

func (f *fakeEC2) DescribeInternetGateways(_ context.Context, _ *ec2.DescribeInternetGatewaysInput, _ ...func(*ec2.Options)) (*ec2.DescribeInternetGatewaysOutput, error) {
	f.rec.record("DescribeInternetGateways")
	out := &ec2.DescribeInternetGatewaysOutput{}
	for _, id := range f.gateways {
		out.InternetGateways = append(out.InternetGateways, ec2types.InternetGateway{InternetGatewayId: aws.String(id)})
	}
	return out, nil
}

func (f *fakeEC2) DetachInternetGateway(_ context.Context, _ *ec2.DetachInternetGatewayInput, _ ...func(*ec2.Options)) (*ec2.DetachInternetGatewayOutput, error) {
	f.rec.record("DetachInternetGateway")
	return &ec2.DetachInternetGatewayOutput{}, nil
}

func (f *fakeEC2) DeleteInternetGateway(_ context.Context, _ *ec2.DeleteInternetGatewayInput, _ ...func(*ec2.Options)) (*ec2.DeleteInternetGatewayOutput, error) {
	f.rec.record("DeleteInternetGateway")
	return &ec2.DeleteInternetGatewayOutput{}, nil
}

func (f *fakeEC2) DescribeRouteTables(_ context.Context, _ *ec2.DescribeRouteTablesInput, _ ...func(*ec2.Options)) (*ec2.DescribeRouteTablesOutput, error) {
	f.rec.record("DescribeRouteTables")
	return &ec2.DescribeRouteTablesOutput{RouteTables: f.routeTables}, nil
}

func (f *fakeEC2) DisassociateRouteTable(_ context.Context, _ *ec2.DisassociateRouteTableInput, _ ...func(*ec2.Options)) (*ec2.DisassociateRouteTableOutput, error) {
	f.rec.record("DisassociateRouteTable")
	return &ec2.DisassociateRouteTableOutput{}, nil
}

func (f *fakeEC2) DeleteRouteTable(_ context.Context, in *ec2.DeleteRouteTableInput, _ ...func(*ec2.Options)) (*ec2.DeleteRouteTableOutput, error) {
	f.rec.record("DeleteRouteTable:" + aws.ToString(in.RouteTableId))
	return &ec2.DeleteRouteTableOutput{}, nil
}

func (f *fakeEC2) DescribeSecurityGroups(_ context.Context, _ *ec2.DescribeSecurityGroupsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error) {
	f.rec.record("DescribeSecurityGroups")
	return &ec2.DescribeSecurityGroupsOutput{SecurityGroups: f.securityGroups}, nil
}

func (f *fakeEC2) RevokeSecurityGroupIngress(_ context.Context, _ *ec2.RevokeSecurityGroupIngressInput, _ ...func(*ec2.Options)) (*ec2.RevokeSecurityGroupIngressOutput, error) {
	f.rec.record("RevokeSecurityGroupIngress")
	return &ec2.RevokeSecurityGroupIngressOutput{}, nil
}

func (f *fakeEC2) RevokeSecurityGroupEgress(_ context.Context, _ *ec2.RevokeSecurityGroupEgressInput, _ ...func(*ec2.Options)) (*ec2.RevokeSecurityGroupEgressOutput, error) {
	f.rec.record("RevokeSecurityGroupEgress")
	return &ec2.RevokeSecurityGroupEgressOutput{}, nil
}

func (f *fakeEC2) DeleteSecurityGroup(_ context.Context, in *ec2.DeleteSecurityGroupInput, _ ...func(*ec2.Options)) (*ec2.DeleteSecurityGroupOutput, error) {
	f.rec.record("DeleteSecurityGroup:" + aws.ToString(in.GroupId))
	return &ec2.DeleteSecurityGroupOutput{}, nil
}

func (f *fakeEC2) DescribeSubnets(_ context.Context, _ *ec2.DescribeSubnetsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error) {
	f.rec.record("DescribeSubnets")
	out := &ec2.DescribeSubnetsOutput{}
	for _, id := range f.subnets {
		out.Subnets = append(out.Subnets, ec2types.Subnet{SubnetId: aws.String(id)})
	}
	return out, nil
}

func (f *fakeEC2) DeleteSubnet(_ context.Context, _ *ec2.DeleteSubnetInput, _ ...func(*ec2.Options)) (*ec2.DeleteSubnetOutput, error) {
	f.rec.record("DeleteSubnet")
	if f.subnetBusy > 0 {
		f.subnetBusy--
		return nil, apiErr("DependencyViolation")
	}
	return &ec2.DeleteSubnetOutput{}, nil
}

func (f *fakeEC2) DeleteVpc(_ context.Context, _ *ec2.DeleteVpcInput, _ ...func(*ec2.Options)) (*ec2.DeleteVpcOutput, error) {
	f.rec.record("DeleteVpc")
	return &ec2.DeleteVpcOutput{}, nil
}

func (f *fakeEC2) DeleteLaunchTemplate(_ context.Context, _ *ec2.DeleteLaunchTemplateInput, _ ...func(*ec2.Options)) (*ec2.DeleteLaunchTemplateOutput, error) {
	f.rec.record("DeleteLaunchTemplate")
	return &ec2.DeleteLaunchTemplateOutput{}, nil
}

type fakeELB struct {
	ELBV2API
	rec *recorder

	vpcID         string
	loadBalancers []string
	listeners     []string
}

func (f *fakeELB) DescribeLoadBalancers(_ context.Context, in *elbv2.DescribeLoadBalancersInput, _ ...func(*elbv2.Options)) (*elbv2.DescribeLoadBalancersOutput, error) {
	f.rec.record("DescribeLoadBalancers")
	if len(in.LoadBalancerArns) > 0 {
		// lookups by ARN come from the deletion waiter
		return nil, apiErr("LoadBalancerNotFound")
	}
	out := &elbv2.DescribeLoadBalancersOutput{}
	for _, arn := range f.loadBalancers {
		out.LoadBalancers = append(out.LoadBalancers, elbtypes.LoadBalancer{LoadBalancerArn: aws.String(arn), VpcId: aws.String(f.vpcID)})
	}
	return out, nil
}

func (f *fakeELB) DeleteLoadBalancer(_ context.Context, _ *elbv2.DeleteLoadBalancerInput, _ ...func(*elbv2.Options)) (*elbv2.DeleteLoadBalancerOutput, error) {
	f.rec.record("DeleteLoadBalancer")
	return &elbv2.DeleteLoadBalancerOutput{}, nil
}

func (f *fakeELB) DescribeListeners(_ context.Context, _ *elbv2.DescribeListenersInput, _ ...func(*elbv2.Options)) (*elbv2.DescribeListenersOutput, error) {
	f.rec.record("DescribeListeners")
	out := &elbv2.DescribeListenersOutput{}
	for _, arn := range f.listeners {
		out.Listeners = append(out.Listeners, elbtypes.Listener{ListenerArn: aws.String(arn), Port: aws.Int32(HTTPPort)})
	}
	return out, nil
}

func (f *fakeELB) DeleteListener(_ context.Context, _ *elbv2.DeleteListenerInput, _ ...func(*elbv2.Options)) (*elbv2.DeleteListenerOutput, error) {
	f.rec.record("DeleteListener")
	return &elbv2.DeleteListenerOutput{}, nil
}

func (f *fakeELB) DeleteTargetGroup(_ context.Context, in *elbv2.DeleteTargetGroupInput, _ ...func(*elbv2.Options)) (*elbv2.DeleteTargetGroupOutput, error) {
	f.rec.record("DeleteTargetGroup:" + aws.ToString(in.TargetGroupArn))
	return &elbv2.DeleteTargetGroupOutput{}, nil
}

type fakeAutoScaling struct {
	AutoScalingAPI
	rec *recorder

	groups    map[string]bool
	instances int
	update    *autoscaling.UpdateAutoScalingGroupInput
	deleted   *autoscaling.DeleteAutoScalingGroupInput
}

func (f *fakeAutoScaling) DescribeAutoScalingGroups(_ context.Context, in *autoscaling.DescribeAutoScalingGroupsInput, _ ...func(*autoscaling.Options)) (*autoscaling.DescribeAutoScalingGroupsOutput, error) {
	f.rec.record("DescribeAutoScalingGroups")
	out := &autoscaling.DescribeAutoScalingGroupsOutput{AutoScalingGroups: []astypes.AutoScalingGroup{}}
	for _, name := range in.AutoScalingGroupNames {
		if !f.groups[name] {
			continue
		}
		group := astypes.AutoScalingGroup{AutoScalingGroupName: aws.String(name), DesiredCapacity: aws.Int32(0)}
		for i := 0; i < f.instances; i++ {
			group.Instances = append(group.Instances, astypes.Instance{LifecycleState: astypes.LifecycleStateInService})
		}
		// instances go away once the group is scaled in
		if f.update != nil {
			group.Instances = nil
		}
		out.AutoScalingGroups = append(out.AutoScalingGroups, group)
	}
	return out, nil
}

func (f *fakeAutoScaling) UpdateAutoScalingGroup(_ context.Context, in *autoscaling.UpdateAutoScalingGroupInput, _ ...func(*autoscaling.Options)) (*autoscaling.UpdateAutoScalingGroupOutput, error) {
	f.rec.record("UpdateAutoScalingGroup")
	f.update = in
	return &autoscaling.UpdateAutoScalingGroupOutput{}, nil
}

func (f *fakeAutoScaling) DetachLoadBalancerTargetGroups(_ context.Context, _ *autoscaling.DetachLoadBalancerTargetGroupsInput, _ ...func(*autoscaling.Options)) (*autoscaling.DetachLoadBalancerTargetGroupsOutput, error) {
	f.rec.record("DetachLoadBalancerTargetGroups")
	return &autoscaling.DetachLoadBalancerTargetGroupsOutput{}, nil
}

func (f *fakeAutoScaling) DescribePolicies(_ context.Context, _ *autoscaling.DescribePoliciesInput, _ ...func(*autoscaling.Options)) (*autoscaling.DescribePoliciesOutput, error) {
	f.rec.record("DescribePolicies")
	return &autoscaling.DescribePoliciesOutput{ScalingPolicies: []astypes.ScalingPolicy{{PolicyName: aws.String("cpu")}}}, nil
}

func (f *fakeAutoScaling) DeletePolicy(_ context.Context, _ *autoscaling.DeletePolicyInput, _ ...func(*autoscaling.Options)) (*autoscaling.DeletePolicyOutput, error) {
	f.rec.record("DeletePolicy")
	return &autoscaling.DeletePolicyOutput{}, nil
}

func (f *fakeAutoScaling) DeleteAutoScalingGroup(_ context.Context, in *autoscaling.DeleteAutoScalingGroupInput, _ ...func(*autoscaling.Options)) (*autoscaling.DeleteAutoScalingGroupOutput, error) {
	f.rec.record("DeleteAutoScalingGroup")
	f.deleted = in
	delete(f.groups, aws.ToString(in.AutoScalingGroupName))
	return &autoscaling.DeleteAutoScalingGroupOutput{}, nil
}

type fakeIAM struct {
	IAMAPI
	rec *recorder

	missing bool
}

func (f *fakeIAM) GetRole(_ context.Context, in *iam.GetRoleInput, _ ...func(*iam.Options)) (*iam.GetRoleOutput, error) {
	f.rec.record("GetRole")
	if f.missing {
		return nil, apiErr("NoSuchEntity")
	}
	return &iam.GetRoleOutput{Role: &iamtypes.Role{RoleName: in.RoleName}}, nil
}

func (f *fakeIAM) ListInstanceProfilesForRole(_ context.Context, in *iam.ListInstanceProfilesForRoleInput, _ ...func(*iam.Options)) (*iam.ListInstanceProfilesForRoleOutput, error) {
	f.rec.record("ListInstanceProfilesForRole")
	return &iam.ListInstanceProfilesForRoleOutput{InstanceProfiles: []iamtypes.InstanceProfile{{InstanceProfileName: in.RoleName}}}, nil
}

func (f *fakeIAM) RemoveRoleFromInstanceProfile(_ context.Context, _ *iam.RemoveRoleFromInstanceProfileInput, _ ...func(*iam.Options)) (*iam.RemoveRoleFromInstanceProfileOutput, error) {
	f.rec.record("RemoveRoleFromInstanceProfile")
	return &iam.RemoveRoleFromInstanceProfileOutput{}, nil
}

func (f *fakeIAM) DeleteInstanceProfile(_ context.Context, _ *iam.DeleteInstanceProfileInput, _ ...func(*iam.Options)) (*iam.DeleteInstanceProfileOutput, error) {
	f.rec.record("DeleteInstanceProfile")
	return &iam.DeleteInstanceProfileOutput{}, nil
}

func (f *fakeIAM) ListAttachedRolePolicies(_ context.Context, _ *iam.ListAttachedRolePoliciesInput, _ ...func(*iam.Options)) (*iam.ListAttachedRolePoliciesOutput, error) {
	f.rec.record("ListAttachedRolePolicies")
	return &iam.ListAttachedRolePoliciesOutput{AttachedPolicies: []iamtypes.AttachedPolicy{
		{PolicyArn: aws.String(PolicyECRReadOnly)},
		{PolicyArn: aws.String(PolicyCloudWatchAgent)},
	}}, nil
}

func (f *fakeIAM) DetachRolePolicy(_ context.Context, _ *iam.DetachRolePolicyInput, _ ...func(*iam.Options)) (*iam.DetachRolePolicyOutput, error) {
	f.rec.record("DetachRolePolicy")
	return &iam.DetachRolePolicyOutput{}, nil
}

func (f *fakeIAM) ListRolePolicies(_ context.Context, _ *iam.ListRolePoliciesInput, _ ...func(*iam.Options)) (*iam.ListRolePoliciesOutput, error) {
	f.rec.record("ListRolePolicies")
	return &iam.ListRolePoliciesOutput{PolicyNames: []string{"read-secret"}}, nil
}

func (f *fakeIAM) DeleteRolePolicy(_ context.Context, _ *iam.DeleteRolePolicyInput, _ ...func(*iam.Options)) (*iam.DeleteRolePolicyOutput, error) {
	f.rec.record("DeleteRolePolicy")
	return &iam.DeleteRolePolicyOutput{}, nil
}

func (f *fakeIAM) DeleteRole(_ context.Context, _ *iam.DeleteRoleInput, _ ...func(*iam.Options)) (*iam.DeleteRoleOutput, error) {
	f.rec.record("DeleteRole")
	return &iam.DeleteRoleOutput{}, nil
}

type fakeCloudWatch struct {
	CloudWatchAPI
	rec *recorder

	alarms     []*cloudwatch.PutMetricAlarmInput
	dashboard  string
	deletedAll []string
}

func (f *fakeCloudWatch) PutMetricAlarm(_ context.Context, in *cloudwatch.PutMetricAlarmInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricAlarmOutput, error) {
	f.rec.record("PutMetricAlarm")
	f.alarms = append(f.alarms, in)
	return &cloudwatch.PutMetricAlarmOutput{}, nil
}

func (f *fakeCloudWatch) PutDashboard(_ context.Context, in *cloudwatch.PutDashboardInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutDashboardOutput, error) {
	f.rec.record("PutDashboard")
	f.dashboard = aws.ToString(in.DashboardBody)
	return &cloudwatch.PutDashboardOutput{}, nil
}

func (f *fakeCloudWatch) DeleteAlarms(_ context.Context, in *cloudwatch.DeleteAlarmsInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.DeleteAlarmsOutput, error) {
	f.rec.record("DeleteAlarms")
	f.deletedAll = append(f.deletedAll, in.AlarmNames...)
	return &cloudwatch.DeleteAlarmsOutput{}, nil
}

func (f *fakeCloudWatch) DeleteDashboards(_ context.Context, _ *cloudwatch.DeleteDashboardsInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.DeleteDashboardsOutput, error) {
	f.rec.record("DeleteDashboards")
	return &cloudwatch.DeleteDashboardsOutput{}, nil
}

type fakeLogs struct {
	LogsAPI
	rec *recorder

	existing  map[string]bool
	retention map[string]int32
	filter    *cloudwatchlogs.PutMetricFilterInput
}

func (f *fakeLogs) CreateLogGroup(_ context.Context, in *cloudwatchlogs.CreateLogGroupInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogGroupOutput, error) {
	f.rec.record("CreateLogGroup")
	if f.existing[aws.ToString(in.LogGroupName)] {
		return nil, apiErr("ResourceAlreadyExistsException")
	}
	return &cloudwatchlogs.CreateLogGroupOutput{}, nil
}

func (f *fakeLogs) PutRetentionPolicy(_ context.Context, in *cloudwatchlogs.PutRetentionPolicyInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutRetentionPolicyOutput, error) {
	f.rec.record("PutRetentionPolicy")
	if f.retention == nil {
		f.retention = map[string]int32{}
	}
	f.retention[aws.ToString(in.LogGroupName)] = aws.ToInt32(in.RetentionInDays)
	return &cloudwatchlogs.PutRetentionPolicyOutput{}, nil
}

func (f *fakeLogs) PutMetricFilter(_ context.Context, in *cloudwatchlogs.PutMetricFilterInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutMetricFilterOutput, error) {
	f.rec.record("PutMetricFilter")
	f.filter = in
	return &cloudwatchlogs.PutMetricFilterOutput{}, nil
}

func (f *fakeLogs) DeleteMetricFilter(_ context.Context, _ *cloudwatchlogs.DeleteMetricFilterInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.DeleteMetricFilterOutput, error) {
	f.rec.record("DeleteMetricFilter")
	return &cloudwatchlogs.DeleteMetricFilterOutput{}, nil
}

func (f *fakeLogs) DeleteLogGroup(_ context.Context, _ *cloudwatchlogs.DeleteLogGroupInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.DeleteLogGroupOutput, error) {
	f.rec.record("DeleteLogGroup")
	return &cloudwatchlogs.DeleteLogGroupOutput{}, nil
}

type fakeSNS struct {
	SNSAPI
	rec *recorder

	subscribed []string
	published  []*sns.PublishInput
}

func (f *fakeSNS) CreateTopic(_ context.Context, in *sns.CreateTopicInput, _ ...func(*sns.Options)) (*sns.CreateTopicOutput, error) {
	f.rec.record("CreateTopic")
	return &sns.CreateTopicOutput{TopicArn: aws.String("arn:aws:sns:eu-west-1:000000000000:" + aws.ToString(in.Name))}, nil
}

func (f *fakeSNS) Subscribe(_ context.Context, in *sns.SubscribeInput, _ ...func(*sns.Options)) (*sns.SubscribeOutput, error) {
	f.rec.record("Subscribe")
	f.subscribed = append(f.subscribed, aws.ToString(in.Endpoint))
	return &sns.SubscribeOutput{}, nil
}

func (f *fakeSNS) Publish(_ context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.rec.record("Publish")
	f.published = append(f.published, in)
	return &sns.PublishOutput{MessageId: aws.String("msg-1")}, nil
}

func (f *fakeSNS) DeleteTopic(_ context.Context, _ *sns.DeleteTopicInput, _ ...func(*sns.Options)) (*sns.DeleteTopicOutput, error) {
	f.rec.record("DeleteTopic")
	return &sns.DeleteTopicOutput{}, nil
}

type fakeSTS struct {
	STSAPI
	rec *recorder
}

func (f *fakeSTS) GetCallerIdentity(_ context.Context, _ *sts.GetCallerIdentityInput, _ ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	f.rec.record("GetCallerIdentity")
	return &sts.GetCallerIdentityOutput{Account: aws.String("000000000000")}, nil
}

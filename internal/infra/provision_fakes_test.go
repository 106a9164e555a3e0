package infra

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	astypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	elbtypes "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// The fakes in this file keep just enough state for the create paths to
// converge: lookups see what earlier create calls made.

type provisionEC2 struct {
	EC2API
	rec *recorder

	mu             sync.Mutex
	vpcID          string
	groups         map[string]string
	duplicateRules bool
	ingress        map[string][]ec2types.IpPermission
	egress         map[string][]ec2types.IpPermission
	subnets        []*ec2.CreateSubnetInput
	routes         []*ec2.CreateRouteInput
	template       *ec2.CreateLaunchTemplateInput
	instances      []string
	run            *ec2.RunInstancesInput
	profileLag     int
	nextID         int
}

func newProvisionEC2(rec *recorder) *provisionEC2 {
	return &provisionEC2{
		rec:     rec,
		groups:  map[string]string{},
		ingress: map[string][]ec2types.IpPermission{},
		egress:  map[string][]ec2types.IpPermission{},
	}
}

func (f *provisionEC2) id(prefix string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

func (f *provisionEC2) DescribeVpcs(_ context.Context, _ *ec2.DescribeVpcsInput, _ ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error) {
	f.rec.record("DescribeVpcs")
	if f.vpcID == "" {
		return &ec2.DescribeVpcsOutput{}, nil
	}
	return &ec2.DescribeVpcsOutput{Vpcs: []ec2types.Vpc{{VpcId: aws.String(f.vpcID)}}}, nil
}

func (f *provisionEC2) CreateTags(_ context.Context, _ *ec2.CreateTagsInput, _ ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error) {
	f.rec.record("CreateTags")
	return &ec2.CreateTagsOutput{}, nil
}

func (f *provisionEC2) CreateVpc(_ context.Context, _ *ec2.CreateVpcInput, _ ...func(*ec2.Options)) (*ec2.CreateVpcOutput, error) {
	f.rec.record("CreateVpc")
	f.vpcID = f.id("vpc")
	return &ec2.CreateVpcOutput{Vpc: &ec2types.Vpc{VpcId: aws.String(f.vpcID)}}, nil
}

func (f *provisionEC2) ModifyVpcAttribute(_ context.Context, _ *ec2.ModifyVpcAttributeInput, _ ...func(*ec2.Options)) (*ec2.ModifyVpcAttributeOutput, error) {
	f.rec.record("ModifyVpcAttribute")
	return &ec2.ModifyVpcAttributeOutput{}, nil
}

func (f *provisionEC2) DescribeInternetGateways(_ context.Context, _ *ec2.DescribeInternetGatewaysInput, _ ...func(*ec2.Options)) (*ec2.DescribeInternetGatewaysOutput, error) {
	f.rec.record("DescribeInternetGateways")
	return &ec2.DescribeInternetGatewaysOutput{}, nil
}

func (f *provisionEC2) CreateInternetGateway(_ context.Context, _ *ec2.CreateInternetGatewayInput, _ ...func(*ec2.Options)) (*ec2.CreateInternetGatewayOutput, error) {
	f.rec.record("CreateInternetGateway")
	return &ec2.CreateInternetGatewayOutput{InternetGateway: &ec2types.InternetGateway{InternetGatewayId: aws.String("igw-1")}}, nil
}

func (f *provisionEC2) AttachInternetGateway(_ context.Context, _ *ec2.AttachInternetGatewayInput, _ ...func(*ec2.Options)) (*ec2.AttachInternetGatewayOutput, error) {
	f.rec.record("AttachInternetGateway")
	return &ec2.AttachInternetGatewayOutput{}, nil
}

func (f *provisionEC2) DescribeAvailabilityZones(_ context.Context, _ *ec2.DescribeAvailabilityZonesInput, _ ...func(*ec2.Options)) (*ec2.DescribeAvailabilityZonesOutput, error) {
	f.rec.record("DescribeAvailabilityZones")
	return &ec2.DescribeAvailabilityZonesOutput{AvailabilityZones: []ec2types.AvailabilityZone{
		{ZoneName: aws.String("eu-west-1c")},
		{ZoneName: aws.String("eu-west-1a")},
		{ZoneName: aws.String("eu-west-1b")},
	}}, nil
}

func (f *provisionEC2) DescribeSubnets(_ context.Context, _ *ec2.DescribeSubnetsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error) {
	f.rec.record("DescribeSubnets")
	return &ec2.DescribeSubnetsOutput{}, nil
}

func (f *provisionEC2) CreateSubnet(_ context.Context, in *ec2.CreateSubnetInput, _ ...func(*ec2.Options)) (*ec2.CreateSubnetOutput, error) {
	f.rec.record("CreateSubnet")
	f.subnets = append(f.subnets, in)
	return &ec2.CreateSubnetOutput{Subnet: &ec2types.Subnet{SubnetId: aws.String(f.id("subnet"))}}, nil
}

func (f *provisionEC2) ModifySubnetAttribute(_ context.Context, _ *ec2.ModifySubnetAttributeInput, _ ...func(*ec2.Options)) (*ec2.ModifySubnetAttributeOutput, error) {
	f.rec.record("ModifySubnetAttribute")
	return &ec2.ModifySubnetAttributeOutput{}, nil
}

func (f *provisionEC2) DescribeRouteTables(_ context.Context, _ *ec2.DescribeRouteTablesInput, _ ...func(*ec2.Options)) (*ec2.DescribeRouteTablesOutput, error) {
	f.rec.record("DescribeRouteTables")
	return &ec2.DescribeRouteTablesOutput{}, nil
}

func (f *provisionEC2) CreateRouteTable(_ context.Context, _ *ec2.CreateRouteTableInput, _ ...func(*ec2.Options)) (*ec2.CreateRouteTableOutput, error) {
	f.rec.record("CreateRouteTable")
	return &ec2.CreateRouteTableOutput{RouteTable: &ec2types.RouteTable{RouteTableId: aws.String(f.id("rtb"))}}, nil
}

func (f *provisionEC2) CreateRoute(_ context.Context, in *ec2.CreateRouteInput, _ ...func(*ec2.Options)) (*ec2.CreateRouteOutput, error) {
	f.rec.record("CreateRoute")
	f.routes = append(f.routes, in)
	return &ec2.CreateRouteOutput{}, nil
}

func (f *provisionEC2) AssociateRouteTable(_ context.Context, _ *ec2.AssociateRouteTableInput, _ ...func(*ec2.Options)) (*ec2.AssociateRouteTableOutput, error) {
	f.rec.record("AssociateRouteTable")
	return &ec2.AssociateRouteTableOutput{}, nil
}

func (f *provisionEC2) DescribeNatGateways(_ context.Context, in *ec2.DescribeNatGatewaysInput, _ ...func(*ec2.Options)) (*ec2.DescribeNatGatewaysOutput, error) {
	f.rec.record("DescribeNatGateways")
	var out ec2.DescribeNatGatewaysOutput
	for _, id := range in.NatGatewayIds {
		out.NatGateways = append(out.NatGateways, ec2types.NatGateway{NatGatewayId: aws.String(id), State: ec2types.NatGatewayStateAvailable})
	}
	return &out, nil
}

func (f *provisionEC2) AllocateAddress(_ context.Context, _ *ec2.AllocateAddressInput, _ ...func(*ec2.Options)) (*ec2.AllocateAddressOutput, error) {
	f.rec.record("AllocateAddress")
	return &ec2.AllocateAddressOutput{AllocationId: aws.String("eipalloc-1"), PublicIp: aws.String("203.0.113.1")}, nil
}

func (f *provisionEC2) CreateNatGateway(_ context.Context, _ *ec2.CreateNatGatewayInput, _ ...func(*ec2.Options)) (*ec2.CreateNatGatewayOutput, error) {
	f.rec.record("CreateNatGateway")
	return &ec2.CreateNatGatewayOutput{NatGateway: &ec2types.NatGateway{NatGatewayId: aws.String("nat-1")}}, nil
}

func (f *provisionEC2) DescribeSecurityGroups(_ context.Context, in *ec2.DescribeSecurityGroupsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error) {
	f.rec.record("DescribeSecurityGroups")
	f.mu.Lock()
	defer f.mu.Unlock()
	var out ec2.DescribeSecurityGroupsOutput
	for _, flt := range in.Filters {
		if aws.ToString(flt.Name) != "group-name" {
			continue
		}
		for _, name := range flt.Values {
			if id, ok := f.groups[name]; ok {
				out.SecurityGroups = append(out.SecurityGroups, ec2types.SecurityGroup{GroupId: aws.String(id), GroupName: aws.String(name)})
			}
		}
	}
	return &out, nil
}

func (f *provisionEC2) CreateSecurityGroup(_ context.Context, in *ec2.CreateSecurityGroupInput, _ ...func(*ec2.Options)) (*ec2.CreateSecurityGroupOutput, error) {
	f.rec.record("CreateSecurityGroup")
	f.mu.Lock()
	defer f.mu.Unlock()
	id := "sg-" + aws.ToString(in.GroupName)
	f.groups[aws.ToString(in.GroupName)] = id
	return &ec2.CreateSecurityGroupOutput{GroupId: aws.String(id)}, nil
}

func (f *provisionEC2) AuthorizeSecurityGroupIngress(_ context.Context, in *ec2.AuthorizeSecurityGroupIngressInput, _ ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error) {
	f.rec.record("AuthorizeSecurityGroupIngress")
	if f.duplicateRules {
		return nil, apiErr("InvalidPermission.Duplicate")
	}
	id := aws.ToString(in.GroupId)
	f.ingress[id] = append(f.ingress[id], in.IpPermissions...)
	return &ec2.AuthorizeSecurityGroupIngressOutput{}, nil
}

func (f *provisionEC2) AuthorizeSecurityGroupEgress(_ context.Context, in *ec2.AuthorizeSecurityGroupEgressInput, _ ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupEgressOutput, error) {
	f.rec.record("AuthorizeSecurityGroupEgress")
	if f.duplicateRules {
		return nil, apiErr("InvalidPermission.Duplicate")
	}
	id := aws.ToString(in.GroupId)
	f.egress[id] = append(f.egress[id], in.IpPermissions...)
	return &ec2.AuthorizeSecurityGroupEgressOutput{}, nil
}

func (f *provisionEC2) DescribeImages(_ context.Context, _ *ec2.DescribeImagesInput, _ ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error) {
	f.rec.record("DescribeImages")
	return &ec2.DescribeImagesOutput{Images: []ec2types.Image{
		{ImageId: aws.String("ami-old"), CreationDate: aws.String("2025-01-10T00:00:00.000Z")},
		{ImageId: aws.String("ami-new"), CreationDate: aws.String("2025-06-01T00:00:00.000Z")},
	}}, nil
}

func (f *provisionEC2) DescribeLaunchTemplates(_ context.Context, _ *ec2.DescribeLaunchTemplatesInput, _ ...func(*ec2.Options)) (*ec2.DescribeLaunchTemplatesOutput, error) {
	f.rec.record("DescribeLaunchTemplates")
	if f.template == nil {
		return nil, apiErr("InvalidLaunchTemplateName.NotFoundException")
	}
	return &ec2.DescribeLaunchTemplatesOutput{LaunchTemplates: []ec2types.LaunchTemplate{{LaunchTemplateId: aws.String("lt-1")}}}, nil
}

func (f *provisionEC2) CreateLaunchTemplate(_ context.Context, in *ec2.CreateLaunchTemplateInput, _ ...func(*ec2.Options)) (*ec2.CreateLaunchTemplateOutput, error) {
	f.rec.record("CreateLaunchTemplate")
	f.template = in
	return &ec2.CreateLaunchTemplateOutput{LaunchTemplate: &ec2types.LaunchTemplate{LaunchTemplateId: aws.String("lt-1")}}, nil
}

func (f *provisionEC2) DescribeInstances(_ context.Context, in *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	f.rec.record("DescribeInstances")
	ids := in.InstanceIds
	if len(ids) == 0 {
		ids = f.instances
	}
	var instances []ec2types.Instance
	for _, id := range ids {
		instances = append(instances, ec2types.Instance{
			InstanceId:      aws.String(id),
			State:           &ec2types.InstanceState{Name: ec2types.InstanceStateNameRunning},
			PublicIpAddress: aws.String("203.0.113.10"),
			PublicDnsName:   aws.String("ec2-203-0-113-10.eu-west-1.compute.amazonaws.com"),
		})
	}
	if len(instances) == 0 {
		return &ec2.DescribeInstancesOutput{}, nil
	}
	return &ec2.DescribeInstancesOutput{Reservations: []ec2types.Reservation{{Instances: instances}}}, nil
}

func (f *provisionEC2) RunInstances(_ context.Context, in *ec2.RunInstancesInput, _ ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	f.rec.record("RunInstances")
	if f.profileLag > 0 {
		f.profileLag--
		return nil, apiErr("InvalidParameterValue")
	}
	f.run = in
	id := f.id("i")
	f.instances = append(f.instances, id)
	return &ec2.RunInstancesOutput{Instances: []ec2types.Instance{{InstanceId: aws.String(id)}}}, nil
}

type provisionELB struct {
	ELBV2API
	rec *recorder

	loadBalancer  *elbv2.CreateLoadBalancerInput
	existingTG    map[string]bool
	listener      string
	rulePatterns  []string
	priorityInUse map[int32]bool
	rules         map[string]int32
}

func newProvisionELB(rec *recorder) *provisionELB {
	return &provisionELB{rec: rec, existingTG: map[string]bool{}, priorityInUse: map[int32]bool{}, rules: map[string]int32{}}
}

func (f *provisionELB) DescribeLoadBalancers(_ context.Context, in *elbv2.DescribeLoadBalancersInput, _ ...func(*elbv2.Options)) (*elbv2.DescribeLoadBalancersOutput, error) {
	f.rec.record("DescribeLoadBalancers")
	if f.loadBalancer == nil {
		return nil, apiErr("LoadBalancerNotFound")
	}
	return &elbv2.DescribeLoadBalancersOutput{LoadBalancers: []elbtypes.LoadBalancer{{
		LoadBalancerArn: aws.String("arn:alb/shop-alb"),
		DNSName:         aws.String("shop-alb-1.eu-west-1.elb.amazonaws.com"),
		State:           &elbtypes.LoadBalancerState{Code: elbtypes.LoadBalancerStateEnumActive},
	}}}, nil
}

func (f *provisionELB) CreateLoadBalancer(_ context.Context, in *elbv2.CreateLoadBalancerInput, _ ...func(*elbv2.Options)) (*elbv2.CreateLoadBalancerOutput, error) {
	f.rec.record("CreateLoadBalancer")
	f.loadBalancer = in
	return &elbv2.CreateLoadBalancerOutput{LoadBalancers: []elbtypes.LoadBalancer{{
		LoadBalancerArn: aws.String("arn:alb/shop-alb"),
		DNSName:         aws.String("shop-alb-1.eu-west-1.elb.amazonaws.com"),
	}}}, nil
}

func (f *provisionELB) CreateTargetGroup(_ context.Context, in *elbv2.CreateTargetGroupInput, _ ...func(*elbv2.Options)) (*elbv2.CreateTargetGroupOutput, error) {
	f.rec.record("CreateTargetGroup")
	name := aws.ToString(in.Name)
	if f.existingTG[name] {
		return nil, apiErr("DuplicateTargetGroupName")
	}
	return &elbv2.CreateTargetGroupOutput{TargetGroups: []elbtypes.TargetGroup{{TargetGroupArn: aws.String("arn:tg/" + name)}}}, nil
}

func (f *provisionELB) DescribeTargetGroups(_ context.Context, in *elbv2.DescribeTargetGroupsInput, _ ...func(*elbv2.Options)) (*elbv2.DescribeTargetGroupsOutput, error) {
	f.rec.record("DescribeTargetGroups")
	var out elbv2.DescribeTargetGroupsOutput
	for _, name := range in.Names {
		out.TargetGroups = append(out.TargetGroups, elbtypes.TargetGroup{TargetGroupArn: aws.String("arn:tg/existing/" + name)})
	}
	return &out, nil
}

func (f *provisionELB) DescribeListeners(_ context.Context, _ *elbv2.DescribeListenersInput, _ ...func(*elbv2.Options)) (*elbv2.DescribeListenersOutput, error) {
	f.rec.record("DescribeListeners")
	if f.listener == "" {
		return &elbv2.DescribeListenersOutput{}, nil
	}
	return &elbv2.DescribeListenersOutput{Listeners: []elbtypes.Listener{{ListenerArn: aws.String(f.listener), Port: aws.Int32(HTTPPort)}}}, nil
}

func (f *provisionELB) CreateListener(_ context.Context, _ *elbv2.CreateListenerInput, _ ...func(*elbv2.Options)) (*elbv2.CreateListenerOutput, error) {
	f.rec.record("CreateListener")
	f.listener = "arn:listener/shop-alb/80"
	return &elbv2.CreateListenerOutput{Listeners: []elbtypes.Listener{{ListenerArn: aws.String(f.listener)}}}, nil
}

func (f *provisionELB) DescribeRules(_ context.Context, _ *elbv2.DescribeRulesInput, _ ...func(*elbv2.Options)) (*elbv2.DescribeRulesOutput, error) {
	f.rec.record("DescribeRules")
	var out elbv2.DescribeRulesOutput
	for _, p := range f.rulePatterns {
		out.Rules = append(out.Rules, elbtypes.Rule{Conditions: []elbtypes.RuleCondition{{Field: aws.String("path-pattern"), Values: []string{p}}}})
	}
	return &out, nil
}

func (f *provisionELB) CreateRule(_ context.Context, in *elbv2.CreateRuleInput, _ ...func(*elbv2.Options)) (*elbv2.CreateRuleOutput, error) {
	f.rec.record("CreateRule")
	priority := aws.ToInt32(in.Priority)
	if f.priorityInUse[priority] {
		return nil, apiErr("PriorityInUse")
	}
	f.rules[in.Conditions[0].Values[0]] = priority
	return &elbv2.CreateRuleOutput{}, nil
}

type provisionAutoScaling struct {
	AutoScalingAPI
	rec *recorder

	exists  bool
	created *autoscaling.CreateAutoScalingGroupInput
	policy  *autoscaling.PutScalingPolicyInput
}

func (f *provisionAutoScaling) DescribeAutoScalingGroups(_ context.Context, in *autoscaling.DescribeAutoScalingGroupsInput, _ ...func(*autoscaling.Options)) (*autoscaling.DescribeAutoScalingGroupsOutput, error) {
	f.rec.record("DescribeAutoScalingGroups")
	out := &autoscaling.DescribeAutoScalingGroupsOutput{AutoScalingGroups: []astypes.AutoScalingGroup{}}
	if f.exists {
		out.AutoScalingGroups = append(out.AutoScalingGroups, astypes.AutoScalingGroup{
			AutoScalingGroupName: aws.String(in.AutoScalingGroupNames[0]),
			DesiredCapacity:      aws.Int32(2),
		})
	}
	return out, nil
}

func (f *provisionAutoScaling) CreateAutoScalingGroup(_ context.Context, in *autoscaling.CreateAutoScalingGroupInput, _ ...func(*autoscaling.Options)) (*autoscaling.CreateAutoScalingGroupOutput, error) {
	f.rec.record("CreateAutoScalingGroup")
	f.created = in
	f.exists = true
	return &autoscaling.CreateAutoScalingGroupOutput{}, nil
}

func (f *provisionAutoScaling) PutScalingPolicy(_ context.Context, in *autoscaling.PutScalingPolicyInput, _ ...func(*autoscaling.Options)) (*autoscaling.PutScalingPolicyOutput, error) {
	f.rec.record("PutScalingPolicy")
	f.policy = in
	return &autoscaling.PutScalingPolicyOutput{}, nil
}

type provisionIAM struct {
	IAMAPI
	rec *recorder

	roles    map[string]bool
	profiles map[string][]string
	managed  map[string][]string
	inline   map[string][]string
}

func newProvisionIAM(rec *recorder) *provisionIAM {
	return &provisionIAM{
		rec:      rec,
		roles:    map[string]bool{},
		profiles: map[string][]string{},
		managed:  map[string][]string{},
		inline:   map[string][]string{},
	}
}

func (f *provisionIAM) GetRole(_ context.Context, in *iam.GetRoleInput, _ ...func(*iam.Options)) (*iam.GetRoleOutput, error) {
	f.rec.record("GetRole")
	name := aws.ToString(in.RoleName)
	if !f.roles[name] {
		return nil, apiErr("NoSuchEntity")
	}
	return &iam.GetRoleOutput{Role: &iamtypes.Role{RoleName: in.RoleName, Arn: aws.String("arn:aws:iam::000000000000:role/" + name)}}, nil
}

func (f *provisionIAM) CreateRole(_ context.Context, in *iam.CreateRoleInput, _ ...func(*iam.Options)) (*iam.CreateRoleOutput, error) {
	f.rec.record("CreateRole")
	name := aws.ToString(in.RoleName)
	f.roles[name] = true
	return &iam.CreateRoleOutput{Role: &iamtypes.Role{RoleName: in.RoleName, Arn: aws.String("arn:aws:iam::000000000000:role/" + name)}}, nil
}

func (f *provisionIAM) AttachRolePolicy(_ context.Context, in *iam.AttachRolePolicyInput, _ ...func(*iam.Options)) (*iam.AttachRolePolicyOutput, error) {
	f.rec.record("AttachRolePolicy")
	name := aws.ToString(in.RoleName)
	f.managed[name] = append(f.managed[name], aws.ToString(in.PolicyArn))
	return &iam.AttachRolePolicyOutput{}, nil
}

func (f *provisionIAM) PutRolePolicy(_ context.Context, in *iam.PutRolePolicyInput, _ ...func(*iam.Options)) (*iam.PutRolePolicyOutput, error) {
	f.rec.record("PutRolePolicy")
	name := aws.ToString(in.RoleName)
	f.inline[name] = append(f.inline[name], aws.ToString(in.PolicyName))
	return &iam.PutRolePolicyOutput{}, nil
}

func (f *provisionIAM) GetInstanceProfile(_ context.Context, in *iam.GetInstanceProfileInput, _ ...func(*iam.Options)) (*iam.GetInstanceProfileOutput, error) {
	f.rec.record("GetInstanceProfile")
	name := aws.ToString(in.InstanceProfileName)
	roles, ok := f.profiles[name]
	if !ok {
		return nil, apiErr("NoSuchEntity")
	}
	profile := &iamtypes.InstanceProfile{InstanceProfileName: in.InstanceProfileName}
	for _, r := range roles {
		profile.Roles = append(profile.Roles, iamtypes.Role{RoleName: aws.String(r)})
	}
	return &iam.GetInstanceProfileOutput{InstanceProfile: profile}, nil
}

func (f *provisionIAM) CreateInstanceProfile(_ context.Context, in *iam.CreateInstanceProfileInput, _ ...func(*iam.Options)) (*iam.CreateInstanceProfileOutput, error) {
	f.rec.record("CreateInstanceProfile")
	f.profiles[aws.ToString(in.InstanceProfileName)] = nil
	return &iam.CreateInstanceProfileOutput{InstanceProfile: &iamtypes.InstanceProfile{InstanceProfileName: in.InstanceProfileName}}, nil
}

func (f *provisionIAM) AddRoleToInstanceProfile(_ context.Context, in *iam.AddRoleToInstanceProfileInput, _ ...func(*iam.Options)) (*iam.AddRoleToInstanceProfileOutput, error) {
	f.rec.record("AddRoleToInstanceProfile")
	name := aws.ToString(in.InstanceProfileName)
	f.profiles[name] = append(f.profiles[name], aws.ToString(in.RoleName))
	return &iam.AddRoleToInstanceProfileOutput{}, nil
}

type provisionSecrets struct {
	SecretsAPI
	rec *recorder

	exists bool
}

func (f *provisionSecrets) DescribeSecret(_ context.Context, in *secretsmanager.DescribeSecretInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.DescribeSecretOutput, error) {
	f.rec.record("DescribeSecret")
	if !f.exists {
		return nil, apiErr("ResourceNotFoundException")
	}
	return &secretsmanager.DescribeSecretOutput{ARN: aws.String("arn:secret:" + aws.ToString(in.SecretId))}, nil
}

func (f *provisionSecrets) CreateSecret(_ context.Context, in *secretsmanager.CreateSecretInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error) {
	f.rec.record("CreateSecret")
	f.exists = true
	return &secretsmanager.CreateSecretOutput{ARN: aws.String("arn:secret:" + aws.ToString(in.Name))}, nil
}

// provisionLambda rejects a configuration update that arrives while a code
// update is still being applied, like Lambda does.
type provisionLambda struct {
	LambdaAPI
	rec *recorder

	exists   bool
	updating bool
	created  *lambda.CreateFunctionInput
}

func (f *provisionLambda) GetFunction(_ context.Context, in *lambda.GetFunctionInput, _ ...func(*lambda.Options)) (*lambda.GetFunctionOutput, error) {
	f.rec.record("GetFunction")
	if !f.exists {
		return nil, apiErr("ResourceNotFoundException")
	}
	f.updating = false
	return &lambda.GetFunctionOutput{Configuration: &lambdatypes.FunctionConfiguration{
		FunctionName:     in.FunctionName,
		FunctionArn:      aws.String("arn:aws:lambda:eu-west-1:000000000000:function:" + aws.ToString(in.FunctionName)),
		State:            lambdatypes.StateActive,
		LastUpdateStatus: lambdatypes.LastUpdateStatusSuccessful,
	}}, nil
}

func (f *provisionLambda) CreateFunction(_ context.Context, in *lambda.CreateFunctionInput, _ ...func(*lambda.Options)) (*lambda.CreateFunctionOutput, error) {
	f.rec.record("CreateFunction")
	f.created = in
	f.exists = true
	return &lambda.CreateFunctionOutput{FunctionArn: aws.String("arn:aws:lambda:eu-west-1:000000000000:function:" + aws.ToString(in.FunctionName))}, nil
}

func (f *provisionLambda) UpdateFunctionCode(_ context.Context, _ *lambda.UpdateFunctionCodeInput, _ ...func(*lambda.Options)) (*lambda.UpdateFunctionCodeOutput, error) {
	f.rec.record("UpdateFunctionCode")
	f.updating = true
	return &lambda.UpdateFunctionCodeOutput{}, nil
}

func (f *provisionLambda) UpdateFunctionConfiguration(_ context.Context, _ *lambda.UpdateFunctionConfigurationInput, _ ...func(*lambda.Options)) (*lambda.UpdateFunctionConfigurationOutput, error) {
	f.rec.record("UpdateFunctionConfiguration")
	if f.updating {
		return nil, apiErr("ResourceConflictException")
	}
	f.updating = true
	return &lambda.UpdateFunctionConfigurationOutput{}, nil
}

// provisionClients wires the stateful fakes over the shared test clients
func provisionClients(rec *recorder) *AWSClients {
	clients := newTestClients(rec)
	clients.EC2 = newProvisionEC2(rec)
	clients.ELB = newProvisionELB(rec)
	clients.AutoScaling = &provisionAutoScaling{rec: rec}
	clients.IAM = newProvisionIAM(rec)
	clients.Secrets = &provisionSecrets{rec: rec, exists: true}
	clients.Lambda = &provisionLambda{rec: rec}
	return clients
}

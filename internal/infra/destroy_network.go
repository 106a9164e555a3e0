package infra

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
)

// NetworkResources is everything found inside a VPC that must go before
// the VPC itself can be deleted.
type NetworkResources struct {
	VPCID            string
	Instances        []string
	LoadBalancers    []string
	Endpoints        []string
	NATGateways      []string
	ElasticIPs       []string
	InternetGateways []string
	RouteTables      []ec2types.RouteTable
	SecurityGroups   []ec2types.SecurityGroup
	Subnets          []string
}

// DiscoverNetwork lists the dependencies of vpcID
func DiscoverNetwork(ctx context.Context, clients *AWSClients, vpcID string) (*NetworkResources, error) {
	res := &NetworkResources{VPCID: vpcID}
	byVPC := []ec2types.Filter{vpcFilter(vpcID)}

	instances := ec2.NewDescribeInstancesPaginator(clients.EC2, &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{
			vpcFilter(vpcID),
			filter("instance-state-name", "pending", "running", "stopping", "stopped"),
		},
	})
	for instances.HasMorePages() {
		page, err := instances.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("describing instances: %w", err)
		}
		for _, r := range page.Reservations {
			for _, i := range r.Instances {
				res.Instances = append(res.Instances, aws.ToString(i.InstanceId))
			}
		}
	}

	lbs := elbv2.NewDescribeLoadBalancersPaginator(clients.ELB, &elbv2.DescribeLoadBalancersInput{})
	for lbs.HasMorePages() {
		page, err := lbs.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("describing load balancers: %w", err)
		}
		for _, lb := range page.LoadBalancers {
			if aws.ToString(lb.VpcId) == vpcID {
				res.LoadBalancers = append(res.LoadBalancers, aws.ToString(lb.LoadBalancerArn))
			}
		}
	}

	endpoints, err := clients.EC2.DescribeVpcEndpoints(ctx, &ec2.DescribeVpcEndpointsInput{Filters: byVPC})
	if err != nil {
		return nil, fmt.Errorf("describing VPC endpoints: %w", err)
	}
	for _, e := range endpoints.VpcEndpoints {
		res.Endpoints = append(res.Endpoints, aws.ToString(e.VpcEndpointId))
	}

	nats, err := clients.EC2.DescribeNatGateways(ctx, &ec2.DescribeNatGatewaysInput{
		Filter: []ec2types.Filter{vpcFilter(vpcID), filter("state", "pending", "available", "failed")},
	})
	if err != nil {
		return nil, fmt.Errorf("describing NAT gateways: %w", err)
	}
	for _, n := range nats.NatGateways {
		res.NATGateways = append(res.NATGateways, aws.ToString(n.NatGatewayId))
		for _, addr := range n.NatGatewayAddresses {
			if id := aws.ToString(addr.AllocationId); id != "" {
				res.ElasticIPs = append(res.ElasticIPs, id)
			}
		}
	}

	igws, err := clients.EC2.DescribeInternetGateways(ctx, &ec2.DescribeInternetGatewaysInput{
		Filters: []ec2types.Filter{filter("attachment.vpc-id", vpcID)},
	})
	if err != nil {
		return nil, fmt.Errorf("describing internet gateways: %w", err)
	}
	for _, g := range igws.InternetGateways {
		res.InternetGateways = append(res.InternetGateways, aws.ToString(g.InternetGatewayId))
	}

	tables, err := clients.EC2.DescribeRouteTables(ctx, &ec2.DescribeRouteTablesInput{Filters: byVPC})
	if err != nil {
		return nil, fmt.Errorf("describing route tables: %w", err)
	}
	for _, rt := range tables.RouteTables {
		if !isMainRouteTable(rt) {
			res.RouteTables = append(res.RouteTables, rt)
		}
	}

	groups, err := clients.EC2.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{Filters: byVPC})
	if err != nil {
		return nil, fmt.Errorf("describing security groups: %w", err)
	}
	for _, g := range groups.SecurityGroups {
		if aws.ToString(g.GroupName) != "default" {
			res.SecurityGroups = append(res.SecurityGroups, g)
		}
	}

	subnets, err := clients.EC2.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{Filters: byVPC})
	if err != nil {
		return nil, fmt.Errorf("describing subnets: %w", err)
	}
	for _, s := range subnets.Subnets {
		res.Subnets = append(res.Subnets, aws.ToString(s.SubnetId))
	}

	slog.Info("discovered network resources",
		"vpc_id", vpcID,
		"instances", len(res.Instances),
		"load_balancers", len(res.LoadBalancers),
		"endpoints", len(res.Endpoints),
		"nat_gateways", len(res.NATGateways),
		"route_tables", len(res.RouteTables),
		"security_groups", len(res.SecurityGroups),
		"subnets", len(res.Subnets))
	return res, nil
}

func isMainRouteTable(rt ec2types.RouteTable) bool {
	for _, a := range rt.Associations {
		if aws.ToBool(a.Main) {
			return true
		}
	}
	return false
}

// DestroyNetwork deletes the VPC and everything in it. It stops at the
// first step that fails; rerunning picks up what is left.
func DestroyNetwork(ctx context.Context, clients *AWSClients, vpcID string) error {
	if _, err := clients.EC2.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{VpcIds: []string{vpcID}}); err != nil {
		if IsNotFound(err) {
			slog.Info("VPC already gone", "vpc_id", vpcID)
			return nil
		}
		return fmt.Errorf("describing VPC %s: %w", vpcID, err)
	}

	res, err := DiscoverNetwork(ctx, clients, vpcID)
	if err != nil {
		return err
	}

	steps := []struct {
		name string
		run  func(context.Context, *AWSClients, *NetworkResources) error
	}{
		{"instances", terminateInstances},
		{"load balancers", deleteLoadBalancers},
		{"VPC endpoints", deleteEndpoints},
		{"NAT gateways", deleteNATGateways},
		{"route tables", deleteRouteTables},
		{"security groups", deleteSecurityGroups},
		{"subnets", deleteSubnets},
		{"internet gateways", deleteInternetGateways},
		{"VPC", deleteVPC},
	}
	for _, step := range steps {
		slog.Info("destroy step", "step", step.name, "vpc_id", vpcID)
		if err := step.run(ctx, clients, res); err != nil {
			return fmt.Errorf("destroying %s: %w", step.name, err)
		}
	}
	slog.Info("network destroyed", "vpc_id", vpcID)
	return nil
}

func terminateInstances(ctx context.Context, clients *AWSClients, res *NetworkResources) error {
	if len(res.Instances) == 0 {
		return nil
	}
	if _, err := clients.EC2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: res.Instances}); err != nil && !IsNotFound(err) {
		return err
	}
	slog.Info("terminating instances", "instance_ids", res.Instances)

	waiter := ec2.NewInstanceTerminatedWaiter(clients.EC2)
	return waiter.Wait(ctx, &ec2.DescribeInstancesInput{InstanceIds: res.Instances}, clients.Timing.WaitTimeout)
}

func deleteLoadBalancers(ctx context.Context, clients *AWSClients, res *NetworkResources) error {
	for _, arn := range res.LoadBalancers {
		if err := DeleteLoadBalancer(ctx, clients, arn); err != nil {
			return err
		}
	}
	return nil
}

func deleteEndpoints(ctx context.Context, clients *AWSClients, res *NetworkResources) error {
	if len(res.Endpoints) == 0 {
		return nil
	}
	if _, err := clients.EC2.DeleteVpcEndpoints(ctx, &ec2.DeleteVpcEndpointsInput{VpcEndpointIds: res.Endpoints}); err != nil {
		return err
	}
	slog.Info("deleted VPC endpoints", "endpoint_ids", res.Endpoints)
	return nil
}

func deleteNATGateways(ctx context.Context, clients *AWSClients, res *NetworkResources) error {
	if len(res.NATGateways) == 0 {
		return nil
	}
	for _, id := range res.NATGateways {
		if _, err := clients.EC2.DeleteNatGateway(ctx, &ec2.DeleteNatGatewayInput{NatGatewayId: aws.String(id)}); err != nil && !IsNotFound(err) {
			return err
		}
		slog.Info("deleting NAT gateway", "nat_gateway_id", id)
	}

	waiter := ec2.NewNatGatewayDeletedWaiter(clients.EC2)
	if err := waiter.Wait(ctx, &ec2.DescribeNatGatewaysInput{NatGatewayIds: res.NATGateways}, clients.Timing.WaitTimeout); err != nil {
		return err
	}

	for _, allocationID := range res.ElasticIPs {
		err := retryWhileInUse(ctx, clients, "Elastic IP release", func(ctx context.Context) error {
			_, err := clients.EC2.ReleaseAddress(ctx, &ec2.ReleaseAddressInput{AllocationId: aws.String(allocationID)})
			return err
		})
		if err != nil {
			return err
		}
		slog.Info("released Elastic IP", "allocation_id", allocationID)
	}
	return nil
}

func deleteRouteTables(ctx context.Context, clients *AWSClients, res *NetworkResources) error {
	for _, rt := range res.RouteTables {
		id := aws.ToString(rt.RouteTableId)
		for _, assoc := range rt.Associations {
			if _, err := clients.EC2.DisassociateRouteTable(ctx, &ec2.DisassociateRouteTableInput{
				AssociationId: assoc.RouteTableAssociationId,
			}); err != nil && !IsNotFound(err) {
				return err
			}
		}
		if _, err := clients.EC2.DeleteRouteTable(ctx, &ec2.DeleteRouteTableInput{RouteTableId: aws.String(id)}); err != nil && !IsNotFound(err) {
			return err
		}
		slog.Info("deleted route table", "route_table_id", id)
	}
	return nil
}

// deleteSecurityGroups revokes every rule first so groups that reference
// each other can be deleted in any order.
func deleteSecurityGroups(ctx context.Context, clients *AWSClients, res *NetworkResources) error {
	for _, g := range res.SecurityGroups {
		if len(g.IpPermissions) > 0 {
			if _, err := clients.EC2.RevokeSecurityGroupIngress(ctx, &ec2.RevokeSecurityGroupIngressInput{
				GroupId:       g.GroupId,
				IpPermissions: g.IpPermissions,
			}); err != nil && !IsNotFound(err) {
				return err
			}
		}
		if len(g.IpPermissionsEgress) > 0 {
			if _, err := clients.EC2.RevokeSecurityGroupEgress(ctx, &ec2.RevokeSecurityGroupEgressInput{
				GroupId:       g.GroupId,
				IpPermissions: g.IpPermissionsEgress,
			}); err != nil && !IsNotFound(err) {
				return err
			}
		}
	}

	for _, g := range res.SecurityGroups {
		id := aws.ToString(g.GroupId)
		err := retryWhileInUse(ctx, clients, "security group deletion", func(ctx context.Context) error {
			_, err := clients.EC2.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{GroupId: aws.String(id)})
			return err
		})
		if err != nil {
			return fmt.Errorf("deleting security group %s: %w", id, err)
		}
		slog.Info("deleted security group", "group_id", id, "name", aws.ToString(g.GroupName))
	}
	return nil
}

func deleteSubnets(ctx context.Context, clients *AWSClients, res *NetworkResources) error {
	for _, id := range res.Subnets {
		err := retryWhileInUse(ctx, clients, "subnet deletion", func(ctx context.Context) error {
			_, err := clients.EC2.DeleteSubnet(ctx, &ec2.DeleteSubnetInput{SubnetId: aws.String(id)})
			return err
		})
		if err != nil {
			return fmt.Errorf("deleting subnet %s: %w", id, err)
		}
		slog.Info("deleted subnet", "subnet_id", id)
	}
	return nil
}

func deleteInternetGateways(ctx context.Context, clients *AWSClients, res *NetworkResources) error {
	for _, id := range res.InternetGateways {
		if _, err := clients.EC2.DetachInternetGateway(ctx, &ec2.DetachInternetGatewayInput{
			InternetGatewayId: aws.String(id),
			VpcId:             aws.String(res.VPCID),
		}); err != nil && !IsNotFound(err) {
			return err
		}
		if _, err := clients.EC2.DeleteInternetGateway(ctx, &ec2.DeleteInternetGatewayInput{
			InternetGatewayId: aws.String(id),
		}); err != nil && !IsNotFound(err) {
			return err
		}
		slog.Info("deleted internet gateway", "igw_id", id)
	}
	return nil
}

func deleteVPC(ctx context.Context, clients *AWSClients, res *NetworkResources) error {
	return retryWhileInUse(ctx, clients, "VPC deletion", func(ctx context.Context) error {
		_, err := clients.EC2.DeleteVpc(ctx, &ec2.DeleteVpcInput{VpcId: aws.String(res.VPCID)})
		return err
	})
}

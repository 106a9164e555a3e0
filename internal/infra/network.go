package infra

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/google/uuid"

	"tierstack/internal/config"
)

// CreateNetworkInfrastructure creates the VPC, gateways, subnets, route
// tables and security groups, reusing anything that already carries the
// expected Name tag.
func CreateNetworkInfrastructure(ctx context.Context, clients *AWSClients, cfg *config.Config) (*NetworkState, error) {
	namer := clients.Namer
	state := &NetworkState{
		Region:         cfg.Region,
		SecurityGroups: map[string]string{},
		RouteTables:    map[string]string{},
		ConfigHash:     cfg.Hash(),
	}

	vpcID, err := ensureVPC(ctx, clients, cfg)
	if err != nil {
		return nil, err
	}
	state.VPCID = vpcID

	igwID, err := ensureInternetGateway(ctx, clients, cfg, vpcID)
	if err != nil {
		return nil, err
	}
	state.InternetGatewayID = igwID

	zones, err := availabilityZones(ctx, clients, len(cfg.Network.PublicSubnets))
	if err != nil {
		return nil, err
	}

	for i, cidr := range cfg.Network.PublicSubnets {
		id, err := ensureSubnet(ctx, clients, cfg, vpcID, namer.PublicSubnetName(i), cidr, zones[i], true)
		if err != nil {
			return nil, err
		}
		state.PublicSubnets = append(state.PublicSubnets, id)
	}
	for i, cidr := range cfg.Network.PrivateSubnets {
		id, err := ensureSubnet(ctx, clients, cfg, vpcID, namer.PrivateSubnetName(i), cidr, zones[i], false)
		if err != nil {
			return nil, err
		}
		state.PrivateSubnets = append(state.PrivateSubnets, id)
	}

	publicRT, err := ensureRouteTable(ctx, clients, cfg, vpcID, namer.PublicRouteTableName(),
		routeTarget{gatewayID: igwID}, state.PublicSubnets)
	if err != nil {
		return nil, err
	}
	state.RouteTables[RoutePublic] = publicRT

	if len(state.PrivateSubnets) > 0 {
		natID, allocationID, err := ensureNATGateway(ctx, clients, cfg, state.PublicSubnets[0])
		if err != nil {
			return nil, err
		}
		state.NATGatewayID = natID
		state.ElasticIPID = allocationID

		privateRT, err := ensureRouteTable(ctx, clients, cfg, vpcID, namer.PrivateRouteTableName(),
			routeTarget{natGatewayID: natID}, state.PrivateSubnets)
		if err != nil {
			return nil, err
		}
		state.RouteTables[RoutePrivate] = privateRT
	}

	groups, err := CreateSecurityGroups(ctx, clients, cfg, vpcID)
	if err != nil {
		return nil, err
	}
	state.SecurityGroups = groups
	state.DeployedAt = time.Now().UTC()

	slog.Info("network infrastructure ready",
		"vpc_id", vpcID,
		"public_subnets", state.PublicSubnets,
		"private_subnets", state.PrivateSubnets,
		"nat_gateway_id", state.NATGatewayID)
	return state, nil
}

// FindVPC returns the id of the VPC tagged with name, or "" when none exists
func FindVPC(ctx context.Context, clients *AWSClients, name string) (string, error) {
	out, err := clients.EC2.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{
		Filters: []ec2types.Filter{nameFilter(name)},
	})
	if err != nil {
		return "", fmt.Errorf("describing VPCs: %w", err)
	}
	if len(out.Vpcs) == 0 {
		return "", nil
	}
	return aws.ToString(out.Vpcs[0].VpcId), nil
}

func ensureVPC(ctx context.Context, clients *AWSClients, cfg *config.Config) (string, error) {
	name := clients.Namer.VPCName()
	hash := cfg.Hash()

	vpcID, err := FindVPC(ctx, clients, name)
	if err != nil {
		return "", err
	}
	if vpcID != "" {
		slog.Info("VPC already exists", "vpc_id", vpcID, "existing", true)
		_, err := clients.EC2.CreateTags(ctx, &ec2.CreateTagsInput{
			Resources: []string{vpcID},
			Tags:      []ec2types.Tag{{Key: aws.String(TagKeyConfigHash), Value: aws.String(hash)}},
		})
		if err != nil {
			return "", fmt.Errorf("tagging VPC %s: %w", vpcID, err)
		}
		return vpcID, nil
	}

	tags := append(ec2Tags(cfg, name, ComponentNetwork),
		ec2types.Tag{Key: aws.String(TagKeyConfigHash), Value: aws.String(hash)})
	out, err := clients.EC2.CreateVpc(ctx, &ec2.CreateVpcInput{
		CidrBlock:         aws.String(cfg.Network.VPCCIDR),
		TagSpecifications: tagSpec(ec2types.ResourceTypeVpc, tags),
	})
	if err != nil {
		return "", fmt.Errorf("creating VPC: %w", err)
	}
	vpcID = aws.ToString(out.Vpc.VpcId)

	// one attribute per call
	for _, input := range []*ec2.ModifyVpcAttributeInput{
		{VpcId: aws.String(vpcID), EnableDnsSupport: &ec2types.AttributeBooleanValue{Value: aws.Bool(true)}},
		{VpcId: aws.String(vpcID), EnableDnsHostnames: &ec2types.AttributeBooleanValue{Value: aws.Bool(true)}},
	} {
		if _, err := clients.EC2.ModifyVpcAttribute(ctx, input); err != nil {
			return "", fmt.Errorf("enabling DNS on VPC %s: %w", vpcID, err)
		}
	}

	slog.Info("created VPC", "vpc_id", vpcID, "cidr", cfg.Network.VPCCIDR)
	return vpcID, nil
}

func ensureInternetGateway(ctx context.Context, clients *AWSClients, cfg *config.Config, vpcID string) (string, error) {
	out, err := clients.EC2.DescribeInternetGateways(ctx, &ec2.DescribeInternetGatewaysInput{
		Filters: []ec2types.Filter{filter("attachment.vpc-id", vpcID)},
	})
	if err != nil {
		return "", fmt.Errorf("describing internet gateways: %w", err)
	}
	if len(out.InternetGateways) > 0 {
		id := aws.ToString(out.InternetGateways[0].InternetGatewayId)
		slog.Info("internet gateway already attached", "igw_id", id, "existing", true)
		return id, nil
	}

	created, err := clients.EC2.CreateInternetGateway(ctx, &ec2.CreateInternetGatewayInput{
		TagSpecifications: tagSpec(ec2types.ResourceTypeInternetGateway,
			ec2Tags(cfg, clients.Namer.InternetGatewayName(), ComponentNetwork)),
	})
	if err != nil {
		return "", fmt.Errorf("creating internet gateway: %w", err)
	}
	igwID := aws.ToString(created.InternetGateway.InternetGatewayId)

	if _, err := clients.EC2.AttachInternetGateway(ctx, &ec2.AttachInternetGatewayInput{
		InternetGatewayId: aws.String(igwID),
		VpcId:             aws.String(vpcID),
	}); err != nil {
		return "", fmt.Errorf("attaching internet gateway %s: %w", igwID, err)
	}

	slog.Info("created internet gateway", "igw_id", igwID, "vpc_id", vpcID)
	return igwID, nil
}

// availabilityZones returns the first n available zones in name order
func availabilityZones(ctx context.Context, clients *AWSClients, n int) ([]string, error) {
	out, err := clients.EC2.DescribeAvailabilityZones(ctx, &ec2.DescribeAvailabilityZonesInput{
		Filters: []ec2types.Filter{filter("state", "available")},
	})
	if err != nil {
		return nil, fmt.Errorf("describing availability zones: %w", err)
	}

	zones := make([]string, 0, len(out.AvailabilityZones))
	for _, az := range out.AvailabilityZones {
		zones = append(zones, aws.ToString(az.ZoneName))
	}
	slices.Sort(zones)

	if len(zones) < n {
		return nil, fmt.Errorf("region %s has %d available zones, need %d", clients.Region, len(zones), n)
	}
	return zones[:n], nil
}

func ensureSubnet(ctx context.Context, clients *AWSClients, cfg *config.Config, vpcID, name, cidr, zone string, public bool) (string, error) {
	out, err := clients.EC2.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{
		Filters: []ec2types.Filter{vpcFilter(vpcID), nameFilter(name)},
	})
	if err != nil {
		return "", fmt.Errorf("describing subnet %s: %w", name, err)
	}
	if len(out.Subnets) > 0 {
		id := aws.ToString(out.Subnets[0].SubnetId)
		slog.Info("subnet already exists", "name", name, "subnet_id", id, "existing", true)
		return id, nil
	}

	created, err := clients.EC2.CreateSubnet(ctx, &ec2.CreateSubnetInput{
		VpcId:             aws.String(vpcID),
		CidrBlock:         aws.String(cidr),
		AvailabilityZone:  aws.String(zone),
		TagSpecifications: tagSpec(ec2types.ResourceTypeSubnet, ec2Tags(cfg, name, ComponentNetwork)),
	})
	if err != nil {
		return "", fmt.Errorf("creating subnet %s: %w", name, err)
	}
	subnetID := aws.ToString(created.Subnet.SubnetId)

	if public {
		if _, err := clients.EC2.ModifySubnetAttribute(ctx, &ec2.ModifySubnetAttributeInput{
			SubnetId:            aws.String(subnetID),
			MapPublicIpOnLaunch: &ec2types.AttributeBooleanValue{Value: aws.Bool(true)},
		}); err != nil {
			return "", fmt.Errorf("enabling public IPs on subnet %s: %w", subnetID, err)
		}
	}

	slog.Info("created subnet", "name", name, "subnet_id", subnetID, "cidr", cidr, "zone", zone, "public", public)
	return subnetID, nil
}

type routeTarget struct {
	gatewayID    string
	natGatewayID string
}

// ensureRouteTable creates the named table with a default route to target
// and associates subnets with it.
func ensureRouteTable(ctx context.Context, clients *AWSClients, cfg *config.Config, vpcID, name string, target routeTarget, subnets []string) (string, error) {
	out, err := clients.EC2.DescribeRouteTables(ctx, &ec2.DescribeRouteTablesInput{
		Filters: []ec2types.Filter{vpcFilter(vpcID), nameFilter(name)},
	})
	if err != nil {
		return "", fmt.Errorf("describing route table %s: %w", name, err)
	}

	var tableID string
	associated := map[string]bool{}
	if len(out.RouteTables) > 0 {
		rt := out.RouteTables[0]
		tableID = aws.ToString(rt.RouteTableId)
		for _, assoc := range rt.Associations {
			associated[aws.ToString(assoc.SubnetId)] = true
		}
		slog.Info("route table already exists", "name", name, "route_table_id", tableID, "existing", true)
	} else {
		created, err := clients.EC2.CreateRouteTable(ctx, &ec2.CreateRouteTableInput{
			VpcId:             aws.String(vpcID),
			TagSpecifications: tagSpec(ec2types.ResourceTypeRouteTable, ec2Tags(cfg, name, ComponentNetwork)),
		})
		if err != nil {
			return "", fmt.Errorf("creating route table %s: %w", name, err)
		}
		tableID = aws.ToString(created.RouteTable.RouteTableId)
		slog.Info("created route table", "name", name, "route_table_id", tableID)
	}

	route := &ec2.CreateRouteInput{
		RouteTableId:         aws.String(tableID),
		DestinationCidrBlock: aws.String(anyIPv4),
	}
	if target.gatewayID != "" {
		route.GatewayId = aws.String(target.gatewayID)
	}
	if target.natGatewayID != "" {
		route.NatGatewayId = aws.String(target.natGatewayID)
	}
	if _, err := clients.EC2.CreateRoute(ctx, route); err != nil && !IsAlreadyExists(err) {
		return "", fmt.Errorf("creating default route in %s: %w", tableID, err)
	}

	for _, subnetID := range subnets {
		if associated[subnetID] {
			continue
		}
		_, err := clients.EC2.AssociateRouteTable(ctx, &ec2.AssociateRouteTableInput{
			RouteTableId: aws.String(tableID),
			SubnetId:     aws.String(subnetID),
		})
		if err != nil && !IsAlreadyExists(err) {
			return "", fmt.Errorf("associating %s with %s: %w", subnetID, tableID, err)
		}
	}
	return tableID, nil
}

// ensureNATGateway places a NAT gateway with a fresh Elastic IP in subnetID
// and waits until it is available.
func ensureNATGateway(ctx context.Context, clients *AWSClients, cfg *config.Config, subnetID string) (string, string, error) {
	name := clients.Namer.NATGatewayName()
	out, err := clients.EC2.DescribeNatGateways(ctx, &ec2.DescribeNatGatewaysInput{
		Filter: []ec2types.Filter{nameFilter(name), filter("state", "pending", "available")},
	})
	if err != nil {
		return "", "", fmt.Errorf("describing NAT gateways: %w", err)
	}
	if len(out.NatGateways) > 0 {
		nat := out.NatGateways[0]
		natID := aws.ToString(nat.NatGatewayId)
		var allocationID string
		if len(nat.NatGatewayAddresses) > 0 {
			allocationID = aws.ToString(nat.NatGatewayAddresses[0].AllocationId)
		}
		slog.Info("NAT gateway already exists", "nat_gateway_id", natID, "existing", true)
		return natID, allocationID, waitNATAvailable(ctx, clients, natID)
	}

	eip, err := clients.EC2.AllocateAddress(ctx, &ec2.AllocateAddressInput{
		Domain: ec2types.DomainTypeVpc,
		TagSpecifications: tagSpec(ec2types.ResourceTypeElasticIp,
			ec2Tags(cfg, clients.Namer.ElasticIPName(), ComponentNetwork)),
	})
	if err != nil {
		return "", "", fmt.Errorf("allocating Elastic IP: %w", err)
	}
	allocationID := aws.ToString(eip.AllocationId)
	slog.Info("allocated Elastic IP", "allocation_id", allocationID, "public_ip", aws.ToString(eip.PublicIp))

	created, err := clients.EC2.CreateNatGateway(ctx, &ec2.CreateNatGatewayInput{
		SubnetId:          aws.String(subnetID),
		AllocationId:      aws.String(allocationID),
		ClientToken:       aws.String(uuid.NewString()),
		TagSpecifications: tagSpec(ec2types.ResourceTypeNatgateway, ec2Tags(cfg, name, ComponentNetwork)),
	})
	if err != nil {
		if _, relErr := clients.EC2.ReleaseAddress(ctx, &ec2.ReleaseAddressInput{AllocationId: aws.String(allocationID)}); relErr != nil {
			slog.Warn("failed to release Elastic IP", "allocation_id", allocationID, "error", relErr)
		}
		return "", "", fmt.Errorf("creating NAT gateway: %w", err)
	}
	natID := aws.ToString(created.NatGateway.NatGatewayId)
	slog.Info("created NAT gateway, waiting for it to become available", "nat_gateway_id", natID)

	return natID, allocationID, waitNATAvailable(ctx, clients, natID)
}

func waitNATAvailable(ctx context.Context, clients *AWSClients, natID string) error {
	waiter := ec2.NewNatGatewayAvailableWaiter(clients.EC2)
	if err := waiter.Wait(ctx, &ec2.DescribeNatGatewaysInput{NatGatewayIds: []string{natID}}, clients.Timing.WaitTimeout); err != nil {
		return fmt.Errorf("waiting for NAT gateway %s: %w", natID, err)
	}
	return nil
}

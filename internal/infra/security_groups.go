package infra

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"golang.org/x/sync/errgroup"

	"tierstack/internal/config"
)

type securityGroupSpec struct {
	key         string
	name        string
	description string
}

func securityGroupSpecs(namer *ResourceNamer) []securityGroupSpec {
	return []securityGroupSpec{
		{GroupALB, namer.ALBSecurityGroupName(), "Application load balancer: HTTP and HTTPS from anywhere"},
		{GroupFrontend, namer.FrontendSecurityGroupName(), "Frontend instances"},
		{GroupBackend, namer.BackendSecurityGroupName(), "Backend service fleet"},
	}
}

// CreateSecurityGroups creates the three tier groups in parallel and then
// authorizes the rules that reference each other.
func CreateSecurityGroups(ctx context.Context, clients *AWSClients, cfg *config.Config, vpcID string) (map[string]string, error) {
	specs := securityGroupSpecs(clients.Namer)
	ids := make(map[string]string, len(specs))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, spec := range specs {
		g.Go(func() error {
			id, err := ensureSecurityGroup(gctx, clients, cfg, vpcID, spec)
			if err != nil {
				return err
			}
			mu.Lock()
			ids[spec.key] = id
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for key, perms := range ingressPermissions(cfg, ids) {
		for _, perm := range perms {
			_, err := clients.EC2.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
				GroupId:       aws.String(ids[key]),
				IpPermissions: []ec2types.IpPermission{perm},
			})
			if err != nil && !IsAlreadyExists(err) {
				return nil, fmt.Errorf("authorizing ingress on %s group: %w", key, err)
			}
		}
	}

	for _, perm := range backendEgressPermissions() {
		_, err := clients.EC2.AuthorizeSecurityGroupEgress(ctx, &ec2.AuthorizeSecurityGroupEgressInput{
			GroupId:       aws.String(ids[GroupBackend]),
			IpPermissions: []ec2types.IpPermission{perm},
		})
		if err != nil && !IsAlreadyExists(err) {
			return nil, fmt.Errorf("authorizing egress on backend group: %w", err)
		}
	}

	slog.Info("security groups ready", "alb", ids[GroupALB], "frontend", ids[GroupFrontend], "backend", ids[GroupBackend])
	return ids, nil
}

func ensureSecurityGroup(ctx context.Context, clients *AWSClients, cfg *config.Config, vpcID string, spec securityGroupSpec) (string, error) {
	out, err := clients.EC2.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		Filters: []ec2types.Filter{vpcFilter(vpcID), filter("group-name", spec.name)},
	})
	if err != nil {
		return "", fmt.Errorf("describing security group %s: %w", spec.name, err)
	}
	if len(out.SecurityGroups) > 0 {
		id := aws.ToString(out.SecurityGroups[0].GroupId)
		slog.Info("security group already exists", "name", spec.name, "group_id", id, "existing", true)
		return id, nil
	}

	created, err := clients.EC2.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
		GroupName:         aws.String(spec.name),
		Description:       aws.String(spec.description),
		VpcId:             aws.String(vpcID),
		TagSpecifications: tagSpec(ec2types.ResourceTypeSecurityGroup, ec2Tags(cfg, spec.name, ComponentNetwork)),
	})
	if err != nil {
		return "", fmt.Errorf("creating security group %s: %w", spec.name, err)
	}
	id := aws.ToString(created.GroupId)
	slog.Info("created security group", "name", spec.name, "group_id", id)
	return id, nil
}

// ingressPermissions returns the ingress rules of each group keyed like ids.
// The load balancer and the frontend host port are open to the world; the
// backend only accepts traffic from the tiers in front of it.
func ingressPermissions(cfg *config.Config, ids map[string]string) map[string][]ec2types.IpPermission {
	lo, hi := cfg.Backend.PortRange()
	rules := map[string][]ec2types.IpPermission{
		GroupALB: {
			tcpFromCIDR(HTTPPort, HTTPPort, anyIPv4, "HTTP"),
			tcpFromCIDR(HTTPSPort, HTTPSPort, anyIPv4, "HTTPS"),
		},
		GroupFrontend: {
			tcpFromCIDR(HTTPPort, HTTPPort, anyIPv4, "Frontend HTTP"),
		},
		GroupBackend: {
			tcpFromGroup(lo, hi, ids[GroupFrontend], "Backend services from frontend"),
			tcpFromGroup(lo, hi, ids[GroupALB], "Backend services from load balancer"),
		},
	}

	if cfg.Network.AdminCIDR != "" {
		for _, key := range []string{GroupFrontend, GroupBackend} {
			rules[key] = append(rules[key], tcpFromCIDR(SSHPort, SSHPort, cfg.Network.AdminCIDR, "SSH"))
		}
	}
	return rules
}

func backendEgressPermissions() []ec2types.IpPermission {
	return []ec2types.IpPermission{
		tcpFromCIDR(HTTPSPort, HTTPSPort, anyIPv4, "HTTPS"),
		tcpFromCIDR(HTTPPort, HTTPPort, anyIPv4, "HTTP"),
		tcpFromCIDR(MongoPort, MongoPort, anyIPv4, "MongoDB"),
	}
}

func tcpFromCIDR(from, to int32, cidr, description string) ec2types.IpPermission {
	return ec2types.IpPermission{
		IpProtocol: aws.String(protocolTCP),
		FromPort:   aws.Int32(from),
		ToPort:     aws.Int32(to),
		IpRanges:   []ec2types.IpRange{{CidrIp: aws.String(cidr), Description: aws.String(description)}},
	}
}

func tcpFromGroup(from, to int32, groupID, description string) ec2types.IpPermission {
	return ec2types.IpPermission{
		IpProtocol:       aws.String(protocolTCP),
		FromPort:         aws.Int32(from),
		ToPort:           aws.Int32(to),
		UserIdGroupPairs: []ec2types.UserIdGroupPair{{GroupId: aws.String(groupID), Description: aws.String(description)}},
	}
}

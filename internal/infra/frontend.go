package infra

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/google/uuid"

	"tierstack/internal/config"
)

// liveInstanceStates are the states in which an existing frontend
// instance is reused instead of launching another one
var liveInstanceStates = []string{"pending", "running", "stopping", "stopped"}

// FindFrontendInstance returns the frontend instance of the VPC, nil if
// there is none.
func FindFrontendInstance(ctx context.Context, clients *AWSClients, vpcID string) (*ec2types.Instance, error) {
	out, err := clients.EC2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{
			nameFilter(clients.Namer.FrontendInstanceName()),
			vpcFilter(vpcID),
			filter("instance-state-name", liveInstanceStates...),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("describing frontend instances: %w", err)
	}
	for _, r := range out.Reservations {
		for _, inst := range r.Instances {
			return &inst, nil
		}
	}
	return nil, nil
}

// DeployFrontend runs the frontend container on a single instance in the
// first public subnet, reusing one that already carries the frontend name.
func DeployFrontend(ctx context.Context, clients *AWSClients, cfg *config.Config, net *NetworkState) (*FrontendState, error) {
	if len(net.PublicSubnets) == 0 {
		return nil, errors.New("network has no public subnet for the frontend")
	}
	if cfg.Frontend.Image == "" {
		return nil, errors.New("frontend image is not configured")
	}

	existing, err := FindFrontendInstance(ctx, clients, net.VPCID)
	if err != nil {
		return nil, err
	}

	instanceID := ""
	if existing != nil {
		instanceID = aws.ToString(existing.InstanceId)
		slog.Info("frontend instance already exists", "instance_id", instanceID, "state", instanceState(existing), "existing", true)
	} else {
		if instanceID, err = launchFrontend(ctx, clients, cfg, net); err != nil {
			return nil, err
		}
	}

	waiter := ec2.NewInstanceRunningWaiter(clients.EC2)
	out, err := waiter.WaitForOutput(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{instanceID}}, clients.Timing.WaitTimeout)
	if err != nil {
		return nil, fmt.Errorf("waiting for frontend instance %s: %w", instanceID, err)
	}

	state := &FrontendState{
		InstanceID: instanceID,
		RoleName:   clients.Namer.FrontendRoleName(),
		DeployedAt: time.Now().UTC(),
	}
	for _, r := range out.Reservations {
		for _, inst := range r.Instances {
			state.PublicIP = aws.ToString(inst.PublicIpAddress)
			state.PublicDNS = aws.ToString(inst.PublicDnsName)
		}
	}
	slog.Info("frontend deployed", "instance_id", instanceID, "public_ip", state.PublicIP, "public_dns", state.PublicDNS)
	return state, nil
}

func launchFrontend(ctx context.Context, clients *AWSClients, cfg *config.Config, net *NetworkState) (string, error) {
	namer := clients.Namer
	accountID, err := clients.AccountID(ctx)
	if err != nil {
		return "", err
	}

	if _, err := EnsureRole(ctx, clients, cfg, FrontendRoleSpec(namer)); err != nil {
		return "", err
	}

	imageID, err := ResolveImage(ctx, clients, cfg.Frontend.ImageID)
	if err != nil {
		return "", err
	}
	keyName, err := EnsureKeyPair(ctx, clients, cfg)
	if err != nil {
		return "", err
	}
	script, err := FrontendUserData(cfg, accountID)
	if err != nil {
		return "", err
	}

	name := namer.FrontendInstanceName()
	tags := ec2Tags(cfg, name, ComponentFrontend)
	input := &ec2.RunInstancesInput{
		ImageId:          aws.String(imageID),
		InstanceType:     ec2types.InstanceType(cfg.Frontend.InstanceType),
		MinCount:         aws.Int32(1),
		MaxCount:         aws.Int32(1),
		SubnetId:         aws.String(net.PublicSubnets[0]),
		SecurityGroupIds: []string{net.SecurityGroups[GroupFrontend]},
		IamInstanceProfile: &ec2types.IamInstanceProfileSpecification{
			Name: aws.String(namer.FrontendRoleName()),
		},
		UserData: aws.String(EncodeUserData(script)),
		MetadataOptions: &ec2types.InstanceMetadataOptionsRequest{
			HttpTokens:   ec2types.HttpTokensStateRequired,
			HttpEndpoint: ec2types.InstanceMetadataEndpointStateEnabled,
		},
		ClientToken: aws.String(uuid.NewString()),
		TagSpecifications: []ec2types.TagSpecification{
			{ResourceType: ec2types.ResourceTypeInstance, Tags: tags},
			{ResourceType: ec2types.ResourceTypeVolume, Tags: tags},
		},
	}
	if keyName != "" {
		input.KeyName = aws.String(keyName)
	}

	// a fresh instance profile takes a few seconds to become usable
	var instanceID string
	var permanent error
	err = RetryOperation(ctx, func(ctx context.Context) error {
		out, err := clients.EC2.RunInstances(ctx, input)
		switch {
		case ErrorCode(err) == "InvalidParameterValue":
			return err
		case err != nil:
			permanent = err
			return nil
		case len(out.Instances) == 0:
			permanent = errors.New("no instance in RunInstances response")
			return nil
		}
		instanceID = aws.ToString(out.Instances[0].InstanceId)
		return nil
	}, clients.Timing.WaitTimeout, clients.Timing.PollInterval, "launch frontend instance")
	if permanent != nil {
		err = permanent
	}
	if err != nil {
		return "", fmt.Errorf("launching frontend instance: %w", err)
	}
	slog.Info("launched frontend instance", "instance_id", instanceID, "image_id", imageID)
	return instanceID, nil
}

// DestroyFrontend terminates the frontend instance, waits for it and then
// removes the frontend role. Role cleanup failures are only logged.
func DestroyFrontend(ctx context.Context, clients *AWSClients, state *FrontendState) error {
	if err := terminateFrontend(ctx, clients, state.InstanceID); err != nil {
		return err
	}

	role := cmp.Or(state.RoleName, clients.Namer.FrontendRoleName())
	if err := DeleteRole(ctx, clients, role); err != nil {
		slog.Warn("IAM cleanup incomplete, remove the role manually", "role", role, "error", err)
	}
	return nil
}

func terminateFrontend(ctx context.Context, clients *AWSClients, instanceID string) error {
	if instanceID == "" {
		return nil
	}
	_, err := clients.EC2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{instanceID}})
	if IsNotFound(err) {
		slog.Info("frontend instance already gone", "instance_id", instanceID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("terminating frontend instance %s: %w", instanceID, err)
	}

	waiter := ec2.NewInstanceTerminatedWaiter(clients.EC2)
	if err := waiter.Wait(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{instanceID}}, clients.Timing.WaitTimeout); err != nil {
		return fmt.Errorf("waiting for frontend instance %s to terminate: %w", instanceID, err)
	}
	slog.Info("terminated frontend instance", "instance_id", instanceID)
	return nil
}

func instanceState(inst *ec2types.Instance) string {
	if inst.State == nil {
		return ""
	}
	return string(inst.State.Name)
}

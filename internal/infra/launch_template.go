package infra

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"tierstack/internal/config"
)

// LaunchTemplateParams collects what the backend launch template references
type LaunchTemplateParams struct {
	SecurityGroupID     string
	InstanceProfileName string
	KeyName             string
	UserData            string
}

// EnsureLaunchTemplate reuses the backend template when one with the
// expected name exists, otherwise creates it.
func EnsureLaunchTemplate(ctx context.Context, clients *AWSClients, cfg *config.Config, params LaunchTemplateParams) (string, error) {
	name := clients.Namer.LaunchTemplateName()

	out, err := clients.EC2.DescribeLaunchTemplates(ctx, &ec2.DescribeLaunchTemplatesInput{
		LaunchTemplateNames: []string{name},
	})
	if err != nil && !IsNotFound(err) {
		return "", fmt.Errorf("describing launch template %s: %w", name, err)
	}
	if err == nil && len(out.LaunchTemplates) > 0 {
		id := aws.ToString(out.LaunchTemplates[0].LaunchTemplateId)
		slog.Info("launch template already exists", "name", name, "template_id", id, "existing", true)
		return id, nil
	}

	imageID, err := ResolveImage(ctx, clients, cfg.Backend.ImageID)
	if err != nil {
		return "", err
	}

	instanceName := clients.Namer.BackendInstanceName()
	data := &ec2types.RequestLaunchTemplateData{
		ImageId:          aws.String(imageID),
		InstanceType:     ec2types.InstanceType(cfg.Backend.InstanceType),
		SecurityGroupIds: []string{params.SecurityGroupID},
		IamInstanceProfile: &ec2types.LaunchTemplateIamInstanceProfileSpecificationRequest{
			Name: aws.String(params.InstanceProfileName),
		},
		UserData:   aws.String(EncodeUserData(params.UserData)),
		Monitoring: &ec2types.LaunchTemplatesMonitoringRequest{Enabled: aws.Bool(true)},
		MetadataOptions: &ec2types.LaunchTemplateInstanceMetadataOptionsRequest{
			HttpTokens:              ec2types.LaunchTemplateHttpTokensStateRequired,
			HttpPutResponseHopLimit: aws.Int32(2),
		},
		TagSpecifications: []ec2types.LaunchTemplateTagSpecificationRequest{{
			ResourceType: ec2types.ResourceTypeInstance,
			Tags:         ec2Tags(cfg, instanceName, ComponentBackend),
		}},
	}
	if params.KeyName != "" {
		data.KeyName = aws.String(params.KeyName)
	}

	created, err := clients.EC2.CreateLaunchTemplate(ctx, &ec2.CreateLaunchTemplateInput{
		LaunchTemplateName: aws.String(name),
		VersionDescription: aws.String(fmt.Sprintf("%s backend (config %s)", cfg.Project, cfg.Hash())),
		LaunchTemplateData: data,
		TagSpecifications:  tagSpec(ec2types.ResourceTypeLaunchTemplate, ec2Tags(cfg, name, ComponentBackend)),
	})
	if err != nil {
		return "", fmt.Errorf("creating launch template %s: %w", name, err)
	}
	id := aws.ToString(created.LaunchTemplate.LaunchTemplateId)
	slog.Info("created launch template", "name", name, "template_id", id, "image_id", imageID)
	return id, nil
}

// ResolveImage returns imageID when set, otherwise the newest Amazon Linux
// 2023 image in the region.
func ResolveImage(ctx context.Context, clients *AWSClients, imageID string) (string, error) {
	if imageID != "" {
		return imageID, nil
	}

	out, err := clients.EC2.DescribeImages(ctx, &ec2.DescribeImagesInput{
		Owners: []string{AL2023Owner},
		Filters: []ec2types.Filter{
			filter("name", AL2023NamePattern),
			filter("state", "available"),
			filter("architecture", "x86_64"),
		},
	})
	if err != nil {
		return "", fmt.Errorf("describing images: %w", err)
	}
	if len(out.Images) == 0 {
		return "", fmt.Errorf("no image matches %s", AL2023NamePattern)
	}

	images := slices.Clone(out.Images)
	// CreationDate is ISO 8601, so string order is time order
	slices.SortFunc(images, func(a, b ec2types.Image) int {
		return strings.Compare(aws.ToString(b.CreationDate), aws.ToString(a.CreationDate))
	})
	id := aws.ToString(images[0].ImageId)
	slog.Debug("resolved image", "image_id", id, "name", aws.ToString(images[0].Name))
	return id, nil
}

// DeleteLaunchTemplate deletes by id, or by name when id is empty
func DeleteLaunchTemplate(ctx context.Context, clients *AWSClients, id, name string) error {
	input := &ec2.DeleteLaunchTemplateInput{}
	switch {
	case id != "":
		input.LaunchTemplateId = aws.String(id)
	case name != "":
		input.LaunchTemplateName = aws.String(name)
	default:
		return nil
	}

	if _, err := clients.EC2.DeleteLaunchTemplate(ctx, input); err != nil {
		if IsNotFound(err) {
			slog.Info("launch template already gone", "template_id", id, "name", name)
			return nil
		}
		return fmt.Errorf("deleting launch template %s%s: %w", id, name, err)
	}
	slog.Info("deleted launch template", "template_id", id, "name", name)
	return nil
}

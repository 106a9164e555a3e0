package infra

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"tierstack/internal/config"
)

// ec2Tags returns the ownership tags every EC2 resource of the stack carries
func ec2Tags(cfg *config.Config, name, component string) []ec2types.Tag {
	return []ec2types.Tag{
		{Key: aws.String(TagKeyName), Value: aws.String(name)},
		{Key: aws.String(TagKeyProject), Value: aws.String(cfg.Project)},
		{Key: aws.String(TagKeyEnvironment), Value: aws.String(cfg.Environment)},
		{Key: aws.String(TagKeyComponent), Value: aws.String(component)},
		{Key: aws.String(TagKeyManagedBy), Value: aws.String(ManagedByValue)},
	}
}

func tagSpec(resourceType ec2types.ResourceType, tags []ec2types.Tag) []ec2types.TagSpecification {
	return []ec2types.TagSpecification{{ResourceType: resourceType, Tags: tags}}
}

// stackTags is the key/value form used by services without typed EC2 tags
func stackTags(cfg *config.Config, component string) map[string]string {
	return map[string]string{
		TagKeyProject:     cfg.Project,
		TagKeyEnvironment: cfg.Environment,
		TagKeyComponent:   component,
		TagKeyManagedBy:   ManagedByValue,
	}
}

func filter(name string, values ...string) ec2types.Filter {
	return ec2types.Filter{Name: aws.String(name), Values: values}
}

func nameFilter(name string) ec2types.Filter {
	return filter("tag:"+TagKeyName, name)
}

func vpcFilter(vpcID string) ec2types.Filter {
	return filter("vpc-id", vpcID)
}

func tagValue(tags []ec2types.Tag, key string) string {
	for _, t := range tags {
		if aws.ToString(t.Key) == key {
			return aws.ToString(t.Value)
		}
	}
	return ""
}

package infra

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"

	"tierstack/internal/config"
)

// RoleSpec describes a service role and what hangs off it
type RoleSpec struct {
	Name            string
	Description     string
	Principal       string
	Component       string
	ManagedPolicies []string
	InlinePolicies  map[string]PolicyDocument
	InstanceProfile bool
}

// EnsureRole creates the role if needed and converges its policies. The
// returned ARN is usable once the role-exists waiter has passed.
func EnsureRole(ctx context.Context, clients *AWSClients, cfg *config.Config, spec RoleSpec) (string, error) {
	roleARN, err := getRoleARN(ctx, clients, spec.Name)
	if err != nil {
		return "", err
	}

	if roleARN == "" {
		trust, err := AssumeRolePolicy(spec.Principal).JSON()
		if err != nil {
			return "", err
		}
		out, err := clients.IAM.CreateRole(ctx, &iam.CreateRoleInput{
			RoleName:                 aws.String(spec.Name),
			AssumeRolePolicyDocument: aws.String(trust),
			Description:              aws.String(spec.Description),
			Tags:                     iamTags(cfg, spec.Component),
		})
		switch {
		case err == nil:
			roleARN = aws.ToString(out.Role.Arn)
			slog.Info("created IAM role", "role", spec.Name)
		case IsAlreadyExists(err):
			if roleARN, err = getRoleARN(ctx, clients, spec.Name); err != nil {
				return "", err
			}
		default:
			return "", fmt.Errorf("creating role %s: %w", spec.Name, err)
		}

		waiter := iam.NewRoleExistsWaiter(clients.IAM)
		if err := waiter.Wait(ctx, &iam.GetRoleInput{RoleName: aws.String(spec.Name)}, clients.Timing.WaitTimeout); err != nil {
			return "", fmt.Errorf("waiting for role %s: %w", spec.Name, err)
		}
	} else {
		slog.Info("IAM role already exists", "role", spec.Name, "existing", true)
	}

	for _, policyARN := range spec.ManagedPolicies {
		if _, err := clients.IAM.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{
			RoleName:  aws.String(spec.Name),
			PolicyArn: aws.String(policyARN),
		}); err != nil {
			return "", fmt.Errorf("attaching %s to %s: %w", policyARN, spec.Name, err)
		}
	}

	names := make([]string, 0, len(spec.InlinePolicies))
	for name := range spec.InlinePolicies {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		doc, err := spec.InlinePolicies[name].JSON()
		if err != nil {
			return "", err
		}
		if _, err := clients.IAM.PutRolePolicy(ctx, &iam.PutRolePolicyInput{
			RoleName:       aws.String(spec.Name),
			PolicyName:     aws.String(name),
			PolicyDocument: aws.String(doc),
		}); err != nil {
			return "", fmt.Errorf("putting policy %s on %s: %w", name, spec.Name, err)
		}
	}

	if spec.InstanceProfile {
		if err := ensureInstanceProfile(ctx, clients, cfg, spec.Name, spec.Component); err != nil {
			return "", err
		}
	}
	return roleARN, nil
}

func getRoleARN(ctx context.Context, clients *AWSClients, name string) (string, error) {
	out, err := clients.IAM.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(name)})
	if IsNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("getting role %s: %w", name, err)
	}
	return aws.ToString(out.Role.Arn), nil
}

// ensureInstanceProfile creates a profile named like the role and puts the
// role in it.
func ensureInstanceProfile(ctx context.Context, clients *AWSClients, cfg *config.Config, roleName, component string) error {
	out, err := clients.IAM.GetInstanceProfile(ctx, &iam.GetInstanceProfileInput{InstanceProfileName: aws.String(roleName)})
	var profile *iamtypes.InstanceProfile
	switch {
	case err == nil:
		profile = out.InstanceProfile
	case IsNotFound(err):
		created, err := clients.IAM.CreateInstanceProfile(ctx, &iam.CreateInstanceProfileInput{
			InstanceProfileName: aws.String(roleName),
			Tags:                iamTags(cfg, component),
		})
		if err != nil && !IsAlreadyExists(err) {
			return fmt.Errorf("creating instance profile %s: %w", roleName, err)
		}
		if created != nil {
			profile = created.InstanceProfile
		}
		slog.Info("created instance profile", "profile", roleName)
	default:
		return fmt.Errorf("getting instance profile %s: %w", roleName, err)
	}

	hasRole := false
	if profile != nil {
		for _, r := range profile.Roles {
			if aws.ToString(r.RoleName) == roleName {
				hasRole = true
			}
		}
	}
	if !hasRole {
		_, err := clients.IAM.AddRoleToInstanceProfile(ctx, &iam.AddRoleToInstanceProfileInput{
			InstanceProfileName: aws.String(roleName),
			RoleName:            aws.String(roleName),
		})
		if err != nil && !IsAlreadyExists(err) {
			return fmt.Errorf("adding role to instance profile %s: %w", roleName, err)
		}
	}

	waiter := iam.NewInstanceProfileExistsWaiter(clients.IAM)
	if err := waiter.Wait(ctx, &iam.GetInstanceProfileInput{InstanceProfileName: aws.String(roleName)}, clients.Timing.WaitTimeout); err != nil {
		return fmt.Errorf("waiting for instance profile %s: %w", roleName, err)
	}
	return nil
}

// DeleteRole removes the role from its instance profiles, deletes those
// profiles, detaches managed policies, deletes inline policies and finally
// the role. A missing role is not an error.
func DeleteRole(ctx context.Context, clients *AWSClients, roleName string) error {
	if roleName == "" {
		return nil
	}
	if _, err := clients.IAM.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(roleName)}); err != nil {
		if IsNotFound(err) {
			slog.Info("IAM role already gone", "role", roleName)
			return nil
		}
		return fmt.Errorf("getting role %s: %w", roleName, err)
	}

	var errs []error

	profiles := iam.NewListInstanceProfilesForRolePaginator(clients.IAM, &iam.ListInstanceProfilesForRoleInput{RoleName: aws.String(roleName)})
	for profiles.HasMorePages() {
		page, err := profiles.NextPage(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("listing instance profiles of %s: %w", roleName, err))
			break
		}
		for _, p := range page.InstanceProfiles {
			name := aws.ToString(p.InstanceProfileName)
			if _, err := clients.IAM.RemoveRoleFromInstanceProfile(ctx, &iam.RemoveRoleFromInstanceProfileInput{
				InstanceProfileName: aws.String(name),
				RoleName:            aws.String(roleName),
			}); err != nil && !IsNotFound(err) {
				errs = append(errs, fmt.Errorf("removing %s from profile %s: %w", roleName, name, err))
				continue
			}
			if _, err := clients.IAM.DeleteInstanceProfile(ctx, &iam.DeleteInstanceProfileInput{
				InstanceProfileName: aws.String(name),
			}); err != nil && !IsNotFound(err) {
				errs = append(errs, fmt.Errorf("deleting instance profile %s: %w", name, err))
				continue
			}
			slog.Info("deleted instance profile", "profile", name)
		}
	}

	attached := iam.NewListAttachedRolePoliciesPaginator(clients.IAM, &iam.ListAttachedRolePoliciesInput{RoleName: aws.String(roleName)})
	for attached.HasMorePages() {
		page, err := attached.NextPage(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("listing policies of %s: %w", roleName, err))
			break
		}
		for _, p := range page.AttachedPolicies {
			if _, err := clients.IAM.DetachRolePolicy(ctx, &iam.DetachRolePolicyInput{
				RoleName:  aws.String(roleName),
				PolicyArn: p.PolicyArn,
			}); err != nil && !IsNotFound(err) {
				errs = append(errs, fmt.Errorf("detaching %s: %w", aws.ToString(p.PolicyArn), err))
			}
		}
	}

	inline := iam.NewListRolePoliciesPaginator(clients.IAM, &iam.ListRolePoliciesInput{RoleName: aws.String(roleName)})
	for inline.HasMorePages() {
		page, err := inline.NextPage(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("listing inline policies of %s: %w", roleName, err))
			break
		}
		for _, name := range page.PolicyNames {
			if _, err := clients.IAM.DeleteRolePolicy(ctx, &iam.DeleteRolePolicyInput{
				RoleName:   aws.String(roleName),
				PolicyName: aws.String(name),
			}); err != nil && !IsNotFound(err) {
				errs = append(errs, fmt.Errorf("deleting inline policy %s: %w", name, err))
			}
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	err := retryWhileInUse(ctx, clients, "role deletion", func(ctx context.Context) error {
		_, err := clients.IAM.DeleteRole(ctx, &iam.DeleteRoleInput{RoleName: aws.String(roleName)})
		return err
	})
	if err != nil {
		return fmt.Errorf("deleting role %s: %w", roleName, err)
	}
	slog.Info("deleted IAM role", "role", roleName)
	return nil
}

func iamTags(cfg *config.Config, component string) []iamtypes.Tag {
	values := stackTags(cfg, component)
	tags := make([]iamtypes.Tag, 0, len(values))
	for _, k := range sortedKeys(values) {
		tags = append(tags, iamtypes.Tag{Key: aws.String(k), Value: aws.String(values[k])})
	}
	return tags
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// InstanceRoleSpec is the role backend instances run as. It pulls images
// from ECR, ships metrics and logs through the CloudWatch agent and, when
// secretName is set, reads the database secret.
func InstanceRoleSpec(namer *ResourceNamer, region, accountID, secretName string) RoleSpec {
	spec := RoleSpec{
		Name:            namer.InstanceRoleName(),
		Description:     "Instances of the " + namer.Project() + " stack",
		Principal:       PrincipalEC2,
		Component:       ComponentBackend,
		ManagedPolicies: []string{PolicyECRReadOnly, PolicyCloudWatchAgent},
		InlinePolicies:  map[string]PolicyDocument{},
		InstanceProfile: true,
	}
	if secretName != "" {
		spec.InlinePolicies[namer.InstanceSecretsPolicyName()] = ReadSecretPolicy(SecretARNPattern(region, accountID, secretName))
	}
	return spec
}

// FrontendRoleSpec only needs to pull the frontend image
func FrontendRoleSpec(namer *ResourceNamer) RoleSpec {
	return RoleSpec{
		Name:            namer.FrontendRoleName(),
		Description:     "Frontend instance of the " + namer.Project() + " stack",
		Principal:       PrincipalEC2,
		Component:       ComponentFrontend,
		ManagedPolicies: []string{PolicyECRReadOnly},
		InstanceProfile: true,
	}
}

// BackupRoleSpec is the execution role of the backup function
func BackupRoleSpec(namer *ResourceNamer, region, accountID, bucket, secretName string) RoleSpec {
	return RoleSpec{
		Name:        namer.BackupRoleName(),
		Description: "Database backup function of the " + namer.Project() + " stack",
		Principal:   PrincipalLambda,
		Component:   ComponentBackup,
		InlinePolicies: map[string]PolicyDocument{
			namer.BackupPolicyName(): BackupFunctionPolicy(region, accountID, bucket, SecretARNPattern(region, accountID, secretName)),
		},
	}
}

package infra

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"

	"tierstack/internal/config"
)

// Deployer applies and destroys the tiers of one stack and keeps their
// deployment records in Store.
type Deployer struct {
	Clients *AWSClients
	Config  *config.Config
	Store   *StateStore
	Out     io.Writer
}

// DestroyOptions tunes teardown
type DestroyOptions struct {
	// VPCID overrides the VPC recorded in the network state
	VPCID string
	// DeleteData also removes the backup bucket, database secret and log groups
	DeleteData bool
}

func (d *Deployer) ApplyNetwork(ctx context.Context) (*NetworkState, error) {
	state, err := CreateNetworkInfrastructure(ctx, d.Clients, d.Config)
	if err != nil {
		return nil, err
	}
	if err := d.Store.Save(StateNetwork, state); err != nil {
		return nil, err
	}
	return state, nil
}

func (d *Deployer) network() (*NetworkState, error) {
	net, err := d.Store.LoadNetwork()
	if errors.Is(err, ErrStateNotFound) {
		return nil, fmt.Errorf("deploy the network first: %w", err)
	}
	return net, err
}

func (d *Deployer) ApplyBackend(ctx context.Context) (*BackendState, error) {
	net, err := d.network()
	if err != nil {
		return nil, err
	}
	state, err := DeployBackend(ctx, d.Clients, d.Config, net)
	if err != nil {
		return nil, err
	}
	if err := d.Store.Save(StateBackend, state); err != nil {
		return nil, err
	}
	return state, nil
}

func (d *Deployer) ApplyBackup(ctx context.Context) (*BackupState, error) {
	state, err := DeployBackup(ctx, d.Clients, d.Config)
	if err != nil {
		return nil, err
	}
	if err := d.Store.Save(StateBackup, state); err != nil {
		return nil, err
	}
	return state, nil
}

// ApplyMonitoring covers whichever of backend and backup have records
func (d *Deployer) ApplyMonitoring(ctx context.Context) (*MonitoringState, error) {
	backend, err := d.Store.LoadBackend()
	if err != nil && !errors.Is(err, ErrStateNotFound) {
		return nil, err
	}
	backup, err := d.Store.LoadBackup()
	if err != nil && !errors.Is(err, ErrStateNotFound) {
		return nil, err
	}

	state, err := DeployMonitoring(ctx, d.Clients, d.Config, backend, backup)
	if err != nil {
		return nil, err
	}
	if err := d.Store.Save(StateMonitoring, state); err != nil {
		return nil, err
	}
	return state, nil
}

func (d *Deployer) ApplyFrontend(ctx context.Context) (*FrontendState, error) {
	net, err := d.network()
	if err != nil {
		return nil, err
	}
	state, err := DeployFrontend(ctx, d.Clients, d.Config, net)
	if err != nil {
		return nil, err
	}
	if err := d.Store.Save(StateFrontend, state); err != nil {
		return nil, err
	}
	return state, nil
}

// DeployAll applies every enabled tier. Network and backend failures stop
// the run; backup and monitoring failures are logged and skipped so the
// application still comes up.
func (d *Deployer) DeployAll(ctx context.Context) error {
	cfg := d.Config
	slog.Info("deploying stack", "project", cfg.Project, "environment", cfg.Environment, "region", cfg.Region)

	if _, err := d.ApplyNetwork(ctx); err != nil {
		return fmt.Errorf("network: %w", err)
	}

	if cfg.Backup.Enabled {
		if _, err := d.ApplyBackup(ctx); err != nil {
			slog.Error("backup deployment failed, continuing without backups", "error", err)
		}
	}

	if _, err := d.ApplyBackend(ctx); err != nil {
		return fmt.Errorf("backend: %w", err)
	}

	if cfg.Monitoring.Enabled {
		if _, err := d.ApplyMonitoring(ctx); err != nil {
			slog.Error("monitoring deployment failed, continuing without monitoring", "error", err)
		}
	}

	if cfg.Frontend.Enabled {
		if _, err := d.ApplyFrontend(ctx); err != nil {
			return fmt.Errorf("frontend: %w", err)
		}
	}

	d.PrintNextSteps()
	return nil
}

// PrintNextSteps tells the operator where the stack can be reached
func (d *Deployer) PrintNextSteps() {
	if d.Out == nil {
		return
	}
	var b strings.Builder
	b.WriteString("\nDeployment complete.\n")
	if backend, err := d.Store.LoadBackend(); err == nil {
		fmt.Fprintf(&b, "  Application:  http://%s\n", backend.LoadBalancerDNS)
		for _, svc := range d.Config.Backend.Services {
			fmt.Fprintf(&b, "  %-13s http://%s%s\n", svc.Name+":", backend.LoadBalancerDNS, svc.HealthPath)
		}
	}
	if frontend, err := d.Store.LoadFrontend(); err == nil && frontend.PublicDNS != "" {
		fmt.Fprintf(&b, "  Frontend:     http://%s\n", frontend.PublicDNS)
	}
	if monitoring, err := d.Store.LoadMonitoring(); err == nil {
		fmt.Fprintf(&b, "  Dashboard:    %s\n", DashboardURL(d.Clients.Region, monitoring.Dashboard))
		if d.Config.Monitoring.AlertEmail != "" {
			fmt.Fprintf(&b, "  Confirm the alert subscription sent to %s\n", d.Config.Monitoring.AlertEmail)
		}
	}
	if backup, err := d.Store.LoadBackup(); err == nil {
		fmt.Fprintf(&b, "  Backups:      s3://%s/%s (run `stackctl backup invoke` to test)\n", backup.BucketName, BackupKeyPrefix)
	}
	b.WriteString("  Instances take a few minutes to pass health checks; check with `stackctl status`.\n")
	fmt.Fprint(d.Out, b.String())
}

// DestroyNetwork deletes the VPC named by opts, the network record or the
// stack's VPC name, in that order of preference.
func (d *Deployer) DestroyNetwork(ctx context.Context, opts DestroyOptions) error {
	vpcID := opts.VPCID
	if vpcID == "" {
		net, err := d.Store.LoadNetwork()
		switch {
		case err == nil:
			vpcID = net.VPCID
		case errors.Is(err, ErrStateNotFound):
			if vpcID, err = FindVPC(ctx, d.Clients, d.Clients.Namer.VPCName()); err != nil {
				return err
			}
		default:
			return err
		}
	}
	if vpcID == "" {
		slog.Info("no VPC to destroy")
		return d.Store.Remove(StateNetwork)
	}

	if err := DestroyNetwork(ctx, d.Clients, vpcID); err != nil {
		return err
	}
	return d.Store.Remove(StateNetwork)
}

func (d *Deployer) DestroyBackend(ctx context.Context) error {
	state, err := d.Store.LoadBackend()
	if errors.Is(err, ErrStateNotFound) {
		slog.Info("no backend record, looking resources up by name")
		state, err = DiscoverBackend(ctx, d.Clients, d.Config)
	}
	if err != nil {
		return err
	}
	if err := DestroyBackend(ctx, d.Clients, state); err != nil {
		return err
	}
	return d.Store.Remove(StateBackend)
}

func (d *Deployer) DestroyBackup(ctx context.Context, opts DestroyOptions) error {
	state, err := d.Store.LoadBackup()
	if errors.Is(err, ErrStateNotFound) {
		slog.Info("no backup record, using the stack's resource names")
		state, err = d.backupByName(ctx)
	}
	if err != nil {
		return err
	}
	if err := DestroyBackup(ctx, d.Clients, state, opts.DeleteData); err != nil {
		return err
	}
	return d.Store.Remove(StateBackup)
}

func (d *Deployer) backupByName(ctx context.Context) (*BackupState, error) {
	namer := d.Clients.Namer
	accountID, err := d.Clients.AccountID(ctx)
	if err != nil {
		return nil, err
	}
	bucket := d.Config.Backup.BucketName
	if bucket == "" {
		bucket = namer.BackupBucketName(accountID)
	}
	return &BackupState{
		BucketName:   bucket,
		FunctionName: namer.BackupFunctionName(),
		RoleName:     namer.BackupRoleName(),
		RuleName:     namer.BackupRuleName(),
		// Secrets Manager accepts the name wherever it takes an ARN
		SecretARN: d.Config.DatabaseSecretName(namer.DatabaseSecretName()),
	}, nil
}

func (d *Deployer) DestroyMonitoring(ctx context.Context, opts DestroyOptions) error {
	state, err := d.Store.LoadMonitoring()
	if errors.Is(err, ErrStateNotFound) {
		slog.Info("no monitoring record, using the stack's resource names")
		state, err = d.monitoringByName(ctx)
	}
	if err != nil {
		return err
	}
	if err := DestroyMonitoring(ctx, d.Clients, state, opts.DeleteData); err != nil {
		return err
	}
	return d.Store.Remove(StateMonitoring)
}

func (d *Deployer) monitoringByName(ctx context.Context) (*MonitoringState, error) {
	namer := d.Clients.Namer
	accountID, err := d.Clients.AccountID(ctx)
	if err != nil {
		return nil, err
	}

	// alarm names only depend on which resources exist, not their ids
	backend := &BackendState{
		AutoScalingGroupName: namer.AutoScalingGroupName(),
		LoadBalancerARN:      namer.LoadBalancerName(),
		TargetGroups:         map[string]string{},
	}
	for _, svc := range d.Config.Backend.Services {
		backend.TargetGroups[svc.Name] = namer.TargetGroupName(svc.Name)
	}
	specs := AlarmSpecs(d.Config, namer, backend, namer.BackupFunctionName())
	alarms := make([]string, 0, len(specs))
	for _, s := range specs {
		alarms = append(alarms, s.Name)
	}

	return &MonitoringState{
		TopicARN:     fmt.Sprintf("arn:aws:sns:%s:%s:%s", d.Clients.Region, accountID, namer.AlertTopicName()),
		LogGroups:    LogGroups(namer, true),
		Alarms:       alarms,
		Dashboard:    namer.DashboardName(),
		MetricFilter: namer.ErrorMetricFilterName(),
	}, nil
}

func (d *Deployer) DestroyFrontend(ctx context.Context) error {
	state, err := d.Store.LoadFrontend()
	if errors.Is(err, ErrStateNotFound) {
		state, err = d.frontendByName(ctx)
	}
	if err != nil {
		return err
	}
	if err := DestroyFrontend(ctx, d.Clients, state); err != nil {
		return err
	}
	return d.Store.Remove(StateFrontend)
}

func (d *Deployer) frontendByName(ctx context.Context) (*FrontendState, error) {
	vpcID, err := FindVPC(ctx, d.Clients, d.Clients.Namer.VPCName())
	if err != nil || vpcID == "" {
		return &FrontendState{}, err
	}
	inst, err := FindFrontendInstance(ctx, d.Clients, vpcID)
	if err != nil || inst == nil {
		return &FrontendState{}, err
	}
	return &FrontendState{InstanceID: aws.ToString(inst.InstanceId)}, nil
}

// DestroyAll removes every tier in reverse dependency order
func (d *Deployer) DestroyAll(ctx context.Context, opts DestroyOptions) error {
	steps := []struct {
		name string
		run  func(context.Context) error
	}{
		{ComponentFrontend, d.DestroyFrontend},
		{ComponentMonitoring, func(ctx context.Context) error { return d.DestroyMonitoring(ctx, opts) }},
		{ComponentBackup, func(ctx context.Context) error { return d.DestroyBackup(ctx, opts) }},
		{ComponentBackend, d.DestroyBackend},
		{ComponentNetwork, func(ctx context.Context) error { return d.DestroyNetwork(ctx, opts) }},
	}
	for _, step := range steps {
		slog.Info("destroying tier", "tier", step.name)
		if err := step.run(ctx); err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
	}
	slog.Info("stack destroyed", "project", d.Config.Project)
	return nil
}

// Announce publishes a deployment notification when an alert topic is
// recorded. Failures only warn.
func (d *Deployer) Announce(ctx context.Context, subject, message string) {
	monitoring, err := d.Store.LoadMonitoring()
	if err != nil || monitoring.TopicARN == "" {
		return
	}
	if _, err := Notify(ctx, d.Clients.SNS, monitoring.TopicARN, subject, message); err != nil {
		slog.Warn("deployment notification failed", "error", err)
	}
}

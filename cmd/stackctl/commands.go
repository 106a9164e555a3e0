package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"tierstack/internal/config"
	"tierstack/internal/infra"
	"tierstack/internal/logging"
)

// Tiers accepted by apply and destroy
const (
	TierNetwork    = "network"
	TierBackend    = "backend"
	TierBackup     = "backup"
	TierMonitoring = "monitoring"
	TierFrontend   = "frontend"
	TierAll        = "all"
)

var tiers = []string{TierNetwork, TierBackend, TierBackup, TierMonitoring, TierFrontend, TierAll}

var errAborted = errors.New("destroy aborted")

type app struct {
	configPath string
	region     string
	stateDir   string
	debug      bool

	in  io.Reader
	out io.Writer

	cfg        *config.Config
	newClients func(ctx context.Context, region, project string) (*infra.AWSClients, error)
}

func newApp(in io.Reader, out io.Writer) *app {
	return &app{in: in, out: out, newClients: infra.NewAWSClients}
}

func (a *app) loadConfig() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.region != "" {
		cfg.Region = a.region
	}
	if a.stateDir != "" {
		cfg.StateDir = a.stateDir
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	a.cfg = cfg
	return nil
}

func (a *app) store() *infra.StateStore {
	return infra.NewStateStore(a.cfg.StateDir)
}

func (a *app) deployer(ctx context.Context) (*infra.Deployer, error) {
	clients, err := a.newClients(ctx, a.cfg.Region, a.cfg.Project)
	if err != nil {
		return nil, err
	}
	return &infra.Deployer{Clients: clients, Config: a.cfg, Store: a.store(), Out: a.out}, nil
}

func (a *app) rootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "stackctl",
		Short: "Provision and tear down the three-tier application stack",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if a.debug {
				os.Setenv("DEBUG", "true")
				logging.SetDefaultLogger()
			}
			return a.loadConfig()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", config.DefaultConfigPath, "configuration file")
	flags.StringVar(&a.region, "region", "", "AWS region, overrides the configuration")
	flags.StringVar(&a.stateDir, "state-dir", "", "directory of deployment records")
	flags.BoolVar(&a.debug, "debug", false, "debug logging")

	rootCmd.AddCommand(
		a.applyCommand(),
		a.destroyCommand(),
		a.statusCommand(),
		a.backupCommand(),
		a.notifyCommand(),
		a.configCommand(),
	)
	return rootCmd
}

func (a *app) applyCommand() *cobra.Command {
	return &cobra.Command{
		Use:       "apply {" + strings.Join(tiers, "|") + "}",
		Short:     "Create or update a tier of the stack",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: tiers,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := a.deployer(ctx)
			if err != nil {
				return err
			}

			tier := args[0]
			if err := applyTier(ctx, d, tier); err != nil {
				d.Announce(ctx, infra.DefaultNotifySubject, fmt.Sprintf("Deployment of %s for %s failed: %v", tier, a.cfg.Project, err))
				return err
			}
			d.Announce(ctx, infra.DefaultNotifySubject, fmt.Sprintf("Deployment of %s for %s completed successfully", tier, a.cfg.Project))
			return nil
		},
	}
}

func applyTier(ctx context.Context, d *infra.Deployer, tier string) error {
	var err error
	switch tier {
	case TierNetwork:
		_, err = d.ApplyNetwork(ctx)
	case TierBackend:
		_, err = d.ApplyBackend(ctx)
	case TierBackup:
		_, err = d.ApplyBackup(ctx)
	case TierMonitoring:
		_, err = d.ApplyMonitoring(ctx)
	case TierFrontend:
		_, err = d.ApplyFrontend(ctx)
	case TierAll:
		return d.DeployAll(ctx)
	default:
		return fmt.Errorf("unknown tier %q", tier)
	}
	if err == nil {
		d.PrintNextSteps()
	}
	return err
}

func (a *app) destroyCommand() *cobra.Command {
	var force bool
	var opts infra.DestroyOptions

	cmd := &cobra.Command{
		Use:       "destroy {" + strings.Join(tiers, "|") + "}",
		Short:     "Delete a tier of the stack",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: tiers,
		RunE: func(cmd *cobra.Command, args []string) error {
			tier := args[0]
			if !force {
				if err := confirm(a.in, a.out, destroyWarning(a.cfg, tier, opts)); err != nil {
					return err
				}
			}

			ctx := cmd.Context()
			d, err := a.deployer(ctx)
			if err != nil {
				return err
			}
			// the alert topic may be part of what gets destroyed
			d.Announce(ctx, infra.DefaultNotifySubject, fmt.Sprintf("Destroying %s of %s", tier, a.cfg.Project))
			return destroyTier(ctx, d, tier, opts)
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "skip the confirmation prompt")
	cmd.Flags().StringVar(&opts.VPCID, "vpc-id", "", "VPC to delete instead of the recorded one")
	cmd.Flags().BoolVar(&opts.DeleteData, "delete-data", false, "also delete the backup bucket, database secret and log groups")
	return cmd
}

func destroyTier(ctx context.Context, d *infra.Deployer, tier string, opts infra.DestroyOptions) error {
	switch tier {
	case TierNetwork:
		return d.DestroyNetwork(ctx, opts)
	case TierBackend:
		return d.DestroyBackend(ctx)
	case TierBackup:
		return d.DestroyBackup(ctx, opts)
	case TierMonitoring:
		return d.DestroyMonitoring(ctx, opts)
	case TierFrontend:
		return d.DestroyFrontend(ctx)
	case TierAll:
		return d.DestroyAll(ctx, opts)
	}
	return fmt.Errorf("unknown tier %q", tier)
}

func destroyWarning(cfg *config.Config, tier string, opts infra.DestroyOptions) string {
	var b strings.Builder
	fmt.Fprintf(&b, "This permanently deletes the %s tier of %s (%s) in %s.\n", tier, cfg.Project, cfg.Environment, cfg.Region)
	if opts.VPCID != "" {
		fmt.Fprintf(&b, "VPC: %s\n", opts.VPCID)
	}
	if opts.DeleteData {
		b.WriteString("Backups, the database secret and log groups are deleted too.\n")
	}
	return b.String()
}

// confirm requires the operator to type the confirmation phrase
func confirm(in io.Reader, out io.Writer, warning string) error {
	fmt.Fprint(out, warning)
	fmt.Fprintf(out, "Type %s to confirm: ", infra.ConfirmationPhrase)

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("reading confirmation: %w", err)
	}
	if strings.TrimSpace(line) != infra.ConfirmationPhrase {
		return errAborted
	}
	return nil
}

func (a *app) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show what is deployed and how it is doing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			d, err := a.deployer(ctx)
			if err != nil {
				return err
			}
			status, err := infra.CollectStatus(ctx, d.Clients, d.Store)
			if err != nil {
				return err
			}
			status.Render(a.out)
			return nil
		},
	}
}

func (a *app) backupCommand() *cobra.Command {
	backupCmd := &cobra.Command{
		Use:   "backup",
		Short: "Database backup operations",
	}
	backupCmd.AddCommand(&cobra.Command{
		Use:   "invoke",
		Short: "Run the backup function once and print its result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			d, err := a.deployer(ctx)
			if err != nil {
				return err
			}

			name := d.Clients.Namer.BackupFunctionName()
			if state, err := d.Store.LoadBackup(); err == nil {
				name = state.FunctionName
			}
			result, err := infra.InvokeBackup(ctx, d.Clients, name)
			if err != nil {
				return err
			}
			return printInvokeResult(a.out, result)
		},
	})
	return backupCmd
}

func printInvokeResult(out io.Writer, result *infra.InvokeResult) error {
	fmt.Fprintf(out, "Status: %d\n", result.StatusCode)

	// the body is itself a JSON document encoded as a string
	var body string
	if err := json.Unmarshal(result.Body, &body); err != nil {
		body = string(result.Body)
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, []byte(body), "", "  "); err != nil {
		fmt.Fprintln(out, body)
	} else {
		fmt.Fprintln(out, pretty.String())
	}
	if result.StatusCode != 200 {
		return fmt.Errorf("backup returned status %d", result.StatusCode)
	}
	return nil
}

func (a *app) notifyCommand() *cobra.Command {
	var topicARN, subject, message string
	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Publish a deployment notification to the alert topic",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			d, err := a.deployer(ctx)
			if err != nil {
				return err
			}
			if topicARN == "" {
				monitoring, err := d.Store.LoadMonitoring()
				if err != nil {
					return fmt.Errorf("no --topic-arn and no monitoring record: %w", err)
				}
				topicARN = monitoring.TopicARN
			}
			id, err := infra.Notify(ctx, d.Clients.SNS, topicARN, subject, message)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Published message %s\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&topicARN, "topic-arn", "", "topic to publish to, defaults to the stack's alert topic")
	cmd.Flags().StringVar(&subject, "subject", infra.DefaultNotifySubject, "message subject")
	cmd.Flags().StringVarP(&message, "message", "m", "", "message body")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func (a *app) configCommand() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration and its hash",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			fmt.Fprintln(a.out, a.cfg.FormatConfig())
			fmt.Fprintf(a.out, "Config hash: %s\n", a.cfg.Hash())
			return nil
		},
	})
	return configCmd
}

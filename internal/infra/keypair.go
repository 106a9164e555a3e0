package infra

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"tierstack/internal/config"
	sshkeys "tierstack/internal/ssh"
)

// EnsureKeyPair returns the key pair instances should launch with. A
// configured key_name is used as is; otherwise the local public key is
// imported under the stack's key name. "" means no key login.
func EnsureKeyPair(ctx context.Context, clients *AWSClients, cfg *config.Config) (string, error) {
	if cfg.Backend.KeyName != "" {
		return cfg.Backend.KeyName, nil
	}
	if cfg.Backend.PublicKeyPath == "" {
		return "", nil
	}

	name := clients.Namer.KeyPairName()
	pub, material, err := sshkeys.LoadOrGeneratePublicKey(cfg.Backend.PublicKeyPath, name, cfg.Backend.GenerateKey)
	if errors.Is(err, os.ErrNotExist) {
		slog.Warn("no SSH public key found, instances will launch without a key pair", "path", cfg.Backend.PublicKeyPath)
		return "", nil
	}
	if err != nil {
		return "", err
	}

	out, err := clients.EC2.DescribeKeyPairs(ctx, &ec2.DescribeKeyPairsInput{KeyNames: []string{name}})
	if err != nil && !IsNotFound(err) {
		return "", fmt.Errorf("describing key pair %s: %w", name, err)
	}
	if err == nil && len(out.KeyPairs) > 0 {
		slog.Info("key pair already exists", "key_name", name, "existing", true)
		return name, nil
	}

	_, err = clients.EC2.ImportKeyPair(ctx, &ec2.ImportKeyPairInput{
		KeyName:           aws.String(name),
		PublicKeyMaterial: material,
		TagSpecifications: tagSpec(ec2types.ResourceTypeKeyPair, ec2Tags(cfg, name, ComponentBackend)),
	})
	if err != nil && !IsAlreadyExists(err) {
		return "", fmt.Errorf("importing key pair %s: %w", name, err)
	}

	slog.Info("imported key pair", "key_name", name, "fingerprint", sshkeys.Fingerprint(pub))
	return name, nil
}

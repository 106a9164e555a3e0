package infra

import (
	"encoding/json"
	"fmt"
)

// PolicyDocument is an IAM policy in its JSON wire shape
type PolicyDocument struct {
	Version   string      `json:"Version"`
	Statement []Statement `json:"Statement"`
}

type Statement struct {
	Sid       string            `json:"Sid,omitempty"`
	Effect    string            `json:"Effect"`
	Principal map[string]string `json:"Principal,omitempty"`
	Action    []string          `json:"Action"`
	Resource  []string          `json:"Resource,omitempty"`
}

func (p PolicyDocument) JSON() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encoding policy document: %w", err)
	}
	return string(data), nil
}

// AssumeRolePolicy lets the given service principal assume the role
func AssumeRolePolicy(service string) PolicyDocument {
	return PolicyDocument{
		Version: policyVersion,
		Statement: []Statement{{
			Effect:    "Allow",
			Principal: map[string]string{"Service": service},
			Action:    []string{"sts:AssumeRole"},
		}},
	}
}

// SecretARNPattern matches a Secrets Manager secret regardless of the
// random suffix the service appends to its ARN.
func SecretARNPattern(region, accountID, secretName string) string {
	return fmt.Sprintf("arn:aws:secretsmanager:%s:%s:secret:%s-*", region, accountID, secretName)
}

func ReadSecretPolicy(secretARN string) PolicyDocument {
	return PolicyDocument{
		Version: policyVersion,
		Statement: []Statement{{
			Sid:      "ReadDatabaseSecret",
			Effect:   "Allow",
			Action:   []string{"secretsmanager:GetSecretValue"},
			Resource: []string{secretARN},
		}},
	}
}

// BackupFunctionPolicy grants the backup function its log stream, object
// access under the backup bucket and the database secret.
func BackupFunctionPolicy(region, accountID, bucket, secretARN string) PolicyDocument {
	return PolicyDocument{
		Version: policyVersion,
		Statement: []Statement{
			{
				Sid:      "Logs",
				Effect:   "Allow",
				Action:   []string{"logs:CreateLogGroup", "logs:CreateLogStream", "logs:PutLogEvents"},
				Resource: []string{fmt.Sprintf("arn:aws:logs:%s:%s:*", region, accountID)},
			},
			{
				Sid:      "BackupObjects",
				Effect:   "Allow",
				Action:   []string{"s3:GetObject", "s3:PutObject", "s3:DeleteObject"},
				Resource: []string{fmt.Sprintf("arn:aws:s3:::%s/*", bucket)},
			},
			{
				Sid:      "BackupBucket",
				Effect:   "Allow",
				Action:   []string{"s3:ListBucket"},
				Resource: []string{fmt.Sprintf("arn:aws:s3:::%s", bucket)},
			},
			{
				Sid:      "ReadDatabaseSecret",
				Effect:   "Allow",
				Action:   []string{"secretsmanager:GetSecretValue"},
				Resource: []string{secretARN},
			},
		},
	}
}

package infra

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"slices"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"

	"tierstack/internal/config"
)

const composeVersion = "v2.29.7"

// Compose start and health wait retry limits
const (
	composeStartAttempts = 5
	healthWaitAttempts   = 30
)

const backendUserDataTemplate = `#!/bin/bash
exec > >(tee -a /var/log/user-data.log | logger -t user-data -s 2>/dev/console) 2>&1
set -uo pipefail
echo "Starting backend bootstrap for {{ .Project }} ({{ .Environment }})"

dnf install -y docker amazon-cloudwatch-agent
systemctl enable --now docker
usermod -a -G docker ec2-user

mkdir -p /usr/local/lib/docker/cli-plugins
curl -fsSL "https://github.com/docker/compose/releases/download/{{ .ComposeVersion }}/docker-compose-linux-x86_64" \
  -o /usr/local/lib/docker/cli-plugins/docker-compose
chmod +x /usr/local/lib/docker/cli-plugins/docker-compose
{{ range .Registries }}
aws ecr get-login-password --region {{ .Region }} | docker login --username AWS --password-stdin {{ .Host }}
{{- end }}

mkdir -p {{ .WorkDir }}
touch {{ .WorkDir }}/.env
chmod 600 {{ .WorkDir }}/.env
{{- if .DatabaseSecret }}
if ! MONGO_URL=$(aws secretsmanager get-secret-value --region {{ .Region }} --secret-id {{ .DatabaseSecret | squote }} --query SecretString --output text) || [ -z "${MONGO_URL}" ]; then
  echo "failed to read database connection string from {{ .DatabaseSecret }}"
  exit 1
fi
echo "MONGO_URL=${MONGO_URL}" > {{ .WorkDir }}/.env
unset MONGO_URL
{{- end }}

cat > {{ .WorkDir }}/docker-compose.yml << 'EOF'
services:
{{- range .Services }}
  {{ .Name }}:
    image: {{ .Image }}
    ports:
      - "{{ .Port }}:{{ .Port }}"
    environment:
      - PORT={{ .Port }}
      - NODE_ENV={{ $.Environment }}
{{- if .NeedsDatabase }}
      - MONGO_URL=${MONGO_URL}
{{- end }}
    restart: unless-stopped
    healthcheck:
      test: ["CMD", "curl", "-f", "http://localhost:{{ .Port }}{{ .HealthPath | default "/health" }}"]
      interval: 30s
      timeout: 10s
      retries: 3
    logging:
      driver: awslogs
      options:
        awslogs-region: {{ $.Region }}
        awslogs-group: {{ $.LogGroup }}
        awslogs-create-group: "true"
        awslogs-stream: {{ .Name }}
{{- end }}
EOF

cd {{ .WorkDir }}
for attempt in $(seq 1 {{ .StartAttempts }}); do
  if docker compose pull && docker compose up -d; then
    echo "services started on attempt ${attempt}"
    break
  fi
  if [ "${attempt}" -eq {{ .StartAttempts }} ]; then
    echo "failed to start services after {{ .StartAttempts }} attempts"
    exit 1
  fi
  sleep $((attempt * 10))
done
{{ range .Services }}
for i in $(seq 1 {{ $.HealthAttempts }}); do
  if curl -fs "http://localhost:{{ .Port }}{{ .HealthPath | default "/health" }}" > /dev/null; then
    echo "{{ .Name }} is healthy"
    break
  fi
  sleep 10
done
{{- end }}

cat > {{ .AgentConfigPath }} << 'AGENT'
{{ .AgentConfig }}
AGENT
/opt/aws/amazon-cloudwatch-agent/bin/amazon-cloudwatch-agent-ctl -a fetch-config -m ec2 -s -c file:{{ .AgentConfigPath }} || true
echo "Backend bootstrap finished"
`

const frontendUserDataTemplate = `#!/bin/bash
exec > >(tee -a /var/log/user-data.log | logger -t user-data -s 2>/dev/console) 2>&1
set -uo pipefail
echo "Starting frontend bootstrap for {{ .Project }} ({{ .Environment }})"

dnf install -y docker
systemctl enable --now docker
usermod -a -G docker ec2-user
{{ range .Registries }}
aws ecr get-login-password --region {{ .Region }} | docker login --username AWS --password-stdin {{ .Host }}
{{- end }}

for attempt in $(seq 1 {{ .StartAttempts }}); do
  if docker pull {{ .Image | squote }}; then
    break
  fi
  if [ "${attempt}" -eq {{ .StartAttempts }} ]; then
    echo "failed to pull {{ .Image }} after {{ .StartAttempts }} attempts"
    exit 1
  fi
  sleep $((attempt * 10))
done

docker rm -f frontend 2>/dev/null || true
docker run -d --name frontend --restart unless-stopped -p 80:{{ .Port }} -e PORT={{ .Port }} {{ .Image | squote }}
echo "Frontend bootstrap finished"
`

var (
	backendUserData  = template.Must(template.New("backend").Funcs(sprig.TxtFuncMap()).Parse(backendUserDataTemplate))
	frontendUserData = template.Must(template.New("frontend").Funcs(sprig.TxtFuncMap()).Parse(frontendUserDataTemplate))
)

// Registry is a container registry the instance logs in to before pulling
type Registry struct {
	Host   string
	Region string
}

type backendUserDataParams struct {
	Project         string
	Environment     string
	Region          string
	ComposeVersion  string
	WorkDir         string
	LogGroup        string
	AgentConfig     string
	AgentConfigPath string
	DatabaseSecret  string
	StartAttempts   int
	HealthAttempts  int
	Registries      []Registry
	Services        []config.ServiceConfig
}

type frontendUserDataParams struct {
	Project       string
	Environment   string
	Image         string
	Port          int32
	StartAttempts int
	Registries    []Registry
}

// BackendUserData renders the backend boot script. Image placeholders are
// expanded with accountID; databaseSecret is the secret id the services
// read their connection string from, empty when none needs it.
func BackendUserData(cfg *config.Config, namer *ResourceNamer, accountID, databaseSecret string) (string, error) {
	services := make([]config.ServiceConfig, len(cfg.Backend.Services))
	images := make([]string, 0, len(services))
	for i, s := range cfg.Backend.Services {
		s.Image = config.ExpandImage(s.Image, accountID, cfg.Region)
		services[i] = s
		images = append(images, s.Image)
	}
	if !cfg.Backend.NeedsDatabase() {
		databaseSecret = ""
	}
	agent, err := BackendAgentConfig(namer.BackendLogGroup())
	if err != nil {
		return "", err
	}

	params := backendUserDataParams{
		Project:         cfg.Project,
		Environment:     cfg.Environment,
		Region:          cfg.Region,
		ComposeVersion:  composeVersion,
		WorkDir:         "/opt/" + namer.Project(),
		LogGroup:        namer.BackendLogGroup(),
		AgentConfig:     agent,
		AgentConfigPath: agentConfigPath,
		DatabaseSecret:  databaseSecret,
		StartAttempts:   composeStartAttempts,
		HealthAttempts:  healthWaitAttempts,
		Registries:      Registries(images, cfg.Region),
		Services:        services,
	}
	return render(backendUserData, params)
}

func FrontendUserData(cfg *config.Config, accountID string) (string, error) {
	image := config.ExpandImage(cfg.Frontend.Image, accountID, cfg.Region)
	params := frontendUserDataParams{
		Project:       cfg.Project,
		Environment:   cfg.Environment,
		Image:         image,
		Port:          cfg.Frontend.Port,
		StartAttempts: composeStartAttempts,
		Registries:    Registries([]string{image}, cfg.Region),
	}
	return render(frontendUserData, params)
}

func render(tmpl *template.Template, params any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, params); err != nil {
		return "", fmt.Errorf("rendering %s user data: %w", tmpl.Name(), err)
	}
	return buf.String(), nil
}

// EncodeUserData returns the base64 form EC2 expects
func EncodeUserData(script string) string {
	return base64.StdEncoding.EncodeToString([]byte(script))
}

// Registries returns the distinct ECR registries referenced by images,
// sorted by host. Images from other registries are pulled anonymously.
func Registries(images []string, defaultRegion string) []Registry {
	var out []Registry
	for _, image := range images {
		host, _, ok := strings.Cut(image, "/")
		if !ok || !strings.Contains(host, ".dkr.ecr.") {
			continue
		}
		if slices.ContainsFunc(out, func(r Registry) bool { return r.Host == host }) {
			continue
		}
		out = append(out, Registry{Host: host, Region: ecrRegion(host, defaultRegion)})
	}
	slices.SortFunc(out, func(a, b Registry) int { return strings.Compare(a.Host, b.Host) })
	return out
}

// ecrRegion reads the region out of <account>.dkr.ecr.<region>.amazonaws.com
func ecrRegion(host, fallback string) string {
	parts := strings.Split(host, ".")
	for i := 0; i+1 < len(parts); i++ {
		if parts[i] == "ecr" && parts[i+1] != "amazonaws" {
			return parts[i+1]
		}
	}
	return fallback
}

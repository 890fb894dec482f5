package sandbox

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DaemonPort is the port sandboxd listens on inside the container.
const DaemonPort = 8088

// DockerProvisioner launches sandbox containers through the docker CLI.
// The template name doubles as the image name; the image is expected to
// run sandboxd as its entrypoint.
type DockerProvisioner struct {
	dockerHost    string
	previewDomain string
	workdir       string
	log           zerolog.Logger
}

// NewDockerProvisioner creates a provisioner. dockerHost targets a
// remote daemon when non-empty; previewDomain enables public preview
// addresses of the form https://<port>-<id>.<domain>.
func NewDockerProvisioner(dockerHost, previewDomain, workdir string, log zerolog.Logger) *DockerProvisioner {
	if workdir == "" {
		workdir = "/home/user"
	}
	return &DockerProvisioner{
		dockerHost:    dockerHost,
		previewDomain: previewDomain,
		workdir:       workdir,
		log:           log,
	}
}

// dockerCmd builds a docker CLI command, optionally targeting a remote host.
func (p *DockerProvisioner) dockerCmd(args ...string) []string {
	cmd := []string{"docker"}
	if p.dockerHost != "" {
		cmd = append(cmd, "-H", p.dockerHost)
	}
	cmd = append(cmd, args...)
	return cmd
}

// Create launches a container from the template image and waits for
// sandboxd to come up.
func (p *DockerProvisioner) Create(ctx context.Context, template string) (string, error) {
	id := "sbx-" + strings.Split(uuid.NewString(), "-")[0]

	args := p.dockerCmd("run", "-d",
		"--name", id,
		"-w", p.workdir,
		template,
	)
	out, err := exec.CommandContext(ctx, args[0], args[1:]...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("launch sandbox from %s: %s: %w", template, strings.TrimSpace(string(out)), err)
	}
	p.log.Info().Str("session", id).Str("template", template).Msg("sandbox launched")

	session, err := p.attach(ctx, id)
	if err != nil {
		return "", err
	}
	if err := session.waitReady(ctx, 30*time.Second); err != nil {
		return "", fmt.Errorf("sandbox %s not ready: %w", id, err)
	}
	return id, nil
}

// Resume reattaches to a running container.
func (p *DockerProvisioner) Resume(ctx context.Context, id string) (Session, error) {
	args := p.dockerCmd("inspect", "--format", "{{.State.Running}}", id)
	out, err := exec.CommandContext(ctx, args[0], args[1:]...).CombinedOutput()
	if err != nil || !strings.Contains(strings.ToLower(string(out)), "true") {
		return nil, fmt.Errorf("session %s: %w", id, ErrSessionUnavailable)
	}
	session, err := p.attach(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := session.healthz(ctx); err != nil {
		return nil, fmt.Errorf("session %s: sandboxd unreachable: %w", id, ErrSessionUnavailable)
	}
	return session, nil
}

// attach resolves the container address and builds a daemon session.
func (p *DockerProvisioner) attach(ctx context.Context, id string) (*DaemonSession, error) {
	args := p.dockerCmd("inspect", "--format",
		"{{range .NetworkSettings.Networks}}{{.IPAddress}}{{end}}", id)
	out, err := exec.CommandContext(ctx, args[0], args[1:]...).Output()
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", id, ErrSessionUnavailable)
	}
	ip := strings.TrimSpace(string(out))
	if ip == "" || ip == "<no value>" {
		return nil, fmt.Errorf("session %s: no container address: %w", id, ErrSessionUnavailable)
	}

	addr := fmt.Sprintf("%s:%d", ip, DaemonPort)
	return NewDaemonSession(id, addr, p.previewDomain), nil
}

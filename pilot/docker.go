package pilot

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
)

// DockerPilot runs each subjob as a container. The replica working directory
// is bind-mounted at the same path inside the container so the engine's
// artifacts land on the host filesystem where the coordinator inspects them.
type DockerPilot struct {
	client      *client.Client
	image       string
	mu          sync.Mutex
	containers  map[Handle]string
	cores       map[Handle]int
	totalCores  int
	subjobCores int
	buffer      float64
}

func NewDockerPilot(img string, totalCores, subjobCores int, buffer float64) (*DockerPilot, error) {
	c, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("pilot: docker client: %w", err)
	}
	if totalCores < 1 {
		totalCores = DetectCores()
	}
	return &DockerPilot{
		client:      c,
		image:       img,
		containers:  map[Handle]string{},
		cores:       map[Handle]int{},
		totalCores:  totalCores,
		subjobCores: subjobCores,
		buffer:      buffer,
	}, nil
}

func (p *DockerPilot) Submit(ctx context.Context, d Descriptor) (Handle, error) {
	rc, err := p.client.ImagePull(ctx, p.image, image.PullOptions{})
	if err == nil {
		io.Copy(io.Discard, rc)
		rc.Close()
	}

	cmd := append([]string{d.Executable}, d.Args...)
	if d.Stdout != "" || d.Stderr != "" {
		line := strings.Join(cmd, " ")
		if d.Stdout != "" {
			line += " >" + d.Stdout
		}
		if d.Stderr != "" {
			line += " 2>" + d.Stderr
		}
		cmd = []string{"/bin/sh", "-c", line}
	}

	created, err := p.client.ContainerCreate(ctx,
		&container.Config{
			Image:      p.image,
			Cmd:        cmd,
			Env:        d.Environment,
			WorkingDir: d.WorkDir,
		},
		&container.HostConfig{
			Binds: []string{d.WorkDir + ":" + d.WorkDir},
		},
		nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("pilot: create container: %w", err)
	}
	if err := p.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("pilot: start container %s: %w", created.ID, err)
	}

	h := NewHandle()
	cores := d.Processes
	if cores < 1 {
		cores = p.subjobCores
	}
	p.mu.Lock()
	p.containers[h] = created.ID
	p.cores[h] = cores
	p.mu.Unlock()
	return h, nil
}

func (p *DockerPilot) Poll(ctx context.Context, h Handle) (State, error) {
	p.mu.Lock()
	id, ok := p.containers[h]
	p.mu.Unlock()
	if !ok {
		return Unknown, nil
	}

	info, err := p.client.ContainerInspect(ctx, id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return Unknown, nil
		}
		return Unknown, fmt.Errorf("pilot: inspect container %s: %w", id, err)
	}

	switch {
	case info.State == nil:
		return Unknown, nil
	case info.State.Running:
		return Running, nil
	case info.State.Status == "created":
		return Pending, nil
	case info.State.ExitCode == 0:
		return Done, nil
	default:
		return Failed, nil
	}
}

func (p *DockerPilot) Capacity() Capacity {
	p.mu.Lock()
	handles := make([]Handle, 0, len(p.containers))
	for h := range p.containers {
		handles = append(handles, h)
	}
	p.mu.Unlock()

	inUse := 0
	for _, h := range handles {
		st, err := p.Poll(context.Background(), h)
		if err != nil {
			continue
		}
		if st == Pending || st == Running {
			p.mu.Lock()
			inUse += p.cores[h]
			p.mu.Unlock()
		}
	}
	return Capacity{InUse: inUse, Total: p.totalCores, Buffer: p.buffer}
}

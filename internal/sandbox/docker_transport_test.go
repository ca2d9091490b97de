package sandbox

import (
	"context"
	"testing"
)

// Exercises the container defaulting logic; skips the rest if no Docker
// daemon is reachable, mirroring the teacher's tools.DockerSandbox test.
func TestNewDockerTransport_Defaults(t *testing.T) {
	ctx := context.Background()
	tr, err := NewDockerTransport(ctx, ContainerConfig{Image: "alpine", Cmd: []string{"cat"}})
	if err != nil {
		t.Skip("docker daemon unavailable (expected in CI without docker):", err)
	}
	defer tr.Close()

	if !tr.Alive() {
		t.Fatal("expected freshly started container to be alive")
	}
}

func TestNewDockerTransport_BadImage(t *testing.T) {
	ctx := context.Background()
	_, err := NewDockerTransport(ctx, ContainerConfig{Image: "this-image-does-not-exist:bogus"})
	if err == nil {
		t.Skip("docker daemon unavailable or image unexpectedly resolved")
	}
}

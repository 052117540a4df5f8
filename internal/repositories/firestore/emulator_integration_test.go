//go:build integration

package firestore

import (
	"context"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"testing"
	"time"
)

const emulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"

// runEmulator starts a throwaway Firestore emulator container and returns its host:port. The test
// is skipped when docker is unusable; the container is stopped on cleanup.
func runEmulator(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skipf("docker not available: %v", err)
	}
	probeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := exec.CommandContext(probeCtx, "docker", "info").Run(); err != nil {
		t.Skipf("docker daemon not available: %v", err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("allocate port: %v", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	_ = listener.Close()
	endpoint := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))

	out, err := exec.Command("docker", "run", "-d", "--rm",
		"-p", strconv.Itoa(port)+":8080",
		emulatorImage,
		"gcloud", "beta", "emulators", "firestore", "start", "--host-port=0.0.0.0:8080", "--quiet",
	).CombinedOutput()
	if err != nil {
		t.Fatalf("start emulator: %v: %s", err, out)
	}
	container := strings.TrimSpace(string(out))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = exec.CommandContext(ctx, "docker", "stop", container).Run()
	})

	for deadline := time.Now().Add(30 * time.Second); time.Now().Before(deadline); time.Sleep(200 * time.Millisecond) {
		if conn, err := net.DialTimeout("tcp", endpoint, 500*time.Millisecond); err == nil {
			_ = conn.Close()
			return endpoint
		}
	}
	t.Fatalf("emulator at %s not ready after 30s", endpoint)
	return ""
}

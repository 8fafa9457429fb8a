package config

import (
	"testing"
)

func TestDockerHost(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"localhost", "host.docker.internal"},
		{"127.0.0.1", "host.docker.internal"},
		{"::1", "host.docker.internal"},
		{"mydb.example.com", "mydb.example.com"},
		{"192.168.1.100", "192.168.1.100"},
		{"host.docker.internal", "host.docker.internal"},
	}

	for _, tt := range tests {
		if got := dockerHost(tt.input); got != tt.expected {
			t.Errorf("dockerHost(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestResolveHostForDocker_EmptyHostUnchanged(t *testing.T) {
	// Redis is disabled by an empty host; that must survive resolution.
	if got := ResolveHostForDocker(""); got != "" {
		t.Errorf("ResolveHostForDocker(\"\") = %q, want empty", got)
	}
}

func TestResolveHostForDocker_LocalhostVariants(t *testing.T) {
	for _, host := range []string{"localhost", "127.0.0.1"} {
		result := ResolveHostForDocker(host)
		if IsRunningInDocker() {
			if result != "host.docker.internal" {
				t.Errorf("ResolveHostForDocker(%q) in Docker = %q, want %q", host, result, "host.docker.internal")
			}
		} else if result != host {
			t.Errorf("ResolveHostForDocker(%q) not in Docker = %q, want %q", host, result, host)
		}
	}
}

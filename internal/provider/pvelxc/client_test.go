package pvelxc

import (
	"testing"

	"github.com/docker/go-connections/nat"
)

func TestContainerNameRoundTrip(t *testing.T) {
	id := toInstanceID("cmux-3")
	if id != "pvelxc-cmux-3" {
		t.Fatalf("toInstanceID = %q", id)
	}
	if got := containerName(id); got != "cmux-3" {
		t.Fatalf("containerName = %q", got)
	}
}

func TestReservedPortBindingsCoverAllReservedPorts(t *testing.T) {
	exposed, bindings := reservedPortBindings()
	if len(exposed) != len(reservedPortNames()) {
		t.Fatalf("exposed set size = %d, want %d", len(exposed), len(reservedPortNames()))
	}
	if len(bindings) != len(reservedPortNames()) {
		t.Fatalf("bindings size = %d, want %d", len(bindings), len(reservedPortNames()))
	}
}

func TestHostBindingFindsFirstNonEmptyPort(t *testing.T) {
	ports := nat.PortMap{
		"39378/tcp": []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: "54321"}},
	}
	got, ok := hostBinding(ports, 39378)
	if !ok || got != "54321" {
		t.Fatalf("hostBinding = (%q, %v)", got, ok)
	}
	if _, ok := hostBinding(ports, 39999); ok {
		t.Fatalf("expected no binding for unmapped port")
	}
}

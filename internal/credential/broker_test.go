package credential

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/karlorz/cmux-sub003/internal/githubapp"
	"github.com/karlorz/cmux-sub003/internal/provider"
)

type fakeApp struct {
	calls int
}

func (f *fakeApp) Mint(ctx context.Context, req githubapp.MintRequest) (githubapp.InstallationToken, error) {
	f.calls++
	return githubapp.InstallationToken{Token: "tok", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

// fakeExecInstance runs commands purely in memory, failing the first N
// attempts of any scripted command to exercise the retry/backoff path.
type fakeExecInstance struct {
	mu        sync.Mutex
	failUntil int
	calls     int
	commands  [][]string
}

func (f *fakeExecInstance) Kind() provider.Kind { return provider.KindPveLXC }
func (f *fakeExecInstance) Get(ctx context.Context, id string) (provider.Instance, error) {
	return provider.Instance{ID: id}, nil
}
func (f *fakeExecInstance) Start(ctx context.Context, opts provider.StartOptions) (provider.Instance, error) {
	return provider.Instance{}, nil
}
func (f *fakeExecInstance) Exec(ctx context.Context, id string, cmd []string, opts provider.ExecOptions) (provider.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
	f.calls++
	if f.calls <= f.failUntil {
		return provider.ExecResult{ExitCode: 1, Stderr: "transient failure"}, nil
	}
	return provider.ExecResult{ExitCode: 0}, nil
}
func (f *fakeExecInstance) ExposeHTTPService(ctx context.Context, id, name string, port int) error { return nil }
func (f *fakeExecInstance) HideHTTPService(ctx context.Context, id, name string) error              { return nil }
func (f *fakeExecInstance) Pause(ctx context.Context, id string) error                              { return nil }
func (f *fakeExecInstance) Resume(ctx context.Context, id string) error                             { return nil }
func (f *fakeExecInstance) Stop(ctx context.Context, id string) error                               { return nil }
func (f *fakeExecInstance) SetWakeOnConnection(ctx context.Context, id string, enabled bool) error  { return nil }
func (f *fakeExecInstance) Snapshot(ctx context.Context, id string) (string, string, error)         { return "", "", nil }

func TestInstallSucceedsOnFirstTry(t *testing.T) {
	fi := &fakeExecInstance{}
	b := New(&fakeApp{}, nil, fi)
	b.sleep = func(time.Duration) {}

	err := b.Install(context.Background(), InstallRequest{InstanceID: "inst-1", Host: "github.com", Token: "ghs_abc"})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
}

func TestInstallRetriesWithBackoffThenSucceeds(t *testing.T) {
	// Fail every exec call on the first installOnce pass (rm, mkdir are
	// the first two commands) so the outer loop retries the whole
	// sequence, then let the second pass succeed.
	fi := &fakeExecInstance{failUntil: 1}
	b := New(&fakeApp{}, nil, fi)
	var slept []time.Duration
	b.sleep = func(d time.Duration) { slept = append(slept, d) }

	err := b.Install(context.Background(), InstallRequest{InstanceID: "inst-1", Host: "github.com", Token: "ghs_abc"})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if len(slept) == 0 {
		t.Fatalf("expected at least one backoff sleep")
	}
	if slept[0] != retryBase {
		t.Fatalf("expected first backoff to equal base delay, got %v", slept[0])
	}
}

func TestInstallFailsAfterExhaustingRetries(t *testing.T) {
	fi := &fakeExecInstance{failUntil: 1000}
	b := New(&fakeApp{}, nil, fi)
	b.sleep = func(time.Duration) {}

	err := b.Install(context.Background(), InstallRequest{InstanceID: "inst-1", Host: "github.com", Token: "ghs_abc"})
	if err == nil {
		t.Fatalf("expected error after exhausting retries")
	}
}

func TestDoctorProbeReportsMintFailureAsUnhealthy(t *testing.T) {
	probe := NewDoctorProbe(nil)
	ok, err := probe.RateLimitOK(context.Background(), 1)
	if ok || err == nil {
		t.Fatalf("expected unconfigured probe to report unhealthy")
	}
}

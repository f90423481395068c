package launch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/nbkernel/internal/kernel/kernelspec"
)

type fakeHost struct {
	specs kernelspec.Specs
	err   error

	mu    sync.Mutex
	pings []string
}

func (h *fakeHost) KernelSpecs(ctx context.Context) (kernelspec.Specs, error) {
	return h.specs, h.err
}

func (h *fakeHost) Ping(_ context.Context, spec kernelspec.Spec) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pings = append(h.pings, spec.Name)
	return nil
}

func (h *fakeHost) pinged() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.pings...)
}

func TestLaunchByName(t *testing.T) {
	f := newFixture(t)
	spec := *shellSpec(`exec sleep 30`)
	spec.Name = ""
	h := &fakeHost{specs: kernelspec.Specs{"bash": spec}}
	orch := f.orchestrator(WithHost(h))

	events, err := orch.LaunchByName(context.Background(), "bash", f.dir)
	require.NoError(t, err)
	log := record(events)

	kern := log.wait(t, EventLaunchSucceeded).Kernel
	assert.Equal(t, "bash", kern.SpecName)
	assert.Eventually(t, func() bool { return len(h.pinged()) == 1 }, waitTimeout, 5*time.Millisecond)
	assert.Equal(t, []string{"bash"}, h.pinged())

	require.NoError(t, kern.Stop(time.Second))
	log.closed(t)
}

func TestLaunchByNameErrors(t *testing.T) {
	f := newFixture(t)

	_, err := f.orchestrator().LaunchByName(context.Background(), "python3", f.dir)
	assert.ErrorIs(t, err, ErrNoHost)

	orch := f.orchestrator(WithHost(&fakeHost{specs: kernelspec.Specs{}}))
	_, err = orch.LaunchByName(context.Background(), "", f.dir)
	assert.ErrorIs(t, err, ErrEmptyName)

	_, err = orch.LaunchByName(context.Background(), "python3", f.dir)
	assert.ErrorIs(t, err, ErrSpecMissing)
	assert.ErrorIs(t, err, kernelspec.ErrNotFound)
	var lerr *LaunchError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, "python3", lerr.SpecName)

	broken := f.orchestrator(WithHost(&fakeHost{err: errors.New("host gone")}))
	_, err = broken.LaunchByName(context.Background(), "python3", f.dir)
	assert.ErrorContains(t, err, "host gone")

	assert.Zero(t, f.supervisor.Count())
}

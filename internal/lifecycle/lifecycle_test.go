package lifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDocker struct {
	containers []types.Container
	stopErr    map[string]error
	startErr   map[string]error
	running    map[string]bool

	stopCalls  []string
	startCalls []string
}

func (f *fakeDocker) ContainerList(_ context.Context, _ container.ListOptions) ([]types.Container, error) {
	return f.containers, nil
}

func (f *fakeDocker) ContainerStop(_ context.Context, id string, _ container.StopOptions) error {
	f.stopCalls = append(f.stopCalls, id)
	return f.stopErr[id]
}

func (f *fakeDocker) ContainerStart(_ context.Context, id string, _ container.StartOptions) error {
	f.startCalls = append(f.startCalls, id)
	return f.startErr[id]
}

func (f *fakeDocker) ContainerInspect(_ context.Context, id string) (types.ContainerJSON, error) {
	return types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			State: &types.ContainerState{Running: f.running[id]},
		},
	}, nil
}

func newController(api dockerAPI) *Controller {
	c := NewController(zerolog.Nop(), api, "volume-backup.stop-during-backup")
	c.ownHostname = "self00000000"
	return c
}

func TestDiscover_SortsByIDAndExcludesSelf(t *testing.T) {
	api := &fakeDocker{containers: []types.Container{
		{ID: "bbb", Names: []string{"/db"}},
		{ID: "aaa", Names: []string{"/cache"}},
		{ID: "self00000000abcdef", Names: []string{"/backup-agent"}},
	}}

	refs, err := newController(api).Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, "aaa", refs[0].ID)
	assert.Equal(t, "cache", refs[0].Name)
	assert.Equal(t, "bbb", refs[1].ID)
}

func TestDiscover_NoRuntimeAttached(t *testing.T) {
	c := NewController(zerolog.Nop(), nil, "volume-backup.stop-during-backup")

	refs, err := c.Discover(context.Background())
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestStopAll_ContinuesPastFailures(t *testing.T) {
	api := &fakeDocker{
		stopErr: map[string]error{"bbb": errors.New("daemon busy")},
		running: map[string]bool{"bbb": true},
	}
	refs := []ContainerRef{{ID: "aaa", Name: "a"}, {ID: "bbb", Name: "b"}, {ID: "ccc", Name: "c"}}

	stopped, outcomes := newController(api).StopAll(context.Background(), refs)

	assert.Equal(t, []string{"aaa", "bbb", "ccc"}, api.stopCalls)
	require.Len(t, stopped, 2)
	assert.Equal(t, "aaa", stopped[0].ID)
	assert.Equal(t, "ccc", stopped[1].ID)
	assert.Equal(t, 1, Failed(outcomes))
}

func TestStopAll_AlreadyStoppedIsSuccess(t *testing.T) {
	api := &fakeDocker{stopErr: map[string]error{"aaa": errdefs.ErrNotModified}}

	stopped, outcomes := newController(api).StopAll(context.Background(),
		[]ContainerRef{{ID: "aaa", Name: "a"}})

	require.Len(t, stopped, 1)
	assert.Zero(t, Failed(outcomes))
}

func TestStopAll_TransientErrorButContainerWentDown(t *testing.T) {
	// Stop returns an error but inspect confirms the container is no longer
	// running, so it counts as stopped and must be restarted later.
	api := &fakeDocker{
		stopErr: map[string]error{"aaa": errors.New("timeout")},
		running: map[string]bool{"aaa": false},
	}

	stopped, _ := newController(api).StopAll(context.Background(),
		[]ContainerRef{{ID: "aaa", Name: "a"}})
	assert.Len(t, stopped, 1)
}

func TestStopAll_FailedStopStillRunningIsExcluded(t *testing.T) {
	api := &fakeDocker{
		stopErr: map[string]error{"aaa": errors.New("timeout")},
		running: map[string]bool{"aaa": true},
	}

	stopped, outcomes := newController(api).StopAll(context.Background(),
		[]ContainerRef{{ID: "aaa", Name: "a"}})
	assert.Empty(t, stopped)
	assert.Equal(t, 1, Failed(outcomes))
}

func TestRestartAll_ContinuesPastFailures(t *testing.T) {
	api := &fakeDocker{startErr: map[string]error{"aaa": errors.New("no such image")}}
	refs := []ContainerRef{{ID: "aaa", Name: "a"}, {ID: "bbb", Name: "b"}}

	outcomes := newController(api).RestartAll(context.Background(), refs)

	assert.Equal(t, []string{"aaa", "bbb"}, api.startCalls)
	require.Len(t, outcomes, 2)
	assert.Error(t, outcomes[0].Err)
	assert.NoError(t, outcomes[1].Err)
}

func TestRestartAll_AlreadyRunningIsSuccess(t *testing.T) {
	api := &fakeDocker{startErr: map[string]error{"aaa": errdefs.ErrNotModified}}

	outcomes := newController(api).RestartAll(context.Background(),
		[]ContainerRef{{ID: "aaa", Name: "a"}})
	assert.Zero(t, Failed(outcomes))
}

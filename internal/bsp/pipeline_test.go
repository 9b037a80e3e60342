package bsp

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder implements Phases and records every call.
type recorder struct {
	calls  []string
	failOn string
}

func (r *recorder) record(name string) error {
	r.calls = append(r.calls, name)
	if name == r.failOn {
		return errors.New("boom")
	}
	return nil
}

func (r *recorder) ClearCache(context.Context) error     { return r.record("clear-cache") }
func (r *recorder) CleanCommon(context.Context) error    { return r.record("clean-common") }
func (r *recorder) DownloadCommon(context.Context) error { return r.record("download-common") }
func (r *recorder) PrepareCommon(context.Context) error  { return r.record("prepare-common") }
func (r *recorder) Clean(_ context.Context, b *Board) error {
	return r.record(b.Key + ":clean")
}
func (r *recorder) Download(_ context.Context, b *Board) error {
	return r.record(b.Key + ":download")
}
func (r *recorder) Prepare(_ context.Context, b *Board) error {
	return r.record(b.Key + ":prepare")
}
func (r *recorder) Build(_ context.Context, b *Board) error {
	return r.record(b.Key + ":build")
}
func (r *recorder) Deploy(_ context.Context, b *Board) error {
	return r.record(b.Key + ":deploy")
}

func testBoards(keys ...string) []*Board {
	var out []*Board
	for _, k := range keys {
		out = append(out, &Board{Key: k, Name: k})
	}
	return out
}

func TestParseStepsIgnoresOrder(t *testing.T) {
	a, err := ParseSteps("deploy,download,clear-cache")
	require.NoError(t, err)
	b, err := ParseSteps(" clear-cache , deploy,download")
	require.NoError(t, err)

	want := []Step{StepClearCache, StepDownload, StepDeploy}
	assert.Equal(t, want, a.Ordered())
	assert.Equal(t, want, b.Ordered())
}

func TestParseStepsErrors(t *testing.T) {
	_, err := ParseSteps("download,compile")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"compile"`)

	_, err = ParseSteps(" , ")
	assert.Error(t, err)
}

func TestDefaultStepsSkipDestructive(t *testing.T) {
	got := DefaultSteps()
	for _, s := range []Step{StepClearCache, StepCleanCommon, StepClean} {
		assert.False(t, got[s], "%s must not run by default", s)
	}
	for _, s := range []Step{StepDownloadCommon, StepPrepareCommon, StepDownload, StepPrepare, StepBuild, StepDeploy} {
		assert.True(t, got[s], "%s runs by default", s)
	}
}

func planNames(p *Pipeline) []string {
	var out []string
	for _, ps := range p.Plan() {
		out = append(out, ps.String())
	}
	return out
}

func TestPlan(t *testing.T) {
	tests := []struct {
		name   string
		steps  StepSet
		boards []string
		want   []string
	}{
		{
			name:  "prepare-common pulls in download-common",
			steps: NewStepSet(StepPrepareCommon),
			want:  []string{"download-common", "prepare-common"},
		},
		{
			name:  "download-common pulls in prepare-common",
			steps: NewStepSet(StepDownloadCommon),
			want:  []string{"download-common", "prepare-common"},
		},
		{
			name:   "board steps per board in canonical order",
			steps:  NewStepSet(StepDeploy, StepClean, StepBuild),
			boards: []string{"xavier", "orin"},
			want: []string{
				"xavier:clean", "xavier:build", "xavier:deploy",
				"orin:clean", "orin:build", "orin:deploy",
			},
		},
		{
			name:   "everything",
			steps:  NewStepSet(CanonicalSteps...),
			boards: []string{"jetson"},
			want: []string{
				"clear-cache", "clean-common", "download-common", "prepare-common",
				"jetson:clean", "jetson:download", "jetson:prepare", "jetson:build", "jetson:deploy",
			},
		},
		{
			name:  "board steps without boards",
			steps: NewStepSet(StepBuild),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Pipeline{Steps: tt.steps, Boards: testBoards(tt.boards...)}
			if diff := cmp.Diff(tt.want, planNames(p)); diff != "" {
				t.Errorf("plan mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPipelineRun(t *testing.T) {
	rec := &recorder{}
	p := &Pipeline{
		Steps:  NewStepSet(StepDeploy, StepDownloadCommon, StepBuild),
		Boards: testBoards("xavier"),
		Phases: rec,
		Log:    quietLogger(),
	}
	require.NoError(t, p.Run(context.Background()))
	assert.Equal(t, []string{"download-common", "prepare-common", "xavier:build", "xavier:deploy"}, rec.calls)
}

func TestPipelineStopsAtFirstFailure(t *testing.T) {
	rec := &recorder{failOn: "xavier:build"}
	p := &Pipeline{
		Steps:  NewStepSet(StepDownload, StepBuild, StepDeploy),
		Boards: testBoards("xavier", "orin"),
		Phases: rec,
		Log:    quietLogger(),
	}
	err := p.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step xavier:build failed")
	assert.Equal(t, []string{"xavier:download", "xavier:build"}, rec.calls)
}

func TestPipelineCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := &recorder{}
	p := &Pipeline{Steps: NewStepSet(StepClearCache), Phases: rec, Log: quietLogger()}

	assert.ErrorIs(t, p.Run(ctx), context.Canceled)
	assert.Empty(t, rec.calls)
}

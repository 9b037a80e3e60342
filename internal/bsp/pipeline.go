package bsp

import (
	"context"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Step is one named pipeline phase.
type Step string

const (
	StepClearCache     Step = "clear-cache"
	StepCleanCommon    Step = "clean-common"
	StepDownloadCommon Step = "download-common"
	StepPrepareCommon  Step = "prepare-common"
	StepClean          Step = "clean"
	StepDownload       Step = "download"
	StepPrepare        Step = "prepare"
	StepBuild          Step = "build"
	StepDeploy         Step = "deploy"
)

// CanonicalSteps is the only order steps ever execute in.
var CanonicalSteps = []Step{
	StepClearCache,
	StepCleanCommon,
	StepDownloadCommon,
	StepPrepareCommon,
	StepClean,
	StepDownload,
	StepPrepare,
	StepBuild,
	StepDeploy,
}

var boardSteps = []Step{StepClean, StepDownload, StepPrepare, StepBuild, StepDeploy}

// StepSet is an unordered selection of steps.
type StepSet map[Step]bool

// DefaultSteps runs everything except the destructive steps.
func DefaultSteps() StepSet {
	return NewStepSet(StepDownloadCommon, StepPrepareCommon, StepDownload, StepPrepare, StepBuild, StepDeploy)
}

func NewStepSet(steps ...Step) StepSet {
	s := make(StepSet, len(steps))
	for _, st := range steps {
		s[st] = true
	}
	return s
}

// ParseSteps parses a comma separated list. The order given is irrelevant.
func ParseSteps(list string) (StepSet, error) {
	known := make(map[Step]bool, len(CanonicalSteps))
	for _, s := range CanonicalSteps {
		known[s] = true
	}

	set := make(StepSet)
	for _, part := range strings.Split(list, ",") {
		name := Step(strings.TrimSpace(part))
		if name == "" {
			continue
		}
		if !known[name] {
			return nil, fmt.Errorf("unknown step %q (valid steps: %s)", name, StepNames())
		}
		set[name] = true
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("no steps selected")
	}
	return set, nil
}

// StepNames lists all steps in canonical order.
func StepNames() string {
	names := make([]string, len(CanonicalSteps))
	for i, s := range CanonicalSteps {
		names[i] = string(s)
	}
	return strings.Join(names, ",")
}

// Ordered returns the selection in canonical order.
func (s StepSet) Ordered() []Step {
	var out []Step
	for _, st := range CanonicalSteps {
		if s[st] {
			out = append(out, st)
		}
	}
	return out
}

// Phases implements the work behind each step.
type Phases interface {
	ClearCache(ctx context.Context) error
	CleanCommon(ctx context.Context) error
	DownloadCommon(ctx context.Context) error
	PrepareCommon(ctx context.Context) error
	Clean(ctx context.Context, b *Board) error
	Download(ctx context.Context, b *Board) error
	Prepare(ctx context.Context, b *Board) error
	Build(ctx context.Context, b *Board) error
	Deploy(ctx context.Context, b *Board) error
}

// PlannedStep is one unit of work: a step, scoped to a board for the
// per-board steps.
type PlannedStep struct {
	Step  Step
	Board *Board
}

func (p PlannedStep) String() string {
	if p.Board == nil {
		return string(p.Step)
	}
	return p.Board.Key + ":" + string(p.Step)
}

// Pipeline runs the selected steps for the selected boards, strictly one
// after another.
type Pipeline struct {
	Steps  StepSet
	Boards []*Board
	Phases Phases
	Log    *log.Logger
}

// Plan expands the selection into the execution sequence. download-common
// and prepare-common always run together once either is selected.
func (p *Pipeline) Plan() []PlannedStep {
	var plan []PlannedStep
	if p.Steps[StepClearCache] {
		plan = append(plan, PlannedStep{Step: StepClearCache})
	}
	if p.Steps[StepCleanCommon] {
		plan = append(plan, PlannedStep{Step: StepCleanCommon})
	}
	if p.Steps[StepDownloadCommon] || p.Steps[StepPrepareCommon] {
		plan = append(plan, PlannedStep{Step: StepDownloadCommon}, PlannedStep{Step: StepPrepareCommon})
	}
	for _, b := range p.Boards {
		for _, st := range boardSteps {
			if p.Steps[st] {
				plan = append(plan, PlannedStep{Step: st, Board: b})
			}
		}
	}
	return plan
}

// Run executes the plan. The first failure aborts the run.
func (p *Pipeline) Run(ctx context.Context) error {
	for _, ps := range p.Plan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if ps.Board != nil {
			banner(p.Log, "%s: %s", ps.Board.Name, ps.Step)
		} else {
			banner(p.Log, "%s", ps.Step)
		}
		if err := p.dispatch(ctx, ps); err != nil {
			return fmt.Errorf("step %s failed: %w", ps, err)
		}
	}
	return nil
}

func (p *Pipeline) dispatch(ctx context.Context, ps PlannedStep) error {
	switch ps.Step {
	case StepClearCache:
		return p.Phases.ClearCache(ctx)
	case StepCleanCommon:
		return p.Phases.CleanCommon(ctx)
	case StepDownloadCommon:
		return p.Phases.DownloadCommon(ctx)
	case StepPrepareCommon:
		return p.Phases.PrepareCommon(ctx)
	case StepClean:
		return p.Phases.Clean(ctx, ps.Board)
	case StepDownload:
		return p.Phases.Download(ctx, ps.Board)
	case StepPrepare:
		return p.Phases.Prepare(ctx, ps.Board)
	case StepBuild:
		return p.Phases.Build(ctx, ps.Board)
	case StepDeploy:
		return p.Phases.Deploy(ctx, ps.Board)
	}
	return fmt.Errorf("unhandled step %q", ps.Step)
}

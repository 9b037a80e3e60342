package installer

import (
	"context"
	"fmt"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// progressBar is a one line bar filled to percent.
type progressBar struct {
	*tview.Box
	percent int
}

func newProgressBar() *progressBar {
	return &progressBar{Box: tview.NewBox()}
}

func (b *progressBar) Draw(screen tcell.Screen) {
	b.Box.DrawForSubclass(screen, b)
	x, y, width, _ := b.GetInnerRect()
	filled := barWidth(width, b.percent)
	empty := tcell.StyleDefault.Background(tcell.ColorBlack)
	full := tcell.StyleDefault.Background(tcell.ColorWhite)
	for i := 0; i < width; i++ {
		style := empty
		if i < filled {
			style = full
		}
		screen.SetContent(x+i, y, ' ', nil, style)
	}
}

func barWidth(width, percent int) int {
	switch {
	case percent <= 0:
		return 0
	case percent >= 100:
		return width
	}
	return width * percent / 100
}

// progressView is the progress page. Its fields are only touched on the
// tview event loop.
type progressView struct {
	app          *tview.Application
	steps        []string
	current      int
	stepLabel    *tview.TextView
	stepBar      *progressBar
	overallLabel *tview.TextView
	overallBar   *progressBar
	layout       *tview.Flex
}

func newProgressView(app *tview.Application, steps []string) *progressView {
	v := &progressView{
		app:          app,
		steps:        steps,
		stepLabel:    tview.NewTextView(),
		stepBar:      newProgressBar(),
		overallLabel: tview.NewTextView().SetText(steps[0]),
		overallBar:   newProgressBar(),
	}
	v.layout = tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(nil, 0, 1, false).
		AddItem(v.stepLabel, 1, 0, false).
		AddItem(v.stepBar, 1, 0, false).
		AddItem(nil, 3, 0, false).
		AddItem(v.overallLabel, 1, 0, false).
		AddItem(v.overallBar, 1, 0, false).
		AddItem(nil, 0, 1, false)
	v.layout.SetBorder(true).SetTitle(" Installing ")
	return v
}

// SetStep implements Progress.
func (v *progressView) SetStep(percent int, description string) {
	v.app.QueueUpdateDraw(func() {
		v.stepBar.percent = percent
		v.stepLabel.SetText(description)
	})
}

// NextStep implements Progress.
func (v *progressView) NextStep() {
	v.app.QueueUpdateDraw(func() {
		v.current++
		v.stepLabel.SetText("")
		if v.current < len(v.steps) {
			v.overallLabel.SetText(v.steps[v.current])
			v.stepBar.percent = 0
			v.overallBar.percent = v.current * 100 / len(v.steps)
			return
		}
		v.overallLabel.SetText("Installation complete")
		v.stepBar.percent = 100
		v.overallBar.percent = 100
	})
}

// Result is the outcome of an interactive session.
type Result struct {
	Cancelled bool
	Restart   bool
}

// RunTUI lets the user pick a configuration, installs with progress and
// finally offers a restart.
func RunTUI(ctx context.Context, inst *Installer, plan Plan) (Result, error) {
	var res Result
	var installErr error

	app := tview.NewApplication()
	pages := tview.NewPages()
	det := plan.Detection

	title := tview.NewTextView().
		SetTextAlign(tview.AlignCenter).
		SetText("Current board " + det.Board.Name)
	title.SetBorder(true)

	list := tview.NewList().ShowSecondaryText(false)
	for _, c := range det.Configurations {
		list.AddItem(c.Name, c.TargetBoard, 0, nil)
	}
	list.SetCurrentItem(det.Selected)
	list.SetDoneFunc(func() {
		res.Cancelled = true
		app.Stop()
	})

	progress := newProgressView(app, Steps)

	restart := tview.NewModal().
		SetText("Installation complete. A restart is required!\nRestart now?").
		AddButtons([]string{"Yes", "No"}).
		SetDoneFunc(func(_ int, label string) {
			res.Restart = label == "Yes"
			app.Stop()
		})

	failed := tview.NewModal().
		AddButtons([]string{"OK"}).
		SetDoneFunc(func(int, string) { app.Stop() })

	list.SetSelectedFunc(func(index int, _, _ string, _ rune) {
		det.Selected = index
		pages.SwitchToPage("progress")
		go func() {
			err := inst.Install(ctx, plan, progress)
			app.QueueUpdateDraw(func() {
				if err != nil {
					installErr = err
					failed.SetText(fmt.Sprintf("Installation failed:\n%v\n\nSee install.log for details.", err))
					pages.SwitchToPage("failed")
					return
				}
				pages.SwitchToPage("restart")
			})
		}()
	})

	selectPage := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(title, 3, 0, false).
		AddItem(list, 0, 1, true).
		AddItem(tview.NewTextView().
			SetTextAlign(tview.AlignCenter).
			SetText("Use ↑/↓ to choose, Enter to install, Esc to quit"), 1, 0, false)

	pages.AddPage("select", selectPage, true, true).
		AddPage("progress", progress.layout, true, false).
		AddPage("restart", restart, true, false).
		AddPage("failed", failed, true, false)

	if err := app.SetRoot(pages, true).SetFocus(list).Run(); err != nil {
		return res, err
	}
	return res, installErr
}

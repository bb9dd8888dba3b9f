package runner

import (
	"fmt"
	"strings"

	"github.com/raterudder/loadrudder/pkg/controller"
	"github.com/raterudder/loadrudder/pkg/types"
)

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

func statusMessage(settings types.Settings, d controller.Decision) string {
	if d.On {
		return fmt.Sprintf("%s will run because %s", settings.DeviceName, d.Explanation)
	}
	return fmt.Sprintf("%s won't run because %s", settings.DeviceName, d.Explanation)
}

// summaryLine is the one line written to the log after every tick.
func summaryLine(state types.ControllerState, d controller.Decision) string {
	today := state.Today()
	var b strings.Builder
	fmt.Fprintf(&b, "%s switch is %s. Target: %.2f hours. Actual: %.2f hours. Planned: %.2f hours.",
		state.DeviceName, onOff(d.On), today.TargetRuntime, today.RuntimeToday, types.WindowsHours(state.TodayRunPlan))
	if state.CurrentPrice != nil {
		fmt.Fprintf(&b, " Price now: %.2f c/kWh.", *state.CurrentPrice)
	} else {
		b.WriteString(" No live prices.")
	}
	if state.AverageForecastPrice != nil {
		fmt.Fprintf(&b, " Average forecast price: %.2f c/kWh.", *state.AverageForecastPrice)
	}
	if d.On {
		fmt.Fprintf(&b, " Will run because %s.", d.Explanation)
	} else {
		fmt.Fprintf(&b, " Won't run because %s.", d.Explanation)
	}
	return b.String()
}

// summaryBody adds the run plan to the summary line.
func summaryBody(state types.ControllerState, d controller.Decision) string {
	var b strings.Builder
	b.WriteString(summaryLine(state, d))
	if len(state.TodayRunPlan) == 0 {
		return b.String()
	}
	fmt.Fprintf(&b, "\n\n%s run plan:\n", state.DeviceName)
	for i, w := range state.TodayRunPlan {
		fmt.Fprintf(&b, "  %d: From %s to %s", i+1, w.From.Format("15:04"), w.To.Format("15:04"))
		if w.AveragePrice != nil {
			fmt.Fprintf(&b, " - %.2f c/kWh", *w.AveragePrice)
		}
		b.WriteString("\n")
	}
	return b.String()
}

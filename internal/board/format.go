package board

import (
	"math"
	"strconv"
	"strings"
)

// DefaultGroup holds entities whose record names no group.
const DefaultGroup = "default"

// NoErrors is shown on the errors tab when a record carries none.
const NoErrors = "None"

// Indicator is the style class of an entity's status dot.
type Indicator string

const (
	IndicatorActive   Indicator = "status-active"
	IndicatorInactive Indicator = "status-inactive"
)

// Timer labels, in display order.
var TimerLabels = [4]string{"create", "runPeriodic", "shutdown", "close"}

// Tab is one of the inner tabs of an entity panel.
type Tab string

const (
	TabLogs   Tab = "logs"
	TabErrors Tab = "errors"
	TabStream Tab = "stream"
)

// tabOrder is the fixed display order of inner tabs.
var tabOrder = [...]Tab{TabLogs, TabErrors, TabStream}

// Label returns the display name of the tab.
func (t Tab) Label() string {
	switch t {
	case TabLogs:
		return "Logs"
	case TabErrors:
		return "Errors"
	case TabStream:
		return "Camera"
	}
	return string(t)
}

func indicatorFor(active string) Indicator {
	if strings.ToLower(active) == "active" {
		return IndicatorActive
	}
	return IndicatorInactive
}

func groupKey(group string) string {
	if group == "" {
		return DefaultGroup
	}
	return group
}

func errorsText(errs string) string {
	if errs == "" {
		return NoErrors
	}
	return errs
}

// FormatSeconds renders a timer value with two decimals, or "N/A" when it is
// absent, negative or not a finite number.
func FormatSeconds(v *float64) string {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) || *v < 0 {
		return "N/A"
	}
	return strconv.FormatFloat(*v, 'f', 2, 64)
}

// FormatTimer renders "<label>: <value>".
func FormatTimer(label string, v *float64) string {
	return label + ": " + FormatSeconds(v)
}

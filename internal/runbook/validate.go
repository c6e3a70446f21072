package runbook

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// cronParser supports standard 5-field cron expressions and descriptors like @hourly.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule parses a cron expression into a Schedule.
func ParseSchedule(expr string) (cron.Schedule, error) {
	return cronParser.Parse(expr)
}

var validWeekdays = map[string]struct{}{
	"mon": {}, "tue": {}, "wed": {}, "thu": {}, "fri": {}, "sat": {}, "sun": {},
}

// Validate checks a definition for structural problems. A definition that
// fails validation is rejected at creation and never reaches execution.
func Validate(d *Definition) error {
	if strings.TrimSpace(d.Name) == "" {
		return errors.New("runbook name is required")
	}
	if len(d.Steps) == 0 {
		return errors.New("runbook must define at least one step")
	}
	if d.Schedule != "" {
		if _, err := ParseSchedule(d.Schedule); err != nil {
			return fmt.Errorf("invalid schedule: %w", err)
		}
	}
	if d.ApprovalRequired && len(d.ApproverRoles) == 0 {
		return errors.New("approval_required set but approver_roles is empty")
	}
	if d.MaxExecutionsPerHour < 0 {
		return errors.New("max_executions_per_hour must not be negative")
	}
	if d.CooldownMinutes < 0 {
		return errors.New("cooldown_minutes must not be negative")
	}
	if d.CircuitBreakerThreshold < 0 {
		return errors.New("circuit_breaker_threshold must not be negative")
	}
	for i, w := range d.BlackoutWindows {
		if err := validateWindow(w); err != nil {
			return fmt.Errorf("blackout window %d: %w", i+1, err)
		}
	}

	orders := make(map[int]struct{}, len(d.Steps))
	prev := 0
	for i := range d.Steps {
		s := &d.Steps[i]
		if _, dup := orders[s.Order]; dup {
			return fmt.Errorf("duplicate step order %d", s.Order)
		}
		orders[s.Order] = struct{}{}
		if s.Order <= prev {
			return fmt.Errorf("step orders must be ascending: %d after %d", s.Order, prev)
		}
		prev = s.Order
		if err := validateStep(s, false); err != nil {
			return fmt.Errorf("step %d: %w", s.Order, err)
		}
	}

	// Conditional jump targets must resolve to a forward step or to the
	// position just past the last one (which ends the runbook).
	for i := range d.Steps {
		s := &d.Steps[i]
		if s.Type != StepConditional {
			continue
		}
		for _, target := range []int{s.ThenOrder, s.ElseOrder} {
			if target <= s.Order {
				return fmt.Errorf("step %d: jump target %d must be after the conditional", s.Order, target)
			}
			if _, ok := orders[target]; !ok && target != prev+1 {
				return fmt.Errorf("step %d: jump target %d does not exist", s.Order, target)
			}
		}
	}

	prev = 0
	for i := range d.RollbackSteps {
		s := &d.RollbackSteps[i]
		if s.Order <= prev {
			return fmt.Errorf("rollback step orders must be ascending: %d after %d", s.Order, prev)
		}
		prev = s.Order
		if s.Type == StepConditional || s.Type == StepManualApproval {
			return fmt.Errorf("rollback step %d: %s steps are not allowed in rollback", s.Order, s.Type)
		}
		if err := validateStep(s, false); err != nil {
			return fmt.Errorf("rollback step %d: %w", s.Order, err)
		}
	}
	return nil
}

func validateStep(s *StepSpec, embedded bool) error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("step name is required")
	}
	if !isSafeName(s.Name) {
		return errors.New("invalid step name: use only letters, numbers, '.', '-', '_'")
	}
	if _, err := s.ParseTimeout(); err != nil {
		return fmt.Errorf("invalid timeout: %w", err)
	}

	switch s.Type {
	case StepCommand:
		if s.Command == "" {
			return errors.New("command step requires a command")
		}
		if s.OSType != OSLinux && s.OSType != OSWindows {
			return fmt.Errorf("unknown os_type %q", s.OSType)
		}
		if s.Target == "" {
			return errors.New("command step requires a target")
		}
	case StepAPICall:
		if s.Endpoint == "" {
			return errors.New("api_call step requires an endpoint")
		}
	case StepConditional:
		if embedded {
			return errors.New("conditional steps may not be nested inside a loop")
		}
		if s.Predicate == "" {
			return errors.New("conditional step requires a predicate")
		}
		if s.ThenOrder == 0 || s.ElseOrder == 0 {
			return errors.New("conditional step requires then_order and else_order")
		}
	case StepLoop:
		if embedded {
			return errors.New("loop steps may not be nested")
		}
		if s.Items == "" {
			return errors.New("loop step requires an items expression")
		}
		if s.Step == nil {
			return errors.New("loop step requires an embedded step")
		}
		if s.Step.Type != StepCommand && s.Step.Type != StepAPICall {
			return fmt.Errorf("loop body must be a command or api_call step, got %q", s.Step.Type)
		}
		if err := validateStep(s.Step, true); err != nil {
			return fmt.Errorf("loop body: %w", err)
		}
	case StepManualApproval:
		// Message is optional.
	default:
		return fmt.Errorf("unknown step_type %q", s.Type)
	}
	return nil
}

func validateWindow(w BlackoutWindow) error {
	if len(w.Days) == 0 {
		return errors.New("days is required")
	}
	for _, day := range w.Days {
		if _, ok := validWeekdays[strings.ToLower(day)]; !ok {
			return fmt.Errorf("unknown weekday %q", day)
		}
	}
	for _, v := range []string{w.Start, w.End} {
		if !isClockTime(v) {
			return fmt.Errorf("invalid time %q: want HH:MM", v)
		}
	}
	return nil
}

func isClockTime(v string) bool {
	if len(v) != 5 || v[2] != ':' {
		return false
	}
	hh := (int(v[0]-'0'))*10 + int(v[1]-'0')
	mm := (int(v[3]-'0'))*10 + int(v[4]-'0')
	for _, ch := range []byte{v[0], v[1], v[3], v[4]} {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return hh >= 0 && hh < 24 && mm >= 0 && mm < 60
}

func isSafeName(name string) bool {
	for _, ch := range name {
		isLower := ch >= 'a' && ch <= 'z'
		isUpper := ch >= 'A' && ch <= 'Z'
		isDigit := ch >= '0' && ch <= '9'
		if isLower || isUpper || isDigit || ch == '-' || ch == '_' || ch == '.' {
			continue
		}
		return false
	}
	return true
}

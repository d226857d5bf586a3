// Package rules holds the pure evaluators for automatically verifiable checks.
// Evaluators do no I/O and read the clock only through their now argument.
package rules

import (
	"fmt"
	"strings"
	"time"

	"github.com/buttermb/delviery-sub009/internal/compliance/models"
	"github.com/buttermb/delviery-sub009/internal/compliance/registry"
)

// Outcome is an evaluator's decision.
type Outcome int

const (
	// Undetermined means the context lacks the data the rule needs; the check
	// stays pending.
	Undetermined Outcome = iota
	Pass
	Fail
)

func (o Outcome) String() string {
	switch o {
	case Pass:
		return "pass"
	case Fail:
		return "fail"
	default:
		return "undetermined"
	}
}

// Failure reasons surfaced on failed checks.
const (
	ReasonOutsideZone      = "outside licensed delivery area"
	ReasonCustomerInactive = "customer account is not active"
	ReasonCustomerNotVerif = "customer is not verified"
)

// Verdict is the result of one evaluation. Data is the payload the rule observed.
type Verdict struct {
	Outcome Outcome
	Reason  string
	Data    models.CheckData
}

// Params are the policy's rule parameters. The context may narrow them but
// never widens them.
type Params struct {
	MinimumAge  int
	WindowStart string
	WindowEnd   string
	AllowedDays []string
}

// ParamsFor extracts rule parameters from a policy.
func ParamsFor(p registry.Policy) Params {
	return Params{
		MinimumAge:  p.MinimumAge,
		WindowStart: p.WindowStart,
		WindowEnd:   p.WindowEnd,
		AllowedDays: p.AllowedDays,
	}
}

// Evaluator maps context to a verdict for one check type.
type Evaluator func(ec models.EvaluationContext, p Params, now time.Time) Verdict

// For returns the evaluator for t. id_on_file has none and is always left for
// a human to confirm.
func For(t models.CheckType) (Evaluator, bool) {
	switch t {
	case models.CheckAgeVerification:
		return EvaluateAge, true
	case models.CheckLicensedZone:
		return EvaluateZone, true
	case models.CheckTimeRestriction:
		return EvaluateTime, true
	case models.CheckQuantityLimit:
		return EvaluateQuantity, true
	case models.CheckCustomerStatus:
		return EvaluateCustomerStatus, true
	case models.CheckIDOnFile:
		return nil, false
	}
	return nil, false
}

// EvaluateAge passes when the customer has reached the minimum age. A date of
// birth wins over a reported age and is measured on the delivery's local date,
// so a customer whose birthday has not yet arrived where the delivery happens
// is still underage. Without a local date or zone the check stays pending.
func EvaluateAge(ec models.EvaluationContext, p Params, now time.Time) Verdict {
	minAge := p.MinimumAge
	if minAge <= 0 {
		minAge = registry.DefaultMinimumAge
	}
	data := ec.SeedData(models.CheckAgeVerification, minAge).(models.AgeVerificationData)
	if ec.Customer == nil {
		return Verdict{Outcome: Undetermined, Data: data}
	}

	var age int
	switch {
	case ec.Customer.DateOfBirth != nil:
		day, ok := ec.Time.LocalDay(now)
		if !ok {
			return Verdict{Outcome: Undetermined, Data: data}
		}
		age = ec.Customer.DateOfBirth.AgeOn(day.Time)
		data.AsOf = &day
	case ec.Customer.Age != nil:
		age = *ec.Customer.Age
	default:
		return Verdict{Outcome: Undetermined, Data: data}
	}
	data.ObservedAge = &age

	if age < minAge {
		return Verdict{
			Outcome: Fail,
			Reason:  fmt.Sprintf("customer is under the minimum age of %d", minAge),
			Data:    data,
		}
	}
	return Verdict{Outcome: Pass, Data: data}
}

// EvaluateZone trusts the externally computed zone membership.
func EvaluateZone(ec models.EvaluationContext, _ Params, _ time.Time) Verdict {
	data := ec.SeedData(models.CheckLicensedZone, 0)
	if ec.Zone == nil || ec.Zone.InZone == nil {
		return Verdict{Outcome: Undetermined, Data: data}
	}
	if !*ec.Zone.InZone {
		return Verdict{Outcome: Fail, Reason: ReasonOutsideZone, Data: data}
	}
	return Verdict{Outcome: Pass, Data: data}
}

// EvaluateTime checks the delivery's local clock against the permitted
// window and days. Windows whose end precedes their start wrap past midnight;
// equal bounds permit the whole day. A window or day list in the context only
// narrows the policy: the clock must fall inside both windows and the weekday
// in both day lists.
func EvaluateTime(ec models.EvaluationContext, p Params, _ time.Time) Verdict {
	if ec.Time == nil || ec.Time.LocalTime == "" {
		return Verdict{Outcome: Undetermined, Data: ec.SeedData(models.CheckTimeRestriction, 0)}
	}
	data := ec.SeedData(models.CheckTimeRestriction, 0).(models.TimeRestrictionData)

	local, err := parseClock(data.LocalTime)
	if err != nil {
		return Verdict{Outcome: Undetermined, Data: data}
	}
	windows := make([]window, 0, 2)
	for _, bounds := range [][2]string{{p.WindowStart, p.WindowEnd}, {data.WindowStart, data.WindowEnd}} {
		if bounds[0] == "" && bounds[1] == "" {
			continue
		}
		w, err := parseWindow(bounds[0], bounds[1])
		if err != nil {
			return Verdict{Outcome: Undetermined, Data: data}
		}
		windows = append(windows, w)
	}
	if len(windows) == 0 {
		return Verdict{Outcome: Undetermined, Data: data}
	}
	if data.WindowStart == "" && data.WindowEnd == "" {
		data.WindowStart, data.WindowEnd = p.WindowStart, p.WindowEnd
	}

	days, restricted := narrowDays(p.AllowedDays, data.AllowedDays)
	data.AllowedDays = days
	if restricted {
		day, ok := registry.ParseWeekday(data.Weekday)
		if !ok {
			return Verdict{Outcome: Undetermined, Data: data}
		}
		if !dayAllowed(day, days) {
			return Verdict{Outcome: Fail, Reason: "deliveries not permitted on " + day.String(), Data: data}
		}
	}

	for _, w := range windows {
		if !w.contains(local) {
			return Verdict{
				Outcome: Fail,
				Reason:  fmt.Sprintf("outside permitted hours (%s-%s)", w.startText, w.endText),
				Data:    data,
			}
		}
	}
	return Verdict{Outcome: Pass, Data: data}
}

// EvaluateQuantity fails when the pre-computed total exceeds the limit.
func EvaluateQuantity(ec models.EvaluationContext, _ Params, _ time.Time) Verdict {
	data := ec.SeedData(models.CheckQuantityLimit, 0)
	q := ec.Quantity
	if q == nil || q.Total == nil || q.Limit == nil {
		return Verdict{Outcome: Undetermined, Data: data}
	}
	if q.Total.GreaterThan(*q.Limit) {
		limit := q.Limit.String() + q.Unit
		if q.Measure != "" {
			limit += " " + q.Measure
		}
		return Verdict{Outcome: Fail, Reason: "exceeds " + limit + " limit", Data: data}
	}
	return Verdict{Outcome: Pass, Data: data}
}

var blockedStatuses = map[string]bool{
	"suspended": true,
	"banned":    true,
	"blocked":   true,
	"inactive":  true,
	"closed":    true,
}

// EvaluateCustomerStatus fails for inactive, unverified or blocked accounts.
func EvaluateCustomerStatus(ec models.EvaluationContext, _ Params, _ time.Time) Verdict {
	data := ec.SeedData(models.CheckCustomerStatus, 0)
	c := ec.Customer
	if c == nil || (c.Status == "" && c.Active == nil && c.Verified == nil) {
		return Verdict{Outcome: Undetermined, Data: data}
	}
	status := strings.ToLower(strings.TrimSpace(c.Status))
	switch {
	case blockedStatuses[status]:
		return Verdict{Outcome: Fail, Reason: "customer account is " + status, Data: data}
	case c.Active != nil && !*c.Active:
		return Verdict{Outcome: Fail, Reason: ReasonCustomerInactive, Data: data}
	case c.Verified != nil && !*c.Verified:
		return Verdict{Outcome: Fail, Reason: ReasonCustomerNotVerif, Data: data}
	}
	return Verdict{Outcome: Pass, Data: data}
}

func parseClock(hhmm string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(hhmm))
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// window is a daily span in minutes after midnight.
type window struct {
	start, end         int
	startText, endText string
}

func parseWindow(start, end string) (window, error) {
	s, err := parseClock(start)
	if err != nil {
		return window{}, err
	}
	e, err := parseClock(end)
	if err != nil {
		return window{}, err
	}
	return window{start: s, end: e, startText: strings.TrimSpace(start), endText: strings.TrimSpace(end)}, nil
}

func (w window) contains(minute int) bool {
	switch {
	case w.start == w.end:
		return true
	case w.start < w.end:
		return minute >= w.start && minute < w.end
	default:
		return minute >= w.start || minute < w.end
	}
}

// narrowDays intersects the requested days with the policy's. restricted is
// false only when neither side limits the days; an empty intersection then
// permits no day at all.
func narrowDays(policy, requested []string) (days []string, restricted bool) {
	switch {
	case len(policy) == 0:
		return append([]string(nil), requested...), len(requested) > 0
	case len(requested) == 0:
		return append([]string(nil), policy...), true
	}
	days = make([]string, 0, len(requested))
	for _, r := range requested {
		if d, ok := registry.ParseWeekday(r); ok && dayAllowed(d, policy) {
			days = append(days, r)
		}
	}
	return days, true
}

func dayAllowed(day time.Weekday, allowed []string) bool {
	for _, a := range allowed {
		if d, ok := registry.ParseWeekday(a); ok && d == day {
			return true
		}
	}
	return false
}

package models

import (
	"time"
	_ "time/tzdata" // delivery time zones must resolve on hosts without zoneinfo

	"github.com/shopspring/decimal"

	dErrors "github.com/buttermb/delviery-sub009/pkg/domain-errors"
)

// EvaluationContext is the pre-computed delivery data supplied by the order
// workflow. Every section is optional; a rule whose section is missing leaves
// its check pending.
type EvaluationContext struct {
	Customer *CustomerContext `json:"customer,omitempty"`
	Identity *IdentityContext `json:"identity,omitempty"`
	Zone     *ZoneContext     `json:"zone,omitempty"`
	Time     *TimeContext     `json:"time,omitempty"`
	Quantity *QuantityContext `json:"quantity,omitempty"`
}

// Validate rejects values no rule could ever evaluate.
func (c EvaluationContext) Validate() error {
	if c.Time == nil || c.Time.TimeZone == "" {
		return nil
	}
	if _, err := time.LoadLocation(c.Time.TimeZone); err != nil || c.Time.TimeZone == "Local" {
		return dErrors.New(dErrors.CodeValidation, "context.time.time_zone must be an IANA zone name")
	}
	return nil
}

// CustomerContext carries customer attributes owned by the customer record.
type CustomerContext struct {
	DateOfBirth *Date  `json:"date_of_birth,omitempty"`
	Age         *int   `json:"age,omitempty"`
	Status      string `json:"status,omitempty"`
	Active      *bool  `json:"active,omitempty"`
	Verified    *bool  `json:"verified,omitempty"`
}

// IdentityContext describes the ID document presented, if any.
type IdentityContext struct {
	IDType      string `json:"id_type,omitempty"`
	DocumentRef string `json:"document_ref,omitempty"`
}

// ZoneContext is the result of the external geofence test.
type ZoneContext struct {
	ZoneName  string   `json:"zone_name,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	InZone    *bool    `json:"in_zone,omitempty"`
}

// TimeContext is the delivery's local clock. LocalTime is HH:MM, Weekday an
// English day name, TimeZone an IANA zone name. Window and AllowedDays can only
// narrow what the policy permits.
type TimeContext struct {
	LocalTime   string   `json:"local_time,omitempty"`
	Weekday     string   `json:"weekday,omitempty"`
	LocalDate   *Date    `json:"local_date,omitempty"`
	TimeZone    string   `json:"time_zone,omitempty"`
	WindowStart string   `json:"window_start,omitempty"`
	WindowEnd   string   `json:"window_end,omitempty"`
	AllowedDays []string `json:"allowed_days,omitempty"`
}

// LocalDay returns the calendar date at the delivery location. An explicit
// LocalDate wins; otherwise now is converted into TimeZone. ok is false when
// neither is usable.
func (t *TimeContext) LocalDay(now time.Time) (Date, bool) {
	if t == nil {
		return Date{}, false
	}
	if t.LocalDate != nil {
		return *t.LocalDate, true
	}
	if t.TimeZone == "" || t.TimeZone == "Local" {
		return Date{}, false
	}
	loc, err := time.LoadLocation(t.TimeZone)
	if err != nil {
		return Date{}, false
	}
	y, m, d := now.In(loc).Date()
	return Date{Time: time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}, true
}

// QuantityContext is the order's aggregated quantity against its limit.
type QuantityContext struct {
	Total   *decimal.Decimal `json:"total,omitempty"`
	Limit   *decimal.Decimal `json:"limit,omitempty"`
	Unit    string           `json:"unit,omitempty"`
	Measure string           `json:"measure,omitempty"`
}

// SeedData builds the initial payload for a new check of type t from the
// context, so the check records what was known when it was created.
func (c EvaluationContext) SeedData(t CheckType, minimumAge int) CheckData {
	switch t {
	case CheckAgeVerification:
		d := AgeVerificationData{MinimumAge: minimumAge}
		if c.Customer != nil {
			d.DateOfBirth = c.Customer.DateOfBirth
			d.ObservedAge = c.Customer.Age
		}
		if c.Identity != nil {
			d.IDType = c.Identity.IDType
		}
		return d.clone()
	case CheckIDOnFile:
		d := IDOnFileData{}
		if c.Identity != nil {
			d.IDType = c.Identity.IDType
			d.DocumentRef = c.Identity.DocumentRef
		}
		return d
	case CheckLicensedZone:
		d := LicensedZoneData{}
		if c.Zone != nil {
			d = LicensedZoneData(*c.Zone)
		}
		return d.clone()
	case CheckTimeRestriction:
		d := TimeRestrictionData{}
		if c.Time != nil {
			d = TimeRestrictionData(*c.Time)
		}
		return d.clone()
	case CheckQuantityLimit:
		d := QuantityLimitData{}
		if c.Quantity != nil {
			d = QuantityLimitData(*c.Quantity)
		}
		return d.clone()
	case CheckCustomerStatus:
		d := CustomerStatusData{}
		if c.Customer != nil {
			d.Status = c.Customer.Status
			d.Active = c.Customer.Active
			d.Verified = c.Customer.Verified
		}
		return d.clone()
	}
	return nil
}

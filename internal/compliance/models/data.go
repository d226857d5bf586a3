package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	dErrors "github.com/buttermb/delviery-sub009/pkg/domain-errors"
)

// CheckData is the type-specific payload of a check. Exactly one variant
// exists per CheckType; EmptyCheckData and DecodeCheckData switch over all of
// them and fail on anything unknown.
type CheckData interface {
	CheckType() CheckType
	clone() CheckData
}

// AgeVerificationData records the age evidence evaluated for the customer.
type AgeVerificationData struct {
	MinimumAge  int    `json:"minimum_age,omitempty"`
	ObservedAge *int   `json:"observed_age,omitempty"`
	DateOfBirth *Date  `json:"date_of_birth,omitempty"`
	IDType      string `json:"id_type,omitempty"`
	// AsOf is the delivery's local date the age was computed on.
	AsOf *Date `json:"as_of,omitempty"`
}

// IDOnFileData references the identity document a runner confirmed.
type IDOnFileData struct {
	IDType      string `json:"id_type,omitempty"`
	DocumentRef string `json:"document_ref,omitempty"`
}

// LicensedZoneData carries the externally resolved zone membership.
type LicensedZoneData struct {
	ZoneName  string   `json:"zone_name,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	InZone    *bool    `json:"in_zone,omitempty"`
}

// TimeRestrictionData captures the local time tested against the delivery window.
type TimeRestrictionData struct {
	LocalTime   string   `json:"local_time,omitempty"`
	Weekday     string   `json:"weekday,omitempty"`
	LocalDate   *Date    `json:"local_date,omitempty"`
	TimeZone    string   `json:"time_zone,omitempty"`
	WindowStart string   `json:"window_start,omitempty"`
	WindowEnd   string   `json:"window_end,omitempty"`
	AllowedDays []string `json:"allowed_days,omitempty"`
}

// QuantityLimitData compares the order's pre-computed total with its limit.
type QuantityLimitData struct {
	Total   *decimal.Decimal `json:"total,omitempty"`
	Limit   *decimal.Decimal `json:"limit,omitempty"`
	Unit    string           `json:"unit,omitempty"`
	Measure string           `json:"measure,omitempty"`
}

// CustomerStatusData records the customer's account flags.
type CustomerStatusData struct {
	Status   string `json:"status,omitempty"`
	Active   *bool  `json:"active,omitempty"`
	Verified *bool  `json:"verified,omitempty"`
}

func (AgeVerificationData) CheckType() CheckType { return CheckAgeVerification }
func (IDOnFileData) CheckType() CheckType        { return CheckIDOnFile }
func (LicensedZoneData) CheckType() CheckType    { return CheckLicensedZone }
func (TimeRestrictionData) CheckType() CheckType { return CheckTimeRestriction }
func (QuantityLimitData) CheckType() CheckType   { return CheckQuantityLimit }
func (CustomerStatusData) CheckType() CheckType  { return CheckCustomerStatus }

func (d AgeVerificationData) clone() CheckData {
	if d.ObservedAge != nil {
		v := *d.ObservedAge
		d.ObservedAge = &v
	}
	if d.DateOfBirth != nil {
		v := *d.DateOfBirth
		d.DateOfBirth = &v
	}
	if d.AsOf != nil {
		v := *d.AsOf
		d.AsOf = &v
	}
	return d
}

func (d IDOnFileData) clone() CheckData { return d }

func (d LicensedZoneData) clone() CheckData {
	if d.Latitude != nil {
		v := *d.Latitude
		d.Latitude = &v
	}
	if d.Longitude != nil {
		v := *d.Longitude
		d.Longitude = &v
	}
	if d.InZone != nil {
		v := *d.InZone
		d.InZone = &v
	}
	return d
}

func (d TimeRestrictionData) clone() CheckData {
	if d.LocalDate != nil {
		v := *d.LocalDate
		d.LocalDate = &v
	}
	d.AllowedDays = append([]string(nil), d.AllowedDays...)
	return d
}

func (d QuantityLimitData) clone() CheckData {
	if d.Total != nil {
		v := *d.Total
		d.Total = &v
	}
	if d.Limit != nil {
		v := *d.Limit
		d.Limit = &v
	}
	return d
}

func (d CustomerStatusData) clone() CheckData {
	if d.Active != nil {
		v := *d.Active
		d.Active = &v
	}
	if d.Verified != nil {
		v := *d.Verified
		d.Verified = &v
	}
	return d
}

// EmptyCheckData returns the zero payload for t, or nil for unknown types.
func EmptyCheckData(t CheckType) CheckData {
	switch t {
	case CheckAgeVerification:
		return AgeVerificationData{}
	case CheckIDOnFile:
		return IDOnFileData{}
	case CheckLicensedZone:
		return LicensedZoneData{}
	case CheckTimeRestriction:
		return TimeRestrictionData{}
	case CheckQuantityLimit:
		return QuantityLimitData{}
	case CheckCustomerStatus:
		return CustomerStatusData{}
	}
	return nil
}

// MarshalCheckData encodes the variant payload.
func MarshalCheckData(d CheckData) ([]byte, error) {
	if d == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(d)
}

// DecodeCheckData decodes raw into the variant selected by t. Unknown types
// and fields that do not belong to the variant are validation errors.
func DecodeCheckData(t CheckType, raw []byte) (CheckData, error) {
	empty := EmptyCheckData(t)
	if empty == nil {
		return nil, dErrors.New(dErrors.CodeValidation, "unknown check type: "+string(t))
	}
	if len(raw) == 0 || string(raw) == "null" {
		return empty, nil
	}

	var (
		out CheckData
		err error
	)
	switch t {
	case CheckAgeVerification:
		out, err = decodeStrict[AgeVerificationData](raw)
	case CheckIDOnFile:
		out, err = decodeStrict[IDOnFileData](raw)
	case CheckLicensedZone:
		out, err = decodeStrict[LicensedZoneData](raw)
	case CheckTimeRestriction:
		out, err = decodeStrict[TimeRestrictionData](raw)
	case CheckQuantityLimit:
		out, err = decodeStrict[QuantityLimitData](raw)
	case CheckCustomerStatus:
		out, err = decodeStrict[CustomerStatusData](raw)
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeValidation, fmt.Sprintf("invalid check_data for %s", t))
	}
	return out, nil
}

func decodeStrict[T CheckData](raw []byte) (CheckData, error) {
	var v T
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// Date is a calendar date encoded as YYYY-MM-DD.
type Date struct {
	time.Time
}

const dateLayout = "2006-01-02"

// ParseDate parses a YYYY-MM-DD date.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, dErrors.New(dErrors.CodeValidation, "date must be formatted YYYY-MM-DD")
	}
	return Date{Time: t}, nil
}

func (d Date) String() string { return d.Format(dateLayout) }

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// AgeOn returns the completed years between d and on.
func (d Date) AgeOn(on time.Time) int {
	years := on.Year() - d.Year()
	if on.Month() < d.Month() || (on.Month() == d.Month() && on.Day() < d.Day()) {
		years--
	}
	return years
}

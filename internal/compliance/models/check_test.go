package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buttermb/delviery-sub009/pkg/domain"
	dErrors "github.com/buttermb/delviery-sub009/pkg/domain-errors"
)

var (
	testRef = domain.DeliveryRef{OrderID: "ord-1", DeliveryID: "dlv-1"}
	t0      = time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)
)

func newCheck(t *testing.T, ct CheckType, status Status) *Check {
	t.Helper()
	c, err := NewCheck(domain.NewCheckID(), testRef, "default", ct, true, nil, t0)
	require.NoError(t, err)
	c.Status = status
	return c
}

var allStatuses = []Status{StatusPending, StatusPassed, StatusFailed, StatusSkipped, StatusOverride}

func TestStatusTransitionClosure(t *testing.T) {
	allowed := map[[2]Status]bool{
		{StatusPending, StatusPassed}:  true,
		{StatusPending, StatusFailed}:  true,
		{StatusPending, StatusSkipped}: true,
		{StatusFailed, StatusOverride}: true,
	}
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			assert.Equal(t, allowed[[2]Status{from, to}], from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
}

func TestTerminalAndResolved(t *testing.T) {
	assert.True(t, StatusPassed.IsTerminal())
	assert.True(t, StatusSkipped.IsTerminal())
	assert.True(t, StatusOverride.IsTerminal())
	assert.False(t, StatusFailed.IsTerminal())
	assert.False(t, StatusPending.IsTerminal())

	assert.True(t, StatusPassed.IsResolved())
	assert.True(t, StatusOverride.IsResolved())
	assert.False(t, StatusSkipped.IsResolved())
	assert.False(t, StatusFailed.IsResolved())
}

func TestNewCheck(t *testing.T) {
	t.Run("starts pending with empty payload", func(t *testing.T) {
		c := newCheck(t, CheckLicensedZone, StatusPending)
		assert.Equal(t, StatusPending, c.Status)
		assert.Equal(t, LicensedZoneData{}, c.Data)
		assert.Nil(t, c.VerifiedAt)
	})

	t.Run("rejects mismatched payload", func(t *testing.T) {
		_, err := NewCheck(domain.NewCheckID(), testRef, "default", CheckLicensedZone, true, IDOnFileData{}, t0)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariantViolation))
	})

	t.Run("rejects unknown type", func(t *testing.T) {
		_, err := NewCheck(domain.NewCheckID(), testRef, "default", CheckType("blood_test"), true, nil, t0)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariantViolation))
	})
}

func TestManualVerification(t *testing.T) {
	t.Run("failed without notes gets default reason", func(t *testing.T) {
		c := newCheck(t, CheckIDOnFile, StatusPending)
		require.NoError(t, c.CanManuallyVerify(StatusFailed))
		c.ApplyManualVerification(StatusFailed, "runner-1", "", t0)

		assert.Equal(t, StatusFailed, c.Status)
		assert.Equal(t, DefaultManualFailureReason, c.FailureReason)
		assert.Equal(t, VerificationManual, c.VerificationMethod)
		assert.Equal(t, "runner-1", c.VerifiedBy)
		require.NotNil(t, c.VerifiedAt)
	})

	t.Run("non pending conflicts", func(t *testing.T) {
		c := newCheck(t, CheckIDOnFile, StatusPassed)
		err := c.CanManuallyVerify(StatusFailed)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict))
	})

	t.Run("only passed or failed", func(t *testing.T) {
		c := newCheck(t, CheckIDOnFile, StatusPending)
		err := c.CanManuallyVerify(StatusOverride)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
	})
}

func TestOverrideKeepsVerificationHistory(t *testing.T) {
	c := newCheck(t, CheckLicensedZone, StatusPending)
	require.NoError(t, c.CanAutoVerify(StatusFailed))
	c.ApplyAutoVerification(StatusFailed, "outside licensed delivery area", nil, t0)

	later := t0.Add(time.Hour)
	require.NoError(t, c.CanOverride())
	c.ApplyOverride("admin-1", "Manager approved temporary zone extension", later)

	assert.Equal(t, StatusOverride, c.Status)
	assert.Equal(t, "outside licensed delivery area", c.FailureReason)
	assert.Equal(t, VerificationSystem, c.VerificationMethod)
	assert.Equal(t, domain.SystemActorID, c.VerifiedBy)
	assert.Equal(t, t0, *c.VerifiedAt)
	assert.Equal(t, "admin-1", c.OverriddenBy)
	assert.Equal(t, later, *c.OverriddenAt)

	assert.Error(t, c.CanOverride())
}

func TestCloneIsDeep(t *testing.T) {
	c := newCheck(t, CheckQuantityLimit, StatusPending)
	total := decimal.RequireFromString("120")
	c.Data = QuantityLimitData{Total: &total}
	c.ApplyAutoVerification(StatusFailed, "x", nil, t0)

	cp := c.Clone()
	*cp.VerifiedAt = t0.Add(time.Hour)
	*cp.Data.(QuantityLimitData).Total = decimal.Zero

	assert.Equal(t, t0, *c.VerifiedAt)
	assert.True(t, c.Data.(QuantityLimitData).Total.Equal(total))
}

func TestCheckJSON(t *testing.T) {
	inZone := false
	c := newCheck(t, CheckLicensedZone, StatusPending)
	c.Data = LicensedZoneData{ZoneName: "Downtown", InZone: &inZone}

	b, err := json.Marshal(c)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"check_type":"licensed_zone"`)
	assert.Contains(t, string(b), `"check_data":{"zone_name":"Downtown","in_zone":false}`)

	var decoded Check
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, c.Data, decoded.Data)
	assert.Equal(t, c.ID, decoded.ID)

	t.Run("unknown type is a validation error", func(t *testing.T) {
		_, err := DecodeCheckData(CheckType("blood_test"), []byte(`{}`))
		assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
	})

	t.Run("fields from another variant are rejected", func(t *testing.T) {
		_, err := DecodeCheckData(CheckLicensedZone, []byte(`{"minimum_age":21}`))
		assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
	})
}

func TestEveryTypeHasAVariant(t *testing.T) {
	for _, ct := range AllCheckTypes {
		d := EmptyCheckData(ct)
		require.NotNil(t, d, ct)
		assert.Equal(t, ct, d.CheckType())
		assert.Equal(t, ct, EvaluationContext{}.SeedData(ct, 21).CheckType())
	}
}

func TestDateAgeOn(t *testing.T) {
	dob, err := ParseDate("2005-03-15")
	require.NoError(t, err)
	assert.Equal(t, 20, dob.AgeOn(t0))
	assert.Equal(t, 21, dob.AgeOn(t0.AddDate(0, 0, 1)))

	_, err = ParseDate("15/03/2005")
	assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
}

func TestTimeContextLocalDay(t *testing.T) {
	lateEvening := time.Date(2026, 3, 3, 3, 0, 0, 0, time.UTC)
	explicit, err := ParseDate("2026-03-05")
	require.NoError(t, err)

	tests := []struct {
		name string
		tc   *TimeContext
		want string
		ok   bool
	}{
		{"no time context", nil, "", false},
		{"neither date nor zone", &TimeContext{LocalTime: "20:00"}, "", false},
		{"zone behind UTC", &TimeContext{TimeZone: "America/Denver"}, "2026-03-02", true},
		{"zone ahead of UTC", &TimeContext{TimeZone: "Asia/Tokyo"}, "2026-03-03", true},
		{"explicit date wins", &TimeContext{LocalDate: &explicit, TimeZone: "America/Denver"}, "2026-03-05", true},
		{"unknown zone", &TimeContext{TimeZone: "Nowhere/Special"}, "", false},
		{"server local zone", &TimeContext{TimeZone: "Local"}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			day, ok := tt.tc.LocalDay(lateEvening)
			require.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.want, day.String())
			}
		})
	}
}

func TestEvaluationContextValidate(t *testing.T) {
	assert.NoError(t, EvaluationContext{}.Validate())
	assert.NoError(t, EvaluationContext{Time: &TimeContext{TimeZone: "Europe/Lisbon"}}.Validate())

	err := EvaluationContext{Time: &TimeContext{TimeZone: "Mountain Time"}}.Validate()
	assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
}

func TestAuditEntryHashChain(t *testing.T) {
	first := &AuditEntry{
		ID: domain.NewEntryID(), OrderID: "ord-1", DeliveryID: "dlv-1",
		CheckID: domain.NewCheckID(), CheckType: CheckIDOnFile, Action: ActionInitialized,
		ActorType: domain.ActorSystem, ActorID: domain.SystemActorID, CreatedAt: t0,
		Metadata: map[string]any{MetaNewStatus: "pending"},
	}
	require.NoError(t, first.Seal(""))
	second := first.Clone()
	second.ID = domain.NewEntryID()
	second.Action = ActionManuallyVerified
	require.NoError(t, second.Seal(first.Hash))

	assert.Len(t, first.Hash, 64)
	assert.Equal(t, first.Hash, second.PrevHash)
	assert.NotEqual(t, first.Hash, second.Hash)

	recomputed, err := second.ComputeHash()
	require.NoError(t, err)
	assert.Equal(t, second.Hash, recomputed)

	second.Metadata[MetaNewStatus] = "passed"
	tampered, err := second.ComputeHash()
	require.NoError(t, err)
	assert.NotEqual(t, second.Hash, tampered)
}

package gate

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/buttermb/delviery-sub009/internal/compliance/models"
	"github.com/buttermb/delviery-sub009/pkg/domain"
)

var statuses = []models.Status{
	models.StatusPending,
	models.StatusPassed,
	models.StatusFailed,
	models.StatusSkipped,
	models.StatusOverride,
}

func check(t models.CheckType, s models.Status, blocks bool) *models.Check {
	return &models.Check{ID: domain.NewCheckID(), Type: t, Status: s, BlocksDelivery: blocks}
}

func TestEvaluate(t *testing.T) {
	checks := []*models.Check{
		check(models.CheckAgeVerification, models.StatusPassed, true),
		check(models.CheckIDOnFile, models.StatusPending, true),
		check(models.CheckLicensedZone, models.StatusFailed, true),
		check(models.CheckTimeRestriction, models.StatusPassed, true),
		check(models.CheckQuantityLimit, models.StatusFailed, true),
		check(models.CheckCustomerStatus, models.StatusFailed, false),
	}
	checks[2].FailureReason = "outside licensed delivery area"

	res := Evaluate(checks)
	assert.False(t, res.CanComplete)
	assert.Equal(t, []models.CheckType{
		models.CheckIDOnFile,
		models.CheckLicensedZone,
		models.CheckQuantityLimit,
	}, res.Types())
	assert.Equal(t, "outside licensed delivery area", res.BlockingChecks[1].FailureReason)
}

func TestSkippedBlockingCheckStillBlocks(t *testing.T) {
	checks := []*models.Check{check(models.CheckIDOnFile, models.StatusSkipped, true)}
	assert.False(t, CanComplete(checks))
}

func TestEmptySetCanComplete(t *testing.T) {
	res := Evaluate(nil)
	assert.True(t, res.CanComplete)
	assert.NotNil(t, res.BlockingChecks)
	assert.Empty(t, res.BlockingChecks)
}

func TestRevisionGrowsWithEveryTransition(t *testing.T) {
	c := check(models.CheckLicensedZone, models.StatusPending, true)
	other := check(models.CheckIDOnFile, models.StatusPending, true)

	views := []int64{Revision(nil), Revision([]*models.Check{c})}
	views = append(views, Revision([]*models.Check{c, other}))
	c.Status = models.StatusFailed
	views = append(views, Revision([]*models.Check{c, other}))
	other.Status = models.StatusSkipped
	views = append(views, Revision([]*models.Check{c, other}))
	c.Status = models.StatusOverride
	views = append(views, Revision([]*models.Check{c, other}))

	assert.Equal(t, []int64{0, 1, 2, 3, 4, 5}, views)
	assert.Equal(t, views[len(views)-1], Evaluate([]*models.Check{c, other}).Revision)
}

// TestCanCompleteProperty checks, over random check sets, that CanComplete is
// true exactly when every blocking check is passed or overridden.
func TestCanCompleteProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for i := 0; i < 2000; i++ {
		n := rng.Intn(len(models.AllCheckTypes) + 1)
		checks := make([]*models.Check, 0, n)
		for j := 0; j < n; j++ {
			checks = append(checks, check(
				models.AllCheckTypes[j],
				statuses[rng.Intn(len(statuses))],
				rng.Intn(2) == 0,
			))
		}

		want := true
		for _, c := range checks {
			if c.BlocksDelivery && c.Status != models.StatusPassed && c.Status != models.StatusOverride {
				want = false
			}
		}

		assert.Equal(t, want, CanComplete(checks))
		blocking := BlockingChecks(checks)
		assert.Equal(t, want, len(blocking) == 0)

		// Order preserving subsequence of the input.
		k := 0
		for _, c := range checks {
			if k < len(blocking) && blocking[k] == c {
				k++
			}
		}
		assert.Equal(t, len(blocking), k)
	}
}

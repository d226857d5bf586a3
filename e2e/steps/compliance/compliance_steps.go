package compliance

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cucumber/godog"
)

// TestContext interface defines the methods needed from the main test context
type TestContext interface {
	AuthenticateAs(actorID, actorType string, permissions []string) error
	ClearToken()
	POST(path string, body any) error
	GET(path string) error
	LastStatus() int
	DecodeResponse(v any) error
}

// RegisterSteps registers compliance step definitions
func RegisterSteps(ctx *godog.ScenarioContext, tc TestContext) {
	steps := &complianceSteps{tc: tc}
	ctx.Before(func(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
		steps.reset()
		return ctx, nil
	})

	// Actors
	ctx.Step(`^I am a runner$`, func() error { return tc.AuthenticateAs("runner-e2e", "runner", nil) })
	ctx.Step(`^I am an admin$`, func() error { return tc.AuthenticateAs("admin-e2e", "admin", nil) })
	ctx.Step(`^I am a dispatcher$`, func() error {
		return tc.AuthenticateAs("dispatcher-e2e", "runner", []string{"manage_deliveries"})
	})
	ctx.Step(`^I am not authenticated$`, func() error { tc.ClearToken(); return nil })

	// Lifecycle
	ctx.Step(`^a delivery with the mixed compliance context is initialized$`, steps.initializeMixedDelivery)
	ctx.Step(`^the system checks are auto-verified$`, steps.autoVerify)
	ctx.Step(`^I verify the "([^"]*)" check as "([^"]*)"$`, steps.verifyCheck)
	ctx.Step(`^I override the "([^"]*)" check with reason "([^"]*)"$`, steps.overrideCheck)
	ctx.Step(`^I skip the "([^"]*)" check with reason "([^"]*)"$`, steps.skipCheck)
	ctx.Step(`^I request completion$`, steps.requestCompletion)
	ctx.Step(`^I list the checks$`, steps.listChecks)

	// Assertions
	ctx.Step(`^the "([^"]*)" check should be "([^"]*)"$`, steps.checkShouldBe)
	ctx.Step(`^completion should be blocked by "([^"]*)"$`, steps.completionShouldBeBlockedBy)
	ctx.Step(`^completion should be allowed$`, steps.completionShouldBeAllowed)
	ctx.Step(`^the audit chain should be valid$`, steps.auditChainShouldBeValid)
}

type check struct {
	ID            string `json:"id"`
	Type          string `json:"check_type"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason"`
}

type gateResult struct {
	CanComplete    bool `json:"can_complete"`
	BlockingChecks []struct {
		CheckType string `json:"check_type"`
	} `json:"blocking_checks"`
}

type complianceSteps struct {
	tc         TestContext
	orderID    string
	deliveryID string
	checkIDs   map[string]string
}

func (s *complianceSteps) reset() {
	suffix := time.Now().UTC().Format("20060102150405.000000000")
	s.orderID = "order-" + suffix
	s.deliveryID = "delivery-" + suffix
	s.checkIDs = map[string]string{}
}

func (s *complianceSteps) ref() map[string]any {
	return map[string]any{"order_id": s.orderID, "delivery_id": s.deliveryID}
}

func (s *complianceSteps) query() string {
	return "?order_id=" + url.QueryEscape(s.orderID) + "&delivery_id=" + url.QueryEscape(s.deliveryID)
}

func mixedContext() map[string]any {
	return map[string]any{
		"customer": map[string]any{"age": 30, "status": "active", "active": true, "verified": true},
		"zone":     map[string]any{"zone_name": "downtown", "in_zone": false},
		"time":     map[string]any{"local_time": "14:00", "weekday": "Monday"},
		"quantity": map[string]any{"total": "150", "limit": "100", "unit": "mg", "measure": "THC"},
	}
}

func (s *complianceSteps) initializeMixedDelivery(ctx context.Context) error {
	body := s.ref()
	body["context"] = mixedContext()
	if err := s.tc.POST("/compliance/init", body); err != nil {
		return err
	}
	if s.tc.LastStatus() != http.StatusCreated {
		return fmt.Errorf("init returned %d", s.tc.LastStatus())
	}
	var resp struct {
		Checks []check `json:"checks"`
	}
	if err := s.tc.DecodeResponse(&resp); err != nil {
		return err
	}
	for _, c := range resp.Checks {
		s.checkIDs[c.Type] = c.ID
	}
	return nil
}

func (s *complianceSteps) autoVerify(ctx context.Context) error {
	body := s.ref()
	body["context"] = mixedContext()
	return s.tc.POST("/compliance/auto-verify", body)
}

func (s *complianceSteps) checkID(checkType string) (string, error) {
	id, ok := s.checkIDs[checkType]
	if !ok {
		return "", fmt.Errorf("no %s check was initialized", checkType)
	}
	return id, nil
}

func (s *complianceSteps) verifyCheck(ctx context.Context, checkType, status string) error {
	id, err := s.checkID(checkType)
	if err != nil {
		return err
	}
	return s.tc.POST("/compliance/checks/"+id+"/verify", map[string]any{"status": status, "notes": "checked by e2e"})
}

func (s *complianceSteps) overrideCheck(ctx context.Context, checkType, reason string) error {
	id, err := s.checkID(checkType)
	if err != nil {
		return err
	}
	return s.tc.POST("/compliance/checks/"+id+"/override", map[string]any{"reason": reason})
}

func (s *complianceSteps) skipCheck(ctx context.Context, checkType, reason string) error {
	id, err := s.checkID(checkType)
	if err != nil {
		return err
	}
	return s.tc.POST("/compliance/checks/"+id+"/skip", map[string]any{"reason": reason})
}

func (s *complianceSteps) requestCompletion(ctx context.Context) error {
	return s.tc.POST("/compliance/complete", s.ref())
}

func (s *complianceSteps) listChecks(ctx context.Context) error {
	return s.tc.GET("/compliance/checks" + s.query())
}

func (s *complianceSteps) checkShouldBe(ctx context.Context, checkType, status string) error {
	if err := s.listChecks(ctx); err != nil {
		return err
	}
	var resp struct {
		Checks []check `json:"checks"`
	}
	if err := s.tc.DecodeResponse(&resp); err != nil {
		return err
	}
	for _, c := range resp.Checks {
		if c.Type == checkType {
			if c.Status != status {
				return fmt.Errorf("%s is %s (%s), expected %s", checkType, c.Status, c.FailureReason, status)
			}
			return nil
		}
	}
	return fmt.Errorf("delivery has no %s check", checkType)
}

func (s *complianceSteps) completionShouldBeBlockedBy(ctx context.Context, types string) error {
	if err := s.requestCompletion(ctx); err != nil {
		return err
	}
	if s.tc.LastStatus() != http.StatusConflict {
		return fmt.Errorf("expected 409, got %d", s.tc.LastStatus())
	}
	var res gateResult
	if err := s.tc.DecodeResponse(&res); err != nil {
		return err
	}
	got := make([]string, 0, len(res.BlockingChecks))
	for _, b := range res.BlockingChecks {
		got = append(got, b.CheckType)
	}
	if want := strings.Join(strings.Fields(strings.ReplaceAll(types, ",", " ")), ","); strings.Join(got, ",") != want {
		return fmt.Errorf("blocked by %v, expected %s", got, want)
	}
	return nil
}

func (s *complianceSteps) completionShouldBeAllowed(ctx context.Context) error {
	if err := s.requestCompletion(ctx); err != nil {
		return err
	}
	if s.tc.LastStatus() != http.StatusOK {
		return fmt.Errorf("expected 200, got %d", s.tc.LastStatus())
	}
	var res gateResult
	if err := s.tc.DecodeResponse(&res); err != nil {
		return err
	}
	if !res.CanComplete {
		return fmt.Errorf("gate reports the delivery cannot complete")
	}
	return nil
}

func (s *complianceSteps) auditChainShouldBeValid(ctx context.Context) error {
	if err := s.tc.GET("/compliance/audit/verify" + s.query()); err != nil {
		return err
	}
	var report struct {
		Valid    bool   `json:"valid"`
		BrokenAt string `json:"broken_at"`
		Reason   string `json:"reason"`
	}
	if err := s.tc.DecodeResponse(&report); err != nil {
		return err
	}
	if !report.Valid {
		return fmt.Errorf("audit chain broken at %s: %s", report.BrokenAt, report.Reason)
	}
	return nil
}

package fiber

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/subgate/pkg/subgate"
	"github.com/mihaimyh/subgate/storage/memory"
)

// Test helper seeding a pro price with branding removal and one pro user
func setupTestEvaluator(t *testing.T) *subgate.Evaluator {
	t.Helper()
	ctx := context.Background()
	storage := memory.New()

	if err := storage.SavePrice(ctx, &subgate.Price{ID: "price_internal_pro", PlanID: "plan_pro", StripePriceID: "price_pro"}); err != nil {
		t.Fatalf("SavePrice failed: %v", err)
	}
	err := storage.SaveFeatureFlag(ctx, &subgate.FeatureFlag{
		Name: subgate.FeatureRemoveBranding,
		Configs: []subgate.PriceConfig{
			{PriceID: nil, Limit: subgate.BoolLimit(false)},
			{PriceID: subgate.PriceRef("price_pro"), Limit: subgate.BoolLimit(true)},
		},
	})
	if err != nil {
		t.Fatalf("SaveFeatureFlag failed: %v", err)
	}
	end := time.Now().Add(24 * time.Hour)
	err = storage.UpsertSubscription(ctx, &subgate.Subscription{
		UserID:               "pro-user",
		PriceID:              "price_internal_pro",
		StripeSubscriptionID: "sub_pro",
		Status:               subgate.StatusActive,
		CurrentPeriodEnd:     &end,
	})
	if err != nil {
		t.Fatalf("UpsertSubscription failed: %v", err)
	}

	evaluator, err := subgate.NewEvaluator(storage, subgate.DefaultConfig())
	if err != nil {
		t.Fatalf("NewEvaluator failed: %v", err)
	}
	return evaluator
}

func newApp(cfg Config) *fiber.App {
	app := fiber.New()
	app.Get("/branding", RequireFeature(cfg, subgate.FeatureRemoveBranding), func(c *fiber.Ctx) error {
		session, ok := GetSession(c)
		if !ok {
			return c.SendStatus(fiber.StatusInternalServerError)
		}
		if _, ok := subgate.SessionFromContext(c.UserContext()); !ok {
			return c.SendStatus(fiber.StatusInternalServerError)
		}
		return c.SendString(session.UserID)
	})
	return app
}

func doRequest(t *testing.T, app *fiber.App, userID string) (int, string) {
	t.Helper()
	req := httptest.NewRequest("GET", "/branding", nil)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestRequireFeature(t *testing.T) {
	app := newApp(Config{Evaluator: setupTestEvaluator(t), GetUserID: FromHeader("X-User-ID")})

	code, body := doRequest(t, app, "pro-user")
	if code != fiber.StatusOK || body != "pro-user" {
		t.Errorf("Expected 200 pro-user, got %d %q", code, body)
	}

	code, body = doRequest(t, app, "free-user")
	if code != fiber.StatusForbidden {
		t.Errorf("Expected 403, got %d", code)
	}
	if !strings.Contains(body, "feature_access_denied") {
		t.Errorf("Expected feature_access_denied body, got %s", body)
	}

	code, _ = doRequest(t, app, "")
	if code != fiber.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", code)
	}
}

func TestRequireFeature_CustomHandlers(t *testing.T) {
	app := newApp(Config{
		Evaluator: setupTestEvaluator(t),
		GetUserID: FromHeader("X-User-ID"),
		OnFeatureDenied: func(c *fiber.Ctx, feature string) error {
			return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{"upgrade_for": feature})
		},
		OnUnauthorized: func(c *fiber.Ctx) error {
			return c.SendStatus(fiber.StatusTeapot)
		},
	})

	if code, _ := doRequest(t, app, "free-user"); code != fiber.StatusPaymentRequired {
		t.Errorf("Expected 402, got %d", code)
	}
	if code, _ := doRequest(t, app, ""); code != fiber.StatusTeapot {
		t.Errorf("Expected 418, got %d", code)
	}
}

func TestRequireFeature_PanicsWithoutConfig(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected panic for missing GetUserID")
		}
	}()
	RequireFeature(Config{Evaluator: setupTestEvaluator(t)}, subgate.FeatureRemoveBranding)
}

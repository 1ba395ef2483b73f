package validation

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
)

func newTestApp() *fiber.App {
	app := fiber.New()
	app.Use(Middleware(Config{}))
	app.Post("/api/v1/assess", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"ok": true})
	})
	return app
}

func postAssess(t *testing.T, app *fiber.App, body, contentType string) int {
	t.Helper()
	req := httptest.NewRequest("POST", "/api/v1/assess", strings.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	return resp.StatusCode
}

func TestValidationPassesBusinessNames(t *testing.T) {
	app := newTestApp()

	// Keyword-bearing names must not trip the injection screen.
	for _, query := range []string{
		"Golden Dragon Bakery 966 Grant Ave",
		"Select Cuts Barbershop",
		"Union Larder, 1945 Hyde St",
	} {
		body := `{"query":"` + query + `"}`
		if got := postAssess(t, app, body, "application/json"); got != fiber.StatusOK {
			t.Errorf("query %q: status = %d, want 200", query, got)
		}
	}
}

func TestValidationRejectsInjection(t *testing.T) {
	app := newTestApp()

	for _, query := range []string{
		"x' union select * from assessments",
		"name; drop table assessments",
		"<script>alert(1)</script>",
	} {
		body := `{"query":"` + query + `"}`
		if got := postAssess(t, app, body, "application/json"); got != fiber.StatusBadRequest {
			t.Errorf("query %q: status = %d, want 400", query, got)
		}
	}
}

func TestValidationRejectsMissingQuery(t *testing.T) {
	app := newTestApp()
	if got := postAssess(t, app, `{"query":"  "}`, "application/json"); got != fiber.StatusBadRequest {
		t.Errorf("status = %d, want 400", got)
	}
}

func TestValidationRejectsWrongContentType(t *testing.T) {
	app := newTestApp()
	if got := postAssess(t, app, `{"query":"cafe"}`, "text/plain"); got != fiber.StatusUnsupportedMediaType {
		t.Errorf("status = %d, want 415", got)
	}
}

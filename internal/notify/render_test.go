// ABOUTME: Tests for transactional email template rendering.
// ABOUTME: Verifies subject lines, HTML/text output, escaping and missing data.
package notify

import (
	"strings"
	"testing"
)

func orderData() map[string]any {
	return map[string]any{
		"order_id":      "MF-1042",
		"customer_name": "Yasmin",
		"total":         float64(459900),
		"items": []any{
			map[string]any{"name": "Linen kurta", "quantity": float64(1), "price": float64(329900)},
			map[string]any{"name": "Silk dupatta", "quantity": float64(1), "price": float64(130000)},
		},
	}
}

func TestRender_OrderConfirmation(t *testing.T) {
	subject, html, text, err := Render("order_confirmation", orderData())
	if err != nil {
		t.Fatalf("Render: %v", err)
	}

	if subject != "maef order MF-1042 confirmed" {
		t.Errorf("subject = %q", subject)
	}
	if !strings.Contains(html, "Linen kurta") || !strings.Contains(html, "Silk dupatta") {
		t.Error("HTML missing line items")
	}
	if !strings.Contains(text, "Total: ₹4,599") {
		t.Errorf("text missing formatted total:\n%s", text)
	}
	if !strings.Contains(text, "Hi Yasmin,") {
		t.Error("text missing greeting")
	}
}

func TestRender_ShippingUpdateOptionalTracking(t *testing.T) {
	data := map[string]any{"order_id": "MF-7", "customer_name": "Ira", "status": "shipped"}
	_, html, text, err := Render("shipping_update", data)
	if err != nil {
		t.Fatalf("Render without tracking: %v", err)
	}
	if !strings.Contains(text, "now SHIPPED") {
		t.Errorf("text missing status: %q", text)
	}
	if strings.Contains(html, "Track your parcel") {
		t.Error("tracking link rendered without a tracking_url")
	}

	data["tracking_url"] = "https://track.example.com/abc"
	_, html, _, err = Render("shipping_update", data)
	if err != nil {
		t.Fatalf("Render with tracking: %v", err)
	}
	if !strings.Contains(html, `href="https://track.example.com/abc"`) {
		t.Errorf("HTML missing tracking link:\n%s", html)
	}
}

func TestRender_EscapesHTML(t *testing.T) {
	data := orderData()
	data["customer_name"] = "<script>alert(1)</script>"
	_, html, _, err := Render("order_confirmation", data)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if strings.Contains(html, "<script>") {
		t.Error("HTML body contains unescaped script tag")
	}
}

func TestRender_SubjectStripsNewlines(t *testing.T) {
	data := orderData()
	data["order_id"] = "MF-1\r\nBcc: victim@example.com"
	subject, _, _, err := Render("order_confirmation", data)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if strings.ContainsAny(subject, "\r\n") {
		t.Errorf("subject contains CR/LF: %q", subject)
	}
}

func TestRender_Errors(t *testing.T) {
	if _, _, _, err := Render("password_reset", nil); err == nil {
		t.Error("expected error for unknown template")
	}
	data := orderData()
	delete(data, "total")
	if _, _, _, err := Render("order_confirmation", data); err == nil {
		t.Error("expected error for missing template data")
	}
}

func TestTemplateNames(t *testing.T) {
	got := strings.Join(TemplateNames(), ",")
	if got != "order_confirmation,shipping_update" {
		t.Errorf("TemplateNames() = %q", got)
	}
}

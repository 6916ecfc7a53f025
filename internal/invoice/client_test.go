package invoice

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCreate_ExtractsConfiguredFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/checkout" {
			t.Fatalf("path = %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer key-1" {
			t.Fatalf("auth header = %q", auth)
		}
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		if body["amount"].(float64) != 1050 {
			t.Fatalf("amount = %v", body["amount"])
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"invoice_id": "inv-42",
				"links":      map[string]interface{}{"pay": "https://pay.example/inv-42"},
			},
		})
	}))
	defer srv.Close()

	c, err := NewClient(Config{
		BaseURL:    srv.URL,
		APIKey:     "key-1",
		CreatePath: "/api/checkout",
		IDField:    "$.data.invoice_id",
		URLField:   "$.data.links.pay",
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	inv, err := c.Create(context.Background(), 1050, "USD", "intent-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if inv.ID != "inv-42" || inv.URL != "https://pay.example/inv-42" {
		t.Fatalf("invoice = %+v", inv)
	}
}

func TestPaid(t *testing.T) {
	statuses := map[string]string{"inv-a": "settled", "inv-b": "pending"}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[len("/invoices/"):]
		json.NewEncoder(w).Encode(map[string]string{"status": statuses[id]})
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	paid, err := c.Paid(context.Background(), "inv-a")
	if err != nil || !paid {
		t.Fatalf("settled invoice: paid=%v err=%v", paid, err)
	}
	paid, err = c.Paid(context.Background(), "inv-b")
	if err != nil || paid {
		t.Fatalf("pending invoice: paid=%v err=%v", paid, err)
	}
}

func TestDo_ProviderErrorSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"bad key"}`))
	}))
	defer srv.Close()

	c, _ := NewClient(Config{BaseURL: srv.URL})
	if _, err := c.Create(context.Background(), 100, "USD", "x"); err == nil {
		t.Fatalf("expected provider error")
	}
}

package procure

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.Handler, mutate func(*Config)) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := Config{
		BaseURL:      srv.URL,
		Token:        "test-token",
		MaxRetries:   2,
		RetryDelay:   time.Millisecond,
		PollInterval: time.Millisecond,
		PollTimeout:  200 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := NewClient(cfg, nil, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c, srv
}

func TestPlanResources_TieredLookup(t *testing.T) {
	if p := PlanResources("wireguard", 5); p.RAMMB != 512 {
		t.Fatalf("small wireguard plan = %+v", p)
	}
	if p := PlanResources("wireguard", 50); p.RAMMB != 1024 {
		t.Fatalf("medium wireguard plan = %+v", p)
	}
	if p := PlanResources("openvpn", 51); p.CPU != 4 {
		t.Fatalf("large openvpn plan = %+v", p)
	}
	if p := PlanResources("unknown", 1); p != defaultPlan {
		t.Fatalf("unknown class must fall back to default, got %+v", p)
	}
	if p := PlanResources("wireguard", 1000); p != defaultPlan {
		t.Fatalf("oversized capacity must fall back to default, got %+v", p)
	}
}

func TestSelectCheapestTariff(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/datacenters/dc1/tariffs", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]Tariff{
			{ID: "big", CPU: 8, RAMMB: 16384, DiskGB: 160, MonthlyPrice: 4000, Images: []string{"ubuntu-22.04"}},
			{ID: "small-no-image", CPU: 1, RAMMB: 1024, DiskGB: 20, MonthlyPrice: 300},
			{ID: "fit", CPU: 2, RAMMB: 2048, DiskGB: 20, MonthlyPrice: 700, Images: []string{"ubuntu-22.04"}},
			{ID: "tiny", CPU: 1, RAMMB: 512, DiskGB: 10, MonthlyPrice: 200, Images: []string{"ubuntu-22.04"}},
		})
	})
	c, _ := newTestClient(t, mux, nil)

	tariff, err := c.SelectCheapestTariff(context.Background(), "dc1", Plan{CPU: 1, RAMMB: 1024, DiskGB: 10})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	// "tiny" is cheapest but too small; "small-no-image" fits but has no
	// deployable image; "fit" is the cheapest remaining candidate.
	if tariff.ID != "fit" {
		t.Fatalf("selected %q", tariff.ID)
	}
}

func TestCreateServer_NeverRetried(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/servers", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	})
	c, _ := newTestClient(t, mux, nil)

	_, err := c.CreateServer(context.Background(), Tariff{ID: "t1", Images: []string{"img"}})
	var pErr *Error
	if !errors.As(err, &pErr) || pErr.Op != "createServer" {
		t.Fatalf("expected createServer error, got %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("create must not retry, got %d calls", n)
	}
}

func TestGetStatus_RetriesTransient(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/servers/srv-1", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(Server{ID: "srv-1", State: "active", Address: "203.0.113.9"})
	})
	c, _ := newTestClient(t, mux, nil)

	srv, err := c.GetStatus(context.Background(), "srv-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if srv.Address != "203.0.113.9" {
		t.Fatalf("address = %q", srv.Address)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected retry, got %d calls", calls)
	}
}

func TestPollUntilReady(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/servers/srv-2", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			json.NewEncoder(w).Encode(Server{ID: "srv-2", State: "installing"})
			return
		}
		json.NewEncoder(w).Encode(Server{ID: "srv-2", State: "active", Address: "198.51.100.4"})
	})
	c, _ := newTestClient(t, mux, nil)

	addr, err := c.PollUntilReady(context.Background(), "srv-2")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if addr != "198.51.100.4" {
		t.Fatalf("address = %q", addr)
	}
}

func TestPollUntilReady_Timeout(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/servers/srv-3", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Server{ID: "srv-3", State: "installing"})
	})
	c, _ := newTestClient(t, mux, func(cfg *Config) {
		cfg.PollTimeout = 10 * time.Millisecond
	})

	if _, err := c.PollUntilReady(context.Background(), "srv-3"); err == nil {
		t.Fatalf("expected poll timeout")
	}
}

func TestFetchCredentials_RetriesUntilAssigned(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/servers/srv-4/credentials", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			json.NewEncoder(w).Encode(Credentials{})
			return
		}
		json.NewEncoder(w).Encode(Credentials{Login: "root", Secret: "pw"})
	})
	c, _ := newTestClient(t, mux, nil)

	creds, err := c.FetchCredentials(context.Background(), "srv-4")
	if err != nil {
		t.Fatalf("credentials: %v", err)
	}
	if creds.Login != "root" || creds.Secret != "pw" {
		t.Fatalf("creds = %+v", creds)
	}
}

func TestDeleteServer_NotFoundIsFalseNoError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/servers/gone", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	c, _ := newTestClient(t, mux, nil)

	deleted, err := c.DeleteServer(context.Background(), "gone")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted {
		t.Fatalf("expected deleted=false for missing server")
	}
}

func TestDatacenterAvailable_FailModes(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/datacenters/down/tariffs", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	closed, _ := newTestClient(t, mux, nil)
	if _, err := closed.DatacenterAvailable(context.Background(), "down"); err == nil {
		t.Fatalf("fail-closed probe must return the provider error")
	}

	open, _ := newTestClient(t, mux, func(cfg *Config) {
		cfg.FailOpenAvailability = true
	})
	ok, err := open.DatacenterAvailable(context.Background(), "down")
	if err != nil || !ok {
		t.Fatalf("fail-open probe: ok=%v err=%v", ok, err)
	}
}

func TestListDatacenters_Cached(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/datacenters", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		json.NewEncoder(w).Encode([]Datacenter{{ID: "dc1", Name: "Amsterdam"}})
	})
	c, _ := newTestClient(t, mux, nil)

	for i := 0; i < 3; i++ {
		dcs, err := c.ListDatacenters(context.Background())
		if err != nil {
			t.Fatalf("list %d: %v", i, err)
		}
		if len(dcs) != 1 || dcs[0].ID != "dc1" {
			t.Fatalf("datacenters = %+v", dcs)
		}
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected one upstream call, got %d", calls)
	}
}

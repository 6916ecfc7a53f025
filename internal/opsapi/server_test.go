package opsapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type fakeRechecker struct {
	confirmed bool
	err       error
	lastID    string
}

func (f *fakeRechecker) Recheck(ctx context.Context, intentID string) (bool, error) {
	f.lastID = intentID
	return f.confirmed, f.err
}

type fakeSweeper struct {
	n   int
	err error
}

func (f *fakeSweeper) RunDepositSweep(ctx context.Context) (int, error) {
	return f.n, f.err
}

func TestHealthz(t *testing.T) {
	s := NewServer(Config{}, nil, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestRecheckEndpoint(t *testing.T) {
	rc := &fakeRechecker{confirmed: true}
	s := NewServer(Config{}, rc, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/deposits/intent-7/recheck", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if rc.lastID != "intent-7" {
		t.Fatalf("intent id = %q", rc.lastID)
	}
	var body map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["confirmed"] != true {
		t.Fatalf("body = %v", body)
	}
}

func TestRecheckEndpoint_UpstreamError(t *testing.T) {
	s := NewServer(Config{}, &fakeRechecker{err: errors.New("node down")}, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/deposits/x/recheck", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestDepositSweepEndpoint(t *testing.T) {
	s := NewServer(Config{}, nil, &fakeSweeper{n: 3}, nil)

	req := httptest.NewRequest(http.MethodPost, "/sweeps/deposits", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]int
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["confirmed"] != 3 {
		t.Fatalf("body = %v", body)
	}
}

func TestEndpointsUnconfigured(t *testing.T) {
	s := NewServer(Config{}, nil, nil, nil)

	for _, path := range []string{"/deposits/x/recheck", "/sweeps/deposits"} {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, req)
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("%s status = %d", path, rec.Code)
		}
	}
}

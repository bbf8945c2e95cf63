package leadapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/greettech/recruitcall/internal/types"
	"github.com/rs/zerolog"
)

func newTestClient(url string) *Client {
	return NewClient(url, nil, 200*time.Millisecond, 200*time.Millisecond, zerolog.Nop())
}

func TestGetLead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/get-data/call-1":
			w.Write([]byte(`{"unique_id":"call-1","field_1":"Asha","field_2":"A-42","field_3":"+15550001"}`))
		case "/get-data/slow":
			time.Sleep(time.Second)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)

	lead, err := c.GetLead(context.Background(), "call-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lead.Name != "Asha" || lead.Phone != "+15550001" || lead.SecondaryID != "A-42" {
		t.Errorf("unexpected lead: %+v", lead)
	}

	if _, err := c.GetLead(context.Background(), "missing"); !errors.Is(err, ErrLeadNotFound) {
		t.Errorf("expected ErrLeadNotFound, got %v", err)
	}

	tests := []struct {
		name   string
		callID string
	}{
		{"not found", "missing"},
		{"timeout", "slow"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start := time.Now()
			lead := c.ResolveLead(context.Background(), tt.callID)
			if lead.Name != types.DefaultCandidateName || lead.Phone != types.DefaultPhoneNo {
				t.Errorf("expected placeholder identity, got %+v", lead)
			}
			if time.Since(start) > 900*time.Millisecond {
				t.Errorf("lookup was not bounded by the timeout")
			}
		})
	}
}

func TestFindAgent(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		status  int
		wantErr error
		want    types.LiveAgent
	}{
		{"available", `{"user":"agent7","ext":"8007"}`, http.StatusOK, nil, types.LiveAgent{User: "agent7", Ext: "8007"}},
		{"none available", `{"user":null,"ext":"No agents available"}`, http.StatusOK, ErrNoAgentsAvailable, types.LiveAgent{}},
		{"server error", `boom`, http.StatusInternalServerError, errors.New("any"), types.LiveAgent{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost || r.URL.Path != "/liveagents" {
					t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			agent, err := newTestClient(srv.URL).FindAgent(context.Background())
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && err == nil {
				t.Fatalf("expected error, got nil")
			}
			if errors.Is(tt.wantErr, ErrNoAgentsAvailable) && !errors.Is(err, ErrNoAgentsAvailable) {
				t.Errorf("expected ErrNoAgentsAvailable, got %v", err)
			}
			if agent != tt.want {
				t.Errorf("expected %+v, got %+v", tt.want, agent)
			}
		})
	}
}

func TestClearLead(t *testing.T) {
	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := newTestClient(srv.URL).ClearLead(context.Background(), "call-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotMethod != http.MethodDelete || gotPath != "/clear-data/call-1" {
		t.Errorf("unexpected request %s %s", gotMethod, gotPath)
	}
}

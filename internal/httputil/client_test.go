package httputil

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type pois struct {
	Pois []struct {
		ID string `json:"id"`
	} `json:"pois"`
}

func TestStandardClient_Wraps(t *testing.T) {
	customClient := &http.Client{}
	client := NewStandardClient(customClient)
	if client.Client != customClient {
		t.Error("expected custom client to be wrapped")
	}
	if NewStandardClient(nil).Timeout == 0 {
		t.Error("expected a default timeout")
	}
}

func TestGetJSON_Server(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/pois" {
			t.Errorf("expected path /v1/pois, got %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer k" {
			t.Errorf("expected auth header, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"pois":[{"id":"eiffel"}]}`))
	}))
	defer server.Close()

	var out pois
	h := http.Header{"Authorization": []string{"Bearer k"}}
	if err := GetJSON(context.Background(), NewStandardClient(nil), server.URL+"/v1/pois", h, &out); err != nil {
		t.Fatalf("GetJSON failed: %v", err)
	}
	if len(out.Pois) != 1 || out.Pois[0].ID != "eiffel" {
		t.Errorf("got %+v", out)
	}
}

func TestGetJSON_StatusError(t *testing.T) {
	mock := NewMockHTTPClient()
	mock.AddResponseWithHeaders(http.StatusServiceUnavailable, "  busy \n", http.Header{"Retry-After": []string{"7"}})

	var out pois
	err := GetJSON(context.Background(), mock, "http://poi.example/v1/pois", nil, &out)
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.StatusCode != http.StatusServiceUnavailable || se.Body != "busy" || se.RetryAfter != 7*time.Second {
		t.Errorf("got %+v", se)
	}
	if se.Error() != "http status 503: busy" {
		t.Errorf("got message %q", se.Error())
	}
	if mock.GetRequest(0).Header.Get("Accept") != "application/json" {
		t.Error("expected Accept header")
	}
}

func TestGetJSON_DecodeAndTransportErrors(t *testing.T) {
	mock := NewMockHTTPClient()
	mock.AddResponse(http.StatusOK, "{not json")
	mock.AddErrorResponse(errors.New("connection refused"))

	var out pois
	if err := GetJSON(context.Background(), mock, "http://poi.example/a", nil, &out); err == nil {
		t.Error("expected decode error")
	}
	if err := GetJSON(context.Background(), mock, "http://poi.example/b", nil, &out); err == nil {
		t.Error("expected transport error")
	}
	if mock.RequestCount() != 2 {
		t.Errorf("got %d requests, want 2", mock.RequestCount())
	}
}

func TestGetJSON_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var out pois
	err := GetJSON(ctx, NewMockHTTPClient(), "http://poi.example/a", nil, &out)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"0", 0},
		{"-3", 0},
		{"30", 30 * time.Second},
		{now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second},
		{now.Add(-time.Minute).Format(http.TimeFormat), 0},
		{"soon", 0},
	}
	for _, tt := range tests {
		if got := ParseRetryAfter(tt.in, now); got != tt.want {
			t.Errorf("ParseRetryAfter(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestMockHTTPClient_DoFuncAndDefaults(t *testing.T) {
	mock := NewMockHTTPClient()
	req, _ := http.NewRequest(http.MethodGet, "http://poi.example/", nil)

	resp, err := mock.Do(req)
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("expected empty 200, got %v %v", resp, err)
	}
	resp.Body.Close()

	mock.DoFunc = func(*http.Request) (*http.Response, error) { return nil, errors.New("custom") }
	if _, err := mock.Do(req); err == nil || err.Error() != "custom" {
		t.Errorf("expected custom error, got %v", err)
	}

	mock.DoFunc = nil
	mock.DefaultError = errors.New("down")
	if _, err := mock.Do(req); err == nil {
		t.Error("expected default error")
	}
	if mock.GetRequest(5) != nil || mock.GetRequest(-1) != nil {
		t.Error("expected nil for out-of-range request index")
	}
}

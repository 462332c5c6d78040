package apibridge

import (
	"net/http"
	"testing"
	"time"
)

func TestLinearBackoffScalesByAttempt(t *testing.T) {
	cases := map[int]time.Duration{
		0: 500 * time.Millisecond,
		1: 500 * time.Millisecond,
		2: time.Second,
		3: 1500 * time.Millisecond,
	}
	for attempt, want := range cases {
		if got := LinearBackoff(attempt, 500*time.Millisecond); got != want {
			t.Fatalf("attempt=%d: got %v, want %v", attempt, got, want)
		}
	}
}

func TestConnectionRetryDeciderRetriesUpToThreeAttempts(t *testing.T) {
	req := Request{Method: http.MethodGet}
	for attempt := 1; attempt <= 3; attempt++ {
		d := ConnectionRetryDecider(nil, attempt, req, nil, nil, errDial{})
		if !d.Retry {
			t.Fatalf("attempt=%d: expected retry", attempt)
		}
	}
	d := ConnectionRetryDecider(nil, 4, req, nil, nil, errDial{})
	if d.Retry {
		t.Fatalf("attempt=4: expected no retry after the connection-timeout budget is spent")
	}
}

func TestConnectionRetryDeciderFallsThroughOnResponse(t *testing.T) {
	req := Request{Method: http.MethodGet}
	resp := &http.Response{StatusCode: http.StatusServiceUnavailable, Header: http.Header{}}
	d := ConnectionRetryDecider(nil, 1, req, resp, nil, nil)
	if !d.Retry {
		t.Fatalf("expected DefaultRetryDecider's 503 handling to apply once a response is received")
	}
}

type errDial struct{}

func (errDial) Error() string { return "dial tcp: connection refused" }

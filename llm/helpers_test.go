package llm

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) on(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// sseServer replies to every request with body, served as an event stream,
// and keeps the last request body.
func sseServer(t *testing.T, status int, body string) (*httptest.Server, *string) {
	t.Helper()
	var mu sync.Mutex
	var last string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		last = string(data)
		mu.Unlock()
		if status != http.StatusOK {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			fmt.Fprint(w, body)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &last
}

// assertContract checks the per-turn event contract.
func assertContract(t *testing.T, events []Event) {
	t.Helper()
	if len(events) == 0 {
		t.Fatal("no events")
	}
	if _, ok := events[0].(MessageStart); !ok {
		t.Fatalf("first event is %T, want MessageStart", events[0])
	}
	var starts, completes, toolUses, errs int
	for _, e := range events {
		switch e.(type) {
		case MessageStart:
			starts++
		case MessageComplete:
			completes++
		case ToolUse:
			toolUses++
		case Error:
			errs++
		}
	}
	if starts != 1 {
		t.Fatalf("got %d MessageStart events", starts)
	}
	switch {
	case errs == 1 && completes == 0 && toolUses == 0:
	case errs == 0 && completes == 1 && toolUses == 0:
	case errs == 0 && completes == 0 && toolUses > 0:
	default:
		t.Fatalf("bad turn ending: %d complete, %d tool_use, %d error", completes, toolUses, errs)
	}
}

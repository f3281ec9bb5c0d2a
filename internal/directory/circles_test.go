package directory

import (
	"context"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"
)

func newCirclesServer(t *testing.T) (*httptest.Server, *CirclesClient) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/circles/board/members", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"members":["alice","bob"]}`))
	})
	mux.HandleFunc("/circles/empty/members", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"members":[]}`))
	})
	mux.HandleFunc("/circles/broken/members", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, NewCirclesClient(server.URL, 2*time.Second)
}

func TestUserInCircle(t *testing.T) {
	_, client := newCirclesServer(t)
	ctx := context.Background()

	member, err := client.UserInCircle(ctx, "alice", "board")
	if err != nil {
		t.Fatalf("UserInCircle failed: %v", err)
	}
	if !member {
		t.Fatal("alice should be a board member")
	}

	member, err = client.UserInCircle(ctx, "carol", "board")
	if err != nil {
		t.Fatalf("UserInCircle failed: %v", err)
	}
	if member {
		t.Fatal("carol should not be a board member")
	}
}

func TestExpandCircle(t *testing.T) {
	_, client := newCirclesServer(t)

	members, err := client.ExpandCircle(context.Background(), "board")
	if err != nil {
		t.Fatalf("ExpandCircle failed: %v", err)
	}
	if !reflect.DeepEqual(members, []string{"alice", "bob"}) {
		t.Fatalf("ExpandCircle = %v", members)
	}
}

func TestUnknownCircleIsEmpty(t *testing.T) {
	_, client := newCirclesServer(t)

	members, err := client.ExpandCircle(context.Background(), "missing")
	if err != nil {
		t.Fatalf("ExpandCircle failed: %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("unknown circle should expand empty, got %v", members)
	}
}

func TestBackendErrorSurfaces(t *testing.T) {
	_, client := newCirclesServer(t)

	if _, err := client.ExpandCircle(context.Background(), "broken"); err == nil {
		t.Fatal("expected an error from a failing backend")
	}
}

func TestNilCircleBackendDisablesCircles(t *testing.T) {
	dir := New(stubGroups{}, nil)
	ctx := context.Background()

	member, err := dir.UserInCircle(ctx, "alice", "board")
	if err != nil || member {
		t.Fatalf("disabled circles: member=%v err=%v", member, err)
	}
	members, err := dir.ExpandCircle(ctx, "board")
	if err != nil || len(members) != 0 {
		t.Fatalf("disabled circles: members=%v err=%v", members, err)
	}
}

type stubGroups struct{}

func (stubGroups) UserInGroup(context.Context, string, string) (bool, error) { return false, nil }
func (stubGroups) ExpandGroup(context.Context, string) ([]string, error)     { return nil, nil }

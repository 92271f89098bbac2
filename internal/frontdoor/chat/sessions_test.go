package chat

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/tjfontaine/polyglot-chat-relay/internal/storage"
)

func TestSessionRoutes(t *testing.T) {
	env := newTestEnv(t, &stubRelay{}, nil)

	rec := env.do(t, "POST", "/api/sessions", aliceKey, `{"title":"  Greetings  "}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var sess storage.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &sess); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sess.ID == "" || sess.OwnerID != "alice" || sess.Title != "Greetings" {
		t.Errorf("session = %+v", sess)
	}

	if rec := env.do(t, "POST", "/api/sessions", aliceKey, ""); rec.Code != http.StatusCreated {
		t.Errorf("create without body status = %d", rec.Code)
	}

	rec = env.do(t, "GET", "/api/sessions", aliceKey, "")
	var list SessionList
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Sessions) != 2 {
		t.Errorf("sessions = %d, want 2", len(list.Sessions))
	}

	rec = env.do(t, "GET", "/api/sessions", "sk-bob", "")
	list = SessionList{}
	json.Unmarshal(rec.Body.Bytes(), &list)
	if list.Sessions == nil || len(list.Sessions) != 0 {
		t.Errorf("bob sessions = %v, want empty list", list.Sessions)
	}

	if rec := env.do(t, "GET", "/api/sessions?limit=x", aliceKey, ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", rec.Code)
	}

	path := "/api/sessions/" + sess.ID
	if rec := env.do(t, "GET", path, aliceKey, ""); rec.Code != http.StatusOK {
		t.Errorf("get status = %d", rec.Code)
	}
	if rec := env.do(t, "GET", path, "sk-bob", ""); rec.Code != http.StatusNotFound {
		t.Errorf("get by other owner status = %d, want 404", rec.Code)
	}
	if rec := env.do(t, "DELETE", path, "sk-bob", ""); rec.Code != http.StatusNotFound {
		t.Errorf("delete by other owner status = %d, want 404", rec.Code)
	}
	if rec := env.do(t, "DELETE", path, aliceKey, ""); rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", rec.Code)
	}
	if rec := env.do(t, "GET", path, aliceKey, ""); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", rec.Code)
	}
}

func TestMessageRoutes(t *testing.T) {
	env := newTestEnv(t, &stubRelay{}, nil)

	rec := env.do(t, "POST", "/api/sessions", aliceKey, `{}`)
	var sess storage.Session
	json.Unmarshal(rec.Body.Bytes(), &sess)
	path := "/api/sessions/" + sess.ID + "/messages"

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"user turn", `{"role":"user","content":"Hi"}`, http.StatusCreated},
		{"assistant turn", `{"role":"assistant","content":"Hello!"}`, http.StatusCreated},
		{"blank assistant", `{"role":"assistant","content":"  \n "}`, http.StatusBadRequest},
		{"bad role", `{"role":"tool","content":"x"}`, http.StatusBadRequest},
		{"bad json", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := env.do(t, "POST", path, aliceKey, tt.body); rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
		})
	}

	if rec := env.do(t, "POST", path, "sk-bob", `{"role":"user","content":"sneaky"}`); rec.Code != http.StatusNotFound {
		t.Errorf("add by other owner status = %d, want 404", rec.Code)
	}

	rec = env.do(t, "GET", path, aliceKey, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var list MessageList
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(list.Messages))
	}
	if list.Messages[0].Content != "Hi" || list.Messages[1].Content != "Hello!" {
		t.Errorf("messages = %q, %q", list.Messages[0].Content, list.Messages[1].Content)
	}
}

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"AirShare/internal/registry"
	"AirShare/internal/round"
	"AirShare/internal/sched"
	"AirShare/internal/settle"
)

// mockReports captures submitted reports.
type mockReports struct {
	user     registry.ID
	operator registry.ID
	report   []byte
	rate     uint64
	err      error
	calls    int
}

func (m *mockReports) SubmitReport(user, operator registry.ID, report []byte) (uint64, error) {
	m.calls++
	m.user = user
	m.operator = operator
	m.report = report

	if m.err != nil {
		return 0, m.err
	}

	return m.rate, nil
}

// mockRegistry accepts everything unless an ID is marked taken.
type mockRegistry struct {
	taken map[registry.ID]bool
	users []registry.ID
	ops   []registry.ID
}

func (m *mockRegistry) AddUser(id registry.ID) bool {
	if m.taken[id] {
		return false
	}
	m.users = append(m.users, id)
	return true
}

func (m *mockRegistry) AddOperator(id registry.ID) bool {
	if m.taken[id] {
		return false
	}
	m.ops = append(m.ops, id)
	return true
}

func (m *mockRegistry) Users() []registry.ID     { return m.users }
func (m *mockRegistry) Operators() []registry.ID { return m.ops }

// mockRates records the last configured rate.
type mockRates struct {
	operator registry.ID
	rate     uint64
	err      error
}

func (m *mockRates) SetOperatorRate(operator registry.ID, rate uint64) error {
	if m.err != nil {
		return m.err
	}
	m.operator = operator
	m.rate = rate
	return nil
}

// mockRounds returns a canned round result.
type mockRounds struct {
	result round.Result
	err    error
	round  uint64
}

func (m *mockRounds) AdvanceRound() (round.Result, error) { return m.result, m.err }
func (m *mockRounds) Round() uint64                       { return m.round }

func newTestServer(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":0"
	}
	return New(cfg)
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(Config{})

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	server.handleHealth(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %s", resp["status"])
	}
}

func TestSubmitReport_Success(t *testing.T) {
	reports := &mockReports{rate: 1443}
	server := newTestServer(Config{Reports: reports})

	body := `{"user":"u1","operator":"op1","report":"00000000004c4b4000ffffffffff"}`

	req := httptest.NewRequest("POST", "/report", strings.NewReader(body))
	w := httptest.NewRecorder()

	server.handleSubmitReport(w, req)

	if w.Code != http.StatusAccepted {
		t.Errorf("expected status 202, got %d: %s", w.Code, w.Body.String())
	}

	if reports.user != "u1" || reports.operator != "op1" {
		t.Errorf("submitted pair = (%s, %s)", reports.user, reports.operator)
	}

	if len(reports.report) != 14 {
		t.Errorf("decoded report length = %d, want 14", len(reports.report))
	}

	var resp map[string]uint64
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if resp["rate"] != 1443 {
		t.Errorf("response rate = %d, want 1443", resp["rate"])
	}
}

func TestSubmitReport_BadBodies(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"empty body", ""},
		{"invalid json", "{"},
		{"missing user", `{"operator":"op1","report":"00"}`},
		{"missing operator", `{"user":"u1","report":"00"}`},
		{"bad hex", `{"user":"u1","operator":"op1","report":"zz"}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reports := &mockReports{}
			var invalid int
			server := newTestServer(Config{
				Reports:   reports,
				OnInvalid: func() { invalid++ },
			})

			req := httptest.NewRequest("POST", "/report", strings.NewReader(tc.body))
			w := httptest.NewRecorder()

			server.handleSubmitReport(w, req)

			if w.Code != http.StatusBadRequest {
				t.Errorf("expected status 400, got %d", w.Code)
			}

			if reports.calls != 0 {
				t.Error("should not submit on error")
			}

			if invalid != 1 {
				t.Errorf("invalid hook called %d times, want 1", invalid)
			}
		})
	}
}

func TestSubmitReport_NotRegistered(t *testing.T) {
	reports := &mockReports{err: fmt.Errorf("user u1: %w", round.ErrNotRegistered)}
	server := newTestServer(Config{Reports: reports})

	body := `{"user":"u1","operator":"op1","report":"0000000000000000"}`

	req := httptest.NewRequest("POST", "/report", strings.NewReader(body))
	w := httptest.NewRecorder()

	server.handleSubmitReport(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
}

func TestAddUser(t *testing.T) {
	reg := &mockRegistry{}
	server := newTestServer(Config{Registry: reg})

	req := httptest.NewRequest("POST", "/users", strings.NewReader(`{"id":"u1"}`))
	w := httptest.NewRecorder()

	server.handleAddUser(w, req)

	if w.Code != http.StatusCreated {
		t.Errorf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	if len(reg.users) != 1 || reg.users[0] != "u1" {
		t.Errorf("registered users = %v", reg.users)
	}
}

func TestAddUser_Duplicate(t *testing.T) {
	reg := &mockRegistry{taken: map[registry.ID]bool{"u1": true}}
	server := newTestServer(Config{Registry: reg})

	req := httptest.NewRequest("POST", "/users", strings.NewReader(`{"id":"u1"}`))
	w := httptest.NewRecorder()

	server.handleAddUser(w, req)

	if w.Code != http.StatusConflict {
		t.Errorf("expected status 409, got %d", w.Code)
	}
}

func TestAddUser_EmptyID(t *testing.T) {
	reg := &mockRegistry{}
	server := newTestServer(Config{Registry: reg})

	req := httptest.NewRequest("POST", "/users", strings.NewReader(`{"id":""}`))
	w := httptest.NewRecorder()

	server.handleAddUser(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
}

func TestSetRate(t *testing.T) {
	rates := &mockRates{}
	server := newTestServer(Config{Rates: rates})

	req := httptest.NewRequest("PUT", "/operators/op1/rate", strings.NewReader(`{"rate":120}`))
	req.SetPathValue("id", "op1")
	w := httptest.NewRecorder()

	server.handleSetRate(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	if rates.operator != "op1" || rates.rate != 120 {
		t.Errorf("configured (%s, %d)", rates.operator, rates.rate)
	}
}

func TestSetRate_AlreadySet(t *testing.T) {
	rates := &mockRates{err: settle.ErrRateAlreadySet}
	server := newTestServer(Config{Rates: rates})

	req := httptest.NewRequest("PUT", "/operators/op1/rate", strings.NewReader(`{"rate":120}`))
	req.SetPathValue("id", "op1")
	w := httptest.NewRecorder()

	server.handleSetRate(w, req)

	if w.Code != http.StatusConflict {
		t.Errorf("expected status 409, got %d", w.Code)
	}
}

func TestSetRate_ZeroRate(t *testing.T) {
	rates := &mockRates{}
	server := newTestServer(Config{Rates: rates})

	req := httptest.NewRequest("PUT", "/operators/op1/rate", strings.NewReader(`{"rate":0}`))
	req.SetPathValue("id", "op1")
	w := httptest.NewRecorder()

	server.handleSetRate(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
}

func TestAdvanceRound(t *testing.T) {
	rounds := &mockRounds{
		result: round.Result{
			Round: 7,
			Selections: sched.SelectionSet{
				Round:     7,
				Operators: []registry.ID{"op1", "op2"},
				Records: map[registry.ID]sched.SelectionRecord{
					"op1": {User: "u1", Rate: 1443, Duration: 40},
					"op2": {},
				},
			},
			Settlements: []settle.SettlementRecord{
				{User: "u1", Operator: "op1", Duration: 40, Bandwidth: 1000, Cost: 3480000},
			},
		},
	}
	server := newTestServer(Config{Rounds: rounds})

	req := httptest.NewRequest("POST", "/round/advance", nil)
	w := httptest.NewRecorder()

	server.handleAdvanceRound(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Round    uint64 `json:"round"`
		Selected []struct {
			Operator string `json:"operator"`
			User     string `json:"user"`
		} `json:"selected"`
		Settlements []struct {
			Cost uint64 `json:"cost"`
		} `json:"settlements"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if resp.Round != 7 {
		t.Errorf("round = %d, want 7", resp.Round)
	}

	if len(resp.Selected) != 2 {
		t.Fatalf("selected entries = %d, want 2", len(resp.Selected))
	}

	if resp.Selected[0].Operator != "op1" || resp.Selected[0].User != "u1" {
		t.Errorf("first selection = %+v", resp.Selected[0])
	}

	if resp.Selected[1].User != "" {
		t.Errorf("idle operator carries a user: %+v", resp.Selected[1])
	}

	if len(resp.Settlements) != 1 || resp.Settlements[0].Cost != 3480000 {
		t.Errorf("settlements = %+v", resp.Settlements)
	}
}

func TestAdvanceRound_ReportsDuration(t *testing.T) {
	var observed []time.Duration
	server := newTestServer(Config{
		Rounds:  &mockRounds{result: round.Result{Round: 3}},
		OnRound: func(d time.Duration) { observed = append(observed, d) },
	})

	req := httptest.NewRequest("POST", "/round/advance", nil)
	w := httptest.NewRecorder()

	server.handleAdvanceRound(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	if len(observed) != 1 {
		t.Fatalf("duration observations = %d, want 1", len(observed))
	}

	if observed[0] < 0 {
		t.Errorf("negative round duration %v", observed[0])
	}
}

func TestAdvanceRound_FailureSkipsDuration(t *testing.T) {
	called := false
	server := newTestServer(Config{
		Rounds:  &mockRounds{err: fmt.Errorf("storage unavailable")},
		OnRound: func(time.Duration) { called = true },
	})

	req := httptest.NewRequest("POST", "/round/advance", nil)
	w := httptest.NewRecorder()

	server.handleAdvanceRound(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", w.Code)
	}

	if called {
		t.Error("abandoned round was observed as a duration")
	}
}

func TestStatus(t *testing.T) {
	reg := &mockRegistry{users: []registry.ID{"u1", "u2"}, ops: []registry.ID{"op1"}}
	rounds := &mockRounds{round: 9}
	server := newTestServer(Config{Registry: reg, Rounds: rounds})

	req := httptest.NewRequest("GET", "/status", nil)
	w := httptest.NewRecorder()

	server.handleStatus(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	var resp map[string]uint64
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if resp["round"] != 9 || resp["users"] != 2 || resp["operators"] != 1 {
		t.Errorf("status = %v", resp)
	}
}

func TestSnapshotEndpoint(t *testing.T) {
	server := newTestServer(Config{
		Snapshot: snapshotFunc(func() ([]byte, error) { return []byte("blob"), nil }),
	})

	req := httptest.NewRequest("GET", "/snapshot", nil)
	w := httptest.NewRecorder()

	server.handleSnapshot(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	if w.Body.String() != "blob" {
		t.Errorf("snapshot body = %q", w.Body.String())
	}
}

// snapshotFunc adapts a function to the Snapshotter interface.
type snapshotFunc func() ([]byte, error)

func (f snapshotFunc) Snapshot() ([]byte, error) { return f() }

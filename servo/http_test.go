package servo

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi"

	"github.com/servolab/servobench/drive"
)

func newHTTPRig(cfg Config) (*fakeBench, *Loop, chi.Router) {
	b := &fakeBench{}
	l := NewLoop(b, cfg, nil)
	r := chi.NewRouter()
	NewHTTPBench(l).RT().Bind(r)
	return b, l, r
}

func httpDo(r chi.Router, method, path, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rec
}

func TestHTTPStatusBeforeStart(t *testing.T) {
	_, _, r := newHTTPRig(Config{Mode: ModePosition, Reference: 180, Kp: 10.5, Ki: 5.2, Kd: 2.1})

	rec := httpDo(r, http.MethodGet, "/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	s := Status{}
	if err := json.NewDecoder(rec.Body).Decode(&s); err != nil {
		t.Fatalf("decoding status: %v", err)
	}
	if s.Mode != "position" || s.Running {
		t.Errorf("expected idle position loop, got %+v", s)
	}
	if s.Reference != 180 || s.Kp != 10.5 {
		t.Errorf("expected configured reference and gains in the snapshot, got %+v", s)
	}

	if rec := httpDo(r, http.MethodGet, "/mode", ""); strings.TrimSpace(rec.Body.String()) != `{"str":"position"}` {
		t.Errorf("mode route: got %s", rec.Body.String())
	}
	if rec := httpDo(r, http.MethodGet, "/running", ""); strings.TrimSpace(rec.Body.String()) != `{"bool":false}` {
		t.Errorf("running route: got %s", rec.Body.String())
	}
	if rec := httpDo(r, http.MethodGet, "/reference", ""); strings.TrimSpace(rec.Body.String()) != `{"f64":180}` {
		t.Errorf("reference route: got %s", rec.Body.String())
	}
}

func TestHTTPSetReferenceQueues(t *testing.T) {
	_, l, r := newHTTPRig(Config{Mode: ModePosition, Reference: 180})
	if rec := httpDo(r, http.MethodPost, "/reference", `{"f64":90}`); rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	start := time.Unix(0, 0)
	l.start = start
	tickN(l, start, 2, 10*time.Millisecond, nil)

	if got := l.Snapshot().Reference; got != 90 {
		t.Errorf("expected reference 90 after the queued command applied, got %f", got)
	}
	if rec := httpDo(r, http.MethodGet, "/reference", ""); strings.TrimSpace(rec.Body.String()) != `{"f64":90}` {
		t.Errorf("reference route after set: got %s", rec.Body.String())
	}
}

func TestHTTPGains(t *testing.T) {
	_, l, r := newHTTPRig(Config{Mode: ModeTuning, Kp: 10.5, Ki: 5.2, Kd: 2.1})

	rec := httpDo(r, http.MethodGet, "/gains", "")
	g := GainSet{}
	if err := json.NewDecoder(rec.Body).Decode(&g); err != nil {
		t.Fatalf("decoding gains: %v", err)
	}
	if g != (GainSet{Kp: 10.5, Ki: 5.2, Kd: 2.1}) {
		t.Errorf("expected configured gains, got %+v", g)
	}

	if rec := httpDo(r, http.MethodPost, "/gains", `{"kp":1,"ki":2,"kd":3}`); rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	start := time.Unix(0, 0)
	l.start = start
	tickN(l, start, 2, 10*time.Millisecond, nil)
	s := l.Snapshot()
	if s.Kp != 1 || s.Ki != 2 || s.Kd != 3 {
		t.Errorf("expected updated gains after tick, got %+v", s)
	}

	if rec := httpDo(r, http.MethodPost, "/gains", "not json"); rec.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 on a bad body, got %d", rec.Code)
	}
}

func TestHTTPStopZeroRaw(t *testing.T) {
	b, l, r := newHTTPRig(Config{Mode: ModePosition, Reference: 45, Kp: 2})

	if rec := httpDo(r, http.MethodPost, "/stop", ""); rec.Code != http.StatusOK {
		t.Fatalf("stop: expected status 200, got %d", rec.Code)
	}
	start := time.Unix(0, 0)
	l.start = start
	tickN(l, start, 2, 10*time.Millisecond, nil)
	if c := b.last(); c.Direction != drive.Stop || c.Magnitude != 0 {
		t.Errorf("expected the motor stopped, got %v", c)
	}

	if rec := httpDo(r, http.MethodPost, "/zero", ""); rec.Code != http.StatusOK {
		t.Fatalf("zero: expected status 200, got %d", rec.Code)
	}
	tickN(l, start.Add(20*time.Millisecond), 1, 10*time.Millisecond, nil)
	if b.zeroes != 1 {
		t.Errorf("expected one zero on the bench, got %d", b.zeroes)
	}

	rec := httpDo(r, http.MethodPost, "/raw", `{"str":"R:45.5"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("raw: expected status 200, got %d", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"str":"Reference set to: 45.50 deg"}` {
		t.Errorf("raw echo: got %s", got)
	}
	if rec := httpDo(r, http.MethodPost, "/raw", `{"str":"bogus"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("raw with a bad line: expected status 400, got %d", rec.Code)
	}
	if rec := httpDo(r, http.MethodPost, "/raw", "not json"); rec.Code != http.StatusBadRequest {
		t.Errorf("raw with a bad body: expected status 400, got %d", rec.Code)
	}
}

func TestHTTPDutyManual(t *testing.T) {
	b, l, r := newHTTPRig(Config{Mode: ModeManual})

	if rec := httpDo(r, http.MethodGet, "/duty", ""); strings.TrimSpace(rec.Body.String()) != `{"int":0}` {
		t.Errorf("initial duty: got %s", rec.Body.String())
	}
	if rec := httpDo(r, http.MethodPost, "/duty", `{"int":200}`); rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	start := time.Unix(0, 0)
	l.start = start
	tickN(l, start, 2, 10*time.Millisecond, nil)
	if c := b.last(); c.Direction != drive.Forward || c.Magnitude != 200 {
		t.Errorf("expected Forward/200, got %v", c)
	}
	if rec := httpDo(r, http.MethodGet, "/duty", ""); strings.TrimSpace(rec.Body.String()) != `{"int":200}` {
		t.Errorf("duty after set: got %s", rec.Body.String())
	}

	if rec := httpDo(r, http.MethodPost, "/duty", `{"int":300}`); rec.Code != http.StatusInternalServerError {
		t.Errorf("out-of-range duty: expected status 500, got %d", rec.Code)
	}
}

func TestHTTPHistory(t *testing.T) {
	_, l, r := newHTTPRig(Config{Mode: ModePosition, Reference: 90, History: 16})
	start := time.Unix(0, 0)
	l.start = start
	tickN(l, start, 6, 10*time.Millisecond, nil)

	rec := httpDo(r, http.MethodGet, "/history", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	h := History{}
	if err := json.NewDecoder(rec.Body).Decode(&h); err != nil {
		t.Fatalf("decoding history: %v", err)
	}
	if len(h.T) != 5 {
		t.Errorf("expected 5 samples after 6 ticks, got %d", len(h.T))
	}
	if len(h.Angle) != len(h.T) || len(h.Reference) != len(h.T) || len(h.Control) != len(h.T) {
		t.Error("expected all history arrays the same length")
	}
	if h.Reference[0] != 90 {
		t.Errorf("expected reference 90 in history, got %f", h.Reference[0])
	}
}

func TestHTTPSweepRoutes(t *testing.T) {
	_, l, r := newHTTPRig(Config{Mode: ModeIdent})

	if rec := httpDo(r, http.MethodGet, "/sweep/results", ""); strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("expected an empty table before ticking, got %s", rec.Body.String())
	}

	start := time.Unix(0, 0)
	l.start = start
	tickN(l, start, 3, 50*time.Millisecond, nil)

	rec := httpDo(r, http.MethodGet, "/sweep/results", "")
	rows := []SweepRow{}
	if err := json.NewDecoder(rec.Body).Decode(&rows); err != nil {
		t.Fatalf("decoding sweep results: %v", err)
	}
	if len(rows) != 5 {
		t.Fatalf("expected the standard five duties, got %d rows", len(rows))
	}
	if rows[0].Duty != 150 || rows[4].Duty != 250 {
		t.Errorf("expected duties 150..250, got %d..%d", rows[0].Duty, rows[4].Duty)
	}
	for _, row := range rows {
		if row.TauMeasured || row.K != 0 {
			t.Errorf("expected no measurements this early, got %+v", row)
		}
	}

	if rec := httpDo(r, http.MethodPost, "/sweep/restart", ""); rec.Code != http.StatusOK {
		t.Errorf("sweep restart: expected status 200, got %d", rec.Code)
	}
}

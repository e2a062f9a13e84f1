package servo

import (
	"encoding/json"
	"fmt"
	"go/types"
	"net/http"

	"goji.io/pat"

	"github.com/servolab/servobench/server"
	"github.com/servolab/servobench/wire"
)

// GainSet is the JSON body for the gains routes
type GainSet struct {
	Kp float64 `json:"kp"`
	Ki float64 `json:"ki"`
	Kd float64 `json:"kd"`
}

// SweepRow is one duty's identification summary for the results route
type SweepRow struct {
	Duty        int     `json:"duty"`
	Tau         float64 `json:"tau"`
	TauMeasured bool    `json:"tauMeasured"`
	Steady      float64 `json:"steady"`
	K           float64 `json:"k"`
	Passes      int     `json:"passes"`
}

// HTTPBench exposes a Loop over HTTP.  Mutating routes queue commands the
// same way the console does; they apply at the next tick.
type HTTPBench struct {
	// Loop is the control loop being exposed
	Loop *Loop

	// RouteTable holds the map of patterns and routes
	RouteTable server.RouteTable
}

// NewHTTPBench creates a new HTTP wrapper and populates the route table
func NewHTTPBench(l *Loop) *HTTPBench {
	h := &HTTPBench{Loop: l}
	rt := server.RouteTable{
		pat.Get("/mode"):    server.GetString(h.mode),
		pat.Get("/running"): server.GetBool(h.running),
		pat.Get("/status"):  h.Status,
		pat.Get("/history"): h.History,

		pat.Get("/reference"):  server.GetFloat(h.reference),
		pat.Post("/reference"): server.SetFloat(h.setReference),
		pat.Get("/gains"):      h.Gains,
		pat.Post("/gains"):     h.SetGains,
		pat.Get("/duty"):       server.GetInt(h.duty),
		pat.Post("/duty"):      server.SetInt(h.setDuty),

		pat.Post("/stop"): h.StopMotor,
		pat.Post("/zero"): h.ZeroBench,
		pat.Post("/raw"):  h.Raw,

		pat.Get("/sweep/results"):  h.SweepResults,
		pat.Post("/sweep/restart"): h.RestartSweep,
	}
	h.RouteTable = rt
	return h
}

// RT satisfies server.HTTPer
func (h *HTTPBench) RT() server.RouteTable {
	return h.RouteTable
}

func (h *HTTPBench) mode() (string, error) {
	return h.Loop.Snapshot().Mode, nil
}

func (h *HTTPBench) running() (bool, error) {
	return h.Loop.Snapshot().Running, nil
}

func (h *HTTPBench) reference() (float64, error) {
	return h.Loop.Snapshot().Reference, nil
}

func (h *HTTPBench) setReference(f float64) error {
	h.Loop.Submit(wire.Command{T: wire.SetReference, Ref: f})
	return nil
}

func (h *HTTPBench) duty() (int, error) {
	return h.Loop.Snapshot().Duty, nil
}

func (h *HTTPBench) setDuty(d int) error {
	if d < 0 || d > 255 {
		return fmt.Errorf("duty %d outside 0..255", d)
	}
	h.Loop.Submit(wire.Command{T: wire.SetDuty, Duty: d})
	return nil
}

// Status returns the loop snapshot over HTTP as JSON
func (h *HTTPBench) Status(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	err := json.NewEncoder(w).Encode(h.Loop.Snapshot())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// History returns the telemetry ring over HTTP as JSON arrays
func (h *HTTPBench) History(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	err := json.NewEncoder(w).Encode(h.Loop.History())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// Gains returns the controller gains over HTTP as JSON
func (h *HTTPBench) Gains(w http.ResponseWriter, r *http.Request) {
	s := h.Loop.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	err := json.NewEncoder(w).Encode(GainSet{Kp: s.Kp, Ki: s.Ki, Kd: s.Kd})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// SetGains queues a gain update from a JSON body with kp, ki, kd fields
func (h *HTTPBench) SetGains(w http.ResponseWriter, r *http.Request) {
	g := GainSet{}
	err := json.NewDecoder(r.Body).Decode(&g)
	defer r.Body.Close()
	if err != nil {
		fstr := fmt.Sprintf("error decoding json, should have fields of \"kp\", \"ki\" and \"kd\", %q", err)
		http.Error(w, fstr, http.StatusBadRequest)
		return
	}
	h.Loop.Submit(wire.Command{T: wire.SetGains, Kp: g.Kp, Ki: g.Ki, Kd: g.Kd})
	w.WriteHeader(http.StatusOK)
}

// StopMotor queues a stop; actuation stays at zero until a new reference
// or duty arrives
func (h *HTTPBench) StopMotor(w http.ResponseWriter, r *http.Request) {
	h.Loop.Submit(wire.Command{T: wire.Stop})
	w.WriteHeader(http.StatusOK)
}

// ZeroBench queues a counter zero; the current shaft position becomes the
// origin
func (h *HTTPBench) ZeroBench(w http.ResponseWriter, r *http.Request) {
	h.Loop.Submit(wire.Command{T: wire.Zero})
	w.WriteHeader(http.StatusOK)
}

// Raw accepts one protocol line as {"str": line} and returns its console
// echo the same way
func (h *HTTPBench) Raw(w http.ResponseWriter, r *http.Request) {
	str := server.StrT{}
	err := json.NewDecoder(r.Body).Decode(&str)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	echo, err := h.Loop.Exec(str.Str)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	hp := server.HumanPayload{T: types.String, String: echo}
	hp.EncodeAndRespond(w, r)
}

// SweepResults returns the per-duty tau/K table over HTTP as JSON
func (h *HTTPBench) SweepResults(w http.ResponseWriter, r *http.Request) {
	res := h.Loop.SweepResults()
	rows := make([]SweepRow, len(res))
	for i, re := range res {
		rows[i] = SweepRow{
			Duty:        re.Duty,
			Tau:         re.Tau,
			TauMeasured: re.TauMeasured,
			Steady:      re.Steady,
			K:           re.K(),
			Passes:      re.Passes,
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	err := json.NewEncoder(w).Encode(rows)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// RestartSweep queues a sweep restart from the first duty
func (h *HTTPBench) RestartSweep(w http.ResponseWriter, r *http.Request) {
	h.Loop.RestartSweep()
	w.WriteHeader(http.StatusOK)
}

package impact

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"neo-guardian/internal/auth"
)

type Handler struct{}

func NewHandler() *Handler {
	return &Handler{}
}

type simulateRequest struct {
	DiameterM    float64 `json:"diameter_m"`
	VelocityKMS  float64 `json:"velocity_kms"`
	AngleDegrees float64 `json:"angle_degrees"`
	Composition  string  `json:"composition"`
}

// Simulate handles POST /impact/simulate.
func (h *Handler) Simulate(w http.ResponseWriter, r *http.Request) {
	var req simulateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	simulation, err := Simulate(Params{
		DiameterM:    req.DiameterM,
		VelocityKMS:  req.VelocityKMS,
		AngleDegrees: req.AngleDegrees,
		Composition:  req.Composition,
	})
	if err != nil {
		if errors.Is(err, ErrInvalidParams) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "simulation failed")
		return
	}

	auth.AnnotateAudit(r.Context(), "impact_type", string(simulation.Type))
	writeJSON(w, http.StatusOK, simulation)
}

// Historical handles GET /impact/historical.
func (h *Handler) Historical(w http.ResponseWriter, r *http.Request) {
	impacts := HistoricalImpacts()
	writeJSON(w, http.StatusOK, map[string]any{
		"impacts": impacts,
		"count":   len(impacts),
	})
}

// HistoricalDetail handles GET /impact/historical/{name}.
func (h *Handler) HistoricalDetail(w http.ResponseWriter, r *http.Request) {
	impact, ok := FindHistorical(r.PathValue("name"))
	if !ok {
		writeError(w, http.StatusNotFound, "historical impact not found")
		return
	}

	writeJSON(w, http.StatusOK, impact)
}

// SimulateHistorical handles GET /impact/historical/{name}/simulate.
func (h *Handler) SimulateHistorical(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	simulation, ok := SimulateHistorical(name)
	if !ok {
		writeError(w, http.StatusNotFound, "historical impact not found")
		return
	}

	auth.AnnotateAudit(r.Context(), "impact_name", name)
	writeJSON(w, http.StatusOK, simulation)
}

// Compare handles GET /impact/compare?diameter1=&diameter2=.
func (h *Handler) Compare(w http.ResponseWriter, r *http.Request) {
	first, err := parseDiameter(r.URL.Query().Get("diameter1"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "diameter1 must be a number between 1 and 50000")
		return
	}
	second, err := parseDiameter(r.URL.Query().Get("diameter2"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "diameter2 must be a number between 1 and 50000")
		return
	}

	simFirst, err := Simulate(Params{DiameterM: first})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	simSecond, err := Simulate(Params{DiameterM: second})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	energyRatio := 0.0
	if simFirst.EnergyMegatons > 0 {
		energyRatio = round2(simSecond.EnergyMegatons / simFirst.EnergyMegatons)
	}
	craterRatio := 0.0
	if simFirst.Effects.CraterDiameterKM > 0 {
		craterRatio = round2(simSecond.Effects.CraterDiameterKM / simFirst.Effects.CraterDiameterKM)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"asteroid_1": compareEntry(simFirst),
		"asteroid_2": compareEntry(simSecond),
		"comparison": map[string]float64{
			"energy_ratio": energyRatio,
			"crater_ratio": craterRatio,
		},
	})
}

func compareEntry(sim Simulation) map[string]any {
	return map[string]any{
		"diameter_m":      sim.DiameterM,
		"energy_megatons": sim.EnergyMegatons,
		"crater_km":       sim.Effects.CraterDiameterKM,
		"type":            sim.Type,
	}
}

func parseDiameter(raw string) (float64, error) {
	return strconv.ParseFloat(raw, 64)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

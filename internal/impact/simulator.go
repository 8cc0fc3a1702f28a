// Package impact models asteroid impact effects after the Purdue
// "Impact: Earth!" scaling relations, alongside a catalog of documented
// historical impact events.
package impact

import (
	"errors"
	"fmt"
	"math"
)

// Joules per megaton of TNT.
const tntJoulesPerMegaton = 4.184e15

// Schmidt-Holsapple pi-scaling constant and the assumed crust density.
const (
	craterConstant    = 0.074
	targetDensityKGM3 = 2500.0
)

const (
	airburstThresholdM  = 25.0
	defaultVelocityKMS  = 17.0
	defaultAngleDegrees = 45.0
	defaultComposition  = "rock"
)

const (
	minDiameterM    = 1.0
	maxDiameterM    = 50000.0
	minVelocityKMS  = 5.0
	maxVelocityKMS  = 72.0
	minAngleDegrees = 5.0
	maxAngleDegrees = 90.0
)

// Benchmark yields for the comparison strings.
const (
	hiroshimaMegatons = 0.015
	tsarBombaMegatons = 50.0
	tunguskaMegatons  = 15.0
	chicxulubMegatons = 1e11
)

// ErrInvalidParams reports a simulation request outside the model's
// supported envelope.
var ErrInvalidParams = errors.New("invalid simulation parameters")

var densities = map[string]float64{
	"ice":         1000,
	"porous_rock": 1500,
	"rock":        2500,
	"dense_rock":  3000,
	"iron":        7800,
}

type Type string

const (
	TypeAirburst     Type = "airburst"
	TypeCraterSmall  Type = "crater_small"
	TypeCraterMedium Type = "crater_medium"
	TypeCraterLarge  Type = "crater_large"
	TypeExtinction   Type = "extinction"
)

// Params describes the body to simulate. Zero values for velocity, angle,
// and composition take the model defaults (17 km/s, 45 degrees, rock).
type Params struct {
	DiameterM    float64
	VelocityKMS  float64
	AngleDegrees float64
	Composition  string
}

type Effects struct {
	CraterDiameterKM         float64  `json:"crater_diameter_km"`
	FireballRadiusKM         float64  `json:"fireball_radius_km"`
	ThermalRadiationRadiusKM float64  `json:"thermal_radiation_radius_km"`
	ShockwaveRadiusKM        float64  `json:"shockwave_radius_km"`
	EarthquakeMagnitude      float64  `json:"earthquake_magnitude"`
	TsunamiHeightM           *float64 `json:"tsunami_height_m,omitempty"`
	DustCloudDurationYears   *float64 `json:"dust_cloud_duration_years,omitempty"`
	GlobalTemperatureChangeC *float64 `json:"global_temperature_change_c,omitempty"`
}

type Simulation struct {
	DiameterM      float64 `json:"asteroid_diameter_m"`
	VelocityKMS    float64 `json:"asteroid_velocity_kms"`
	AngleDegrees   float64 `json:"impact_angle_degrees"`
	DensityKGM3    float64 `json:"asteroid_density_kgm3"`
	EnergyMegatons float64 `json:"impact_energy_megatons"`
	EnergyJoules   float64 `json:"impact_energy_joules"`
	Type           Type    `json:"impact_type"`
	Effects        Effects `json:"effects"`
	Comparison     string  `json:"comparison"`
}

// Simulate runs the impact model for one body.
func Simulate(params Params) (Simulation, error) {
	if params.VelocityKMS == 0 {
		params.VelocityKMS = defaultVelocityKMS
	}
	if params.AngleDegrees == 0 {
		params.AngleDegrees = defaultAngleDegrees
	}
	if params.Composition == "" {
		params.Composition = defaultComposition
	}

	if err := validateParams(params); err != nil {
		return Simulation{}, err
	}

	density := densities[params.Composition]
	joules := kineticEnergy(params.DiameterM, params.VelocityKMS, density)

	// Oblique entries deliver only the vertical component of the energy.
	angleFactor := math.Sin(params.AngleDegrees * math.Pi / 180)
	joules *= angleFactor
	megatons := joules / tntJoulesPerMegaton

	impactType := classify(megatons, params.DiameterM)

	return Simulation{
		DiameterM:      params.DiameterM,
		VelocityKMS:    params.VelocityKMS,
		AngleDegrees:   params.AngleDegrees,
		DensityKGM3:    density,
		EnergyMegatons: round4(megatons),
		EnergyJoules:   joules,
		Type:           impactType,
		Effects:        computeEffects(megatons, joules, impactType == TypeAirburst),
		Comparison:     comparison(megatons),
	}, nil
}

func validateParams(params Params) error {
	if params.DiameterM < minDiameterM || params.DiameterM > maxDiameterM {
		return fmt.Errorf("%w: diameter_m must be between 1 and 50000", ErrInvalidParams)
	}
	if params.VelocityKMS < minVelocityKMS || params.VelocityKMS > maxVelocityKMS {
		return fmt.Errorf("%w: velocity_kms must be between 5 and 72", ErrInvalidParams)
	}
	if params.AngleDegrees < minAngleDegrees || params.AngleDegrees > maxAngleDegrees {
		return fmt.Errorf("%w: angle_degrees must be between 5 and 90", ErrInvalidParams)
	}
	if _, ok := densities[params.Composition]; !ok {
		return fmt.Errorf("%w: composition must be one of ice, porous_rock, rock, dense_rock, iron", ErrInvalidParams)
	}
	return nil
}

func kineticEnergy(diameterM, velocityKMS, densityKGM3 float64) float64 {
	radius := diameterM / 2
	volume := (4.0 / 3.0) * math.Pi * math.Pow(radius, 3)
	mass := volume * densityKGM3
	velocityMS := velocityKMS * 1000
	return 0.5 * mass * velocityMS * velocityMS
}

func classify(megatons, diameterM float64) Type {
	switch {
	case diameterM < airburstThresholdM:
		return TypeAirburst
	case megatons < 1e3:
		return TypeCraterSmall
	case megatons < 1e6:
		return TypeCraterMedium
	case megatons < 1e11:
		return TypeCraterLarge
	default:
		return TypeExtinction
	}
}

func computeEffects(megatons, joules float64, airburst bool) Effects {
	craterKM := 0.0
	if !airburst {
		craterKM = craterDiameterKM(joules)
	}

	var quake float64
	if megatons > 0 {
		quake = 0.67*math.Log10(joules) - 5.87
		quake = math.Max(0, math.Min(quake, 12))
	}

	effects := Effects{
		CraterDiameterKM:         round2(craterKM),
		FireballRadiusKM:         round2(0.002 * math.Pow(megatons, 0.4)),
		ThermalRadiationRadiusKM: round2(0.02 * math.Pow(megatons, 0.41)),
		ShockwaveRadiusKM:        round2(0.28 * math.Pow(megatons, 0.33)),
		EarthquakeMagnitude:      round1(quake),
	}

	if megatons > 100 && craterKM > 0 {
		height := round1(10 * math.Pow(megatons/1000, 0.25))
		effects.TsunamiHeightM = &height
	}

	if megatons > 1e10 {
		dust := round1(math.Log10(megatons) - 8)
		temp := round1(-5 * math.Pow(megatons/1e11, 0.3))
		effects.DustCloudDurationYears = &dust
		effects.GlobalTemperatureChangeC = &temp
	}

	return effects
}

func craterDiameterKM(joules float64) float64 {
	meters := craterConstant * math.Pow(joules, 0.294) * math.Pow(targetDensityKGM3, -0.44)
	return meters / 1000
}

func comparison(megatons float64) string {
	switch {
	case megatons < 0.001:
		return fmt.Sprintf("Equivalent to %.1f kilotons of TNT", megatons*1000)
	case megatons < 1:
		return fmt.Sprintf("Equivalent to %.0f Hiroshima bombs", megatons/hiroshimaMegatons)
	case megatons < 100:
		return fmt.Sprintf("Equivalent to %.0f Hiroshima bombs or %.1f Tsar Bombas",
			megatons/hiroshimaMegatons, megatons/tsarBombaMegatons)
	case megatons < 1000:
		return fmt.Sprintf("Roughly %.0f times the Tunguska event", megatons/tunguskaMegatons)
	case megatons < 1e9:
		return fmt.Sprintf("%.2f million megatons - a regional extinction event", megatons/1e6)
	default:
		return fmt.Sprintf("Roughly %.1f%% of the Chicxulub impact energy - a global extinction event",
			megatons/chicxulubMegatons*100)
	}
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round4(v float64) float64 { return math.Round(v*10000) / 10000 }

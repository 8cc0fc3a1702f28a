package neo

// LunarDistanceKM is the mean Earth-Moon distance used to express miss
// distances in lunar units.
const LunarDistanceKM = 384400.0

type ThreatLevel string

const (
	ThreatLow    ThreatLevel = "low"
	ThreatMedium ThreatLevel = "medium"
	ThreatHigh   ThreatLevel = "high"
)

// Summary aggregates a day's worth of objects into alert-friendly numbers.
type Summary struct {
	Date                 string      `json:"date"`
	TotalCount           int         `json:"total_count"`
	HazardousCount       int         `json:"hazardous_count"`
	ClosestObject        string      `json:"closest_neo,omitempty"`
	ClosestDistanceKM    *float64    `json:"closest_distance_km,omitempty"`
	ClosestDistanceLunar *float64    `json:"closest_distance_lunar,omitempty"`
	Threat               ThreatLevel `json:"threat_level"`
}

// Analysis is the per-object risk readout.
type Analysis struct {
	ID                   string      `json:"neo_id"`
	Name                 string      `json:"name"`
	Hazardous            bool        `json:"is_potentially_hazardous"`
	DiameterMinKM        float64     `json:"estimated_diameter_min_km"`
	DiameterMaxKM        float64     `json:"estimated_diameter_max_km"`
	ClosestApproachDate  string      `json:"closest_approach_date,omitempty"`
	ClosestDistanceKM    *float64    `json:"closest_distance_km,omitempty"`
	ClosestDistanceLunar *float64    `json:"closest_distance_lunar,omitempty"`
	VelocityKMS          *float64    `json:"velocity_kms,omitempty"`
	Threat               ThreatLevel `json:"threat_level"`
}

// AssessThreat grades a set of observations. A nil distance means no
// measurable approach, which always reads as low regardless of count.
func AssessThreat(hazardousCount int, closestKM *float64) ThreatLevel {
	if closestKM == nil {
		return ThreatLow
	}

	switch {
	case *closestKM < 1_000_000 || hazardousCount > 2:
		return ThreatHigh
	case *closestKM < 5_000_000 || hazardousCount >= 1:
		return ThreatMedium
	default:
		return ThreatLow
	}
}

// Summarize reduces a feed to the day's headline numbers.
func Summarize(date string, objects []Object) Summary {
	summary := Summary{
		Date:       date,
		TotalCount: len(objects),
	}

	var (
		closestKM   float64
		closestName string
		found       bool
	)
	for _, object := range objects {
		if object.Hazardous {
			summary.HazardousCount++
		}
		for _, approach := range object.Approaches {
			if approach.DistanceKM <= 0 {
				continue
			}
			if !found || approach.DistanceKM < closestKM {
				closestKM = approach.DistanceKM
				closestName = object.Name
				found = true
			}
		}
	}

	if found {
		lunar := closestKM / LunarDistanceKM
		summary.ClosestObject = closestName
		summary.ClosestDistanceKM = &closestKM
		summary.ClosestDistanceLunar = &lunar
	}
	summary.Threat = AssessThreat(summary.HazardousCount, summary.ClosestDistanceKM)

	return summary
}

// AnalyzeObject grades a single object by its nearest recorded approach.
func AnalyzeObject(object Object) Analysis {
	analysis := Analysis{
		ID:            object.ID,
		Name:          object.Name,
		Hazardous:     object.Hazardous,
		DiameterMinKM: object.DiameterMinKM,
		DiameterMaxKM: object.DiameterMaxKM,
	}

	var closest *Approach
	for i := range object.Approaches {
		approach := &object.Approaches[i]
		if approach.DistanceKM <= 0 {
			continue
		}
		if closest == nil || approach.DistanceKM < closest.DistanceKM {
			closest = approach
		}
	}

	if closest != nil {
		km := closest.DistanceKM
		lunar := km / LunarDistanceKM
		kms := closest.VelocityKMS
		analysis.ClosestApproachDate = closest.Date
		analysis.ClosestDistanceKM = &km
		analysis.ClosestDistanceLunar = &lunar
		analysis.VelocityKMS = &kms
	}

	hazardousCount := 0
	if object.Hazardous {
		hazardousCount = 1
	}
	analysis.Threat = AssessThreat(hazardousCount, analysis.ClosestDistanceKM)

	return analysis
}

func filterHazardous(objects []Object) []Object {
	hazardous := []Object{}
	for _, object := range objects {
		if object.Hazardous {
			hazardous = append(hazardous, object)
		}
	}
	return hazardous
}

package impact

import "strings"

// HistoricalImpact is a documented impact event. Fatalities stays nil when
// the event predates any population to count.
type HistoricalImpact struct {
	Name             string   `json:"name"`
	Date             string   `json:"date"`
	Location         string   `json:"location"`
	Latitude         float64  `json:"latitude"`
	Longitude        float64  `json:"longitude"`
	DiameterM        float64  `json:"asteroid_diameter_m"`
	CraterDiameterKM float64  `json:"crater_diameter_km"`
	EnergyMegatons   float64  `json:"energy_megatons"`
	Description      string   `json:"description"`
	Consequences     []string `json:"consequences"`
	Fatalities       *int     `json:"fatalities,omitempty"`
	DiscoveredYear   int      `json:"discovered_year,omitempty"`
}

var noFatalities = 0

var historicalImpacts = []HistoricalImpact{
	{
		Name:             "Chicxulub",
		Date:             "66 million years ago",
		Location:         "Yucatan Peninsula, Mexico",
		Latitude:         21.4,
		Longitude:        -89.5,
		DiameterM:        10000,
		CraterDiameterKM: 180,
		EnergyMegatons:   1e11,
		Description:      "The impact that ended the dinosaurs, triggering an impact winter that lasted years.",
		Consequences: []string{
			"Extinction of 75% of all species",
			"Extinction of all non-avian dinosaurs",
			"Impact winter lasting over a decade",
			"Tsunamis over 100 meters tall",
			"Global wildfires and food chain collapse",
		},
		DiscoveredYear: 1978,
	},
	{
		Name:             "Vredefort",
		Date:             "2.023 billion years ago",
		Location:         "Free State, South Africa",
		Latitude:         -27.0,
		Longitude:        27.5,
		DiameterM:        15000,
		CraterDiameterKM: 300,
		EnergyMegatons:   5e11,
		Description:      "The largest verified impact structure on Earth, struck by a body bigger than the dinosaur killer.",
		Consequences: []string{
			"Largest known crater on Earth",
			"Possible mass extinction event",
			"Geological restructuring of the region",
		},
		DiscoveredYear: 1920,
	},
	{
		Name:             "Sudbury",
		Date:             "1.849 billion years ago",
		Location:         "Ontario, Canada",
		Latitude:         46.6,
		Longitude:        -81.2,
		DiameterM:        12000,
		CraterDiameterKM: 130,
		EnergyMegatons:   1e11,
		Description:      "One of the largest and best preserved craters, mined today for nickel, copper, and platinum.",
		Consequences: []string{
			"Rich mineral deposits",
			"Second largest crater on Earth",
			"Crust deformation spanning 200 km",
		},
		DiscoveredYear: 1891,
	},
	{
		Name:             "Tunguska",
		Date:             "June 30, 1908",
		Location:         "Siberia, Russia",
		Latitude:         60.9,
		Longitude:        101.9,
		DiameterM:        50,
		CraterDiameterKM: 0,
		EnergyMegatons:   15,
		Description:      "The largest recorded cosmic-body explosion, detonating 5-10 km above the forest without leaving a crater.",
		Consequences: []string{
			"2,150 square kilometers of forest flattened",
			"80 million trees knocked down",
			"Windows shattered 400 km away",
			"Bright nights across Europe for weeks",
		},
		Fatalities:     &noFatalities,
		DiscoveredYear: 1908,
	},
	{
		Name:             "Chelyabinsk",
		Date:             "February 15, 2013",
		Location:         "Chelyabinsk, Russia",
		Latitude:         54.8,
		Longitude:        61.1,
		DiameterM:        20,
		CraterDiameterKM: 0,
		EnergyMegatons:   0.5,
		Description:      "The most significant recent impact event, exploding 29.7 km up with the force of 30 Hiroshima bombs.",
		Consequences: []string{
			"About 1,500 people injured, mostly by broken glass",
			"7,200 buildings damaged",
			"Flash brighter than the Sun",
			"Shockwaves broke windows in six cities",
		},
		Fatalities:     &noFatalities,
		DiscoveredYear: 2013,
	},
	{
		Name:             "Barringer",
		Date:             "50,000 years ago",
		Location:         "Arizona, United States",
		Latitude:         35.0,
		Longitude:        -111.0,
		DiameterM:        50,
		CraterDiameterKM: 1.2,
		EnergyMegatons:   10,
		Description:      "Meteor Crater, the best preserved impact crater on Earth and the first recognized as extraterrestrial in origin.",
		Consequences: []string{
			"Crater 170 meters deep",
			"Devastation within a 10 km radius",
			"Winds near 1,000 km/h in the blast area",
		},
		DiscoveredYear: 1891,
	},
	{
		Name:             "Popigai",
		Date:             "35.7 million years ago",
		Location:         "Siberia, Russia",
		Latitude:         71.7,
		Longitude:        111.0,
		DiameterM:        5000,
		CraterDiameterKM: 100,
		EnergyMegatons:   1e10,
		Description:      "The fourth largest crater, holding the world's largest deposit of impact diamonds.",
		Consequences: []string{
			"Massive impact diamond deposit",
			"Possible contributor to the Eocene-Oligocene extinction",
		},
		DiscoveredYear: 1946,
	},
	{
		Name:             "Manicouagan",
		Date:             "214 million years ago",
		Location:         "Quebec, Canada",
		Latitude:         51.4,
		Longitude:        -68.7,
		DiameterM:        5000,
		CraterDiameterKM: 85,
		EnergyMegatons:   5e9,
		Description:      "The Eye of Quebec, visible from orbit as a near-perfect ring of water.",
		Consequences: []string{
			"70 km ring-shaped lake",
			"Possible link to the Triassic-Jurassic extinction",
		},
		DiscoveredYear: 1966,
	},
}

// HistoricalImpacts returns the documented impact catalog.
func HistoricalImpacts() []HistoricalImpact {
	impacts := make([]HistoricalImpact, len(historicalImpacts))
	copy(impacts, historicalImpacts)
	return impacts
}

// FindHistorical looks an event up by name, case-insensitively.
func FindHistorical(name string) (HistoricalImpact, bool) {
	for _, impact := range historicalImpacts {
		if strings.EqualFold(impact.Name, name) {
			return impact, true
		}
	}
	return HistoricalImpact{}, false
}

// SimulateHistorical re-runs the impact model against a documented event.
// Bodies above 5 km get the faster entry velocity typical of large impactors.
func SimulateHistorical(name string) (Simulation, bool) {
	impact, ok := FindHistorical(name)
	if !ok {
		return Simulation{}, false
	}

	velocity := defaultVelocityKMS
	if impact.DiameterM > 5000 {
		velocity = 20.0
	}

	simulation, err := Simulate(Params{
		DiameterM:   impact.DiameterM,
		VelocityKMS: velocity,
		Composition: defaultComposition,
	})
	if err != nil {
		return Simulation{}, false
	}

	return simulation, true
}

package neo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://api.nasa.gov"
	defaultAPIKey  = "DEMO_KEY"

	// NASA's NeoWs feed endpoint rejects ranges wider than seven days.
	maxFeedRange = 7 * 24 * time.Hour

	maxResponseBytes = 8 << 20
)

// ErrObjectNotFound reports that NASA has no record for the requested id.
var ErrObjectNotFound = errors.New("neo not found")

// Object is a near-Earth object as served to our own clients, flattened
// from NASA's nested wire format.
type Object struct {
	ID                string     `json:"neo_id"`
	Name              string     `json:"name"`
	JPLURL            string     `json:"nasa_jpl_url,omitempty"`
	AbsoluteMagnitude float64    `json:"absolute_magnitude"`
	DiameterMinKM     float64    `json:"estimated_diameter_min_km"`
	DiameterMaxKM     float64    `json:"estimated_diameter_max_km"`
	Hazardous         bool       `json:"is_potentially_hazardous"`
	SentryObject      bool       `json:"is_sentry_object"`
	Approaches        []Approach `json:"close_approaches"`
}

type Approach struct {
	Date          string  `json:"date"`
	VelocityKMH   float64 `json:"velocity_kmh"`
	VelocityKMS   float64 `json:"velocity_kms"`
	DistanceKM    float64 `json:"distance_km"`
	DistanceLunar float64 `json:"distance_lunar"`
	OrbitingBody  string  `json:"orbiting_body"`
}

// NASA serializes every numeric approach figure as a string.
type neoFeedResponse struct {
	NearEarthObjects map[string][]neoWire `json:"near_earth_objects"`
}

type neoWire struct {
	ID                 string  `json:"id"`
	Name               string  `json:"name"`
	JPLURL             string  `json:"nasa_jpl_url"`
	AbsoluteMagnitudeH float64 `json:"absolute_magnitude_h"`
	EstimatedDiameter  struct {
		Kilometers struct {
			Min float64 `json:"estimated_diameter_min"`
			Max float64 `json:"estimated_diameter_max"`
		} `json:"kilometers"`
	} `json:"estimated_diameter"`
	Hazardous         bool           `json:"is_potentially_hazardous_asteroid"`
	SentryObject      bool           `json:"is_sentry_object"`
	CloseApproachData []approachWire `json:"close_approach_data"`
}

type approachWire struct {
	CloseApproachDate string `json:"close_approach_date"`
	RelativeVelocity  struct {
		KilometersPerHour   string `json:"kilometers_per_hour"`
		KilometersPerSecond string `json:"kilometers_per_second"`
	} `json:"relative_velocity"`
	MissDistance struct {
		Kilometers string `json:"kilometers"`
		Lunar      string `json:"lunar"`
	} `json:"miss_distance"`
	OrbitingBody string `json:"orbiting_body"`
}

// Client is a read-through over NASA's NeoWs REST API.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func NewClient(apiKey string) *Client {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		apiKey = defaultAPIKey
	}

	return &Client{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		httpClient: &http.Client{
			Timeout: 20 * time.Second,
		},
	}
}

// Feed returns every object NASA reports between start and end inclusive,
// ordered by approach date. Ranges wider than NASA's seven-day limit are
// clamped rather than rejected.
func (c *Client) Feed(ctx context.Context, start, end time.Time) ([]Object, error) {
	if end.Before(start) {
		end = start
	}
	if end.Sub(start) > maxFeedRange {
		end = start.Add(maxFeedRange)
	}

	params := url.Values{}
	params.Set("start_date", start.Format("2006-01-02"))
	params.Set("end_date", end.Format("2006-01-02"))

	body, err := c.get(ctx, "/neo/rest/v1/feed", params)
	if err != nil {
		return nil, err
	}

	var feed neoFeedResponse
	if err := json.Unmarshal(body, &feed); err != nil {
		return nil, fmt.Errorf("decode neo feed: %w", err)
	}

	dates := make([]string, 0, len(feed.NearEarthObjects))
	for date := range feed.NearEarthObjects {
		dates = append(dates, date)
	}
	sort.Strings(dates)

	var objects []Object
	for _, date := range dates {
		for _, wire := range feed.NearEarthObjects[date] {
			objects = append(objects, convertObject(wire))
		}
	}

	return objects, nil
}

// Lookup fetches a single object by its NeoWs id.
func (c *Client) Lookup(ctx context.Context, id string) (Object, error) {
	body, err := c.get(ctx, "/neo/rest/v1/neo/"+url.PathEscape(id), url.Values{})
	if err != nil {
		return Object{}, err
	}

	var wire neoWire
	if err := json.Unmarshal(body, &wire); err != nil {
		return Object{}, fmt.Errorf("decode neo lookup: %w", err)
	}

	return convertObject(wire), nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	params.Set("api_key", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build nasa request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "neo-guardian/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("nasa request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read nasa response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrObjectNotFound
	case resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("nasa api rejected the api key")
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("nasa api rate limit exhausted")
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("nasa api returned status %d", resp.StatusCode)
	}

	return body, nil
}

func convertObject(wire neoWire) Object {
	approaches := make([]Approach, 0, len(wire.CloseApproachData))
	for _, a := range wire.CloseApproachData {
		approaches = append(approaches, Approach{
			Date:          a.CloseApproachDate,
			VelocityKMH:   parseWireFloat(a.RelativeVelocity.KilometersPerHour),
			VelocityKMS:   parseWireFloat(a.RelativeVelocity.KilometersPerSecond),
			DistanceKM:    parseWireFloat(a.MissDistance.Kilometers),
			DistanceLunar: parseWireFloat(a.MissDistance.Lunar),
			OrbitingBody:  orbitingBodyOrDefault(a.OrbitingBody),
		})
	}

	return Object{
		ID:                wire.ID,
		Name:              wire.Name,
		JPLURL:            wire.JPLURL,
		AbsoluteMagnitude: wire.AbsoluteMagnitudeH,
		DiameterMinKM:     wire.EstimatedDiameter.Kilometers.Min,
		DiameterMaxKM:     wire.EstimatedDiameter.Kilometers.Max,
		Hazardous:         wire.Hazardous,
		SentryObject:      wire.SentryObject,
		Approaches:        approaches,
	}
}

// parseWireFloat coerces NASA's stringly-typed numerics; malformed values
// read as zero rather than failing the whole feed.
func parseWireFloat(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return f
}

func orbitingBodyOrDefault(body string) string {
	if body == "" {
		return "Earth"
	}
	return body
}

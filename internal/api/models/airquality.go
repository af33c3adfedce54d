package models

// Reading is an air quality reading as returned by the HTTP API.
type Reading struct {
	AQI           float64            `json:"aqi"`
	Pollutants    map[string]float64 `json:"pollutants"`
	ProviderIndex int                `json:"providerIndex,omitempty"`
	Timestamp     Timestamp          `json:"timestamp"`
	Location      ReadingLocation    `json:"location"`
}

// ReadingLocation identifies the normalized location a reading applies to.
type ReadingLocation struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
	Key string  `json:"key"`
}

// Report is a stored air quality report.
type Report struct {
	ID        string    `json:"id"`
	AQI       float64   `json:"aqi"`
	PM25      *float64  `json:"pm25"`
	PM10      *float64  `json:"pm10"`
	O3        *float64  `json:"o3"`
	NO2       *float64  `json:"no2"`
	SO2       *float64  `json:"so2"`
	CO        *float64  `json:"co"`
	City      string    `json:"city"`
	State     string    `json:"state"`
	Country   string    `json:"country"`
	Timestamp Timestamp `json:"timestamp"`
}

// PagedReports is a page of reports.
type PagedReports struct {
	Items []Report `json:"items"`
	Meta  PageMeta `json:"meta"`
}

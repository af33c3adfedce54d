package airquality

import (
	"fmt"
	"math"
)

// pm25Breakpoint is one band of the EPA PM2.5 breakpoint table.
type pm25Breakpoint struct {
	cLo, cHi float64
	lo, hi   float64
}

var pm25Breakpoints = []pm25Breakpoint{
	{cLo: 0.0, cHi: 12.0, lo: 0, hi: 50},
	{cLo: 12.1, cHi: 35.4, lo: 51, hi: 100},
	{cLo: 35.5, cHi: 55.4, lo: 101, hi: 150},
	{cLo: 55.5, cHi: 150.4, lo: 151, hi: 200},
	{cLo: 150.5, cHi: 250.4, lo: 201, hi: 300},
	{cLo: 250.5, cHi: 500.4, lo: 301, hi: 500},
}

// MaxAQI is the top of the AQI scale.
const MaxAQI = 500

// AQIFromPM25 computes the US AQI from a PM2.5 concentration in µg/m³
// using linear interpolation within the EPA breakpoint band.
//
// Only PM2.5 contributes; other pollutants are reported but not indexed.
// Concentrations are truncated to one decimal before band lookup and values
// above the table clamp to MaxAQI.
func AQIFromPM25(concentration float64) (float64, error) {
	if math.IsNaN(concentration) || concentration < 0 {
		return 0, fmt.Errorf("%w: pm2_5 concentration %v", ErrMalformedResponse, concentration)
	}

	c := math.Floor(concentration*10+1e-9) / 10
	for _, b := range pm25Breakpoints {
		if c <= b.cHi {
			aqi := (b.hi-b.lo)/(b.cHi-b.cLo)*(c-b.cLo) + b.lo
			return roundAQI(aqi), nil
		}
	}
	return MaxAQI, nil
}

func roundAQI(v float64) float64 {
	return math.Round(v*100) / 100
}

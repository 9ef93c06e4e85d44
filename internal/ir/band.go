package ir

import "fmt"

// Band is one label of the seven-band qualitative probability vocabulary
// used for human-facing rendering. It is presentation only: the numeric
// value always travels with it (see Banded).
type Band struct {
	Label string  `json:"label"`
	Low   float64 `json:"low"`
	High  float64 `json:"high"`
}

// Bands is the fixed vocabulary in ascending order. Adjacent bands share a
// boundary; a value on a boundary belongs to the higher band.
var Bands = []Band{
	{Label: "almost no chance", Low: 0.01, High: 0.05},
	{Label: "very unlikely", Low: 0.05, High: 0.20},
	{Label: "unlikely", Low: 0.20, High: 0.45},
	{Label: "roughly even chance", Low: 0.45, High: 0.55},
	{Label: "likely", Low: 0.55, High: 0.80},
	{Label: "very likely", Low: 0.80, High: 0.95},
	{Label: "almost certain", Low: 0.95, High: 0.99},
}

// BandFor maps v to its band. Values below the first band's floor map to
// the first band and values above the last band's ceiling map to the last.
func BandFor(v float64) Band {
	for i := len(Bands) - 1; i >= 0; i-- {
		if v >= Bands[i].Low {
			return Bands[i]
		}
	}
	return Bands[0]
}

// String renders the band as "label (low-high)".
func (b Band) String() string {
	return fmt.Sprintf("%s (%.2f-%.2f)", b.Label, b.Low, b.High)
}

// Banded pairs a numeric confidence with its band label.
type Banded struct {
	Value float64 `json:"value"`
	Band  string  `json:"band"`
	Low   float64 `json:"band_low"`
	High  float64 `json:"band_high"`
}

// NewBanded builds the lossless banded view of v.
func NewBanded(v float64) Banded {
	b := BandFor(v)
	return Banded{Value: v, Band: b.Label, Low: b.Low, High: b.High}
}

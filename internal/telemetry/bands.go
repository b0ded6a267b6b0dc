package telemetry

// Band grades a measurement against the incubation targets.
type Band string

const (
	BandUnknown Band = "unknown"
	BandOK      Band = "ok"
	BandWarning Band = "warning"
	BandDanger  Band = "danger"
)

// Incubation targets in °C and %RH.
const (
	TempOKMin     = 37.2
	TempOKMax     = 37.8
	TempDangerMin = 36.5
	TempDangerMax = 38.5

	HumidityOKMin     = 50.0
	HumidityOKMax     = 80.0
	HumidityDangerMin = 40.0
	HumidityDangerMax = 85.0
)

// Limits are the band thresholds for one measurement.
type Limits struct {
	OKMin     float64 `json:"ok_min"`
	OKMax     float64 `json:"ok_max"`
	DangerMin float64 `json:"danger_min"`
	DangerMax float64 `json:"danger_max"`
}

var (
	TemperatureLimits = Limits{OKMin: TempOKMin, OKMax: TempOKMax, DangerMin: TempDangerMin, DangerMax: TempDangerMax}
	HumidityLimits    = Limits{OKMin: HumidityOKMin, OKMax: HumidityOKMax, DangerMin: HumidityDangerMin, DangerMax: HumidityDangerMax}
)

// TemperatureBand grades a temperature reading. A nil reading is
// [BandUnknown].
func TemperatureBand(v *float64) Band {
	return TemperatureLimits.Grade(v)
}

// HumidityBand grades a relative humidity reading.
func HumidityBand(v *float64) Band {
	return HumidityLimits.Grade(v)
}

// Grade places v in a band. Values on an ok boundary are ok.
func (l Limits) Grade(v *float64) Band {
	switch {
	case v == nil:
		return BandUnknown
	case *v >= l.OKMin && *v <= l.OKMax:
		return BandOK
	case *v < l.DangerMin || *v > l.DangerMax:
		return BandDanger
	}
	return BandWarning
}

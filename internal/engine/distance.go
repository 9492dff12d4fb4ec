package engine

import "strings"

type Band string

const (
	BandVeryClose Band = "very_close"
	BandClose     Band = "close"
	BandMedium    Band = "medium"
)

// Spoken renders the band for speech ("very close").
func (b Band) Spoken() string {
	return strings.ReplaceAll(string(b), "_", " ")
}

// DistanceBands classifies a bounding box height relative to the frame height.
// It is ordinal, not a metric estimate.
type DistanceBands struct {
	VeryCloseRatio float64
	CloseRatio     float64
	VeryCloseFeet  float64
	CloseFeet      float64
	MediumFeet     float64
}

func DefaultDistanceBands() DistanceBands {
	return DistanceBands{
		VeryCloseRatio: 0.5,
		CloseRatio:     0.25,
		VeryCloseFeet:  3,
		CloseFeet:      6,
		MediumFeet:     10,
	}
}

func (d DistanceBands) Estimate(boxHeight float64, frameHeight int) (Band, float64) {
	if frameHeight <= 0 {
		return BandMedium, d.MediumFeet
	}
	ratio := boxHeight / float64(frameHeight)
	switch {
	case ratio >= d.VeryCloseRatio:
		return BandVeryClose, d.VeryCloseFeet
	case ratio >= d.CloseRatio:
		return BandClose, d.CloseFeet
	default:
		return BandMedium, d.MediumFeet
	}
}

// Package calibration models the volume to valve-open-time characteristics
// of the D2 dispense valves. A calibration run fires a known number of shots
// at a fixed open time and weighs the dispensed mass; the resulting points
// form a lookup table interpolated over at dispense time.
package calibration

import (
	"math"
	"sort"

	"github.com/ukrobotics/dispenselib"
)

// Point is one measured calibration point.
type Point struct {
	OpenTimeUsecs      int     `json:"openTimeUsecs"`
	InterShotTimeUsecs int     `json:"interShotTimeUsecs"`
	ShotCount          int     `json:"shotCount"`
	MassGrams          float64 `json:"massGrams"`

	volumePerShotUl float64
}

// VolumePerShotUl is the derived volume dispensed by a single shot at this
// point's open time. Zero until the owning table has run DeriveVolumes.
func (p *Point) VolumePerShotUl() float64 {
	return p.volumePerShotUl
}

// Table is one valve channel's calibration for one fluid. A table is not
// usable until DeriveVolumes has converted its measured masses to volumes.
type Table struct {
	FluidName     string   `json:"fluidName"`
	DensityKgPerL float64  `json:"densityKgPerL"`
	PressureBar   float64  `json:"pressureBar"`
	Points        []*Point `json:"points"`

	derived bool
}

// DeriveVolumes computes each point's volume per shot from its mass, the
// fluid density and the shot count. Must run before VolumeToOpenTime.
func (t *Table) DeriveVolumes() error {
	if t.DensityKgPerL <= 0 {
		return dispenselib.Configf("calibration for %q has non-positive density %v", t.FluidName, t.DensityKgPerL)
	}
	for _, p := range t.Points {
		if p.ShotCount <= 0 {
			return dispenselib.Configf("calibration point at %dus has non-positive shot count %d", p.OpenTimeUsecs, p.ShotCount)
		}
		// grams over kg/L is millilitres; scale to microlitres per shot.
		p.volumePerShotUl = p.MassGrams / t.DensityKgPerL / float64(p.ShotCount) * 1000
	}
	t.derived = true
	return nil
}

// VolumeToOpenTime converts a requested per-well volume to the valve open
// time in microseconds. Volumes at or below the bottom of the table return
// zero, suppressing the dispense; volumes above the top extrapolate along
// the flow rate of the last two points.
func (t *Table) VolumeToOpenTime(volumeUl float64) (int, error) {
	if !t.derived {
		return 0, dispenselib.Configf("calibration for %q used before volume derivation", t.FluidName)
	}
	if len(t.Points) == 0 {
		return 0, nil
	}
	points := make([]*Point, len(t.Points))
	copy(points, t.Points)
	sort.SliceStable(points, func(i, j int) bool {
		return points[i].volumePerShotUl < points[j].volumePerShotUl
	})

	if volumeUl <= points[0].volumePerShotUl {
		return 0, nil
	}
	target := litres(volumeUl)

	prev := points[0]
	for _, this := range points[1:] {
		if litres(prev.volumePerShotUl) <= target && target <= litres(this.volumePerShotUl) {
			openTime := interpolate(
				float64(prev.OpenTimeUsecs), float64(this.OpenTimeUsecs),
				litres(prev.volumePerShotUl), litres(this.volumePerShotUl),
				target,
			)
			return int(math.Round(openTime)), nil
		}
		prev = this
	}

	// Above the scale: extrapolate from the top two points.
	last := points[len(points)-1]
	if len(points) < 2 {
		return last.OpenTimeUsecs, nil
	}
	secondLast := points[len(points)-2]
	timeDiff := float64(last.OpenTimeUsecs - secondLast.OpenTimeUsecs)
	if timeDiff == 0 {
		return last.OpenTimeUsecs, nil
	}
	flowRate := (litres(last.volumePerShotUl) - litres(secondLast.volumePerShotUl)) / timeDiff
	if flowRate == 0 {
		return last.OpenTimeUsecs, nil
	}
	extraTime := (target - litres(last.volumePerShotUl)) / flowRate
	return int(math.Round(float64(last.OpenTimeUsecs) + extraTime)), nil
}

func litres(ul float64) float64 {
	return ul * 1e-6
}

// interpolate maps y linearly from (y1,x1)-(y2,x2); a degenerate bracket
// returns the midpoint.
func interpolate(x1, x2, y1, y2, y float64) float64 {
	if y2 == y1 {
		return (x1 + x2) / 2
	}
	return x1 + (y-y1)*(x2-x1)/(y2-y1)
}

// Channel is the calibration set for one valve channel. The first table is
// the active one.
type Channel struct {
	ValveChannelNumber int      `json:"valveChannelNumber"`
	Tables             []*Table `json:"calibrations"`
}

// Active is the device's active calibration, one channel per physical valve.
type Active struct {
	Calibrations []*Channel `json:"calibrations"`
}

// DeriveVolumes prepares every table in every channel for use.
func (a *Active) DeriveVolumes() error {
	for _, ch := range a.Calibrations {
		for _, t := range ch.Tables {
			if err := t.DeriveVolumes(); err != nil {
				return err
			}
		}
	}
	return nil
}

// ForValve returns the active table for the given valve channel number.
func (a *Active) ForValve(valveNumber int) (*Table, error) {
	for _, ch := range a.Calibrations {
		if ch.ValveChannelNumber == valveNumber {
			if len(ch.Tables) == 0 {
				break
			}
			return ch.Tables[0], nil
		}
	}
	return nil, dispenselib.Configf("invalid or missing calibration for valve number %d", valveNumber)
}

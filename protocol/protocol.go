// Package protocol holds the per-well, per-valve dispense volume table a
// dispense run executes. Protocols come from the data service, from CSV, or
// from an in-memory volume list; all three normalize to the same shape.
package protocol

import (
	"strings"

	"github.com/google/uuid"

	"github.com/ukrobotics/dispenselib"
	"github.com/ukrobotics/dispenselib/labware"
)

// Well is one well's requested volumes, keyed by valve channel number.
type Well struct {
	WellName  string          `json:"wellName"`
	VolumesUl map[int]float64 `json:"volumesUl"`
}

// Volume returns the requested volume for a valve, zero when none was set.
func (w *Well) Volume(valve int) float64 {
	return w.VolumesUl[valve]
}

func (w *Well) SetVolume(valve int, volumeUl float64) {
	if w.VolumesUl == nil {
		w.VolumesUl = make(map[int]float64, dispenselib.ValveCount)
	}
	w.VolumesUl[valve] = volumeUl
}

// Protocol is a named dispense volume table.
type Protocol struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	Wells []*Well `json:"wells"`
}

func New(name string) *Protocol {
	return &Protocol{ID: uuid.NewString(), Name: name}
}

// Well finds a well by name, case-insensitively. Nil when absent.
func (p *Protocol) Well(name string) *Well {
	for _, w := range p.Wells {
		if strings.EqualFold(w.WellName, name) {
			return w
		}
	}
	return nil
}

// EnsureWell returns the named well, appending an empty one if needed.
func (p *Protocol) EnsureWell(name string) *Well {
	if w := p.Well(name); w != nil {
		return w
	}
	w := &Well{WellName: name}
	p.Wells = append(p.Wells, w)
	return w
}

// DispenseVolume is the volume requested at a well address for a valve.
// Wells absent from the protocol dispense nothing.
func (p *Protocol) DispenseVolume(well labware.WellAddress, valve int) float64 {
	w := p.Well(well.Name())
	if w == nil {
		return 0
	}
	return w.Volume(valve)
}

// WellVolumes is one row of the list form of a protocol.
type WellVolumes struct {
	WellName string  `json:"wellName"`
	Valve1Ul float64 `json:"valve1_ul"`
	Valve2Ul float64 `json:"valve2_ul"`
}

// FromList builds a protocol from an in-memory volume list.
func FromList(name string, entries []WellVolumes) *Protocol {
	p := New(name)
	for _, e := range entries {
		w := p.EnsureWell(e.WellName)
		w.SetVolume(1, e.Valve1Ul)
		w.SetVolume(2, e.Valve2Ul)
	}
	return p
}

// ToList flattens the protocol back to its list form, preserving well order.
func (p *Protocol) ToList() []WellVolumes {
	out := make([]WellVolumes, 0, len(p.Wells))
	for _, w := range p.Wells {
		out = append(out, WellVolumes{
			WellName: w.WellName,
			Valve1Ul: w.Volume(1),
			Valve2Ul: w.Volume(2),
		})
	}
	return out
}

// Package d2 drives the D2 two-valve dispenser: it compiles a protocol into
// the firmware's dispense command sequence and runs the device session that
// executes it.
package d2

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ukrobotics/dispenselib"
	"github.com/ukrobotics/dispenselib/calibration"
	"github.com/ukrobotics/dispenselib/labware"
	"github.com/ukrobotics/dispenselib/protocol"
)

// dispenseWellDeltaMicrons is the minimum stepping distance the firmware
// uses between consecutive wells, tightened for dense formats.
func dispenseWellDeltaMicrons(wellCount int) int {
	if wellCount > 384 {
		return 250
	}
	return 750
}

// CompileDispense turns a protocol into the ordered command sequence that
// dispenses it onto the given plate: a single CLR_VALVE_WELL reset followed
// by one VALVE_WELL command per emitted line, valve 1's serpentine pass
// first, then valve 2's.
//
// Within one valve's pass the head alternates travel direction on every
// emitted line. Lines on which no well dispenses are skipped entirely and do
// not advance the direction state, so the head never reverses for a pass it
// will not make.
//
// The output is deterministic: identical inputs compile to identical
// command sequences.
func CompileDispense(armsControllerNumber int, cal *calibration.Active, prot *protocol.Protocol, plate *labware.PlateType, minDispenseVolumeUl float64) ([]string, error) {
	wellCount := plate.WellCount
	commands := []string{fmt.Sprintf("CLR_VALVE_WELL,%d,0", armsControllerNumber)}
	wellDelta := dispenseWellDeltaMicrons(wellCount)

	for valve := 1; valve <= dispenselib.ValveCount; valve++ {
		table, err := cal.ForValve(valve)
		if err != nil {
			return nil, err
		}
		reverseLine := false
		for _, line := range labware.WellSequenceLines(wellCount) {
			if len(line) == 0 {
				continue
			}
			approachDirection := -1
			if reverseLine {
				approachDirection = 1
				line = reversed(line)
			}

			nonZeroDispense := false
			parts := make([]string, 0, len(line)+1)
			parts = append(parts, fmt.Sprintf("VALVE_WELL,%d,0,%d,%d,%d", armsControllerNumber, valve, wellDelta, len(line)))
			for _, well := range line {
				xMm, yMm := plate.WellXY(well)
				openTime, err := openTimeForWell(table, prot, well, valve, minDispenseVolumeUl)
				if err != nil {
					return nil, err
				}
				if openTime > 0 {
					nonZeroDispense = true
				}
				parts = append(parts, strings.Join([]string{
					strconv.Itoa(labware.Microns(xMm)),
					strconv.Itoa(labware.Microns(yMm)),
					strconv.Itoa(approachDirection),
					strconv.Itoa(openTime),
					"1",
				}, ","))
			}
			if nonZeroDispense {
				commands = append(commands, strings.Join(parts, ","))
				reverseLine = !reverseLine
			}
		}
	}
	return commands, nil
}

// openTimeForWell applies the minimum-dispense-volume floor before the
// calibration lookup; wells at or under the floor are visited for travel
// continuity but fire nothing.
func openTimeForWell(table *calibration.Table, prot *protocol.Protocol, well labware.WellAddress, valve int, minDispenseVolumeUl float64) (int, error) {
	volumeUl := prot.DispenseVolume(well, valve)
	if volumeUl <= minDispenseVolumeUl {
		return 0, nil
	}
	return table.VolumeToOpenTime(volumeUl)
}

func reversed(line []labware.WellAddress) []labware.WellAddress {
	out := make([]labware.WellAddress, len(line))
	for i, w := range line {
		out[len(line)-1-i] = w
	}
	return out
}

// ValveCommand builds the single-fire valve command used by flushing and
// priming: open the valve for openTimeUsecs, shotCount times, interShotUsecs
// apart.
func ValveCommand(armsControllerNumber, valveNumber, openTimeUsecs, shotCount, interShotUsecs int) string {
	return fmt.Sprintf("VALVE,%d,0,%d,%d,%d,%d", armsControllerNumber, valveNumber, openTimeUsecs, shotCount, interShotUsecs)
}

// Package dataaccess fetches the reference records a dispense run needs:
// plate types by GUID, active calibration by device serial id, and protocols
// by id. The backing service is a key to JSON-document lookup; this package
// returns the typed records and runs the calibration volume derivation
// before handing tables to callers.
package dataaccess

import (
	"context"

	"github.com/ukrobotics/dispenselib/calibration"
	"github.com/ukrobotics/dispenselib/labware"
	"github.com/ukrobotics/dispenselib/protocol"
)

// Source is the lookup contract the device session depends on.
type Source interface {
	PlateType(ctx context.Context, guid string) (*labware.PlateType, error)
	ActiveCalibration(ctx context.Context, deviceSerialID string) (*calibration.Active, error)
	Protocol(ctx context.Context, id string) (*protocol.Protocol, error)
}

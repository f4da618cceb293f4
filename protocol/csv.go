package protocol

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/ukrobotics/dispenselib"
	"github.com/ukrobotics/dispenselib/labware"
)

// csvHeader is the fixed protocol CSV contract.
var csvHeader = []string{"Well", "Valve1 (ul)", "Valve2 (ul)"}

// ImportCSV reads a protocol from its CSV form. Well names are validated but
// volumes are taken as given; range checks belong to the plate definition.
func ImportCSV(r io.Reader, name string) (*Protocol, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		return nil, dispenselib.Configf("protocol csv: reading header: %v", err)
	}
	if len(header) < len(csvHeader) || header[0] != csvHeader[0] || header[1] != csvHeader[1] || header[2] != csvHeader[2] {
		return nil, dispenselib.Configf("protocol csv: unexpected header %v", header)
	}
	p := New(name)
	for line := 2; ; line++ {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, dispenselib.Configf("protocol csv: line %d: %v", line, err)
		}
		if len(record) < 3 {
			return nil, dispenselib.Configf("protocol csv: line %d: expected 3 fields, got %d", line, len(record))
		}
		if _, err := labware.ParseWellName(record[0]); err != nil {
			return nil, dispenselib.Configf("protocol csv: line %d: %v", line, err)
		}
		v1, err := strconv.ParseFloat(record[1], 64)
		if err != nil {
			return nil, dispenselib.Configf("protocol csv: line %d: valve 1 volume: %v", line, err)
		}
		v2, err := strconv.ParseFloat(record[2], 64)
		if err != nil {
			return nil, dispenselib.Configf("protocol csv: line %d: valve 2 volume: %v", line, err)
		}
		w := p.EnsureWell(record[0])
		w.SetVolume(1, v1)
		w.SetVolume(2, v2)
	}
	return p, nil
}

// ExportCSV writes the protocol in its CSV form, one row per well.
func ExportCSV(w io.Writer, p *Protocol) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, well := range p.Wells {
		record := []string{
			well.WellName,
			formatVolume(well.Volume(1)),
			formatVolume(well.Volume(2)),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatVolume(ul float64) string {
	return fmt.Sprintf("%g", ul)
}

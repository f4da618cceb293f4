package dataaccess

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	_ "github.com/go-kivik/couchdb/v3"
	"github.com/go-kivik/kivik/v3"

	"github.com/ukrobotics/dispenselib"
	"github.com/ukrobotics/dispenselib/calibration"
	"github.com/ukrobotics/dispenselib/labware"
	"github.com/ukrobotics/dispenselib/protocol"
)

var _ Source = (*Store)(nil)

// Store serves the same lookups from a CouchDB database, so instruments
// without a route to the data service can run against a local mirror.
// Documents are keyed platetype/<guid>, calibration/<serial> and
// protocol/<id>.
type Store struct {
	cancel func()
	db     *kivik.DB
}

// OpenStore connects to the named database, creating it if absent.
func OpenStore(uri, name string) (*Store, error) {
	client, err := kivik.New("couch", uri)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	exists, err := client.DBExists(ctx, name)
	if err != nil {
		cancel()
		return nil, err
	}
	if !exists {
		if err := client.CreateDB(ctx, name); err != nil {
			cancel()
			return nil, err
		}
	}
	return &Store{cancel: cancel, db: client.DB(ctx, name)}, nil
}

func (s *Store) Close() error {
	s.cancel()
	return nil
}

func (s *Store) PlateType(ctx context.Context, guid string) (*labware.PlateType, error) {
	var plate labware.PlateType
	if err := s.get(ctx, "platetype/"+strings.TrimSpace(guid), &plate); err != nil {
		return nil, err
	}
	return &plate, nil
}

func (s *Store) ActiveCalibration(ctx context.Context, deviceSerialID string) (*calibration.Active, error) {
	var active calibration.Active
	if err := s.get(ctx, "calibration/"+strings.TrimSpace(deviceSerialID), &active); err != nil {
		return nil, err
	}
	if err := active.DeriveVolumes(); err != nil {
		return nil, err
	}
	return &active, nil
}

func (s *Store) Protocol(ctx context.Context, id string) (*protocol.Protocol, error) {
	var p protocol.Protocol
	if err := s.get(ctx, "protocol/"+strings.TrimSpace(id), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// PutProtocol mirrors a protocol into the store, e.g. after a CSV import.
func (s *Store) PutProtocol(ctx context.Context, p *protocol.Protocol) error {
	return s.put(ctx, "protocol/"+p.ID, p)
}

// PutPlateType mirrors a plate type record into the store.
func (s *Store) PutPlateType(ctx context.Context, plate *labware.PlateType) error {
	return s.put(ctx, "platetype/"+plate.ID, plate)
}

// PutActiveCalibration mirrors a device's active calibration into the store.
func (s *Store) PutActiveCalibration(ctx context.Context, deviceSerialID string, active *calibration.Active) error {
	return s.put(ctx, "calibration/"+strings.TrimSpace(deviceSerialID), active)
}

func (s *Store) get(ctx context.Context, id string, into interface{}) error {
	row := s.db.Get(ctx, id)
	if err := row.ScanDoc(into); err != nil {
		if kivik.StatusCode(err) == http.StatusNotFound {
			return dispenselib.Configf("store has no document %s", id)
		}
		return err
	}
	return nil
}

func (s *Store) put(ctx context.Context, id string, doc interface{}) error {
	if row := s.db.Get(ctx, id); row.Err == nil {
		var existing map[string]interface{}
		if err := row.ScanDoc(&existing); err == nil {
			m, err := toDoc(doc)
			if err != nil {
				return err
			}
			m["_rev"] = row.Rev
			_, err = s.db.Put(ctx, id, m)
			return err
		}
	}
	_, err := s.db.Put(ctx, id, doc)
	return err
}

func toDoc(v interface{}) (map[string]interface{}, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

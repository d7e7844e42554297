package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/example/parking-match/internal/models"
)

// FilePersister stores one JSON document per record under dir. A batch is
// staged into temp files first and only renamed into place once every record
// of it has been written, so a failed write leaves the previous versions intact.
type FilePersister struct {
	dir string
}

const (
	reservationsDir = "reservations"
	driversDir      = "drivers"
)

func NewFilePersister(dir string) (*FilePersister, error) {
	for _, sub := range []string{reservationsDir, driversDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	return &FilePersister{dir: dir}, nil
}

func (f *FilePersister) Persist(ctx context.Context, b Batch) error {
	staged := make([]stagedRecord, 0, len(b.Reservations)+len(b.Drivers))
	discard := func() {
		for _, st := range staged {
			os.Remove(st.tmp)
		}
	}
	stage := func(sub, id string, v any) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		st, err := f.stageRecord(sub, id, v)
		if err != nil {
			return err
		}
		staged = append(staged, st)
		return nil
	}
	for _, r := range b.Reservations {
		if err := stage(reservationsDir, r.ID, r); err != nil {
			discard()
			return err
		}
	}
	for _, d := range b.Drivers {
		if err := stage(driversDir, d.ID, d); err != nil {
			discard()
			return err
		}
	}
	for i, st := range staged {
		if err := os.Rename(st.tmp, st.final); err != nil {
			for _, rest := range staged[i:] {
				os.Remove(rest.tmp)
			}
			return fmt.Errorf("commit %s: %w", filepath.Base(st.final), err)
		}
	}
	return nil
}

func (f *FilePersister) Load(ctx context.Context) (Batch, error) {
	var b Batch
	err := f.readAll(ctx, reservationsDir, func(data []byte) error {
		var r models.Reservation
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		b.Reservations = append(b.Reservations, r)
		return nil
	})
	if err != nil {
		return Batch{}, err
	}
	err = f.readAll(ctx, driversDir, func(data []byte) error {
		var d models.Driver
		if err := json.Unmarshal(data, &d); err != nil {
			return err
		}
		b.Drivers = append(b.Drivers, d)
		return nil
	})
	if err != nil {
		return Batch{}, err
	}
	return b, nil
}

func (f *FilePersister) Close() error { return nil }

type stagedRecord struct {
	tmp, final string
}

// stageRecord writes v to a synced temp file beside its final name.
func (f *FilePersister) stageRecord(sub, id string, v any) (stagedRecord, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return stagedRecord{}, fmt.Errorf("invalid record id %q", id)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return stagedRecord{}, err
	}
	dir := filepath.Join(f.dir, sub)
	tmp, err := os.CreateTemp(dir, id+".*.tmp")
	if err != nil {
		return stagedRecord{}, err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return stagedRecord{}, err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return stagedRecord{}, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return stagedRecord{}, err
	}
	return stagedRecord{tmp: tmpName, final: filepath.Join(dir, id+".json")}, nil
}

func (f *FilePersister) readAll(ctx context.Context, sub string, decode func([]byte) error) error {
	dir := filepath.Join(f.dir, sub)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return err
		}
		if err := decode(data); err != nil {
			return fmt.Errorf("decode %s/%s: %w", sub, e.Name(), err)
		}
	}
	return nil
}

// Package hostres tracks host-wide resource reservations (PCI device
// vfio bindings, hugepage grants) that must stay consistent across every
// VM on the node, not just the one currently being reconciled. It is
// backed by a bbolt database, the same embedded-KV pattern phenix's
// store.BoltDB uses for its config store, bucket-per-kind with
// JSON-encoded values.
package hostres

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/pkg/errors"
)

const (
	bucketPCI       = "pci-reservations"
	bucketHugepages = "hugepage-reservations"
)

// PCIReservation records that a host PCI device is bound (via vfio-pci)
// to a specific VM for passthrough.
type PCIReservation struct {
	Address   string `json:"address"` // e.g. "0000:01:00.0"
	VMID      int    `json:"vmid"`
	Reserved  string `json:"reserved"`
}

// HugepageReservation records a VM's claim on a node's hugepage pool.
type HugepageReservation struct {
	NodeID    int    `json:"node_id"`
	PageSizeKB int   `json:"page_size_kb"`
	Pages     int    `json:"pages"`
	VMID      int    `json:"vmid"`
}

// Store is the bbolt-backed reservation registry.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if necessary) the reservation database at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "hostres: open %s", path)
	}
	s := &Store{db: db}
	if err := s.ensureBuckets(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{bucketPCI, bucketHugepages} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return errors.Wrapf(err, "hostres: create bucket %s", name)
			}
		}
		return nil
	})
}

// ReservePCI claims address for vmid, failing if it is already bound to
// a different VM.
func (s *Store) ReservePCI(address string, vmid int) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketPCI))
		if existing := b.Get([]byte(address)); existing != nil {
			var r PCIReservation
			if err := json.Unmarshal(existing, &r); err != nil {
				return errors.Wrap(err, "hostres: unmarshal pci reservation")
			}
			if r.VMID != vmid {
				return errors.Errorf("hostres: pci device %s is already reserved by VM %d", address, r.VMID)
			}
			return nil
		}

		r := PCIReservation{Address: address, VMID: vmid, Reserved: time.Now().UTC().Format(time.RFC3339)}
		v, err := json.Marshal(r)
		if err != nil {
			return errors.Wrap(err, "hostres: marshal pci reservation")
		}
		return b.Put([]byte(address), v)
	})
}

// ReleasePCI drops address's reservation if it belongs to vmid.
func (s *Store) ReleasePCI(address string, vmid int) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketPCI))
		existing := b.Get([]byte(address))
		if existing == nil {
			return nil
		}
		var r PCIReservation
		if err := json.Unmarshal(existing, &r); err != nil {
			return errors.Wrap(err, "hostres: unmarshal pci reservation")
		}
		if r.VMID != vmid {
			return errors.Errorf("hostres: pci device %s is reserved by VM %d, not %d", address, r.VMID, vmid)
		}
		return b.Delete([]byte(address))
	})
}

// ListPCIByVM returns every PCI reservation currently held by vmid.
func (s *Store) ListPCIByVM(vmid int) ([]PCIReservation, error) {
	var out []PCIReservation
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketPCI))
		return b.ForEach(func(_, v []byte) error {
			var r PCIReservation
			if err := json.Unmarshal(v, &r); err != nil {
				return errors.Wrap(err, "hostres: unmarshal pci reservation")
			}
			if r.VMID == vmid {
				out = append(out, r)
			}
			return nil
		})
	})
	return out, err
}

func hugepageKey(vmid, nodeID int) []byte {
	return []byte(fmt.Sprintf("%d/%d", vmid, nodeID))
}

// ReserveHugepages records that vmid holds pages pages of pageSizeKB on
// nodeID.
func (s *Store) ReserveHugepages(vmid, nodeID, pageSizeKB, pages int) error {
	r := HugepageReservation{NodeID: nodeID, PageSizeKB: pageSizeKB, Pages: pages, VMID: vmid}
	v, err := json.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "hostres: marshal hugepage reservation")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketHugepages))
		return b.Put(hugepageKey(vmid, nodeID), v)
	})
}

// ReleaseHugepages removes vmid's reservation on nodeID.
func (s *Store) ReleaseHugepages(vmid, nodeID int) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketHugepages))
		return b.Delete(hugepageKey(vmid, nodeID))
	})
}

// TotalHugepagesReserved sums every VM's reservation for nodeID/pageSizeKB,
// used to decide how many more pages the host can still hand out.
func (s *Store) TotalHugepagesReserved(nodeID, pageSizeKB int) (int, error) {
	total := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketHugepages))
		return b.ForEach(func(_, v []byte) error {
			var r HugepageReservation
			if err := json.Unmarshal(v, &r); err != nil {
				return errors.Wrap(err, "hostres: unmarshal hugepage reservation")
			}
			if r.NodeID == nodeID && r.PageSizeKB == pageSizeKB {
				total += r.Pages
			}
			return nil
		})
	})
	return total, err
}

package main

import (
	"bytes"
	"encoding/gob"

	bolt "go.etcd.io/bbolt"
)

// streamDB snapshots stream counters so that they survive restarts
type streamDB struct {
	h *bolt.DB
	b []byte
}

func newStreamDB(path string) (d *streamDB, err error) {
	d = &streamDB{
		b: []byte("streams"),
	}

	if d.h, err = bolt.Open(path, 0666, nil); err != nil {
		return
	}

	return d, d.h.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(d.b)
		return err
	})
}

func encodeStream(e *streamEntry) ([]byte, error) {
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(e); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// saveAll writes all entries in a single transaction
func (d *streamDB) saveAll(es []streamEntry) (err error) {
	return d.h.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(d.b)
		for i := range es {
			v, err := encodeStream(&es[i])
			if err != nil {
				return err
			}

			if err = b.Put([]byte(es[i].Identity), v); err != nil {
				return err
			}
		}

		return nil
	})
}

func (d *streamDB) del(identity string) (err error) {
	return d.h.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(d.b).Delete([]byte(identity))
	})
}

func (d *streamDB) fetchAll() (es []*streamEntry, err error) {
	err = d.h.View(func(tx *bolt.Tx) error {
		return tx.Bucket(d.b).ForEach(func(k, v []byte) (err error) {
			e := &streamEntry{}
			if err = gob.NewDecoder(bytes.NewBuffer(v)).Decode(e); err != nil {
				return err
			}

			es = append(es, e)
			return nil
		})
	})

	return es, err
}

func (d *streamDB) close() error {
	return d.h.Close()
}

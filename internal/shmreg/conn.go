package shmreg

import (
	"yangvault/internal/errcode"
)

// Connection array mutation. Callers hold main Write and remap Write.

// ConnAdd appends a connection record.
func (r *Registry) ConnAdd(c ConnDef) error {
	count := r.Main.Uint32(mainConnCountOff)
	arrayOff := r.Main.Uint64(mainConnsOff)
	rec, err := r.Ext.AllocAdd(&arrayOff, count, connRecSize, count, 0)
	if err != nil {
		return err
	}
	r.Ext.PutUint32(rec, c.CID)
	r.Ext.PutUint32(rec+4, c.PID)
	r.Ext.PutUint32(rec+8, c.Opts)
	var pipesOff uint64
	if len(c.Evpipes) > 0 {
		pipesOff, err = r.Ext.Alloc(uint64(len(c.Evpipes)) * 4)
		if err != nil {
			return err
		}
		for j, ep := range c.Evpipes {
			r.Ext.PutUint32(pipesOff+uint64(j)*4, ep)
		}
	}
	r.Ext.PutUint64(rec+16, pipesOff)
	r.Ext.PutUint32(rec+24, uint32(len(c.Evpipes)))
	r.Main.PutUint64(mainConnsOff, arrayOff)
	r.Main.PutUint32(mainConnCountOff, count+1)
	return nil
}

// ConnDel removes the record of a connection.
func (r *Registry) ConnDel(cid uint32) error {
	count := r.Main.Uint32(mainConnCountOff)
	arr := r.Main.Uint64(mainConnsOff)
	for i := uint32(0); i < count; i++ {
		rec := arr + uint64(i)*connRecSize
		if r.Ext.Uint32(rec) != cid {
			continue
		}
		dyn := uint64(r.Ext.Uint32(rec+24)) * 4
		arrayOff := arr
		r.Ext.AllocDel(&arrayOff, count, connRecSize, i, dyn)
		r.Main.PutUint64(mainConnsOff, arrayOff)
		r.Main.PutUint32(mainConnCountOff, count-1)
		return nil
	}
	return errcode.New(errcode.NotFound, "connection %d not registered", cid)
}

// ConnEvpipeAdd records an event pipe held by a connection.
func (r *Registry) ConnEvpipeAdd(cid, evpipe uint32) error {
	rec, err := r.connRec(cid)
	if err != nil {
		return err
	}
	pipesOff := r.Ext.Uint64(rec + 16)
	count := r.Ext.Uint32(rec + 24)
	item, err := r.Ext.AllocAdd(&pipesOff, count, 4, count, 0)
	if err != nil {
		return err
	}
	r.Ext.PutUint32(item, evpipe)
	// The connection array may have relocated if AllocAdd grew the
	// segment; re-resolve the record before storing back.
	if rec, err = r.connRec(cid); err != nil {
		return err
	}
	r.Ext.PutUint64(rec+16, pipesOff)
	r.Ext.PutUint32(rec+24, count+1)
	return nil
}

// ConnEvpipeDel forgets an event pipe held by a connection.
func (r *Registry) ConnEvpipeDel(cid, evpipe uint32) error {
	rec, err := r.connRec(cid)
	if err != nil {
		return err
	}
	pipesOff := r.Ext.Uint64(rec + 16)
	count := r.Ext.Uint32(rec + 24)
	for i := uint32(0); i < count; i++ {
		if r.Ext.Uint32(pipesOff+uint64(i)*4) == evpipe {
			r.Ext.AllocDel(&pipesOff, count, 4, i, 0)
			r.Ext.PutUint64(rec+16, pipesOff)
			r.Ext.PutUint32(rec+24, count-1)
			return nil
		}
	}
	return errcode.New(errcode.NotFound, "evpipe %d not held by connection %d", evpipe, cid)
}

// ConnCount returns the number of registered connections.
func (r *Registry) ConnCount() uint32 { return r.Main.Uint32(mainConnCountOff) }

func (r *Registry) connRec(cid uint32) (uint64, error) {
	arr := r.Main.Uint64(mainConnsOff)
	count := r.Main.Uint32(mainConnCountOff)
	for i := uint32(0); i < count; i++ {
		rec := arr + uint64(i)*connRecSize
		if r.Ext.Uint32(rec) == cid {
			return rec, nil
		}
	}
	return 0, errcode.New(errcode.NotFound, "connection %d not registered", cid)
}

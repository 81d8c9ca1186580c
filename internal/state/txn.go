package state

import (
	"context"
	"maps"
	"time"

	"DACTP-Chain/internal/events"
	xerrors "DACTP-Chain/internal/errors"
)

type pending struct {
	value   []byte
	deleted bool
}

type savepoint struct {
	writes map[string]pending
	order  int
	events int
}

// Txn 是一次操作的写缓冲。读取优先命中本事务内的未提交写入。
type Txn struct {
	host     *Host
	op       string
	readOnly bool
	now      time.Time
	writes   map[string]pending
	order    []string
	events   []events.Event
}

// Operation 返回根操作名称。
func (t *Txn) Operation() string { return t.op }

// Now 返回操作开始时读取的账本时间。
func (t *Txn) Now() time.Time { return t.now }

// Get 读取并解码 key 对应的值，不存在时返回 false。
func (t *Txn) Get(ctx context.Context, key string, v any) (bool, error) {
	if p, ok := t.writes[key]; ok {
		if p.deleted {
			return false, nil
		}
		if err := Decode(p.value, v); err != nil {
			return false, xerrors.Wrap(xerrors.CodeInternal, err, "decode pending write", xerrors.WithMetadata("key", key))
		}
		return true, nil
	}
	data, ok, err := t.host.store.Get(ctx, key)
	if err != nil {
		return false, storageError(err, "read state", key)
	}
	if !ok {
		return false, nil
	}
	if err := Decode(data, v); err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "decode state", xerrors.WithMetadata("key", key))
	}
	return true, nil
}

// Put 编码并缓冲一次写入。
func (t *Txn) Put(key string, v any) error {
	if t.readOnly {
		return errReadOnly(key)
	}
	data, err := Encode(v)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInternal, err, "encode state", xerrors.WithMetadata("key", key))
	}
	t.set(key, pending{value: data})
	return nil
}

// Delete 缓冲一次删除。
func (t *Txn) Delete(key string) error {
	if t.readOnly {
		return errReadOnly(key)
	}
	t.set(key, pending{deleted: true})
	return nil
}

// Emit 登记一条事件，仅在提交成功后发布。
func (t *Txn) Emit(evt events.Event) {
	if t.readOnly {
		return
	}
	evt.Operation = t.op
	evt.OccurredAt = t.now
	t.events = append(t.events, evt)
}

func (t *Txn) set(key string, p pending) {
	if _, seen := t.writes[key]; !seen {
		t.order = append(t.order, key)
	}
	t.writes[key] = p
}

func (t *Txn) savepoint() savepoint {
	return savepoint{writes: maps.Clone(t.writes), order: len(t.order), events: len(t.events)}
}

func (t *Txn) rollback(sp savepoint) {
	t.writes = sp.writes
	t.order = t.order[:sp.order]
	t.events = t.events[:sp.events]
}

func (t *Txn) mutations() []Mutation {
	out := make([]Mutation, 0, len(t.order))
	for _, key := range t.order {
		p := t.writes[key]
		out = append(out, Mutation{Key: key, Value: p.value, Delete: p.deleted})
	}
	return out
}

func errReadOnly(key string) error {
	return xerrors.New(xerrors.CodeInternal, "write attempted in read-only view", xerrors.WithMetadata("key", key))
}

func storageError(err error, message, key string) error {
	if _, ok := xerrors.From(err); ok {
		return err
	}
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, message, xerrors.WithMetadata("key", key))
}

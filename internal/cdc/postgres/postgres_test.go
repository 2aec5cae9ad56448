package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mehmetymw/cdcfed/internal/config"
	"github.com/mehmetymw/cdcfed/internal/types"
)

func newTestReader() *Reader {
	return New(config.PostgresSource{Slot: "s", Publication: "p"}, []config.Mapping{
		{Table: "public.products", KeyColumns: []string{"id"}, TextColumns: []string{"name"}},
	}, zap.NewNop())
}

func productRelation() *pglogrepl.RelationMessage {
	return &pglogrepl.RelationMessage{
		RelationID:   16384,
		Namespace:    "public",
		RelationName: "products",
		ColumnNum:    3,
		Columns: []*pglogrepl.RelationMessageColumn{
			{Flags: 1, Name: "id", DataType: pgtype.Int4OID},
			{Name: "name", DataType: pgtype.TextOID},
			{Name: "price", DataType: pgtype.Float8OID},
		},
	}
}

func tuple(values ...string) *pglogrepl.TupleData {
	td := &pglogrepl.TupleData{ColumnNum: uint16(len(values))}
	for _, v := range values {
		if v == "" {
			td.Columns = append(td.Columns, &pglogrepl.TupleDataColumn{DataType: 'n'})
			continue
		}
		td.Columns = append(td.Columns, &pglogrepl.TupleDataColumn{DataType: 't', Length: uint32(len(v)), Data: []byte(v)})
	}
	return td
}

func feed(t *testing.T, r *Reader, out chan types.ChangeEvent, msgs ...pglogrepl.Message) {
	t.Helper()
	for _, m := range msgs {
		require.NoError(t, r.handle(context.Background(), m, out))
	}
}

func TestEmitsOnlyOnCommit(t *testing.T) {
	r := newTestReader()
	out := make(chan types.ChangeEvent, 10)
	commitTime := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	feed(t, r, out,
		productRelation(),
		&pglogrepl.BeginMessage{FinalLSN: 0x100, CommitTime: commitTime},
		&pglogrepl.InsertMessage{RelationID: 16384, Tuple: tuple("7", "Widget", "9.5")},
		&pglogrepl.UpdateMessage{RelationID: 16384, NewTuple: tuple("7", "Widget v2", "")},
	)
	assert.Empty(t, out)

	feed(t, r, out, &pglogrepl.CommitMessage{CommitLSN: 0x100, TransactionEndLSN: 0x130, CommitTime: commitTime})
	require.Len(t, out, 2)

	first := <-out
	assert.Equal(t, types.OpInsert, first.Op)
	assert.Equal(t, "public.products", first.Table)
	assert.Equal(t, []string{"7"}, first.Key)
	assert.Equal(t, types.Sequence{LSN: 0x130, Ordinal: 0}, first.Seq)
	assert.Equal(t, commitTime, first.OccurredAt)
	assert.Equal(t, json.Number("7"), first.After["id"])
	assert.Equal(t, json.Number("9.5"), first.After["price"])

	second := <-out
	assert.Equal(t, types.OpUpdate, second.Op)
	assert.Equal(t, types.Sequence{LSN: 0x130, Ordinal: 1}, second.Seq)
	assert.Nil(t, second.After["price"])
	assert.True(t, first.Seq.Less(second.Seq))
}

func TestSkipsUnmappedAndReplayedChanges(t *testing.T) {
	r := newTestReader()
	r.emitted = types.Sequence{LSN: 0x200, Ordinal: 0}
	out := make(chan types.ChangeEvent, 10)

	other := &pglogrepl.RelationMessage{RelationID: 1, Namespace: "public", RelationName: "audit",
		Columns: []*pglogrepl.RelationMessageColumn{{Flags: 1, Name: "id", DataType: pgtype.Int4OID}}}

	feed(t, r, out,
		productRelation(), other,
		&pglogrepl.BeginMessage{},
		&pglogrepl.InsertMessage{RelationID: 1, Tuple: tuple("1")},
		&pglogrepl.InsertMessage{RelationID: 16384, Tuple: tuple("1", "a", "")},
		&pglogrepl.InsertMessage{RelationID: 16384, Tuple: tuple("2", "b", "")},
		&pglogrepl.CommitMessage{TransactionEndLSN: 0x200},
	)
	require.Len(t, out, 1)
	ev := <-out
	assert.Equal(t, []string{"2"}, ev.Key)
	assert.Equal(t, types.Sequence{LSN: 0x200, Ordinal: 1}, ev.Seq)
}

func TestKeyChangeDeletesOldDocument(t *testing.T) {
	r := newTestReader()
	out := make(chan types.ChangeEvent, 10)
	feed(t, r, out,
		productRelation(),
		&pglogrepl.BeginMessage{},
		&pglogrepl.UpdateMessage{RelationID: 16384, OldTupleType: 'K', OldTuple: tuple("1", "", ""), NewTuple: tuple("2", "a", "")},
		&pglogrepl.DeleteMessage{RelationID: 16384, OldTupleType: 'K', OldTuple: tuple("2", "", "")},
		&pglogrepl.CommitMessage{TransactionEndLSN: 0x300},
	)
	require.Len(t, out, 3)
	del := <-out
	assert.Equal(t, types.OpDelete, del.Op)
	assert.Equal(t, []string{"1"}, del.Key)
	ins := <-out
	assert.Equal(t, types.OpInsert, ins.Op)
	assert.Equal(t, []string{"2"}, ins.Key)
	last := <-out
	assert.Equal(t, types.OpDelete, last.Op)
	assert.Equal(t, []string{"2"}, last.Key)
	assert.Nil(t, last.After)
}

func TestAckTrackerConfirmsWholeTransactions(t *testing.T) {
	var a ackTracker
	a.committed(0x100, 2)
	a.committed(0x150, 0)
	a.committed(0x200, 1)

	a.ack(types.Sequence{LSN: 0x100, Ordinal: 0})
	assert.Equal(t, uint64(0), a.position())

	a.ack(types.Sequence{LSN: 0x100, Ordinal: 1})
	assert.Equal(t, uint64(0x100), a.position())

	a.ack(types.Sequence{LSN: 0x200})
	assert.Equal(t, uint64(0x200), a.position())
}

func TestStartPosition(t *testing.T) {
	r := New(config.PostgresSource{StartLSN: "0/16B3748"}, nil, zap.NewNop())
	lsn, err := r.startPosition(types.Sequence{}, 0)
	require.NoError(t, err)
	assert.Equal(t, pglogrepl.LSN(0x16B3748), lsn)

	lsn, err = r.startPosition(types.Sequence{LSN: 0x2000, Ordinal: 3}, 0x1800)
	require.NoError(t, err)
	assert.Equal(t, pglogrepl.LSN(0x1800), lsn)

	_, err = r.startPosition(types.Sequence{LSN: 0x2000}, 0x2400)
	assert.ErrorIs(t, err, types.ErrCheckpointExpired)
}

func TestTransactionSplitAcrossRestartIsReplayed(t *testing.T) {
	txn := []pglogrepl.Message{
		productRelation(),
		&pglogrepl.BeginMessage{FinalLSN: 0x1000},
		&pglogrepl.InsertMessage{RelationID: 16384, Tuple: tuple("1", "a", "")},
		&pglogrepl.InsertMessage{RelationID: 16384, Tuple: tuple("2", "b", "")},
		&pglogrepl.InsertMessage{RelationID: 16384, Tuple: tuple("3", "c", "")},
	}
	commit := &pglogrepl.CommitMessage{CommitLSN: 0x1000, TransactionEndLSN: 0x1030}

	// the first run stops after handing over one event of the transaction
	first := newTestReader()
	out := make(chan types.ChangeEvent)
	feed(t, first, out, txn...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- first.handle(ctx, commit, out) }()
	published := <-out
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	checkpoint := published.Seq
	assert.Equal(t, types.Sequence{LSN: 0x1030}, checkpoint)
	first.Ack(checkpoint)
	assert.Equal(t, uint64(0), first.acks.position(), "a partly published transaction is not confirmed")

	// the slot still confirms the previous transaction, so the restart
	// decodes the split transaction again
	second := newTestReader()
	second.emitted = checkpoint
	start, err := second.startPosition(checkpoint, 0x0F00)
	require.NoError(t, err)
	assert.Less(t, uint64(start), uint64(commit.CommitLSN))

	rest := make(chan types.ChangeEvent, 10)
	feed(t, second, rest, append(txn, commit)...)
	require.Len(t, rest, 2)
	for _, want := range []string{"2", "3"} {
		ev := <-rest
		assert.Equal(t, []string{want}, ev.Key)
		assert.True(t, checkpoint.Less(ev.Seq))
	}
}

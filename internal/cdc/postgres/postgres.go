package postgres

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/jackc/pgx/v5/pgtype"
	"go.uber.org/zap"

	"github.com/mehmetymw/cdcfed/internal/config"
	"github.com/mehmetymw/cdcfed/internal/transform"
	"github.com/mehmetymw/cdcfed/internal/types"
	"github.com/mehmetymw/cdcfed/internal/util"
)

const (
	statusInterval = 10 * time.Second
	reconnectDelay = 5 * time.Second

	sqlStateUndefinedFile   = "58P01"
	sqlStateUndefinedObject = "42704"
)

// Reader streams pgoutput changes from a logical replication slot.
type Reader struct {
	cfg      config.PostgresSource
	mappings map[string]config.Mapping
	logger   *zap.Logger

	typeMap   *pgtype.Map
	relations map[uint32]relation
	txn       *txn
	emitted   types.Sequence
	acks      ackTracker
}

type relation struct {
	id      uint32
	schema  string
	table   string
	columns []column
}

type column struct {
	name string
	oid  uint32
	key  bool
}

type txn struct {
	commitTime time.Time
	events     []types.ChangeEvent
}

func New(cfg config.PostgresSource, mappings []config.Mapping, logger *zap.Logger) *Reader {
	logger.Info("Creating Postgres change reader",
		zap.Int("mappings_count", len(mappings)),
		zap.String("publication", cfg.Publication),
		zap.String("slot", cfg.Slot))

	m := make(map[string]config.Mapping, len(mappings))
	for _, x := range mappings {
		m[x.Table] = x
		logger.Debug("Added table mapping",
			zap.String("table", x.Table),
			zap.Strings("key_columns", x.KeyColumns))
	}
	return &Reader{
		cfg:       cfg,
		mappings:  m,
		logger:    logger,
		typeMap:   pgtype.NewMap(),
		relations: make(map[uint32]relation),
	}
}

func (r *Reader) Run(ctx context.Context, from types.Sequence, out chan<- types.ChangeEvent) error {
	r.logger.Info("Starting Postgres replication", zap.String("from", from.String()))
	r.emitted = from
	for {
		// resume after what is already queued for publishing
		err := r.stream(ctx, r.emitted, out)
		if ctx.Err() != nil {
			r.logger.Info("Context canceled, stopping replication")
			return nil
		}
		if types.KindOf(err) == types.KindPartitionFatal {
			r.logger.Error("Replication cannot resume from checkpoint", zap.Error(err), zap.String("from", from.String()))
			return err
		}
		r.logger.Error("Replication failed, retrying", zap.Error(err), zap.Duration("delay", reconnectDelay))
		select {
		case <-time.After(reconnectDelay):
		case <-ctx.Done():
			return nil
		}
	}
}

func (r *Reader) Ack(seq types.Sequence) {
	r.acks.ack(seq)
}

func (r *Reader) stream(ctx context.Context, from types.Sequence, out chan<- types.ChangeEvent) error {
	confirmed, err := r.checkCheckpoint(ctx, from)
	if err != nil {
		return err
	}
	// a transaction cut off by the last disconnect is decoded again from Begin
	r.txn = nil

	cfg, err := pgconn.ParseConfig(r.cfg.DSN)
	if err != nil {
		return types.PartitionFatal("parse dsn", err)
	}
	if cfg.RuntimeParams == nil {
		cfg.RuntimeParams = map[string]string{}
	}
	cfg.RuntimeParams["replication"] = "database"

	r.logger.Info("Connecting to PostgreSQL for replication",
		zap.String("host", cfg.Host),
		zap.Uint16("port", cfg.Port),
		zap.String("database", cfg.Database),
		zap.String("user", cfg.User))

	conn, err := pgconn.ConnectConfig(ctx, cfg)
	if err != nil {
		return types.Transient("connect", err)
	}
	defer conn.Close(context.Background())

	r.bootstrap(ctx, conn)

	startLSN, err := r.startPosition(from, confirmed)
	if err != nil {
		return types.PartitionFatal("start position", err)
	}
	opts := pglogrepl.StartReplicationOptions{
		PluginArgs: []string{
			"proto_version '1'",
			fmt.Sprintf("publication_names '%s'", r.cfg.Publication),
		},
	}
	if err := pglogrepl.StartReplication(ctx, conn, r.cfg.Slot, startLSN, opts); err != nil {
		return classify("start replication", err, from)
	}
	r.logger.Info("Started PostgreSQL replication",
		zap.String("lsn", startLSN.String()),
		zap.String("checkpoint", from.String()))
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := r.sendStatus(sctx, conn); err != nil {
			r.logger.Debug("Final standby status not sent", zap.Error(err))
		}
	}()

	nextStatus := time.Now()
	for {
		if time.Now().After(nextStatus) {
			if err := r.sendStatus(ctx, conn); err != nil {
				return types.Transient("standby status", err)
			}
			nextStatus = time.Now().Add(statusInterval)
		}

		ctxR, cancel := context.WithDeadline(ctx, nextStatus)
		raw, err := conn.ReceiveMessage(ctxR)
		cancel()
		if err != nil {
			if pgconn.Timeout(err) {
				continue
			}
			return classify("receive", err, from)
		}

		switch msg := raw.(type) {
		case *pgproto3.ErrorResponse:
			return classify("replication", pgconn.ErrorResponseToPgError(msg), from)
		case *pgproto3.CopyData:
			if len(msg.Data) == 0 {
				continue
			}
			switch msg.Data[0] {
			case pglogrepl.PrimaryKeepaliveMessageByteID:
				ka, err := pglogrepl.ParsePrimaryKeepaliveMessage(msg.Data[1:])
				if err != nil {
					return types.Transient("parse keepalive", err)
				}
				if ka.ReplyRequested {
					nextStatus = time.Time{}
				}
			case pglogrepl.XLogDataByteID:
				x, err := pglogrepl.ParseXLogData(msg.Data[1:])
				if err != nil {
					return types.Transient("parse xlog", err)
				}
				logical, err := pglogrepl.Parse(x.WALData)
				if err != nil {
					return types.Transient("parse logical message", err)
				}
				if err := r.handle(ctx, logical, out); err != nil {
					return err
				}
			default:
				r.logger.Debug("Received unknown message type", zap.Uint8("type", msg.Data[0]))
			}
		}
	}
}

func (r *Reader) sendStatus(ctx context.Context, conn *pgconn.PgConn) error {
	pos := pglogrepl.LSN(r.acks.position())
	r.logger.Debug("Sending standby status", zap.String("flush_lsn", pos.String()))
	return pglogrepl.SendStandbyStatusUpdate(ctx, conn, pglogrepl.StandbyStatusUpdate{WALWritePosition: pos})
}

// startPosition picks where decoding restarts. On resume it is the slot's
// confirmed position, which only covers whole published transactions: the
// checkpoint may sit inside a transaction that the server skips when asked
// to start at its commit. Events already on the log are dropped by the
// emitted filter in commit.
func (r *Reader) startPosition(from types.Sequence, confirmed pglogrepl.LSN) (pglogrepl.LSN, error) {
	if !from.IsZero() {
		if uint64(confirmed) > from.LSN {
			return 0, fmt.Errorf("%w: slot confirmed %s beyond checkpoint %s", types.ErrCheckpointExpired, confirmed, from)
		}
		return confirmed, nil
	}
	if r.cfg.StartLSN == "" {
		return 0, nil
	}
	return pglogrepl.ParseLSN(r.cfg.StartLSN)
}

// checkCheckpoint refuses to resume when the slot moved past the checkpoint
// or disappeared under it; the changes in between are gone. It returns the
// slot's confirmed flush position.
func (r *Reader) checkCheckpoint(ctx context.Context, from types.Sequence) (pglogrepl.LSN, error) {
	if from.IsZero() {
		return 0, nil
	}
	conn, err := pgx.Connect(ctx, r.cfg.DSN)
	if err != nil {
		return 0, types.Transient("connect", err)
	}
	defer conn.Close(context.Background())

	var confirmed *string
	err = conn.QueryRow(ctx,
		"SELECT confirmed_flush_lsn::text FROM pg_replication_slots WHERE slot_name = $1",
		r.cfg.Slot).Scan(&confirmed)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, types.PartitionFatal("check checkpoint", fmt.Errorf("%w: slot %s does not exist", types.ErrCheckpointExpired, r.cfg.Slot))
	}
	if err != nil {
		return 0, types.Transient("check checkpoint", err)
	}
	if confirmed == nil {
		return 0, nil
	}
	lsn, err := pglogrepl.ParseLSN(*confirmed)
	if err != nil {
		return 0, types.Transient("check checkpoint", err)
	}
	if uint64(lsn) > from.LSN {
		return 0, types.PartitionFatal("check checkpoint",
			fmt.Errorf("%w: slot confirmed %s beyond checkpoint %s", types.ErrCheckpointExpired, lsn, from))
	}
	return lsn, nil
}

func classify(op string, err error, from types.Sequence) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == sqlStateUndefinedFile:
			return types.PartitionFatal(op, fmt.Errorf("%w: %s", types.ErrCheckpointExpired, pgErr.Message))
		case pgErr.Code == sqlStateUndefinedObject && !from.IsZero():
			return types.PartitionFatal(op, fmt.Errorf("%w: %s", types.ErrCheckpointExpired, pgErr.Message))
		}
	}
	return types.Transient(op, err)
}

func (r *Reader) bootstrap(ctx context.Context, conn *pgconn.PgConn) {
	if r.cfg.Publication != "" && r.cfg.CreatePublication {
		r.logger.Info("Creating publication", zap.String("publication", r.cfg.Publication))
		std, err := pgx.Connect(ctx, r.cfg.DSN)
		if err == nil {
			pub := pgx.Identifier{r.cfg.Publication}.Sanitize()
			if _, err := std.Exec(ctx, "CREATE PUBLICATION "+pub+" FOR ALL TABLES"); err != nil {
				r.logger.Warn("Failed to create publication (may already exist)",
					zap.String("publication", r.cfg.Publication), zap.Error(err))
			} else {
				r.logger.Info("Publication created successfully", zap.String("publication", r.cfg.Publication))
			}
			std.Close(ctx)
		} else {
			r.logger.Error("Failed to connect for publication creation", zap.Error(err))
		}
	}
	if r.cfg.Slot != "" && r.cfg.CreateSlot {
		r.logger.Info("Creating replication slot", zap.String("slot", r.cfg.Slot))
		_, err := pglogrepl.CreateReplicationSlot(ctx, conn, r.cfg.Slot, "pgoutput", pglogrepl.CreateReplicationSlotOptions{})
		if err != nil {
			r.logger.Warn("Failed to create replication slot (may already exist)",
				zap.String("slot", r.cfg.Slot), zap.Error(err))
		} else {
			r.logger.Info("Replication slot created successfully", zap.String("slot", r.cfg.Slot))
		}
	}
}

// handle buffers row changes until their transaction commits, then emits
// them with the commit position and their ordinal inside the transaction.
func (r *Reader) handle(ctx context.Context, logical pglogrepl.Message, out chan<- types.ChangeEvent) error {
	switch msg := logical.(type) {
	case *pglogrepl.RelationMessage:
		rel := relation{id: msg.RelationID, schema: msg.Namespace, table: msg.RelationName}
		for _, c := range msg.Columns {
			rel.columns = append(rel.columns, column{name: c.Name, oid: c.DataType, key: c.Flags == 1})
		}
		r.relations[rel.id] = rel
		r.logger.Debug("Added relation",
			zap.Uint32("id", rel.id),
			zap.String("schema", rel.schema),
			zap.String("table", rel.table),
			zap.Int("columns", len(rel.columns)))

	case *pglogrepl.BeginMessage:
		r.txn = &txn{commitTime: msg.CommitTime}

	case *pglogrepl.InsertMessage:
		return r.buffer(types.OpInsert, msg.RelationID, nil, msg.Tuple)

	case *pglogrepl.UpdateMessage:
		return r.buffer(types.OpUpdate, msg.RelationID, msg.OldTuple, msg.NewTuple)

	case *pglogrepl.DeleteMessage:
		return r.buffer(types.OpDelete, msg.RelationID, msg.OldTuple, nil)

	case *pglogrepl.TruncateMessage:
		r.logger.Warn("Truncate is not captured; reconciliation will report the drift",
			zap.Uint32s("relation_ids", msg.RelationIDs))

	case *pglogrepl.CommitMessage:
		return r.commit(ctx, msg, out)

	default:
		r.logger.Debug("Skipping logical message", zap.String("type", fmt.Sprintf("%T", msg)))
	}
	return nil
}

func (r *Reader) buffer(op types.Operation, relID uint32, oldTuple, newTuple *pglogrepl.TupleData) error {
	rel, ok := r.relations[relID]
	if !ok {
		return types.Transient("decode", fmt.Errorf("unknown relation %d", relID))
	}
	table := rel.schema + "." + rel.table
	m, ok := r.mappings[table]
	if !ok {
		r.logger.Debug("No mapping for table, skipping", zap.String("table", table))
		return nil
	}
	if r.txn == nil {
		r.txn = &txn{}
	}

	before, err := util.NormalizeImage(r.decodeTuple(rel, oldTuple, nil))
	if err != nil {
		return types.Transient("decode", err)
	}
	after, err := util.NormalizeImage(r.decodeTuple(rel, newTuple, before))
	if err != nil {
		return types.Transient("decode", err)
	}

	image := after
	if op == types.OpDelete {
		image = before
	}
	key, ok := r.keyOf(m, rel, image)
	if !ok {
		r.logger.Error("Row change without key, skipping",
			zap.String("table", table),
			zap.String("op", string(op)),
			zap.Strings("key_columns", m.KeyColumns))
		return nil
	}

	// a key update leaves the old document behind unless it is deleted
	if op == types.OpUpdate && before != nil {
		if oldKey, ok := r.keyOf(m, rel, before); ok && !slices.Equal(oldKey, key) {
			r.txn.events = append(r.txn.events, types.ChangeEvent{Table: table, Key: oldKey, Op: types.OpDelete, Before: before})
			before = nil
			op = types.OpInsert
		}
	}

	r.txn.events = append(r.txn.events, types.ChangeEvent{Table: table, Key: key, Op: op, Before: before, After: after})
	return nil
}

func (r *Reader) keyOf(m config.Mapping, rel relation, image map[string]any) ([]string, bool) {
	if image == nil {
		return nil, false
	}
	if key, ok := transform.KeyOf(m, image); ok {
		return key, true
	}
	var key []string
	for _, c := range rel.columns {
		if !c.key {
			continue
		}
		v, ok := image[c.name]
		if !ok || v == nil {
			return nil, false
		}
		key = append(key, util.Canonical(v))
	}
	return key, len(key) > 0
}

func (r *Reader) commit(ctx context.Context, msg *pglogrepl.CommitMessage, out chan<- types.ChangeEvent) error {
	t := r.txn
	r.txn = nil
	if t == nil {
		t = &txn{}
	}
	lsn := uint64(msg.TransactionEndLSN)
	n := len(t.events)

	r.acks.committed(lsn, n)

	sent := 0
	for i, ev := range t.events {
		ev.Seq = types.Sequence{LSN: lsn, Ordinal: uint32(i)}
		ev.OccurredAt = msg.CommitTime.UTC()
		if !r.emitted.Less(ev.Seq) {
			continue
		}
		select {
		case out <- ev:
			r.emitted = ev.Seq
			sent++
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if n > 0 {
		r.logger.Info("Transaction committed",
			zap.String("lsn", pglogrepl.LSN(lsn).String()),
			zap.Int("total_changes", n),
			zap.Int("sent_changes", sent))
	}
	return nil
}

// decodeTuple decodes text columns with the source column type. An unchanged
// TOAST column takes its value from fallback, or is left out.
func (r *Reader) decodeTuple(rel relation, tuple *pglogrepl.TupleData, fallback map[string]any) map[string]any {
	if tuple == nil {
		return nil
	}
	out := make(map[string]any, len(tuple.Columns))
	for i, col := range tuple.Columns {
		if i >= len(rel.columns) {
			break
		}
		c := rel.columns[i]
		switch col.DataType {
		case 'n':
			out[c.name] = nil
		case 'u':
			if v, ok := fallback[c.name]; ok {
				out[c.name] = v
			}
		case 't':
			out[c.name] = r.decodeValue(c, pgtype.TextFormatCode, col.Data)
		case 'b':
			out[c.name] = r.decodeValue(c, pgtype.BinaryFormatCode, col.Data)
		}
	}
	return out
}

func (r *Reader) decodeValue(c column, format int16, data []byte) any {
	if dt, ok := r.typeMap.TypeForOID(c.oid); ok {
		v, err := dt.Codec.DecodeValue(r.typeMap, c.oid, format, data)
		if err == nil {
			return v
		}
		r.logger.Debug("Falling back to raw column text", zap.String("column", c.name), zap.Error(err))
	}
	return string(data)
}

// ackTracker turns per-event acks into the flush position reported to the
// slot. A transaction is confirmed only once its last event is acked.
type ackTracker struct {
	mu      sync.Mutex
	open    []openTxn
	flushed uint64
}

type openTxn struct {
	lsn  uint64
	last uint32
}

// committed registers a transaction with n emitted events. Transactions
// without events are never confirmed on their own, so the slot position
// cannot pass the saved checkpoint.
func (a *ackTracker) committed(lsn uint64, n int) {
	if n == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.open = append(a.open, openTxn{lsn: lsn, last: uint32(n - 1)})
}

func (a *ackTracker) ack(seq types.Sequence) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for len(a.open) > 0 {
		o := a.open[0]
		if o.lsn < seq.LSN || (o.lsn == seq.LSN && seq.Ordinal >= o.last) {
			if o.lsn > a.flushed {
				a.flushed = o.lsn
			}
			a.open = a.open[1:]
			continue
		}
		break
	}
}

func (a *ackTracker) position() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flushed
}

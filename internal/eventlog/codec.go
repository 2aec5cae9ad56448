package eventlog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mehmetymw/cdcfed/internal/types"
)

const (
	HeaderOp    = "op"
	HeaderTable = "table"
	HeaderSeq   = "seq"
	HeaderSink  = "sink"
)

func EncodeChange(ev types.ChangeEvent) (Message, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return Message{}, types.Permanent("encode change", err)
	}
	return Message{
		Key:   []byte(ev.ID()),
		Value: b,
		Headers: map[string]string{
			HeaderOp:    string(ev.Op),
			HeaderTable: ev.Table,
			HeaderSeq:   ev.Seq.String(),
		},
	}, nil
}

// DecodeChange rejects payloads that can never be applied; the caller routes
// those to the dead-letter channel.
func DecodeChange(m Message) (types.ChangeEvent, error) {
	var ev types.ChangeEvent
	if err := decode(m.Value, &ev); err != nil {
		return ev, types.Permanent("decode change", err)
	}
	if err := validateChange(ev); err != nil {
		return ev, types.Permanent("decode change", err)
	}
	return ev, nil
}

func EncodeEnriched(ev types.EnrichedEvent) (Message, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return Message{}, types.Permanent("encode enriched", err)
	}
	return Message{
		Key:   []byte(ev.ID()),
		Value: b,
		Headers: map[string]string{
			HeaderOp:   string(ev.Change.Op),
			HeaderSink: string(ev.Sink),
			HeaderSeq:  ev.Seq().String(),
		},
	}, nil
}

func DecodeEnriched(m Message) (types.EnrichedEvent, error) {
	var ev types.EnrichedEvent
	if err := decode(m.Value, &ev); err != nil {
		return ev, types.Permanent("decode enriched", err)
	}
	if err := validateChange(ev.Change); err != nil {
		return ev, types.Permanent("decode enriched", err)
	}
	switch ev.Sink {
	case types.SinkVector:
		if !ev.Tombstone && (ev.Vector == nil || len(ev.Vector.Values) == 0) {
			return ev, types.Permanent("decode enriched", types.ErrEmptyVector)
		}
	case types.SinkGraph, types.SinkKeyword:
	default:
		return ev, types.Permanent("decode enriched", fmt.Errorf("unknown sink %q", ev.Sink))
	}
	return ev, nil
}

func decode(b []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	return dec.Decode(v)
}

func validateChange(ev types.ChangeEvent) error {
	switch {
	case ev.Table == "":
		return errors.New("missing source table")
	case len(ev.Key) == 0:
		return errors.New("missing source key")
	case !ev.Op.Valid():
		return fmt.Errorf("invalid operation %q", ev.Op)
	case ev.Seq.IsZero():
		return errors.New("missing commit sequence")
	}
	return nil
}

package transform

import (
	"strings"

	"github.com/mehmetymw/cdcfed/internal/config"
	"github.com/mehmetymw/cdcfed/internal/types"
	"github.com/mehmetymw/cdcfed/internal/util"
)

// Project renders the mapped columns of a row image as canonical text. Both
// the sink records and the reconciliation source scan hash exactly this.
func Project(m config.Mapping, image map[string]any) map[string]string {
	if image == nil {
		return nil
	}
	out := make(map[string]string)
	add := func(col string) {
		if v, ok := image[col]; ok && v != nil {
			out[col] = util.Canonical(v)
		}
	}
	for _, c := range m.KeyColumns {
		add(c)
	}
	for _, c := range m.TextColumns {
		add(c)
	}
	for _, c := range m.MetadataColumns {
		add(c)
	}
	for _, e := range m.Graph.Edges {
		add(e.Column)
	}
	return out
}

// ExpectedIn reports whether a live row is supposed to have a record in the
// given sink.
func ExpectedIn(kind types.SinkKind, m config.Mapping, image map[string]any) bool {
	if image == nil || !m.HasSink(kind) {
		return false
	}
	switch kind {
	case types.SinkVector, types.SinkKeyword:
		return util.ConcatenateColumns(image, m.TextColumns) != ""
	default:
		return true
	}
}

// KeyOf extracts the ordered key tuple of a row.
func KeyOf(m config.Mapping, image map[string]any) ([]string, bool) {
	key := make([]string, len(m.KeyColumns))
	for i, c := range m.KeyColumns {
		v, ok := image[c]
		if !ok || v == nil {
			return nil, false
		}
		key[i] = util.Canonical(v)
	}
	return key, true
}

func metadataOf(m config.Mapping, ev types.ChangeEvent, image map[string]any) map[string]any {
	md := make(map[string]any, len(m.MetadataColumns)+2)
	md["table"] = ev.Table
	md["pk"] = strings.Join(ev.Key, "/")
	for _, col := range m.MetadataColumns {
		if v, ok := image[col]; ok {
			md[col] = v
		}
	}
	return md
}

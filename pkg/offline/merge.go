package offline

import (
	"github.com/trackingdudes/offsync/pkg/models"
)

// merge overlays queued writes and pending statuses on the cached list.
// Each logical record appears once; a queued write wins over the cached
// row. Queued creates are appended, queued updates are shallow-merged into
// their target or appended when the target is not cached. Updates without a
// target are merged into each cached row they affect.
func merge(cached []models.Record, queued []models.QueuedMutation, pending map[models.Identity]string, statusField string) []models.Record {
	out := make([]models.Record, 0, len(cached)+len(queued))
	index := make(map[models.Identity]int, len(cached))

	put := func(row models.Record) {
		if id, ok := row.Identity(); ok {
			if i, seen := index[id]; seen {
				out[i] = row
				return
			}
			index[id] = len(out)
		}
		out = append(out, row)
	}

	for _, row := range cached {
		put(row.Clone())
	}

	for _, m := range queued {
		body := m.BodyRecord()
		if body == nil {
			continue
		}
		switch {
		case m.IsCreate():
			row := body.Clone()
			row[models.FieldTempID] = m.TempID
			row[models.FieldPending] = true
			put(row)

		case m.Method == models.MethodPut && m.Target != nil:
			if i, ok := find(out, index, *m.Target); ok {
				out[i] = out[i].Merge(body)
				out[i][models.FieldPending] = true
				continue
			}
			put(applyUpdate(nil, *m.Target, body)[0])

		case m.Method == models.MethodPut:
			for _, id := range m.Rows() {
				if i, ok := find(out, index, id); ok {
					out[i] = out[i].Merge(body)
					out[i][models.FieldPending] = true
				}
			}
		}
	}

	if len(pending) > 0 {
		for i, row := range out {
			id, ok := row.Identity()
			if !ok {
				continue
			}
			status, ok := pending[id]
			if !ok && row[models.FieldTempID] != nil {
				// A created record that already has a server id may still be
				// pending under its tempId.
				status, ok = pending[models.LocalID(models.IDString(row[models.FieldTempID]))]
			}
			if ok {
				row = row.Clone()
				row[statusField] = status
				row[models.FieldPending] = true
				out[i] = row
			}
		}
	}
	return out
}

// find locates id in out. Server identities are also looked up by scan so
// that rows indexed under another identity still match.
func find(out []models.Record, index map[models.Identity]int, id models.Identity) (int, bool) {
	if i, ok := index[id]; ok {
		return i, true
	}
	for i, row := range out {
		if row.Matches(id) {
			return i, true
		}
	}
	return 0, false
}

// applyUpdate shallow-merges fields into the row of target, or appends a
// new pending row carrying target's identity.
func applyUpdate(list []models.Record, target models.Identity, fields models.Record) []models.Record {
	out := make([]models.Record, 0, len(list)+1)
	found := false
	for _, row := range list {
		if !found && row.Matches(target) {
			row = row.Merge(fields)
			row[models.FieldPending] = true
			found = true
		}
		out = append(out, row)
	}
	if !found {
		row := fields.Clone()
		switch target.Kind {
		case models.KindServer:
			if _, ok := row[models.FieldID]; !ok {
				row[models.FieldID] = target.Value
			}
		case models.KindLocal:
			row[models.FieldTempID] = target.Value
		}
		row[models.FieldPending] = true
		out = append(out, row)
	}
	return out
}

// applyToRows shallow-merges fields into every row named by ids. Rows that
// are not in list are not added.
func applyToRows(list []models.Record, ids []models.Identity, fields models.Record) []models.Record {
	out := make([]models.Record, 0, len(list))
	for _, row := range list {
		for _, id := range ids {
			if row.Matches(id) {
				row = row.Merge(fields)
				row[models.FieldPending] = true
				break
			}
		}
		out = append(out, row)
	}
	return out
}

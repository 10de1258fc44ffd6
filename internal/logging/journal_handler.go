package logging

import (
	"context"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/journal"
)

// SyslogIdentifier tags every journal entry.
const SyslogIdentifier = "vocalmotor"

// JournalHandler sends records to the systemd journal. Every entry carries
// the run id, so `journalctl RUN_ID=<id>` selects one job.
type JournalHandler struct {
	level  slog.Leveler
	runID  string
	attrs  []scopedAttr
	groups []string
}

// scopedAttr is an attribute added with WithAttrs under the groups open
// at that time.
type scopedAttr struct {
	attr   slog.Attr
	groups []string
}

// NewJournalHandler creates a journal handler. Level may be a
// *slog.LevelVar so module levels can change at runtime.
func NewJournalHandler(level slog.Leveler, runID string) *JournalHandler {
	return &JournalHandler{level: level, runID: runID}
}

func (h *JournalHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *JournalHandler) Handle(_ context.Context, r slog.Record) error {
	return journal.Send(r.Message, journalPriority(r.Level), h.fields(r))
}

// fields builds the journal fields for r. MESSAGE and PRIORITY are set by
// journal.Send itself.
func (h *JournalHandler) fields(r slog.Record) map[string]string {
	fields := map[string]string{"SYSLOG_IDENTIFIER": SyslogIdentifier}
	for _, sa := range h.attrs {
		addJournalField(fields, sa.attr, sa.groups)
	}
	r.Attrs(func(attr slog.Attr) bool {
		addJournalField(fields, attr, h.groups)
		return true
	})
	if h.runID != "" {
		fields["RUN_ID"] = h.runID
	}
	return fields
}

func (h *JournalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = slices.Clone(h.attrs)
	for _, a := range attrs {
		clone.attrs = append(clone.attrs, scopedAttr{attr: a, groups: h.groups})
	}
	return &clone
}

func (h *JournalHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.groups = append(slices.Clone(h.groups), name)
	return &clone
}

func journalPriority(level slog.Level) journal.Priority {
	switch {
	case level >= slog.LevelError:
		return journal.PriErr
	case level >= slog.LevelWarn:
		return journal.PriWarning
	case level >= slog.LevelInfo:
		return journal.PriInfo
	default:
		return journal.PriDebug
	}
}

// addJournalField flattens attr into fields. Groups become underscore
// prefixes. Attributes never override SYSLOG_IDENTIFIER or the fields
// journal.Send sets.
func addJournalField(fields map[string]string, attr slog.Attr, groups []string) {
	attr.Value = attr.Value.Resolve()
	if attr.Equal(slog.Attr{}) {
		return
	}
	path := append(slices.Clone(groups), attr.Key)

	if attr.Value.Kind() == slog.KindGroup {
		for _, a := range attr.Value.Group() {
			addJournalField(fields, a, path)
		}
		return
	}

	key := journalKey(path)
	switch key {
	case "", "SYSLOG_IDENTIFIER", "PRIORITY", "MESSAGE":
		return
	}

	v := attr.Value
	switch v.Kind() {
	case slog.KindInt64:
		fields[key] = strconv.FormatInt(v.Int64(), 10)
	case slog.KindUint64:
		fields[key] = strconv.FormatUint(v.Uint64(), 10)
	case slog.KindFloat64:
		fields[key] = strconv.FormatFloat(v.Float64(), 'g', -1, 64)
	case slog.KindBool:
		fields[key] = strconv.FormatBool(v.Bool())
	case slog.KindTime:
		fields[key] = v.Time().Format(time.RFC3339Nano)
	default:
		fields[key] = v.String()
	}
}

// journalKey builds a valid journal field name: upper case letters, digits
// and underscores, not starting with an underscore or digit.
func journalKey(path []string) string {
	var b strings.Builder
	for i, part := range path {
		if i > 0 {
			b.WriteByte('_')
		}
		for _, c := range strings.ToUpper(part) {
			if (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
				b.WriteRune(c)
			} else {
				b.WriteByte('_')
			}
		}
	}
	return strings.TrimLeft(b.String(), "_0123456789")
}

// IsJournalAvailable reports whether the systemd journal socket exists.
func IsJournalAvailable() bool {
	return journal.Enabled()
}

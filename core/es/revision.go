package es

import "log/slog"

// Revision is the zero-based position of an event within its stream.
// An empty stream is at NoRevision.
type Revision int64

const (
	NoRevision      Revision = -1
	UnknownRevision Revision = -2
)

func (r Revision) Int64() int64                           { return int64(r) }
func (r Revision) Next() Revision                         { return r + 1 }
func (r Revision) SlogAttr() slog.Attr                    { return newSlogRevisionAttr("revision", r) }
func (r Revision) SlogAttrWithKey(key string) slog.Attr   { return newSlogRevisionAttr(key, r) }
func newSlogRevisionAttr(key string, r Revision) slog.Attr { return slog.Int64(key, int64(r)) }

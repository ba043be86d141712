package pebblestore

import "encoding/binary"

// Keyspace (byte-wise, lexicographically sortable):
//
//	e/{seq_be8}                          event record
//	s/{stream}\x00{rev_be8}              seq of the event at rev
//	h/{stream}                           head revision of the stream
//	i/{event_id}                         seq of the event
//	u/{seq_be8}                          undispatched marker
//	n/{stream}\x00{rev_be8}{snap_be8}    snapshot record
//	m/seq, m/snap                        last assigned seq / snapshot counter
//
// Stream ids never contain NUL, so the terminator keeps one stream's keys
// from prefixing another's.

var (
	prefixEvent        = []byte("e/")
	prefixStream       = []byte("s/")
	prefixHead         = []byte("h/")
	prefixID           = []byte("i/")
	prefixUndispatched = []byte("u/")
	prefixSnapshot     = []byte("n/")
	prefixMeta         = []byte("m/")

	keyLastSeq     = []byte("m/seq")
	keySnapshotSeq = []byte("m/snap")

	allPrefixes = [][]byte{
		prefixEvent, prefixStream, prefixHead, prefixID,
		prefixUndispatched, prefixSnapshot, prefixMeta,
	}
)

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

func be8(v uint64) []byte { return appendBE8(make([]byte, 0, 8), v) }

func readBE8(b []byte) uint64 { return binary.BigEndian.Uint64(b[len(b)-8:]) }

func keyEvent(seq uint64) []byte {
	return appendBE8(append(make([]byte, 0, 10), prefixEvent...), seq)
}

func keyStreamPrefix(prefix []byte, streamID string) []byte {
	k := make([]byte, 0, len(prefix)+len(streamID)+17)
	k = append(k, prefix...)
	k = append(k, streamID...)
	return append(k, 0)
}

func keyStreamRevision(streamID string, rev uint64) []byte {
	return appendBE8(keyStreamPrefix(prefixStream, streamID), rev)
}

func keyHead(streamID string) []byte {
	return append(append(make([]byte, 0, len(streamID)+2), prefixHead...), streamID...)
}

func keyID(id string) []byte {
	return append(append(make([]byte, 0, len(id)+2), prefixID...), id...)
}

func keyUndispatched(seq uint64) []byte {
	return appendBE8(append(make([]byte, 0, 10), prefixUndispatched...), seq)
}

func keySnapshot(streamID string, rev, n uint64) []byte {
	return appendBE8(appendBE8(keyStreamPrefix(prefixSnapshot, streamID), rev), n)
}

// upperBound returns the smallest key greater than every key with prefix.
func upperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

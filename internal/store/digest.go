package store

import (
	"encoding/binary"
	"encoding/hex"
	"sort"

	"github.com/zeebo/blake3"
)

// ---------------------------------------------------------------------------
// Content digests
// ---------------------------------------------------------------------------

// Digest is a 32-byte BLAKE3 keyed digest.
type Digest [32]byte

// domainKey is a 32-byte key for BLAKE3 keyed hashing. The byte values are
// the ASCII encoding of the domain name, zero-padded to 32 bytes; changing
// them invalidates every digest already stored in a merged store.
type domainKey [32]byte

var (
	sessionDomainKey = domainKey{
		'h', 'i', 's', 't', 's', 'y', 'n', 'c', '.',
		's', 'e', 's', 's', 'i', 'o', 'n',
	}

	viewDomainKey = domainKey{
		'h', 'i', 's', 't', 's', 'y', 'n', 'c', '.',
		'v', 'i', 'e', 'w',
	}
)

// SessionDigest hashes a session's recorded content: timestamps, entries,
// and outputs. The session id is deliberately excluded, so the same recorded
// content digests identically whichever store file carried it and whatever
// id the merge assigned it.
func SessionDigest(s *Session) Digest {
	return keyedHash(sessionDomainKey, func(h *blake3.Hasher) {
		hashString(h, FormatTime(s.Start))
		if s.End != nil {
			hashString(h, FormatTime(*s.End))
		} else {
			hashString(h, "")
		}
		hashString(h, s.Remark)
		hashInt(h, int64(len(s.Entries)))
		for _, e := range s.Entries {
			hashInt(h, int64(e.Line))
			hashString(h, e.Source)
			hashString(h, e.SourceRaw)
		}
		hashInt(h, int64(len(s.Outputs)))
		for _, o := range s.Outputs {
			hashInt(h, int64(o.Line))
			hashString(h, o.Output)
		}
	})
}

// ViewDigest hashes the complete logical content of a merged snapshot: every
// session with its global id and origin, plus the high-water marks. Stored
// under the content_digest meta key; an unchanged digest lets a re-merge
// skip rewriting the file, which in turn keeps repeated syncs byte-identical.
func ViewDigest(snap *Snapshot) string {
	d := keyedHash(viewDomainKey, func(h *blake3.Hasher) {
		sessions := make([]Session, len(snap.Sessions))
		copy(sessions, snap.Sessions)
		sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })

		hashInt(h, int64(len(sessions)))
		for i := range sessions {
			s := &sessions[i]
			origin := snap.Origins[s.ID]
			hashInt(h, s.ID)
			hashString(h, origin.Machine)
			hashInt(h, origin.Session)
			sd := SessionDigest(s)
			_, _ = h.Write(sd[:])
		}

		machines := make([]string, 0, len(snap.Marks))
		for m := range snap.Marks {
			machines = append(machines, m)
		}
		sort.Strings(machines)
		hashInt(h, int64(len(machines)))
		for _, m := range machines {
			hashString(h, m)
			hashInt(h, snap.Marks[m])
		}
	})
	return hex.EncodeToString(d[:])
}

func keyedHash(key domainKey, fill func(h *blake3.Hasher)) Digest {
	h, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("store: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	fill(h)
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

// hashString writes a length-prefixed string so adjacent fields can never
// alias each other.
func hashString(h *blake3.Hasher, s string) {
	hashInt(h, int64(len(s)))
	_, _ = h.Write([]byte(s))
}

func hashInt(h *blake3.Hasher, v int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	_, _ = h.Write(b[:])
}

// Package kt implements the append-only key-transparency log of spec
// §4.5: an RFC-6962-style Merkle tree over per-user identity-key
// records, with audit and consistency proof generation so a client
// can verify its own history and detect a forked view of someone
// else's.
package kt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/bits"
	"os"
	"sync"

	"github.com/mi-msgr/e2eecore/primitives"
)

// Hash32 is a tree node or leaf digest.
type Hash32 = [32]byte

const fileMagic = "MIKTLOG1"

const maxUsernameLen = 4096

// Entry is one user's latest recorded identity keys.
type Entry struct {
	LeafIndex int
	LeafHash  Hash32
}

// Log is the in-memory, mutex-serialized key-transparency tree
// (spec §4.5, §5: "Concurrent writers are serialized by a single
// mutex").
type Log struct {
	mu sync.Mutex

	path string

	leaves     []Hash32
	pow2Levels [][]Hash32

	latestByUser map[string]Entry
	root         Hash32
}

// Open loads path if it exists (rebuilding the tree from its
// records) or starts a fresh empty log otherwise.
func Open(path string) (*Log, error) {
	l := &Log{path: path, latestByUser: make(map[string]Entry)}
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := l.load(raw); err != nil {
			return nil, err
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("kt: reading %s: %w", path, err)
	}
	return l, nil
}

// load parses the on-disk record stream and rebuilds all in-memory
// indices. A truncated trailing record is ignored rather than
// treated as corruption, since it is always the tail of an
// interrupted append.
func (l *Log) load(raw []byte) error {
	if len(raw) < len(fileMagic) || string(raw[:len(fileMagic)]) != fileMagic {
		return fmt.Errorf("kt: bad magic")
	}
	buf := raw[len(fileMagic):]
	off := 0
	for {
		rec, n, ok := decodeRecord(buf[off:])
		if !ok {
			break
		}
		l.appendLeaf(rec.username, rec.sigPK[:], rec.dhPK[:])
		off += n
	}
	return nil
}

type record struct {
	username string
	sigPK    [primitives.SigPublicKeySize]byte
	dhPK     [primitives.X25519Size]byte
}

func recordBytes(username string, sigPK, dhPK []byte) []byte {
	buf := make([]byte, 0, 2+len(username)+len(sigPK)+len(dhPK))
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(username)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, username...)
	buf = append(buf, sigPK...)
	buf = append(buf, dhPK...)
	return buf
}

func decodeRecord(buf []byte) (record, int, bool) {
	const fixedAfterLen = primitives.SigPublicKeySize + primitives.X25519Size
	if len(buf) < 2 {
		return record{}, 0, false
	}
	userLen := int(binary.LittleEndian.Uint16(buf[:2]))
	if userLen > maxUsernameLen {
		return record{}, 0, false
	}
	total := 2 + userLen + fixedAfterLen
	if len(buf) < total {
		return record{}, 0, false
	}
	var rec record
	rec.username = string(buf[2 : 2+userLen])
	off := 2 + userLen
	copy(rec.sigPK[:], buf[off:off+primitives.SigPublicKeySize])
	off += primitives.SigPublicKeySize
	copy(rec.dhPK[:], buf[off:off+primitives.X25519Size])
	return rec, total, true
}

// leafDataLabel is the domain-separation prefix of spec §3's
// leaf_data: "mi_e2ee_kt_leaf_v1\0" || username || \0 || id_sig_pk ||
// id_dh_pk. It is distinct from the on-disk record encoding
// (recordBytes), which carries a length-prefixed username instead of
// the leaf hash's NUL-delimited framing.
var leafDataLabel = append([]byte("mi_e2ee_kt_leaf_v1"), 0x00)

func leafData(username string, sigPK, dhPK []byte) []byte {
	buf := make([]byte, 0, len(leafDataLabel)+len(username)+1+len(sigPK)+len(dhPK))
	buf = append(buf, leafDataLabel...)
	buf = append(buf, username...)
	buf = append(buf, 0x00)
	buf = append(buf, sigPK...)
	buf = append(buf, dhPK...)
	return buf
}

func leafHashFor(username string, sigPK, dhPK []byte) Hash32 {
	var prefixed bytes.Buffer
	prefixed.WriteByte(0x00)
	prefixed.Write(leafData(username, sigPK, dhPK))
	return primitives.SHA256(prefixed.Bytes())
}

// appendLeaf is the shared bookkeeping behind load() and
// UpdateIdentityKeys(): push the leaf hash, extend every pow2 level
// whose boundary the new tree size crosses, index the user, and
// refresh the cached root.
func (l *Log) appendLeaf(username string, sigPK, dhPK []byte) {
	lh := leafHashFor(username, sigPK, dhPK)
	l.leaves = append(l.leaves, lh)
	n := len(l.leaves)

	for lvl := 1; (1 << lvl) <= n; lvl++ {
		size := 1 << lvl
		if n%size != 0 {
			continue
		}
		for len(l.pow2Levels) < lvl {
			l.pow2Levels = append(l.pow2Levels, nil)
		}
		start := n - size
		root := l.subtreeHash(start, n)
		l.pow2Levels[lvl-1] = append(l.pow2Levels[lvl-1], root)
	}

	l.latestByUser[username] = Entry{LeafIndex: n - 1, LeafHash: lh}
	l.root = l.subtreeHash(0, n)
}

// UpdateIdentityKeys appends a new record for username if its keys
// changed from the last recorded entry, recomputing the root; if the
// leaf hash is unchanged it is a no-op (spec §4.5).
func (l *Log) UpdateIdentityKeys(username string, sigPK, dhPK []byte) error {
	if len(username) > maxUsernameLen {
		return fmt.Errorf("kt: username too long")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	newHash := leafHashFor(username, sigPK, dhPK)
	if existing, ok := l.latestByUser[username]; ok && existing.LeafHash == newHash {
		return nil
	}

	l.appendLeaf(username, sigPK, dhPK)
	return l.persistAppend(username, sigPK, dhPK)
}

// persistAppend appends one record to the on-disk log, writing the
// magic header first if the file is new.
func (l *Log) persistAppend(username string, sigPK, dhPK []byte) error {
	if l.path == "" {
		return nil
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("kt: opening log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("kt: stat log: %w", err)
	}
	if info.Size() == 0 {
		if _, err := f.WriteString(fileMagic); err != nil {
			return fmt.Errorf("kt: writing magic: %w", err)
		}
	}
	if _, err := f.Write(recordBytes(username, sigPK, dhPK)); err != nil {
		return fmt.Errorf("kt: writing record: %w", err)
	}
	return nil
}

// Head reports the current tree size and root.
func (l *Log) Head() (treeSize int, root Hash32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.leaves), l.root
}

// LatestEntry returns the most recent leaf recorded for username.
func (l *Log) LatestEntry(username string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.latestByUser[username]
	return e, ok
}

func isPow2(n int) bool { return n > 0 && n&(n-1) == 0 }

func largestPow2LessThan(n int) int {
	if n <= 1 {
		return 0
	}
	return 1 << (bits.Len(uint(n-1)) - 1)
}

// subtreeHash computes MTH(D[start:end)), consulting the cached
// pow2Levels root whenever [start, end) is an aligned power-of-two
// block, falling back to the standard RFC-6962 recursive split
// otherwise (spec §4.5: root is "recomputed ... via the standard
// RFC-6962 tree-hash recursion").
func (l *Log) subtreeHash(start, end int) Hash32 {
	n := end - start
	if n <= 0 {
		return primitives.SHA256()
	}
	if n == 1 {
		return l.leaves[start]
	}
	if isPow2(n) {
		level := bits.TrailingZeros(uint(n))
		idx := start / n
		if level-1 < len(l.pow2Levels) && idx < len(l.pow2Levels[level-1]) {
			return l.pow2Levels[level-1][idx]
		}
	}
	k := largestPow2LessThan(n)
	left := l.subtreeHash(start, start+k)
	right := l.subtreeHash(start+k, end)
	return nodeHash(left, right)
}

func nodeHash(left, right Hash32) Hash32 {
	var prefixed bytes.Buffer
	prefixed.WriteByte(0x01)
	prefixed.Write(left[:])
	prefixed.Write(right[:])
	return primitives.SHA256(prefixed.Bytes())
}

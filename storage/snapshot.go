package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"
	"os"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/klauspost/compress/snappy"
	"github.com/natefinch/atomic"
)

const (
	snapshotFileName    = "nendb.snapshot"
	snapshotTmpFileName = "nendb.snapshot.tmp"
	snapshotBakFileName = "nendb.snapshot.bak"
)

// snapshotFileHeaderSize covers magic(4)+version(2)+lastLSN(8)+payloadLen(8)+crc32(4).
// The crc32 covers the header fields before it (bytes 0..21) followed by the body.
const snapshotFileHeaderSize = 4 + 2 + 8 + 8 + 4

// WriteSnapshot serializes pools into <dir>/nendb.snapshot following the
// atomic lifecycle in spec §4.4: temp write+fsync, rotate any existing
// snapshot to .bak, rename temp into place, fsync the directory, then
// truncate the WAL to its header.
//
// The temp-write-then-rename step is delegated to natefinch/atomic, which
// implements exactly that primitive (write to a sibling temp file, fsync,
// rename); the .bak rotation and directory fsync are spec requirements
// beyond what that helper does on its own, so they are done explicitly here.
func WriteSnapshot(dir string, nodes *NodePool, edges *EdgePool, emb *EmbeddingPool, lastLSN uint64, wal *WAL, logger log.Logger) error {
	logger = newLogger(logger)

	payload := serializePools(nodes, edges, emb)
	compressed := snappy.Encode(nil, payload)
	useCompression := len(compressed) < len(payload)

	body := make([]byte, 1)
	if useCompression {
		body[0] = 1
		body = append(body, compressed...)
	} else {
		body[0] = 0
		body = append(body, payload...)
	}

	buf := make([]byte, snapshotFileHeaderSize+len(body))
	binary.LittleEndian.PutUint32(buf[0:4], walMagic)
	binary.LittleEndian.PutUint16(buf[4:6], walVersion)
	binary.LittleEndian.PutUint64(buf[6:14], lastLSN)
	binary.LittleEndian.PutUint64(buf[14:22], uint64(len(body)))
	copy(buf[snapshotFileHeaderSize:], body)
	crc := crc32.ChecksumIEEE(buf[:22])
	crc = crc32.Update(crc, crc32.IEEETable, buf[snapshotFileHeaderSize:])
	binary.LittleEndian.PutUint32(buf[22:26], crc)

	tmpPath := filepath.Join(dir, snapshotTmpFileName)
	finalPath := filepath.Join(dir, snapshotFileName)
	bakPath := filepath.Join(dir, snapshotBakFileName)

	if err := atomic.WriteFile(tmpPath, bytes.NewReader(buf)); err != nil {
		return fmt.Errorf("snapshot: write temp: %w", err)
	}

	if _, err := os.Stat(finalPath); err == nil {
		if err := os.Rename(finalPath, bakPath); err != nil {
			return fmt.Errorf("snapshot: rotate to .bak: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("snapshot: stat existing: %w", err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("snapshot: rename into place: %w", err)
	}
	if err := fsyncDir(finalPath); err != nil {
		return fmt.Errorf("snapshot: fsync dir: %w", err)
	}

	if wal != nil {
		if err := wal.TruncateToHeader(); err != nil {
			return fmt.Errorf("snapshot: truncate wal: %w", err)
		}
	}

	level.Info(logger).Log("msg", "snapshot committed", "path", finalPath, "last_lsn", lastLSN, "bytes", len(buf))
	return nil
}

// RestoreSnapshot loads nendb.snapshot, falling back to nendb.snapshot.bak on
// CRC failure, and to empty pools with lastLSN=0 if both are unusable (spec
// §4.4 Restore).
func RestoreSnapshot(dir string, nodeCap, edgeCap, embCap uint32, logger log.Logger) (*NodePool, *EdgePool, *EmbeddingPool, uint64, error) {
	logger = newLogger(logger)

	nodes := NewNodePool(nodeCap)
	edges := NewEdgePool(edgeCap)
	emb := NewEmbeddingPool(embCap)

	finalPath := filepath.Join(dir, snapshotFileName)
	bakPath := filepath.Join(dir, snapshotBakFileName)

	if lastLSN, ok := tryLoadSnapshot(finalPath, nodes, edges, emb); ok {
		return nodes, edges, emb, lastLSN, nil
	}
	level.Warn(logger).Log("msg", "primary snapshot unusable, trying backup", "path", finalPath)

	// Reset pools: a partially-applied failed attempt must not leak state.
	nodes = NewNodePool(nodeCap)
	edges = NewEdgePool(edgeCap)
	emb = NewEmbeddingPool(embCap)

	if lastLSN, ok := tryLoadSnapshot(bakPath, nodes, edges, emb); ok {
		return nodes, edges, emb, lastLSN, nil
	}

	level.Warn(logger).Log("msg", "no usable snapshot, starting from empty pools")
	return NewNodePool(nodeCap), NewEdgePool(edgeCap), NewEmbeddingPool(embCap), 0, nil
}

func tryLoadSnapshot(path string, nodes *NodePool, edges *EdgePool, emb *EmbeddingPool) (uint64, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	if len(data) < snapshotFileHeaderSize {
		return 0, false
	}
	magic := binary.LittleEndian.Uint32(data[0:4])
	version := binary.LittleEndian.Uint16(data[4:6])
	if magic != walMagic || version != walVersion {
		return 0, false
	}
	lastLSN := binary.LittleEndian.Uint64(data[6:14])
	payloadLen := binary.LittleEndian.Uint64(data[14:22])
	storedCRC := binary.LittleEndian.Uint32(data[22:26])

	body := data[snapshotFileHeaderSize:]
	if uint64(len(body)) != payloadLen {
		return 0, false
	}
	crc := crc32.ChecksumIEEE(data[:22])
	crc = crc32.Update(crc, crc32.IEEETable, body)
	if crc != storedCRC {
		return 0, false
	}
	if len(body) < 1 {
		return 0, false
	}

	payload := body[1:]
	if body[0] == 1 {
		decoded, err := snappy.Decode(nil, payload)
		if err != nil {
			return 0, false
		}
		payload = decoded
	}

	if !deserializePools(payload, nodes, edges, emb) {
		return 0, false
	}
	return lastLSN, true
}

// serializePools encodes all live slots in slot-index order: node count,
// then (id,kind,props) per node; edge count, then (from,to,label,props) per
// edge; embedding count, then (nodeID,vector) per embedding.
func serializePools(nodes *NodePool, edges *EdgePool, emb *EmbeddingPool) []byte {
	var buf bytes.Buffer

	writeUint32(&buf, nodes.Count())
	for i := uint32(0); i < nodes.Count(); i++ {
		id, kind, props := nodes.At(i)
		writeUint64(&buf, id)
		buf.WriteByte(kind)
		buf.Write(props)
	}

	writeUint32(&buf, edges.Count())
	for i := uint32(0); i < edges.Count(); i++ {
		from, to, label, props := edges.At(i)
		writeUint64(&buf, from)
		writeUint64(&buf, to)
		writeUint16(&buf, label)
		buf.Write(props)
	}

	writeUint32(&buf, emb.Count())
	for i := uint32(0); i < emb.Count(); i++ {
		id := emb.nodeIDs[i]
		writeUint64(&buf, id)
		vecBytes := make([]byte, EmbDim*4)
		off := uint64(i) * uint64(EmbDim)
		for j := 0; j < EmbDim; j++ {
			binary.LittleEndian.PutUint32(vecBytes[j*4:], math.Float32bits(emb.vectors[off+uint64(j)]))
		}
		buf.Write(vecBytes)
	}

	return buf.Bytes()
}

// deserializePools hydrates pools from a serializePools payload, returning
// false if the payload is too short or exceeds pool capacity.
func deserializePools(data []byte, nodes *NodePool, edges *EdgePool, emb *EmbeddingPool) bool {
	r := bytes.NewReader(data)

	nodeCount, ok := readUint32(r)
	if !ok {
		return false
	}
	for i := uint32(0); i < nodeCount; i++ {
		id, ok1 := readUint64(r)
		kind, ok2 := r.ReadByte()
		props := make([]byte, NProps)
		n, err := r.Read(props)
		if !ok1 || ok2 != nil || err != nil || n != NProps {
			return false
		}
		if _, err := nodes.Insert(id, kind, props); err != nil {
			return false
		}
	}

	edgeCount, ok := readUint32(r)
	if !ok {
		return false
	}
	for i := uint32(0); i < edgeCount; i++ {
		from, ok1 := readUint64(r)
		to, ok2 := readUint64(r)
		label, ok3 := readUint16(r)
		props := make([]byte, NEProps)
		n, err := r.Read(props)
		if !ok1 || !ok2 || !ok3 || err != nil || n != NEProps {
			return false
		}
		if _, err := edges.Insert(from, to, label, props); err != nil {
			return false
		}
	}

	embCount, ok := readUint32(r)
	if !ok {
		return false
	}
	for i := uint32(0); i < embCount; i++ {
		id, ok1 := readUint64(r)
		vecBytes := make([]byte, EmbDim*4)
		n, err := r.Read(vecBytes)
		if !ok1 || err != nil || n != EmbDim*4 {
			return false
		}
		vec := make([]float32, EmbDim)
		for j := 0; j < EmbDim; j++ {
			vec[j] = math.Float32frombits(binary.LittleEndian.Uint32(vecBytes[j*4:]))
		}
		if _, err := emb.Insert(id, vec); err != nil {
			return false
		}
	}

	return true
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func readUint32(r *bytes.Reader) (uint32, bool) {
	var b [4]byte
	if n, err := r.Read(b[:]); err != nil || n != 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b[:]), true
}

func readUint64(r *bytes.Reader) (uint64, bool) {
	var b [8]byte
	if n, err := r.Read(b[:]); err != nil || n != 8 {
		return 0, false
	}
	return binary.LittleEndian.Uint64(b[:]), true
}

func readUint16(r *bytes.Reader) (uint16, bool) {
	var b [2]byte
	if n, err := r.Read(b[:]); err != nil || n != 2 {
		return 0, false
	}
	return binary.LittleEndian.Uint16(b[:]), true
}

package vectorstore

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/gob"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/fyrsmithlabs/recall/internal/metadata"
)

// Artifact names inside a collection directory.
const (
	indexFile   = "index.vec"
	sidecarFile = "records.gob"
	summaryFile = "summary.json"
)

// Index file layout, little endian:
//
//	magic "RCLV" | version u16 | metric u8 | reserved u8 | dim u32 |
//	count u64 | generation u64 | count*dim f32 | crc32 (IEEE) u32
//
// The checksum covers every byte before it.
var indexMagic = [4]byte{'R', 'C', 'L', 'V'}

const (
	indexVersion    = 1
	indexHeaderSize = 4 + 2 + 1 + 1 + 4 + 8 + 8
	maxIndexDim     = 1 << 16
)

// storedRecord is one chunk's content and metadata, kept at the same
// position as its vector.
type storedRecord struct {
	ChunkID  string
	Content  string
	Metadata metadata.Record
}

// sidecar is the gob payload of records.gob.
type sidecar struct {
	Generation uint64
	Dimension  int
	Records    []storedRecord
	Positions  map[string]int
}

// Summary is the human-readable description written next to the index.
type Summary struct {
	Dimension     int       `json:"dimension"`
	DocumentCount int       `json:"document_count"`
	VectorCount   int       `json:"vector_count"`
	LastUpdated   time.Time `json:"last_updated"`
	Generation    uint64    `json:"generation"`
	Metric        Metric    `json:"metric"`
	Backend       string    `json:"backend"`
}

type indexData struct {
	metric     Metric
	dim        int
	count      int
	generation uint64
	data       []float32
}

func metricByte(m Metric) byte {
	if m == MetricDot {
		return 1
	}
	return 0
}

func metricFromByte(b byte) (Metric, error) {
	switch b {
	case 0:
		return MetricCosine, nil
	case 1:
		return MetricDot, nil
	}
	return "", fmt.Errorf("%w: unknown metric tag %d", ErrIndexCorruption, b)
}

func encodeIndex(w io.Writer, idx indexData) error {
	h := crc32.NewIEEE()
	bw := bufio.NewWriter(io.MultiWriter(w, h))

	var hdr [indexHeaderSize]byte
	copy(hdr[0:4], indexMagic[:])
	binary.LittleEndian.PutUint16(hdr[4:6], indexVersion)
	hdr[6] = metricByte(idx.metric)
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(idx.dim))
	binary.LittleEndian.PutUint64(hdr[12:20], uint64(idx.count))
	binary.LittleEndian.PutUint64(hdr[20:28], idx.generation)
	if _, err := bw.Write(hdr[:]); err != nil {
		return err
	}

	var buf [4]byte
	for _, f := range idx.data {
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(f))
		if _, err := bw.Write(buf[:]); err != nil {
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		return err
	}

	binary.LittleEndian.PutUint32(buf[:], h.Sum32())
	_, err := w.Write(buf[:])
	return err
}

func decodeIndex(raw []byte) (indexData, error) {
	var idx indexData
	if len(raw) < indexHeaderSize+4 {
		return idx, fmt.Errorf("%w: index truncated at %d bytes", ErrIndexCorruption, len(raw))
	}
	body, trailer := raw[:len(raw)-4], raw[len(raw)-4:]
	if crc32.ChecksumIEEE(body) != binary.LittleEndian.Uint32(trailer) {
		return idx, fmt.Errorf("%w: index checksum mismatch", ErrIndexCorruption)
	}
	if !bytes.Equal(body[0:4], indexMagic[:]) {
		return idx, fmt.Errorf("%w: bad index magic", ErrIndexCorruption)
	}
	if v := binary.LittleEndian.Uint16(body[4:6]); v != indexVersion {
		return idx, fmt.Errorf("%w: unsupported index version %d", ErrIndexCorruption, v)
	}
	metric, err := metricFromByte(body[6])
	if err != nil {
		return idx, err
	}
	dim := binary.LittleEndian.Uint32(body[8:12])
	count := binary.LittleEndian.Uint64(body[12:20])
	if dim == 0 || dim > maxIndexDim {
		return idx, fmt.Errorf("%w: implausible dimension %d", ErrIndexCorruption, dim)
	}
	payload := body[indexHeaderSize:]
	if uint64(len(payload)) != count*uint64(dim)*4 {
		return idx, fmt.Errorf("%w: index holds %d payload bytes, header claims %d vectors of %d", ErrIndexCorruption, len(payload), count, dim)
	}

	idx = indexData{
		metric:     metric,
		dim:        int(dim),
		count:      int(count),
		generation: binary.LittleEndian.Uint64(body[20:28]),
		data:       make([]float32, len(payload)/4),
	}
	for i := range idx.data {
		idx.data[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[i*4:]))
	}
	return idx, nil
}

func readIndex(path string) (indexData, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return indexData{}, err
	}
	return decodeIndex(raw)
}

func readSidecar(path string) (sidecar, error) {
	var sc sidecar
	f, err := os.Open(path)
	if err != nil {
		return sc, err
	}
	defer f.Close()

	if err := gob.NewDecoder(bufio.NewReader(f)).Decode(&sc); err != nil {
		return sidecar{}, fmt.Errorf("%w: decoding sidecar: %v", ErrIndexCorruption, err)
	}
	if len(sc.Positions) != len(sc.Records) {
		return sidecar{}, fmt.Errorf("%w: sidecar has %d records but %d positions", ErrIndexCorruption, len(sc.Records), len(sc.Positions))
	}
	for i, r := range sc.Records {
		if sc.Positions[r.ChunkID] != i {
			return sidecar{}, fmt.Errorf("%w: sidecar position map disagrees at %d", ErrIndexCorruption, i)
		}
	}
	return sc, nil
}

// writeFileAtomic writes through a temp file in the same directory, fsyncs
// it and renames it over path.
func writeFileAtomic(path string, write func(w io.Writer) error) error {
	tmpPath := path + ".tmp." + randomSuffix()
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Base(tmpPath), err)
	}

	if err := write(f); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing %s: %w", filepath.Base(path), err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("finalizing %s: %w", filepath.Base(path), err)
	}
	return nil
}

func randomSuffix() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// quarantine moves a corrupt artifact aside as <name>.<label>-<unix> so it
// is never read again but remains available for inspection.
func quarantine(path, label string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	dst := fmt.Sprintf("%s.%s-%d", path, label, timeNow().Unix())
	if err := os.Rename(path, dst); err != nil {
		return "", err
	}
	return dst, nil
}

func writeSummary(path string, s Summary) error {
	return writeFileAtomic(path, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	})
}

// ReadSummary loads summary.json from a collection directory.
func ReadSummary(dir string) (*Summary, error) {
	raw, err := os.ReadFile(filepath.Join(dir, summaryFile))
	if err != nil {
		return nil, err
	}
	var s Summary
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("%w: summary: %v", ErrIndexCorruption, err)
	}
	return &s, nil
}

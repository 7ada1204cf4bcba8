package vector

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/x448/float16"
	"go.uber.org/zap"
)

// Side-file layout (little endian):
//
//	magic "RVEC" | version u8 | dim u32
//	per record: idLen u16 | id | acctLen u16 | acct | dim x f16
//
// Vectors are stored as IEEE half floats; unit-norm components round-trip
// well within the 1e-3 relative tolerance the engine requires.
const (
	sidefileMagic   = "RVEC"
	sidefileVersion = 1
)

// Save writes the index to path atomically (write temp, rename).
func (ix *Index) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create index directory: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create index side-file: %w", err)
	}
	w := bufio.NewWriter(f)

	ix.mu.RLock()
	err = ix.writeTo(w)
	ix.mu.RUnlock()

	if err == nil {
		err = w.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write index side-file: %w", err)
	}
	return os.Rename(tmp, path)
}

func (ix *Index) writeTo(w io.Writer) error {
	if _, err := w.Write([]byte(sidefileMagic)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint8(sidefileVersion)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(ix.dim)); err != nil {
		return err
	}

	for id, e := range ix.entries {
		if err := writeString(w, id); err != nil {
			return err
		}
		if err := writeString(w, e.accountKey); err != nil {
			return err
		}
		for _, x := range e.vec {
			if err := binary.Write(w, binary.LittleEndian, float16.Fromfloat32(x).Bits()); err != nil {
				return err
			}
		}
	}
	return nil
}

// Load replaces the index contents from a side-file. A missing file is not
// an error (the caller rebuilds from storage); a corrupt or mismatched file
// is discarded with a warning and resets the index empty.
func (ix *Index) Load(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to open index side-file: %w", err)
	}
	defer f.Close()

	entries, err := ix.readFrom(bufio.NewReader(f))
	if err != nil {
		ix.logger.Warn("discarding corrupt vector side-file",
			zap.String("path", path), zap.Error(err))
		ix.mu.Lock()
		ix.entries = make(map[string]entry)
		ix.mu.Unlock()
		return 0, nil
	}

	ix.mu.Lock()
	ix.entries = entries
	ix.mu.Unlock()
	return len(entries), nil
}

func (ix *Index) readFrom(r io.Reader) (map[string]entry, error) {
	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, fmt.Errorf("short header: %w", err)
	}
	if string(magic) != sidefileMagic {
		return nil, fmt.Errorf("bad magic %q", magic)
	}
	var version uint8
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, err
	}
	if version != sidefileVersion {
		return nil, fmt.Errorf("unsupported side-file version %d", version)
	}
	var dim uint32
	if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
		return nil, err
	}
	if int(dim) != ix.dim {
		return nil, fmt.Errorf("side-file dimension %d, index expects %d", dim, ix.dim)
	}

	entries := make(map[string]entry)
	for {
		id, err := readString(r)
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			return nil, err
		}
		acct, err := readString(r)
		if err != nil {
			return nil, err
		}
		vec := make([]float32, ix.dim)
		for i := range vec {
			var bits uint16
			if err := binary.Read(r, binary.LittleEndian, &bits); err != nil {
				return nil, err
			}
			vec[i] = float16.Frombits(bits).Float32()
		}
		entries[id] = entry{accountKey: acct, vec: vec}
	}
}

func writeString(w io.Writer, s string) error {
	if len(s) > 0xFFFF {
		return fmt.Errorf("string too long for side-file: %d", len(s))
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(len(s))); err != nil {
		return err
	}
	_, err := w.Write([]byte(s))
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return "", fmt.Errorf("truncated string: %w", err)
		}
		return "", err
	}
	return string(buf), nil
}

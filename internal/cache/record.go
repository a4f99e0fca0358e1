package cache

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"

	"github.com/any-hub/hub-mirror/internal/repo"
)

// record 是条目在索引中的持久化形式；分块摘要单独存放在 chunk 键下，避免每次写入重写全部摘要。
type record struct {
	Descriptor  repo.FileDescriptor `cbor:"fd"`
	Generation  string              `cbor:"gen"`
	ChunkSize   int64               `cbor:"cs"`
	Bitmap      []byte              `cbor:"bm"`
	BytesCached int64               `cbor:"bytes"`
	LastAccess  int64               `cbor:"atime"`
	AccessCount int64               `cbor:"hits"`
	AccessSeq   uint64              `cbor:"seq"`
	CreatedAt   int64               `cbor:"ctime"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encOptions := cbor.CoreDetEncOptions()
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("cache: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("cache: CBOR decoder initialization failed: " + err.Error())
	}
}

// generationOf 由指纹与大小派生载荷文件的代号，不同内容代互不覆盖。
func generationOf(fd repo.FileDescriptor) string {
	sum := blake3.Sum256([]byte(fd.Fingerprint + "\x00" + strconv.FormatInt(fd.TotalSize, 10)))
	return hex.EncodeToString(sum[:8])
}

const (
	recordPrefix = "e/"
	chunkPrefix  = "c/"
)

func recordKey(key string) []byte {
	return []byte(recordPrefix + key)
}

func chunkKeyPrefix(key string) []byte {
	return []byte(chunkPrefix + key + "\x00")
}

func chunkKey(key string, index int) []byte {
	prefix := chunkKeyPrefix(key)
	out := make([]byte, len(prefix)+4)
	copy(out, prefix)
	binary.BigEndian.PutUint32(out[len(prefix):], uint32(index))
	return out
}

// index wraps the badger database holding entry records and chunk digests.
type index struct {
	db *badger.DB
}

func openIndex(dir string) (*index, error) {
	opts := badger.DefaultOptions(dir).
		WithLogger(nil).
		WithSyncWrites(false).
		WithValueLogFileSize(64 << 20)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open cache index: %w", err)
	}
	return &index{db: db}, nil
}

func (ix *index) close() error {
	return ix.db.Close()
}

// put 写入条目记录；若索引中已是另一代的记录则放弃写入（旧代写入者落后于重建）。
func (ix *index) put(key string, rec record) error {
	return ix.update(func(txn *badger.Txn) error {
		if superseded(txn, key, rec.Generation) {
			return nil
		}
		return setRecord(txn, key, rec)
	})
}

// putChunk 在同一事务中更新记录与分块摘要。
func (ix *index) putChunk(key string, rec record, chunk int, digest [32]byte) error {
	return ix.update(func(txn *badger.Txn) error {
		if superseded(txn, key, rec.Generation) {
			return nil
		}
		if err := setRecord(txn, key, rec); err != nil {
			return err
		}
		return txn.Set(chunkKey(key, chunk), digest[:])
	})
}

// replace 删除旧记录与全部分块摘要，再写入新一代记录。
func (ix *index) replace(key string, rec record) error {
	return ix.update(func(txn *badger.Txn) error {
		if err := deletePrefixed(txn, key); err != nil {
			return err
		}
		return setRecord(txn, key, rec)
	})
}

func (ix *index) remove(key string) error {
	return ix.update(func(txn *badger.Txn) error {
		return deletePrefixed(txn, key)
	})
}

// update 在 SSI 冲突时重试，badger 对并发读写同一键的事务返回 ErrConflict。
func (ix *index) update(fn func(txn *badger.Txn) error) error {
	for {
		err := ix.db.Update(fn)
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		return err
	}
}

// loadAll 读取全部记录及其分块摘要。
func (ix *index) loadAll() (map[string]record, map[string]map[int][32]byte, error) {
	records := make(map[string]record)
	digests := make(map[string]map[int][32]byte)

	err := ix.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(recordPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := string(item.KeyCopy(nil)[len(prefix):])
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			var rec record
			if err := decMode.Unmarshal(raw, &rec); err != nil {
				return fmt.Errorf("decode record %s: %w", key, err)
			}
			records[key] = rec
		}

		cprefix := []byte(chunkPrefix)
		for it.Seek(cprefix); it.ValidForPrefix(cprefix); it.Next() {
			item := it.Item()
			raw := item.KeyCopy(nil)[len(cprefix):]
			if len(raw) < 5 {
				continue
			}
			key := string(raw[:len(raw)-5])
			chunk := int(binary.BigEndian.Uint32(raw[len(raw)-4:]))
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			var digest [32]byte
			copy(digest[:], value)
			if digests[key] == nil {
				digests[key] = make(map[int][32]byte)
			}
			digests[key][chunk] = digest
		}
		return nil
	})
	return records, digests, err
}

func setRecord(txn *badger.Txn, key string, rec record) error {
	raw, err := encMode.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", key, err)
	}
	return txn.Set(recordKey(key), raw)
}

func superseded(txn *badger.Txn, key, generation string) bool {
	item, err := txn.Get(recordKey(key))
	if err != nil {
		return false
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return false
	}
	var current record
	if err := decMode.Unmarshal(raw, &current); err != nil {
		return false
	}
	return current.Generation != generation
}

func deletePrefixed(txn *badger.Txn, key string) error {
	if err := txn.Delete(recordKey(key)); err != nil {
		return err
	}
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	var doomed [][]byte
	prefix := chunkKeyPrefix(key)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		doomed = append(doomed, it.Item().KeyCopy(nil))
	}
	it.Close()
	for _, k := range doomed {
		if err := txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

package types

import (
	"encoding/base64"
	"encoding/binary"

	sf "github.com/tinode/snowflake"
	"golang.org/x/crypto/xtea"
)

// UidGenerator holds snowflake and encryption parameters. Raw snowflake
// output is monotonic; the XTEA pass makes issued ids random-looking so
// record counts cannot be estimated from ids.
type UidGenerator struct {
	seq    *sf.SnowFlake
	cipher *xtea.Cipher
}

// Init initializes the Uid generator.
func (ug *UidGenerator) Init(workerID uint, key []byte) error {
	var err error

	if ug.seq == nil {
		ug.seq, err = sf.NewSnowFlake(uint32(workerID))
	}
	if ug.cipher == nil {
		ug.cipher, err = xtea.NewCipher(key)
	}

	return err
}

// Get generates a unique id.
func (ug *UidGenerator) Get() Uid {
	buf, err := ug.nextIdBuffer()
	if err != nil {
		return ZeroUid
	}
	return Uid(binary.LittleEndian.Uint64(buf))
}

// GetStr generates a unique id and returns it as a base64 string.
func (ug *UidGenerator) GetStr() string {
	buf, err := ug.nextIdBuffer()
	if err != nil {
		return ""
	}
	return base64.URLEncoding.EncodeToString(buf)[:uidBase64Unpadded]
}

func (ug *UidGenerator) nextIdBuffer() ([]byte, error) {
	id, err := ug.seq.Next()
	if err != nil {
		return nil, err
	}

	src := make([]byte, 8)
	dst := make([]byte, 8)
	binary.LittleEndian.PutUint64(src, id)
	ug.cipher.Encrypt(dst, src)

	return dst, nil
}

package escrow

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	xerrors "basilisk-escrow/internal/errors"
)

// 固定长度的任务记录布局（小端序）：
//
//	id           u32 长度 + 36 字节
//	requester    20 字节
//	agent        20 字节
//	asset        20 字节
//	amount       u64
//	description  u32 长度 + 200 字节
//	status       u8
//	created_at   i64
//	deadline     i64
//	deliverable  u32 长度 + 500 字节
//	disputed     u8
//	rating       u8
const (
	lengthPrefixSize = 4

	JobRecordSize = lengthPrefixSize + MaxJobIDLen +
		3*common.AddressLength +
		8 +
		lengthPrefixSize + MaxDescriptionLen +
		1 + 8 + 8 +
		lengthPrefixSize + MaxDeliverableLen +
		1 + 1

	ConfigRecordSize = 2 * common.AddressLength
)

// EncodeJob 将任务序列化为 JobRecordSize 字节的定长记录。
func EncodeJob(job *Job) ([]byte, error) {
	if job == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "job is nil")
	}
	if err := ValidateJobID(job.ID); err != nil {
		return nil, err
	}
	if err := validateDescription(job.Description); err != nil {
		return nil, err
	}
	if err := validateDeliverable(job.Deliverable); err != nil {
		return nil, err
	}
	if !job.Status.Valid() {
		return nil, xerrors.New(xerrors.CodeCorruptRecord, fmt.Sprintf("invalid status %d", job.Status))
	}

	w := recordWriter{buf: make([]byte, JobRecordSize)}
	w.putString(job.ID, MaxJobIDLen)
	w.putAddress(job.Requester)
	w.putAddress(job.Agent)
	w.putAddress(job.Asset)
	w.putUint64(job.Amount)
	w.putString(job.Description, MaxDescriptionLen)
	w.putUint8(uint8(job.Status))
	w.putUint64(uint64(job.CreatedAt))
	w.putUint64(uint64(job.Deadline))
	w.putString(job.Deliverable, MaxDeliverableLen)
	w.putBool(job.Disputed)
	w.putUint8(job.Rating)
	return w.buf, nil
}

// DecodeJob 解析定长任务记录，并校验长度前缀与枚举取值。
func DecodeJob(data []byte) (*Job, error) {
	if len(data) != JobRecordSize {
		return nil, corrupt("job record has %d bytes, want %d", len(data), JobRecordSize)
	}
	r := recordReader{buf: data}
	job := &Job{}
	job.ID = r.string(MaxJobIDLen, "id")
	job.Requester = r.address()
	job.Agent = r.address()
	job.Asset = r.address()
	job.Amount = r.uint64()
	job.Description = r.string(MaxDescriptionLen, "description")
	job.Status = Status(r.uint8())
	job.CreatedAt = int64(r.uint64())
	job.Deadline = int64(r.uint64())
	job.Deliverable = r.string(MaxDeliverableLen, "deliverable")
	job.Disputed = r.bool("disputed")
	job.Rating = r.uint8()
	if r.err != nil {
		return nil, r.err
	}
	if !job.Status.Valid() {
		return nil, corrupt("invalid status %d", job.Status)
	}
	if job.Rating > MaxRating {
		return nil, corrupt("invalid rating %d", job.Rating)
	}
	return job, nil
}

// EncodeConfig 序列化全局配置。
func EncodeConfig(cfg ProgramConfig) []byte {
	w := recordWriter{buf: make([]byte, ConfigRecordSize)}
	w.putAddress(cfg.Admin)
	w.putAddress(cfg.Arbitrator)
	return w.buf
}

// DecodeConfig 解析全局配置记录。
func DecodeConfig(data []byte) (ProgramConfig, error) {
	if len(data) != ConfigRecordSize {
		return ProgramConfig{}, corrupt("config record has %d bytes, want %d", len(data), ConfigRecordSize)
	}
	r := recordReader{buf: data}
	return ProgramConfig{Admin: r.address(), Arbitrator: r.address()}, nil
}

func corrupt(format string, args ...any) error {
	return xerrors.New(xerrors.CodeCorruptRecord, fmt.Sprintf(format, args...))
}

type recordWriter struct {
	buf []byte
	off int
}

// putString 写入长度前缀与内容，剩余空间保持零填充。
func (w *recordWriter) putString(s string, max int) {
	binary.LittleEndian.PutUint32(w.buf[w.off:], uint32(len(s)))
	w.off += lengthPrefixSize
	copy(w.buf[w.off:w.off+max], s)
	w.off += max
}

func (w *recordWriter) putAddress(a common.Address) {
	copy(w.buf[w.off:], a.Bytes())
	w.off += common.AddressLength
}

func (w *recordWriter) putUint64(v uint64) {
	binary.LittleEndian.PutUint64(w.buf[w.off:], v)
	w.off += 8
}

func (w *recordWriter) putUint8(v uint8) {
	w.buf[w.off] = v
	w.off++
}

func (w *recordWriter) putBool(v bool) {
	if v {
		w.putUint8(1)
		return
	}
	w.putUint8(0)
}

type recordReader struct {
	buf []byte
	off int
	err error
}

func (r *recordReader) string(max int, field string) string {
	if r.err != nil {
		return ""
	}
	n := int(binary.LittleEndian.Uint32(r.buf[r.off:]))
	r.off += lengthPrefixSize
	if n > max {
		r.err = corrupt("%s length %d exceeds %d", field, n, max)
		return ""
	}
	s := string(r.buf[r.off : r.off+n])
	r.off += max
	return s
}

func (r *recordReader) address() common.Address {
	a := common.BytesToAddress(r.buf[r.off : r.off+common.AddressLength])
	r.off += common.AddressLength
	return a
}

func (r *recordReader) uint64() uint64 {
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

func (r *recordReader) uint8() uint8 {
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *recordReader) bool(field string) bool {
	v := r.uint8()
	if v > 1 && r.err == nil {
		r.err = corrupt("%s flag has value %d", field, v)
	}
	return v == 1
}

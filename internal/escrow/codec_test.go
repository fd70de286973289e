package escrow

import (
	"encoding/binary"
	stdErrors "errors"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	xerrors "basilisk-escrow/internal/errors"
)

func sampleJob() *Job {
	return &Job{
		ID:          "3f1c5b8e-8d1a-4c55-9f4e-2b7f0c9d1a22",
		Requester:   common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Agent:       common.HexToAddress("0x2222222222222222222222222222222222222222"),
		Asset:       common.HexToAddress("0x3333333333333333333333333333333333333333"),
		Amount:      ^uint64(0),
		Description: "summarize quarterly filings",
		Deliverable: "ipfs://bafy | REJECTED: incomplete",
		Status:      StatusDisputed,
		CreatedAt:   1_700_000_000,
		Deadline:    1_700_000_000 + 255*SecondsPerDay,
		Disputed:    true,
		Rating:      0,
	}
}

func TestJobRecordSize(t *testing.T) {
	if JobRecordSize != 835 {
		t.Fatalf("unexpected job record size %d", JobRecordSize)
	}
	if ConfigRecordSize != 40 {
		t.Fatalf("unexpected config record size %d", ConfigRecordSize)
	}
}

func TestEncodeDecodeJob(t *testing.T) {
	job := sampleJob()
	record, err := EncodeJob(job)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(record) != JobRecordSize {
		t.Fatalf("record length %d", len(record))
	}
	if got := binary.LittleEndian.Uint32(record); got != uint32(len(job.ID)) {
		t.Fatalf("id prefix %d", got)
	}

	decoded, err := DecodeJob(record)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if *decoded != *job {
		t.Fatalf("decoded job differs:\n got %+v\nwant %+v", decoded, job)
	}
}

func TestEncodeZeroPadsUnusedSpace(t *testing.T) {
	job := sampleJob()
	job.ID = "a"
	record, err := EncodeJob(job)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	for i := lengthPrefixSize + 1; i < lengthPrefixSize+MaxJobIDLen; i++ {
		if record[i] != 0 {
			t.Fatalf("byte %d not zero padded", i)
		}
	}
}

func TestEncodeRejectsOversizedFields(t *testing.T) {
	job := sampleJob()
	job.Deliverable = strings.Repeat("x", MaxDeliverableLen+1)
	if _, err := EncodeJob(job); !stdErrors.Is(err, ErrDeliverableTooLong) {
		t.Fatalf("expected deliverable too long, got %v", err)
	}
}

func TestDecodeRejectsCorruptRecords(t *testing.T) {
	record, err := EncodeJob(sampleJob())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	if _, err := DecodeJob(record[:len(record)-1]); xerrors.CodeOf(err) != xerrors.CodeCorruptRecord {
		t.Fatalf("short record: expected corrupt, got %v", err)
	}

	overlong := append([]byte(nil), record...)
	binary.LittleEndian.PutUint32(overlong, MaxJobIDLen+1)
	if _, err := DecodeJob(overlong); xerrors.CodeOf(err) != xerrors.CodeCorruptRecord {
		t.Fatalf("overlong prefix: expected corrupt, got %v", err)
	}

	badStatus := append([]byte(nil), record...)
	statusOffset := lengthPrefixSize + MaxJobIDLen + 3*common.AddressLength + 8 + lengthPrefixSize + MaxDescriptionLen
	badStatus[statusOffset] = 42
	if _, err := DecodeJob(badStatus); xerrors.CodeOf(err) != xerrors.CodeCorruptRecord {
		t.Fatalf("bad status: expected corrupt, got %v", err)
	}
}

func TestConfigRecord(t *testing.T) {
	cfg := ProgramConfig{
		Admin:      common.HexToAddress("0xaaaa000000000000000000000000000000000001"),
		Arbitrator: common.HexToAddress("0xbbbb000000000000000000000000000000000002"),
	}
	decoded, err := DecodeConfig(EncodeConfig(cfg))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded != cfg {
		t.Fatalf("config mismatch: %+v", decoded)
	}
	if _, err := DecodeConfig(make([]byte, 39)); err == nil {
		t.Fatalf("expected error for short config record")
	}
}

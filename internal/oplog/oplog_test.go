package oplog

import (
	"path/filepath"
	"testing"

	"vpnfleet/internal/model"
)

func TestAppendRead_RoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "fleet", "operations.csv")
	log := New(path)

	op := model.NewOperation("home", "check_status")
	op.Details = map[string]string{"vpn": "up", "clients": "3"}
	op.Complete(model.OpSuccess, "online")
	if err := log.Append(op); err != nil {
		t.Fatalf("Append: %v", err)
	}

	second := model.NewOperation("replica1", "push_config")
	second.Complete(model.OpFailure, "unreachable")
	if err := log.Append(second); err != nil {
		t.Fatalf("Append: %v", err)
	}

	ops, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("len=%d", len(ops))
	}
	if ops[0].ServerName != "home" || ops[0].Status != model.OpSuccess || ops[0].Message != "online" {
		t.Fatalf("first record: %+v", ops[0])
	}
	if ops[1].ServerName != "replica1" || ops[1].Status != model.OpFailure {
		t.Fatalf("second record: %+v", ops[1])
	}
	if ops[0].CompletedAt.IsZero() || ops[0].CompletedAt.Before(ops[0].StartedAt) {
		t.Fatalf("timestamps: %+v", ops[0])
	}
}

func TestAppend_DisabledLogIsNoop(t *testing.T) {
	t.Parallel()

	log := New("")
	op := model.NewOperation("home", "check_status")
	if err := log.Append(op); err != nil {
		t.Fatalf("Append on disabled log: %v", err)
	}

	var nilLog *Log
	if err := nilLog.Append(op); err != nil {
		t.Fatalf("Append on nil log: %v", err)
	}
}

func TestEncodeDetails_Deterministic(t *testing.T) {
	t.Parallel()

	got := encodeDetails(map[string]string{"b": "2", "a": "1"})
	if got != "a=1;b=2" {
		t.Fatalf("encodeDetails=%q", got)
	}
	if encodeDetails(nil) != "" {
		t.Fatalf("empty details must encode empty")
	}
}

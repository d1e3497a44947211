// Copyright 2025 Certen Protocol

package statsledger

import (
	"testing"

	"github.com/certen/coordinator/pkg/identity"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	keys, err := identity.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	return New("coord-a", keys, nil, nil)
}

func TestSignCheckpoint_CommitsOnlyAtThreshold(t *testing.T) {
	l := newTestLedger(t)
	const known = 5 // floor(5/2)+1 = 3

	shouldCommit, already := l.SignCheckpoint("cp-1", known)
	if already {
		t.Fatal("first signature must not be reported as already signed")
	}
	if shouldCommit {
		t.Fatal("1 of 3 required signatures must not reach quorum")
	}

	if shouldCommit := l.RecordRemoteSignature("cp-1", "coord-b", known); shouldCommit {
		t.Fatal("2 of 3 required signatures must not reach quorum")
	}

	if shouldCommit := l.RecordRemoteSignature("cp-1", "coord-c", known); !shouldCommit {
		t.Fatal("3rd distinct signature must newly reach quorum (floor(5/2)+1 = 3)")
	}
}

func TestSignCheckpoint_DuplicateSelfSignatureIgnored(t *testing.T) {
	l := newTestLedger(t)

	if _, already := l.SignCheckpoint("cp-1", 5); already {
		t.Fatal("first call must not be reported as already signed")
	}
	if _, already := l.SignCheckpoint("cp-1", 5); !already {
		t.Fatal("second call for the same checkpoint by the same coordinator must be reported as already signed")
	}
}

func TestRecordRemoteSignature_NoFurtherCommitAfterQuorumReached(t *testing.T) {
	l := newTestLedger(t)
	const known = 3 // floor(3/2)+1 = 2

	l.SignCheckpoint("cp-1", known)
	if shouldCommit := l.RecordRemoteSignature("cp-1", "coord-b", known); !shouldCommit {
		t.Fatal("2nd distinct signature must reach quorum (floor(3/2)+1 = 2)")
	}

	if shouldCommit := l.RecordRemoteSignature("cp-1", "coord-c", known); shouldCommit {
		t.Fatal("quorum already committed; a later signature must not re-trigger commit")
	}
}

func TestDistinctCheckpointsTrackedIndependently(t *testing.T) {
	l := newTestLedger(t)

	l.SignCheckpoint("cp-1", 3)
	l.SignCheckpoint("cp-2", 3)

	if shouldCommit := l.RecordRemoteSignature("cp-1", "coord-b", 3); !shouldCommit {
		t.Fatal("cp-1 should reach quorum independently of cp-2")
	}
	if shouldCommit := l.RecordRemoteSignature("cp-2", "coord-c", 3); !shouldCommit {
		t.Fatal("cp-2 should still require and reach its own quorum")
	}
}

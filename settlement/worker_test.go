package settlement

import (
	"context"
	"testing"

	"github.com/pkg/errors"

	"github.com/Doot-Foundation/zec-mina-barter-sub000/logging"
	"github.com/Doot-Foundation/zec-mina-barter-sub000/pool"
)

type fakeBackend struct {
	blocks     [][][]string
	actionsErr error
	proofErr   error

	proofCalls int
	submitted  []pool.Op
}

func (f *fakeBackend) Connect(ctx context.Context) error { return nil }
func (f *fakeBackend) FetchRecord(ctx context.Context, key pool.TradeKey) (*pool.TradeRecord, error) {
	return nil, nil
}
func (f *fakeBackend) SubmitOperation(ctx context.Context, op pool.Op) (string, error) {
	f.submitted = append(f.submitted, op)
	return "tx-settle", nil
}
func (f *fakeBackend) PoolBalance(ctx context.Context) (uint64, error) { return 42, nil }
func (f *fakeBackend) ActionState(ctx context.Context) (string, error) { return "as-1", nil }
func (f *fakeBackend) ActionsSince(ctx context.Context, s string) ([][][]string, error) {
	return f.blocks, f.actionsErr
}
func (f *fakeBackend) CreateSettlementProof(ctx context.Context) ([]byte, error) {
	f.proofCalls++
	if f.proofErr != nil {
		return nil, f.proofErr
	}
	return []byte("proof"), nil
}

func newTestWorker(backend pool.Backend, minActions int) *Worker {
	return NewWorker(backend, 1, minActions, logging.NewComponentLogger("test", "dev"))
}

func TestCountActions(t *testing.T) {
	tests := []struct {
		name   string
		blocks [][][]string
		want   int
	}{
		{name: "empty", blocks: nil, want: 0},
		{
			name:   "two blocks three actions",
			blocks: [][][]string{{{"a", "b"}}, {{"c"}}},
			want:   3,
		},
		{
			name:   "multiple accounts per block",
			blocks: [][][]string{{{"a"}, {"b", "c"}}, {}},
			want:   3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := countActions(tt.blocks); got != tt.want {
				t.Errorf("countActions() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestCheckSettlesAboveThreshold(t *testing.T) {
	backend := &fakeBackend{blocks: [][][]string{{{"a", "b"}}, {{"c"}}}}
	worker := newTestWorker(backend, 1)

	worker.checkOnce(context.Background())

	if backend.proofCalls != 1 {
		t.Fatalf("proof generated %d times, want 1", backend.proofCalls)
	}
	if len(backend.submitted) != 1 {
		t.Fatalf("submitted %d ops, want 1", len(backend.submitted))
	}
	settle, ok := backend.submitted[0].(pool.Settle)
	if !ok || string(settle.Proof) != "proof" {
		t.Errorf("submitted op = %+v, want Settle with proof", backend.submitted[0])
	}

	// A follow-up check with nothing pending must not prove again.
	backend.blocks = nil
	worker.checkOnce(context.Background())
	if backend.proofCalls != 1 {
		t.Errorf("proof generated %d times after empty check, want still 1", backend.proofCalls)
	}
}

func TestCheckBelowThresholdSkipsProof(t *testing.T) {
	backend := &fakeBackend{blocks: [][][]string{{{"a"}}}}
	worker := newTestWorker(backend, 2)

	worker.checkOnce(context.Background())

	if backend.proofCalls != 0 {
		t.Errorf("proof generated below threshold")
	}
	if len(backend.submitted) != 0 {
		t.Errorf("settle submitted below threshold")
	}
}

func TestCheckSurvivesErrors(t *testing.T) {
	backend := &fakeBackend{
		blocks:   [][][]string{{{"a"}}},
		proofErr: errors.New("prover crashed"),
	}
	worker := newTestWorker(backend, 1)

	// Must not panic and must not submit anything.
	worker.checkOnce(context.Background())
	if len(backend.submitted) != 0 {
		t.Errorf("settle submitted despite proof failure")
	}

	// Worker keeps going: next tick with a healthy prover settles.
	backend.proofErr = nil
	worker.checkOnce(context.Background())
	if len(backend.submitted) != 1 {
		t.Errorf("worker did not recover after proof failure")
	}
}

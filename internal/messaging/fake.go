package messaging

import (
	"context"
	"fmt"
	"sync"

	"github.com/BTreeMap/NudgePipe/internal/models"
)

// FakeSender records sends in memory (for tests and dry runs). Each call consumes
// the next entry of Errs, when present, before sending anything.
type FakeSender struct {
	mu      sync.Mutex
	Errs    []error
	Sent    []FakeSend
	Deleted []string
	Calls   int
	nextID  int

	// BeforeSend, when set, runs at the start of every Send.
	BeforeSend func(recipient string)
}

// FakeSend is one successful Send recorded by FakeSender.
type FakeSend struct {
	Recipient string
	Blocks    []models.RecoveryBlock
	IDs       []string
}

// Compile-time checks.
var (
	_ BlockSender    = (*FakeSender)(nil)
	_ MessageDeleter = (*FakeSender)(nil)
)

// NewFakeSender creates a FakeSender that fails with errs, in order, before succeeding.
func NewFakeSender(errs ...error) *FakeSender {
	return &FakeSender{Errs: errs}
}

// Send records the blocks and returns one id per block.
func (f *FakeSender) Send(ctx context.Context, recipient string, blocks []models.RecoveryBlock) ([]string, error) {
	if f.BeforeSend != nil {
		f.BeforeSend(recipient)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls++
	if len(f.Errs) > 0 {
		err := f.Errs[0]
		f.Errs = f.Errs[1:]
		if err != nil {
			return nil, err
		}
	}
	ids := make([]string, len(blocks))
	for i := range blocks {
		f.nextID++
		ids[i] = fmt.Sprintf("msg-%d", f.nextID)
	}
	f.Sent = append(f.Sent, FakeSend{Recipient: recipient, Blocks: blocks, IDs: ids})
	return ids, nil
}

// DeleteMessage records the deleted id.
func (f *FakeSender) DeleteMessage(ctx context.Context, recipient, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Deleted = append(f.Deleted, messageID)
	return nil
}

// SentCount returns the number of successful sends.
func (f *FakeSender) SentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Sent)
}

package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	twilioClient "github.com/twilio/twilio-go/client"
	"go.mau.fi/whatsmeow"

	"github.com/BTreeMap/NudgePipe/internal/models"
	"github.com/BTreeMap/NudgePipe/internal/store"
	"github.com/BTreeMap/NudgePipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/NudgePipe/internal/whatsapp"
)

type enqueued struct {
	kind      string
	payload   any
	delay     time.Duration
	dedupeKey string
}

type recordingDispatcher struct {
	mu   sync.Mutex
	jobs []enqueued
	err  error
}

func (d *recordingDispatcher) Enqueue(ctx context.Context, kind string, payload any, delay time.Duration, dedupeKey string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return "", d.err
	}
	d.jobs = append(d.jobs, enqueued{kind: kind, payload: payload, delay: delay, dedupeKey: dedupeKey})
	return "job", nil
}

type recordingWait struct {
	waits []time.Duration
}

func (w *recordingWait) wait(ctx context.Context, d time.Duration) error {
	w.waits = append(w.waits, d)
	return ctx.Err()
}

func TestTwilioBlockSender_SendsBlocksInOrder(t *testing.T) {
	client := twiliowhatsapp.NewMockClient()
	waits := &recordingWait{}
	disp := &recordingDispatcher{}
	s := NewTwilioBlockSender(client, WithDispatcher(disp), WithWaitFunc(waits.wait))

	blocks := []models.RecoveryBlock{
		{ID: 1, Kind: models.BlockKindText, Text: "Still there?"},
		{ID: 2, Kind: models.BlockKindImage, Text: "Look", MediaURL: "https://cdn.example.com/a.png", DelaySeconds: 5, AutoDeleteSeconds: 60},
	}
	ids, err := s.Send(context.Background(), "+55 (11) 99999-0000", blocks)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if len(ids) != 2 || ids[0] != "SM1" || ids[1] != "SM2" {
		t.Errorf("Expected [SM1 SM2], got %v", ids)
	}
	if client.SentMessages[0].To != "+5511999990000" {
		t.Errorf("Expected canonical recipient, got %q", client.SentMessages[0].To)
	}
	if client.SentMessages[1].MediaURL != "https://cdn.example.com/a.png" {
		t.Errorf("Expected media url on image block, got %q", client.SentMessages[1].MediaURL)
	}
	if len(waits.waits) != 1 || waits.waits[0] != 5*time.Second {
		t.Errorf("Expected one 5s wait, got %v", waits.waits)
	}
	if len(disp.jobs) != 1 {
		t.Fatalf("Expected one delete job, got %d", len(disp.jobs))
	}
	job := disp.jobs[0]
	if job.kind != JobKindMessageDelete || job.delay != time.Minute || job.dedupeKey != "delete:5511999990000:SM2" {
		t.Errorf("Unexpected delete job: %+v", job)
	}
}

func TestTwilioBlockSender_ClassifiesErrors(t *testing.T) {
	client := twiliowhatsapp.NewMockClient()
	s := NewTwilioBlockSender(client)
	blocks := []models.RecoveryBlock{{Kind: models.BlockKindText, Text: "hi"}}

	client.SendErr = &twilioClient.TwilioRestError{Status: 503}
	if _, err := s.Send(context.Background(), "5511999990000", blocks); !IsTransient(err) {
		t.Errorf("Expected 503 to be transient, got %v", err)
	}

	client.SendErr = &twilioClient.TwilioRestError{Status: 400}
	_, err := s.Send(context.Background(), "5511999990000", blocks)
	if err == nil || IsTransient(err) {
		t.Errorf("Expected permanent error for 400, got %v", err)
	}
}

func TestTwilioBlockSender_RejectsBadRecipient(t *testing.T) {
	s := NewTwilioBlockSender(twiliowhatsapp.NewMockClient())
	if _, err := s.Send(context.Background(), "abc", []models.RecoveryBlock{{Kind: models.BlockKindText, Text: "hi"}}); err == nil {
		t.Error("Expected error for recipient without digits")
	}
}

func TestWhatsAppBlockSender_MediaAsText(t *testing.T) {
	client := whatsapp.NewMockClient()
	s := NewWhatsAppBlockSender(client, WithWaitFunc((&recordingWait{}).wait))

	blocks := []models.RecoveryBlock{
		{Kind: models.BlockKindText, Text: "hello"},
		{Kind: models.BlockKindVideo, Text: "watch", MediaURL: "https://cdn.example.com/v.mp4"},
		{Kind: models.BlockKindDocument, MediaURL: "https://cdn.example.com/d.pdf"},
	}
	ids, err := s.Send(context.Background(), "5511999990000", blocks)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("Expected 3 ids, got %v", ids)
	}
	want := []string{"hello", "watch\nhttps://cdn.example.com/v.mp4", "https://cdn.example.com/d.pdf"}
	for i, w := range want {
		if client.Sent[i].Body != w {
			t.Errorf("Block %d: expected body %q, got %q", i, w, client.Sent[i].Body)
		}
	}
}

func TestWhatsAppBlockSender_TransientAndPartial(t *testing.T) {
	client := whatsapp.NewMockClient()
	client.SendErr = whatsmeow.ErrNotConnected
	s := NewWhatsAppBlockSender(client)

	ids, err := s.Send(context.Background(), "5511999990000", []models.RecoveryBlock{{Kind: models.BlockKindText, Text: "hi"}})
	if !IsTransient(err) {
		t.Errorf("Expected transient error, got %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("Expected no ids, got %v", ids)
	}
}

func TestWhatsAppBlockSender_DeleteRevokes(t *testing.T) {
	client := whatsapp.NewMockClient()
	s := NewWhatsAppBlockSender(client)
	if err := s.DeleteMessage(context.Background(), "+55 11 99999 0000", "WA1"); err != nil {
		t.Fatalf("DeleteMessage failed: %v", err)
	}
	if len(client.Revoked) != 1 || client.Revoked[0] != "WA1" {
		t.Errorf("Expected WA1 revoked, got %v", client.Revoked)
	}
}

func TestDeliverBlocks_StopsOnCancelledWait(t *testing.T) {
	client := whatsapp.NewMockClient()
	s := NewWhatsAppBlockSender(client)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ids, err := s.Send(ctx, "5511999990000", []models.RecoveryBlock{
		{Kind: models.BlockKindText, Text: "later", DelaySeconds: 30},
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if len(ids) != 0 || len(client.Sent) != 0 {
		t.Errorf("Expected nothing sent, got %v", ids)
	}
}

func TestDeliverBlocks_AutoDeleteFailureDoesNotFailSend(t *testing.T) {
	disp := &recordingDispatcher{err: errors.New("db down")}
	s := NewWhatsAppBlockSender(whatsapp.NewMockClient(), WithDispatcher(disp))
	ids, err := s.Send(context.Background(), "5511999990000", []models.RecoveryBlock{
		{Kind: models.BlockKindText, Text: "bye", AutoDeleteSeconds: 10},
	})
	if err != nil {
		t.Fatalf("Expected send to succeed, got %v", err)
	}
	if len(ids) != 1 {
		t.Errorf("Expected one id, got %v", ids)
	}
}

func TestSleepContext(t *testing.T) {
	if err := SleepContext(context.Background(), 0); err != nil {
		t.Errorf("Expected zero wait to return nil, got %v", err)
	}
	if err := SleepContext(context.Background(), time.Millisecond); err != nil {
		t.Errorf("Expected short wait to return nil, got %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := SleepContext(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestCanonicalizeRecipient(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"+1 (555) 123-4567", "15551234567", false},
		{"5511999990000", "5511999990000", false},
		{"", "", true},
		{"abc", "", true},
		{"12345", "", true},
	}
	for _, tt := range tests {
		got, err := CanonicalizeRecipient(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("CanonicalizeRecipient(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("CanonicalizeRecipient(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRegisterDeleteHandler_RunsThroughJobs(t *testing.T) {
	st, err := store.NewSQLiteStore(store.WithSQLiteDSN(filepath.Join(t.TempDir(), "test.db")))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer st.Close()

	now := time.Date(2025, 1, 5, 15, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	disp := store.NewJobDispatcher(st, clock)
	runner := store.NewJobRunner(st, time.Second, store.WithRunnerClock(clock))

	fake := NewFakeSender()
	RegisterDeleteHandler(runner, fake)

	client := whatsapp.NewMockClient()
	s := NewWhatsAppBlockSender(client, WithDispatcher(disp))
	ids, err := s.Send(context.Background(), "5511999990000", []models.RecoveryBlock{
		{Kind: models.BlockKindText, Text: "ephemeral", AutoDeleteSeconds: 120},
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if n := runner.RunOnce(context.Background()); n != 0 {
		t.Fatalf("Expected delete job not yet due, claimed %d", n)
	}
	now = now.Add(2 * time.Minute)
	if n := runner.RunOnce(context.Background()); n != 1 {
		t.Fatalf("Expected 1 job claimed, got %d", n)
	}
	if len(fake.Deleted) != 1 || fake.Deleted[0] != ids[0] {
		t.Errorf("Expected %s deleted, got %v", ids[0], fake.Deleted)
	}
}

func TestRegisterDeleteHandler_BadPayload(t *testing.T) {
	reg := handlerMap{}
	RegisterDeleteHandler(reg, NewFakeSender())
	if err := reg[JobKindMessageDelete](context.Background(), "not json"); err == nil {
		t.Error("Expected error for invalid payload")
	}
	body, _ := json.Marshal(DeletePayload{Recipient: "1"})
	if err := reg[JobKindMessageDelete](context.Background(), string(body)); err != nil {
		t.Errorf("Expected payload without id to be dropped, got %v", err)
	}
}

type handlerMap map[string]store.JobHandler

func (h handlerMap) RegisterHandler(kind string, handler store.JobHandler) { h[kind] = handler }

func TestFakeSender_FailsThenSucceeds(t *testing.T) {
	transient := &TransientSendError{Err: errors.New("flaky")}
	f := NewFakeSender(transient)
	blocks := []models.RecoveryBlock{{Kind: models.BlockKindText, Text: "a"}, {Kind: models.BlockKindText, Text: "b"}}

	if _, err := f.Send(context.Background(), "u", blocks); !IsTransient(err) {
		t.Errorf("Expected transient error first, got %v", err)
	}
	ids, err := f.Send(context.Background(), "u", blocks)
	if err != nil {
		t.Fatalf("Expected success on second call, got %v", err)
	}
	if len(ids) != 2 || f.SentCount() != 1 || f.Calls != 2 {
		t.Errorf("Unexpected fake state: ids=%v sent=%d calls=%d", ids, f.SentCount(), f.Calls)
	}
}

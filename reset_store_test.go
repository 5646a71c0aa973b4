package nidoauth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nidohq/nido-auth/internal"
)

func newTestResetStore(t *testing.T) *passwordResetStore {
	t.Helper()
	mr, rdb := newTestRedis(t)
	t.Cleanup(mr.Close)
	return newPasswordResetStore(rdb, "test")
}

func storeTestRecord(t *testing.T, store *passwordResetStore) (string, [32]byte) {
	t.Helper()

	id, err := internal.NewResetID()
	if err != nil {
		t.Fatalf("NewResetID failed: %v", err)
	}
	secret, err := internal.NewResetSecret()
	if err != nil {
		t.Fatalf("NewResetSecret failed: %v", err)
	}
	hash := internal.HashResetSecret(secret)

	record := &passwordResetRecord{
		UserID:     "u1",
		Email:      "alice@nido.test",
		SecretHash: hash,
		ExpiresAt:  time.Now().Add(10 * time.Minute).Unix(),
	}
	if err := store.Save(context.Background(), "0", id.String(), record, 10*time.Minute); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	return id.String(), hash
}

func TestResetRecordEncodingRoundTrip(t *testing.T) {
	original := &passwordResetRecord{
		UserID:     "u1",
		Email:      "alice@nido.test",
		SecretHash: [32]byte{1, 2, 3},
		ExpiresAt:  1234567890,
		Attempts:   3,
	}
	encoded, err := encodePasswordResetRecord(original)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	decoded, err := decodePasswordResetRecord(encoded)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if *decoded != *original {
		t.Fatalf("round trip mismatch: %+v vs %+v", decoded, original)
	}

	if _, err := decodePasswordResetRecord(nil); err == nil {
		t.Fatal("expected error for empty payload")
	}
	if _, err := decodePasswordResetRecord([]byte{99}); err == nil {
		t.Fatal("expected error for unknown version")
	}
}

func TestConsumeDeletesRecord(t *testing.T) {
	store := newTestResetStore(t)
	id, hash := storeTestRecord(t, store)

	record, err := store.Consume(context.Background(), "0", id, hash, 5)
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if record.UserID != "u1" {
		t.Fatalf("unexpected record: %+v", record)
	}

	if _, err := store.Consume(context.Background(), "0", id, hash, 5); !errors.Is(err, errResetNotFound) {
		t.Fatalf("expected errResetNotFound on reuse, got %v", err)
	}
}

func TestConsumeWrongSecretBurnsAttempts(t *testing.T) {
	store := newTestResetStore(t)
	id, hash := storeTestRecord(t, store)

	var wrong [32]byte
	wrong[0] = 0xff

	if _, err := store.Consume(context.Background(), "0", id, wrong, 2); !errors.Is(err, errResetSecretMismatch) {
		t.Fatalf("expected errResetSecretMismatch, got %v", err)
	}
	// Second miss hits maxAttempts and destroys the record.
	if _, err := store.Consume(context.Background(), "0", id, wrong, 2); !errors.Is(err, errResetAttemptsExceeded) {
		t.Fatalf("expected errResetAttemptsExceeded, got %v", err)
	}
	if _, err := store.Consume(context.Background(), "0", id, hash, 2); !errors.Is(err, errResetNotFound) {
		t.Fatalf("expected record destroyed, got %v", err)
	}
}

func TestConsumeExpiredRecord(t *testing.T) {
	store := newTestResetStore(t)

	id, err := internal.NewResetID()
	if err != nil {
		t.Fatalf("NewResetID failed: %v", err)
	}
	secret, err := internal.NewResetSecret()
	if err != nil {
		t.Fatalf("NewResetSecret failed: %v", err)
	}
	hash := internal.HashResetSecret(secret)

	record := &passwordResetRecord{
		UserID:     "u1",
		SecretHash: hash,
		ExpiresAt:  time.Now().Add(-time.Minute).Unix(),
	}
	if err := store.Save(context.Background(), "0", id.String(), record, time.Minute); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if _, err := store.Consume(context.Background(), "0", id.String(), hash, 5); !errors.Is(err, errResetExpired) {
		t.Fatalf("expected errResetExpired, got %v", err)
	}
}

func TestConcurrentConsumeAcceptsExactlyOne(t *testing.T) {
	store := newTestResetStore(t)
	id, hash := storeTestRecord(t, store)

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Consume(context.Background(), "0", id, hash, 5)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var successes int
	for err := range results {
		if err == nil {
			successes++
		} else if !errors.Is(err, errResetNotFound) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 {
		t.Fatalf("expected exactly one successful consume, got %d", successes)
	}
}

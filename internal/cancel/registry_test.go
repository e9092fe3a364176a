package cancel

import (
	"sync"
	"testing"
)

func TestRegisterAndCancel(t *testing.T) {
	r := NewRegistry()
	token := r.Register("sess", "req")

	if token.Cancelled() {
		t.Fatal("fresh token should not be cancelled")
	}
	if r.IsCancelled("sess", "req") {
		t.Fatal("fresh registration should not be cancelled")
	}

	if !r.Cancel("sess", "req") {
		t.Fatal("cancel of registered pair should return true")
	}
	if !token.Cancelled() {
		t.Fatal("token should observe registry cancel")
	}
	if !r.IsCancelled("sess", "req") {
		t.Fatal("registry should report cancelled")
	}
}

func TestRegisterIdempotentSharesFlag(t *testing.T) {
	r := NewRegistry()
	first := r.Register("sess", "req")
	second := r.Register("sess", "req")

	first.Cancel()

	if !second.Cancelled() {
		t.Fatal("tokens for the same pair must share one flag")
	}
}

func TestReRegisterDoesNotResetSetFlag(t *testing.T) {
	r := NewRegistry()
	token := r.Register("sess", "req")
	token.Cancel()

	again := r.Register("sess", "req")
	if !again.Cancelled() {
		t.Fatal("re-registration must not reset an already-set flag")
	}
}

func TestCancelUnknownPair(t *testing.T) {
	r := NewRegistry()
	if r.Cancel("sess", "missing") {
		t.Fatal("cancel of unknown pair should return false")
	}
	if r.IsCancelled("sess", "missing") {
		t.Fatal("unknown pair should not report cancelled")
	}
}

func TestClearRemovesRegistration(t *testing.T) {
	r := NewRegistry()
	token := r.Register("sess", "req")
	token.Cancel()
	r.Clear("sess", "req")

	if r.Len() != 0 {
		t.Fatalf("expected empty registry, got %d entries", r.Len())
	}
	if r.IsCancelled("sess", "req") {
		t.Fatal("cleared pair should not report cancelled")
	}
	// The token keeps its final value after clear.
	if !token.Cancelled() {
		t.Fatal("existing token should keep its flag value")
	}
}

func TestNilTokenNeverCancelled(t *testing.T) {
	var token *Token
	if token.Cancelled() {
		t.Fatal("nil token must report not cancelled")
	}
}

func TestConcurrentRegisterAndCancel(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("sess", "req")
		}()
		go func() {
			defer wg.Done()
			r.Cancel("sess", "req")
		}()
	}
	wg.Wait()
	// The pair exists after the concurrent registers; cancelling now must
	// be observed regardless of interleaving above.
	if !r.Cancel("sess", "req") {
		t.Fatal("pair should still be registered")
	}
	if !r.IsCancelled("sess", "req") {
		t.Fatal("pair should be cancelled")
	}
}

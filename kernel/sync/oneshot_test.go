package sync

import (
	"gophermm/kernel"
	"testing"
)

func TestOneShot(t *testing.T) {
	var (
		guard  OneShot
		expErr = &kernel.Error{Module: "test", Message: "already initialized"}
	)

	if guard.Done() {
		t.Fatal("expected a fresh guard to report Done() == false")
	}

	guard.Enter(expErr)
	if !guard.Done() {
		t.Fatal("expected guard to report Done() == true after Enter")
	}

	t.Run("second Enter panics", func(t *testing.T) {
		defer func() {
			if err := recover(); err != expErr {
				t.Fatalf("expected Enter to panic with %v; got %v", expErr, err)
			}
		}()

		guard.Enter(expErr)
	})

	guard.Reset()
	guard.Enter(expErr)
}

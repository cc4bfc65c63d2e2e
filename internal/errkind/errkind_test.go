package errkind

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsClassifiesWrappedError(t *testing.T) {
	root := errors.New("connection reset")
	wrapped := fmt.Errorf("store.pull: %w", New(TransientStore, "store.pull", root))

	if !Is(wrapped, TransientStore) {
		t.Fatal("expected wrapped error to classify as TransientStore")
	}
	if Is(wrapped, Fatal) {
		t.Fatal("did not expect wrapped error to classify as Fatal")
	}
}

func TestIsFalseForPlainError(t *testing.T) {
	if Is(errors.New("plain"), TransientStore) {
		t.Fatal("plain error must not classify as any Kind")
	}
}

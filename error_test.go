package shopmesh

import (
	"errors"
	"fmt"
	"testing"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{name: "nil", err: nil, want: Unknown},
		{name: "plain error", err: fmt.Errorf("boom"), want: Unknown},
		{name: "value error", err: Error{Code: Backpressure, Err: fmt.Errorf("queue full")}, want: Backpressure},
		{name: "pointer error", err: &Error{Code: Corruption, Err: fmt.Errorf("negative stock")}, want: Corruption},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	inner := fmt.Errorf("inner cause")
	err := Error{Code: Transient, Err: inner, UserData: "sku1"}
	if !errors.Is(err, inner) {
		t.Fatal("wrapped cause is not reachable through errors.Is")
	}
}

package pkg

import (
	"errors"
	"fmt"
	"syscall"
	"testing"
)

func TestTransferStatus_String(t *testing.T) {
	tests := []struct {
		status TransferStatus
		want   string
	}{
		{TransferCompleted, "completed"},
		{TransferError, "error"},
		{TransferTimedOut, "timed out"},
		{TransferCancelled, "cancelled"},
		{TransferStall, "stall"},
		{TransferNoDevice, "no device"},
		{TransferOverflow, "overflow"},
		{TransferStatus(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.status.String(); got != tt.want {
				t.Errorf("TransferStatus.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTransferStatus_Error(t *testing.T) {
	tests := []struct {
		status  TransferStatus
		wantErr error
	}{
		{TransferCompleted, nil},
		{TransferStall, ErrStall},
		{TransferTimedOut, ErrTimeout},
		{TransferCancelled, ErrCancelled},
		{TransferNoDevice, ErrNoDevice},
		{TransferOverflow, ErrOverflow},
		{TransferError, ErrIO},
	}

	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			err := tt.status.Error()
			if tt.wantErr == nil && err != nil {
				t.Errorf("TransferStatus.Error() = %v, want nil", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("TransferStatus.Error() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestTransferStatus_Code(t *testing.T) {
	if got := TransferCompleted.Code(); got != 0 {
		t.Errorf("TransferCompleted.Code() = %d, want 0", got)
	}
	if got := TransferStall.Code(); got != -int(TransferStall) {
		t.Errorf("TransferStall.Code() = %d, want %d", got, -int(TransferStall))
	}
}

func TestMalformedTaxonomy(t *testing.T) {
	for _, err := range []error{ErrShortTransfer, ErrLongTransfer} {
		if !errors.Is(err, ErrMalformed) {
			t.Errorf("%v does not wrap ErrMalformed", err)
		}
		if errors.Is(err, ErrIO) {
			t.Errorf("%v must not be an I/O error", err)
		}
	}
	if errors.Is(ErrShortTransfer, ErrLongTransfer) {
		t.Error("short and long transfer errors are equal")
	}
}

func TestCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{ErrShortTransfer, -6},
		{ErrLongTransfer, -22},
		{fmt.Errorf("read: %w", ErrNoDevice), -19},
		{ErrNoMemory, -12},
		{ErrTimeout, -110},
		{ErrBusy, -16},
		{ErrAccessDenied, -13},
		{ErrNotSupported, -95},
		{fmt.Errorf("submit: %w", syscall.Errno(71)), -71},
		{errors.New("mystery"), -5},
	}

	for _, tt := range tests {
		if got := Code(tt.err); got != tt.want {
			t.Errorf("Code(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestSentinelErrors(t *testing.T) {
	// Verify independent sentinel errors are distinct
	errs := []error{
		ErrNoDevice,
		ErrIO,
		ErrMalformed,
		ErrNoMemory,
		ErrTimeout,
		ErrBusy,
		ErrCancelled,
		ErrStall,
		ErrOverflow,
		ErrNotSupported,
		ErrInvalidParameter,
		ErrAccessDenied,
		ErrDeviceType,
		ErrAlreadyReleased,
	}

	for i, err1 := range errs {
		if err1 == nil {
			t.Errorf("error %d is nil", i)
			continue
		}
		for j, err2 := range errs {
			if i != j && errors.Is(err1, err2) {
				t.Errorf("error %d and %d are equal", i, j)
			}
		}
	}
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		err     error
		wantMsg string
	}{
		{ErrNoDevice, "device not present"},
		{ErrShortTransfer, "short transfer: malformed transfer"},
		{ErrTimeout, "timeout"},
		{ErrStall, "endpoint stalled"},
	}

	for _, tt := range tests {
		t.Run(tt.wantMsg, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("error.Error() = %v, want %v", got, tt.wantMsg)
			}
		})
	}
}

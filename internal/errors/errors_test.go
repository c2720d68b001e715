package errors

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
)

func TestNetworkError_Message(t *testing.T) {
	err := WrapNet("dial", "10.0.0.1:22", fmt.Errorf("connection refused"))
	if !strings.Contains(err.Error(), "dial 10.0.0.1:22") {
		t.Errorf("missing op/addr context: %q", err.Error())
	}
}

func TestNetworkError_Unwrap(t *testing.T) {
	inner := fmt.Errorf("boom")
	err := WrapNet("read", "x", inner)
	if !errors.Is(err, inner) {
		t.Error("Unwrap chain broken")
	}
}

func TestAuthError_NotRetryable(t *testing.T) {
	err := WrapAuth("deploy", "bastion", fmt.Errorf("permission denied"))
	if IsRetryable(err) {
		t.Error("auth errors must never be retryable")
	}
	if !strings.Contains(err.Error(), "deploy@bastion") {
		t.Errorf("missing user@host context: %q", err.Error())
	}
}

func TestHostKeyError_NotRetryable(t *testing.T) {
	if IsRetryable(WrapHostKey("bastion:22", fmt.Errorf("key mismatch"))) {
		t.Error("host key errors must never be retryable")
	}
}

func TestBindError_NotRetryable(t *testing.T) {
	if IsRetryable(WrapBind("127.0.0.1:8080", fmt.Errorf("address in use"))) {
		t.Error("bind errors must never be retryable")
	}
}

func TestConflictError_Message(t *testing.T) {
	err := Conflict("p1", 3, 5)
	if !strings.Contains(err.Error(), "base version 3") ||
		!strings.Contains(err.Error(), "current 5") {
		t.Errorf("missing version context: %q", err.Error())
	}
	if IsRetryable(err) {
		t.Error("conflict errors are not blindly retryable")
	}
}

func TestProtocolError_Message(t *testing.T) {
	err := Protocol("socks5", "unsupported command %d", 2)
	if err.Error() != "socks5: unsupported command 2" {
		t.Errorf("got %q", err.Error())
	}
}

func TestIsVaultAuth(t *testing.T) {
	wrapped := fmt.Errorf("open blob: %w", ErrVaultAuth)
	if !IsVaultAuth(wrapped) {
		t.Error("wrapped ErrVaultAuth not detected")
	}
	if IsVaultAuth(fmt.Errorf("disk error")) {
		t.Error("plain I/O error misclassified as vault auth failure")
	}
}

func TestIsRetryable_NetOpError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", fmt.Errorf("x"), false},
		{"dns temporary", &net.DNSError{IsTemporary: true}, true},
		{"dns permanent", &net.DNSError{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsRetryable_WrappedNetworkError(t *testing.T) {
	ne := &NetworkError{Op: "dial", Addr: "x", Err: fmt.Errorf("reset"), Retryable: true}
	outer := fmt.Errorf("connect: %w", ne)
	if !IsRetryable(outer) {
		t.Error("retryable flag lost through wrapping")
	}
}

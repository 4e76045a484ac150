package mail_test

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Sithey/sharpmailer/internal/mail"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsSessionError(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		fatal bool
	}{
		{"smtp reject", errors.New("550 mailbox unavailable"), false},
		{"wrapped reject", fmt.Errorf("smtp send error: %w", errors.New("450 try later")), false},
		{"eof", io.EOF, true},
		{"closed conn", net.ErrClosed, true},
		{"broken pipe", syscall.EPIPE, true},
		{"conn reset", syscall.ECONNRESET, true},
		{"op error", &net.OpError{Op: "write", Net: "tcp", Err: syscall.EPIPE}, true},
		{"wrapped op error", fmt.Errorf("send: %w", &net.OpError{Op: "read", Net: "tcp", Err: io.EOF}), true},
		{"timeout stays per-message", timeoutErr{}, false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.fatal, mail.IsSessionError(tt.err))
		})
	}
}

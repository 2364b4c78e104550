package outbox

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/openmu/mucp/pkg/models"
)

// TerminalDriver delivers outbound envelopes to a local writer. The terminal
// channel is in-process, so delivery only fails when the writer does.
type TerminalDriver struct {
	mu     sync.Mutex
	out    io.Writer
	logger *slog.Logger
}

// NewTerminalDriver creates a terminal driver writing to stdout.
func NewTerminalDriver() *TerminalDriver {
	return NewTerminalDriverWithWriter(os.Stdout)
}

// NewTerminalDriverWithWriter writes deliveries to the given writer.
func NewTerminalDriverWithWriter(out io.Writer) *TerminalDriver {
	return &TerminalDriver{
		out:    out,
		logger: slog.Default().With("component", "terminal-driver"),
	}
}

// Channel implements Driver.
func (d *TerminalDriver) Channel() string {
	return models.ChannelTerminal
}

// Deliver implements Driver.
func (d *TerminalDriver) Deliver(_ context.Context, rec *models.OutboxRecord) DeliveryResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := io.WriteString(d.out, rec.Envelope.Body+"\n"); err != nil {
		return DeliveryResult{Status: StatusRetry, Error: err.Error()}
	}
	return DeliveryResult{Status: StatusDelivered}
}

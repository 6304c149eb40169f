package scheduler

import (
	"github.com/kelpline/blockrt/internal/block"
	"github.com/kelpline/blockrt/internal/mailbox"
	"github.com/kelpline/blockrt/internal/vmref"
)

// Config holds the scheduler's installation-defined tunables (spec §4.4
// "Configuration", §6 "Configuration defaults"). NumWorkers == 0 selects
// single-threaded mode (a global run queue); NumWorkers > 0 starts that many
// workers, each owning a Chase-Lev deque, spawns placed round-robin.
type Config struct {
	MaxBlocks          int64
	DefaultReductions  int64
	NumWorkers         int
	EnableStealing     bool
	MailboxMaxBytes    int64
	MailboxOverflow    mailbox.OverflowPolicy

	// VMFactory constructs a fresh VM for each spawned block. It defaults to
	// vmref.New, the module's one shipped reference VM implementation (spec
	// §1 treats VM internals as a collaborator; this is the default wiring
	// for that collaborator in this concrete repository, not a requirement
	// of the core itself).
	VMFactory func() block.VM

	// NotifyFactory renders the {type, pid, code, reason} exit/down
	// notification values delivered by exit propagation (spec §4.5 steps
	// 2-3; §6 "Message format delivered to receiver's VM stack"). It
	// defaults to vmref.NewExitMessage for the same reason as VMFactory.
	NotifyFactory func(msgType string, pid block.Pid, code int, reason string) block.Value
}

// DefaultConfig mirrors spec §6's configuration defaults table.
func DefaultConfig() Config {
	return Config{
		MaxBlocks:         10_000,
		DefaultReductions: 10_000,
		NumWorkers:        0,
		EnableStealing:    true,
		MailboxMaxBytes:   0,
		MailboxOverflow:   mailbox.DropNew,
	}
}

func (c Config) withDefaults() Config {
	if c.DefaultReductions == 0 {
		c.DefaultReductions = 10_000
	}
	if c.VMFactory == nil {
		c.VMFactory = func() block.VM { return vmref.New() }
	}
	if c.NotifyFactory == nil {
		c.NotifyFactory = func(msgType string, pid block.Pid, code int, reason string) block.Value {
			return vmref.NewExitMessage(msgType, pid, code, reason)
		}
	}
	return c
}

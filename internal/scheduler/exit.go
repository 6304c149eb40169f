package scheduler

import (
	"fmt"

	"github.com/kelpline/blockrt/internal/block"
)

// PropagateExit fans the death of blk out to its supervisor, its links, and
// its monitors (spec §4.5 "Exit propagation"). blk must already be Dead with
// its ExitInfo populated; callers (Kill, crashActor, finishTermination) are
// responsible for that ordering. Exposed publicly per spec §6
// "scheduler_propagate_exit(block)".
func (s *Scheduler) PropagateExit(blk *block.Block) {
	code, reason, _ := blk.Exit().Get()
	reasonClass := block.Classify(code, reason)

	s.notifySupervisor(blk, reasonClass, code, reason)
	s.propagateLinks(blk, reasonClass, code, reason)
	s.propagateMonitors(blk, code, reason)
}

// displayReason renders the human-facing reason string used in exit/down
// notifications: "normal" for a clean exit with no explicit reason (spec §8
// scenario 5: "down message with... reason = 'normal'"), otherwise the
// crash reason verbatim.
func displayReason(code int, reason string) string {
	if reason == "" && code == 0 {
		return "normal"
	}
	return reason
}

func (s *Scheduler) notificationValue(msgType string, pid block.Pid, code int, reason string) block.Value {
	return s.cfg.NotifyFactory(msgType, pid, code, displayReason(code, reason))
}

// notifySupervisor implements spec §4.5 step 1.
func (s *Scheduler) notifySupervisor(blk *block.Block, reasonClass block.ExitReason, code int, reason string) {
	sup := blk.Supervisor()
	if !sup.Valid() || !blk.Parent().Valid() {
		return
	}
	s.supMu.RLock()
	handler, ok := s.supervisors[sup]
	s.supMu.RUnlock()
	if !ok {
		return
	}
	handler.NotifyExit(sup, blk.Pid(), reasonClass, code, reason)
}

// propagateLinks implements spec §4.5 step 2. Recursion is bounded because
// the back-link is removed from the linked block before recursing from it
// (spec §9 "Cycles in the block graph").
func (s *Scheduler) propagateLinks(blk *block.Block, reasonClass block.ExitReason, code int, reason string) {
	for _, linkedPid := range blk.Linked() {
		linked, ok := s.reg.Get(linkedPid)
		if !ok || linked.State().Load() == block.Dead {
			continue
		}

		linked.Unlink(blk.Pid())

		if linked.HasCapability(block.CapTrapExit) {
			msg := s.notificationValue("exit", blk.Pid(), code, reason)
			linked.Send(blk.Pid(), msg)
			s.wake(linked)
			continue
		}

		if reasonClass != block.ExitCrash {
			// Normal exit: non-trapping links receive no notification
			// (spec §4.5 step 2, matching Erlang's default link contract).
			continue
		}

		wasRunnable := linked.State().Load() == block.Runnable
		linked.Crashed(fmt.Sprintf("linked process %d crashed", blk.Pid()))
		if wasRunnable && len(s.deques) == 0 {
			s.globalQueue.remove(linked)
		}
		s.reg.IncTerminated()
		s.PropagateExit(linked) // recursion bounded: back-link already removed above
	}
}

// propagateMonitors implements spec §4.5 step 3: every monitor observes at
// most one notification per originating death, and monitors never cascade
// crashes.
func (s *Scheduler) propagateMonitors(blk *block.Block, code int, reason string) {
	for _, observer := range blk.MonitoredBy() {
		mon, ok := s.reg.Get(observer)
		if !ok {
			continue
		}
		msg := s.notificationValue("down", blk.Pid(), code, reason)
		mon.Send(blk.Pid(), msg)
		s.wake(mon)
		mon.Demonitor(blk.Pid())
	}
}

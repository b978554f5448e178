package lifecycle

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/nighthost/backend/internal/domain/identity"
	"github.com/GriffinCanCode/nighthost/backend/internal/events"
)

// Simulated mode is used where the host cannot run sandboxes. It moves the
// registry through the same states and tells observers what would happen.

func simulatedRef(serverID string, epoch uint64) string {
	return fmt.Sprintf("sim-%s-%d", serverID, epoch)
}

func (m *Manager) simulateStart(ident *identity.Identity) StartResult {
	if ident.State == identity.StateOnline {
		return StartResult{Resumed: true, State: identity.StateOnline, Epoch: ident.Epoch}
	}

	epoch, _ := m.registry.BumpEpoch(ident.ID)
	_ = m.registry.SetSandbox(ident.ID, simulatedRef(ident.ID, epoch), identity.StateOnline)

	m.output.Publish(ident.ID, fmt.Sprintf("[simulated] %s is not executed: no sandbox runtime available", ident.Runtime.EntryFile()))
	m.announce(ident.ID, identity.StateOnline)
	m.emit(events.Event{Type: events.Started, ServerID: ident.ID, Epoch: epoch})
	m.syncActive()

	m.logger.Info("Simulated start", zap.String("server_id", ident.ID), zap.Uint64("epoch", epoch))
	return StartResult{Resumed: false, State: identity.StateOnline, Epoch: epoch}
}

func (m *Manager) simulateStop(ident *identity.Identity) StopResult {
	_ = m.registry.SetState(ident.ID, identity.StateOffline)

	m.announce(ident.ID, identity.StateOffline)
	m.emit(events.Event{Type: events.Stopped, ServerID: ident.ID, Epoch: ident.Epoch, Outcome: string(CleanupNone)})
	m.syncActive()

	m.logger.Info("Simulated stop", zap.String("server_id", ident.ID))
	return StopResult{State: identity.StateOffline, Cleanup: CleanupNone}
}

// simulateRestart leaves the server restarting and flips it online after the
// settle delay, unless another command has moved it on in the meantime
func (m *Manager) simulateRestart(ident *identity.Identity) StartResult {
	epoch, _ := m.registry.BumpEpoch(ident.ID)
	_ = m.registry.SetState(ident.ID, identity.StateRestarting)

	m.announce(ident.ID, identity.StateRestarting)
	m.emit(events.Event{Type: events.Restarting, ServerID: ident.ID, Epoch: epoch})
	m.syncActive()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		timer := time.NewTimer(m.cfg.RestartDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-m.ctx.Done():
			return
		}

		unlock := m.locks.Lock(ident.ID)
		defer unlock()

		cur, err := m.registry.Get(ident.ID)
		if err != nil || cur.Epoch != epoch || cur.State != identity.StateRestarting {
			return
		}
		_ = m.registry.SetSandbox(ident.ID, simulatedRef(ident.ID, epoch), identity.StateOnline)
		m.announce(ident.ID, identity.StateOnline)
		m.emit(events.Event{Type: events.Started, ServerID: ident.ID, Epoch: epoch})
		m.syncActive()
	}()

	return StartResult{Resumed: false, State: identity.StateRestarting, Epoch: epoch}
}
